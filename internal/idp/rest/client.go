// Package rest is the HTTP core shared by the provider adapters: bounded
// per-host concurrency, a retry policy for idempotent requests, and
// authentication applied freshly on every attempt.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
)

const (
	defaultRequestTimeout = 60 * time.Second
	defaultConnectTimeout = 30 * time.Second
	defaultMaxPerHost     = 8

	maxAttempts  = 5
	maxBodyBytes = 8 << 20

	retryInitialInterval = 500 * time.Millisecond
	retryMaxInterval     = 8 * time.Second
)

// Authorizer decorates a request with authentication. It runs once per
// attempt, so proofs that must be fresh after a retry (DPoP) are.
type Authorizer func(req *http.Request) error

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// StatusError is a non-2xx provider response. The paired *Response is
// still returned so callers can read headers (rate-limit hints, nonces).
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, strings.TrimSpace(body))
}

// StatusOf unpacks the HTTP status from an error chain, if any.
func StatusOf(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode, true
	}
	return 0, false
}

type Options struct {
	HTTPClient           *http.Client
	RequestTimeout       time.Duration
	ConnectTimeout       time.Duration
	MaxConcurrentPerHost int64
}

type Client struct {
	httpc      *http.Client
	maxPerHost int64

	mu    sync.Mutex
	hosts map[string]*semaphore.Weighted
}

func NewClient(opts Options) *Client {
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	maxPerHost := opts.MaxConcurrentPerHost
	if maxPerHost <= 0 {
		maxPerHost = defaultMaxPerHost
	}

	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   connectTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: connectTimeout,
				MaxIdleConnsPerHost: int(maxPerHost),
			},
		}
	}

	return &Client{
		httpc:      httpc,
		maxPerHost: maxPerHost,
		hosts:      make(map[string]*semaphore.Weighted),
	}
}

func (c *Client) Get(ctx context.Context, rawURL string, query url.Values, auth Authorizer) (*Response, error) {
	return c.do(ctx, http.MethodGet, rawURL, query, nil, "", auth)
}

// GetJSON issues a GET and decodes the body. The response is returned
// alongside the decode so callers can also read headers.
func (c *Client) GetJSON(ctx context.Context, rawURL string, query url.Values, auth Authorizer, out any) (*Response, error) {
	resp, err := c.Get(ctx, rawURL, query, auth)
	if err != nil {
		return resp, err
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp, nil
}

func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values, auth Authorizer) (*Response, error) {
	return c.do(ctx, http.MethodPost, rawURL, nil, []byte(form.Encode()), "application/x-www-form-urlencoded", auth)
}

// do runs the request with the retry policy. Only GET and HEAD retry:
//   - 429 waits for X-Rate-Limit-Reset (absolute unix seconds), else
//     Retry-After seconds, else one second
//   - 408 and 5xx wait with exponential backoff
//   - any other 4xx fails immediately
//
// Transport errors surface verbatim without retry. Non-2xx responses
// return both the response and a *StatusError.
func (c *Client) do(ctx context.Context, method, rawURL string, query url.Values, body []byte, contentType string, auth Authorizer) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if len(query) > 0 {
		merged := u.Query()
		for k, vs := range query {
			merged[k] = vs
		}
		u.RawQuery = merged.Encode()
	}

	retryable := method == http.MethodGet || method == http.MethodHead

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval
	bo.Reset()

	for attempt := 0; ; attempt++ {
		resp, err := c.attempt(ctx, method, u.String(), u.Host, body, contentType, auth)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
		if !retryable || attempt >= maxAttempts-1 || !retryableStatus(resp.StatusCode) {
			return resp, statusErr
		}

		delay := retryDelay(resp, bo)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return resp, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) attempt(ctx context.Context, method, requestURL, host string, body []byte, contentType string, auth Authorizer) (*Response, error) {
	sem := c.hostSem(host)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer sem.Release(1)

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if auth != nil {
		if err := auth(req); err != nil {
			return nil, err
		}
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       respBody,
	}, nil
}

func (c *Client) hostSem(host string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.hosts[host]
	if !ok {
		sem = semaphore.NewWeighted(c.maxPerHost)
		c.hosts[host] = sem
	}
	return sem
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return status >= 500 && status < 600
}

func retryDelay(resp *Response, bo *backoff.ExponentialBackOff) time.Duration {
	if resp.StatusCode != http.StatusTooManyRequests {
		return bo.NextBackOff()
	}
	if reset := strings.TrimSpace(resp.Header.Get("X-Rate-Limit-Reset")); reset != "" {
		if unix, err := strconv.ParseInt(reset, 10, 64); err == nil {
			if d := time.Until(time.Unix(unix, 0)); d > 0 {
				return d
			}
			return time.Second
		}
	}
	if after := strings.TrimSpace(resp.Header.Get("Retry-After")); after != "" {
		if secs, err := strconv.ParseInt(after, 10, 64); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}
