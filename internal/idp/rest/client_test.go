package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

func testClient() *Client {
	return NewClient(Options{RequestTimeout: 5 * time.Second})
}

func TestGet_RetriesRateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	resp, err := testClient().Get(context.Background(), srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestGet_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	if _, err := testClient().Get(context.Background(), srv.URL, nil, nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestGet_ClientErrorDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	resp, err := testClient().Get(context.Background(), srv.URL, nil, nil)
	if err == nil {
		t.Fatal("expected error for 403")
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusForbidden {
		t.Fatalf("error = %v, want StatusError 403", err)
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatal("expected response alongside StatusError")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestPostForm_DoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testClient().PostForm(context.Background(), srv.URL, url.Values{"a": {"b"}}, nil)
	if status, ok := StatusOf(err); !ok || status != http.StatusServiceUnavailable {
		t.Fatalf("error = %v, want StatusError 503", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestGet_AuthorizerRunsPerAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	var authCalls atomic.Int32
	auth := func(req *http.Request) error {
		authCalls.Add(1)
		req.Header.Set("Authorization", "Bearer t")
		return nil
	}

	if _, err := testClient().Get(context.Background(), srv.URL, nil, auth); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := authCalls.Load(); got != 2 {
		t.Fatalf("authorizer calls = %d, want 2", got)
	}
}

func TestGet_QueryMerged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pageToken") != "p2" || r.URL.Query().Get("domain") != "x.test" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	_, err := testClient().Get(context.Background(), srv.URL+"?domain=x.test", url.Values{"pageToken": {"p2"}}, nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
}

func TestNextLink(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		values []string
		want   string
	}{
		{
			name:   "single next",
			values: []string{`<https://org.okta.com/api/v1/users?after=abc>; rel="next"`},
			want:   "https://org.okta.com/api/v1/users?after=abc",
		},
		{
			name: "self and next",
			values: []string{
				`<https://org.okta.com/api/v1/users?limit=200>; rel="self"`,
				`<https://org.okta.com/api/v1/users?after=xyz&limit=200>; rel="next"`,
			},
			want: "https://org.okta.com/api/v1/users?after=xyz&limit=200",
		},
		{
			name:   "combined value",
			values: []string{`<https://a.test/self>; rel="self", <https://a.test/next>; rel="next"`},
			want:   "https://a.test/next",
		},
		{
			name:   "no next",
			values: []string{`<https://a.test/self>; rel="self"`},
			want:   "",
		},
		{
			name:   "empty",
			values: nil,
			want:   "",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := NextLink(tc.values); got != tc.want {
				t.Fatalf("NextLink() = %q, want %q", got, tc.want)
			}
		})
	}
}
