// Package okta streams users and groups from an Okta org. Authentication
// uses a private-key client assertion plus DPoP; every authenticated
// request carries a fresh proof. Listing is organized around OIDC apps:
// users and groups are those assigned to the org's OIDC applications.
package okta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dirsyncd/dirsyncd/internal/idp"
	"github.com/dirsyncd/dirsyncd/internal/idp/rest"
	"github.com/dirsyncd/dirsyncd/internal/idp/signer"
)

const (
	tokenPath = "/oauth2/v1/token"

	scopes = "okta.users.read okta.groups.read okta.apps.read"

	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	pageLimit = "200"

	// Trimmed user projection, applied to user listings.
	userContentType = "application/json; okta-response=omitCredentials,omitCredentialsLinks"
	userFields      = "id,status,profile:(login,email,firstName,lastName)"

	tokenLeeway = 30 * time.Second
)

type Options struct {
	// BaseURL overrides the URL derived from the configured domain.
	BaseURL string
}

type Adapter struct {
	cfg     idp.OktaConfig
	rc      *rest.Client
	baseURL string
	key     *signer.DPoPKey

	mu       sync.Mutex
	token    string
	tokenExp time.Time
	nonce    string
}

func New(cfg idp.OktaConfig, rc *rest.Client, opts Options) (*Adapter, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	key, err := signer.ParseJWK(cfg.PrivateKeyJWK, cfg.KeyID)
	if err != nil {
		return nil, fmt.Errorf("okta private key: %w", err)
	}

	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = cfg.BaseURL()
	}

	return &Adapter{cfg: cfg, rc: rc, baseURL: baseURL, key: key}, nil
}

func (a *Adapter) Issuer() string { return a.baseURL }

// AccessToken runs the client-assertion + DPoP token flow. When the org
// demands a DPoP nonce — 400 use_dpop_nonce with a DPoP-Nonce header —
// the request is reissued exactly once with the nonce in a fresh proof.
func (a *Adapter) AccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.token != "" && time.Now().UTC().Add(tokenLeeway).Before(a.tokenExp) {
		token := a.token
		a.mu.Unlock()
		return token, nil
	}
	a.mu.Unlock()

	tokenURL := a.baseURL + tokenPath

	resp, err := a.postToken(ctx, tokenURL, a.currentNonce())
	if err != nil {
		nonce := dpopNonceFrom(resp, err)
		if nonce == "" {
			return "", fmt.Errorf("okta token exchange: %w", err)
		}
		a.setNonce(nonce)
		resp, err = a.postToken(ctx, tokenURL, nonce)
		if err != nil {
			return "", fmt.Errorf("okta token exchange: %w", err)
		}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return "", fmt.Errorf("decode okta token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", errors.New("okta token response missing access_token")
	}
	if !strings.EqualFold(payload.TokenType, "DPoP") {
		return "", fmt.Errorf("okta token response has token_type %q, want DPoP", payload.TokenType)
	}
	expiresIn := payload.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	a.mu.Lock()
	a.token = payload.AccessToken
	a.tokenExp = time.Now().UTC().Add(time.Duration(expiresIn) * time.Second)
	a.mu.Unlock()
	return payload.AccessToken, nil
}

func (a *Adapter) postToken(ctx context.Context, tokenURL, nonce string) (*rest.Response, error) {
	assertion, err := a.key.ClientAssertion(a.cfg.ClientID, tokenURL, time.Now())
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", scopes)
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)

	auth := func(req *http.Request) error {
		proof, err := a.key.Proof(signer.ProofParams{
			Method:     req.Method,
			RequestURL: tokenURL,
			Nonce:      nonce,
		}, time.Now())
		if err != nil {
			return err
		}
		req.Header.Set("DPoP", proof)
		return nil
	}

	return a.rc.PostForm(ctx, tokenURL, form, auth)
}

// dpopNonceFrom recognizes the use_dpop_nonce handshake response.
func dpopNonceFrom(resp *rest.Response, err error) string {
	status, ok := rest.StatusOf(err)
	if !ok || status != http.StatusBadRequest || resp == nil {
		return ""
	}
	var body struct {
		Error string `json:"error"`
	}
	if jsonErr := json.Unmarshal(resp.Body, &body); jsonErr != nil || body.Error != "use_dpop_nonce" {
		return ""
	}
	return strings.TrimSpace(resp.Header.Get("DPoP-Nonce"))
}

func (a *Adapter) currentNonce() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonce
}

func (a *Adapter) setNonce(nonce string) {
	a.mu.Lock()
	a.nonce = nonce
	a.mu.Unlock()
}

// dpop decorates a request with the DPoP authorization scheme. The proof
// is generated inside the authorizer so each retry attempt gets fresh
// iat and jti values.
func (a *Adapter) dpop(token string, extraHeaders map[string]string) rest.Authorizer {
	return func(req *http.Request) error {
		proof, err := a.key.Proof(signer.ProofParams{
			Method:      req.Method,
			RequestURL:  req.URL.String(),
			AccessToken: token,
			Nonce:       a.currentNonce(),
		}, time.Now())
		if err != nil {
			return err
		}
		req.Header.Set("DPoP", proof)
		req.Header.Set("Authorization", "DPoP "+token)
		for k, v := range extraHeaders {
			req.Header.Set(k, v)
		}
		return nil
	}
}

type oktaApp struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	SignOnMode string `json:"signOnMode"`
}

// apps yields the org's active OIDC applications page by page.
func (a *Adapter) apps(ctx context.Context, token string) iter.Seq2[oktaApp, error] {
	return func(yield func(oktaApp, error) bool) {
		requestURL := a.baseURL + "/api/v1/apps"
		query := url.Values{
			"limit":  {pageLimit},
			"filter": {`status eq "ACTIVE"`},
		}
		for {
			var apps []oktaApp
			resp, err := a.rc.GetJSON(ctx, requestURL, query, a.dpop(token, nil), &apps)
			if err != nil {
				yield(oktaApp{}, err)
				return
			}

			for _, app := range apps {
				if app.SignOnMode != "OPENID_CONNECT" || strings.TrimSpace(app.ID) == "" {
					continue
				}
				if !yield(app, nil) {
					return
				}
			}

			next := rest.NextLink(resp.Header.Values("Link"))
			if next == "" {
				return
			}
			requestURL = next
			query = nil
		}
	}
}

type oktaUser struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Profile  oktaProfile `json:"profile"`
	Embedded struct {
		User *struct {
			ID      string      `json:"id"`
			Status  string      `json:"status"`
			Profile oktaProfile `json:"profile"`
		} `json:"user"`
	} `json:"_embedded"`
}

type oktaProfile struct {
	Login     string `json:"login"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

func (u oktaUser) record() (idp.UserRecord, bool) {
	id := strings.TrimSpace(u.ID)
	status := u.Status
	profile := u.Profile
	if u.Embedded.User != nil {
		if embeddedID := strings.TrimSpace(u.Embedded.User.ID); embeddedID != "" {
			id = embeddedID
		}
		status = u.Embedded.User.Status
		profile = u.Embedded.User.Profile
	}
	if id == "" || status != "ACTIVE" {
		return idp.UserRecord{}, false
	}

	login := strings.ToLower(strings.TrimSpace(profile.Login))
	email := strings.ToLower(strings.TrimSpace(profile.Email))
	if email == "" {
		email = login
	}
	if email == "" {
		return idp.UserRecord{}, false
	}

	name := strings.TrimSpace(strings.TrimSpace(profile.FirstName) + " " + strings.TrimSpace(profile.LastName))
	return idp.UserRecord{
		IdpID:             id,
		Email:             email,
		Name:              name,
		GivenName:         strings.TrimSpace(profile.FirstName),
		FamilyName:        strings.TrimSpace(profile.LastName),
		PreferredUsername: login,
	}, true
}

// Users streams the active users assigned to each OIDC app. A user
// assigned to several apps is yielded once.
func (a *Adapter) Users(ctx context.Context, token string) iter.Seq2[idp.UserRecord, error] {
	return func(yield func(idp.UserRecord, error) bool) {
		seen := make(map[string]struct{})
		for app, err := range a.apps(ctx, token) {
			if err != nil {
				yield(idp.UserRecord{}, err)
				return
			}

			requestURL := a.baseURL + "/api/v1/apps/" + url.PathEscape(app.ID) + "/users"
			query := url.Values{
				"limit":  {pageLimit},
				"expand": {"user"},
				"fields": {userFields},
			}
			auth := a.dpop(token, map[string]string{"Content-Type": userContentType})
			for {
				var users []oktaUser
				resp, err := a.rc.GetJSON(ctx, requestURL, query, auth, &users)
				if err != nil {
					yield(idp.UserRecord{}, err)
					return
				}

				for _, u := range users {
					rec, ok := u.record()
					if !ok {
						continue
					}
					if _, dup := seen[rec.IdpID]; dup {
						continue
					}
					seen[rec.IdpID] = struct{}{}
					if !yield(rec, nil) {
						return
					}
				}

				next := rest.NextLink(resp.Header.Values("Link"))
				if next == "" {
					break
				}
				requestURL = next
				query = nil
			}
		}
	}
}

type oktaGroup struct {
	ID       string `json:"id"`
	Profile  struct {
		Name string `json:"name"`
	} `json:"profile"`
	Embedded struct {
		Group *struct {
			ID      string `json:"id"`
			Profile struct {
				Name string `json:"name"`
			} `json:"profile"`
		} `json:"group"`
	} `json:"_embedded"`
}

func (g oktaGroup) record() (idp.GroupRecord, bool) {
	id := strings.TrimSpace(g.ID)
	name := strings.TrimSpace(g.Profile.Name)
	if g.Embedded.Group != nil {
		if embeddedID := strings.TrimSpace(g.Embedded.Group.ID); embeddedID != "" {
			id = embeddedID
		}
		if embeddedName := strings.TrimSpace(g.Embedded.Group.Profile.Name); embeddedName != "" {
			name = embeddedName
		}
	}
	if id == "" {
		return idp.GroupRecord{}, false
	}
	return idp.GroupRecord{IdpID: id, Name: name}, true
}

// Groups streams the groups assigned to each OIDC app, deduplicated.
func (a *Adapter) Groups(ctx context.Context, token string) iter.Seq2[idp.GroupRecord, error] {
	return func(yield func(idp.GroupRecord, error) bool) {
		seen := make(map[string]struct{})
		for app, err := range a.apps(ctx, token) {
			if err != nil {
				yield(idp.GroupRecord{}, err)
				return
			}

			requestURL := a.baseURL + "/api/v1/apps/" + url.PathEscape(app.ID) + "/groups"
			query := url.Values{
				"limit":  {pageLimit},
				"expand": {"group"},
			}
			for {
				var groups []oktaGroup
				resp, err := a.rc.GetJSON(ctx, requestURL, query, a.dpop(token, nil), &groups)
				if err != nil {
					yield(idp.GroupRecord{}, err)
					return
				}

				for _, g := range groups {
					rec, ok := g.record()
					if !ok {
						continue
					}
					if _, dup := seen[rec.IdpID]; dup {
						continue
					}
					seen[rec.IdpID] = struct{}{}
					if !yield(rec, nil) {
						return
					}
				}

				next := rest.NextLink(resp.Header.Values("Link"))
				if next == "" {
					break
				}
				requestURL = next
				query = nil
			}
		}
	}
}

func (a *Adapter) GroupMembers(ctx context.Context, token, groupIdpID string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		requestURL := a.baseURL + "/api/v1/groups/" + url.PathEscape(groupIdpID) + "/users"
		query := url.Values{"limit": {pageLimit}}
		for {
			var users []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			}
			resp, err := a.rc.GetJSON(ctx, requestURL, query, a.dpop(token, nil), &users)
			if err != nil {
				yield("", err)
				return
			}

			for _, u := range users {
				if u.Status != "ACTIVE" || strings.TrimSpace(u.ID) == "" {
					continue
				}
				if !yield(u.ID, nil) {
					return
				}
			}

			next := rest.NextLink(resp.Header.Values("Link"))
			if next == "" {
				return
			}
			requestURL = next
			query = nil
		}
	}
}

func (a *Adapter) OrgUnits(context.Context, string) iter.Seq2[idp.GroupRecord, error] {
	return idp.EmptySeq[idp.GroupRecord]()
}

func (a *Adapter) Verify(ctx context.Context) error {
	token, err := a.AccessToken(ctx)
	if err != nil {
		return err
	}

	probes := []struct {
		scope string
		path  string
	}{
		{"okta.users.read", "/api/v1/users"},
		{"okta.groups.read", "/api/v1/groups"},
		{"okta.apps.read", "/api/v1/apps"},
	}
	for _, probe := range probes {
		if _, err := a.rc.Get(ctx, a.baseURL+probe.path, url.Values{"limit": {"1"}}, a.dpop(token, nil)); err != nil {
			if status, ok := rest.StatusOf(err); ok && (status == http.StatusUnauthorized || status == http.StatusForbidden) {
				return &idp.ScopeError{Provider: "okta", Scope: probe.scope, Err: err}
			}
			return err
		}
	}
	return nil
}
