// Package google streams users, groups, and org units from the Google
// Workspace Admin SDK Directory API, authenticating with a domain-wide
// delegated service account.
package google

import (
	"context"
	"crypto/rsa"
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
	defaultBaseURL  = "https://admin.googleapis.com"
	defaultTokenURL = "https://oauth2.googleapis.com/token"

	issuerURL = "https://accounts.google.com"

	usersPageSize  = "500"
	groupsPageSize = "200"

	tokenLeeway = 30 * time.Second
)

var directoryScopes = []string{
	"https://www.googleapis.com/auth/admin.directory.customer.readonly",
	"https://www.googleapis.com/auth/admin.directory.orgunit.readonly",
	"https://www.googleapis.com/auth/admin.directory.group.readonly",
	"https://www.googleapis.com/auth/admin.directory.user.readonly",
}

type Options struct {
	BaseURL  string
	TokenURL string
}

type Adapter struct {
	cfg      idp.GoogleConfig
	rc       *rest.Client
	baseURL  string
	tokenURL string

	clientEmail string
	privateKey  *rsa.PrivateKey

	mu        sync.Mutex
	token     string
	tokenExp  time.Time
}

func New(cfg idp.GoogleConfig, rc *rest.Client, opts Options) (*Adapter, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var key struct {
		ClientEmail string `json:"client_email"`
		PrivateKey  string `json:"private_key"`
		TokenURI    string `json:"token_uri"`
	}
	if err := json.Unmarshal([]byte(cfg.ServiceAccountKey), &key); err != nil {
		return nil, fmt.Errorf("decode service account key: %w", err)
	}
	privateKey, err := signer.ParseRSAPrivateKeyPEM(key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse service account private key: %w", err)
	}
	clientEmail := strings.TrimSpace(key.ClientEmail)
	if clientEmail == "" {
		return nil, errors.New("service account key missing client_email")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	tokenURL := strings.TrimSpace(opts.TokenURL)
	if tokenURL == "" {
		tokenURL = strings.TrimSpace(key.TokenURI)
	}
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}

	return &Adapter{
		cfg:         cfg,
		rc:          rc,
		baseURL:     baseURL,
		tokenURL:    tokenURL,
		clientEmail: clientEmail,
		privateKey:  privateKey,
	}, nil
}

func (a *Adapter) Issuer() string { return issuerURL }

func (a *Adapter) AccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.token != "" && time.Now().UTC().Add(tokenLeeway).Before(a.tokenExp) {
		token := a.token
		a.mu.Unlock()
		return token, nil
	}
	a.mu.Unlock()

	now := time.Now().UTC()
	assertion, err := signer.SignRS256(map[string]any{
		"iss":   a.clientEmail,
		"sub":   a.cfg.ImpersonationEmail,
		"scope": strings.Join(directoryScopes, " "),
		"aud":   a.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}, a.privateKey)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)

	resp, err := a.rc.PostForm(ctx, a.tokenURL, form, nil)
	if err != nil {
		return "", fmt.Errorf("google token exchange: %w", err)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return "", fmt.Errorf("decode google token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", errors.New("google token response missing access_token")
	}
	expiresIn := payload.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	a.mu.Lock()
	a.token = payload.AccessToken
	a.tokenExp = now.Add(time.Duration(expiresIn) * time.Second)
	a.mu.Unlock()
	return payload.AccessToken, nil
}

type directoryUser struct {
	ID           string `json:"id"`
	PrimaryEmail string `json:"primaryEmail"`
	Name         struct {
		FullName   string `json:"fullName"`
		GivenName  string `json:"givenName"`
		FamilyName string `json:"familyName"`
	} `json:"name"`
}

func (u directoryUser) record() (idp.UserRecord, error) {
	if strings.TrimSpace(u.ID) == "" {
		return idp.UserRecord{}, &idp.ValidationError{Provider: "google", Detail: "user missing id"}
	}
	email := strings.ToLower(strings.TrimSpace(u.PrimaryEmail))
	if email == "" {
		return idp.UserRecord{}, &idp.ValidationError{Provider: "google", Detail: "user " + u.ID + " missing primaryEmail"}
	}
	return idp.UserRecord{
		IdpID:             u.ID,
		Email:             email,
		Name:              strings.TrimSpace(u.Name.FullName),
		GivenName:         strings.TrimSpace(u.Name.GivenName),
		FamilyName:        strings.TrimSpace(u.Name.FamilyName),
		PreferredUsername: email,
	}, nil
}

func (a *Adapter) Users(ctx context.Context, token string) iter.Seq2[idp.UserRecord, error] {
	return func(yield func(idp.UserRecord, error) bool) {
		pageToken := ""
		for {
			query := url.Values{
				"customer":   {"my_customer"},
				"domain":     {a.cfg.PrimaryDomain},
				"maxResults": {usersPageSize},
				"projection": {"full"},
			}
			if pageToken != "" {
				query.Set("pageToken", pageToken)
			}

			var page struct {
				NextPageToken string          `json:"nextPageToken"`
				Users         []directoryUser `json:"users"`
			}
			if _, err := a.rc.GetJSON(ctx, a.baseURL+"/admin/directory/v1/users", query, bearer(token), &page); err != nil {
				yield(idp.UserRecord{}, err)
				return
			}

			for _, u := range page.Users {
				rec, err := u.record()
				if err != nil {
					yield(idp.UserRecord{}, err)
					return
				}
				if !yield(rec, nil) {
					return
				}
			}

			pageToken = strings.TrimSpace(page.NextPageToken)
			if pageToken == "" {
				return
			}
		}
	}
}

type directoryGroup struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (g directoryGroup) record() (idp.GroupRecord, error) {
	if strings.TrimSpace(g.ID) == "" {
		return idp.GroupRecord{}, &idp.ValidationError{Provider: "google", Detail: "group missing id"}
	}
	name := strings.TrimSpace(g.Name)
	if name == "" {
		name = strings.TrimSpace(g.Email)
	}
	if name == "" {
		return idp.GroupRecord{}, &idp.ValidationError{Provider: "google", Detail: "group " + g.ID + " missing name and email"}
	}
	return idp.GroupRecord{IdpID: g.ID, Name: name}, nil
}

func (a *Adapter) Groups(ctx context.Context, token string) iter.Seq2[idp.GroupRecord, error] {
	return func(yield func(idp.GroupRecord, error) bool) {
		pageToken := ""
		for {
			query := url.Values{
				"customer":   {"my_customer"},
				"maxResults": {groupsPageSize},
			}
			if pageToken != "" {
				query.Set("pageToken", pageToken)
			}

			var page struct {
				NextPageToken string           `json:"nextPageToken"`
				Groups        []directoryGroup `json:"groups"`
			}
			if _, err := a.rc.GetJSON(ctx, a.baseURL+"/admin/directory/v1/groups", query, bearer(token), &page); err != nil {
				yield(idp.GroupRecord{}, err)
				return
			}

			for _, g := range page.Groups {
				rec, err := g.record()
				if err != nil {
					yield(idp.GroupRecord{}, err)
					return
				}
				if !yield(rec, nil) {
					return
				}
			}

			pageToken = strings.TrimSpace(page.NextPageToken)
			if pageToken == "" {
				return
			}
		}
	}
}

func (a *Adapter) GroupMembers(ctx context.Context, token, groupIdpID string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		endpoint := a.baseURL + "/admin/directory/v1/groups/" + url.PathEscape(groupIdpID) + "/members"
		pageToken := ""
		for {
			query := url.Values{
				"maxResults":               {groupsPageSize},
				"includeDerivedMembership": {"true"},
			}
			if pageToken != "" {
				query.Set("pageToken", pageToken)
			}

			var page struct {
				NextPageToken string `json:"nextPageToken"`
				Members       []struct {
					ID   string `json:"id"`
					Type string `json:"type"`
				} `json:"members"`
			}
			if _, err := a.rc.GetJSON(ctx, endpoint, query, bearer(token), &page); err != nil {
				yield("", err)
				return
			}

			for _, m := range page.Members {
				if m.Type != "USER" || strings.TrimSpace(m.ID) == "" {
					continue
				}
				if !yield(m.ID, nil) {
					return
				}
			}

			pageToken = strings.TrimSpace(page.NextPageToken)
			if pageToken == "" {
				return
			}
		}
	}
}

func (a *Adapter) OrgUnits(ctx context.Context, token string) iter.Seq2[idp.GroupRecord, error] {
	return func(yield func(idp.GroupRecord, error) bool) {
		var payload struct {
			OrganizationUnits []struct {
				OrgUnitID string `json:"orgUnitId"`
				Name      string `json:"name"`
			} `json:"organizationUnits"`
		}
		endpoint := a.baseURL + "/admin/directory/v1/customer/my_customer/orgunits"
		if _, err := a.rc.GetJSON(ctx, endpoint, url.Values{"type": {"all"}}, bearer(token), &payload); err != nil {
			yield(idp.GroupRecord{}, err)
			return
		}

		for _, ou := range payload.OrganizationUnits {
			if strings.TrimSpace(ou.OrgUnitID) == "" {
				continue
			}
			if !yield(idp.GroupRecord{IdpID: ou.OrgUnitID, Name: strings.TrimSpace(ou.Name)}, nil) {
				return
			}
		}
	}
}

// Verify probes one minimal request per granted scope.
func (a *Adapter) Verify(ctx context.Context) error {
	token, err := a.AccessToken(ctx)
	if err != nil {
		return err
	}

	probes := []struct {
		scope string
		path  string
		query url.Values
	}{
		{"admin.directory.customer.readonly", "/admin/directory/v1/customers/my_customer", nil},
		{"admin.directory.user.readonly", "/admin/directory/v1/users", url.Values{"customer": {"my_customer"}, "maxResults": {"1"}}},
		{"admin.directory.group.readonly", "/admin/directory/v1/groups", url.Values{"customer": {"my_customer"}, "maxResults": {"1"}}},
		{"admin.directory.orgunit.readonly", "/admin/directory/v1/customer/my_customer/orgunits", url.Values{"type": {"all"}}},
	}
	for _, probe := range probes {
		if _, err := a.rc.Get(ctx, a.baseURL+probe.path, probe.query, bearer(token)); err != nil {
			if status, ok := rest.StatusOf(err); ok && (status == http.StatusUnauthorized || status == http.StatusForbidden) {
				return &idp.ScopeError{Provider: "google", Scope: probe.scope, Err: err}
			}
			return err
		}
	}
	return nil
}

func bearer(token string) rest.Authorizer {
	return func(req *http.Request) error {
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
}
