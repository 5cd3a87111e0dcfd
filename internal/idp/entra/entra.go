// Package entra streams users and groups from Microsoft Graph using the
// OAuth client-credentials flow.
package entra

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
)

const (
	defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"
	defaultLoginBaseURL = "https://login.microsoftonline.com"

	pageSize = "999"

	tokenLeeway = 30 * time.Second
)

type Options struct {
	GraphBaseURL string
	LoginBaseURL string
}

type Adapter struct {
	cfg      idp.EntraConfig
	rc       *rest.Client
	graphURL string
	loginURL string

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func New(cfg idp.EntraConfig, rc *rest.Client, opts Options) (*Adapter, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	graphURL := strings.TrimRight(strings.TrimSpace(opts.GraphBaseURL), "/")
	if graphURL == "" {
		graphURL = defaultGraphBaseURL
	}
	loginURL := strings.TrimRight(strings.TrimSpace(opts.LoginBaseURL), "/")
	if loginURL == "" {
		loginURL = defaultLoginBaseURL
	}

	return &Adapter{cfg: cfg, rc: rc, graphURL: graphURL, loginURL: loginURL}, nil
}

func (a *Adapter) Issuer() string {
	return defaultLoginBaseURL + "/" + a.cfg.TenantID + "/v2.0"
}

func (a *Adapter) AccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.token != "" && time.Now().UTC().Add(tokenLeeway).Before(a.tokenExp) {
		token := a.token
		a.mu.Unlock()
		return token, nil
	}
	a.mu.Unlock()

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", a.cfg.ClientID)
	form.Set("client_secret", a.cfg.ClientSecret)
	form.Set("scope", "https://graph.microsoft.com/.default")

	tokenURL := a.loginURL + "/" + url.PathEscape(a.cfg.TenantID) + "/oauth2/v2.0/token"
	resp, err := a.rc.PostForm(ctx, tokenURL, form, nil)
	if err != nil {
		return "", fmt.Errorf("entra token exchange: %w", err)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return "", fmt.Errorf("decode entra token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", errors.New("entra token response missing access_token")
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

type graphUser struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	GivenName         string `json:"givenName"`
	Surname           string `json:"surname"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

func (u graphUser) record() (idp.UserRecord, bool) {
	if strings.TrimSpace(u.ID) == "" {
		return idp.UserRecord{}, false
	}
	email := strings.ToLower(strings.TrimSpace(u.Mail))
	upn := strings.ToLower(strings.TrimSpace(u.UserPrincipalName))
	if email == "" {
		email = upn
	}
	if email == "" {
		return idp.UserRecord{}, false
	}
	return idp.UserRecord{
		IdpID:             u.ID,
		Email:             email,
		Name:              strings.TrimSpace(u.DisplayName),
		GivenName:         strings.TrimSpace(u.GivenName),
		FamilyName:        strings.TrimSpace(u.Surname),
		PreferredUsername: upn,
	}, true
}

func (a *Adapter) Users(ctx context.Context, token string) iter.Seq2[idp.UserRecord, error] {
	return func(yield func(idp.UserRecord, error) bool) {
		requestURL := a.graphURL + "/users"
		query := url.Values{
			"$select": {"id,displayName,givenName,surname,mail,userPrincipalName"},
			"$top":    {pageSize},
		}
		for {
			var page struct {
				NextLink string          `json:"@odata.nextLink"`
				Value    []graphUser     `json:"value"`
			}
			if _, err := a.rc.GetJSON(ctx, requestURL, query, bearer(token), &page); err != nil {
				yield(idp.UserRecord{}, err)
				return
			}

			for _, u := range page.Value {
				rec, ok := u.record()
				if !ok {
					continue
				}
				if !yield(rec, nil) {
					return
				}
			}

			if strings.TrimSpace(page.NextLink) == "" {
				return
			}
			// @odata.nextLink replaces the request URL verbatim.
			requestURL = page.NextLink
			query = nil
		}
	}
}

type graphGroup struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Groups honors the directory's sync_all_groups flag: either every group
// in the tenant, or only groups assigned to this application.
func (a *Adapter) Groups(ctx context.Context, token string) iter.Seq2[idp.GroupRecord, error] {
	if a.cfg.SyncAllGroups {
		return a.allGroups(ctx, token)
	}
	return a.assignedGroups(ctx, token)
}

func (a *Adapter) allGroups(ctx context.Context, token string) iter.Seq2[idp.GroupRecord, error] {
	return func(yield func(idp.GroupRecord, error) bool) {
		requestURL := a.graphURL + "/groups"
		query := url.Values{
			"$select": {"id,displayName"},
			"$top":    {pageSize},
		}
		for {
			var page struct {
				NextLink string       `json:"@odata.nextLink"`
				Value    []graphGroup `json:"value"`
			}
			if _, err := a.rc.GetJSON(ctx, requestURL, query, bearer(token), &page); err != nil {
				yield(idp.GroupRecord{}, err)
				return
			}

			for _, g := range page.Value {
				if strings.TrimSpace(g.ID) == "" {
					continue
				}
				if !yield(idp.GroupRecord{IdpID: g.ID, Name: strings.TrimSpace(g.DisplayName)}, nil) {
					return
				}
			}

			if strings.TrimSpace(page.NextLink) == "" {
				return
			}
			requestURL = page.NextLink
			query = nil
		}
	}
}

func (a *Adapter) assignedGroups(ctx context.Context, token string) iter.Seq2[idp.GroupRecord, error] {
	return func(yield func(idp.GroupRecord, error) bool) {
		spID, err := a.servicePrincipalID(ctx, token)
		if err != nil {
			yield(idp.GroupRecord{}, err)
			return
		}

		requestURL := a.graphURL + "/servicePrincipals/" + url.PathEscape(spID) + "/appRoleAssignedTo"
		query := url.Values{"$top": {pageSize}}
		seen := make(map[string]struct{})
		for {
			var page struct {
				NextLink string `json:"@odata.nextLink"`
				Value    []struct {
					PrincipalType        string `json:"principalType"`
					PrincipalID          string `json:"principalId"`
					PrincipalDisplayName string `json:"principalDisplayName"`
				} `json:"value"`
			}
			if _, err := a.rc.GetJSON(ctx, requestURL, query, bearer(token), &page); err != nil {
				yield(idp.GroupRecord{}, err)
				return
			}

			for _, assignment := range page.Value {
				if assignment.PrincipalType != "Group" || strings.TrimSpace(assignment.PrincipalID) == "" {
					continue
				}
				if _, dup := seen[assignment.PrincipalID]; dup {
					continue
				}
				seen[assignment.PrincipalID] = struct{}{}
				rec := idp.GroupRecord{
					IdpID: assignment.PrincipalID,
					Name:  strings.TrimSpace(assignment.PrincipalDisplayName),
				}
				if !yield(rec, nil) {
					return
				}
			}

			if strings.TrimSpace(page.NextLink) == "" {
				return
			}
			requestURL = page.NextLink
			query = nil
		}
	}
}

func (a *Adapter) servicePrincipalID(ctx context.Context, token string) (string, error) {
	var payload struct {
		Value []struct {
			ID string `json:"id"`
		} `json:"value"`
	}
	query := url.Values{
		"$filter": {fmt.Sprintf("appId eq '%s'", a.cfg.ClientID)},
		"$select": {"id"},
	}
	if _, err := a.rc.GetJSON(ctx, a.graphURL+"/servicePrincipals", query, bearer(token), &payload); err != nil {
		return "", err
	}
	if len(payload.Value) == 0 || strings.TrimSpace(payload.Value[0].ID) == "" {
		return "", errors.New("entra service principal not found for client id")
	}
	return payload.Value[0].ID, nil
}

func (a *Adapter) GroupMembers(ctx context.Context, token, groupIdpID string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		requestURL := a.graphURL + "/groups/" + url.PathEscape(groupIdpID) + "/members"
		query := url.Values{
			"$select": {"id"},
			"$top":    {pageSize},
		}
		for {
			var page struct {
				NextLink string `json:"@odata.nextLink"`
				Value    []struct {
					ODataType string `json:"@odata.type"`
					ID        string `json:"id"`
				} `json:"value"`
			}
			if _, err := a.rc.GetJSON(ctx, requestURL, query, bearer(token), &page); err != nil {
				yield("", err)
				return
			}

			for _, m := range page.Value {
				if m.ODataType != "#microsoft.graph.user" || strings.TrimSpace(m.ID) == "" {
					continue
				}
				if !yield(m.ID, nil) {
					return
				}
			}

			if strings.TrimSpace(page.NextLink) == "" {
				return
			}
			requestURL = page.NextLink
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
		{"User.Read.All", "/users"},
		{"GroupMember.Read.All", "/groups"},
	}
	for _, probe := range probes {
		if _, err := a.rc.Get(ctx, a.graphURL+probe.path, url.Values{"$top": {"1"}}, bearer(token)); err != nil {
			if status, ok := rest.StatusOf(err); ok && (status == http.StatusUnauthorized || status == http.StatusForbidden) {
				return &idp.ScopeError{Provider: "entra", Scope: probe.scope, Err: err}
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
