package google

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dirsyncd/dirsyncd/internal/idp"
	"github.com/dirsyncd/dirsyncd/internal/idp/rest"
)

func testServiceAccountKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	raw, err := json.Marshal(map[string]string{
		"client_email": "sync@project.iam.gserviceaccount.com",
		"private_key":  string(pemKey),
	})
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return string(raw)
}

func testAdapter(t *testing.T, baseURL, tokenURL string) *Adapter {
	t.Helper()
	a, err := New(idp.GoogleConfig{
		ServiceAccountKey:  testServiceAccountKey(t),
		ImpersonationEmail: "admin@corp.test",
		PrimaryDomain:      "corp.test",
	}, rest.NewClient(rest.Options{RequestTimeout: 5 * time.Second}), Options{
		BaseURL:  baseURL,
		TokenURL: tokenURL,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

func TestAccessToken_JWTBearerExchange(t *testing.T) {
	var gotGrantType, gotAssertion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotGrantType = r.PostForm.Get("grant_type")
		gotAssertion = r.PostForm.Get("assertion")
		fmt.Fprint(w, `{"access_token":"tok-1","expires_in":3600}`)
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL, srv.URL+"/token")

	token, err := a.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if token != "tok-1" {
		t.Fatalf("token = %q, want tok-1", token)
	}
	if gotGrantType != "urn:ietf:params:oauth:grant-type:jwt-bearer" {
		t.Fatalf("grant_type = %q", gotGrantType)
	}
	if gotAssertion == "" {
		t.Fatal("assertion missing")
	}

	// Second call reuses the cached token.
	if _, err := a.AccessToken(context.Background()); err != nil {
		t.Fatalf("AccessToken() cached error = %v", err)
	}
}

func TestUsers_PaginatesWithPageToken(t *testing.T) {
	var pageTokens []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/directory/v1/users" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("projection") != "full" {
			t.Errorf("projection = %q, want full", r.URL.Query().Get("projection"))
		}
		if r.URL.Query().Get("maxResults") != "500" {
			t.Errorf("maxResults = %q, want 500", r.URL.Query().Get("maxResults"))
		}
		pageTokens = append(pageTokens, r.URL.Query().Get("pageToken"))
		if len(pageTokens) == 1 {
			fmt.Fprint(w, `{"nextPageToken":"p2","users":[
				{"id":"u1","primaryEmail":"A@Corp.Test","name":{"fullName":"Ada One","givenName":"Ada","familyName":"One"}}
			]}`)
			return
		}
		fmt.Fprint(w, `{"users":[{"id":"u2","primaryEmail":"b@corp.test","name":{"fullName":"Bo Two"}}]}`)
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL, srv.URL+"/token")

	var got []idp.UserRecord
	for rec, err := range a.Users(context.Background(), "tok") {
		if err != nil {
			t.Fatalf("Users() error = %v", err)
		}
		got = append(got, rec)
	}

	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].Email != "a@corp.test" {
		t.Fatalf("Email = %q, want lowercased", got[0].Email)
	}
	if got[0].PreferredUsername != "a@corp.test" {
		t.Fatalf("PreferredUsername = %q", got[0].PreferredUsername)
	}
	if pageTokens[0] != "" || pageTokens[1] != "p2" {
		t.Fatalf("pageTokens = %v", pageTokens)
	}
}

func TestUsers_RejectsRecordMissingEmail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"users":[{"id":"u1"}]}`)
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL, srv.URL+"/token")

	var streamErr error
	for _, err := range a.Users(context.Background(), "tok") {
		if err != nil {
			streamErr = err
			break
		}
	}

	var ve *idp.ValidationError
	if !errors.As(streamErr, &ve) {
		t.Fatalf("error = %v, want ValidationError", streamErr)
	}
}

func TestGroupMembers_FiltersNonUsers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("includeDerivedMembership") != "true" {
			t.Errorf("includeDerivedMembership missing")
		}
		fmt.Fprint(w, `{"members":[
			{"id":"u1","type":"USER"},
			{"id":"g2","type":"GROUP"},
			{"id":"u3","type":"USER"}
		]}`)
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL, srv.URL+"/token")

	var got []string
	for id, err := range a.GroupMembers(context.Background(), "tok", "grp-1") {
		if err != nil {
			t.Fatalf("GroupMembers() error = %v", err)
		}
		got = append(got, id)
	}
	if len(got) != 2 || got[0] != "u1" || got[1] != "u3" {
		t.Fatalf("got = %v, want [u1 u3]", got)
	}
}

func TestOrgUnits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/directory/v1/customer/my_customer/orgunits" {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"organizationUnits":[{"orgUnitId":"ou1","name":"Engineering"}]}`)
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL, srv.URL+"/token")

	var got []idp.GroupRecord
	for rec, err := range a.OrgUnits(context.Background(), "tok") {
		if err != nil {
			t.Fatalf("OrgUnits() error = %v", err)
		}
		got = append(got, rec)
	}
	if len(got) != 1 || got[0].IdpID != "ou1" || got[0].Name != "Engineering" {
		t.Fatalf("got = %v", got)
	}
}
