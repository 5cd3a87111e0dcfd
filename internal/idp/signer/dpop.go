package signer

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

const proofLifetime = 5 * time.Minute

// DPoPKey holds the RSA JWK an Okta service app proves possession with.
// The same key signs both the client assertion and per-request proofs.
type DPoPKey struct {
	jwk jose.JSONWebKey
}

// ParseJWK decodes a private RSA JSON Web Key. kid overrides the key's
// own key id when non-empty.
func ParseJWK(raw, kid string) (*DPoPKey, error) {
	var jwk jose.JSONWebKey
	if err := json.Unmarshal([]byte(raw), &jwk); err != nil {
		return nil, fmt.Errorf("decode jwk: %w", err)
	}
	if _, ok := jwk.Key.(*rsa.PrivateKey); !ok {
		return nil, errors.New("jwk is not an RSA private key")
	}
	if kid = strings.TrimSpace(kid); kid != "" {
		jwk.KeyID = kid
	}
	if jwk.KeyID == "" {
		return nil, errors.New("jwk key id is required")
	}
	jwk.Algorithm = string(jose.RS256)
	return &DPoPKey{jwk: jwk}, nil
}

// ClientAssertion signs the private_key_jwt assertion posted to the token
// endpoint: iss = sub = client id, five-minute lifetime, and a jti of the
// form <unix seconds>_<random url-safe bytes>.
func (k *DPoPKey) ClientAssertion(clientID, audience string, now time.Time) (string, error) {
	now = now.UTC()
	claims := map[string]any{
		"iss": clientID,
		"sub": clientID,
		"aud": audience,
		"iat": now.Unix(),
		"exp": now.Add(proofLifetime).Unix(),
		"jti": assertionJTI(now),
	}
	return k.sign(claims, false)
}

// ProofParams carries the per-request inputs of a DPoP proof.
type ProofParams struct {
	Method      string
	RequestURL  string
	AccessToken string
	Nonce       string
}

// Proof builds a dpop+jwt for one request attempt. Call it again after a
// retry so jti and iat stay fresh. ath is included once an access token
// is in hand; nonce only after the server demanded one.
func (k *DPoPKey) Proof(p ProofParams, now time.Time) (string, error) {
	htu, err := canonicalHTU(p.RequestURL)
	if err != nil {
		return "", err
	}

	now = now.UTC()
	claims := map[string]any{
		"htm": strings.ToUpper(p.Method),
		"htu": htu,
		"iat": now.Unix(),
		"exp": now.Add(proofLifetime).Unix(),
		"jti": uuid.NewString(),
	}
	if p.AccessToken != "" {
		sum := sha256.Sum256([]byte(p.AccessToken))
		claims["ath"] = base64.RawURLEncoding.EncodeToString(sum[:])
	}
	if p.Nonce != "" {
		claims["nonce"] = p.Nonce
	}
	return k.sign(claims, true)
}

func (k *DPoPKey) sign(claims map[string]any, dpop bool) (string, error) {
	opts := &jose.SignerOptions{}
	if dpop {
		opts.WithType("dpop+jwt")
		opts.EmbedJWK = true
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: k.jwk}, opts)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", err
	}
	return jws.CompactSerialize()
}

// canonicalHTU reduces a request URL to scheme://host[/path], dropping
// query and fragment.
func canonicalHTU(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse htu url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.New("htu url must be absolute")
	}
	return u.Scheme + "://" + u.Host + u.Path, nil
}

func assertionJTI(now time.Time) string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%d_%s", now.Unix(), base64.RawURLEncoding.EncodeToString(buf))
}
