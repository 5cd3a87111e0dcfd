package idp

import (
	"encoding/json"
	"errors"
	"strings"
)

// GoogleConfig binds a directory to a Google Workspace tenant. The
// service account key is the JSON key file content; directory reads are
// performed impersonating the given admin.
type GoogleConfig struct {
	ServiceAccountKey  string `json:"service_account_key"`
	ImpersonationEmail string `json:"impersonation_email"`
	PrimaryDomain      string `json:"primary_domain"`
}

func (c GoogleConfig) Normalized() GoogleConfig {
	out := c
	out.ServiceAccountKey = strings.TrimSpace(out.ServiceAccountKey)
	out.ImpersonationEmail = strings.ToLower(strings.TrimSpace(out.ImpersonationEmail))
	out.PrimaryDomain = strings.ToLower(strings.TrimSpace(out.PrimaryDomain))
	return out
}

func (c GoogleConfig) Validate() error {
	c = c.Normalized()
	if c.ServiceAccountKey == "" {
		return errors.New("Google service account key is required")
	}
	if c.ImpersonationEmail == "" {
		return errors.New("Google impersonation email is required")
	}
	if c.PrimaryDomain == "" {
		return errors.New("Google primary domain is required")
	}
	return nil
}

type EntraConfig struct {
	TenantID      string `json:"tenant_id"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret"`
	SyncAllGroups bool   `json:"sync_all_groups"`
}

func (c EntraConfig) Normalized() EntraConfig {
	out := c
	out.TenantID = normalizeGUID(out.TenantID)
	out.ClientID = normalizeGUID(out.ClientID)
	out.ClientSecret = strings.TrimSpace(out.ClientSecret)
	return out
}

func (c EntraConfig) Validate() error {
	c = c.Normalized()
	if c.TenantID == "" {
		return errors.New("Entra tenant ID is required")
	}
	if c.ClientID == "" {
		return errors.New("Entra client ID is required")
	}
	if c.ClientSecret == "" {
		return errors.New("Entra client secret is required")
	}
	return nil
}

// OktaConfig binds a directory to an Okta org. Authentication uses a
// private-key client assertion plus DPoP; the key is a JSON Web Key.
type OktaConfig struct {
	Domain        string `json:"domain"`
	ClientID      string `json:"client_id"`
	PrivateKeyJWK string `json:"private_key_jwk"`
	KeyID         string `json:"key_id"`
}

func (c OktaConfig) Normalized() OktaConfig {
	out := c
	out.Domain = strings.TrimSpace(out.Domain)
	out.ClientID = strings.TrimSpace(out.ClientID)
	out.PrivateKeyJWK = strings.TrimSpace(out.PrivateKeyJWK)
	out.KeyID = strings.TrimSpace(out.KeyID)
	return out
}

func (c OktaConfig) BaseURL() string {
	base := strings.TrimSpace(c.Domain)
	if base == "" {
		return ""
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return strings.TrimRight(base, "/")
}

func (c OktaConfig) Validate() error {
	c = c.Normalized()
	if c.Domain == "" {
		return errors.New("Okta domain is required")
	}
	if c.ClientID == "" {
		return errors.New("Okta client ID is required")
	}
	if c.PrivateKeyJWK == "" {
		return errors.New("Okta private key JWK is required")
	}
	return nil
}

func DecodeGoogleConfig(raw []byte) (GoogleConfig, error) {
	var cfg GoogleConfig
	return cfg, decodeJSON(raw, &cfg)
}

func DecodeEntraConfig(raw []byte) (EntraConfig, error) {
	var cfg EntraConfig
	return cfg, decodeJSON(raw, &cfg)
}

func DecodeOktaConfig(raw []byte) (OktaConfig, error) {
	var cfg OktaConfig
	return cfg, decodeJSON(raw, &cfg)
}

func EncodeConfig(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func normalizeGUID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	return strings.TrimSpace(s)
}
