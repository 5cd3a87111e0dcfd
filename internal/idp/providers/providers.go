// Package providers constructs the adapter for a directory's provider.
package providers

import (
	"fmt"

	"github.com/dirsyncd/dirsyncd/internal/idp"
	"github.com/dirsyncd/dirsyncd/internal/idp/entra"
	"github.com/dirsyncd/dirsyncd/internal/idp/google"
	"github.com/dirsyncd/dirsyncd/internal/idp/okta"
	"github.com/dirsyncd/dirsyncd/internal/idp/rest"
)

const (
	Google = "google"
	Entra  = "entra"
	Okta   = "okta"
)

func Known(provider string) bool {
	switch provider {
	case Google, Entra, Okta:
		return true
	}
	return false
}

// New decodes the directory's provider config and builds its adapter.
func New(provider string, config []byte, rc *rest.Client) (idp.Adapter, error) {
	switch provider {
	case Google:
		cfg, err := idp.DecodeGoogleConfig(config)
		if err != nil {
			return nil, fmt.Errorf("google config: %w", err)
		}
		return google.New(cfg, rc, google.Options{})
	case Entra:
		cfg, err := idp.DecodeEntraConfig(config)
		if err != nil {
			return nil, fmt.Errorf("entra config: %w", err)
		}
		return entra.New(cfg, rc, entra.Options{})
	case Okta:
		cfg, err := idp.DecodeOktaConfig(config)
		if err != nil {
			return nil, fmt.Errorf("okta config: %w", err)
		}
		return okta.New(cfg, rc, okta.Options{})
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}
