package factory

import (
	"fmt"

	"github.com/sdms-suite/sdms-idp/internal/config"
	"github.com/sdms-suite/sdms-idp/internal/provider"
	"github.com/sdms-suite/sdms-idp/internal/provider/auth0"
	"github.com/sdms-suite/sdms-idp/internal/provider/github"
	"github.com/sdms-suite/sdms-idp/internal/provider/google"
)

func New(conf *config.ProviderConfig) (provider.Interface, error) {
	switch conf.Name {
	case config.ProviderGoogle:
		return google.New(conf)
	case config.ProviderGitHub:
		return github.New(conf)
	case config.ProviderAuth0:
		return auth0.New(conf)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", conf.Name)
	}
}

// NewAll builds every configured provider, keyed by name.
func NewAll(confs []*config.ProviderConfig) (map[string]provider.Interface, error) {
	providers := make(map[string]provider.Interface, len(confs))
	for _, conf := range confs {
		p, err := New(conf)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider '%s': %w", conf.Name, err)
		}
		providers[conf.Name] = p
	}
	return providers, nil
}
