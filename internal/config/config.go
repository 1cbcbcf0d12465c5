package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// TransactionTimeout bounds the time a user has to log in and consent
	// after hitting the authorization endpoint.
	TransactionTimeout = 10 * time.Minute

	// AuthorizationCodeTimeout bounds the time a client has to redeem an
	// authorization code.
	AuthorizationCodeTimeout = time.Minute

	defaultConfigFile = "/etc/sdms-idp/config/config.yaml"
	configFileEnv     = "SDMS_IDP_CONFIG"
)

type Config struct {
	Server     ServerConfig      `yaml:"server" json:"server"`
	Database   DatabaseConfig    `yaml:"database" json:"database"`
	Store      StoreConfig       `yaml:"store" json:"store"`
	Tokens     TokensConfig      `yaml:"tokens" json:"tokens"`
	Password   PasswordConfig    `yaml:"password" json:"password"`
	SigningKey SigningKeyConfig  `yaml:"signingKey" json:"signingKey"`
	Clients    []*ClientConfig   `yaml:"clients" json:"clients"`
	Providers  []*ProviderConfig `yaml:"providers" json:"providers"`
}

func Load() (*Config, error) {
	fileName := defaultConfigFile
	if fn := os.Getenv(configFileEnv); fn != "" {
		fileName = fn
	}
	var cfg Config
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.ValidateAndInitialize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) ValidateAndInitialize() error {
	// Apply defaults.
	if c.Clients == nil {
		c.Clients = []*ClientConfig{}
	}
	if c.Providers == nil {
		c.Providers = []*ProviderConfig{}
	}
	c.Server.applyDefaults()
	c.Database.applyDefaults()
	c.Store.applyDefaults()
	c.Tokens.applyDefaults()
	c.Password.applyDefaults()

	// Validate sections.
	if err := c.Server.validate(); err != nil {
		return err
	}
	if err := c.Database.validate(); err != nil {
		return err
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.Tokens.validate(); err != nil {
		return err
	}
	if err := c.Password.validate(); err != nil {
		return err
	}

	clientIDs := make(map[string]bool, len(c.Clients))
	for i, cl := range c.Clients {
		if err := cl.validateAndInitialize(); err != nil {
			return fmt.Errorf("clients[%d]: %w", i, err)
		}
		if clientIDs[cl.ClientID] {
			return fmt.Errorf("clients[%d]: duplicate clientID '%s'", i, cl.ClientID)
		}
		clientIDs[cl.ClientID] = true
	}

	providerNames := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if err := p.validateAndInitialize(); err != nil {
			return fmt.Errorf("providers[%d]: %w", i, err)
		}
		if providerNames[p.Name] {
			return fmt.Errorf("providers[%d]: duplicate name '%s'", i, p.Name)
		}
		providerNames[p.Name] = true
	}

	return nil
}

// Client returns the registered client with the given ID.
func (c *Config) Client(clientID string) (*ClientConfig, bool) {
	if clientID == "" {
		return nil, false
	}
	for _, cl := range c.Clients {
		if cl.ClientID == clientID {
			return cl, true
		}
	}
	return nil, false
}

// Provider returns the external IdP configuration with the given name.
func (c *Config) Provider(name string) (*ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// SupportedScopes returns the union of the scopes allowed for all clients.
func (c *Config) SupportedScopes() []string {
	seen := make(map[string]bool)
	var scopes []string
	for _, cl := range c.Clients {
		for _, s := range cl.AllowedScopes {
			if !seen[s] {
				seen[s] = true
				scopes = append(scopes, s)
			}
		}
	}
	return scopes
}

func buildRegexList(in []string, out *[]*regexp.Regexp) error {
	*out = nil
	for _, s := range in {
		r, err := regexp.Compile(s)
		if err != nil {
			return fmt.Errorf("failed to compile regex '%s': %w", s, err)
		}
		*out = append(*out, r)
	}
	return nil
}
