package config

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"slices"

	"github.com/sdms-suite/sdms-idp/internal/constants"
)

// ClientConfig is a registered relying party.
type ClientConfig struct {
	ClientID     string `yaml:"clientID" json:"clientID"`
	ClientSecret string `yaml:"clientSecret" json:"clientSecret"`
	Name         string `yaml:"name" json:"name"`

	// Public clients (SPAs, native apps) cannot keep a secret. They must
	// use PKCE and authenticate at the token endpoint with "none".
	Public bool `yaml:"public" json:"public"`

	RedirectURIs           []string `yaml:"redirectURIs" json:"redirectURIs"`
	PostLogoutRedirectURIs []string `yaml:"postLogoutRedirectURIs" json:"postLogoutRedirectURIs"`
	AllowedScopes          []string `yaml:"allowedScopes" json:"allowedScopes"`
	GrantTypes             []string `yaml:"grantTypes" json:"grantTypes"`
	AllowedCORSOrigins     []string `yaml:"allowedCORSOrigins" json:"allowedCORSOrigins"`

	// SkipConsent marks first-party clients.
	SkipConsent bool `yaml:"skipConsent" json:"skipConsent"`
}

func (c *ClientConfig) validateAndInitialize() error {
	if c.ClientID == "" {
		return fmt.Errorf("clientID must be set")
	}
	if c.Public && c.ClientSecret != "" {
		return fmt.Errorf("public client '%s' must not have a clientSecret", c.ClientID)
	}
	if !c.Public && c.ClientSecret == "" {
		return fmt.Errorf("confidential client '%s' must have a clientSecret", c.ClientID)
	}
	if len(c.RedirectURIs) == 0 {
		return fmt.Errorf("client '%s' must have at least one redirect URI", c.ClientID)
	}
	if c.Name == "" {
		c.Name = c.ClientID
	}
	if c.PostLogoutRedirectURIs == nil {
		c.PostLogoutRedirectURIs = []string{}
	}
	if c.AllowedCORSOrigins == nil {
		c.AllowedCORSOrigins = []string{}
	}
	if len(c.GrantTypes) == 0 {
		c.GrantTypes = []string{constants.GrantTypeAuthorizationCode, constants.GrantTypeRefreshToken}
	}
	for _, gt := range c.GrantTypes {
		switch gt {
		case constants.GrantTypeAuthorizationCode, constants.GrantTypeRefreshToken:
		default:
			return fmt.Errorf("client '%s' has unsupported grant type '%s'", c.ClientID, gt)
		}
	}
	if len(c.AllowedScopes) == 0 {
		c.AllowedScopes = slices.Clone(constants.StandardScopes)
	}
	if !c.AllowsGrant(constants.GrantTypeRefreshToken) {
		c.AllowedScopes = slices.DeleteFunc(c.AllowedScopes, func(s string) bool {
			return s == constants.ScopeOfflineAccess
		})
	}
	return nil
}

// AuthMethod is the token endpoint authentication method of the client
// as advertised by discovery.
func (c *ClientConfig) AuthMethod() string {
	if c.Public {
		return constants.TokenEndpointAuthMethodNone
	}
	return constants.TokenEndpointAuthMethodSecretBasic
}

// Authenticate compares the presented secret in constant time. Public
// clients authenticate only with an empty secret.
func (c *ClientConfig) Authenticate(secret string) bool {
	if c.Public {
		return secret == ""
	}
	if secret == "" {
		return false
	}
	want := sha256.Sum256([]byte(c.ClientSecret))
	got := sha256.Sum256([]byte(secret))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

// ValidateRedirectURI requires an exact match with a registered URI.
func (c *ClientConfig) ValidateRedirectURI(uri string) bool {
	return uri != "" && slices.Contains(c.RedirectURIs, uri)
}

func (c *ClientConfig) ValidatePostLogoutRedirectURI(uri string) bool {
	return uri != "" && slices.Contains(c.PostLogoutRedirectURIs, uri)
}

func (c *ClientConfig) AllowsGrant(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

func (c *ClientConfig) AllowsOrigin(origin string) bool {
	return slices.Contains(c.AllowedCORSOrigins, origin)
}

// FilterScopes returns the requested scopes the client may obtain, in
// request order and without duplicates.
func (c *ClientConfig) FilterScopes(requested []string) []string {
	granted := []string{}
	for _, s := range requested {
		if slices.Contains(c.AllowedScopes, s) && !slices.Contains(granted, s) {
			granted = append(granted, s)
		}
	}
	return granted
}
