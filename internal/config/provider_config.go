package config

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	MaxGroups = 100

	ProviderGoogle = "google"
	ProviderGitHub = "github"
	ProviderAuth0  = "auth0"
)

// ProviderConfig configures an external IdP users may log in with.
type ProviderConfig struct {
	Name                string   `yaml:"name" json:"name"`
	DisplayName         string   `yaml:"displayName" json:"displayName"`
	ClientID            string   `yaml:"clientID" json:"clientID"`
	ClientSecret        string   `yaml:"clientSecret" json:"clientSecret"`
	Organization        string   `yaml:"organization" json:"organization"`
	AllowedEmailDomains []string `yaml:"allowedEmailDomains" json:"allowedEmailDomains"`

	// Domain is the Auth0 tenant domain, e.g. sdms.eu.auth0.com.
	Domain string `yaml:"domain" json:"domain"`

	// GroupsClaim names the ID token claim carrying the user's groups.
	GroupsClaim string `yaml:"groupsClaim" json:"groupsClaim"`

	// Issuer, AuthURL, TokenURL and APIURL override the well-known
	// endpoints of the provider (GitHub Enterprise, test servers).
	Issuer   string `yaml:"issuer" json:"issuer"`
	AuthURL  string `yaml:"authURL" json:"authURL"`
	TokenURL string `yaml:"tokenURL" json:"tokenURL"`
	APIURL   string `yaml:"apiURL" json:"apiURL"`

	regexAllowedEmailDomains []*regexp.Regexp
}

func (p *ProviderConfig) validateAndInitialize() error {
	switch p.Name {
	case ProviderGoogle, ProviderGitHub:
	case ProviderAuth0:
		if p.Domain == "" && p.Issuer == "" {
			return fmt.Errorf("provider '%s' requires domain", p.Name)
		}
	case "":
		return fmt.Errorf("name must be set")
	default:
		return fmt.Errorf("unsupported provider '%s'", p.Name)
	}
	if p.ClientID == "" {
		return fmt.Errorf("provider '%s': clientID must be set", p.Name)
	}
	if p.ClientSecret == "" {
		return fmt.Errorf("provider '%s': clientSecret must be set", p.Name)
	}
	if p.DisplayName == "" {
		p.DisplayName = p.Name
	}
	if p.AllowedEmailDomains == nil {
		p.AllowedEmailDomains = []string{}
	}
	if err := buildRegexList(p.AllowedEmailDomains, &p.regexAllowedEmailDomains); err != nil {
		return fmt.Errorf("failed to build regex list for allowed email domains: %w", err)
	}
	return nil
}

func (p *ProviderConfig) ValidateEmailDomain(email string) bool {
	domain := GetEmailDomain(email)
	if domain == "" {
		return false
	}
	if len(p.regexAllowedEmailDomains) == 0 {
		return true
	}
	for _, r := range p.regexAllowedEmailDomains {
		if r.MatchString(domain) {
			return true
		}
	}
	return false
}

func GetEmailDomain(email string) string {
	s := strings.Split(email, "@")
	if len(s) == 2 {
		return s[1]
	}
	return ""
}
