package config

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	defaultServerAddr = ":8080"
)

type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`

	// Issuer pins the issuer URL. When empty the issuer is derived from
	// the request host as https://<host>.
	Issuer string `yaml:"issuer" json:"issuer"`

	// AllowedHosts restricts the Host headers served. Empty allows any host.
	AllowedHosts []string `yaml:"allowedHosts" json:"allowedHosts"`

	CORS bool `yaml:"cors" json:"cors"`
}

func (s *ServerConfig) applyDefaults() {
	if s.Addr == "" {
		s.Addr = defaultServerAddr
	}
	if s.AllowedHosts == nil {
		s.AllowedHosts = []string{}
	}
	s.Issuer = strings.TrimSuffix(s.Issuer, "/")
}

func (s *ServerConfig) validate() error {
	if s.Issuer == "" {
		return nil
	}
	u, err := url.Parse(s.Issuer)
	if err != nil {
		return fmt.Errorf("server.issuer is not a valid URL: %w", err)
	}
	if u.Scheme != "https" && u.Hostname() != "localhost" {
		return fmt.Errorf("server.issuer must use https")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("server.issuer must not contain a query or fragment")
	}
	return nil
}

func (s *ServerConfig) AcceptsHost(host string) bool {
	if len(s.AllowedHosts) == 0 {
		return true
	}
	for _, h := range s.AllowedHosts {
		if h == host {
			return true
		}
	}
	return false
}
