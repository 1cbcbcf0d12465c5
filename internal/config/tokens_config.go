package config

import (
	"fmt"
	"time"
)

const (
	defaultAccessTokenDuration  = time.Hour
	defaultIDTokenDuration      = time.Hour
	defaultRefreshTokenDuration = 30 * 24 * time.Hour
	defaultLoginSessionDuration = 8 * time.Hour
	defaultKeyRotationPeriod    = 24 * time.Hour

	defaultBcryptCost        = 12
	defaultPasswordMinLength = 8
)

type TokensConfig struct {
	AccessToken  time.Duration `yaml:"accessToken" json:"accessToken"`
	IDToken      time.Duration `yaml:"idToken" json:"idToken"`
	RefreshToken time.Duration `yaml:"refreshToken" json:"refreshToken"`
	LoginSession time.Duration `yaml:"loginSession" json:"loginSession"`
	KeyRotation  time.Duration `yaml:"keyRotation" json:"keyRotation"`
}

func (t *TokensConfig) applyDefaults() {
	if t.AccessToken == 0 {
		t.AccessToken = defaultAccessTokenDuration
	}
	if t.IDToken == 0 {
		t.IDToken = defaultIDTokenDuration
	}
	if t.RefreshToken == 0 {
		t.RefreshToken = defaultRefreshTokenDuration
	}
	if t.LoginSession == 0 {
		t.LoginSession = defaultLoginSessionDuration
	}
	if t.KeyRotation == 0 {
		t.KeyRotation = defaultKeyRotationPeriod
	}
}

func (t *TokensConfig) validate() error {
	for name, d := range map[string]time.Duration{
		"accessToken":  t.AccessToken,
		"idToken":      t.IDToken,
		"refreshToken": t.RefreshToken,
		"loginSession": t.LoginSession,
		"keyRotation":  t.KeyRotation,
	} {
		if d < 0 {
			return fmt.Errorf("tokens.%s must be positive, got %s", name, d)
		}
	}
	return nil
}

// MaxSignedTokenDuration is the longest lifetime of a JWT signed by the
// issuer, i.e. how long a retired signing key must remain published.
func (t *TokensConfig) MaxSignedTokenDuration() time.Duration {
	return max(t.AccessToken, t.IDToken)
}

type PasswordConfig struct {
	BcryptCost int `yaml:"bcryptCost" json:"bcryptCost"`
	MinLength  int `yaml:"minLength" json:"minLength"`
}

func (p *PasswordConfig) applyDefaults() {
	if p.BcryptCost == 0 {
		p.BcryptCost = defaultBcryptCost
	}
	if p.MinLength == 0 {
		p.MinLength = defaultPasswordMinLength
	}
}

func (p *PasswordConfig) validate() error {
	if p.BcryptCost < 4 || p.BcryptCost > 31 {
		return fmt.Errorf("password.bcryptCost must be between 4 and 31, got %d", p.BcryptCost)
	}
	if p.MinLength < 1 || p.MinLength > 72 {
		return fmt.Errorf("password.minLength must be between 1 and 72, got %d", p.MinLength)
	}
	return nil
}

// SigningKeyConfig pins the token signing key to a PEM file, which is
// required when several replicas must issue verifiable tokens. Without a
// file, keys are generated in memory and rotated automatically.
type SigningKeyConfig struct {
	File string `yaml:"file" json:"file"`
}
