package provider

import (
	"context"

	"golang.org/x/oauth2"
)

// UserInfo is the identity asserted by an external IdP after a successful
// authorization code exchange.
type UserInfo struct {
	Subject       string
	Username      string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string

	// Groups is nil when the provider does not assert group membership.
	Groups []string
}

type Interface interface {
	// OAuth2Config returns the client configuration without a redirect URL.
	OAuth2Config() *oauth2.Config

	// VerifyUser checks the exchanged tokens and returns the asserted user.
	VerifyUser(ctx context.Context, token *oauth2.Token) (*UserInfo, error)
}
