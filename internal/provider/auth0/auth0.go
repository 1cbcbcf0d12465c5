package auth0

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/sdms-suite/sdms-idp/internal/config"
	"github.com/sdms-suite/sdms-idp/internal/provider"
)

type auth0Provider struct {
	conf     *config.ProviderConfig
	issuer   string
	verifier *provider.IDTokenVerifier
}

func New(conf *config.ProviderConfig) (provider.Interface, error) {
	issuer := conf.Issuer
	if issuer == "" {
		if conf.Domain == "" {
			return nil, fmt.Errorf("auth0 provider requires a domain")
		}
		issuer = fmt.Sprintf("https://%s/", conf.Domain)
	}
	return &auth0Provider{
		conf:     conf,
		issuer:   issuer,
		verifier: provider.NewIDTokenVerifier(issuer, conf.ClientID),
	}, nil
}

// OAuth2Config implements provider.Interface.
func (a *auth0Provider) OAuth2Config() *oauth2.Config {
	base := strings.TrimSuffix(a.issuer, "/")
	endpoint := oauth2.Endpoint{
		AuthURL:  base + "/authorize",
		TokenURL: base + "/oauth/token",
	}
	if a.conf.AuthURL != "" {
		endpoint.AuthURL = a.conf.AuthURL
	}
	if a.conf.TokenURL != "" {
		endpoint.TokenURL = a.conf.TokenURL
	}
	return &oauth2.Config{
		ClientID:     a.conf.ClientID,
		ClientSecret: a.conf.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
	}
}

// VerifyUser implements provider.Interface.
func (a *auth0Provider) VerifyUser(ctx context.Context, token *oauth2.Token) (*provider.UserInfo, error) {
	idToken, err := a.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("error verifying auth0 id token: %w", err)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("error unmarshaling claims from auth0 id token: %w", err)
	}
	email, _ := claims["email"].(string)
	emailVerified, _ := claims["email_verified"].(bool)
	if err := provider.CheckEmail(a.conf, email, emailVerified); err != nil {
		return nil, err
	}

	user := &provider.UserInfo{
		Subject:       idToken.Subject,
		Email:         email,
		EmailVerified: true,
	}
	user.Name, _ = claims["name"].(string)
	user.Picture, _ = claims["picture"].(string)
	for _, c := range []string{"preferred_username", "nickname"} {
		if s, ok := claims[c].(string); ok && s != "" {
			user.Username = s
			break
		}
	}
	if a.conf.GroupsClaim != "" {
		user.Groups = provider.ClaimStrings(claims, a.conf.GroupsClaim)
	}

	return user, nil
}
