package google

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	googleoauth2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/sdms-suite/sdms-idp/internal/config"
	"github.com/sdms-suite/sdms-idp/internal/provider"
)

const defaultIssuer = "https://accounts.google.com"

type googleProvider struct {
	conf     *config.ProviderConfig
	verifier *provider.IDTokenVerifier
}

func New(conf *config.ProviderConfig) (provider.Interface, error) {
	issuer := conf.Issuer
	if issuer == "" {
		issuer = defaultIssuer
	}
	return &googleProvider{
		conf:     conf,
		verifier: provider.NewIDTokenVerifier(issuer, conf.ClientID),
	}, nil
}

// OAuth2Config implements provider.Interface.
func (g *googleProvider) OAuth2Config() *oauth2.Config {
	endpoint := google.Endpoint
	if g.conf.AuthURL != "" {
		endpoint.AuthURL = g.conf.AuthURL
	}
	if g.conf.TokenURL != "" {
		endpoint.TokenURL = g.conf.TokenURL
	}
	return &oauth2.Config{
		ClientID:     g.conf.ClientID,
		ClientSecret: g.conf.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
	}
}

// VerifyUser implements provider.Interface.
func (g *googleProvider) VerifyUser(ctx context.Context, token *oauth2.Token) (*provider.UserInfo, error) {
	idToken, err := g.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("error verifying google id token: %w", err)
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("error unmarshaling claims from google id token: %w", err)
	}
	if err := provider.CheckEmail(g.conf, claims.Email, claims.EmailVerified); err != nil {
		return nil, err
	}

	user := &provider.UserInfo{
		Subject:       idToken.Subject,
		Username:      claims.Email,
		Email:         claims.Email,
		EmailVerified: true,
		Name:          claims.Name,
		Picture:       claims.Picture,
	}

	// Profile fields from the userinfo API take precedence.
	svc, err := g.userinfoService(ctx, token)
	if err != nil {
		return nil, err
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	if info.Id != "" && info.Id != idToken.Subject {
		return nil, fmt.Errorf("google userinfo subject '%s' does not match id token subject '%s'",
			info.Id, idToken.Subject)
	}
	if info.Name != "" {
		user.Name = info.Name
	}
	if info.Picture != "" {
		user.Picture = info.Picture
	}

	return user, nil
}

func (g *googleProvider) userinfoService(ctx context.Context, token *oauth2.Token) (*googleoauth2.Service, error) {
	opts := []option.ClientOption{
		option.WithHTTPClient(oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))),
	}
	if g.conf.APIURL != "" {
		opts = append(opts, option.WithEndpoint(g.conf.APIURL))
	}
	svc, err := googleoauth2.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating google oauth2 service: %w", err)
	}
	return svc, nil
}
