package server

import (
	"net/http"
	"time"

	"github.com/sdms-suite/sdms-idp/internal/account"
	"github.com/sdms-suite/sdms-idp/internal/config"
	"github.com/sdms-suite/sdms-idp/internal/issuer"
	"github.com/sdms-suite/sdms-idp/internal/provider"
	"github.com/sdms-suite/sdms-idp/internal/refresh"
	"github.com/sdms-suite/sdms-idp/internal/store"
)

const (
	// Forward-auth endpoint for the gateway. Responds with a
	// WWW-Authenticate header if a valid bearer token is not provided.
	pathAuthenticate = "/authenticate"

	// OAuth 2.0 endpoints.
	pathOAuthAuthorizationServer = "/.well-known/oauth-authorization-server"
	pathAuthorize                = "/authorize"
	pathToken                    = "/token"
	pathRevoke                   = "/revoke"
	pathIntrospect               = "/introspect"

	// OIDC endpoints.
	pathOpenIDConfiguration = "/.well-known/openid-configuration"
	pathJWKS                = "/openid/v1/jwks"
	pathUserInfo            = "/userinfo"
	pathLogout              = "/logout"

	// Interactive endpoints.
	pathLogin    = "/login"
	pathCallback = "/callback"
	pathConsent  = "/consent"
	pathRegister = "/account/register"
	pathConsents = "/account/consents"
)

type api struct {
	conf          *config.Config
	issuer        issuer.Issuer
	store         store.Store
	accounts      *account.Repository
	refreshTokens *refresh.Repository
	providers     map[string]provider.Interface
	metrics       *metrics
	now           func() time.Time
}

func newAPI(a *api) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+pathAuthenticate, a.handleAuthenticate)

	mux.HandleFunc("GET "+pathOpenIDConfiguration, a.handleDiscovery)
	mux.HandleFunc("GET "+pathOAuthAuthorizationServer, a.handleDiscovery)
	mux.HandleFunc("GET "+pathJWKS, a.handleJWKS)

	mux.HandleFunc("GET "+pathAuthorize, a.handleAuthorize)
	mux.HandleFunc("GET "+pathLogin, a.handleLoginPage)
	mux.HandleFunc("POST "+pathLogin, a.handleLogin)
	mux.HandleFunc("GET "+pathLogin+"/{provider}", a.handleFederatedLogin)
	mux.HandleFunc("GET "+pathCallback, a.handleCallback)
	mux.HandleFunc("POST "+pathConsent, a.handleConsent)

	mux.HandleFunc("POST "+pathToken, a.handleToken)
	mux.HandleFunc("GET "+pathUserInfo, a.handleUserInfo)
	mux.HandleFunc("POST "+pathUserInfo, a.handleUserInfo)
	mux.HandleFunc("POST "+pathRevoke, a.handleRevoke)
	mux.HandleFunc("POST "+pathIntrospect, a.handleIntrospect)
	mux.HandleFunc("GET "+pathLogout, a.handleLogout)
	mux.HandleFunc("POST "+pathLogout, a.handleLogout)

	mux.HandleFunc("POST "+pathRegister, a.handleRegister)
	mux.HandleFunc("DELETE "+pathConsents+"/{client_id}", a.handleRevokeConsent)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.conf.Server.AcceptsHost(r.Host) {
			http.Error(w, "Host not allowed", http.StatusMisdirectedRequest)
			return
		}
		mux.ServeHTTP(w, r)
	})
}
