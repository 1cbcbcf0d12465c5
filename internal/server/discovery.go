package server

import (
	"net/http"

	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/sdms-suite/sdms-idp/internal/constants"
	"github.com/sdms-suite/sdms-idp/internal/issuer"
)

var supportedClaims = []string{
	"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "acr", "amr", "azp", "sid",
	"name", "preferred_username", "picture", "updated_at",
	"email", "email_verified",
	issuer.ClaimRoles,
}

// handleDiscovery serves both the OpenID Connect discovery document and the
// RFC 8414 authorization server metadata, which share their content.
func (a *api) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, map[string]any{
		"issuer":                 a.issuerURL(r),
		"authorization_endpoint": a.endpointURL(r, pathAuthorize),
		"token_endpoint":         a.endpointURL(r, pathToken),
		"userinfo_endpoint":      a.endpointURL(r, pathUserInfo),
		"jwks_uri":               a.endpointURL(r, pathJWKS),
		"revocation_endpoint":    a.endpointURL(r, pathRevoke),
		"introspection_endpoint": a.endpointURL(r, pathIntrospect),
		"end_session_endpoint":   a.endpointURL(r, pathLogout),

		"scopes_supported":                      a.conf.SupportedScopes(),
		"claims_supported":                      supportedClaims,
		"response_types_supported":              []string{constants.AuthorizationServerResponseType},
		"response_modes_supported":              []string{constants.AuthorizationServerResponseMode},
		"grant_types_supported":                 []string{constants.GrantTypeAuthorizationCode, constants.GrantTypeRefreshToken},
		"subject_types_supported":               []string{constants.AuthorizationServerSubjectType},
		"id_token_signing_alg_values_supported": []string{issuer.Algorithm().String()},
		"code_challenge_methods_supported":      []string{constants.AuthorizationServerCodeChallengeMethod},
		"prompt_values_supported":               []string{constants.PromptNone, constants.PromptLogin, constants.PromptConsent},
		"token_endpoint_auth_methods_supported": []string{
			constants.TokenEndpointAuthMethodSecretBasic,
			constants.TokenEndpointAuthMethodSecretPost,
			constants.TokenEndpointAuthMethodNone,
		},
		"revocation_endpoint_auth_methods_supported": []string{
			constants.TokenEndpointAuthMethodSecretBasic,
			constants.TokenEndpointAuthMethodSecretPost,
			constants.TokenEndpointAuthMethodNone,
		},
		"introspection_endpoint_auth_methods_supported": []string{
			constants.TokenEndpointAuthMethodSecretBasic,
			constants.TokenEndpointAuthMethodSecretPost,
		},
		"authorization_response_iss_parameter_supported": true,
	})
}

func (a *api) handleJWKS(w http.ResponseWriter, r *http.Request) {
	keys := a.issuer.PublicKeys(a.now())
	if keys == nil {
		keys = []jwk.Key{}
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	respondJSON(w, r, http.StatusOK, map[string]any{
		"keys": keys,
	})
}
