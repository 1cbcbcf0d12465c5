package constants

const (
	SDMSIdP = "sdms-idp"

	QueryParamAuthorizationCode   = "code"
	QueryParamClientID            = "client_id"
	QueryParamCodeChallenge       = "code_challenge"
	QueryParamCodeChallengeMethod = "code_challenge_method"
	QueryParamCodeVerifier        = "code_verifier"
	QueryParamError               = "error"
	QueryParamErrorDescription    = "error_description"
	QueryParamIDTokenHint         = "id_token_hint"
	QueryParamIssuer              = "iss"
	QueryParamLoginHint           = "login_hint"
	QueryParamMaxAge              = "max_age"
	QueryParamNonce               = "nonce"
	QueryParamPostLogoutRedirect  = "post_logout_redirect_uri"
	QueryParamPrompt              = "prompt"
	QueryParamRedirectURI         = "redirect_uri"
	QueryParamResponseMode        = "response_mode"
	QueryParamResponseType        = "response_type"
	QueryParamScopes              = "scope"
	QueryParamState               = "state"

	FormParamClientSecret  = "client_secret"
	FormParamGrantType     = "grant_type"
	FormParamRefreshToken  = "refresh_token"
	FormParamToken         = "token"
	FormParamTokenTypeHint = "token_type_hint"

	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"

	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"

	PromptNone    = "none"
	PromptLogin   = "login"
	PromptConsent = "consent"

	AuthorizationServerCodeChallengeMethod = "S256"
	AuthorizationServerResponseMode        = "query"
	AuthorizationServerResponseType        = "code"
	AuthorizationServerSubjectType         = "public"

	TokenEndpointAuthMethodNone        = "none"
	TokenEndpointAuthMethodSecretBasic = "client_secret_basic"
	TokenEndpointAuthMethodSecretPost  = "client_secret_post"

	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeRoles         = "roles"
	ScopeOfflineAccess = "offline_access"

	AuthMethodPassword = "pwd"
	AuthMethodExternal = "fed"

	// Forward-auth response headers consumed by the gateway.
	HeaderAuthSubject = "X-Auth-Subject"
	HeaderAuthScopes  = "X-Auth-Scopes"
	HeaderAuthClient  = "X-Auth-Client"
)

// StandardScopes are the scopes every client may request unless its
// configuration narrows them.
var StandardScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeRoles,
	ScopeOfflineAccess,
}
