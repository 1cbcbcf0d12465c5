package store

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/sdms-suite/sdms-idp/internal/config"
	"github.com/sdms-suite/sdms-idp/internal/constants"
	"github.com/sdms-suite/sdms-idp/internal/logging"
	"github.com/sdms-suite/sdms-idp/internal/oauth"
)

const (
	maxNonceLength = 512
	maxStateLength = 2048
)

// Transaction represents an OAuth 2.0 authorization request.
// It contains the client parameters validated at the authorization
// endpoint, the code verifier for PKCE with an external IdP when the
// user chooses to federate, and the host that initiated the Transaction.
type Transaction struct {
	ClientParams TransactionClientParams `json:"clientParams"`
	CodeVerifier string                  `json:"codeVerifier,omitempty"`
	Provider     string                  `json:"provider,omitempty"`
	Host         string                  `json:"host"`
}

type TransactionClientParams struct {
	ClientID      string   `json:"clientID"`
	CodeChallenge string   `json:"codeChallenge,omitempty"`
	RedirectURL   string   `json:"redirectURL"`
	Scopes        []string `json:"scopes"`
	State         string   `json:"state,omitempty"`
	Nonce         string   `json:"nonce,omitempty"`
	Prompt        []string `json:"prompt,omitempty"`
	MaxAge        *int64   `json:"maxAge,omitempty"`
	LoginHint     string   `json:"loginHint,omitempty"`

	// RedirectURLGiven records that redirect_uri was sent explicitly, in
	// which case the token request must repeat it.
	RedirectURLGiven bool `json:"redirectURLGiven,omitempty"`
}

// NewTransaction validates an authorization request.
//
// Errors about the client or the redirect URI are plain errors: the
// request cannot be trusted to redirect anywhere. Once the redirect URI
// is validated, errors are *oauth.Error and the returned Transaction is
// non-nil and carries the redirect URI and state the error must be
// delivered to.
func NewTransaction(conf *config.Config, r *http.Request) (*Transaction, error) {
	q := r.URL.Query()

	clientID := q.Get(constants.QueryParamClientID)
	client, ok := conf.Client(clientID)
	if !ok {
		return nil, fmt.Errorf("unknown %s '%s'", constants.QueryParamClientID, clientID)
	}

	redirectURI := q.Get(constants.QueryParamRedirectURI)
	redirectURIGiven := redirectURI != ""
	if !redirectURIGiven && len(client.RedirectURIs) == 1 {
		redirectURI = client.RedirectURIs[0]
	}
	if !client.ValidateRedirectURI(redirectURI) {
		return nil, fmt.Errorf("%s is not registered for client '%s': %s", constants.QueryParamRedirectURI, clientID, redirectURI)
	}

	state := q.Get(constants.QueryParamState)
	tx := &Transaction{
		ClientParams: TransactionClientParams{
			ClientID:         clientID,
			RedirectURL:      redirectURI,
			RedirectURLGiven: redirectURIGiven,
			State:            state,
		},
		Host: r.Host,
	}
	if len(state) > maxStateLength {
		tx.ClientParams.State = ""
		return tx, oauth.NewError(oauth.ErrorInvalidRequest, "%s is too long", constants.QueryParamState)
	}

	if rt, allowedRT := q.Get(constants.QueryParamResponseType), constants.AuthorizationServerResponseType; rt != allowedRT {
		return tx, oauth.NewError(oauth.ErrorUnsupportedResponseType,
			"'%s' is not supported for %s, only %s is allowed", rt, constants.QueryParamResponseType, allowedRT)
	}

	if rm, allowedRM := q.Get(constants.QueryParamResponseMode), constants.AuthorizationServerResponseMode; rm != "" && rm != allowedRM {
		return tx, oauth.NewError(oauth.ErrorInvalidRequest,
			"'%s' is not supported for %s, only %s is allowed", rm, constants.QueryParamResponseMode, allowedRM)
	}

	if !client.AllowsGrant(constants.GrantTypeAuthorizationCode) {
		return tx, oauth.NewError(oauth.ErrorUnauthorizedClient,
			"client '%s' may not use the %s grant", clientID, constants.GrantTypeAuthorizationCode)
	}

	// Scopes.
	requestedScopes := ParseScopes(q.Get(constants.QueryParamScopes))
	logging.FromRequest(r).WithField("requestScopes", requestedScopes).Debug("transaction requested scopes")
	if len(requestedScopes) == 0 {
		return tx, oauth.NewError(oauth.ErrorInvalidScope, "%s must not be empty", constants.QueryParamScopes)
	}
	grantedScopes := client.FilterScopes(requestedScopes)
	var rejected []string
	for _, s := range requestedScopes {
		if !slices.Contains(grantedScopes, s) {
			rejected = append(rejected, s)
		}
	}
	if len(rejected) > 0 {
		return tx, oauth.NewError(oauth.ErrorInvalidScope,
			"scopes not allowed for client '%s': %s", clientID, strings.Join(rejected, " "))
	}
	tx.ClientParams.Scopes = grantedScopes

	// PKCE.
	codeChallenge := q.Get(constants.QueryParamCodeChallenge)
	ccm := q.Get(constants.QueryParamCodeChallengeMethod)
	switch {
	case codeChallenge == "" && client.Public:
		return tx, oauth.NewError(oauth.ErrorInvalidRequest,
			"%s is required for public clients", constants.QueryParamCodeChallenge)
	case codeChallenge == "" && ccm != "":
		return tx, oauth.NewError(oauth.ErrorInvalidRequest,
			"%s given without %s", constants.QueryParamCodeChallengeMethod, constants.QueryParamCodeChallenge)
	case codeChallenge != "":
		if allowedCCM := constants.AuthorizationServerCodeChallengeMethod; ccm != allowedCCM {
			return tx, oauth.NewError(oauth.ErrorInvalidRequest,
				"'%s' is not supported for %s, only %s is allowed", ccm, constants.QueryParamCodeChallengeMethod, allowedCCM)
		}
		if !validS256Challenge(codeChallenge) {
			return tx, oauth.NewError(oauth.ErrorInvalidRequest, "malformed %s", constants.QueryParamCodeChallenge)
		}
	}
	tx.ClientParams.CodeChallenge = codeChallenge

	// OpenID Connect parameters.
	nonce := q.Get(constants.QueryParamNonce)
	if len(nonce) > maxNonceLength {
		return tx, oauth.NewError(oauth.ErrorInvalidRequest, "%s is too long", constants.QueryParamNonce)
	}
	tx.ClientParams.Nonce = nonce

	prompt := ParseScopes(q.Get(constants.QueryParamPrompt))
	for _, p := range prompt {
		switch p {
		case constants.PromptNone, constants.PromptLogin, constants.PromptConsent:
		default:
			return tx, oauth.NewError(oauth.ErrorInvalidRequest, "unsupported %s value '%s'", constants.QueryParamPrompt, p)
		}
	}
	if slices.Contains(prompt, constants.PromptNone) && len(prompt) > 1 {
		return tx, oauth.NewError(oauth.ErrorInvalidRequest,
			"%s=%s must not be combined with other values", constants.QueryParamPrompt, constants.PromptNone)
	}
	tx.ClientParams.Prompt = prompt

	if s := q.Get(constants.QueryParamMaxAge); s != "" {
		maxAge, err := strconv.ParseInt(s, 10, 64)
		if err != nil || maxAge < 0 {
			return tx, oauth.NewError(oauth.ErrorInvalidRequest, "%s must be a non-negative integer", constants.QueryParamMaxAge)
		}
		tx.ClientParams.MaxAge = &maxAge
	}

	tx.ClientParams.LoginHint = q.Get(constants.QueryParamLoginHint)

	return tx, nil
}

// HasPrompt reports whether the client asked for the given prompt value.
func (t *Transaction) HasPrompt(p string) bool {
	return slices.Contains(t.ClientParams.Prompt, p)
}

// ParseScopes splits a space-delimited parameter, dropping empty values.
func ParseScopes(s string) []string {
	var out []string
	for v := range strings.SplitSeq(s, " ") {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// validS256Challenge checks the shape of a base64url-encoded SHA-256 digest.
func validS256Challenge(s string) bool {
	if len(s) != 43 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func (t *Transaction) size() uint {
	size := uint(len(t.ClientParams.ClientID))
	size += uint(len(t.ClientParams.CodeChallenge))
	size += uint(len(t.ClientParams.RedirectURL))
	size += uint(len(t.ClientParams.State))
	size += uint(len(t.ClientParams.Nonce))
	size += uint(len(t.ClientParams.LoginHint))
	size += sizeOfStrings(t.ClientParams.Scopes)
	size += sizeOfStrings(t.ClientParams.Prompt)
	size += uint(len(t.CodeVerifier))
	size += uint(len(t.Provider))
	size += uint(len(t.Host))
	return size
}
