package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/sdms-suite/sdms-idp/internal/account"
	"github.com/sdms-suite/sdms-idp/internal/config"
	"github.com/sdms-suite/sdms-idp/internal/constants"
	"github.com/sdms-suite/sdms-idp/internal/issuer"
	"github.com/sdms-suite/sdms-idp/internal/logging"
	"github.com/sdms-suite/sdms-idp/internal/oauth"
	"github.com/sdms-suite/sdms-idp/internal/refresh"
	"github.com/sdms-suite/sdms-idp/internal/store"
)

const tokenTypeBearer = "Bearer"

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// authenticateClient authenticates the client with client_secret_basic,
// client_secret_post or, for public clients, client_id alone. The form
// must be parsed.
func (a *api) authenticateClient(r *http.Request) (*config.ClientConfig, error) {
	clientID, secret, hasBasic := r.BasicAuth()
	if hasBasic {
		if r.PostForm.Has(constants.FormParamClientSecret) {
			return nil, oauth.NewError(oauth.ErrorInvalidRequest, "multiple client authentication methods")
		}
		var err error
		if clientID, err = url.QueryUnescape(clientID); err != nil {
			return nil, oauth.NewError(oauth.ErrorInvalidClient, "malformed client credentials")
		}
		if secret, err = url.QueryUnescape(secret); err != nil {
			return nil, oauth.NewError(oauth.ErrorInvalidClient, "malformed client credentials")
		}
		if formID := r.PostFormValue(constants.QueryParamClientID); formID != "" && formID != clientID {
			return nil, oauth.NewError(oauth.ErrorInvalidRequest, "%s does not match the authenticated client", constants.QueryParamClientID)
		}
	} else {
		clientID = r.PostFormValue(constants.QueryParamClientID)
		secret = r.PostFormValue(constants.FormParamClientSecret)
	}

	if clientID == "" {
		return nil, oauth.NewError(oauth.ErrorInvalidClient, "client authentication required")
	}
	client, ok := a.conf.Client(clientID)
	if !ok || !client.Authenticate(secret) {
		return nil, oauth.NewError(oauth.ErrorInvalidClient, "client authentication failed")
	}
	return client, nil
}

func (a *api) handleToken(w http.ResponseWriter, r *http.Request) {
	l := logging.FromRequest(r)

	if err := r.ParseForm(); err != nil {
		l.WithError(err).Error("failed to parse form")
		respondOAuthError(w, r, oauth.NewError(oauth.ErrorInvalidRequest, "malformed form body"))
		return
	}

	client, err := a.authenticateClient(r)
	if err != nil {
		l.WithError(err).Info("client authentication failed")
		respondOAuthError(w, r, err)
		return
	}
	l = l.WithField("client", client.ClientID)

	grantType := r.PostFormValue(constants.FormParamGrantType)
	var resp *tokenResponse
	switch grantType {
	case "":
		err = oauth.NewError(oauth.ErrorInvalidRequest, "%s is required", constants.FormParamGrantType)
	case constants.GrantTypeAuthorizationCode, constants.GrantTypeRefreshToken:
		if !client.AllowsGrant(grantType) {
			err = oauth.NewError(oauth.ErrorUnauthorizedClient, "client '%s' may not use the %s grant", client.ClientID, grantType)
			break
		}
		if grantType == constants.GrantTypeAuthorizationCode {
			resp, err = a.exchangeAuthorizationCode(r, client)
		} else {
			resp, err = a.redeemRefreshToken(r, client)
		}
	default:
		err = oauth.NewError(oauth.ErrorUnsupportedGrantType, "'%s' is not supported", grantType)
	}
	if err != nil {
		l.WithError(err).WithField("grantType", grantType).Info("token request rejected")
		respondOAuthError(w, r, err)
		return
	}

	a.metrics.tokensIssued.WithLabelValues(grantType).Inc()
	noStore(w)
	respondJSON(w, r, http.StatusOK, resp)
}

func (a *api) exchangeAuthorizationCode(r *http.Request, client *config.ClientConfig) (*tokenResponse, error) {
	ctx := r.Context()

	authzCode := r.PostFormValue(constants.QueryParamAuthorizationCode)
	if authzCode == "" {
		return nil, oauth.NewError(oauth.ErrorInvalidRequest, "%s is required", constants.QueryParamAuthorizationCode)
	}
	s, ok := a.store.RetrieveSession(ctx, authzCode)
	if !ok {
		return nil, oauth.NewError(oauth.ErrorInvalidGrant, "authorization code is invalid or expired")
	}
	tx := s.TX

	if tx.ClientParams.ClientID != client.ClientID {
		return nil, oauth.NewError(oauth.ErrorInvalidGrant, "authorization code was issued to another client")
	}
	if tx.Host != r.Host {
		return nil, oauth.NewError(oauth.ErrorInvalidGrant, "authorization code was issued on another host")
	}

	redirectURI := r.PostFormValue(constants.QueryParamRedirectURI)
	if redirectURI == "" && !tx.ClientParams.RedirectURLGiven && len(client.RedirectURIs) == 1 {
		redirectURI = client.RedirectURIs[0]
	}
	if redirectURI != tx.ClientParams.RedirectURL {
		return nil, oauth.NewError(oauth.ErrorInvalidGrant, "%s does not match the authorization request", constants.QueryParamRedirectURI)
	}

	if err := verifyPKCE(tx.ClientParams.CodeChallenge, r.PostFormValue(constants.QueryParamCodeVerifier)); err != nil {
		return nil, err
	}

	user, err := a.accounts.FindUserByID(ctx, s.Grant.UserID)
	if errors.Is(err, account.ErrNotFound) {
		return nil, oauth.NewError(oauth.ErrorInvalidGrant, "the user no longer exists")
	}
	if err != nil {
		return nil, err
	}

	var refreshToken string
	if slices.Contains(s.Grant.Scopes, constants.ScopeOfflineAccess) && client.AllowsGrant(constants.GrantTypeRefreshToken) {
		if refreshToken, _, err = a.refreshTokens.Issue(ctx, s.Grant, client.ClientID, a.now()); err != nil {
			return nil, err
		}
	}

	return a.issueTokens(r, client, user, s.Grant, s.Grant.Scopes, tx.ClientParams.Nonce, refreshToken)
}

func (a *api) redeemRefreshToken(r *http.Request, client *config.ClientConfig) (*tokenResponse, error) {
	ctx := r.Context()

	token := r.PostFormValue(constants.FormParamRefreshToken)
	if token == "" {
		return nil, oauth.NewError(oauth.ErrorInvalidRequest, "%s is required", constants.FormParamRefreshToken)
	}
	scopes := store.ParseScopes(r.PostFormValue(constants.QueryParamScopes))

	newToken, rec, err := a.refreshTokens.Rotate(ctx, token, client.ClientID, scopes, a.now())
	switch {
	case errors.Is(err, refresh.ErrReused):
		a.metrics.refreshTokenReuse.Inc()
		return nil, oauth.NewError(oauth.ErrorInvalidGrant, "refresh token was already used")
	case errors.Is(err, refresh.ErrNotFound), errors.Is(err, refresh.ErrExpired):
		return nil, oauth.NewError(oauth.ErrorInvalidGrant, "refresh token is invalid or expired")
	case errors.Is(err, refresh.ErrClientMismatch):
		return nil, oauth.NewError(oauth.ErrorInvalidGrant, "refresh token was issued to another client")
	case errors.Is(err, refresh.ErrInvalidScope):
		return nil, oauth.NewError(oauth.ErrorInvalidScope, "requested scope exceeds the original grant")
	case err != nil:
		return nil, err
	}

	user, err := a.accounts.FindUserByID(ctx, rec.UserID)
	if errors.Is(err, account.ErrNotFound) {
		return nil, oauth.NewError(oauth.ErrorInvalidGrant, "the user no longer exists")
	}
	if err != nil {
		return nil, err
	}

	if len(scopes) == 0 {
		scopes = rec.Scopes
	}
	return a.issueTokens(r, client, user, rec.Grant(), scopes, "", newToken)
}

// issueTokens signs the access token and, when the grant carries openid,
// the ID token.
func (a *api) issueTokens(r *http.Request, client *config.ClientConfig, user *account.User, grant *store.Grant,
	scopes []string, nonce, refreshToken string) (*tokenResponse, error) {

	now := a.now()
	iss := a.issuerURL(r)

	var roles []string
	if slices.Contains(scopes, constants.ScopeRoles) {
		roles = user.Roles
	}
	accessToken, exp, err := a.issuer.IssueAccessToken(&issuer.AccessTokenRequest{
		Issuer:    iss,
		Subject:   user.ID,
		ClientID:  client.ClientID,
		SessionID: grant.LoginID,
		Scopes:    scopes,
		Roles:     roles,
	}, now)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	resp := &tokenResponse{
		AccessToken:  accessToken,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    int64(exp.Sub(now).Seconds()),
		Scope:        strings.Join(scopes, " "),
		RefreshToken: refreshToken,
	}

	if slices.Contains(grant.Scopes, constants.ScopeOpenID) {
		resp.IDToken, err = a.issuer.IssueIDToken(&issuer.IDTokenRequest{
			Issuer:      iss,
			Subject:     user.ID,
			ClientID:    client.ClientID,
			SessionID:   grant.LoginID,
			Nonce:       nonce,
			AccessToken: accessToken,
			AuthTime:    grant.AuthTime,
			AMR:         grant.AMR,
			Claims:      userClaims(user, scopes),
		}, now)
		if err != nil {
			return nil, fmt.Errorf("failed to issue id token: %w", err)
		}
	}

	logging.FromRequest(r).WithField("token", map[string]any{
		"client":  client.ClientID,
		"subject": user.ID,
		"scopes":  scopes,
		"refresh": refreshToken != "",
	}).Info("tokens issued")
	return resp, nil
}
