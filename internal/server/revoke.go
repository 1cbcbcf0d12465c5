package server

import (
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/sdms-suite/sdms-idp/internal/constants"
	"github.com/sdms-suite/sdms-idp/internal/logging"
	"github.com/sdms-suite/sdms-idp/internal/oauth"
	"github.com/sdms-suite/sdms-idp/internal/refresh"
)

// handleRevoke implements RFC 7009. Access tokens are short-lived JWTs and
// expire on their own; revoking a refresh token revokes its whole family.
func (a *api) handleRevoke(w http.ResponseWriter, r *http.Request) {
	l := logging.FromRequest(r)

	if err := r.ParseForm(); err != nil {
		respondOAuthError(w, r, oauth.NewError(oauth.ErrorInvalidRequest, "malformed form body"))
		return
	}
	client, err := a.authenticateClient(r)
	if err != nil {
		l.WithError(err).Info("client authentication failed")
		respondOAuthError(w, r, err)
		return
	}

	token := r.PostFormValue(constants.FormParamToken)
	if token == "" {
		respondOAuthError(w, r, oauth.NewError(oauth.ErrorInvalidRequest, "%s is required", constants.FormParamToken))
		return
	}

	err = a.refreshTokens.Revoke(r.Context(), token, client.ClientID, a.now())
	switch {
	case errors.Is(err, refresh.ErrClientMismatch):
		respondOAuthError(w, r, oauth.NewError(oauth.ErrorUnauthorizedClient, "the token was issued to another client"))
		return
	case err != nil:
		respondOAuthError(w, r, err)
		return
	}

	noStore(w)
	w.WriteHeader(http.StatusOK)
}

// handleIntrospect implements RFC 7662 for confidential clients.
func (a *api) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	l := logging.FromRequest(r)

	if err := r.ParseForm(); err != nil {
		respondOAuthError(w, r, oauth.NewError(oauth.ErrorInvalidRequest, "malformed form body"))
		return
	}
	client, err := a.authenticateClient(r)
	if err != nil {
		l.WithError(err).Info("client authentication failed")
		respondOAuthError(w, r, err)
		return
	}
	if client.Public {
		respondOAuthError(w, r, oauth.NewError(oauth.ErrorInvalidClient, "public clients may not introspect tokens"))
		return
	}

	token := r.PostFormValue(constants.FormParamToken)
	if token == "" {
		respondOAuthError(w, r, oauth.NewError(oauth.ErrorInvalidRequest, "%s is required", constants.FormParamToken))
		return
	}

	noStore(w)
	now := a.now()
	iss := a.issuerURL(r)

	// The hint only orders the lookups.
	lookups := []func() (map[string]any, bool){
		func() (map[string]any, bool) { return a.introspectAccessToken(token, now, iss) },
		func() (map[string]any, bool) { return a.introspectRefreshToken(r, token, now, iss) },
	}
	if r.PostFormValue(constants.FormParamTokenTypeHint) == constants.TokenTypeHintRefreshToken {
		slices.Reverse(lookups)
	}
	for _, lookup := range lookups {
		if resp, ok := lookup(); ok {
			respondJSON(w, r, http.StatusOK, resp)
			return
		}
	}

	respondJSON(w, r, http.StatusOK, map[string]any{"active": false})
}

func (a *api) introspectAccessToken(token string, now time.Time, iss string) (map[string]any, bool) {
	claims, err := a.issuer.VerifyAccessToken(token, now, iss)
	if err != nil {
		return nil, false
	}
	resp := map[string]any{
		"active":     true,
		"scope":      strings.Join(claims.Scopes, " "),
		"client_id":  claims.ClientID,
		"sub":        claims.Subject,
		"exp":        claims.Expiry.Unix(),
		"iat":        claims.IssuedAt.Unix(),
		"iss":        iss,
		"jti":        claims.JWTID,
		"token_type": tokenTypeBearer,
	}
	if claims.SessionID != "" {
		resp["sid"] = claims.SessionID
	}
	return resp, true
}

func (a *api) introspectRefreshToken(r *http.Request, token string, now time.Time, iss string) (map[string]any, bool) {
	rec, ok := a.refreshTokens.Introspect(r.Context(), token, now)
	if !ok {
		return nil, false
	}
	return map[string]any{
		"active":     true,
		"scope":      strings.Join(rec.Scopes, " "),
		"client_id":  rec.ClientID,
		"sub":        rec.UserID,
		"exp":        rec.ExpiresAt.Unix(),
		"iat":        rec.CreatedAt.Unix(),
		"iss":        iss,
		"token_type": constants.TokenTypeHintRefreshToken,
	}, true
}
