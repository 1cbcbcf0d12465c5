package server

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/sdms-suite/sdms-idp/internal/account"
	"github.com/sdms-suite/sdms-idp/internal/constants"
	"github.com/sdms-suite/sdms-idp/internal/issuer"
	"github.com/sdms-suite/sdms-idp/internal/logging"
	"github.com/sdms-suite/sdms-idp/internal/oauth"
)

const formParamAccessToken = "access_token"

// userClaims builds the claims principal of the user released by the
// granted scopes.
func userClaims(user *account.User, scopes []string) map[string]any {
	claims := map[string]any{}
	if slices.Contains(scopes, constants.ScopeProfile) {
		claims["preferred_username"] = user.Username
		claims["updated_at"] = user.UpdatedAt.Unix()
		if user.Name != "" {
			claims["name"] = user.Name
		}
		if user.Picture != "" {
			claims["picture"] = user.Picture
		}
	}
	if slices.Contains(scopes, constants.ScopeEmail) {
		claims["email"] = user.Email
		claims["email_verified"] = user.EmailVerified
	}
	if slices.Contains(scopes, constants.ScopeRoles) {
		roles := user.Roles
		if roles == nil {
			roles = []string{}
		}
		claims[issuer.ClaimRoles] = roles
	}
	return claims
}

func (a *api) verifyBearerToken(w http.ResponseWriter, r *http.Request, token string) (*issuer.AccessTokenClaims, bool) {
	if token == "" {
		a.respondWWWAuthenticate(w, r, nil)
		return nil, false
	}
	claims, err := a.issuer.VerifyAccessToken(token, a.now(), a.issuerURL(r))
	if err != nil {
		logging.FromRequest(r).WithError(err).Debug("failed to verify bearer token")
		a.respondWWWAuthenticate(w, r, oauth.NewError(oauth.ErrorInvalidToken, "the access token is invalid or expired"))
		return nil, false
	}
	return claims, true
}

func (a *api) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	claims, ok := a.verifyBearerToken(w, r, bearerToken(r))
	if !ok {
		return
	}

	w.Header().Set(constants.HeaderAuthSubject, claims.Subject)
	w.Header().Set(constants.HeaderAuthScopes, strings.Join(claims.Scopes, " "))
	w.Header().Set(constants.HeaderAuthClient, claims.ClientID)

	logging.FromRequest(r).WithField("subject", claims.Subject).Debug("request authenticated")
}

func (a *api) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	l := logging.FromRequest(r)

	token := bearerToken(r)
	if token == "" && r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			token = r.PostFormValue(formParamAccessToken)
		}
	}
	claims, ok := a.verifyBearerToken(w, r, token)
	if !ok {
		return
	}
	if !slices.Contains(claims.Scopes, constants.ScopeOpenID) {
		a.respondWWWAuthenticate(w, r, oauth.NewError(oauth.ErrorInsufficientScope,
			"the access token was not granted the %s scope", constants.ScopeOpenID))
		return
	}

	user, err := a.accounts.FindUserByID(r.Context(), claims.Subject)
	if errors.Is(err, account.ErrNotFound) {
		a.respondWWWAuthenticate(w, r, oauth.NewError(oauth.ErrorInvalidToken, "the user no longer exists"))
		return
	}
	if err != nil {
		l.WithError(err).Error("failed to load user")
		http.Error(w, "Failed to load user", http.StatusInternalServerError)
		return
	}

	payload := userClaims(user, claims.Scopes)
	payload["sub"] = user.ID
	noStore(w)
	respondJSON(w, r, http.StatusOK, payload)
}
