package server

import (
	"net/http"
	"net/url"

	"github.com/sdms-suite/sdms-idp/internal/constants"
	"github.com/sdms-suite/sdms-idp/internal/logging"
)

// handleLogout implements RP-initiated logout. The post-logout redirect is
// only followed when it is registered for the client identified by
// client_id or by the id_token_hint.
func (a *api) handleLogout(w http.ResponseWriter, r *http.Request) {
	l := logging.FromRequest(r)

	clientID := r.FormValue(constants.QueryParamClientID)
	if idTokenHint := r.FormValue(constants.QueryParamIDTokenHint); idTokenHint != "" {
		hint, err := a.issuer.ParseIDTokenHint(idTokenHint, a.now(), a.issuerURL(r))
		if err != nil {
			l.WithError(err).Info("invalid id_token_hint")
			renderMessage(w, r, http.StatusBadRequest, "Invalid logout request", "The logout request is not valid.")
			return
		}
		if clientID != "" && clientID != hint.ClientID {
			renderMessage(w, r, http.StatusBadRequest, "Invalid logout request", "The logout request is not valid.")
			return
		}
		clientID = hint.ClientID
	}

	if login, key := a.currentLogin(r); login != nil {
		a.store.DeleteLogin(r.Context(), key)
		l.WithField("login", map[string]any{
			"sid":  login.ID,
			"user": login.UserID,
		}).Info("user logged out")
	}
	clearLoginCookie(w)

	if redirect := r.FormValue(constants.QueryParamPostLogoutRedirect); redirect != "" {
		if client, ok := a.conf.Client(clientID); ok && client.ValidatePostLogoutRedirectURI(redirect) {
			params := url.Values{}
			if s := r.FormValue(constants.QueryParamState); s != "" {
				params.Set(constants.QueryParamState, s)
			}
			http.Redirect(w, r, redirectURL(redirect, params), http.StatusSeeOther)
			return
		}
		l.WithField("client", clientID).
			WithField("redirect", redirect).
			Info("ignoring unregistered post-logout redirect")
	}

	renderMessage(w, r, http.StatusOK, "Signed out", "You are signed out.")
}
