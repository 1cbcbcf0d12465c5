package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/sdms-suite/sdms-idp/internal/constants"
	"github.com/sdms-suite/sdms-idp/internal/logging"
	"github.com/sdms-suite/sdms-idp/internal/oauth"
	"github.com/sdms-suite/sdms-idp/internal/provider"
	"github.com/sdms-suite/sdms-idp/internal/store"
)

func baseURL(r *http.Request) string {
	return fmt.Sprintf("https://%s", r.Host)
}

// issuerURL is the configured issuer, or the request host when none is
// configured.
func (a *api) issuerURL(r *http.Request) string {
	if iss := a.conf.Server.Issuer; iss != "" {
		return iss
	}
	return baseURL(r)
}

func (a *api) endpointURL(r *http.Request, path string) string {
	return a.issuerURL(r) + path
}

func authorizationCode(r *http.Request) string {
	return r.URL.Query().Get(constants.QueryParamAuthorizationCode)
}

func state(r *http.Request) string {
	return r.URL.Query().Get(constants.QueryParamState)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

func (a *api) oauth2Config(r *http.Request, p provider.Interface) *oauth2.Config {
	c := p.OAuth2Config()
	c.RedirectURL = a.endpointURL(r, pathCallback)
	return c
}

func (a *api) respondWWWAuthenticate(w http.ResponseWriter, r *http.Request, oauthErr *oauth.Error) {
	wwwAuthenticate := fmt.Sprintf(`Bearer realm="%s"`, constants.SDMSIdP)
	if oauthErr != nil {
		wwwAuthenticate += fmt.Sprintf(`, error="%s"`, oauthErr.Code)
		if oauthErr.Description != "" {
			wwwAuthenticate += fmt.Sprintf(`, error_description="%s"`, oauthErr.Description)
		}
	}
	w.Header().Set("WWW-Authenticate", wwwAuthenticate)
	status := http.StatusUnauthorized
	if oauthErr != nil {
		status = oauthErr.Status()
	}
	http.Error(w, http.StatusText(status), status)
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.FromRequest(r).WithError(err).Error("failed to write response")
	}
}

// respondOAuthError renders a protocol error as a JSON body. Non-protocol
// errors are logged and rendered as server_error.
func respondOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var oauthErr *oauth.Error
	if !errors.As(err, &oauthErr) {
		logging.FromRequest(r).WithError(err).Error("internal error")
		oauthErr = oauth.NewError(oauth.ErrorServerError, "internal error")
	}
	if oauthErr.Code == oauth.ErrorInvalidClient {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm="%s"`, constants.SDMSIdP))
	}
	noStore(w)
	respondJSON(w, r, oauthErr.Status(), oauthErr)
}

// redirectURL appends params to a registered redirect URI, keeping the
// query it was registered with.
func redirectURL(uri string, params url.Values) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// redirectError delivers a protocol error to the client's redirect URI.
func (a *api) redirectError(w http.ResponseWriter, r *http.Request, tx *store.Transaction, oauthErr *oauth.Error) {
	logging.FromRequest(r).
		WithField("client", tx.ClientParams.ClientID).
		WithField("error", oauthErr.Code).
		Info(oauthErr.Description)

	params := url.Values{}
	params.Set(constants.QueryParamError, oauthErr.Code)
	if oauthErr.Description != "" {
		params.Set(constants.QueryParamErrorDescription, oauthErr.Description)
	}
	if tx.ClientParams.State != "" {
		params.Set(constants.QueryParamState, tx.ClientParams.State)
	}
	params.Set(constants.QueryParamIssuer, a.issuerURL(r))
	http.Redirect(w, r, redirectURL(tx.ClientParams.RedirectURL, params), http.StatusSeeOther)
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}
