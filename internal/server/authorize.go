package server

import (
	"errors"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/sdms-suite/sdms-idp/internal/config"
	"github.com/sdms-suite/sdms-idp/internal/constants"
	"github.com/sdms-suite/sdms-idp/internal/logging"
	"github.com/sdms-suite/sdms-idp/internal/oauth"
	"github.com/sdms-suite/sdms-idp/internal/store"
)

func (a *api) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	l := logging.FromRequest(r)

	tx, err := store.NewTransaction(a.conf, r)
	if err != nil {
		var oauthErr *oauth.Error
		if tx == nil || !errors.As(err, &oauthErr) {
			l.WithError(err).Info("invalid authorization request")
			http.Error(w, "Invalid authorization request: "+err.Error(), http.StatusBadRequest)
			return
		}
		a.redirectError(w, r, tx, oauthErr)
		return
	}

	login, _ := a.currentLogin(r)
	if a.needsLogin(tx, login) {
		if tx.HasPrompt(constants.PromptNone) {
			a.redirectError(w, r, tx, oauth.NewError(oauth.ErrorLoginRequired, "the user is not logged in"))
			return
		}
		txKey, err := a.store.StoreTransaction(r.Context(), tx)
		if err != nil {
			l.WithError(err).Error("failed to store transaction")
			http.Error(w, "Failed to store transaction", http.StatusInternalServerError)
			return
		}
		a.renderLoginPage(w, r, http.StatusOK, txKey, tx.ClientParams.LoginHint, "")
		return
	}

	a.decide(w, r, tx, login)
}

// currentLogin returns the login session of the browser, if any, along
// with its store key.
func (a *api) currentLogin(r *http.Request) (*store.Login, string) {
	c, err := r.Cookie(loginCookieName)
	if err != nil || c.Value == "" {
		return nil, ""
	}
	login, ok := a.store.LookupLogin(r.Context(), c.Value)
	if !ok {
		return nil, ""
	}
	return login, c.Value
}

func (a *api) needsLogin(tx *store.Transaction, login *store.Login) bool {
	if login == nil || tx.HasPrompt(constants.PromptLogin) {
		return true
	}
	if maxAge := tx.ClientParams.MaxAge; maxAge != nil {
		return a.now().Sub(login.AuthTime) > time.Duration(*maxAge)*time.Second
	}
	return false
}

// decide runs the consent decision for an authenticated user: the code is
// issued right away when no consent is needed, otherwise the consent page
// is shown.
func (a *api) decide(w http.ResponseWriter, r *http.Request, tx *store.Transaction, login *store.Login) {
	l := logging.FromRequest(r)

	client, ok := a.conf.Client(tx.ClientParams.ClientID)
	if !ok {
		http.Error(w, "Unknown client", http.StatusBadRequest)
		return
	}

	if client.SkipConsent {
		a.issueCode(w, r, tx, login, tx.ClientParams.Scopes)
		return
	}

	granted, err := a.accounts.GrantedScopes(r.Context(), login.UserID, client.ClientID)
	if err != nil {
		l.WithError(err).Error("failed to load consent")
		http.Error(w, "Failed to load consent", http.StatusInternalServerError)
		return
	}
	if !tx.HasPrompt(constants.PromptConsent) && consentCovers(granted, tx.ClientParams.Scopes) {
		a.issueCode(w, r, tx, login, tx.ClientParams.Scopes)
		return
	}

	if tx.HasPrompt(constants.PromptNone) {
		a.redirectError(w, r, tx, oauth.NewError(oauth.ErrorConsentRequired,
			"the user has not granted the requested scopes to client '%s'", client.ClientID))
		return
	}

	a.renderConsentPage(w, r, tx, client, login)
}

// consentCovers reports whether every requested scope was granted before.
// openid needs no consent of its own.
func consentCovers(granted, requested []string) bool {
	for _, s := range requested {
		if s != constants.ScopeOpenID && !slices.Contains(granted, s) {
			return false
		}
	}
	return true
}

func (a *api) renderConsentPage(w http.ResponseWriter, r *http.Request, tx *store.Transaction, client *config.ClientConfig, login *store.Login) {
	l := logging.FromRequest(r)

	user, err := a.accounts.FindUserByID(r.Context(), login.UserID)
	if err != nil {
		l.WithError(err).Error("failed to load user")
		http.Error(w, "Failed to load user", http.StatusInternalServerError)
		return
	}

	txKey, err := a.store.StoreTransaction(r.Context(), tx)
	if err != nil {
		l.WithError(err).Error("failed to store transaction")
		http.Error(w, "Failed to store transaction", http.StatusInternalServerError)
		return
	}
	token, err := formToken(w, r)
	if err != nil {
		l.WithError(err).Error("failed to generate CSRF token")
		http.Error(w, "Failed to generate CSRF token", http.StatusInternalServerError)
		return
	}

	scopes := make([]consentScope, 0, len(tx.ClientParams.Scopes))
	for _, s := range tx.ClientParams.Scopes {
		scopes = append(scopes, consentScope{
			Name:        s,
			Description: describeScope(s),
			Required:    s == constants.ScopeOpenID,
		})
	}

	renderPage(w, r, http.StatusOK, pageConsent, &consentPage{
		Title:       "Authorize " + client.Name,
		Action:      pathConsent,
		ClientName:  client.Name,
		Username:    user.Username,
		Transaction: txKey,
		CSRFToken:   token,
		Scopes:      scopes,
	})
}

func (a *api) handleConsent(w http.ResponseWriter, r *http.Request) {
	l := logging.FromRequest(r)

	if err := r.ParseForm(); err != nil {
		l.WithError(err).Error("failed to parse form")
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}
	if err := checkFormToken(r); err != nil {
		l.WithError(err).Error("CSRF failed")
		http.Error(w, "CSRF failed", http.StatusBadRequest)
		return
	}

	tx, ok := a.retrieveTransaction(w, r, r.PostFormValue(formParamTransaction))
	if !ok {
		return
	}

	login, _ := a.currentLogin(r)
	if login == nil {
		txKey, err := a.store.StoreTransaction(r.Context(), tx)
		if err != nil {
			l.WithError(err).Error("failed to store transaction")
			http.Error(w, "Failed to store transaction", http.StatusInternalServerError)
			return
		}
		a.renderLoginPage(w, r, http.StatusOK, txKey, tx.ClientParams.LoginHint, "Your session expired. Please sign in again.")
		return
	}

	if r.PostFormValue(formParamDecision) != decisionAllow {
		a.redirectError(w, r, tx, oauth.NewError(oauth.ErrorAccessDenied, "the user denied the request"))
		return
	}

	approved := approvedScopes(tx.ClientParams.Scopes, r.PostForm[constants.QueryParamScopes])
	if err := a.accounts.SaveConsent(r.Context(), login.UserID, tx.ClientParams.ClientID, approved); err != nil {
		l.WithError(err).Error("failed to save consent")
		http.Error(w, "Failed to save consent", http.StatusInternalServerError)
		return
	}
	l.WithField("consent", map[string]any{
		"client": tx.ClientParams.ClientID,
		"user":   login.UserID,
		"scopes": approved,
	}).Info("consent granted")

	a.issueCode(w, r, tx, login, approved)
}

// approvedScopes keeps the requested scopes the user left checked, in
// request order. openid cannot be unchecked.
func approvedScopes(requested, checked []string) []string {
	approved := []string{}
	for _, s := range requested {
		if s == constants.ScopeOpenID || slices.Contains(checked, s) {
			approved = append(approved, s)
		}
	}
	return approved
}

// issueCode binds the grant to a new authorization code and sends the user
// back to the client.
func (a *api) issueCode(w http.ResponseWriter, r *http.Request, tx *store.Transaction, login *store.Login, scopes []string) {
	l := logging.FromRequest(r)

	s := &store.Session{
		TX: tx,
		Grant: &store.Grant{
			UserID:   login.UserID,
			LoginID:  login.ID,
			Scopes:   scopes,
			AuthTime: login.AuthTime,
			AMR:      login.AMR,
		},
	}
	authzCode, err := a.store.StoreSession(r.Context(), s)
	if err != nil {
		l.WithError(err).Error("failed to store grant with authorization code")
		http.Error(w, "Failed to store grant with authorization code", http.StatusInternalServerError)
		return
	}

	params := url.Values{}
	params.Set(constants.QueryParamAuthorizationCode, authzCode)
	if tx.ClientParams.State != "" {
		params.Set(constants.QueryParamState, tx.ClientParams.State)
	}
	params.Set(constants.QueryParamIssuer, a.issuerURL(r))

	l.WithField("client", tx.ClientParams.ClientID).
		WithField("subject", login.UserID).
		Info("authorization code issued")
	http.Redirect(w, r, redirectURL(tx.ClientParams.RedirectURL, params), http.StatusSeeOther)
}

// retrieveTransaction consumes the transaction under key and checks that it
// was started on the same host. It responds itself when it returns false.
func (a *api) retrieveTransaction(w http.ResponseWriter, r *http.Request, key string) (*store.Transaction, bool) {
	tx, ok := a.store.RetrieveTransaction(r.Context(), key)
	if !ok {
		renderMessage(w, r, http.StatusBadRequest, "Session expired",
			"The sign-in request expired. Return to the application and try again.")
		return nil, false
	}
	if tx.Host != r.Host {
		logging.FromRequest(r).
			WithField("transactionHost", tx.Host).
			Error("transaction was started on another host")
		http.Error(w, "Host mismatch", http.StatusBadRequest)
		return nil, false
	}
	return tx, true
}
