package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/sdms-suite/sdms-idp/internal/account"
	"github.com/sdms-suite/sdms-idp/internal/constants"
	"github.com/sdms-suite/sdms-idp/internal/logging"
	"github.com/sdms-suite/sdms-idp/internal/oauth"
	"github.com/sdms-suite/sdms-idp/internal/store"
)

func (a *api) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	a.renderLoginPage(w, r, http.StatusOK, r.URL.Query().Get(formParamTransaction), "", "")
}

func (a *api) handleLogin(w http.ResponseWriter, r *http.Request) {
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

	var tx *store.Transaction
	if key := r.PostFormValue(formParamTransaction); key != "" {
		var ok bool
		if tx, ok = a.retrieveTransaction(w, r, key); !ok {
			return
		}
	}

	username := r.PostFormValue(formParamUsername)
	user, err := a.accounts.AuthenticatePassword(r.Context(), username, r.PostFormValue(formParamPassword))
	if err != nil {
		if !errors.Is(err, account.ErrInvalidCredentials) {
			l.WithError(err).Error("failed to authenticate user")
			http.Error(w, "Failed to authenticate user", http.StatusInternalServerError)
			return
		}
		a.metrics.login(loginMethodPassword, loginOutcomeFailure)
		l.WithField("username", username).Info("login failed")

		var txKey string
		if tx != nil {
			if txKey, err = a.store.StoreTransaction(r.Context(), tx); err != nil {
				l.WithError(err).Error("failed to store transaction")
				http.Error(w, "Failed to store transaction", http.StatusInternalServerError)
				return
			}
		}
		a.renderLoginPage(w, r, http.StatusUnauthorized, txKey, username, "Invalid username or password.")
		return
	}

	login, err := a.startLogin(w, r, user.ID, constants.AuthMethodPassword, "")
	if err != nil {
		l.WithError(err).Error("failed to start login session")
		http.Error(w, "Failed to start login session", http.StatusInternalServerError)
		return
	}
	a.metrics.login(loginMethodPassword, loginOutcomeSuccess)

	if tx == nil {
		renderMessage(w, r, http.StatusOK, "Signed in", fmt.Sprintf("You are signed in as %s.", user.Username))
		return
	}
	a.decide(w, r, tx, login)
}

// startLogin replaces the login session of the browser with a new one.
func (a *api) startLogin(w http.ResponseWriter, r *http.Request, userID, amr, providerName string) (*store.Login, error) {
	if _, oldKey := a.currentLogin(r); oldKey != "" {
		a.store.DeleteLogin(r.Context(), oldKey)
	}

	login := &store.Login{
		ID:       uuid.NewString(),
		UserID:   userID,
		AuthTime: a.now(),
		AMR:      []string{amr},
		Provider: providerName,
	}
	key, err := a.store.StoreLogin(r.Context(), login)
	if err != nil {
		return nil, err
	}
	setLoginCookie(w, key, a.conf.Tokens.LoginSession)

	logging.FromRequest(r).WithField("login", map[string]any{
		"sid":      login.ID,
		"user":     userID,
		"amr":      amr,
		"provider": providerName,
	}).Info("user logged in")
	return login, nil
}

func (a *api) handleFederatedLogin(w http.ResponseWriter, r *http.Request) {
	l := logging.FromRequest(r)

	providerName := r.PathValue("provider")
	p, ok := a.providers[providerName]
	if !ok {
		http.Error(w, "Unknown identity provider", http.StatusNotFound)
		return
	}

	tx := &store.Transaction{Host: r.Host}
	if key := r.URL.Query().Get(formParamTransaction); key != "" {
		if tx, ok = a.retrieveTransaction(w, r, key); !ok {
			return
		}
	}

	// Prepare PKCE with the external IdP.
	tx.CodeVerifier = oauth2.GenerateVerifier()
	tx.Provider = providerName

	state, err := a.store.StoreTransaction(r.Context(), tx)
	if err != nil {
		l.WithError(err).Error("failed to generate state")
		http.Error(w, "Failed to generate state", http.StatusInternalServerError)
		return
	}
	setState(w, state)

	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(tx.CodeVerifier)}
	if hint := tx.ClientParams.LoginHint; hint != "" {
		opts = append(opts, oauth2.SetAuthURLParam(constants.QueryParamLoginHint, hint))
	}
	http.Redirect(w, r, a.oauth2Config(r, p).AuthCodeURL(state, opts...), http.StatusSeeOther)
}

func (a *api) handleCallback(w http.ResponseWriter, r *http.Request) {
	l := logging.FromRequest(r)

	state, err := getAndDeleteStateAndCheckCSRF(w, r)
	if err != nil {
		l.WithError(err).Error("CSRF failed")
		http.Error(w, "CSRF failed", http.StatusBadRequest)
		return
	}

	tx, ok := a.retrieveTransaction(w, r, state)
	if !ok {
		return
	}
	providerName := tx.Provider
	p, ok := a.providers[providerName]
	if !ok {
		http.Error(w, "Unknown identity provider", http.StatusBadRequest)
		return
	}
	l = l.WithField("provider", providerName)

	if upstreamErr := r.URL.Query().Get(constants.QueryParamError); upstreamErr != "" {
		l.WithField("error", upstreamErr).
			WithField("description", r.URL.Query().Get(constants.QueryParamErrorDescription)).
			Info("external identity provider denied the login")
		a.metrics.login(providerName, loginOutcomeFailure)
		a.failFederatedLogin(w, r, tx, http.StatusForbidden, "The identity provider denied the sign-in.")
		return
	}

	oauth2Token, err := a.oauth2Config(r, p).Exchange(r.Context(), authorizationCode(r),
		oauth2.VerifierOption(tx.CodeVerifier))
	if err != nil {
		l.WithError(err).Error("failed to exchange authorization code for tokens")
		http.Error(w, "Failed to exchange authorization code for tokens", http.StatusBadRequest)
		return
	}

	userInfo, err := p.VerifyUser(r.Context(), oauth2Token)
	if err != nil {
		l.WithError(err).Error("failed to verify user")
		a.metrics.login(providerName, loginOutcomeFailure)
		http.Error(w, "Failed to verify user", http.StatusBadRequest)
		return
	}

	user, err := a.accounts.FindOrCreateExternalUser(r.Context(), providerName, &account.ExternalIdentity{
		Subject:       userInfo.Subject,
		Username:      userInfo.Username,
		Email:         userInfo.Email,
		EmailVerified: userInfo.EmailVerified,
		Name:          userInfo.Name,
		Picture:       userInfo.Picture,
		Groups:        userInfo.Groups,
	})
	switch {
	case errors.Is(err, account.ErrEmailNotVerified):
		l.WithError(err).Info("external identity rejected")
		a.metrics.login(providerName, loginOutcomeFailure)
		a.failFederatedLogin(w, r, tx, http.StatusForbidden, "Your account at the identity provider has no verified email address.")
		return
	case errors.Is(err, account.ErrEmailUnconfirmed):
		l.WithError(err).Warn("external identity collides with an unverified local account")
		a.metrics.login(providerName, loginOutcomeFailure)
		a.failFederatedLogin(w, r, tx, http.StatusConflict, "An account with this email address already exists and cannot be linked.")
		return
	case err != nil:
		l.WithError(err).Error("failed to link external identity")
		http.Error(w, "Failed to link external identity", http.StatusInternalServerError)
		return
	}

	login, err := a.startLogin(w, r, user.ID, constants.AuthMethodExternal, providerName)
	if err != nil {
		l.WithError(err).Error("failed to start login session")
		http.Error(w, "Failed to start login session", http.StatusInternalServerError)
		return
	}
	a.metrics.login(providerName, loginOutcomeSuccess)

	if tx.ClientParams.ClientID == "" {
		renderMessage(w, r, http.StatusOK, "Signed in", fmt.Sprintf("You are signed in as %s.", user.Username))
		return
	}
	tx.CodeVerifier = ""
	tx.Provider = ""
	a.decide(w, r, tx, login)
}

// failFederatedLogin reports a rejected upstream login to the client that
// started the flow, or to the user when no client is involved.
func (a *api) failFederatedLogin(w http.ResponseWriter, r *http.Request, tx *store.Transaction, status int, msg string) {
	if tx.ClientParams.ClientID != "" {
		a.redirectError(w, r, tx, oauth.NewError(oauth.ErrorAccessDenied, "login at %s failed", tx.Provider))
		return
	}
	renderMessage(w, r, status, "Sign-in failed", msg)
}

