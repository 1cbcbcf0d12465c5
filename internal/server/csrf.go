package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/sdms-suite/sdms-idp/internal/config"
)

const (
	stateCookieName     = "csrf-state"
	formTokenCookieName = "csrf-token"
	loginCookieName     = "sdms-idp-session"

	formParamCSRFToken = "csrf_token"
)

// setState binds the upstream authorization request to the browser.
func setState(w http.ResponseWriter, state string) {
	c := &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     pathCallback,
		MaxAge:   int(config.TransactionTimeout.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
	http.SetCookie(w, c)
}

func getAndDeleteStateAndCheckCSRF(w http.ResponseWriter, r *http.Request) (string, error) {
	// Get state.
	c, err := r.Cookie(stateCookieName)
	if err != nil {
		return "", fmt.Errorf("expired")
	}

	// Delete state.
	http.SetCookie(w, &http.Cookie{
		Name:   stateCookieName,
		Path:   pathCallback,
		MaxAge: -1,
	})

	// Check CSRF token.
	cookieState := c.Value
	queryState := state(r)
	if cookieState != queryState {
		return "", fmt.Errorf("mismatch")
	}

	return cookieState, nil
}

// formToken returns the double-submit token embedded in the login and
// consent forms, issuing a new cookie when the browser has none.
func formToken(w http.ResponseWriter, r *http.Request) (string, error) {
	if c, err := r.Cookie(formTokenCookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(b[:])
	http.SetCookie(w, &http.Cookie{
		Name:     formTokenCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
	return token, nil
}

func checkFormToken(r *http.Request) error {
	c, err := r.Cookie(formTokenCookieName)
	if err != nil || c.Value == "" {
		return fmt.Errorf("missing cookie")
	}
	formValue := r.PostFormValue(formParamCSRFToken)
	if subtle.ConstantTimeCompare([]byte(c.Value), []byte(formValue)) != 1 {
		return fmt.Errorf("mismatch")
	}
	return nil
}

func setLoginCookie(w http.ResponseWriter, key string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     loginCookieName,
		Value:    key,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearLoginCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:   loginCookieName,
		Path:   "/",
		MaxAge: -1,
	})
}
