package server

import (
	"embed"
	"html/template"
	"net/http"
	"net/url"
	"sort"

	"github.com/sdms-suite/sdms-idp/internal/constants"
	"github.com/sdms-suite/sdms-idp/internal/logging"
)

//go:embed templates/*.html
var templatesFS embed.FS

var pages = template.Must(template.ParseFS(templatesFS, "templates/*.html"))

const (
	pageLogin   = "login.html"
	pageConsent = "consent.html"
	pageMessage = "message.html"

	formParamTransaction = "tx"
	formParamUsername    = "username"
	formParamPassword    = "password"
	formParamDecision    = "decision"

	decisionAllow = "allow"
)

var scopeDescriptions = map[string]string{
	constants.ScopeOpenID:        "Know who you are",
	constants.ScopeProfile:       "View your name, username and picture",
	constants.ScopeEmail:         "View your email address",
	constants.ScopeRoles:         "View your roles",
	constants.ScopeOfflineAccess: "Stay signed in when you are not using the application",
}

type loginPage struct {
	Title       string
	Action      string
	Error       string
	Transaction string
	CSRFToken   string
	Username    string
	Providers   []providerLink
}

type providerLink struct {
	DisplayName string
	URL         string
}

type consentPage struct {
	Title       string
	Action      string
	ClientName  string
	Username    string
	Transaction string
	CSRFToken   string
	Scopes      []consentScope
}

type consentScope struct {
	Name        string
	Description string
	Required    bool
}

type messagePage struct {
	Title   string
	Message string
}

func renderPage(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	w.WriteHeader(status)
	if err := pages.ExecuteTemplate(w, name, data); err != nil {
		logging.FromRequest(r).WithError(err).Error("failed to render page")
	}
}

func (a *api) renderLoginPage(w http.ResponseWriter, r *http.Request, status int, txKey, username, errMsg string) {
	token, err := formToken(w, r)
	if err != nil {
		logging.FromRequest(r).WithError(err).Error("failed to generate CSRF token")
		http.Error(w, "Failed to generate CSRF token", http.StatusInternalServerError)
		return
	}

	names := make([]string, 0, len(a.providers))
	for name := range a.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	links := make([]providerLink, 0, len(names))
	for _, name := range names {
		displayName := name
		if conf, ok := a.conf.Provider(name); ok {
			displayName = conf.DisplayName
		}
		u := pathLogin + "/" + url.PathEscape(name)
		if txKey != "" {
			u += "?" + url.Values{formParamTransaction: {txKey}}.Encode()
		}
		links = append(links, providerLink{DisplayName: displayName, URL: u})
	}

	renderPage(w, r, status, pageLogin, &loginPage{
		Title:       "Sign in",
		Action:      pathLogin,
		Error:       errMsg,
		Transaction: txKey,
		CSRFToken:   token,
		Username:    username,
		Providers:   links,
	})
}

func renderMessage(w http.ResponseWriter, r *http.Request, status int, title, message string) {
	renderPage(w, r, status, pageMessage, &messagePage{Title: title, Message: message})
}

func describeScope(scope string) string {
	if d, ok := scopeDescriptions[scope]; ok {
		return d
	}
	return scope
}
