// Package oauth holds the OAuth 2.0 error vocabulary shared by the
// authorization, token, revocation and introspection endpoints.
package oauth

import (
	"fmt"
	"net/http"
)

// Error codes from RFC 6749 sections 4.1.2.1 and 5.2, RFC 6750 section 3.1
// and OpenID Connect Core section 3.1.2.6.
const (
	ErrorInvalidRequest          = "invalid_request"
	ErrorInvalidClient           = "invalid_client"
	ErrorInvalidGrant            = "invalid_grant"
	ErrorInvalidScope            = "invalid_scope"
	ErrorUnauthorizedClient      = "unauthorized_client"
	ErrorUnsupportedGrantType    = "unsupported_grant_type"
	ErrorUnsupportedResponseType = "unsupported_response_type"
	ErrorUnsupportedTokenType    = "unsupported_token_type"
	ErrorAccessDenied            = "access_denied"
	ErrorServerError             = "server_error"
	ErrorLoginRequired           = "login_required"
	ErrorConsentRequired         = "consent_required"
	ErrorInvalidToken            = "invalid_token"
	ErrorInsufficientScope       = "insufficient_scope"
)

// Error is a protocol error that can be delivered to a client, either as a
// JSON body or as redirect query parameters.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Status is the HTTP status used when the error is rendered as a JSON
// response body.
func (e *Error) Status() int {
	switch e.Code {
	case ErrorInvalidClient, ErrorInvalidToken:
		return http.StatusUnauthorized
	case ErrorServerError:
		return http.StatusInternalServerError
	case ErrorAccessDenied, ErrorInsufficientScope:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func NewError(code, format string, args ...any) *Error {
	return &Error{
		Code:        code,
		Description: fmt.Sprintf(format, args...),
	}
}
