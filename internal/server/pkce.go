package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"

	"github.com/sdms-suite/sdms-idp/internal/constants"
	"github.com/sdms-suite/sdms-idp/internal/oauth"
)

func pkceS256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// validPKCEVerifier checks RFC 7636: 43..128 chars from
// ALPHA / DIGIT / "-" / "." / "_" / "~".
// https://datatracker.ietf.org/doc/html/rfc7636#section-4.1
func validPKCEVerifier(v string) bool {
	if len(v) < 43 || len(v) > 128 {
		return false
	}
	for _, c := range v {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}

// verifyPKCE checks the code_verifier presented at the token endpoint
// against the code_challenge of the authorization request.
func verifyPKCE(challenge, verifier string) error {
	switch {
	case challenge == "" && verifier == "":
		return nil
	case challenge == "":
		return oauth.NewError(oauth.ErrorInvalidGrant,
			"%s given but the authorization request had no %s", constants.QueryParamCodeVerifier, constants.QueryParamCodeChallenge)
	case verifier == "":
		return oauth.NewError(oauth.ErrorInvalidGrant, "%s is required", constants.QueryParamCodeVerifier)
	case !validPKCEVerifier(verifier):
		return oauth.NewError(oauth.ErrorInvalidGrant, "malformed %s", constants.QueryParamCodeVerifier)
	}
	if subtle.ConstantTimeCompare([]byte(pkceS256Challenge(verifier)), []byte(challenge)) != 1 {
		return oauth.NewError(oauth.ErrorInvalidGrant, "PKCE verification failed")
	}
	return nil
}
