// Package providertest runs a fake OIDC issuer for provider tests.
package providertest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"golang.org/x/oauth2"
)

const keyID = "providertest"

// Issuer serves OIDC discovery and a JWKS, and signs ID tokens with the
// published key.
type Issuer struct {
	Server *httptest.Server
	Mux    *http.ServeMux

	key jwk.Key
}

func NewIssuer(t *testing.T) *Issuer {
	t.Helper()

	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	key, err := jwk.Import(raw)
	if err != nil {
		t.Fatalf("failed to import key: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, keyID); err != nil {
		t.Fatalf("failed to set key ID: %v", err)
	}
	public, err := key.PublicKey()
	if err != nil {
		t.Fatalf("failed to get public key: %v", err)
	}
	if err := public.Set(jwk.AlgorithmKey, jwa.RS256()); err != nil {
		t.Fatalf("failed to set key algorithm: %v", err)
	}

	iss := &Issuer{Mux: http.NewServeMux(), key: key}
	iss.Server = httptest.NewServer(iss.Mux)
	t.Cleanup(iss.Server.Close)

	iss.Mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"issuer":                                iss.URL(),
			"authorization_endpoint":                iss.URL() + "/authorize",
			"token_endpoint":                        iss.URL() + "/token",
			"jwks_uri":                              iss.URL() + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	iss.Mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"keys": []jwk.Key{public}})
	})
	return iss
}

func (i *Issuer) URL() string {
	return i.Server.URL
}

// IDToken signs an ID token for the audience. Standard claims default to
// a token issued now and valid for an hour.
func (i *Issuer) IDToken(t *testing.T, audience string, claims map[string]any) string {
	t.Helper()

	now := time.Now()
	tok, err := jwt.NewBuilder().
		Issuer(i.URL()).
		Audience([]string{audience}).
		IssuedAt(now).
		Expiration(now.Add(time.Hour)).
		Build()
	if err != nil {
		t.Fatalf("failed to build token: %v", err)
	}
	for k, v := range claims {
		if err := tok.Set(k, v); err != nil {
			t.Fatalf("failed to set claim %s: %v", k, err)
		}
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256(), i.key))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return string(signed)
}

// Token wraps an ID token into a token endpoint response.
func Token(idToken string) *oauth2.Token {
	tok := &oauth2.Token{AccessToken: "test-token", TokenType: "Bearer"}
	if idToken == "" {
		return tok
	}
	return tok.WithExtra(map[string]any{"id_token": idToken})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
