package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/sdms-suite/sdms-idp/internal/config"
)

const idTokenKey = "id_token"

// IDTokenVerifier verifies ID tokens of an OIDC issuer. Discovery happens on
// first use and is retried until it succeeds.
type IDTokenVerifier struct {
	issuer   string
	clientID string

	mu       sync.Mutex
	verifier *oidc.IDTokenVerifier
}

func NewIDTokenVerifier(issuer, clientID string) *IDTokenVerifier {
	return &IDTokenVerifier{issuer: issuer, clientID: clientID}
}

// Verify checks the id_token carried by the token response.
func (v *IDTokenVerifier) Verify(ctx context.Context, token *oauth2.Token) (*oidc.IDToken, error) {
	raw, _ := token.Extra(idTokenKey).(string)
	if raw == "" {
		return nil, fmt.Errorf("token response has no id_token")
	}
	verifier, err := v.get(ctx)
	if err != nil {
		return nil, err
	}
	idToken, err := verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("error verifying id token: %w", err)
	}
	return idToken, nil
}

func (v *IDTokenVerifier) get(ctx context.Context) (*oidc.IDTokenVerifier, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.verifier != nil {
		return v.verifier, nil
	}
	// The key set keeps using this context to refresh keys.
	p, err := oidc.NewProvider(context.WithoutCancel(ctx), v.issuer)
	if err != nil {
		return nil, fmt.Errorf("error creating oidc provider for '%s': %w", v.issuer, err)
	}
	v.verifier = p.Verifier(&oidc.Config{ClientID: v.clientID})
	return v.verifier, nil
}

// CheckEmail enforces a verified email in one of the allowed domains.
func CheckEmail(conf *config.ProviderConfig, email string, verified bool) error {
	if !verified {
		return fmt.Errorf("%s email '%s' is not verified", conf.Name, email)
	}
	if !conf.ValidateEmailDomain(email) {
		return fmt.Errorf("the domain of the email '%s' is not allowed", email)
	}
	return nil
}

// ClaimStrings reads a string list claim, accepting a single string too.
// At most config.MaxGroups values are returned.
func ClaimStrings(claims map[string]any, name string) []string {
	var values []string
	switch v := claims[name].(type) {
	case string:
		values = []string{v}
	case []any:
		values = make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				values = append(values, s)
			}
		}
	default:
		return []string{}
	}
	if len(values) > config.MaxGroups {
		values = values[:config.MaxGroups]
	}
	return values
}
