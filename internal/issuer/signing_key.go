package issuer

import (
	"crypto"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

type signingKey struct {
	keyID    string
	private  jwk.Key
	public   jwk.Key
	deadline time.Time

	// verifyGrace is how long after deadline the public key is still
	// published, i.e. the longest lifetime of a token signed with it.
	verifyGrace time.Duration
}

func (s *signingKey) expiredForIssuingTokens(now time.Time) bool {
	return s == nil || s.deadline.Before(now)
}

func (s *signingKey) expiredForVerifyingTokens(now time.Time) bool {
	return s == nil || s.deadline.Add(s.verifyGrace).Before(now)
}

// newSigningKey wraps a raw private key into a JWK pair sharing a key ID
// derived from the public key thumbprint.
func newSigningKey(raw any) (*signingKey, error) {
	private, err := jwk.Import(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert key to jwk: %w", err)
	}
	return signingKeyFromJWK(private)
}

func signingKeyFromJWK(private jwk.Key) (*signingKey, error) {
	public, err := private.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get public key from jwk: %w", err)
	}

	thumbprint, err := public.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to get thumbprint from public key: %w", err)
	}

	keyID := fmt.Sprintf("%x", thumbprint)
	if err := private.Set(jwk.KeyIDKey, keyID); err != nil {
		return nil, fmt.Errorf("failed to set key ID: %w", err)
	}
	if err := public.Set(jwk.KeyIDKey, keyID); err != nil {
		return nil, fmt.Errorf("failed to set key ID: %w", err)
	}
	if err := public.Set(jwk.AlgorithmKey, Algorithm()); err != nil {
		return nil, fmt.Errorf("failed to set key algorithm: %w", err)
	}
	if err := public.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
		return nil, fmt.Errorf("failed to set key usage: %w", err)
	}

	return &signingKey{
		keyID:   keyID,
		private: private,
		public:  public,
	}, nil
}
