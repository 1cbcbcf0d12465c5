package issuer

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/sirupsen/logrus"
)

const rsaKeyBits = 2048

type privateKeySource interface {
	current(now time.Time) (jwk.Key, error)
	publicKeys(now time.Time) []jwk.Key
}

// automaticPrivateKeySource generates a fresh RSA key every rotation
// period. Retired keys stay published until every token they signed has
// expired, however many rotations happen in between.
type automaticPrivateKeySource struct {
	rotation    time.Duration
	verifyGrace time.Duration

	cur     *signingKey
	retired []*signingKey // newest first
	mu      sync.RWMutex
}

func (a *automaticPrivateKeySource) current(now time.Time) (jwk.Key, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cur.expiredForIssuingTokens(now) {
		cur, err := a.generateNew(now)
		if err != nil {
			return nil, err
		}

		if a.cur != nil {
			a.retired = append([]*signingKey{a.cur}, a.retired...)
		}
		a.retired = slices.DeleteFunc(a.retired, func(k *signingKey) bool {
			return k.expiredForVerifyingTokens(now)
		})
		a.cur = cur
	}

	return a.cur.private, nil
}

func (a *automaticPrivateKeySource) publicKeys(now time.Time) []jwk.Key {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var keys []jwk.Key
	for _, k := range append([]*signingKey{a.cur}, a.retired...) {
		if !k.expiredForVerifyingTokens(now) {
			keys = append(keys, k.public)
		}
	}
	return keys
}

func (a *automaticPrivateKeySource) generateNew(now time.Time) (*signingKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate rsa key: %w", err)
	}

	key, err := newSigningKey(priv)
	if err != nil {
		return nil, err
	}
	key.deadline = now.Add(a.rotation)
	key.verifyGrace = a.verifyGrace

	logData := logrus.Fields{
		jwk.KeyIDKey: key.keyID,
		"deadline":   key.deadline,
	}
	logrus.WithField("key", logData).Info("key generated")

	return key, nil
}

// staticPrivateKeySource signs with a single operator-provided key, which
// lets several replicas verify each other's tokens.
type staticPrivateKeySource struct {
	key *signingKey
}

func newStaticPrivateKeySource(fileName string) (*staticPrivateKeySource, error) {
	b, err := os.ReadFile(fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key file: %w", err)
	}

	private, err := jwk.ParseKey(b, jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key file: %w", err)
	}
	if _, ok := private.(jwk.RSAPrivateKey); !ok {
		return nil, fmt.Errorf("signing key must be an RSA private key")
	}

	key, err := signingKeyFromJWK(private)
	if err != nil {
		return nil, err
	}

	logrus.WithField("key", logrus.Fields{jwk.KeyIDKey: key.keyID}).Info("key loaded")

	return &staticPrivateKeySource{key: key}, nil
}

func (s *staticPrivateKeySource) current(time.Time) (jwk.Key, error) {
	return s.key.private, nil
}

func (s *staticPrivateKeySource) publicKeys(time.Time) []jwk.Key {
	return []jwk.Key{s.key.public}
}
