package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/sdms-suite/sdms-idp/internal/config"
)

const (
	transactionTimeout = config.TransactionTimeout
	sessionTimeout     = config.AuthorizationCodeTimeout

	itemMaxSize = 10000 // in bytes
)

// Store keeps the short-lived state of the authorization flows. Every key
// it hands out is 32 random bytes encoded as base64url, which makes keys
// usable as CSRF state, authorization codes and login session cookies.
// Keys of one kind are never accepted as keys of another kind.
type Store interface {
	// StoreTransaction keeps a pending authorization request.
	StoreTransaction(ctx context.Context, tx *Transaction) (string, error)
	// RetrieveTransaction returns and deletes a pending authorization request.
	RetrieveTransaction(ctx context.Context, key string) (*Transaction, bool)

	// StoreSession keeps a granted authorization request. The returned
	// key is the authorization code.
	StoreSession(ctx context.Context, s *Session) (string, error)
	// RetrieveSession returns and deletes a granted authorization request.
	RetrieveSession(ctx context.Context, key string) (*Session, bool)

	// StoreLogin keeps a browser login session.
	StoreLogin(ctx context.Context, l *Login) (string, error)
	// LookupLogin returns a browser login session without consuming it.
	LookupLogin(ctx context.Context, key string) (*Login, bool)
	DeleteLogin(ctx context.Context, key string)

	Ping(ctx context.Context) error
}

// generateSecureCode generates a random 32-byte key. It can be used
// as an authorization code or as a CSRF state.
func generateSecureCode() ([32]byte, error) {
	var b [32]byte
	_, err := rand.Read(b[:])
	return b, err
}

func encodeKey(b [32]byte) string {
	return base64.RawURLEncoding.EncodeToString(b[:])
}

type sizer interface {
	size() uint
}

var (
	_ sizer = (*Transaction)(nil)
	_ sizer = (*Session)(nil)
	_ sizer = (*Login)(nil)
)

func timeoutFor(v sizer, loginTimeout time.Duration) time.Duration {
	switch v.(type) {
	case *Transaction:
		return transactionTimeout
	case *Session:
		return sessionTimeout
	default:
		return loginTimeout
	}
}

// New builds the store selected by the configuration.
func New(conf *config.Config) (Store, error) {
	switch conf.Store.Kind {
	case config.StoreKindMemory:
		return NewMemoryStore(conf.Tokens.LoginSession), nil
	case config.StoreKindRedis:
		client := NewRedisClient(&conf.Store.Redis)
		return NewRedisStore(client, conf.Store.Redis.KeyPrefix, conf.Tokens.LoginSession), nil
	default:
		return nil, fmt.Errorf("unsupported store kind: %s", conf.Store.Kind)
	}
}
