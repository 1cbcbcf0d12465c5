package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sdms-suite/sdms-idp/internal/config"
	"github.com/sdms-suite/sdms-idp/internal/logging"
)

const (
	redisKindTransaction = "tx"
	redisKindSession     = "code"
	redisKindLogin       = "login"

	redisMaxKeyAttempts = 5
)

// redisStore shares the flow state between replicas. Values are JSON
// documents expiring through Redis TTLs; one-time reads use GETDEL so a
// code or state can only be redeemed once across the fleet.
type redisStore struct {
	client       redis.UniversalClient
	keyPrefix    string
	loginTimeout time.Duration

	generateKey func() ([32]byte, error)
}

func NewRedisClient(conf *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     conf.Addr,
		Username: conf.Username,
		Password: conf.Password,
		DB:       conf.DB,
	})
}

func NewRedisStore(client redis.UniversalClient, keyPrefix string, loginTimeout time.Duration) *redisStore {
	return &redisStore{
		client:       client,
		keyPrefix:    keyPrefix,
		loginTimeout: loginTimeout,
	}
}

func (s *redisStore) StoreTransaction(ctx context.Context, tx *Transaction) (string, error) {
	return s.put(ctx, redisKindTransaction, tx)
}

func (s *redisStore) RetrieveTransaction(ctx context.Context, key string) (*Transaction, bool) {
	var tx Transaction
	if !s.take(ctx, redisKindTransaction, key, &tx) {
		return nil, false
	}
	return &tx, true
}

func (s *redisStore) StoreSession(ctx context.Context, sess *Session) (string, error) {
	return s.put(ctx, redisKindSession, sess)
}

func (s *redisStore) RetrieveSession(ctx context.Context, key string) (*Session, bool) {
	var sess Session
	if !s.take(ctx, redisKindSession, key, &sess) {
		return nil, false
	}
	return &sess, true
}

func (s *redisStore) StoreLogin(ctx context.Context, l *Login) (string, error) {
	return s.put(ctx, redisKindLogin, l)
}

func (s *redisStore) LookupLogin(ctx context.Context, key string) (*Login, bool) {
	if key == "" {
		return nil, false
	}
	b, err := s.client.Get(ctx, s.fullKey(redisKindLogin, key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.FromContext(ctx).WithError(err).Error("failed to look up login session")
		}
		return nil, false
	}
	var l Login
	if err := json.Unmarshal(b, &l); err != nil {
		logging.FromContext(ctx).WithError(err).Error("failed to unmarshal login session")
		return nil, false
	}
	return &l, true
}

func (s *redisStore) DeleteLogin(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.client.Del(ctx, s.fullKey(redisKindLogin, key)).Err(); err != nil {
		logging.FromContext(ctx).WithError(err).Error("failed to delete login session")
	}
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) put(ctx context.Context, kind string, v sizer) (string, error) {
	if size := v.size(); size > itemMaxSize {
		return "", fmt.Errorf("item size exceeds maximum of %d bytes: %d", itemMaxSize, size)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	timeout := timeoutFor(v, s.loginTimeout)

	generateKey := generateSecureCode
	if s.generateKey != nil {
		generateKey = s.generateKey
	}
	for range redisMaxKeyAttempts {
		keyBytes, err := generateKey()
		if err != nil {
			return "", fmt.Errorf("failed to generate key: %w", err)
		}
		key := encodeKey(keyBytes)
		ok, err := s.client.SetNX(ctx, s.fullKey(kind, key), b, timeout).Result()
		if err != nil {
			return "", fmt.Errorf("failed to store %s: %w", kind, err)
		}
		if ok {
			return key, nil
		}
	}
	return "", fmt.Errorf("failed to find a free key for %s after %d attempts", kind, redisMaxKeyAttempts)
}

func (s *redisStore) take(ctx context.Context, kind, key string, out any) bool {
	if key == "" {
		return false
	}
	b, err := s.client.GetDel(ctx, s.fullKey(kind, key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.FromContext(ctx).WithError(err).WithField("kind", kind).Error("failed to retrieve item")
		}
		return false
	}
	if err := json.Unmarshal(b, out); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("kind", kind).Error("failed to unmarshal item")
		return false
	}
	return true
}

func (s *redisStore) fullKey(kind, key string) string {
	return s.keyPrefix + ":" + kind + ":" + key
}
