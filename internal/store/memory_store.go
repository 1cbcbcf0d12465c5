package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	memoryStoreMaxSize = 60000 // maximum number of items to store in memory
)

type memoryStore struct {
	maxSize       int
	loginTimeout  time.Duration
	items         map[itemKey]*item
	evictionQueue []itemKey
	mu            sync.Mutex

	generateKey func() ([32]byte, error)
	now         func() time.Time
}

type itemKey string

type item struct {
	value     sizer
	expiresAt time.Time
}

func NewMemoryStore(loginTimeout time.Duration) *memoryStore {
	return &memoryStore{
		maxSize:      memoryStoreMaxSize,
		loginTimeout: loginTimeout,
		items:        make(map[itemKey]*item),
	}
}

func (m *memoryStore) StoreTransaction(_ context.Context, tx *Transaction) (string, error) {
	return m.put(tx)
}

func (m *memoryStore) RetrieveTransaction(_ context.Context, key string) (*Transaction, bool) {
	return take[*Transaction](m, key)
}

func (m *memoryStore) StoreSession(_ context.Context, s *Session) (string, error) {
	return m.put(s)
}

func (m *memoryStore) RetrieveSession(_ context.Context, key string) (*Session, bool) {
	return take[*Session](m, key)
}

func (m *memoryStore) StoreLogin(_ context.Context, l *Login) (string, error) {
	return m.put(l)
}

func (m *memoryStore) LookupLogin(_ context.Context, key string) (*Login, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[itemKey(key)]
	if !ok || !m.timeNow().Before(it.expiresAt) {
		return nil, false
	}
	l, ok := it.value.(*Login)
	return l, ok
}

func (m *memoryStore) DeleteLogin(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if it, ok := m.items[itemKey(key)]; ok {
		if _, isLogin := it.value.(*Login); isLogin {
			delete(m.items, itemKey(key))
		}
	}
	m.collectGarbage()
}

func (m *memoryStore) Ping(context.Context) error {
	return nil
}

func (m *memoryStore) put(v sizer) (string, error) {
	if size := v.size(); size > itemMaxSize {
		return "", fmt.Errorf("item size exceeds maximum of %d bytes: %d", itemMaxSize, size)
	}

	m.mu.Lock()
	defer func() { m.collectGarbage(); m.mu.Unlock() }()

	for {
		generateKey := generateSecureCode
		if m.generateKey != nil {
			generateKey = m.generateKey
		}
		keyBytes, err := generateKey()
		if err != nil {
			return "", fmt.Errorf("failed to generate key: %w", err)
		}
		key := itemKey(encodeKey(keyBytes))
		if _, ok := m.items[key]; ok {
			continue
		}

		// Enforce maximum size.
		for len(m.items) >= m.maxSize && len(m.evictionQueue) > 0 {
			oldest := m.evictionQueue[0]
			m.evictionQueue = m.evictionQueue[1:]
			delete(m.items, oldest)
		}

		m.items[key] = &item{
			value:     v,
			expiresAt: m.timeNow().Add(timeoutFor(v, m.loginTimeout)),
		}
		m.evictionQueue = append(m.evictionQueue, key)
		return string(key), nil
	}
}

// take removes and returns the item under key if it has type T. Items of
// another type are left in place.
func take[T sizer](m *memoryStore, key string) (T, bool) {
	var zero T

	m.mu.Lock()
	defer func() { m.collectGarbage(); m.mu.Unlock() }()

	it, ok := m.items[itemKey(key)]
	if !ok {
		return zero, false
	}
	v, ok := it.value.(T)
	if !ok {
		return zero, false
	}
	delete(m.items, itemKey(key))
	if !m.timeNow().Before(it.expiresAt) {
		return zero, false
	}
	return v, true
}

func (m *memoryStore) collectGarbage() {
	now := m.timeNow()
	var evictionQueue []itemKey
	for _, key := range m.evictionQueue {
		it, ok := m.items[key]
		if !ok {
			continue
		}
		if now.Before(it.expiresAt) {
			evictionQueue = append(evictionQueue, key)
		} else {
			delete(m.items, key)
		}
	}
	m.evictionQueue = evictionQueue
}

func (m *memoryStore) timeNow() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}
