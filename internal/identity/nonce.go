package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNonceNotFound indicates the supplied nonce was not issued or was
	// already consumed.
	ErrNonceNotFound = errors.New("identity.nonce.not_found")
	// ErrNonceExpired indicates the nonce expired before consumption.
	ErrNonceExpired = errors.New("identity.nonce.expired")
)

// NonceStore issues one-time tokens binding federated sign-in exchanges to
// the browser that initiated them.
type NonceStore interface {
	Issue(ctx context.Context) (string, error)
	Consume(ctx context.Context, token string) error
}

type memoryNonceStore struct {
	mutex   sync.Mutex
	issued  map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
	byteLen int
}

// NewMemoryNonceStore constructs an in-memory NonceStore with the given TTL.
func NewMemoryNonceStore(ttl time.Duration) NonceStore {
	return &memoryNonceStore{
		issued:  make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
		byteLen: 32,
	}
}

func (store *memoryNonceStore) Issue(ctx context.Context) (string, error) {
	buffer := make([]byte, store.byteLen)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(buffer)
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.sweepLocked()
	store.issued[token] = store.now()
	return token, nil
}

func (store *memoryNonceStore) Consume(ctx context.Context, token string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	issuedAt, found := store.issued[token]
	if !found {
		store.sweepLocked()
		return ErrNonceNotFound
	}
	delete(store.issued, token)
	store.sweepLocked()
	if store.now().Sub(issuedAt) > store.ttl {
		return ErrNonceExpired
	}
	return nil
}

func (store *memoryNonceStore) sweepLocked() {
	if len(store.issued) == 0 {
		return
	}
	cutoff := store.now().Add(-store.ttl)
	for token, issuedAt := range store.issued {
		if issuedAt.Before(cutoff) {
			delete(store.issued, token)
		}
	}
}
