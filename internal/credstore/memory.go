package credstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store intended for tests and dev.
type MemoryStore struct {
	mutex       sync.Mutex
	byPrincipal map[string][]byte
}

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byPrincipal: make(map[string][]byte)}
}

// Save upserts the credential snapshot for the principal.
func (store *MemoryStore) Save(ctx context.Context, principalID string, cookieData []byte) error {
	if strings.TrimSpace(principalID) == "" {
		return fmt.Errorf("cred_store.save: %w", ErrEmptyPrincipalID)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	cloned := make([]byte, len(cookieData))
	copy(cloned, cookieData)
	store.byPrincipal[principalID] = cloned
	return nil
}

// Load returns the stored snapshot or ErrCredentialNotFound.
func (store *MemoryStore) Load(ctx context.Context, principalID string) ([]byte, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	stored, found := store.byPrincipal[principalID]
	if !found {
		return nil, fmt.Errorf("cred_store.load: %w", ErrCredentialNotFound)
	}
	cloned := make([]byte, len(stored))
	copy(cloned, stored)
	return cloned, nil
}

// Delete removes the snapshot.
func (store *MemoryStore) Delete(ctx context.Context, principalID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.byPrincipal, principalID)
	return nil
}
