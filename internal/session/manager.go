package session

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrManagerClosed indicates the registry no longer accepts clients.
var ErrManagerClosed = errors.New("session.manager.closed")

// StoreFactory builds a fresh Store bound to its own provider session and
// gateway cookie jar.
type StoreFactory func(clientID string) (*Store, error)

type managedStore struct {
	store    *Store
	lastSeen time.Time
}

// Manager is the per-client Store registry. Each connected browser maps to
// exactly one Store; idle entries are swept on acquisition.
type Manager struct {
	factory StoreFactory
	idleTTL time.Duration
	now     func() time.Time
	logger  *zap.Logger

	mutex   sync.Mutex
	entries map[string]*managedStore
	closed  bool
}

// NewManager constructs a registry that retires stores idle longer than
// idleTTL.
func NewManager(factory StoreFactory, idleTTL time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		factory: factory,
		idleTTL: idleTTL,
		now:     time.Now,
		logger:  logger,
		entries: make(map[string]*managedStore),
	}
}

// Acquire returns the store bound to the client, creating one when missing.
func (manager *Manager) Acquire(clientID string) (*Store, error) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	if manager.closed {
		return nil, ErrManagerClosed
	}
	manager.sweepLocked()
	if entry, found := manager.entries[clientID]; found {
		entry.lastSeen = manager.now()
		return entry.store, nil
	}
	store, factoryErr := manager.factory(clientID)
	if factoryErr != nil {
		return nil, factoryErr
	}
	manager.entries[clientID] = &managedStore{store: store, lastSeen: manager.now()}
	return store, nil
}

// Lookup returns the store bound to the client without creating one.
func (manager *Manager) Lookup(clientID string) (*Store, bool) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	entry, found := manager.entries[clientID]
	if !found {
		return nil, false
	}
	entry.lastSeen = manager.now()
	return entry.store, true
}

// Release closes and forgets the client's store; used on logout.
func (manager *Manager) Release(clientID string) {
	manager.mutex.Lock()
	entry, found := manager.entries[clientID]
	delete(manager.entries, clientID)
	manager.mutex.Unlock()
	if found {
		entry.store.Close()
	}
}

// Close retires every store and rejects further acquisitions.
func (manager *Manager) Close() {
	manager.mutex.Lock()
	manager.closed = true
	retired := make([]*managedStore, 0, len(manager.entries))
	for _, entry := range manager.entries {
		retired = append(retired, entry)
	}
	manager.entries = make(map[string]*managedStore)
	manager.mutex.Unlock()
	for _, entry := range retired {
		entry.store.Close()
	}
}

func (manager *Manager) sweepLocked() {
	if len(manager.entries) == 0 {
		return
	}
	cutoff := manager.now().Add(-manager.idleTTL)
	for clientID, entry := range manager.entries {
		if entry.lastSeen.Before(cutoff) {
			entry.store.Close()
			delete(manager.entries, clientID)
			manager.logger.Debug("idle session store retired",
				zap.String("code", "session.manager.swept"),
				zap.String("client_id", clientID))
		}
	}
}
