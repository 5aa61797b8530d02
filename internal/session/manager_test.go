package session

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newManagerForTest(t *testing.T, idleTTL time.Duration) (*Manager, *scriptedProvider) {
	t.Helper()
	provider := &scriptedProvider{}
	factory := func(clientID string) (*Store, error) {
		return New(provider, &recordingBackend{}, zaptest.NewLogger(t)), nil
	}
	return NewManager(factory, idleTTL, zaptest.NewLogger(t)), provider
}

func TestManagerReturnsSameStorePerClient(t *testing.T) {
	manager, _ := newManagerForTest(t, time.Hour)
	defer manager.Close()

	first, err := manager.Acquire("client-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	second, err := manager.Acquire("client-1")
	if err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected one store per client")
	}
	other, err := manager.Acquire("client-2")
	if err != nil {
		t.Fatalf("acquire for second client failed: %v", err)
	}
	if other == first {
		t.Fatalf("expected distinct stores for distinct clients")
	}
}

func TestManagerReleaseForgetsStore(t *testing.T) {
	manager, _ := newManagerForTest(t, time.Hour)
	defer manager.Close()

	first, err := manager.Acquire("client-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	manager.Release("client-1")
	if _, found := manager.Lookup("client-1"); found {
		t.Fatalf("released store must not be discoverable")
	}
	replacement, err := manager.Acquire("client-1")
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	if replacement == first {
		t.Fatalf("expected a fresh store after release")
	}
}

func TestManagerSweepsIdleStores(t *testing.T) {
	manager, _ := newManagerForTest(t, time.Minute)
	defer manager.Close()

	current := time.Now()
	manager.now = func() time.Time { return current }

	if _, err := manager.Acquire("client-1"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	current = current.Add(2 * time.Minute)
	if _, err := manager.Acquire("client-2"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if _, found := manager.Lookup("client-1"); found {
		t.Fatalf("idle store should have been swept")
	}
}

func TestManagerRejectsAcquireAfterClose(t *testing.T) {
	manager, _ := newManagerForTest(t, time.Hour)
	manager.Close()
	if _, err := manager.Acquire("client-1"); err != ErrManagerClosed {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
}
