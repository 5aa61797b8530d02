// Package session holds the single source of truth for "who is signed in"
// for one connected client, plus the identity mutation operations.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/mprlab/scholargate/internal/identity"
	"github.com/mprlab/scholargate/internal/principal"
	"go.uber.org/zap"
)

// Status is the tri-state session lifecycle.
type Status int

const (
	// StatusUnknown means the identity provider has not reported yet. It is
	// the mandatory initial state and is never re-entered once a first
	// notification has arrived.
	StatusUnknown Status = iota
	// StatusAnonymous means the provider reported no principal.
	StatusAnonymous
	// StatusAuthenticated means the provider reported a principal.
	StatusAuthenticated
)

// String returns the lifecycle label.
func (status Status) String() string {
	switch status {
	case StatusAnonymous:
		return "anonymous"
	case StatusAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable view of the session state.
type Snapshot struct {
	Status    Status
	Principal *principal.Principal
}

// BackendClient is the slice of the data-API surface the store drives:
// companion-record provisioning and server-credential lifecycle.
type BackendClient interface {
	// ProvisionUser creates or updates the companion user record.
	ProvisionUser(ctx context.Context, subject principal.Principal) error
	// IssueCredential exchanges the authenticated identity for the cached
	// server credential; the credential lands in the gateway cookie jar.
	IssueCredential(ctx context.Context, subject principal.Principal) error
	// InvalidateCredential revokes the cached server credential server-side
	// and drops any persisted snapshot. The subject is nil when no principal
	// is currently reported.
	InvalidateCredential(ctx context.Context, subject *principal.Principal) error
}

// Store owns the session state for one client. The provider notification
// callback is the only writer; the mutation operations below never assign
// state directly.
type Store struct {
	provider identity.Provider
	backend  BackendClient
	logger   *zap.Logger

	mutex          sync.Mutex
	status         Status
	current        *principal.Principal
	subscribers    map[int]func(Snapshot)
	nextSubscriber int
	cancelProvider func()
	closers        []func()
	closed         bool
}

// New constructs a Store and acquires the single provider subscription for
// its lifetime. Close releases it.
func New(provider identity.Provider, backend BackendClient, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := &Store{
		provider:    provider,
		backend:     backend,
		logger:      logger,
		status:      StatusUnknown,
		subscribers: make(map[int]func(Snapshot)),
	}
	store.cancelProvider = provider.Subscribe(store.applyNotification)
	return store
}

// AddCloser registers a cleanup hook invoked once when the store closes;
// used to release companion resources bound to this store's lifetime.
func (store *Store) AddCloser(closer func()) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.closed {
		closer()
		return
	}
	store.closers = append(store.closers, closer)
}

// Close releases the provider subscription and runs registered closers. The
// store keeps serving its last snapshot but stops transitioning.
func (store *Store) Close() {
	store.mutex.Lock()
	if store.closed {
		store.mutex.Unlock()
		return
	}
	cancel := store.cancelProvider
	store.cancelProvider = nil
	closers := store.closers
	store.closers = nil
	store.closed = true
	store.mutex.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, closer := range closers {
		closer()
	}
}

// Snapshot returns the current session state.
func (store *Store) Snapshot() Snapshot {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return Snapshot{Status: store.status, Principal: store.current}
}

// SubscribeState registers a state-change observer and returns its release
// function. The current snapshot is delivered synchronously on registration.
func (store *Store) SubscribeState(observer func(Snapshot)) func() {
	store.mutex.Lock()
	identifier := store.nextSubscriber
	store.nextSubscriber++
	store.subscribers[identifier] = observer
	snapshot := Snapshot{Status: store.status, Principal: store.current}
	store.mutex.Unlock()

	observer(snapshot)

	return func() {
		store.mutex.Lock()
		defer store.mutex.Unlock()
		delete(store.subscribers, identifier)
	}
}

// applyNotification is the sole state writer. Notifications are idempotent
// upserts of the provider's current state; a notification arriving during a
// pending sign-in call is accepted like any other.
func (store *Store) applyNotification(current *principal.Principal) {
	store.mutex.Lock()
	if current == nil {
		store.status = StatusAnonymous
	} else {
		store.status = StatusAuthenticated
	}
	store.current = current
	snapshot := Snapshot{Status: store.status, Principal: store.current}
	observers := make([]func(Snapshot), 0, len(store.subscribers))
	for _, observer := range store.subscribers {
		observers = append(observers, observer)
	}
	store.mutex.Unlock()

	for _, observer := range observers {
		observer(snapshot)
	}
}

// Register creates a new principal with the identity provider, requests the
// server credential, and provisions the companion backend record.
// Companion-record and credential failures are logged and swallowed; the
// role resolver's fail-open default covers the gap until provisioning
// succeeds.
func (store *Store) Register(ctx context.Context, email string, password string, profile identity.Profile) (*principal.Principal, error) {
	registered, signUpErr := store.provider.SignUp(ctx, email, password, profile)
	if signUpErr != nil {
		return nil, fmt.Errorf("session.register: %w", signUpErr)
	}
	store.obtainCredential(ctx, *registered, "session.register")
	store.provisionCompanion(ctx, *registered, "session.register")
	return registered, nil
}

// SignIn authenticates against the identity provider and requests the
// cached server credential.
func (store *Store) SignIn(ctx context.Context, email string, password string) (*principal.Principal, error) {
	signedIn, signInErr := store.provider.SignIn(ctx, email, password)
	if signInErr != nil {
		return nil, fmt.Errorf("session.sign_in: %w", signInErr)
	}
	store.obtainCredential(ctx, *signedIn, "session.sign_in")
	return signedIn, nil
}

// SignInFederated completes a federated sign-in flow. The companion record
// is provisioned on every pass; the call is a create-or-update, so repeating
// it for returning users is safe.
func (store *Store) SignInFederated(ctx context.Context, assertion string) (*principal.Principal, error) {
	signedIn, signInErr := store.provider.FederatedSignIn(ctx, assertion)
	if signInErr != nil {
		return nil, fmt.Errorf("session.sign_in_federated: %w", signInErr)
	}
	store.obtainCredential(ctx, *signedIn, "session.sign_in_federated")
	store.provisionCompanion(ctx, *signedIn, "session.sign_in_federated")
	return signedIn, nil
}

// SignOut invalidates the server credential (best-effort) and then ends the
// provider session. Callers must await it before redirecting to a public
// route so a stale session cannot be observed by a subsequently evaluated
// guard.
func (store *Store) SignOut(ctx context.Context) error {
	if invalidateErr := store.backend.InvalidateCredential(ctx, store.Snapshot().Principal); invalidateErr != nil {
		store.logger.Warn("server credential invalidation failed",
			zap.String("code", "session.sign_out.invalidate_failed"),
			zap.Error(invalidateErr))
	}
	if signOutErr := store.provider.SignOut(ctx); signOutErr != nil {
		return fmt.Errorf("session.sign_out: %w", signOutErr)
	}
	return nil
}

// WaitSettled blocks until the first provider notification arrives or the
// context expires, and returns the snapshot either way. Mutation operations
// return before the matching notification lands, so callers that need the
// settled state observe the store instead of assuming it.
func (store *Store) WaitSettled(ctx context.Context) Snapshot {
	settled := make(chan Snapshot, 1)
	release := store.SubscribeState(func(snapshot Snapshot) {
		if snapshot.Status == StatusUnknown {
			return
		}
		select {
		case settled <- snapshot:
		default:
		}
	})
	defer release()

	select {
	case snapshot := <-settled:
		return snapshot
	case <-ctx.Done():
		return store.Snapshot()
	}
}

func (store *Store) obtainCredential(ctx context.Context, subject principal.Principal, operation string) {
	if issueErr := store.backend.IssueCredential(ctx, subject); issueErr != nil {
		store.logger.Warn("server credential exchange failed",
			zap.String("code", operation+".credential_failed"),
			zap.String("email", subject.Email),
			zap.Error(issueErr))
	}
}

func (store *Store) provisionCompanion(ctx context.Context, subject principal.Principal, operation string) {
	if provisionErr := store.backend.ProvisionUser(ctx, subject); provisionErr != nil {
		store.logger.Warn("companion record provisioning failed",
			zap.String("code", operation+".provision_failed"),
			zap.String("email", subject.Email),
			zap.Error(provisionErr))
	}
}
