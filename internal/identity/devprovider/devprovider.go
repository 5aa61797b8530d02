// Package devprovider implements the identity provider boundary in memory.
// It backs local runs and tests; production deployments point scholargate at
// a hosted identity provider instead.
package devprovider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
	"github.com/mprlab/scholargate/internal/identity"
	"github.com/mprlab/scholargate/internal/principal"
)

const minimumPasswordLength = 8

// Directory is the shared account registry behind every dev session.
type Directory struct {
	mutex       sync.Mutex
	accounts    map[string]*account
	byID        map[string]*account
	verifier    identity.FederatedVerifier
	unavailable bool
}

type account struct {
	id           string
	email        string
	passwordHash string
	profile      identity.Profile
}

// NewDirectory constructs an empty registry. The verifier handles federated
// assertions and may be nil when federated sign-in is disabled.
func NewDirectory(verifier identity.FederatedVerifier) *Directory {
	return &Directory{
		accounts: make(map[string]*account),
		byID:     make(map[string]*account),
		verifier: verifier,
	}
}

// SetUnavailable toggles simulated provider outage for tests.
func (directory *Directory) SetUnavailable(unavailable bool) {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()
	directory.unavailable = unavailable
}

// NewSession opens one browser session against the directory.
func (directory *Directory) NewSession() *Session {
	return &Session{directory: directory}
}

type stateUpdate struct {
	current *principal.Principal
}

// Session implements identity.Provider for one connected client.
type Session struct {
	directory *Directory

	mutex    sync.Mutex
	current  *principal.Principal
	queue    chan stateUpdate
	done     chan struct{}
	doneOnce sync.Once
}

var _ identity.Provider = (*Session)(nil)

// SignUp registers a credential account and signs the session in.
func (session *Session) SignUp(ctx context.Context, email string, password string, profile identity.Profile) (*principal.Principal, error) {
	directory := session.directory
	directory.mutex.Lock()
	if directory.unavailable {
		directory.mutex.Unlock()
		return nil, fmt.Errorf("devprovider.sign_up: %w", identity.ErrProviderUnavailable)
	}
	normalizedEmail := normalizeEmail(email)
	if _, exists := directory.accounts[normalizedEmail]; exists {
		directory.mutex.Unlock()
		return nil, fmt.Errorf("devprovider.sign_up.%s: %w", normalizedEmail, identity.ErrCredentialConflict)
	}
	if len(password) < minimumPasswordLength {
		directory.mutex.Unlock()
		return nil, fmt.Errorf("devprovider.sign_up: %w", identity.ErrWeakCredential)
	}
	passwordHash, hashErr := argon2id.CreateHash(password, argon2id.DefaultParams)
	if hashErr != nil {
		directory.mutex.Unlock()
		return nil, fmt.Errorf("devprovider.sign_up.hash: %w", hashErr)
	}
	record := &account{
		id:           "local:" + uuid.NewString(),
		email:        normalizedEmail,
		passwordHash: passwordHash,
		profile:      profile,
	}
	directory.accounts[normalizedEmail] = record
	directory.byID[record.id] = record
	directory.mutex.Unlock()

	signedIn := record.asPrincipal()
	session.setCurrent(signedIn)
	return signedIn, nil
}

// SignIn authenticates an existing credential account.
func (session *Session) SignIn(ctx context.Context, email string, password string) (*principal.Principal, error) {
	directory := session.directory
	directory.mutex.Lock()
	if directory.unavailable {
		directory.mutex.Unlock()
		return nil, fmt.Errorf("devprovider.sign_in: %w", identity.ErrProviderUnavailable)
	}
	record, exists := directory.accounts[normalizeEmail(email)]
	directory.mutex.Unlock()
	if !exists || record.passwordHash == "" {
		return nil, fmt.Errorf("devprovider.sign_in: %w", identity.ErrInvalidCredential)
	}
	match, compareErr := argon2id.ComparePasswordAndHash(password, record.passwordHash)
	if compareErr != nil || !match {
		return nil, fmt.Errorf("devprovider.sign_in: %w", identity.ErrInvalidCredential)
	}
	signedIn := record.asPrincipal()
	session.setCurrent(signedIn)
	return signedIn, nil
}

// FederatedSignIn verifies the assertion and upserts the attested account.
// Safe to repeat for returning users.
func (session *Session) FederatedSignIn(ctx context.Context, assertion string) (*principal.Principal, error) {
	if strings.TrimSpace(assertion) == "" {
		return nil, fmt.Errorf("devprovider.federated: %w", identity.ErrFlowCancelled)
	}
	directory := session.directory
	directory.mutex.Lock()
	if directory.unavailable {
		directory.mutex.Unlock()
		return nil, fmt.Errorf("devprovider.federated: %w", identity.ErrProviderUnavailable)
	}
	verifier := directory.verifier
	directory.mutex.Unlock()
	if verifier == nil {
		return nil, fmt.Errorf("devprovider.federated.no_verifier: %w", identity.ErrProviderUnavailable)
	}
	asserted, verifyErr := verifier.Verify(ctx, assertion)
	if verifyErr != nil {
		return nil, fmt.Errorf("devprovider.federated: %w", verifyErr)
	}

	directory.mutex.Lock()
	normalizedEmail := normalizeEmail(asserted.Email)
	record, exists := directory.accounts[normalizedEmail]
	if !exists {
		record = &account{id: asserted.ID, email: normalizedEmail}
		directory.accounts[normalizedEmail] = record
		directory.byID[record.id] = record
	}
	record.profile = identity.Profile{DisplayName: asserted.DisplayName, AvatarURL: asserted.AvatarURL}
	directory.mutex.Unlock()

	signedIn := record.asPrincipal()
	session.setCurrent(signedIn)
	return signedIn, nil
}

// SignOut ends the session and reports the anonymous state.
func (session *Session) SignOut(ctx context.Context) error {
	session.setCurrent(nil)
	return nil
}

// UpdateProfile sets display name and avatar for the given principal.
func (session *Session) UpdateProfile(ctx context.Context, principalID string, profile identity.Profile) error {
	directory := session.directory
	directory.mutex.Lock()
	record, exists := directory.byID[principalID]
	if !exists {
		directory.mutex.Unlock()
		return fmt.Errorf("devprovider.update_profile.%s: %w", principalID, identity.ErrNoAccount)
	}
	record.profile = profile
	updated := record.asPrincipal()
	directory.mutex.Unlock()

	session.mutex.Lock()
	refresh := session.current != nil && session.current.ID == principalID
	session.mutex.Unlock()
	if refresh {
		session.setCurrent(updated)
	}
	return nil
}

// Subscribe registers the session-change listener. The current state is
// reported as the first notification; dispatch runs on a dedicated goroutine
// so deliveries are ordered and never concurrent.
func (session *Session) Subscribe(listener func(*principal.Principal)) func() {
	session.mutex.Lock()
	session.queue = make(chan stateUpdate, 64)
	session.done = make(chan struct{})
	session.doneOnce = sync.Once{}
	queue := session.queue
	done := session.done
	queue <- stateUpdate{current: session.current}
	session.mutex.Unlock()

	go func() {
		for {
			select {
			case <-done:
				return
			case update := <-queue:
				listener(update.current)
			}
		}
	}()

	return func() {
		session.mutex.Lock()
		defer session.mutex.Unlock()
		session.doneOnce.Do(func() { close(done) })
		session.queue = nil
	}
}

func (session *Session) setCurrent(current *principal.Principal) {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	session.current = current
	if session.queue == nil {
		return
	}
	select {
	case session.queue <- stateUpdate{current: current}:
	case <-session.done:
	}
}

func (record *account) asPrincipal() *principal.Principal {
	return &principal.Principal{
		ID:          record.id,
		DisplayName: record.profile.DisplayName,
		Email:       record.email,
		AvatarURL:   record.profile.AvatarURL,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
