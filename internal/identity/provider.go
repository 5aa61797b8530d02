package identity

import (
	"context"
	"errors"

	"github.com/mprlab/scholargate/internal/principal"
)

// Sentinel errors reported across the provider boundary.
var (
	// ErrCredentialConflict indicates the email is already registered.
	ErrCredentialConflict = errors.New("identity.credential_conflict")
	// ErrWeakCredential indicates the password fails provider policy.
	ErrWeakCredential = errors.New("identity.weak_credential")
	// ErrInvalidCredential indicates an email/password mismatch.
	ErrInvalidCredential = errors.New("identity.invalid_credential")
	// ErrProviderUnavailable indicates the identity provider itself could not
	// be reached; distinct from any data-API failure.
	ErrProviderUnavailable = errors.New("identity.provider_unavailable")
	// ErrFlowCancelled indicates the user dismissed the federated sign-in flow.
	ErrFlowCancelled = errors.New("identity.flow_cancelled")
	// ErrAssertionInvalid indicates a federated identity assertion failed
	// verification.
	ErrAssertionInvalid = errors.New("identity.assertion_invalid")
	// ErrNoAccount indicates no registered account matches the email.
	ErrNoAccount = errors.New("identity.no_account")
)

// Profile carries the mutable principal attributes set at registration.
type Profile struct {
	DisplayName string
	AvatarURL   string
}

// Provider is one browser session's connection to the identity provider.
//
// Notifications delivered through Subscribe are in-order and never
// concurrent: one listener call returns before the next is dispatched. A nil
// principal means the provider reports no current session. Each notification
// is an idempotent upsert of the current state, not a queued command.
type Provider interface {
	// SignUp registers a new credential account and signs it in.
	SignUp(ctx context.Context, email string, password string, profile Profile) (*principal.Principal, error)
	// SignIn authenticates an existing credential account.
	SignIn(ctx context.Context, email string, password string) (*principal.Principal, error)
	// FederatedSignIn exchanges a federated identity assertion for a session.
	// An empty assertion means the user dismissed the flow.
	FederatedSignIn(ctx context.Context, assertion string) (*principal.Principal, error)
	// SignOut ends the current provider session.
	SignOut(ctx context.Context) error
	// UpdateProfile sets display name and avatar for the given principal.
	UpdateProfile(ctx context.Context, principalID string, profile Profile) error
	// Subscribe registers the single session-change listener and returns its
	// release function. The provider reports the current state as the first
	// notification; delivery is asynchronous, so a subscriber starts settling
	// until that first report arrives.
	Subscribe(listener func(*principal.Principal)) (cancel func())
}
