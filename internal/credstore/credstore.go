// Package credstore persists cached server credentials (the backend-issued
// cookie) per principal, so gateway cookie jars can be rebuilt after a
// process restart.
package credstore

import (
	"context"
	"errors"
)

var (
	// ErrCredentialNotFound indicates no credential is stored for the principal.
	ErrCredentialNotFound = errors.New("cred_store.not_found")
	// ErrEmptyPrincipalID indicates a blank principal identifier.
	ErrEmptyPrincipalID = errors.New("cred_store.empty_principal_id")
)

// Store saves and restores serialized credential cookies keyed by principal.
type Store interface {
	// Save upserts the credential snapshot for the principal.
	Save(ctx context.Context, principalID string, cookieData []byte) error
	// Load returns the stored snapshot or ErrCredentialNotFound.
	Load(ctx context.Context, principalID string) ([]byte, error)
	// Delete removes the snapshot; deleting a missing snapshot is not an error.
	Delete(ctx context.Context, principalID string) error
}
