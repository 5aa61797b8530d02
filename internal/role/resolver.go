// Package role answers "what role does the current principal hold", with
// caching and safe degradation.
package role

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mprlab/scholargate/internal/principal"
	"go.uber.org/zap"
)

var (
	// ErrNoPrincipal indicates a resolution attempt with no signed-in
	// principal; the caller's guard composition is wrong.
	ErrNoPrincipal = errors.New("role.no_principal")
	// ErrLookupFailed wraps backend or decoding failures. When a role was
	// previously resolved for the principal, the last-known-good value is
	// returned alongside this error.
	ErrLookupFailed = errors.New("role.lookup_failed")
)

const cacheSize = 512

// Fetcher performs the backend role lookup. The response is surfaced with a
// nil error for every HTTP status; only transport failures return an error.
type Fetcher interface {
	FetchRole(ctx context.Context, email string) (*http.Response, error)
}

// Resolver resolves and caches principal roles. One lookup is issued per
// distinct (principal, freshness-window) pair; stale entries are retained
// separately so consumers never regress to an undefined role once one has
// been resolved in this session.
type Resolver struct {
	fetcher   Fetcher
	fresh     *expirable.LRU[string, principal.Role]
	lastKnown *lru.Cache[string, principal.Role]
	logger    *zap.Logger
}

// New constructs a Resolver with the given freshness window.
func New(fetcher Fetcher, freshness time.Duration, logger *zap.Logger) (*Resolver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	lastKnown, cacheErr := lru.New[string, principal.Role](cacheSize)
	if cacheErr != nil {
		return nil, fmt.Errorf("role.new: %w", cacheErr)
	}
	return &Resolver{
		fetcher:   fetcher,
		fresh:     expirable.NewLRU[string, principal.Role](cacheSize, nil, freshness),
		lastKnown: lastKnown,
		logger:    logger,
	}, nil
}

// Resolve returns the normalized role for the principal's email.
//
// Backend "not found" resolves to student: the principal is authenticated
// but has no backend record yet. A backend 401 currently receives the same
// fail-open treatment; the distinction is only logged.
func (resolver *Resolver) Resolve(ctx context.Context, email string) (principal.Role, error) {
	normalizedEmail := strings.ToLower(strings.TrimSpace(email))
	if normalizedEmail == "" {
		return "", fmt.Errorf("role.resolve: %w", ErrNoPrincipal)
	}
	if cached, found := resolver.fresh.Get(normalizedEmail); found {
		return cached, nil
	}

	resolved, lookupErr := resolver.lookup(ctx, normalizedEmail)
	if lookupErr != nil {
		if lastGood, found := resolver.lastKnown.Get(normalizedEmail); found {
			return lastGood, lookupErr
		}
		return "", lookupErr
	}

	resolver.fresh.Add(normalizedEmail, resolved)
	resolver.lastKnown.Add(normalizedEmail, resolved)
	return resolved, nil
}

// Invalidate drops cached entries for the principal; used after an admin
// role mutation.
func (resolver *Resolver) Invalidate(email string) {
	normalizedEmail := strings.ToLower(strings.TrimSpace(email))
	resolver.fresh.Remove(normalizedEmail)
}

func (resolver *Resolver) lookup(ctx context.Context, email string) (principal.Role, error) {
	response, fetchErr := resolver.fetcher.FetchRole(ctx, email)
	if fetchErr != nil {
		return "", fmt.Errorf("role.lookup.%s: %w", email, ErrLookupFailed)
	}
	defer func() { _ = response.Body.Close() }()

	switch response.StatusCode {
	case http.StatusOK:
		var payload struct {
			Role string `json:"role"`
		}
		if decodeErr := json.NewDecoder(response.Body).Decode(&payload); decodeErr != nil {
			return "", fmt.Errorf("role.lookup.decode: %w", ErrLookupFailed)
		}
		resolved, parseErr := principal.ParseRole(payload.Role)
		if parseErr != nil {
			return "", fmt.Errorf("role.lookup.parse: %w", ErrLookupFailed)
		}
		return resolved, nil
	case http.StatusNotFound:
		// Not provisioned yet; fail open to the least-privileged role.
		return principal.RoleStudent, nil
	case http.StatusUnauthorized:
		// The role endpoint is allow-listed, so a 401 here means the backend
		// has no record for this principal. Conflated with "endpoint down";
		// kept fail-open, logged so misconfiguration stays visible.
		resolver.logger.Warn("role lookup unauthorized, defaulting to student",
			zap.String("code", "role.lookup.unauthorized_fail_open"),
			zap.String("email", email))
		return principal.RoleStudent, nil
	default:
		return "", fmt.Errorf("role.lookup.status_%d: %w", response.StatusCode, ErrLookupFailed)
	}
}
