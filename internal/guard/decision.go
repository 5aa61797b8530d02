// Package guard decides whether a route renders for the current session and
// role. Decisions are pure values; the gin adapters in middleware.go turn
// them into responses.
package guard

import (
	"github.com/mprlab/scholargate/internal/principal"
	"github.com/mprlab/scholargate/internal/session"
)

// Kind enumerates guard outcomes.
type Kind int

const (
	// KindRender lets the route handler run.
	KindRender Kind = iota
	// KindLoading holds the route while the session state is still unknown.
	// Holding never redirects; a premature redirect here would bounce users
	// whose session is about to resolve as authenticated.
	KindLoading
	// KindRedirectSignIn sends the visitor to sign-in, carrying the route
	// they asked for so it can be restored afterwards.
	KindRedirectSignIn
	// KindRedirectDashboard sends an authenticated but under-privileged
	// principal to their dashboard.
	KindRedirectDashboard
)

// Decision is a guard outcome. ReturnTo is populated only for
// KindRedirectSignIn; it is the explicit payload that survives the sign-in
// round trip.
type Decision struct {
	Kind     Kind
	ReturnTo string
}

var roleRank = map[principal.Role]int{
	principal.RoleStudent:   0,
	principal.RoleModerator: 1,
	principal.RoleAdmin:     2,
}

// Satisfies reports whether a held role meets a required one. Roles are
// strictly ordered: admin covers moderator routes, moderator covers student
// routes.
func Satisfies(held principal.Role, required principal.Role) bool {
	heldRank, heldKnown := roleRank[held]
	requiredRank, requiredKnown := roleRank[required]
	if !heldKnown || !requiredKnown {
		return false
	}
	return heldRank >= requiredRank
}

// DecideSession gates a route on session state alone.
func DecideSession(snapshot session.Snapshot, returnTo string) Decision {
	switch snapshot.Status {
	case session.StatusUnknown:
		return Decision{Kind: KindLoading}
	case session.StatusAuthenticated:
		return Decision{Kind: KindRender}
	default:
		return Decision{Kind: KindRedirectSignIn, ReturnTo: returnTo}
	}
}

// DecideRole gates a route on session state plus a resolved role. The
// resolution error accompanies a stale role when the resolver degraded; a
// failed resolution with no usable role denies to the dashboard rather than
// ending the session.
func DecideRole(snapshot session.Snapshot, resolved principal.Role, resolveErr error, required principal.Role) Decision {
	sessionDecision := DecideSession(snapshot, "")
	if sessionDecision.Kind != KindRender {
		return sessionDecision
	}
	if snapshot.Principal == nil {
		// Reached without a principal despite an authenticated status; fail
		// safe toward sign-in, never toward rendering.
		return Decision{Kind: KindRedirectSignIn}
	}
	if resolveErr != nil && !resolved.Valid() {
		return Decision{Kind: KindRedirectDashboard}
	}
	if !Satisfies(resolved, required) {
		return Decision{Kind: KindRedirectDashboard}
	}
	return Decision{Kind: KindRender}
}
