package guard

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/mprlab/scholargate/internal/metrics"
	"github.com/mprlab/scholargate/internal/principal"
	"github.com/mprlab/scholargate/internal/session"
	"go.uber.org/zap"
)

const (
	signInPath    = "/login"
	dashboardPath = "/dashboard"
	returnToParam = "return_to"
)

// SnapshotSource yields the session snapshot for the request's client.
type SnapshotSource func(contextGin *gin.Context) session.Snapshot

// RoleSource resolves the subject's role. A stale role may accompany a
// non-nil error when the resolver degraded to last-known-good.
type RoleSource func(contextGin *gin.Context, subject principal.Principal) (principal.Role, error)

// Gate adapts guard decisions to gin. One Gate serves all guarded routes.
type Gate struct {
	snapshots SnapshotSource
	roles     RoleSource
	loading   gin.HandlerFunc
	logger    *zap.Logger
	recorder  metrics.Recorder
}

// NewGate constructs a Gate. The loading handler renders the hold page for
// still-unknown sessions and must not redirect.
func NewGate(snapshots SnapshotSource, roles RoleSource, loading gin.HandlerFunc, logger *zap.Logger, recorder metrics.Recorder) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = metrics.NewCounterMetrics()
	}
	return &Gate{
		snapshots: snapshots,
		roles:     roles,
		loading:   loading,
		logger:    logger,
		recorder:  recorder,
	}
}

// RequireSession gates a route on an authenticated session.
func (gate *Gate) RequireSession() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		snapshot := gate.snapshots(contextGin)
		decision := DecideSession(snapshot, contextGin.Request.URL.RequestURI())
		gate.apply(contextGin, decision)
	}
}

// RequireRole gates a route on an authenticated session holding at least the
// required role.
func (gate *Gate) RequireRole(required principal.Role) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		snapshot := gate.snapshots(contextGin)
		var resolved principal.Role
		var resolveErr error
		if snapshot.Status == session.StatusAuthenticated && snapshot.Principal != nil {
			resolved, resolveErr = gate.roles(contextGin, *snapshot.Principal)
			if resolveErr != nil {
				gate.logger.Warn("role resolution degraded",
					zap.String("code", "guard.role_resolution_degraded"),
					zap.String("path", contextGin.Request.URL.Path),
					zap.Error(resolveErr))
			}
		}
		decision := DecideRole(snapshot, resolved, resolveErr, required)
		if decision.Kind == KindRedirectSignIn && decision.ReturnTo == "" {
			decision.ReturnTo = contextGin.Request.URL.RequestURI()
		}
		gate.apply(contextGin, decision)
	}
}

func (gate *Gate) apply(contextGin *gin.Context, decision Decision) {
	switch decision.Kind {
	case KindRender:
		contextGin.Next()
	case KindLoading:
		gate.recorder.Increment("guard.loading_hold")
		gate.loading(contextGin)
		contextGin.Abort()
	case KindRedirectSignIn:
		gate.recorder.Increment("guard.redirect_sign_in")
		target := signInPath
		if decision.ReturnTo != "" {
			target += "?" + returnToParam + "=" + url.QueryEscape(decision.ReturnTo)
		}
		contextGin.Redirect(http.StatusFound, target)
		contextGin.Abort()
	case KindRedirectDashboard:
		gate.recorder.Increment("guard.redirect_dashboard")
		contextGin.Redirect(http.StatusFound, dashboardPath)
		contextGin.Abort()
	}
}
