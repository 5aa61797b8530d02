package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mprlab/scholargate/internal/session"
	"go.uber.org/zap"
)

// SnapshotSource yields the session snapshot for the request's client.
type SnapshotSource func(contextGin *gin.Context) (session.Snapshot, error)

type principalPayload struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	AvatarURL   string `json:"avatar_url"`
}

// HandleSessionState reports the client's session state. The loading page
// polls it until the status leaves "unknown".
func HandleSessionState(logger *zap.Logger, snapshots SnapshotSource) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if snapshots == nil {
		panic("snapshot source is required")
	}

	return func(contextGin *gin.Context) {
		snapshot, snapshotErr := snapshots(contextGin)
		if snapshotErr != nil {
			logger.Error("session snapshot lookup failed",
				zap.String("code", "web.session_state.lookup_failed"),
				zap.Error(snapshotErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		payload := gin.H{"status": snapshot.Status.String()}
		if snapshot.Principal != nil {
			payload["principal"] = principalPayload{
				ID:          snapshot.Principal.ID,
				DisplayName: snapshot.Principal.DisplayName,
				Email:       snapshot.Principal.Email,
				AvatarURL:   snapshot.Principal.AvatarURL,
			}
		}
		contextGin.Header("Cache-Control", "no-store")
		contextGin.JSON(http.StatusOK, payload)
	}
}
