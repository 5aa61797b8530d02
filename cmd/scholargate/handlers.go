package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mprlab/scholargate/internal/gateway"
	"github.com/mprlab/scholargate/internal/identity"
	"github.com/mprlab/scholargate/internal/principal"
	"github.com/mprlab/scholargate/internal/session"
	"github.com/mprlab/scholargate/internal/web"
	"github.com/mprlab/scholargate/pkg/clientsession"
	webassets "github.com/mprlab/scholargate/web"
	"go.uber.org/zap"
)

const sessionSettleTimeout = 2 * time.Second

type principalResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	AvatarURL   string `json:"avatar_url"`
}

func asPrincipalResponse(subject *principal.Principal) principalResponse {
	return principalResponse{
		ID:          subject.ID,
		DisplayName: subject.DisplayName,
		Email:       subject.Email,
		AvatarURL:   subject.AvatarURL,
	}
}

// guardSnapshot feeds the route guards. A failed runtime lookup reads as
// unknown, which holds the route instead of bouncing the visitor.
func (app *application) guardSnapshot(contextGin *gin.Context) session.Snapshot {
	runtime, runtimeErr := app.runtimeFor(contextGin)
	if runtimeErr != nil {
		app.logger.Warn("client runtime unavailable",
			zap.String("code", "main.guard.runtime_unavailable"),
			zap.Error(runtimeErr))
		return session.Snapshot{Status: session.StatusUnknown}
	}
	return runtime.store.Snapshot()
}

func (app *application) guardRole(contextGin *gin.Context, subject principal.Principal) (principal.Role, error) {
	runtime, runtimeErr := app.runtimeFor(contextGin)
	if runtimeErr != nil {
		return "", runtimeErr
	}
	return runtime.roles.Resolve(contextGin.Request.Context(), subject.Email)
}

// sessionStateSnapshot backs the endpoint the loading page polls. It waits
// briefly for the provider to settle so the first poll usually resolves.
func (app *application) sessionStateSnapshot(contextGin *gin.Context) (session.Snapshot, error) {
	runtime, runtimeErr := app.runtimeFor(contextGin)
	if runtimeErr != nil {
		return session.Snapshot{}, runtimeErr
	}
	settleCtx, cancel := context.WithTimeout(contextGin.Request.Context(), sessionSettleTimeout)
	defer cancel()
	return runtime.store.WaitSettled(settleCtx), nil
}

func (app *application) handleLoadingPage(contextGin *gin.Context) {
	web.ServeLoadingPage(contextGin, webassets.FS, "loading.html")
}

const signInPageHTML = `<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <title>Sign in</title>
    <script src="/static/config.js"></script>
  </head>
  <body>
    <h1>Sign in</h1>
    <form method="post" action="/auth/login">
      <input name="email" type="email" placeholder="email" />
      <input name="password" type="password" placeholder="password" />
      <button type="submit">Sign in</button>
    </form>
    <div id="g_id_onload" data-login_uri="/auth/google"></div>
    <p><a href="/register">Create an account</a></p>
  </body>
</html>`

const registerPageHTML = `<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <title>Register</title>
  </head>
  <body>
    <h1>Register</h1>
    <form method="post" action="/auth/register">
      <input name="name" type="text" placeholder="display name" />
      <input name="email" type="email" placeholder="email" />
      <input name="password" type="password" placeholder="password" />
      <button type="submit">Register</button>
    </form>
  </body>
</html>`

func (app *application) handleSignInPage(contextGin *gin.Context) {
	contextGin.Data(http.StatusOK, "text/html; charset=utf-8", []byte(signInPageHTML))
}

func (app *application) handleRegisterPage(contextGin *gin.Context) {
	contextGin.Data(http.StatusOK, "text/html; charset=utf-8", []byte(registerPageHTML))
}

type registerRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,credentialpassword"`
}

func (app *application) handleRegister(contextGin *gin.Context) {
	var request registerRequest
	if bindErr := contextGin.ShouldBindJSON(&request); bindErr != nil {
		contextGin.JSON(http.StatusBadRequest, gin.H{"error": "auth.register.invalid_payload"})
		return
	}
	runtime, runtimeErr := app.runtimeFor(contextGin)
	if runtimeErr != nil {
		contextGin.JSON(http.StatusInternalServerError, gin.H{"error": "auth.register.runtime_unavailable"})
		return
	}
	registered, registerErr := runtime.store.Register(contextGin.Request.Context(), request.Email, request.Password, identity.Profile{DisplayName: request.Name})
	if registerErr != nil {
		app.respondIdentityError(contextGin, "auth.register", registerErr)
		return
	}
	app.recorder.Increment("session.register")
	contextGin.JSON(http.StatusCreated, gin.H{"principal": asPrincipalResponse(registered)})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (app *application) handleLogin(contextGin *gin.Context) {
	var request loginRequest
	if bindErr := contextGin.ShouldBindJSON(&request); bindErr != nil {
		contextGin.JSON(http.StatusBadRequest, gin.H{"error": "auth.login.invalid_payload"})
		return
	}
	runtime, runtimeErr := app.runtimeFor(contextGin)
	if runtimeErr != nil {
		contextGin.JSON(http.StatusInternalServerError, gin.H{"error": "auth.login.runtime_unavailable"})
		return
	}
	signedIn, signInErr := runtime.store.SignIn(contextGin.Request.Context(), request.Email, request.Password)
	if signInErr != nil {
		app.respondIdentityError(contextGin, "auth.login", signInErr)
		return
	}
	app.recorder.Increment("session.sign_in")
	contextGin.JSON(http.StatusOK, gin.H{"principal": asPrincipalResponse(signedIn)})
}

func (app *application) handleGoogleNonce(contextGin *gin.Context) {
	nonce, issueErr := app.nonces.Issue(contextGin.Request.Context())
	if issueErr != nil {
		contextGin.JSON(http.StatusInternalServerError, gin.H{"error": "auth.google.nonce_unavailable"})
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"nonce": nonce})
}

type googleSignInRequest struct {
	Credential string `json:"credential" binding:"required"`
	Nonce      string `json:"nonce" binding:"required"`
}

func (app *application) handleGoogleSignIn(contextGin *gin.Context) {
	var request googleSignInRequest
	if bindErr := contextGin.ShouldBindJSON(&request); bindErr != nil {
		contextGin.JSON(http.StatusBadRequest, gin.H{"error": "auth.google.invalid_payload"})
		return
	}
	if consumeErr := app.nonces.Consume(contextGin.Request.Context(), request.Nonce); consumeErr != nil {
		contextGin.JSON(http.StatusBadRequest, gin.H{"error": "auth.google.invalid_nonce"})
		return
	}
	runtime, runtimeErr := app.runtimeFor(contextGin)
	if runtimeErr != nil {
		contextGin.JSON(http.StatusInternalServerError, gin.H{"error": "auth.google.runtime_unavailable"})
		return
	}
	signedIn, signInErr := runtime.store.SignInFederated(contextGin.Request.Context(), request.Credential)
	if signInErr != nil {
		app.respondIdentityError(contextGin, "auth.google", signInErr)
		return
	}
	app.recorder.Increment("session.federated_sign_in")
	contextGin.JSON(http.StatusOK, gin.H{"principal": asPrincipalResponse(signedIn)})
}

// handleLogout awaits the full sign-out before answering, so the browser's
// next navigation cannot observe a stale session.
func (app *application) handleLogout(contextGin *gin.Context) {
	runtime, runtimeErr := app.runtimeFor(contextGin)
	if runtimeErr != nil {
		contextGin.JSON(http.StatusInternalServerError, gin.H{"error": "auth.logout.runtime_unavailable"})
		return
	}
	if signOutErr := runtime.store.SignOut(contextGin.Request.Context()); signOutErr != nil {
		app.respondIdentityError(contextGin, "auth.logout", signOutErr)
		return
	}
	clientID := clientsession.ClientID(contextGin, "")
	app.manager.Release(clientID)
	app.recorder.Increment("session.sign_out")
	contextGin.Status(http.StatusNoContent)
}

func (app *application) respondIdentityError(contextGin *gin.Context, operation string, err error) {
	status := http.StatusInternalServerError
	code := operation + ".failed"
	switch {
	case errors.Is(err, identity.ErrCredentialConflict):
		status = http.StatusConflict
		code = operation + ".email_taken"
	case errors.Is(err, identity.ErrWeakCredential):
		status = http.StatusUnprocessableEntity
		code = operation + ".weak_password"
	case errors.Is(err, identity.ErrInvalidCredential):
		status = http.StatusUnauthorized
		code = operation + ".invalid_credentials"
	case errors.Is(err, identity.ErrAssertionInvalid):
		status = http.StatusUnauthorized
		code = operation + ".invalid_assertion"
	case errors.Is(err, identity.ErrFlowCancelled):
		status = http.StatusBadRequest
		code = operation + ".flow_cancelled"
	case errors.Is(err, identity.ErrProviderUnavailable):
		status = http.StatusServiceUnavailable
		code = operation + ".provider_unavailable"
	}
	if status == http.StatusInternalServerError {
		app.logger.Error("identity operation failed",
			zap.String("code", code),
			zap.Error(err))
	}
	contextGin.JSON(status, gin.H{"error": code})
}

func (app *application) handleDashboard(contextGin *gin.Context) {
	runtime, runtimeErr := app.runtimeFor(contextGin)
	if runtimeErr != nil {
		contextGin.Status(http.StatusInternalServerError)
		return
	}
	snapshot := runtime.store.Snapshot()
	payload := gin.H{"page": "dashboard"}
	if snapshot.Principal != nil {
		payload["principal"] = asPrincipalResponse(snapshot.Principal)
	}
	contextGin.JSON(http.StatusOK, payload)
}

func (app *application) handleModeratorQueue(contextGin *gin.Context) {
	contextGin.JSON(http.StatusOK, gin.H{"page": "moderator_queue"})
}

func (app *application) handleAdminUsers(contextGin *gin.Context) {
	runtime, runtimeErr := app.runtimeFor(contextGin)
	if runtimeErr != nil {
		contextGin.JSON(http.StatusInternalServerError, gin.H{"error": "admin.users.runtime_unavailable"})
		return
	}
	response, proxyErr := runtime.backend.Proxy(contextGin.Request.Context(), http.MethodGet, "/all-users", nil)
	app.relayBackendResponse(contextGin, response, proxyErr)
}

type updateRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

func (app *application) handleUpdateRole(contextGin *gin.Context) {
	email := contextGin.Param("email")
	var request updateRoleRequest
	if bindErr := contextGin.ShouldBindJSON(&request); bindErr != nil {
		contextGin.JSON(http.StatusBadRequest, gin.H{"error": "admin.role.invalid_payload"})
		return
	}
	newRole, parseErr := principal.ParseRole(request.Role)
	if parseErr != nil {
		contextGin.JSON(http.StatusUnprocessableEntity, gin.H{"error": "admin.role.unknown_role"})
		return
	}
	runtime, runtimeErr := app.runtimeFor(contextGin)
	if runtimeErr != nil {
		contextGin.JSON(http.StatusInternalServerError, gin.H{"error": "admin.role.runtime_unavailable"})
		return
	}
	if updateErr := runtime.backend.UpdateRole(contextGin.Request.Context(), email, newRole); updateErr != nil {
		if errors.Is(updateErr, gateway.ErrCredentialExpired) {
			contextGin.JSON(http.StatusUnauthorized, gin.H{"error": "gateway.credential_expired", "redirect": "/login"})
			return
		}
		app.logger.Error("role update failed",
			zap.String("code", "admin.role.update_failed"),
			zap.String("email", email),
			zap.Error(updateErr))
		contextGin.JSON(http.StatusBadGateway, gin.H{"error": "admin.role.update_failed"})
		return
	}
	app.invalidateRole(email)
	app.recorder.Increment("admin.role_updated")
	contextGin.Status(http.StatusNoContent)
}

// handleProxy forwards data-API calls through the client's gateway, which
// applies the 401/403 recovery policy before the response gets here.
func (app *application) handleProxy(contextGin *gin.Context) {
	runtime, runtimeErr := app.runtimeFor(contextGin)
	if runtimeErr != nil {
		contextGin.JSON(http.StatusInternalServerError, gin.H{"error": "api.proxy.runtime_unavailable"})
		return
	}
	pathAndQuery := contextGin.Param("path")
	if rawQuery := contextGin.Request.URL.RawQuery; rawQuery != "" {
		pathAndQuery += "?" + rawQuery
	}
	var body io.Reader
	if contextGin.Request.Body != nil && contextGin.Request.ContentLength != 0 {
		body = contextGin.Request.Body
	}
	response, proxyErr := runtime.backend.Proxy(contextGin.Request.Context(), contextGin.Request.Method, pathAndQuery, body)
	app.relayBackendResponse(contextGin, response, proxyErr)
}

func (app *application) relayBackendResponse(contextGin *gin.Context, response *http.Response, proxyErr error) {
	if proxyErr != nil {
		if errors.Is(proxyErr, gateway.ErrCredentialExpired) {
			// The gateway already forced the sign-out; this is the single
			// redirect the expiry produces.
			if response != nil {
				_ = response.Body.Close()
			}
			contextGin.JSON(http.StatusUnauthorized, gin.H{"error": "gateway.credential_expired", "redirect": "/login"})
			return
		}
		app.logger.Warn("backend request failed",
			zap.String("code", "api.proxy.backend_unreachable"),
			zap.Error(proxyErr))
		contextGin.JSON(http.StatusBadGateway, gin.H{"error": "api.proxy.backend_unreachable"})
		return
	}
	defer func() { _ = response.Body.Close() }()
	contentType := response.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	contextGin.DataFromReader(response.StatusCode, response.ContentLength, contentType, response.Body, nil)
}
