// Package backend is the typed client for the scholarship data API. Every
// call travels through the authenticated request gateway.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/mprlab/scholargate/internal/gateway"
	"github.com/mprlab/scholargate/internal/principal"
	"go.uber.org/zap"
)

// ErrUnexpectedStatus wraps non-success responses from calls that expect
// plain success.
var ErrUnexpectedStatus = errors.New("backend.unexpected_status")

// Client issues data-API calls over the gateway.
type Client struct {
	gateway *gateway.Gateway
	logger  *zap.Logger
}

// New constructs a Client.
func New(apiGateway *gateway.Gateway, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{gateway: apiGateway, logger: logger}
}

// ProvisionUser creates or updates the companion user record. Callers treat
// failure as non-fatal.
func (client *Client) ProvisionUser(ctx context.Context, subject principal.Principal) error {
	payload := struct {
		Name  string `json:"name"`
		Image string `json:"image"`
		Email string `json:"email"`
	}{
		Name:  subject.DisplayName,
		Image: subject.AvatarURL,
		Email: subject.Email,
	}
	encoded, encodeErr := json.Marshal(payload)
	if encodeErr != nil {
		return fmt.Errorf("backend.provision_user.encode: %w", encodeErr)
	}
	response, doErr := client.gateway.Do(ctx, http.MethodPost, "/users/"+url.PathEscape(subject.Email), bytes.NewReader(encoded))
	if doErr != nil {
		return fmt.Errorf("backend.provision_user: %w", doErr)
	}
	defer drain(response)
	if response.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("backend.provision_user.status_%d: %w", response.StatusCode, ErrUnexpectedStatus)
	}
	return nil
}

// IssueCredential exchanges the authenticated identity for the cached
// server credential. The cookie lands in the gateway jar; the snapshot is
// persisted so a restarted process keeps the session working.
func (client *Client) IssueCredential(ctx context.Context, subject principal.Principal) error {
	payload := struct {
		Email string `json:"email"`
	}{Email: subject.Email}
	encoded, encodeErr := json.Marshal(payload)
	if encodeErr != nil {
		return fmt.Errorf("backend.issue_credential.encode: %w", encodeErr)
	}
	response, doErr := client.gateway.Do(ctx, http.MethodPost, "/jwt", bytes.NewReader(encoded))
	if doErr != nil {
		return fmt.Errorf("backend.issue_credential: %w", doErr)
	}
	defer drain(response)
	if response.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("backend.issue_credential.status_%d: %w", response.StatusCode, ErrUnexpectedStatus)
	}
	if persistErr := client.gateway.PersistCredential(ctx, subject.ID); persistErr != nil {
		client.logger.Warn("credential persistence failed",
			zap.String("code", "backend.issue_credential.persist_failed"),
			zap.Error(persistErr))
	}
	return nil
}

// InvalidateCredential revokes the server credential; best-effort by
// contract, so callers log and continue on failure.
func (client *Client) InvalidateCredential(ctx context.Context, subject *principal.Principal) error {
	principalID := ""
	if subject != nil {
		principalID = subject.ID
	}
	response, doErr := client.gateway.Do(ctx, http.MethodPost, "/logout", nil)
	if doErr == nil {
		drain(response)
	}
	if dropErr := client.gateway.DropCredential(ctx, principalID); dropErr != nil {
		client.logger.Warn("credential snapshot removal failed",
			zap.String("code", "backend.invalidate_credential.drop_failed"),
			zap.Error(dropErr))
	}
	if doErr != nil {
		return fmt.Errorf("backend.invalidate_credential: %w", doErr)
	}
	if response.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("backend.invalidate_credential.status_%d: %w", response.StatusCode, ErrUnexpectedStatus)
	}
	return nil
}

// FetchRole performs the role lookup. Status handling belongs to the role
// resolver; the response is returned as-is.
func (client *Client) FetchRole(ctx context.Context, email string) (*http.Response, error) {
	return client.gateway.Do(ctx, http.MethodGet, "/users/role/"+url.PathEscape(email), nil)
}

// UpdateRole performs the admin-only role mutation.
func (client *Client) UpdateRole(ctx context.Context, email string, newRole principal.Role) error {
	payload := struct {
		Role string `json:"role"`
	}{Role: newRole.String()}
	encoded, encodeErr := json.Marshal(payload)
	if encodeErr != nil {
		return fmt.Errorf("backend.update_role.encode: %w", encodeErr)
	}
	response, doErr := client.gateway.Do(ctx, http.MethodPatch, "/users/role/"+url.PathEscape(email), bytes.NewReader(encoded))
	if doErr != nil {
		return fmt.Errorf("backend.update_role: %w", doErr)
	}
	defer drain(response)
	if response.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("backend.update_role.status_%d: %w", response.StatusCode, ErrUnexpectedStatus)
	}
	return nil
}

// Proxy forwards an arbitrary data-API request and returns the raw
// response; used by the passthrough routes.
func (client *Client) Proxy(ctx context.Context, method string, pathAndQuery string, body io.Reader) (*http.Response, error) {
	return client.gateway.Do(ctx, method, pathAndQuery, body)
}

func drain(response *http.Response) {
	_, _ = io.Copy(io.Discard, response.Body)
	_ = response.Body.Close()
}
