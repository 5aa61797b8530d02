// Package gateway is the single chokepoint for requests to the backend data
// API. The cached server credential rides in the cookie jar, so attachment
// is transport-level; every response is inspected for authorization failures
// and the recovery policy differs by endpoint class.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mprlab/scholargate/internal/credstore"
	"github.com/mprlab/scholargate/internal/metrics"
	"github.com/mprlab/scholargate/internal/session"
	"go.uber.org/zap"
)

var (
	// ErrCredentialExpired reports that a 401 on a non-data endpoint forced a
	// sign-out; the route layer answers it with a redirect to sign-in.
	ErrCredentialExpired = errors.New("gateway.credential_expired")
	// ErrSessionAlreadyBound indicates a second BindSession without releasing
	// the first; duplicate bindings would double-trigger sign-out.
	ErrSessionAlreadyBound = errors.New("gateway.session_already_bound")
	// ErrEmptyBaseURL indicates missing backend configuration.
	ErrEmptyBaseURL = errors.New("gateway.empty_base_url")
)

// SessionControl is the slice of the session store the gateway consumes: the
// latest principal for policy evaluation, forced sign-out, and the state
// stream that resets the expiry latch after a fresh sign-in.
type SessionControl interface {
	Snapshot() session.Snapshot
	SignOut(ctx context.Context) error
	SubscribeState(observer func(session.Snapshot)) func()
}

// Gateway attaches the server credential to outbound requests and applies
// the response recovery policy.
type Gateway struct {
	baseURL     *url.URL
	httpClient  *http.Client
	jar         http.CookieJar
	credentials credstore.Store
	logger      *zap.Logger
	recorder    metrics.Recorder

	mutex        sync.Mutex
	control      SessionControl
	releaseState func()
	expiredLatch atomic.Bool
}

// New builds a Gateway for the backend base URL. The credential store is
// optional; when present, jars are persisted across restarts.
func New(baseURL string, credentials credstore.Store, logger *zap.Logger, recorder metrics.Recorder) (*Gateway, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("gateway.new: %w", ErrEmptyBaseURL)
	}
	parsed, parseErr := url.Parse(baseURL)
	if parseErr != nil {
		return nil, fmt.Errorf("gateway.new.parse_base_url: %w", parseErr)
	}
	jar, jarErr := cookiejar.New(nil)
	if jarErr != nil {
		return nil, fmt.Errorf("gateway.new.cookie_jar: %w", jarErr)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = metrics.NewCounterMetrics()
	}
	return &Gateway{
		baseURL: parsed,
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
		},
		jar:         jar,
		credentials: credentials,
		logger:      logger,
		recorder:    recorder,
	}, nil
}

// BindSession registers the session store with the response interceptor and
// returns the release function. The binding is unique: remounting without
// releasing is an error, so a genuine expiry can only ever trigger one
// sign-out.
func (gateway *Gateway) BindSession(control SessionControl) (func(), error) {
	gateway.mutex.Lock()
	if gateway.control != nil {
		gateway.mutex.Unlock()
		return nil, ErrSessionAlreadyBound
	}
	gateway.control = control
	gateway.mutex.Unlock()

	releaseState := control.SubscribeState(gateway.observeState)
	gateway.mutex.Lock()
	gateway.releaseState = releaseState
	gateway.mutex.Unlock()

	release := func() {
		gateway.mutex.Lock()
		stateRelease := gateway.releaseState
		gateway.control = nil
		gateway.releaseState = nil
		gateway.mutex.Unlock()
		if stateRelease != nil {
			stateRelease()
		}
	}
	return release, nil
}

// observeState re-arms the expiry latch after a fresh sign-in and restores a
// persisted credential jar for the reported principal.
func (gateway *Gateway) observeState(snapshot session.Snapshot) {
	if snapshot.Status != session.StatusAuthenticated {
		return
	}
	gateway.expiredLatch.Store(false)
	gateway.restoreCredential(snapshot.Principal.ID)
}

// Do issues one request against the backend. Network failures surface
// unchanged and never trigger sign-out; the 401/403 policy is evaluated
// against the latest principal at response time.
func (gateway *Gateway) Do(ctx context.Context, method string, path string, body io.Reader) (*http.Response, error) {
	pathOnly, rawQuery, _ := strings.Cut(path, "?")
	target := gateway.baseURL.JoinPath(pathOnly)
	target.RawQuery = rawQuery
	request, requestErr := http.NewRequestWithContext(ctx, method, target.String(), body)
	if requestErr != nil {
		return nil, fmt.Errorf("gateway.request.build: %w", requestErr)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, doErr := gateway.httpClient.Do(request)
	if doErr != nil {
		// A dead network must not look like an expired session.
		return nil, fmt.Errorf("gateway.request: %w", doErr)
	}

	switch response.StatusCode {
	case http.StatusUnauthorized:
		return gateway.handleUnauthorized(ctx, pathOnly, response)
	case http.StatusForbidden:
		// Principal is valid but lacks permission; a view concern, never a
		// session concern.
		return response, nil
	default:
		return response, nil
	}
}

func (gateway *Gateway) handleUnauthorized(ctx context.Context, path string, response *http.Response) (*http.Response, error) {
	if IsDataEndpoint(path) {
		gateway.recorder.Increment("gateway.data_endpoint_401")
		return response, nil
	}

	gateway.mutex.Lock()
	control := gateway.control
	gateway.mutex.Unlock()
	if control == nil {
		return response, nil
	}
	snapshot := control.Snapshot()
	if snapshot.Status != session.StatusAuthenticated {
		return response, nil
	}
	if !gateway.expiredLatch.CompareAndSwap(false, true) {
		// A sign-out for this expiry is already underway.
		return response, nil
	}

	gateway.recorder.Increment("gateway.forced_sign_out")
	gateway.logger.Warn("server credential expired, forcing sign-out",
		zap.String("code", "gateway.credential_expired"),
		zap.String("path", path))
	if signOutErr := control.SignOut(ctx); signOutErr != nil {
		gateway.logger.Error("forced sign-out failed",
			zap.String("code", "gateway.forced_sign_out_failed"),
			zap.Error(signOutErr))
	}
	return response, fmt.Errorf("gateway.unauthorized.%s: %w", path, ErrCredentialExpired)
}

type storedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PersistCredential snapshots the jar's backend cookies for the principal.
func (gateway *Gateway) PersistCredential(ctx context.Context, principalID string) error {
	if gateway.credentials == nil {
		return nil
	}
	cookies := gateway.jar.Cookies(gateway.baseURL)
	if len(cookies) == 0 {
		return nil
	}
	stored := make([]storedCookie, 0, len(cookies))
	for _, cookie := range cookies {
		stored = append(stored, storedCookie{Name: cookie.Name, Value: cookie.Value})
	}
	encoded, encodeErr := json.Marshal(stored)
	if encodeErr != nil {
		return fmt.Errorf("gateway.persist_credential.encode: %w", encodeErr)
	}
	if saveErr := gateway.credentials.Save(ctx, principalID, encoded); saveErr != nil {
		return fmt.Errorf("gateway.persist_credential: %w", saveErr)
	}
	return nil
}

// DropCredential removes the persisted snapshot and empties the jar.
func (gateway *Gateway) DropCredential(ctx context.Context, principalID string) error {
	expired := make([]*http.Cookie, 0)
	for _, cookie := range gateway.jar.Cookies(gateway.baseURL) {
		expired = append(expired, &http.Cookie{Name: cookie.Name, Value: "", MaxAge: -1})
	}
	gateway.jar.SetCookies(gateway.baseURL, expired)
	if gateway.credentials == nil || strings.TrimSpace(principalID) == "" {
		return nil
	}
	if deleteErr := gateway.credentials.Delete(ctx, principalID); deleteErr != nil {
		return fmt.Errorf("gateway.drop_credential: %w", deleteErr)
	}
	return nil
}

func (gateway *Gateway) restoreCredential(principalID string) {
	if gateway.credentials == nil {
		return
	}
	if len(gateway.jar.Cookies(gateway.baseURL)) > 0 {
		return
	}
	encoded, loadErr := gateway.credentials.Load(context.Background(), principalID)
	if loadErr != nil {
		if !errors.Is(loadErr, credstore.ErrCredentialNotFound) {
			gateway.logger.Warn("credential restore failed",
				zap.String("code", "gateway.restore_failed"),
				zap.Error(loadErr))
		}
		return
	}
	var stored []storedCookie
	if decodeErr := json.Unmarshal(encoded, &stored); decodeErr != nil {
		gateway.logger.Warn("credential snapshot corrupt",
			zap.String("code", "gateway.restore_corrupt"),
			zap.Error(decodeErr))
		return
	}
	restored := make([]*http.Cookie, 0, len(stored))
	for _, cookie := range stored {
		restored = append(restored, &http.Cookie{Name: cookie.Name, Value: cookie.Value, Path: "/"})
	}
	gateway.jar.SetCookies(gateway.baseURL, restored)
}
