package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/mprlab/scholargate/internal/credstore"
	"github.com/mprlab/scholargate/internal/metrics"
	"github.com/mprlab/scholargate/internal/principal"
	"github.com/mprlab/scholargate/internal/session"
	"go.uber.org/zap/zaptest"
)

// fakeControl mimics the session store: an assignable snapshot plus a
// sign-out counter. SignOut flips the snapshot to anonymous like a provider
// notification would.
type fakeControl struct {
	mutex        sync.Mutex
	snapshot     session.Snapshot
	signOutCalls int
	observers    []func(session.Snapshot)
}

func (control *fakeControl) Snapshot() session.Snapshot {
	control.mutex.Lock()
	defer control.mutex.Unlock()
	return control.snapshot
}

func (control *fakeControl) SignOut(ctx context.Context) error {
	control.mutex.Lock()
	control.signOutCalls++
	control.snapshot = session.Snapshot{Status: session.StatusAnonymous}
	observers := append([]func(session.Snapshot){}, control.observers...)
	snapshot := control.snapshot
	control.mutex.Unlock()
	for _, observer := range observers {
		observer(snapshot)
	}
	return nil
}

func (control *fakeControl) SubscribeState(observer func(session.Snapshot)) func() {
	control.mutex.Lock()
	control.observers = append(control.observers, observer)
	snapshot := control.snapshot
	control.mutex.Unlock()
	observer(snapshot)
	return func() {}
}

func (control *fakeControl) setAuthenticated(subject *principal.Principal) {
	control.mutex.Lock()
	control.snapshot = session.Snapshot{Status: session.StatusAuthenticated, Principal: subject}
	observers := append([]func(session.Snapshot){}, control.observers...)
	snapshot := control.snapshot
	control.mutex.Unlock()
	for _, observer := range observers {
		observer(snapshot)
	}
}

func (control *fakeControl) signOuts() int {
	control.mutex.Lock()
	defer control.mutex.Unlock()
	return control.signOutCalls
}

func newBoundGateway(t *testing.T, backendURL string) (*Gateway, *fakeControl, *metrics.CounterMetrics) {
	t.Helper()
	recorder := metrics.NewCounterMetrics()
	gateway, newErr := New(backendURL, nil, zaptest.NewLogger(t), recorder)
	if newErr != nil {
		t.Fatalf("gateway construction failed: %v", newErr)
	}
	control := &fakeControl{snapshot: session.Snapshot{Status: session.StatusAnonymous}}
	release, bindErr := gateway.BindSession(control)
	if bindErr != nil {
		t.Fatalf("bind failed: %v", bindErr)
	}
	t.Cleanup(release)
	return gateway, control, recorder
}

func respondWithStatus(status int) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(status)
	}
}

func TestIsDataEndpoint(t *testing.T) {
	dataPaths := []string{"/users/role/a@x.com", "/orders/abc", "/scholarship", "/carts/9", "/checkout", "/payments", "/create-payment-intent", "/all-users", "/scholar/moderator/5"}
	for _, path := range dataPaths {
		if !IsDataEndpoint(path) {
			t.Fatalf("expected %q to be a data endpoint", path)
		}
	}
	if IsDataEndpoint("/admin/stats") {
		t.Fatalf("/admin/stats must not be a data endpoint")
	}
}

func TestNetworkErrorNeverTriggersSignOut(t *testing.T) {
	server := httptest.NewServer(respondWithStatus(http.StatusOK))
	backendURL := server.URL
	server.Close() // connections now fail outright

	gateway, control, _ := newBoundGateway(t, backendURL)
	control.setAuthenticated(&principal.Principal{ID: "local:1", Email: "a@x.com"})

	_, doErr := gateway.Do(context.Background(), http.MethodGet, "/admin/stats", nil)
	if doErr == nil {
		t.Fatalf("expected network error")
	}
	if errors.Is(doErr, ErrCredentialExpired) {
		t.Fatalf("network failure must not look like an expired session")
	}
	if control.signOuts() != 0 {
		t.Fatalf("network failure triggered sign-out")
	}
}

func TestDataEndpoint401IsSurfacedWithoutSignOut(t *testing.T) {
	server := httptest.NewServer(respondWithStatus(http.StatusUnauthorized))
	defer server.Close()

	gateway, control, _ := newBoundGateway(t, server.URL)
	control.setAuthenticated(&principal.Principal{ID: "local:1", Email: "a@x.com"})

	response, doErr := gateway.Do(context.Background(), http.MethodGet, "/orders/abc", nil)
	if doErr != nil {
		t.Fatalf("data endpoint 401 must surface without escalation, got %v", doErr)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected the 401 to reach the caller, got %d", response.StatusCode)
	}
	if control.signOuts() != 0 {
		t.Fatalf("data endpoint 401 triggered sign-out")
	}
}

func TestNonDataEndpoint401ForcesSingleSignOut(t *testing.T) {
	server := httptest.NewServer(respondWithStatus(http.StatusUnauthorized))
	defer server.Close()

	gateway, control, recorder := newBoundGateway(t, server.URL)
	control.setAuthenticated(&principal.Principal{ID: "local:1", Email: "a@x.com"})

	response, doErr := gateway.Do(context.Background(), http.MethodGet, "/admin/stats", nil)
	if !errors.Is(doErr, ErrCredentialExpired) {
		t.Fatalf("expected ErrCredentialExpired, got %v", doErr)
	}
	_ = response.Body.Close()
	if control.signOuts() != 1 {
		t.Fatalf("expected exactly one sign-out, got %d", control.signOuts())
	}
	if recorder.Count("gateway.forced_sign_out") != 1 {
		t.Fatalf("expected forced sign-out to be counted once")
	}
}

func TestBackToBack401sSignOutOnce(t *testing.T) {
	server := httptest.NewServer(respondWithStatus(http.StatusUnauthorized))
	defer server.Close()

	gateway, control, _ := newBoundGateway(t, server.URL)
	control.setAuthenticated(&principal.Principal{ID: "local:1", Email: "a@x.com"})

	first, firstErr := gateway.Do(context.Background(), http.MethodGet, "/scholarship", nil)
	if firstErr != nil {
		t.Fatalf("data endpoint 401 must be ignored, got %v", firstErr)
	}
	_ = first.Body.Close()
	if control.signOuts() != 0 {
		t.Fatalf("data endpoint 401 triggered sign-out")
	}

	second, secondErr := gateway.Do(context.Background(), http.MethodGet, "/admin/stats", nil)
	if !errors.Is(secondErr, ErrCredentialExpired) {
		t.Fatalf("expected escalation on non-data endpoint, got %v", secondErr)
	}
	_ = second.Body.Close()

	// A stale 401 racing the notification must not double-trigger.
	third, thirdErr := gateway.Do(context.Background(), http.MethodGet, "/admin/stats", nil)
	if thirdErr != nil && errors.Is(thirdErr, ErrCredentialExpired) {
		t.Fatalf("second escalation for the same expiry")
	}
	if third != nil {
		_ = third.Body.Close()
	}
	if control.signOuts() != 1 {
		t.Fatalf("expected exactly one sign-out, got %d", control.signOuts())
	}
}

func Test401WhileAnonymousIsSurfaced(t *testing.T) {
	server := httptest.NewServer(respondWithStatus(http.StatusUnauthorized))
	defer server.Close()

	gateway, control, _ := newBoundGateway(t, server.URL)

	response, doErr := gateway.Do(context.Background(), http.MethodGet, "/admin/stats", nil)
	if doErr != nil {
		t.Fatalf("anonymous 401 must surface without escalation, got %v", doErr)
	}
	_ = response.Body.Close()
	if control.signOuts() != 0 {
		t.Fatalf("anonymous 401 triggered sign-out")
	}
}

func Test403NeverSignsOut(t *testing.T) {
	server := httptest.NewServer(respondWithStatus(http.StatusForbidden))
	defer server.Close()

	gateway, control, _ := newBoundGateway(t, server.URL)
	control.setAuthenticated(&principal.Principal{ID: "local:1", Email: "a@x.com"})

	response, doErr := gateway.Do(context.Background(), http.MethodGet, "/admin/stats", nil)
	if doErr != nil {
		t.Fatalf("403 must surface without escalation, got %v", doErr)
	}
	_ = response.Body.Close()
	if response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 to reach the caller, got %d", response.StatusCode)
	}
	if control.signOuts() != 0 {
		t.Fatalf("403 triggered sign-out")
	}
}

func TestLatchRearmsAfterFreshSignIn(t *testing.T) {
	server := httptest.NewServer(respondWithStatus(http.StatusUnauthorized))
	defer server.Close()

	gateway, control, _ := newBoundGateway(t, server.URL)
	control.setAuthenticated(&principal.Principal{ID: "local:1", Email: "a@x.com"})

	first, _ := gateway.Do(context.Background(), http.MethodGet, "/admin/stats", nil)
	if first != nil {
		_ = first.Body.Close()
	}
	if control.signOuts() != 1 {
		t.Fatalf("expected first expiry to sign out")
	}

	control.setAuthenticated(&principal.Principal{ID: "local:1", Email: "a@x.com"})
	second, secondErr := gateway.Do(context.Background(), http.MethodGet, "/admin/stats", nil)
	if !errors.Is(secondErr, ErrCredentialExpired) {
		t.Fatalf("expected a new expiry to escalate after re-sign-in, got %v", secondErr)
	}
	_ = second.Body.Close()
	if control.signOuts() != 2 {
		t.Fatalf("expected second sign-out after fresh sign-in, got %d", control.signOuts())
	}
}

func TestBindSessionIsUnique(t *testing.T) {
	gateway, newErr := New("http://backend.local", nil, zaptest.NewLogger(t), nil)
	if newErr != nil {
		t.Fatalf("gateway construction failed: %v", newErr)
	}
	control := &fakeControl{}
	release, bindErr := gateway.BindSession(control)
	if bindErr != nil {
		t.Fatalf("first bind failed: %v", bindErr)
	}
	if _, secondErr := gateway.BindSession(control); !errors.Is(secondErr, ErrSessionAlreadyBound) {
		t.Fatalf("expected duplicate bind to fail, got %v", secondErr)
	}
	release()
	releaseAgain, rebindErr := gateway.BindSession(control)
	if rebindErr != nil {
		t.Fatalf("rebind after release failed: %v", rebindErr)
	}
	releaseAgain()
}

func TestCredentialPersistAndRestore(t *testing.T) {
	credentialServer := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		http.SetCookie(writer, &http.Cookie{Name: "api_token", Value: "opaque-credential", Path: "/"})
		writer.WriteHeader(http.StatusOK)
	}))
	defer credentialServer.Close()

	credentials := credstore.NewMemoryStore()
	firstGateway, firstErr := New(credentialServer.URL, credentials, zaptest.NewLogger(t), nil)
	if firstErr != nil {
		t.Fatalf("gateway construction failed: %v", firstErr)
	}
	response, doErr := firstGateway.Do(context.Background(), http.MethodPost, "/jwt", nil)
	if doErr != nil {
		t.Fatalf("credential exchange failed: %v", doErr)
	}
	_ = response.Body.Close()
	if err := firstGateway.PersistCredential(context.Background(), "local:1"); err != nil {
		t.Fatalf("persist failed: %v", err)
	}

	secondGateway, secondErr := New(credentialServer.URL, credentials, zaptest.NewLogger(t), nil)
	if secondErr != nil {
		t.Fatalf("gateway construction failed: %v", secondErr)
	}
	control := &fakeControl{}
	release, bindErr := secondGateway.BindSession(control)
	if bindErr != nil {
		t.Fatalf("bind failed: %v", bindErr)
	}
	defer release()
	control.setAuthenticated(&principal.Principal{ID: "local:1", Email: "a@x.com"})

	restored := secondGateway.jar.Cookies(secondGateway.baseURL)
	if len(restored) != 1 || restored[0].Name != "api_token" || restored[0].Value != "opaque-credential" {
		t.Fatalf("expected restored credential cookie, got %v", restored)
	}

	if err := secondGateway.DropCredential(context.Background(), "local:1"); err != nil {
		t.Fatalf("drop failed: %v", err)
	}
	if _, loadErr := credentials.Load(context.Background(), "local:1"); !errors.Is(loadErr, credstore.ErrCredentialNotFound) {
		t.Fatalf("expected persisted credential removed, got %v", loadErr)
	}
}
