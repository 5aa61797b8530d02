package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mprlab/scholargate/internal/identity"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	logger, err := zap.NewProduction()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	router := gin.New()
	router.Use(zapLoggerMiddleware(logger))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestRunServerMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigRequiresBackendBaseURL(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("google_web_client_id", "client")
	viper.Set("client_signing_key", "signing-secret")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatalf("expected error when backend_base_url is missing")
	}
	expectedMessage := "config.missing_backend_base_url: backend_base_url must be provided"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigRequiresGoogleClientID(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("backend_base_url", "https://api.example")
	viper.Set("client_signing_key", "signing-secret")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatalf("expected error when google_web_client_id is missing")
	}
	expectedMessage := "config.missing_google_web_client_id: google_web_client_id must be provided"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigRequiresSigningKey(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("backend_base_url", "https://api.example")
	viper.Set("google_web_client_id", "client")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatalf("expected error when client_signing_key is missing")
	}
	expectedMessage := "config.missing_client_signing_key: client_signing_key must be provided"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigRequiresPositiveIdleTTL(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("backend_base_url", "https://api.example")
	viper.Set("google_web_client_id", "client")
	viper.Set("client_signing_key", "signing-secret")
	viper.Set("session_idle_ttl", 0)

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatalf("expected error when session_idle_ttl is non-positive")
	}
	expectedMessage := "config.invalid_session_idle_ttl: session_idle_ttl must be greater than zero"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestRunServerVerifierInitFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreVerifier := withFederatedVerifierStub(func(ctx context.Context, webClientID string) (identity.FederatedVerifier, error) {
		return nil, errors.New("verifier_fail")
	})
	defer restoreVerifier()

	viper.Set("listen_addr", ":0")
	viper.Set("backend_base_url", "https://api.example")
	viper.Set("google_web_client_id", "client")
	viper.Set("client_signing_key", "signing-secret")
	viper.Set("session_idle_ttl", time.Minute)
	viper.Set("role_cache_ttl", time.Minute)

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}

	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))

	if err := runServer(command, nil); err == nil || err.Error() != "config.federated_verifier_init: verifier_fail" {
		t.Fatalf("expected verifier init error, got %v", err)
	}
}

func TestRunServerSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		if server.Handler == nil {
			t.Fatalf("expected handler to be configured")
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreVerifier := withFederatedVerifierStub(func(ctx context.Context, webClientID string) (identity.FederatedVerifier, error) {
		return stubVerifier{}, nil
	})
	defer restoreVerifier()

	viper.Set("listen_addr", ":0")
	viper.Set("backend_base_url", "https://api.example")
	viper.Set("google_web_client_id", "client")
	viper.Set("client_signing_key", "signing-secret")
	viper.Set("session_idle_ttl", time.Minute)
	viper.Set("role_cache_ttl", time.Minute)
	viper.Set("credential_store_url", "sqlite://file::memory:?cache=shared")
	viper.Set("dev_insecure_http", true)
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"http://localhost"})

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}

	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))

	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
}

func TestRunServerInMemoryCredentialStore(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreVerifier := withFederatedVerifierStub(func(ctx context.Context, webClientID string) (identity.FederatedVerifier, error) {
		return stubVerifier{}, nil
	})
	defer restoreVerifier()

	viper.Set("listen_addr", ":0")
	viper.Set("backend_base_url", "https://api.example")
	viper.Set("google_web_client_id", "client")
	viper.Set("client_signing_key", "signing-secret")
	viper.Set("session_idle_ttl", time.Minute)
	viper.Set("role_cache_ttl", time.Minute)
	viper.Set("dev_insecure_http", true)

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}

	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))

	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed with in-memory store, got %v", err)
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}

func withFederatedVerifierStub(stub func(ctx context.Context, webClientID string) (identity.FederatedVerifier, error)) func() {
	previous := buildFederatedVerifier
	buildFederatedVerifier = stub
	return func() {
		buildFederatedVerifier = previous
	}
}
