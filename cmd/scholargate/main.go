package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	playgroundvalidator "github.com/go-playground/validator/v10"
	"github.com/mprlab/scholargate/internal/backend"
	"github.com/mprlab/scholargate/internal/credstore"
	"github.com/mprlab/scholargate/internal/gateway"
	"github.com/mprlab/scholargate/internal/guard"
	"github.com/mprlab/scholargate/internal/identity"
	"github.com/mprlab/scholargate/internal/identity/devprovider"
	"github.com/mprlab/scholargate/internal/metrics"
	"github.com/mprlab/scholargate/internal/principal"
	"github.com/mprlab/scholargate/internal/role"
	"github.com/mprlab/scholargate/internal/session"
	"github.com/mprlab/scholargate/internal/web"
	"github.com/mprlab/scholargate/pkg/clientsession"
	webassets "github.com/mprlab/scholargate/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildFederatedVerifier = func(ctx context.Context, webClientID string) (identity.FederatedVerifier, error) {
	return identity.NewGoogleVerifier(ctx, webClientID)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "scholargate",
		Short:   "Session, identity-resolution, and route-authorization gateway for the scholarship marketplace",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("backend_base_url", "", "Base URL of the scholarship data API")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID for federated sign-in")
	rootCmd.Flags().String("client_signing_key", "", "HS256 signing secret for the browser-binding cookie")
	rootCmd.Flags().Duration("client_cookie_ttl", 30*24*time.Hour, "Browser-binding cookie TTL")
	rootCmd.Flags().Duration("session_idle_ttl", 30*time.Minute, "Idle TTL before a client session store is retired")
	rootCmd.Flags().Duration("role_cache_ttl", 5*time.Minute, "Freshness window for resolved roles")
	rootCmd.Flags().Duration("nonce_ttl", 5*time.Minute, "Nonce lifetime for federated sign-in exchanges")
	rootCmd.Flags().String("credential_store_url", "", "Credential snapshot store URL (postgres:// or sqlite://; leave empty for in-memory)")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP cookies for local dev")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin frontends")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")
	rootCmd.Flags().Float64("auth_rate_limit", 5, "Auth mutations allowed per second per client address")
	rootCmd.Flags().Int("auth_rate_burst", 10, "Auth mutation burst per client address")

	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("backend_base_url", rootCmd.Flags().Lookup("backend_base_url"))
	_ = viper.BindPFlag("google_web_client_id", rootCmd.Flags().Lookup("google_web_client_id"))
	_ = viper.BindPFlag("client_signing_key", rootCmd.Flags().Lookup("client_signing_key"))
	_ = viper.BindPFlag("client_cookie_ttl", rootCmd.Flags().Lookup("client_cookie_ttl"))
	_ = viper.BindPFlag("session_idle_ttl", rootCmd.Flags().Lookup("session_idle_ttl"))
	_ = viper.BindPFlag("role_cache_ttl", rootCmd.Flags().Lookup("role_cache_ttl"))
	_ = viper.BindPFlag("nonce_ttl", rootCmd.Flags().Lookup("nonce_ttl"))
	_ = viper.BindPFlag("credential_store_url", rootCmd.Flags().Lookup("credential_store_url"))
	_ = viper.BindPFlag("dev_insecure_http", rootCmd.Flags().Lookup("dev_insecure_http"))
	_ = viper.BindPFlag("enable_cors", rootCmd.Flags().Lookup("enable_cors"))
	_ = viper.BindPFlag("cors_allowed_origins", rootCmd.Flags().Lookup("cors_allowed_origins"))
	_ = viper.BindPFlag("auth_rate_limit", rootCmd.Flags().Lookup("auth_rate_limit"))
	_ = viper.BindPFlag("auth_rate_burst", rootCmd.Flags().Lookup("auth_rate_burst"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	clientCookieIssuer = "scholargate"

	configCodeMissingBackendBaseURL   = "config.missing_backend_base_url"
	configCodeMissingGoogleClientID   = "config.missing_google_web_client_id"
	configCodeMissingClientSigningKey = "config.missing_client_signing_key"
	configCodeInvalidSessionIdleTTL   = "config.invalid_session_idle_ttl"
	configCodeInvalidRoleCacheTTL     = "config.invalid_role_cache_ttl"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeFederatedVerifierInit   = "config.federated_verifier_init"
	configCodeValidatorEngine         = "config.validator_engine"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

// ServerConfig carries the validated startup configuration.
type ServerConfig struct {
	BackendBaseURL    string
	GoogleWebClientID string
	ClientSigningKey  []byte
	ClientCookieTTL   time.Duration
	SessionIdleTTL    time.Duration
	RoleCacheTTL      time.Duration
	NonceTTL          time.Duration
}

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (ServerConfig, error) {
	backendBaseURL := viper.GetString("backend_base_url")
	if backendBaseURL == "" {
		return ServerConfig{}, configError(configCodeMissingBackendBaseURL, "backend_base_url must be provided")
	}

	googleWebClientID := viper.GetString("google_web_client_id")
	if googleWebClientID == "" {
		return ServerConfig{}, configError(configCodeMissingGoogleClientID, "google_web_client_id must be provided")
	}

	clientSigningKey := viper.GetString("client_signing_key")
	if clientSigningKey == "" {
		return ServerConfig{}, configError(configCodeMissingClientSigningKey, "client_signing_key must be provided")
	}

	sessionIdleTTL := viper.GetDuration("session_idle_ttl")
	if sessionIdleTTL <= 0 {
		return ServerConfig{}, configError(configCodeInvalidSessionIdleTTL, "session_idle_ttl must be greater than zero")
	}

	roleCacheTTL := viper.GetDuration("role_cache_ttl")
	if roleCacheTTL <= 0 {
		return ServerConfig{}, configError(configCodeInvalidRoleCacheTTL, "role_cache_ttl must be greater than zero")
	}

	clientCookieTTL := viper.GetDuration("client_cookie_ttl")
	if clientCookieTTL <= 0 {
		clientCookieTTL = clientsession.DefaultTTL
	}

	nonceTTL := 5 * time.Minute
	if configuredNonceTTL := viper.GetDuration("nonce_ttl"); configuredNonceTTL > 0 {
		nonceTTL = configuredNonceTTL
	}

	return ServerConfig{
		BackendBaseURL:    backendBaseURL,
		GoogleWebClientID: googleWebClientID,
		ClientSigningKey:  []byte(clientSigningKey),
		ClientCookieTTL:   clientCookieTTL,
		SessionIdleTTL:    sessionIdleTTL,
		RoleCacheTTL:      roleCacheTTL,
		NonceTTL:          nonceTTL,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	devInsecureHTTP := viper.GetBool("dev_insecure_http")
	credentialStoreURL := viper.GetString("credential_store_url")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	authRateLimit := viper.GetFloat64("auth_rate_limit")
	authRateBurst := viper.GetInt("auth_rate_burst")

	if ruleErr := registerPasswordRule(); ruleErr != nil {
		return ruleErr
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	registry := prometheus.NewRegistry()
	recorder, recorderErr := metrics.NewPrometheusRecorder(registry)
	if recorderErr != nil {
		return recorderErr
	}

	credentials, credentialsErr := buildCredentialStore(command.Context(), logger, credentialStoreURL)
	if credentialsErr != nil {
		return credentialsErr
	}

	verifier, verifierErr := buildFederatedVerifier(command.Context(), serverConfig.GoogleWebClientID)
	if verifierErr != nil {
		return fmt.Errorf("%s: %w", configCodeFederatedVerifierInit, verifierErr)
	}

	broker, brokerErr := clientsession.New(clientsession.Config{
		SigningKey: serverConfig.ClientSigningKey,
		Issuer:     clientCookieIssuer,
		TTL:        serverConfig.ClientCookieTTL,
		Secure:     !devInsecureHTTP,
	})
	if brokerErr != nil {
		return brokerErr
	}

	application := newApplication(applicationConfig{
		logger:         logger,
		recorder:       recorder,
		credentials:    credentials,
		directory:      devprovider.NewDirectory(verifier),
		nonces:         identity.NewMemoryNonceStore(serverConfig.NonceTTL),
		broker:         broker,
		backendBaseURL: serverConfig.BackendBaseURL,
		roleCacheTTL:   serverConfig.RoleCacheTTL,
		sessionIdleTTL: serverConfig.SessionIdleTTL,
		googleClientID: serverConfig.GoogleWebClientID,
	})
	defer application.Close()

	application.mountRoutes(router, registry, authRateLimit, authRateBurst)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func buildCredentialStore(ctx context.Context, logger *zap.Logger, credentialStoreURL string) (credstore.Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	trimmed := strings.TrimSpace(credentialStoreURL)
	if trimmed == "" {
		logger.Info("using in-memory credential store")
		return credstore.NewMemoryStore(), nil
	}
	if rest, found := strings.CutPrefix(trimmed, "pgx+"); found {
		pool, poolErr := credstore.BuildPool(ctx, rest)
		if poolErr != nil {
			return nil, poolErr
		}
		store, storeErr := credstore.NewPostgresStore(ctx, pool)
		if storeErr != nil {
			return nil, storeErr
		}
		logger.Info("using pgx credential store")
		return store, nil
	}
	store, storeErr := credstore.NewDatabaseStore(ctx, trimmed)
	if storeErr != nil {
		return nil, storeErr
	}
	logger.Info("using persistent credential store", zap.String("driver", store.Driver()))
	return store, nil
}

func registerPasswordRule() error {
	engine, ok := binding.Validator.Engine().(*playgroundvalidator.Validate)
	if !ok {
		return configError(configCodeValidatorEngine, "gin binding validator engine unavailable")
	}
	return engine.RegisterValidation("credentialpassword", func(field playgroundvalidator.FieldLevel) bool {
		return len(field.Field().String()) >= 8
	})
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}

func rateLimitMiddleware(limit float64, burst int) gin.HandlerFunc {
	var mutex sync.Mutex
	limiters := make(map[string]*rate.Limiter)
	return func(contextGin *gin.Context) {
		clientAddress := contextGin.ClientIP()
		mutex.Lock()
		limiter, found := limiters[clientAddress]
		if !found {
			limiter = rate.NewLimiter(rate.Limit(limit), burst)
			limiters[clientAddress] = limiter
		}
		mutex.Unlock()
		if !limiter.Allow() {
			contextGin.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "auth.rate_limited"})
			return
		}
		contextGin.Next()
	}
}

var errMissingClientBinding = errors.New("main.missing_client_binding")

type applicationConfig struct {
	logger         *zap.Logger
	recorder       metrics.Recorder
	credentials    credstore.Store
	directory      *devprovider.Directory
	nonces         identity.NonceStore
	broker         *clientsession.Broker
	backendBaseURL string
	roleCacheTTL   time.Duration
	sessionIdleTTL time.Duration
	googleClientID string
}

// clientRuntime bundles the per-browser components: the session store, the
// gateway holding its cookie jar, the typed backend client, and the role
// resolver.
type clientRuntime struct {
	store   *session.Store
	gateway *gateway.Gateway
	backend *backend.Client
	roles   *role.Resolver
}

type application struct {
	logger         *zap.Logger
	recorder       metrics.Recorder
	credentials    credstore.Store
	directory      *devprovider.Directory
	nonces         identity.NonceStore
	broker         *clientsession.Broker
	backendBaseURL string
	roleCacheTTL   time.Duration
	googleClientID string

	manager *session.Manager

	mutex    sync.Mutex
	runtimes map[string]*clientRuntime
}

func newApplication(config applicationConfig) *application {
	app := &application{
		logger:         config.logger,
		recorder:       config.recorder,
		credentials:    config.credentials,
		directory:      config.directory,
		nonces:         config.nonces,
		broker:         config.broker,
		backendBaseURL: config.backendBaseURL,
		roleCacheTTL:   config.roleCacheTTL,
		googleClientID: config.googleClientID,
		runtimes:       make(map[string]*clientRuntime),
	}
	app.manager = session.NewManager(app.buildStore, config.sessionIdleTTL, config.logger)
	return app
}

// Close retires every client session store.
func (app *application) Close() {
	app.manager.Close()
}

// buildStore assembles the per-client component stack. The gateway binding
// and the runtime registration are released through the store's closers, so
// a swept store takes its companions with it.
func (app *application) buildStore(clientID string) (*session.Store, error) {
	clientGateway, gatewayErr := gateway.New(app.backendBaseURL, app.credentials, app.logger, app.recorder)
	if gatewayErr != nil {
		return nil, gatewayErr
	}
	backendClient := backend.New(clientGateway, app.logger)
	resolver, resolverErr := role.New(backendClient, app.roleCacheTTL, app.logger)
	if resolverErr != nil {
		return nil, resolverErr
	}
	store := session.New(app.directory.NewSession(), backendClient, app.logger)
	releaseBinding, bindErr := clientGateway.BindSession(store)
	if bindErr != nil {
		store.Close()
		return nil, bindErr
	}

	runtime := &clientRuntime{
		store:   store,
		gateway: clientGateway,
		backend: backendClient,
		roles:   resolver,
	}
	app.mutex.Lock()
	app.runtimes[clientID] = runtime
	app.mutex.Unlock()

	store.AddCloser(func() {
		releaseBinding()
		app.mutex.Lock()
		if app.runtimes[clientID] == runtime {
			delete(app.runtimes, clientID)
		}
		app.mutex.Unlock()
	})
	return store, nil
}

func (app *application) runtimeFor(contextGin *gin.Context) (*clientRuntime, error) {
	clientID := clientsession.ClientID(contextGin, "")
	if clientID == "" {
		return nil, errMissingClientBinding
	}
	store, acquireErr := app.manager.Acquire(clientID)
	if acquireErr != nil {
		return nil, acquireErr
	}
	app.mutex.Lock()
	runtime := app.runtimes[clientID]
	app.mutex.Unlock()
	if runtime == nil || runtime.store != store {
		return nil, fmt.Errorf("main.runtime_missing: client %s", clientID)
	}
	return runtime, nil
}

func (app *application) invalidateRole(email string) {
	app.mutex.Lock()
	resolvers := make([]*role.Resolver, 0, len(app.runtimes))
	for _, runtime := range app.runtimes {
		resolvers = append(resolvers, runtime.roles)
	}
	app.mutex.Unlock()
	for _, resolver := range resolvers {
		resolver.Invalidate(email)
	}
}

func (app *application) mountRoutes(router *gin.Engine, registry *prometheus.Registry, authRateLimit float64, authRateBurst int) {
	router.Use(app.broker.GinMiddleware(""))

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	router.GET("/static/session-client.js", func(contextGin *gin.Context) {
		web.ServeEmbeddedScript(contextGin, webassets.FS, "session-client.js")
	})
	router.GET("/static/config.js", func(contextGin *gin.Context) {
		web.ServeBootstrapConfig(contextGin, web.BootstrapConfig{GoogleClientID: app.googleClientID})
	})

	router.GET("/session/state", web.HandleSessionState(app.logger, app.sessionStateSnapshot))
	router.GET("/login", app.handleSignInPage)
	router.GET("/register", app.handleRegisterPage)

	authGroup := router.Group("/auth")
	authGroup.Use(rateLimitMiddleware(authRateLimit, authRateBurst))
	authGroup.POST("/register", app.handleRegister)
	authGroup.POST("/login", app.handleLogin)
	authGroup.GET("/google/nonce", app.handleGoogleNonce)
	authGroup.POST("/google", app.handleGoogleSignIn)
	authGroup.POST("/logout", app.handleLogout)

	gate := guard.NewGate(app.guardSnapshot, app.guardRole, app.handleLoadingPage, app.logger, app.recorder)
	router.GET("/dashboard", gate.RequireSession(), app.handleDashboard)

	moderatorGroup := router.Group("/moderator")
	moderatorGroup.Use(gate.RequireRole(principal.RoleModerator))
	moderatorGroup.GET("/queue", app.handleModeratorQueue)

	adminGroup := router.Group("/admin")
	adminGroup.Use(gate.RequireRole(principal.RoleAdmin))
	adminGroup.GET("/users", app.handleAdminUsers)
	adminGroup.PATCH("/users/:email/role", app.handleUpdateRole)

	apiGroup := router.Group("/api")
	apiGroup.Use(gate.RequireSession())
	apiGroup.Any("/*path", app.handleProxy)
}
