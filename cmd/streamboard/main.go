package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/streamboard/internal/authkit"
	"github.com/tyemirov/streamboard/internal/boards"
	"github.com/tyemirov/streamboard/internal/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "streamboard",
		Short:         "Streamboard token API and session-guarded API client",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().String("base_url", "http://localhost:8080", "Streamboard API base URL used by client commands")
	rootCmd.PersistentFlags().String("credentials_url", "sqlite://streamboard-credentials.db", "Credential storage URL for client commands (sqlite:// or postgres://)")
	rootCmd.PersistentFlags().Duration("refresh_timeout", 10*time.Second, "Upper bound for a single access token refresh")

	_ = viper.BindPFlag("base_url", rootCmd.PersistentFlags().Lookup("base_url"))
	_ = viper.BindPFlag("credentials_url", rootCmd.PersistentFlags().Lookup("credentials_url"))
	_ = viper.BindPFlag("refresh_timeout", rootCmd.PersistentFlags().Lookup("refresh_timeout"))

	rootCmd.AddCommand(newServeCommand(), newLoginCommand(), newLogoutCommand(), newGetCommand())

	viper.SetEnvPrefix("STREAMBOARD")
	viper.AutomaticEnv()

	return rootCmd
}

func newServeCommand() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the token API with bearer-protected account and streamboard endpoints",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	serveCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	serveCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access tokens")
	serveCmd.Flags().Duration("access_ttl", 5*time.Minute, "Access token TTL")
	serveCmd.Flags().Duration("refresh_ttl", 24*time.Hour, "Refresh token TTL")
	serveCmd.Flags().String("database_url", "", "Database URL for refresh tokens and streamboards (postgres:// or sqlite://; leave empty for in-memory storage)")
	serveCmd.Flags().String("demo_username", "", "Username registered at startup; empty disables the demo account")
	serveCmd.Flags().String("demo_password", "", "Password for the demo account")
	serveCmd.Flags().Bool("enable_cors", false, "Enable CORS for browser clients")
	serveCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	for _, name := range []string{"listen_addr", "jwt_signing_key", "access_ttl", "refresh_ttl", "database_url", "demo_username", "demo_password", "enable_cors", "cors_allowed_origins"} {
		_ = viper.BindPFlag(name, serveCmd.Flags().Lookup(name))
	}

	return serveCmd
}

const (
	accessTokenIssuer = "streamboard"

	inMemoryBoardsURL = "sqlite://file::memory:?cache=shared"

	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidDemoAccount      = "config.invalid_demo_account"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

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

// LoadServerConfig validates the serve settings and builds the token configuration.
func LoadServerConfig() (authkit.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	if viper.GetString("demo_username") != "" && viper.GetString("demo_password") == "" {
		return authkit.ServerConfig{}, configError(configCodeInvalidDemoAccount, "demo_password must be provided with demo_username")
	}

	return authkit.ServerConfig{
		AccessTokenSigningKey: []byte(jwtSigningKey),
		AccessTokenIssuer:     accessTokenIssuer,
		AccessTTL:             accessTTL,
		RefreshTTL:            refreshTTL,
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
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")

	var refreshStore authkit.RefreshTokenStore
	if databaseURL != "" {
		persistentStore, storeErr := authkit.NewDatabaseRefreshTokenStore(commandContext, databaseURL)
		if storeErr != nil {
			return storeErr
		}
		refreshStore = persistentStore
		logger.Info("using persistent refresh token store", zap.String("driver", persistentStore.Driver()))
	} else {
		refreshStore = authkit.NewMemoryRefreshTokenStore()
		logger.Info("using in-memory refresh token store")
	}

	boardsURL := databaseURL
	if boardsURL == "" {
		boardsURL = inMemoryBoardsURL
	}
	boardStore, boardsErr := boards.NewStore(commandContext, boardsURL, authkit.NewSystemClock())
	if boardsErr != nil {
		return boardsErr
	}
	logger.Info("using streamboard store", zap.String("driver", boardStore.Driver()))

	userStore := web.NewInMemoryUsers()
	if demoUsername := viper.GetString("demo_username"); demoUsername != "" {
		if _, registerErr := userStore.Register(commandContext, demoUsername, demoUsername+"@localhost", viper.GetString("demo_password")); registerErr != nil {
			return fmt.Errorf("%s: %w", configCodeInvalidDemoAccount, registerErr)
		}
		logger.Info("registered demo account", zap.String("username", demoUsername))
	}

	router, routerErr := newServerRouter(serverConfig, serverDependencies{
		Logger:             logger,
		Users:              userStore,
		RefreshTokens:      refreshStore,
		Boards:             boardStore,
		Clock:              authkit.NewSystemClock(),
		Registry:           prometheus.NewRegistry(),
		EnableCORS:         viper.GetBool("enable_cors"),
		CORSAllowedOrigins: viper.GetStringSlice("cors_allowed_origins"),
	})
	if routerErr != nil {
		return routerErr
	}

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

type serverDependencies struct {
	Logger             *zap.Logger
	Users              *web.InMemoryUsers
	RefreshTokens      authkit.RefreshTokenStore
	Boards             boards.BoardStore
	Clock              authkit.Clock
	Registry           *prometheus.Registry
	EnableCORS         bool
	CORSAllowedOrigins []string
}

func newServerRouter(serverConfig authkit.ServerConfig, dependencies serverDependencies) (*gin.Engine, error) {
	metricsRecorder, metricsErr := authkit.NewPrometheusMetrics(dependencies.Registry)
	if metricsErr != nil {
		return nil, fmt.Errorf("metrics.register: %w", metricsErr)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(dependencies.Logger))

	if dependencies.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(dependencies.Logger, dependencies.CORSAllowedOrigins)
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(dependencies.Registry, promhttp.HandlerOpts{})))

	authkit.MountTokenRoutes(router, serverConfig, authkit.Services{
		Users:         dependencies.Users,
		RefreshTokens: dependencies.RefreshTokens,
		Clock:         dependencies.Clock,
		Logger:        dependencies.Logger,
		Metrics:       metricsRecorder,
	})

	requireBearer := authkit.RequireBearer(serverConfig, dependencies.Clock, metricsRecorder)
	web.MountAccountRoutes(router, requireBearer, dependencies.Logger, dependencies.Users)
	if dependencies.Boards != nil {
		boards.MountRoutes(router, requireBearer, dependencies.Logger, dependencies.Boards)
	}

	return router, nil
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
