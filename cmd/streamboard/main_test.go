package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/streamboard/internal/authclient"
	"github.com/tyemirov/streamboard/internal/authkit"
	"github.com/tyemirov/streamboard/internal/boards"
	"github.com/tyemirov/streamboard/internal/web"
	"go.uber.org/zap"
)

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	original := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = original
	}
}

type steppingClock struct {
	mutex   sync.Mutex
	current time.Time
}

func (clock *steppingClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *steppingClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

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

func TestLoadServerConfigValidation(t *testing.T) {
	tests := []struct {
		name            string
		settings        map[string]interface{}
		expectedMessage string
	}{
		{
			name:            "missing signing key",
			settings:        map[string]interface{}{"access_ttl": time.Minute, "refresh_ttl": time.Hour},
			expectedMessage: "config.missing_jwt_signing_key: jwt_signing_key must be provided",
		},
		{
			name:            "non-positive access ttl",
			settings:        map[string]interface{}{"jwt_signing_key": "signing-secret", "access_ttl": 0, "refresh_ttl": time.Hour},
			expectedMessage: "config.invalid_access_ttl: access_ttl must be greater than zero",
		},
		{
			name:            "non-positive refresh ttl",
			settings:        map[string]interface{}{"jwt_signing_key": "signing-secret", "access_ttl": time.Minute, "refresh_ttl": -time.Hour},
			expectedMessage: "config.invalid_refresh_ttl: refresh_ttl must be greater than zero",
		},
		{
			name:            "demo account without password",
			settings:        map[string]interface{}{"jwt_signing_key": "signing-secret", "access_ttl": time.Minute, "refresh_ttl": time.Hour, "demo_username": "streamer"},
			expectedMessage: "config.invalid_demo_account: demo_password must be provided with demo_username",
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			for key, value := range testCase.settings {
				viper.Set(key, value)
			}

			_, err := LoadServerConfig()
			if err == nil {
				t.Fatalf("expected configuration error")
			}
			if err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %q", testCase.expectedMessage, err.Error())
			}
		})
	}
}

func TestLoadServerConfigSuccess(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)

	serverConfig, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(serverConfig.AccessTokenSigningKey) != "signing-secret" || serverConfig.AccessTokenIssuer != accessTokenIssuer {
		t.Fatalf("unexpected config: %+v", serverConfig)
	}
	if serverConfig.AccessTTL != time.Minute || serverConfig.RefreshTTL != time.Hour {
		t.Fatalf("unexpected ttls: %+v", serverConfig)
	}
}

func TestRunServerWithPersistentStore(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	var servedAddr string
	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		servedAddr = server.Addr
		if server.Handler == nil {
			t.Fatalf("expected router to be installed")
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	viper.Set("listen_addr", ":0")
	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("database_url", "sqlite://"+filepath.Join(t.TempDir(), "refresh.db"))
	viper.Set("demo_username", "streamer")
	viper.Set("demo_password", "correct-horse")

	command := &cobra.Command{}
	command.SetContext(context.Background())
	if err := prepareServerConfig(command, nil); err != nil {
		t.Fatalf("prepare error: %v", err)
	}
	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
	if servedAddr != ":0" {
		t.Fatalf("expected listen address :0, got %q", servedAddr)
	}
}

func TestRunServerRejectsWeakDemoPassword(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		t.Fatalf("server must not start")
		return nil
	})
	defer restoreServe()

	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("demo_username", "streamer")
	viper.Set("demo_password", "short")

	command := &cobra.Command{}
	command.SetContext(context.Background())
	if err := prepareServerConfig(command, nil); err != nil {
		t.Fatalf("prepare error: %v", err)
	}
	err := runServer(command, nil)
	if err == nil || !errors.Is(err, web.ErrWeakPassword) {
		t.Fatalf("expected weak password error, got %v", err)
	}
}

func TestLoadClientConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	if _, err := LoadClientConfig(); err == nil || err.Error() != "config.missing_base_url: base_url must be provided" {
		t.Fatalf("expected missing base_url error, got %v", err)
	}

	viper.Set("base_url", "http://localhost:8080")
	if _, err := LoadClientConfig(); err == nil || err.Error() != "config.missing_credentials_url: credentials_url must be provided" {
		t.Fatalf("expected missing credentials_url error, got %v", err)
	}

	viper.Set("credentials_url", "sqlite://credentials.db")
	clientConfig, err := LoadClientConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if clientConfig.RefreshTimeout != 10*time.Second {
		t.Fatalf("expected default refresh timeout, got %v", clientConfig.RefreshTimeout)
	}
}

type commandFixture struct {
	server         *httptest.Server
	clock          *steppingClock
	boards         *boards.Store
	credentialsURL string
}

func newCommandFixture(t *testing.T) commandFixture {
	t.Helper()

	users := web.NewInMemoryUsers()
	if _, err := users.Register(context.Background(), "streamer", "streamer@example.com", "correct-horse"); err != nil {
		t.Fatalf("register error: %v", err)
	}
	clock := &steppingClock{current: time.Now().UTC()}
	boardStore, err := boards.NewStore(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "boards.db"), clock)
	if err != nil {
		t.Fatalf("boards store error: %v", err)
	}
	router, err := newServerRouter(authkit.ServerConfig{
		AccessTokenSigningKey: []byte("command-test-key"),
		AccessTokenIssuer:     accessTokenIssuer,
		AccessTTL:             5 * time.Minute,
		RefreshTTL:            time.Hour,
	}, serverDependencies{
		Logger:        zap.NewNop(),
		Users:         users,
		RefreshTokens: authkit.NewMemoryRefreshTokenStoreWithClock(clock),
		Boards:        boardStore,
		Clock:         clock,
		Registry:      prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("router error: %v", err)
	}
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return commandFixture{
		server:         server,
		clock:          clock,
		boards:         boardStore,
		credentialsURL: "sqlite://" + filepath.Join(t.TempDir(), "credentials.db"),
	}
}

func (fixture commandFixture) execute(t *testing.T, arguments ...string) (string, string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	rootCmd := newRootCommand()
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(append(arguments, "--base_url", fixture.server.URL, "--credentials_url", fixture.credentialsURL))
	err := rootCmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestCommandsRefreshExpiredSessionTransparently(t *testing.T) {
	fixture := newCommandFixture(t)

	stdout, _, err := fixture.execute(t, "login", "--username", "streamer", "--password", "correct-horse")
	if err != nil {
		t.Fatalf("login error: %v", err)
	}
	if !strings.Contains(stdout, "logged in as streamer") {
		t.Fatalf("unexpected login output %q", stdout)
	}

	stdout, _, err = fixture.execute(t, "get", "/api/profile/")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if !strings.Contains(stdout, `"username": "streamer"`) {
		t.Fatalf("unexpected profile output %q", stdout)
	}

	fixture.clock.Advance(10 * time.Minute)
	stdout, stderr, err := fixture.execute(t, "get", "/api/profile/")
	if err != nil {
		t.Fatalf("expected refreshed call to succeed, got %v", err)
	}
	if !strings.Contains(stdout, `"username": "streamer"`) {
		t.Fatalf("unexpected profile output %q", stdout)
	}
	if strings.Contains(stderr, "streamboard login") {
		t.Fatalf("expected no login prompt, got %q", stderr)
	}

	metricsResponse, err := http.Get(fixture.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics error: %v", err)
	}
	defer metricsResponse.Body.Close()
	metricsBody, _ := io.ReadAll(metricsResponse.Body)
	if !strings.Contains(string(metricsBody), `streamboard_auth_events_total{event="auth.refresh.succeeded"} 1`) {
		t.Fatalf("expected refresh counter in metrics output, got %s", metricsBody)
	}
}

func TestCommandsPromptLoginWhenSessionEnds(t *testing.T) {
	fixture := newCommandFixture(t)

	if _, _, err := fixture.execute(t, "login", "--username", "streamer", "--password", "correct-horse"); err != nil {
		t.Fatalf("login error: %v", err)
	}
	stdout, _, err := fixture.execute(t, "logout")
	if err != nil {
		t.Fatalf("logout error: %v", err)
	}
	if !strings.Contains(stdout, "logged out") {
		t.Fatalf("unexpected logout output %q", stdout)
	}

	_, stderr, err := fixture.execute(t, "get", "/api/profile/")
	if !errors.Is(err, authclient.ErrLoggedOut) {
		t.Fatalf("expected ErrLoggedOut, got %v", err)
	}
	if !strings.Contains(stderr, "run `streamboard login`") || !strings.Contains(stderr, "/login") {
		t.Fatalf("expected login prompt, got %q", stderr)
	}
}

func TestCommandsPromptLoginWhenRefreshTokenExpires(t *testing.T) {
	fixture := newCommandFixture(t)

	if _, _, err := fixture.execute(t, "login", "--username", "streamer", "--password", "correct-horse"); err != nil {
		t.Fatalf("login error: %v", err)
	}
	fixture.clock.Advance(2 * time.Hour)

	_, stderr, err := fixture.execute(t, "get", "/api/profile/")
	if !errors.Is(err, authclient.ErrLoggedOut) {
		t.Fatalf("expected ErrLoggedOut, got %v", err)
	}
	if strings.Count(stderr, "run `streamboard login`") != 1 {
		t.Fatalf("expected exactly one login prompt, got %q", stderr)
	}

	_, _, err = fixture.execute(t, "get", "/api/profile/")
	if !errors.Is(err, authclient.ErrLoggedOut) {
		t.Fatalf("expected credentials to stay cleared, got %v", err)
	}
}

func TestGetCommandReadsStreamboardAfterRefresh(t *testing.T) {
	fixture := newCommandFixture(t)
	board, err := fixture.boards.Create(context.Background(), "user:streamer", boards.Draft{
		Title:  "Friday stream",
		Layout: json.RawMessage(`[{"widget":"chat"}]`),
	})
	if err != nil {
		t.Fatalf("create board error: %v", err)
	}

	if _, _, err := fixture.execute(t, "login", "--username", "streamer", "--password", "correct-horse"); err != nil {
		t.Fatalf("login error: %v", err)
	}
	fixture.clock.Advance(10 * time.Minute)

	stdout, _, err := fixture.execute(t, "get", "/api/streamboard/"+board.ID+"/")
	if err != nil {
		t.Fatalf("expected refreshed board read to succeed, got %v", err)
	}
	if !strings.Contains(stdout, `"title": "Friday stream"`) || !strings.Contains(stdout, `"widget": "chat"`) {
		t.Fatalf("unexpected board output %q", stdout)
	}
}

func TestServerRouterServesSignup(t *testing.T) {
	fixture := newCommandFixture(t)

	response, err := http.Post(fixture.server.URL+"/api/signup/", "application/json", strings.NewReader(`{"username":"viewer","password":"long-enough"}`))
	if err != nil {
		t.Fatalf("signup error: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 from signup, got %d", response.StatusCode)
	}

	stdout, _, err := fixture.execute(t, "login", "--username", "viewer", "--password", "long-enough")
	if err != nil || !strings.Contains(stdout, "logged in as viewer") {
		t.Fatalf("expected new account to log in, got %q %v", stdout, err)
	}
}

func TestLoginCommandRequiresUsername(t *testing.T) {
	fixture := newCommandFixture(t)

	_, _, err := fixture.execute(t, "login", "--password", "correct-horse")
	if err == nil || err.Error() != "config.missing_username: username must be provided" {
		t.Fatalf("expected missing username error, got %v", err)
	}
}
