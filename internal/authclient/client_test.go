package authclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/streamboard/internal/authkit"
	"github.com/tyemirov/streamboard/internal/credentials"
	"github.com/tyemirov/streamboard/internal/web"
	"github.com/tyemirov/streamboard/pkg/sessionguard"
	"go.uber.org/zap/zaptest"
)

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

type recordingNavigator struct {
	mutex sync.Mutex
	paths []string
}

func (navigator *recordingNavigator) NavigateToLogin(ctx context.Context, loginPath string) {
	navigator.mutex.Lock()
	defer navigator.mutex.Unlock()
	navigator.paths = append(navigator.paths, loginPath)
}

func (navigator *recordingNavigator) count() int {
	navigator.mutex.Lock()
	defer navigator.mutex.Unlock()
	return len(navigator.paths)
}

type unrelatedHandler struct{}

func (unrelatedHandler) Handle(ctx context.Context, failure error, retry sessionguard.RetryFunc) sessionguard.Result {
	return sessionguard.Result{Outcome: sessionguard.OutcomeUnrelated, Err: failure}
}

type apiFixture struct {
	server       *httptest.Server
	clock        *steppingClock
	serverEvents *authkit.CounterMetrics
	refreshCalls *atomic.Int64
	store        *credentials.MemoryStore
	navigator    *recordingNavigator
	guardEvents  *authkit.CounterMetrics
	client       *Client
}

func newAPIFixture(t *testing.T) apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := &steppingClock{current: time.Now().UTC()}
	users := web.NewInMemoryUsers()
	if _, err := users.Register(context.Background(), "streamer", "streamer@example.com", "correct-horse"); err != nil {
		t.Fatalf("register error: %v", err)
	}
	config := authkit.ServerConfig{
		AccessTokenSigningKey: []byte("client-test-key"),
		AccessTokenIssuer:     "streamboard-test",
		AccessTTL:             5 * time.Minute,
		RefreshTTL:            time.Hour,
	}
	serverEvents := authkit.NewCounterMetrics()
	refreshCalls := &atomic.Int64{}

	router := gin.New()
	router.Use(func(contextGin *gin.Context) {
		if contextGin.Request.URL.Path == DefaultRefreshPath {
			refreshCalls.Add(1)
		}
		contextGin.Next()
	})
	authkit.MountTokenRoutes(router, config, authkit.Services{
		Users:         users,
		RefreshTokens: authkit.NewMemoryRefreshTokenStoreWithClock(clock),
		Clock:         clock,
		Metrics:       serverEvents,
	})
	protected := router.Group("/api")
	protected.Use(authkit.RequireBearer(config, clock, serverEvents))
	protected.GET("/profile/", web.HandleProfile(nil, users))
	protected.GET("/boom/", func(contextGin *gin.Context) {
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "boom"})
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	store := credentials.NewMemoryStore()
	navigator := &recordingNavigator{}
	guardEvents := authkit.NewCounterMetrics()
	guard, err := sessionguard.New(sessionguard.Config{
		Store:     store,
		Refresher: NewHTTPRefresher(server.URL, "", server.Client()),
		Navigator: navigator,
		Logger:    zaptest.NewLogger(t),
		Metrics:   guardEvents,
	})
	if err != nil {
		t.Fatalf("guard error: %v", err)
	}
	client, err := New(Config{
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
		Store:      store,
		Guard:      guard,
		Logger:     zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("client error: %v", err)
	}

	return apiFixture{
		server:       server,
		clock:        clock,
		serverEvents: serverEvents,
		refreshCalls: refreshCalls,
		store:        store,
		navigator:    navigator,
		guardEvents:  guardEvents,
		client:       client,
	}
}

func storedValue(t *testing.T, store sessionguard.CredentialStore, key string) (string, bool) {
	t.Helper()
	value, found, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	return value, found
}

func TestNewClientValidatesConfig(t *testing.T) {
	t.Parallel()

	guard := unrelatedHandler{}
	if _, err := New(Config{Store: credentials.NewMemoryStore(), Guard: guard}); !errors.Is(err, ErrMissingBaseURL) {
		t.Fatalf("expected ErrMissingBaseURL, got %v", err)
	}
	if _, err := New(Config{BaseURL: "http://localhost", Guard: guard}); !errors.Is(err, ErrMissingStore) {
		t.Fatalf("expected ErrMissingStore, got %v", err)
	}
	if _, err := New(Config{BaseURL: "http://localhost", Store: credentials.NewMemoryStore()}); !errors.Is(err, ErrMissingGuard) {
		t.Fatalf("expected ErrMissingGuard, got %v", err)
	}
}

func TestClientLoginStoresCredentialPair(t *testing.T) {
	fixture := newAPIFixture(t)
	ctx := context.Background()

	if loggedIn, _ := fixture.client.LoggedIn(ctx); loggedIn {
		t.Fatalf("expected logged out before login")
	}
	if err := fixture.client.Login(ctx, "streamer", "correct-horse"); err != nil {
		t.Fatalf("login error: %v", err)
	}
	if loggedIn, _ := fixture.client.LoggedIn(ctx); !loggedIn {
		t.Fatalf("expected logged in after login")
	}

	err := fixture.client.Login(ctx, "streamer", "wrong-password")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode() != http.StatusUnauthorized {
		t.Fatalf("expected 401 status error, got %v", err)
	}
}

func TestClientRefreshesExpiredSessionAndRetries(t *testing.T) {
	fixture := newAPIFixture(t)
	ctx := context.Background()
	if err := fixture.client.Login(ctx, "streamer", "correct-horse"); err != nil {
		t.Fatalf("login error: %v", err)
	}
	originalAccess, _ := storedValue(t, fixture.store, sessionguard.DefaultAccessTokenKey)
	originalRefresh, _ := storedValue(t, fixture.store, sessionguard.DefaultRefreshTokenKey)

	fixture.clock.Advance(10 * time.Minute)
	var profile struct {
		Username string `json:"username"`
	}
	if err := fixture.client.Do(ctx, http.MethodGet, "/api/profile/", nil, &profile); err != nil {
		t.Fatalf("expected transparent refresh, got %v", err)
	}
	if profile.Username != "streamer" {
		t.Fatalf("unexpected profile: %+v", profile)
	}

	refreshedAccess, _ := storedValue(t, fixture.store, sessionguard.DefaultAccessTokenKey)
	refreshToken, _ := storedValue(t, fixture.store, sessionguard.DefaultRefreshTokenKey)
	if refreshedAccess == "" || refreshedAccess == originalAccess {
		t.Fatalf("expected access token to be replaced")
	}
	if refreshToken != originalRefresh {
		t.Fatalf("expected refresh token to be kept")
	}
	if fixture.refreshCalls.Load() != 1 {
		t.Fatalf("expected one refresh call, got %d", fixture.refreshCalls.Load())
	}
	if fixture.navigator.count() != 0 {
		t.Fatalf("expected no navigation")
	}
	if fixture.guardEvents.Count(sessionguard.EventRefreshed) != 1 {
		t.Fatalf("expected refreshed event, got %v", fixture.guardEvents.Snapshot())
	}
}

func TestClientConcurrentExpiriesConvergeOnOneRefresh(t *testing.T) {
	fixture := newAPIFixture(t)
	ctx := context.Background()
	if err := fixture.client.Login(ctx, "streamer", "correct-horse"); err != nil {
		t.Fatalf("login error: %v", err)
	}
	fixture.clock.Advance(10 * time.Minute)

	const callers = 4
	errs := make([]error, callers)
	var group sync.WaitGroup
	for index := 0; index < callers; index++ {
		group.Add(1)
		go func(index int) {
			defer group.Done()
			_, errs[index] = fixture.client.Get(ctx, "/api/profile/")
		}(index)
	}
	group.Wait()

	for index, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: unexpected error %v", index, err)
		}
	}
	if calls := fixture.refreshCalls.Load(); calls < 1 || calls > callers {
		t.Fatalf("unexpected refresh call count %d", calls)
	}
	if fixture.navigator.count() != 0 {
		t.Fatalf("expected no navigation")
	}
}

func TestClientLogsOutWhenRefreshRejected(t *testing.T) {
	fixture := newAPIFixture(t)
	ctx := context.Background()
	if err := fixture.client.Login(ctx, "streamer", "correct-horse"); err != nil {
		t.Fatalf("login error: %v", err)
	}
	if err := fixture.store.Set(ctx, sessionguard.DefaultRefreshTokenKey, "Rbad"); err != nil {
		t.Fatalf("store error: %v", err)
	}
	fixture.clock.Advance(10 * time.Minute)

	_, err := fixture.client.Get(ctx, "/api/profile/")

	if !errors.Is(err, ErrLoggedOut) || !errors.Is(err, sessionguard.ErrRefreshFailed) {
		t.Fatalf("expected logged out error, got %v", err)
	}
	if sessionguard.StatusOf(err) != http.StatusUnauthorized {
		t.Fatalf("expected refresh rejection status in chain, got %d", sessionguard.StatusOf(err))
	}
	if _, found := storedValue(t, fixture.store, sessionguard.DefaultAccessTokenKey); found {
		t.Fatalf("expected access token removed")
	}
	if _, found := storedValue(t, fixture.store, sessionguard.DefaultRefreshTokenKey); found {
		t.Fatalf("expected refresh token removed")
	}
	if fixture.navigator.count() != 1 || fixture.navigator.paths[0] != "/login" {
		t.Fatalf("expected one navigation to /login, got %v", fixture.navigator.paths)
	}
}

func TestClientWithoutSessionLogsOut(t *testing.T) {
	fixture := newAPIFixture(t)

	_, err := fixture.client.Get(context.Background(), "/api/profile/")

	if !errors.Is(err, ErrLoggedOut) || !errors.Is(err, sessionguard.ErrMissingRefreshToken) {
		t.Fatalf("expected logged out error, got %v", err)
	}
	if fixture.refreshCalls.Load() != 0 {
		t.Fatalf("expected no refresh call without a refresh token")
	}
	if fixture.navigator.count() != 1 {
		t.Fatalf("expected navigation")
	}
}

func TestClientUnrelatedFailureLeavesSessionAlone(t *testing.T) {
	fixture := newAPIFixture(t)
	ctx := context.Background()
	if err := fixture.client.Login(ctx, "streamer", "correct-horse"); err != nil {
		t.Fatalf("login error: %v", err)
	}
	accessBefore, _ := storedValue(t, fixture.store, sessionguard.DefaultAccessTokenKey)

	_, err := fixture.client.Get(ctx, "/api/boom/")

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode() != http.StatusInternalServerError {
		t.Fatalf("expected 500 status error, got %v", err)
	}
	if errors.Is(err, ErrLoggedOut) {
		t.Fatalf("unrelated failure must not log out")
	}
	accessAfter, _ := storedValue(t, fixture.store, sessionguard.DefaultAccessTokenKey)
	if accessAfter != accessBefore || fixture.refreshCalls.Load() != 0 || fixture.navigator.count() != 0 {
		t.Fatalf("expected no session changes")
	}
	if fixture.guardEvents.Count(sessionguard.EventUnrelated) != 1 {
		t.Fatalf("expected unrelated event")
	}
}

func TestClientLogoutRevokesRefreshToken(t *testing.T) {
	fixture := newAPIFixture(t)
	ctx := context.Background()
	if err := fixture.client.Login(ctx, "streamer", "correct-horse"); err != nil {
		t.Fatalf("login error: %v", err)
	}

	if err := fixture.client.Logout(ctx); err != nil {
		t.Fatalf("logout error: %v", err)
	}
	if loggedIn, _ := fixture.client.LoggedIn(ctx); loggedIn {
		t.Fatalf("expected logged out")
	}
	if fixture.serverEvents.Count(authkit.EventRefreshRevoked) != 1 {
		t.Fatalf("expected server-side revoke, got %v", fixture.serverEvents.Snapshot())
	}
	if err := fixture.client.Logout(ctx); err != nil {
		t.Fatalf("expected idempotent logout, got %v", err)
	}
}
