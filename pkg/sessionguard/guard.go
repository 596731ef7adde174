package sessionguard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultAccessTokenKey is used when Config.AccessTokenKey is empty.
const DefaultAccessTokenKey = "access_token"

// DefaultRefreshTokenKey is used when Config.RefreshTokenKey is empty.
const DefaultRefreshTokenKey = "refresh_token"

// DefaultLoginPath is handed to the Navigator when Config.LoginPath is empty.
const DefaultLoginPath = "/login"

// DefaultRefreshTimeout bounds a single refresh call when Config.RefreshTimeout is not positive.
const DefaultRefreshTimeout = 10 * time.Second

// Metric event names recorded by the guard.
const (
	EventUnrelated       = "session_guard.unrelated"
	EventRefreshed       = "session_guard.refreshed"
	EventRefreshFailed   = "session_guard.refresh_failed"
	EventRetryFailed     = "session_guard.retry_failed"
	EventLoggedOut       = "session_guard.logged_out"
	EventRefreshCoalesce = "session_guard.refresh_coalesced"
)

// Sentinel errors exposed by the guard.
var (
	ErrMissingStore     = errors.New("session.guard.missing_store")
	ErrMissingRefresher = errors.New("session.guard.missing_refresher")
	ErrMissingNavigator = errors.New("session.guard.missing_navigator")

	// ErrRefreshFailed wraps every cause that ends the session.
	ErrRefreshFailed = errors.New("session.guard.refresh_failed")
	// ErrMissingRefreshToken indicates no refresh token was stored when a 401 arrived.
	ErrMissingRefreshToken = errors.New("session.guard.missing_refresh_token")
	// ErrEmptyAccessToken indicates the refresher reported success without a token.
	ErrEmptyAccessToken = errors.New("session.guard.empty_access_token")
	// ErrRetryPanicked wraps a panic raised by the retry after a successful refresh.
	ErrRetryPanicked = errors.New("session.guard.retry_panicked")
)

// CredentialStore is durable key/value storage for the credential pair.
type CredentialStore interface {
	// Get returns the stored value and whether the key was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string) error
	Remove(ctx context.Context, key string) error
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (string, error)
}

// Navigator moves the user to the login entry point once the session has ended.
type Navigator interface {
	NavigateToLogin(ctx context.Context, loginPath string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, loginPath string)

// NavigateToLogin calls navigate(ctx, loginPath).
func (navigate NavigatorFunc) NavigateToLogin(ctx context.Context, loginPath string) {
	navigate(ctx, loginPath)
}

// MetricsRecorder increments counters for guard events.
type MetricsRecorder interface {
	Increment(event string)
}

// Listener observes every result produced by Handle.
type Listener func(result Result)

// RetryFunc re-issues the original operation after a successful refresh.
type RetryFunc func(ctx context.Context) error

// Config configures the Guard.
type Config struct {
	Store           CredentialStore
	Refresher       Refresher
	Navigator       Navigator
	Logger          *zap.Logger
	Metrics         MetricsRecorder
	Listener        Listener
	RefreshTimeout  time.Duration
	AccessTokenKey  string
	RefreshTokenKey string
	LoginPath       string
}

// Guard turns 401 failures into a single refresh-and-retry cycle or a logout.
type Guard struct {
	store           CredentialStore
	refresher       Refresher
	navigator       Navigator
	logger          *zap.Logger
	metrics         MetricsRecorder
	listener        Listener
	refreshTimeout  time.Duration
	accessTokenKey  string
	refreshTokenKey string
	loginPath       string
	flights         singleflight.Group
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// New constructs a Guard after validating the supplied configuration.
func New(configuration Config) (*Guard, error) {
	if configuration.Store == nil {
		return nil, fmt.Errorf("session.guard.new: %w", ErrMissingStore)
	}
	if configuration.Refresher == nil {
		return nil, fmt.Errorf("session.guard.new: %w", ErrMissingRefresher)
	}
	if configuration.Navigator == nil {
		return nil, fmt.Errorf("session.guard.new: %w", ErrMissingNavigator)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics MetricsRecorder = noopMetrics{}
	if configuration.Metrics != nil {
		metrics = configuration.Metrics
	}
	refreshTimeout := configuration.RefreshTimeout
	if refreshTimeout <= 0 {
		refreshTimeout = DefaultRefreshTimeout
	}
	return &Guard{
		store:           configuration.Store,
		refresher:       configuration.Refresher,
		navigator:       configuration.Navigator,
		logger:          logger,
		metrics:         metrics,
		listener:        configuration.Listener,
		refreshTimeout:  refreshTimeout,
		accessTokenKey:  defaultString(configuration.AccessTokenKey, DefaultAccessTokenKey),
		refreshTokenKey: defaultString(configuration.RefreshTokenKey, DefaultRefreshTokenKey),
		loginPath:       defaultString(configuration.LoginPath, DefaultLoginPath),
	}, nil
}

// Handle classifies failure and, for a 401, refreshes the access token once and runs retry.
// A failed refresh clears both tokens and navigates to the login path. Handle does not
// propagate errors to the caller; the outcome is reported in the Result.
func (guard *Guard) Handle(ctx context.Context, failure error, retry RetryFunc) Result {
	if !IsSessionExpired(failure) {
		guard.metrics.Increment(EventUnrelated)
		guard.logger.Warn("authorized call failed",
			zap.String("code", EventUnrelated),
			zap.Int("status", StatusOf(failure)),
			zap.Error(failure))
		return guard.emit(Result{Outcome: OutcomeUnrelated, Err: failure})
	}

	refreshErr := guard.refresh(ctx)
	if refreshErr != nil {
		return guard.emit(Result{Outcome: OutcomeLoggedOut, Err: refreshErr})
	}

	result := Result{Outcome: OutcomeRefreshed}
	if retry != nil {
		if retryErr := runRetry(ctx, retry); retryErr != nil {
			guard.metrics.Increment(EventRetryFailed)
			guard.logger.Warn("retry after refresh failed",
				zap.String("code", EventRetryFailed),
				zap.Int("status", StatusOf(retryErr)),
				zap.Error(retryErr))
			result.Err = retryErr
		}
	}
	return guard.emit(result)
}

// refresh runs one refresh flight per refresh token; concurrent callers share it.
func (guard *Guard) refresh(ctx context.Context) error {
	readCtx, cancelRead := guard.detached(ctx)
	refreshToken, found, getErr := guard.store.Get(readCtx, guard.refreshTokenKey)
	cancelRead()
	if getErr != nil {
		return guard.endSession(ctx, fmt.Errorf("%w: read refresh token: %w", ErrRefreshFailed, getErr))
	}
	if !found || strings.TrimSpace(refreshToken) == "" {
		return guard.endSession(ctx, fmt.Errorf("%w: %w", ErrRefreshFailed, ErrMissingRefreshToken))
	}

	flightResult, _, shared := guard.flights.Do(refreshToken, func() (interface{}, error) {
		return guard.exchange(ctx, refreshToken), nil
	})
	if shared {
		guard.metrics.Increment(EventRefreshCoalesce)
	}
	if flightErr, _ := flightResult.(error); flightErr != nil {
		return flightErr
	}
	return nil
}

// exchange performs the network refresh and applies its side effects exactly once per flight.
// The flight belongs to every waiter, so none of its steps observe the leader's cancellation.
func (guard *Guard) exchange(ctx context.Context, refreshToken string) error {
	refreshCtx, cancelRefresh := guard.detached(ctx)
	accessToken, refreshErr := guard.refresher.Refresh(refreshCtx, refreshToken)
	cancelRefresh()
	if refreshErr == nil && strings.TrimSpace(accessToken) == "" {
		refreshErr = ErrEmptyAccessToken
	}
	if refreshErr != nil {
		return guard.endSession(ctx, fmt.Errorf("%w: %w", ErrRefreshFailed, refreshErr))
	}

	writeCtx, cancelWrite := guard.detached(ctx)
	setErr := guard.store.Set(writeCtx, guard.accessTokenKey, accessToken)
	cancelWrite()
	if setErr != nil {
		return guard.endSession(ctx, fmt.Errorf("%w: store access token: %w", ErrRefreshFailed, setErr))
	}
	guard.metrics.Increment(EventRefreshed)
	guard.logger.Info("access token refreshed", zap.String("code", EventRefreshed))
	return nil
}

// endSession removes both tokens and navigates to login. Each removal is attempted even
// when the other fails.
func (guard *Guard) endSession(ctx context.Context, cause error) error {
	guard.metrics.Increment(EventRefreshFailed)
	guard.logger.Warn("refresh token rejected, redirecting to login",
		zap.String("code", EventRefreshFailed),
		zap.Error(cause))

	cleanupCtx, cancel := guard.detached(ctx)
	defer cancel()
	for _, key := range []string{guard.accessTokenKey, guard.refreshTokenKey} {
		if removeErr := guard.store.Remove(cleanupCtx, key); removeErr != nil {
			guard.logger.Error("credential removal failed",
				zap.String("code", "session_guard.remove_failed"),
				zap.String("key", key),
				zap.Error(removeErr))
		}
	}
	guard.navigator.NavigateToLogin(cleanupCtx, guard.loginPath)
	guard.metrics.Increment(EventLoggedOut)
	return cause
}

// detached keeps ctx values but not its cancellation, bounded by the refresh timeout.
func (guard *Guard) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), guard.refreshTimeout)
}

func (guard *Guard) emit(result Result) Result {
	if guard.listener != nil {
		guard.listener(result)
	}
	return result
}

// runRetry converts a panicking retry into an ErrRetryPanicked failure.
func runRetry(ctx context.Context, retry RetryFunc) (retryErr error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			retryErr = fmt.Errorf("%w: %v", ErrRetryPanicked, recovered)
		}
	}()
	return retry(ctx)
}

// IsSessionExpired reports whether failure carries an Unauthorized status.
func IsSessionExpired(failure error) bool {
	return StatusOf(failure) == http.StatusUnauthorized
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
