package authclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tyemirov/streamboard/pkg/sessionguard"
	"go.uber.org/zap"
)

// DefaultObtainPath is the endpoint exchanging credentials for a token pair.
const DefaultObtainPath = "/api/token/"

// DefaultRevokePath is the endpoint revoking a refresh token on logout.
const DefaultRevokePath = "/api/token/revoke/"

// FailureHandler resolves failed authorized calls; *sessionguard.Guard implements it.
type FailureHandler interface {
	Handle(ctx context.Context, failure error, retry sessionguard.RetryFunc) sessionguard.Result
}

// Config configures the Client.
type Config struct {
	BaseURL         string
	HTTPClient      *http.Client
	Store           sessionguard.CredentialStore
	Guard           FailureHandler
	Logger          *zap.Logger
	ObtainPath      string
	RevokePath      string
	AccessTokenKey  string
	RefreshTokenKey string
}

// Client performs authorized JSON calls against the streamboard API. Every failed call is
// handed to the guard together with a retry closure that replays the original request.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	store           sessionguard.CredentialStore
	guard           FailureHandler
	logger          *zap.Logger
	obtainPath      string
	revokePath      string
	accessTokenKey  string
	refreshTokenKey string
}

// TokenPair is the login response body.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// New constructs a Client after validating the supplied configuration.
func New(configuration Config) (*Client, error) {
	if strings.TrimSpace(configuration.BaseURL) == "" {
		return nil, fmt.Errorf("auth_client.new: %w", ErrMissingBaseURL)
	}
	if configuration.Store == nil {
		return nil, fmt.Errorf("auth_client.new: %w", ErrMissingStore)
	}
	if configuration.Guard == nil {
		return nil, fmt.Errorf("auth_client.new: %w", ErrMissingGuard)
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:         configuration.BaseURL,
		httpClient:      httpClient,
		store:           configuration.Store,
		guard:           configuration.Guard,
		logger:          logger,
		obtainPath:      fallback(configuration.ObtainPath, DefaultObtainPath),
		revokePath:      fallback(configuration.RevokePath, DefaultRevokePath),
		accessTokenKey:  fallback(configuration.AccessTokenKey, sessionguard.DefaultAccessTokenKey),
		refreshTokenKey: fallback(configuration.RefreshTokenKey, sessionguard.DefaultRefreshTokenKey),
	}, nil
}

// Do sends an authorized request and decodes the JSON response into out.
// It returns ErrLoggedOut (wrapping the refresh failure) when the session ended.
func (client *Client) Do(ctx context.Context, method string, path string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		encoded, encodeErr := json.Marshal(body)
		if encodeErr != nil {
			return fmt.Errorf("auth_client.encode: %w", encodeErr)
		}
		payload = encoded
	}

	send := func(callCtx context.Context) error {
		return client.send(callCtx, method, path, payload, out)
	}

	firstErr := send(ctx)
	if firstErr == nil {
		return nil
	}
	result := client.guard.Handle(ctx, firstErr, send)
	switch result.Outcome {
	case sessionguard.OutcomeRefreshed:
		return result.Err
	case sessionguard.OutcomeLoggedOut:
		return fmt.Errorf("%w: %w", ErrLoggedOut, result.Err)
	default:
		return firstErr
	}
}

// Get is Do for a GET request returning the raw JSON body.
func (client *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := client.Do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Login exchanges username and password for a token pair and persists both tokens.
func (client *Client) Login(ctx context.Context, username string, password string) error {
	payload, encodeErr := json.Marshal(struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}{Username: username, Password: password})
	if encodeErr != nil {
		return fmt.Errorf("auth_client.login.encode: %w", encodeErr)
	}
	var pair TokenPair
	if err := roundTrip(ctx, client.httpClient, http.MethodPost, joinURL(client.baseURL, client.obtainPath), "", payload, &pair); err != nil {
		return fmt.Errorf("auth_client.login: %w", err)
	}
	if strings.TrimSpace(pair.Access) == "" || strings.TrimSpace(pair.Refresh) == "" {
		return fmt.Errorf("auth_client.login: %w: missing token", ErrMalformedResponse)
	}
	if err := client.store.Set(ctx, client.accessTokenKey, pair.Access); err != nil {
		return fmt.Errorf("auth_client.login.store: %w", err)
	}
	if err := client.store.Set(ctx, client.refreshTokenKey, pair.Refresh); err != nil {
		return fmt.Errorf("auth_client.login.store: %w", err)
	}
	client.logger.Info("logged in", zap.String("code", "auth_client.login"), zap.String("username", username))
	return nil
}

// Logout revokes the refresh token on the server when possible and removes both tokens.
func (client *Client) Logout(ctx context.Context) error {
	refreshToken, found, getErr := client.store.Get(ctx, client.refreshTokenKey)
	if getErr != nil {
		return fmt.Errorf("auth_client.logout: %w", getErr)
	}
	if found && refreshToken != "" {
		payload, _ := json.Marshal(struct {
			Refresh string `json:"refresh"`
		}{Refresh: refreshToken})
		if revokeErr := roundTrip(ctx, client.httpClient, http.MethodPost, joinURL(client.baseURL, client.revokePath), "", payload, nil); revokeErr != nil {
			client.logger.Warn("refresh token revoke failed",
				zap.String("code", "auth_client.logout.revoke_failed"),
				zap.Error(revokeErr))
		}
	}
	for _, key := range []string{client.accessTokenKey, client.refreshTokenKey} {
		if err := client.store.Remove(ctx, key); err != nil {
			return fmt.Errorf("auth_client.logout: %w", err)
		}
	}
	return nil
}

// LoggedIn reports whether both tokens are stored.
func (client *Client) LoggedIn(ctx context.Context) (bool, error) {
	for _, key := range []string{client.accessTokenKey, client.refreshTokenKey} {
		_, found, err := client.store.Get(ctx, key)
		if err != nil {
			return false, fmt.Errorf("auth_client.logged_in: %w", err)
		}
		if !found {
			return false, nil
		}
	}
	return true, nil
}

func (client *Client) send(ctx context.Context, method string, path string, payload []byte, out interface{}) error {
	accessToken, _, getErr := client.store.Get(ctx, client.accessTokenKey)
	if getErr != nil {
		return fmt.Errorf("auth_client.access_token: %w", getErr)
	}
	return roundTrip(ctx, client.httpClient, method, joinURL(client.baseURL, path), accessToken, payload, out)
}

func fallback(value string, defaultValue string) string {
	if strings.TrimSpace(value) == "" {
		return defaultValue
	}
	return value
}
