package authclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultRefreshPath is the token-refresh endpoint of the streamboard API.
const DefaultRefreshPath = "/api/token/refresh/"

// HTTPRefresher exchanges a refresh token for a new access token over HTTP.
type HTTPRefresher struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPRefresher targets baseURL+refreshPath; an empty refreshPath selects DefaultRefreshPath.
func NewHTTPRefresher(baseURL string, refreshPath string, httpClient *http.Client) *HTTPRefresher {
	if strings.TrimSpace(refreshPath) == "" {
		refreshPath = DefaultRefreshPath
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPRefresher{
		endpoint:   joinURL(baseURL, refreshPath),
		httpClient: httpClient,
	}
}

// Refresh posts {"refresh": refreshToken} and returns the "access" field of the response.
func (refresher *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (string, error) {
	payload, encodeErr := json.Marshal(struct {
		Refresh string `json:"refresh"`
	}{Refresh: refreshToken})
	if encodeErr != nil {
		return "", fmt.Errorf("auth_client.refresh.encode: %w", encodeErr)
	}
	var outbound struct {
		Access *string `json:"access"`
	}
	if err := roundTrip(ctx, refresher.httpClient, http.MethodPost, refresher.endpoint, "", payload, &outbound); err != nil {
		return "", fmt.Errorf("auth_client.refresh: %w", err)
	}
	if outbound.Access == nil || strings.TrimSpace(*outbound.Access) == "" {
		return "", fmt.Errorf("auth_client.refresh: %w: missing access field", ErrMalformedResponse)
	}
	return *outbound.Access, nil
}
