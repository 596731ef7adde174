package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxResponseBytes = 1 << 20

// roundTrip sends payload as JSON and decodes a 2xx body into out when out is non-nil.
func roundTrip(ctx context.Context, httpClient *http.Client, method string, endpoint string, bearer string, payload []byte, out interface{}) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	request, requestErr := http.NewRequestWithContext(ctx, method, endpoint, body)
	if requestErr != nil {
		return fmt.Errorf("auth_client.request: %w", requestErr)
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}

	response, doErr := httpClient.Do(request)
	if doErr != nil {
		return fmt.Errorf("auth_client.transport: %w", doErr)
	}
	defer response.Body.Close()

	responseBody, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if readErr != nil {
		return fmt.Errorf("auth_client.read: %w", readErr)
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return &StatusError{
			Method: method,
			Path:   request.URL.Path,
			Status: response.StatusCode,
			Body:   strings.TrimSpace(string(responseBody)),
		}
	}
	if out == nil || len(bytes.TrimSpace(responseBody)) == 0 {
		return nil
	}
	if decodeErr := json.Unmarshal(responseBody, out); decodeErr != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, decodeErr)
	}
	return nil
}

func joinURL(baseURL string, path string) string {
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")
}
