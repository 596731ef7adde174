package authclient

import (
	"errors"
	"fmt"
)

var (
	// ErrLoggedOut indicates the session ended because the refresh token was rejected.
	ErrLoggedOut = errors.New("auth_client.logged_out")
	// ErrMalformedResponse indicates a 2xx response whose body did not match the contract.
	ErrMalformedResponse = errors.New("auth_client.malformed_response")
	// ErrMissingBaseURL indicates the client was configured without an API base URL.
	ErrMissingBaseURL = errors.New("auth_client.missing_base_url")
	// ErrMissingStore indicates the client was configured without a credential store.
	ErrMissingStore = errors.New("auth_client.missing_store")
	// ErrMissingGuard indicates the client was configured without a failure handler.
	ErrMissingGuard = errors.New("auth_client.missing_guard")
)

// StatusError reports a non-2xx response. It exposes StatusCode so the session guard
// can recognise expired sessions.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (statusErr *StatusError) Error() string {
	if statusErr.Body == "" {
		return fmt.Sprintf("auth_client.status: %s %s returned %d", statusErr.Method, statusErr.Path, statusErr.Status)
	}
	return fmt.Sprintf("auth_client.status: %s %s returned %d: %s", statusErr.Method, statusErr.Path, statusErr.Status, statusErr.Body)
}

// StatusCode returns the HTTP status of the failed response.
func (statusErr *StatusError) StatusCode() int {
	return statusErr.Status
}
