package sessionguard

import "errors"

// Outcome classifies how Handle resolved a failure.
type Outcome int

const (
	// OutcomeUnrelated means the failure was not a session-expiry signal.
	OutcomeUnrelated Outcome = iota
	// OutcomeRefreshed means the access token was replaced and retry, if any, was invoked.
	OutcomeRefreshed
	// OutcomeLoggedOut means refresh failed, tokens were removed and login navigation ran.
	OutcomeLoggedOut
)

// String returns the outcome label used in logs.
func (outcome Outcome) String() string {
	switch outcome {
	case OutcomeUnrelated:
		return "unrelated"
	case OutcomeRefreshed:
		return "refreshed"
	case OutcomeLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// Result is the discriminated result of Handle.
//
// Err holds the original failure for OutcomeUnrelated, the retry error (possibly nil) for
// OutcomeRefreshed and the refresh failure wrapped in ErrRefreshFailed for OutcomeLoggedOut.
type Result struct {
	Outcome Outcome
	Err     error
}

// StatusCoder is implemented by errors that carry an HTTP-like status code.
type StatusCoder interface {
	StatusCode() int
}

// StatusOf returns the status code carried anywhere in the error chain, or 0.
func StatusOf(failure error) int {
	var coder StatusCoder
	if failure != nil && errors.As(failure, &coder) {
		return coder.StatusCode()
	}
	return 0
}
