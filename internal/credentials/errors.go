package credentials

import "errors"

var (
	// ErrEmptyKey indicates a blank storage key.
	ErrEmptyKey = errors.New("credential_store.empty_key")
	// ErrEmptyValue indicates an attempt to persist a blank credential.
	ErrEmptyValue = errors.New("credential_store.empty_value")
)
