package authkit

import (
	"context"
	"errors"
)

var (
	// ErrInvalidCredentials is returned by UserStore.Authenticate on a username/password mismatch.
	ErrInvalidCredentials = errors.New("users.invalid_credentials")

	// Refresh store sentinels shared by the memory and database implementations.
	ErrRefreshTokenNotFound       = errors.New("refresh_store.not_found")
	ErrRefreshTokenRevoked        = errors.New("refresh_store.revoked")
	ErrRefreshTokenExpired        = errors.New("refresh_store.expired")
	ErrRefreshTokenAlreadyRevoked = errors.New("refresh_store.already_revoked")
	ErrRefreshTokenEmptyOpaque    = errors.New("refresh_store.empty_token")
)

// UserStore authenticates and retrieves application users.
type UserStore interface {
	Authenticate(ctx context.Context, username string, password string) (applicationUserID string, err error)
	GetUserProfile(ctx context.Context, applicationUserID string) (username string, userEmail string, userRoles []string, err error)
}

// RefreshTokenStore manages long-lived refresh tokens.
type RefreshTokenStore interface {
	Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (tokenID string, tokenOpaque string, err error)
	Validate(ctx context.Context, tokenOpaque string) (applicationUserID string, tokenID string, expiresUnix int64, err error)
	Revoke(ctx context.Context, tokenID string) error
}
