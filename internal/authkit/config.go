package authkit

import "time"

// ServerConfig configures token signing and lifetimes.
type ServerConfig struct {
	AccessTokenSigningKey []byte
	AccessTokenIssuer     string
	AccessTTL             time.Duration
	RefreshTTL            time.Duration
}
