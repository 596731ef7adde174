package authkit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/streamboard/pkg/sessionvalidator"
)

var errEmptySubject = errors.New("subject must be non-empty")

// JwtCustomClaims are embedded in the access token.
type JwtCustomClaims = sessionvalidator.Claims

// MintAccessToken creates a signed HS256 access token.
func MintAccessToken(clock Clock, applicationUserID string, username string, userRoles []string, issuer string, signingKey []byte, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(applicationUserID) == "" {
		return "", time.Time{}, fmt.Errorf("jwt.mint.failure: %w", errEmptySubject)
	}
	issuedAt := clock.Now().UTC()
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, JwtCustomClaims{
		UserID:    applicationUserID,
		Username:  username,
		UserRoles: userRoles,
		TokenType: sessionvalidator.AccessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   applicationUserID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwt.mint.failure: %w", err)
	}
	return signed, expiresAt, nil
}

// ParseAccessToken verifies signature, issuer, type and expiry of an access token.
func ParseAccessToken(clock Clock, tokenString string, issuer string, signingKey []byte) (*JwtCustomClaims, error) {
	validator, err := sessionvalidator.New(sessionvalidator.Config{SigningKey: signingKey, Issuer: issuer, Clock: clock})
	if err != nil {
		return nil, fmt.Errorf("jwt.parse: %w", err)
	}
	claims, err := validator.ValidateToken(tokenString)
	if err != nil {
		return nil, fmt.Errorf("jwt.parse: %w", err)
	}
	return claims, nil
}
