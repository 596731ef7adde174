package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/streamboard/internal/authkit"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// InMemoryUsers is a simple user directory used for demo and local runs.
type InMemoryUsers struct {
	mutex      sync.RWMutex
	users      map[string]UserProfile
	byUsername map[string]string
}

// UserProfile represents an application user.
type UserProfile struct {
	Username     string
	Email        string
	FirstName    string
	LastName     string
	IsDark       bool
	Roles        []string
	passwordHash []byte
}

// Registration carries the fields accepted at signup.
type Registration struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	IsDark    bool   `json:"is_dark"`
}

// ProfileChanges lists the profile fields an update may set; nil fields stay unchanged.
type ProfileChanges struct {
	Username  *string `json:"username"`
	Email     *string `json:"email"`
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	IsDark    *bool   `json:"is_dark"`
	Password  *string `json:"password"`
}

var (
	// ErrUserProfileNotFound is returned when a profile is missing in the store.
	ErrUserProfileNotFound = errors.New("user_profile_not_found")
	// ErrUsernameTaken is returned when registering an existing username.
	ErrUsernameTaken = errors.New("username_taken")
	// ErrEmptyUsername is returned when registering a blank username.
	ErrEmptyUsername = errors.New("empty_username")
	// ErrWeakPassword is returned for passwords shorter than minPasswordLength.
	ErrWeakPassword = errors.New("weak_password")
	// ErrIncorrectPassword is returned when a password change names the wrong current password.
	ErrIncorrectPassword = errors.New("incorrect_password")
)

const minPasswordLength = 8

// NewInMemoryUsers constructs an empty directory.
func NewInMemoryUsers() *InMemoryUsers {
	return &InMemoryUsers{
		users:      make(map[string]UserProfile),
		byUsername: make(map[string]string),
	}
}

// Register stores a user with a bcrypt password hash and returns its application id.
func (store *InMemoryUsers) Register(ctx context.Context, username string, email string, password string) (string, error) {
	return store.Create(ctx, Registration{Username: username, Email: email, Password: password})
}

// Create stores a signup and returns the new application id.
func (store *InMemoryUsers) Create(ctx context.Context, registration Registration) (string, error) {
	normalized := normalizeUsername(registration.Username)
	if normalized == "" {
		return "", fmt.Errorf("users.register: %w", ErrEmptyUsername)
	}
	passwordHash, hashErr := hashPassword(registration.Password)
	if hashErr != nil {
		return "", fmt.Errorf("users.register: %w", hashErr)
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.byUsername[normalized]; exists {
		return "", fmt.Errorf("users.register: %w", ErrUsernameTaken)
	}
	applicationUserID := "user:" + normalized
	store.users[applicationUserID] = UserProfile{
		Username:     normalized,
		Email:        strings.TrimSpace(registration.Email),
		FirstName:    strings.TrimSpace(registration.FirstName),
		LastName:     strings.TrimSpace(registration.LastName),
		IsDark:       registration.IsDark,
		Roles:        []string{"user"},
		passwordHash: passwordHash,
	}
	store.byUsername[normalized] = applicationUserID
	return applicationUserID, nil
}

// Authenticate verifies the password and returns the application user id.
func (store *InMemoryUsers) Authenticate(ctx context.Context, username string, password string) (string, error) {
	normalized := normalizeUsername(username)
	store.mutex.RLock()
	applicationUserID, ok := store.byUsername[normalized]
	record := store.users[applicationUserID]
	store.mutex.RUnlock()
	if !ok {
		return "", authkit.ErrInvalidCredentials
	}
	if compareErr := bcrypt.CompareHashAndPassword(record.passwordHash, []byte(password)); compareErr != nil {
		return "", authkit.ErrInvalidCredentials
	}
	return applicationUserID, nil
}

// GetUserProfile returns a profile by application user id.
func (store *InMemoryUsers) GetUserProfile(ctx context.Context, applicationUserID string) (string, string, []string, error) {
	record, err := store.Profile(ctx, applicationUserID)
	if err != nil {
		return "", "", nil, err
	}
	return record.Username, record.Email, record.Roles, nil
}

// Profile returns the full profile for an application user id.
func (store *InMemoryUsers) Profile(ctx context.Context, applicationUserID string) (UserProfile, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	record, ok := store.users[applicationUserID]
	if !ok {
		return UserProfile{}, ErrUserProfileNotFound
	}
	return record, nil
}

// UpdateProfile applies changes to the user's profile. A username change keeps the
// application id, so outstanding tokens stay valid.
func (store *InMemoryUsers) UpdateProfile(ctx context.Context, applicationUserID string, changes ProfileChanges) (UserProfile, error) {
	var passwordHash []byte
	if changes.Password != nil {
		hashed, hashErr := hashPassword(*changes.Password)
		if hashErr != nil {
			return UserProfile{}, fmt.Errorf("users.update_profile: %w", hashErr)
		}
		passwordHash = hashed
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.users[applicationUserID]
	if !ok {
		return UserProfile{}, fmt.Errorf("users.update_profile: %w", ErrUserProfileNotFound)
	}
	if changes.Username != nil {
		normalized := normalizeUsername(*changes.Username)
		if normalized == "" {
			return UserProfile{}, fmt.Errorf("users.update_profile: %w", ErrEmptyUsername)
		}
		if owner, exists := store.byUsername[normalized]; exists && owner != applicationUserID {
			return UserProfile{}, fmt.Errorf("users.update_profile: %w", ErrUsernameTaken)
		}
		delete(store.byUsername, record.Username)
		store.byUsername[normalized] = applicationUserID
		record.Username = normalized
	}
	if changes.Email != nil {
		record.Email = strings.TrimSpace(*changes.Email)
	}
	if changes.FirstName != nil {
		record.FirstName = strings.TrimSpace(*changes.FirstName)
	}
	if changes.LastName != nil {
		record.LastName = strings.TrimSpace(*changes.LastName)
	}
	if changes.IsDark != nil {
		record.IsDark = *changes.IsDark
	}
	if passwordHash != nil {
		record.passwordHash = passwordHash
	}
	store.users[applicationUserID] = record
	return record, nil
}

// ChangePassword replaces the password after checking the current one.
func (store *InMemoryUsers) ChangePassword(ctx context.Context, applicationUserID string, currentPassword string, newPassword string) error {
	store.mutex.RLock()
	record, ok := store.users[applicationUserID]
	store.mutex.RUnlock()
	if !ok {
		return fmt.Errorf("users.change_password: %w", ErrUserProfileNotFound)
	}
	if compareErr := bcrypt.CompareHashAndPassword(record.passwordHash, []byte(currentPassword)); compareErr != nil {
		return fmt.Errorf("users.change_password: %w", ErrIncorrectPassword)
	}
	passwordHash, hashErr := hashPassword(newPassword)
	if hashErr != nil {
		return fmt.Errorf("users.change_password: %w", hashErr)
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok = store.users[applicationUserID]
	if !ok {
		return fmt.Errorf("users.change_password: %w", ErrUserProfileNotFound)
	}
	record.passwordHash = passwordHash
	store.users[applicationUserID] = record
	return nil
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func hashPassword(password string) ([]byte, error) {
	if len(password) < minPasswordLength {
		return nil, ErrWeakPassword
	}
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// HandleProfile resolves the authenticated user's profile payload.
func HandleProfile(logger *zap.Logger, users AccountDirectory) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil {
		panic("user store is required")
	}

	return func(contextGin *gin.Context) {
		claims, ok := accountClaims(contextGin, logger, "api.profile")
		if !ok {
			return
		}
		profile, profileErr := users.Profile(contextGin, claims.UserID)
		if profileErr != nil {
			abortAccountLookup(contextGin, logger, "api.profile", claims.UserID, profileErr)
			return
		}

		expiresAt := time.Time{}
		if claims.ExpiresAt != nil {
			expiresAt = claims.ExpiresAt.Time
		}
		payload := profilePayload(claims.UserID, profile)
		payload["user_id"] = claims.UserID
		payload["roles"] = profile.Roles
		payload["expires"] = expiresAt
		contextGin.JSON(http.StatusOK, payload)
	}
}
