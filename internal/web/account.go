package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/streamboard/internal/authkit"
	"go.uber.org/zap"
)

// AccountDirectory is the account surface served by the profile, signup and password routes.
type AccountDirectory interface {
	Create(ctx context.Context, registration Registration) (string, error)
	Profile(ctx context.Context, applicationUserID string) (UserProfile, error)
	UpdateProfile(ctx context.Context, applicationUserID string, changes ProfileChanges) (UserProfile, error)
	ChangePassword(ctx context.Context, applicationUserID string, currentPassword string, newPassword string) error
}

const (
	detailPasswordFieldsRequired = "Both current_password and new_password are required."
	detailIncorrectPassword      = "Current password is incorrect."
	detailPasswordUpdated        = "Password updated successfully."
)

// MountAccountRoutes registers signup publicly and the profile routes behind requireBearer.
func MountAccountRoutes(router gin.IRouter, requireBearer gin.HandlerFunc, logger *zap.Logger, users AccountDirectory) {
	router.POST("/api/signup/", HandleSignup(logger, users))

	account := router.Group("/api", requireBearer)
	account.GET("/profile/", HandleProfile(logger, users))
	updateProfile := HandleProfileUpdate(logger, users)
	account.PUT("/profile/update/", updateProfile)
	account.PATCH("/profile/update/", updateProfile)
	account.PUT("/password/change/", HandlePasswordChange(logger, users))
}

// HandleSignup creates an account and answers 201 with its profile.
func HandleSignup(logger *zap.Logger, users AccountDirectory) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		var registration Registration
		if err := contextGin.ShouldBindJSON(&registration); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		applicationUserID, createErr := users.Create(contextGin, registration)
		if createErr != nil {
			abortAccountChange(contextGin, logger, "api.signup", createErr)
			return
		}
		profile, profileErr := users.Profile(contextGin, applicationUserID)
		if profileErr != nil {
			abortAccountLookup(contextGin, logger, "api.signup", applicationUserID, profileErr)
			return
		}
		logger.Info("account created",
			zap.String("code", "api.signup.created"),
			zap.String("user_id", applicationUserID))
		contextGin.JSON(http.StatusCreated, profilePayload(applicationUserID, profile))
	}
}

// HandleProfileUpdate applies the supplied profile fields; omitted fields stay unchanged.
func HandleProfileUpdate(logger *zap.Logger, users AccountDirectory) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		claims, ok := accountClaims(contextGin, logger, "api.profile_update")
		if !ok {
			return
		}
		var changes ProfileChanges
		if err := contextGin.ShouldBindJSON(&changes); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		profile, updateErr := users.UpdateProfile(contextGin, claims.UserID, changes)
		if updateErr != nil {
			if errors.Is(updateErr, ErrUserProfileNotFound) {
				abortAccountLookup(contextGin, logger, "api.profile_update", claims.UserID, updateErr)
				return
			}
			abortAccountChange(contextGin, logger, "api.profile_update", updateErr)
			return
		}
		contextGin.JSON(http.StatusOK, profilePayload(claims.UserID, profile))
	}
}

// HandlePasswordChange replaces the password when current_password matches.
func HandlePasswordChange(logger *zap.Logger, users AccountDirectory) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		claims, ok := accountClaims(contextGin, logger, "api.password_change")
		if !ok {
			return
		}
		var inbound struct {
			CurrentPassword string `json:"current_password"`
			NewPassword     string `json:"new_password"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || inbound.CurrentPassword == "" || inbound.NewPassword == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":  "password_fields_required",
				"detail": detailPasswordFieldsRequired,
			})
			return
		}
		changeErr := users.ChangePassword(contextGin, claims.UserID, inbound.CurrentPassword, inbound.NewPassword)
		switch {
		case changeErr == nil:
			logger.Info("password changed",
				zap.String("code", "api.password_change.changed"),
				zap.String("user_id", claims.UserID))
			contextGin.JSON(http.StatusOK, gin.H{"detail": detailPasswordUpdated})
		case errors.Is(changeErr, ErrIncorrectPassword):
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":  ErrIncorrectPassword.Error(),
				"detail": detailIncorrectPassword,
			})
		case errors.Is(changeErr, ErrUserProfileNotFound):
			abortAccountLookup(contextGin, logger, "api.password_change", claims.UserID, changeErr)
		default:
			abortAccountChange(contextGin, logger, "api.password_change", changeErr)
		}
	}
}

func accountClaims(contextGin *gin.Context, logger *zap.Logger, area string) (*authkit.JwtCustomClaims, bool) {
	claimsValue, found := contextGin.Get(authkit.ClaimsContextKey)
	if !found {
		logger.Warn("missing auth claims on context", zap.String("code", area+".missing_claims"))
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return nil, false
	}
	claims, ok := claimsValue.(*authkit.JwtCustomClaims)
	if !ok || claims == nil || claims.UserID == "" {
		logger.Warn("invalid auth claims on context", zap.String("code", area+".invalid_claims"))
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return nil, false
	}
	return claims, true
}

func abortAccountLookup(contextGin *gin.Context, logger *zap.Logger, area string, applicationUserID string, lookupErr error) {
	if errors.Is(lookupErr, ErrUserProfileNotFound) {
		logger.Warn("user profile missing",
			zap.String("code", area+".profile_missing"),
			zap.String("user_id", applicationUserID))
		contextGin.AbortWithStatus(http.StatusNotFound)
		return
	}
	logger.Error("user profile lookup error",
		zap.String("code", area+".profile_error"),
		zap.String("user_id", applicationUserID),
		zap.Error(lookupErr))
	contextGin.AbortWithStatus(http.StatusInternalServerError)
}

// abortAccountChange answers 400 with the sentinel code for validation failures.
func abortAccountChange(contextGin *gin.Context, logger *zap.Logger, area string, changeErr error) {
	for _, rejection := range []error{ErrEmptyUsername, ErrWeakPassword, ErrUsernameTaken} {
		if errors.Is(changeErr, rejection) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": rejection.Error()})
			return
		}
	}
	logger.Error("account change error", zap.String("code", area+".error"), zap.Error(changeErr))
	contextGin.AbortWithStatus(http.StatusInternalServerError)
}

func profilePayload(applicationUserID string, profile UserProfile) gin.H {
	return gin.H{
		"id":         applicationUserID,
		"username":   profile.Username,
		"email":      profile.Email,
		"first_name": profile.FirstName,
		"last_name":  profile.LastName,
		"is_dark":    profile.IsDark,
	}
}
