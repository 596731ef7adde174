package authkit

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Services bundles the collaborators used by the token routes.
type Services struct {
	Users         UserStore
	RefreshTokens RefreshTokenStore
	Clock         Clock
	Logger        *zap.Logger
	Metrics       MetricsRecorder
}

// MountTokenRoutes registers /api/token/, /api/token/refresh/ and /api/token/revoke/.
func MountTokenRoutes(router gin.IRouter, configuration ServerConfig, services Services) {
	clock := services.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	logger := services.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics MetricsRecorder = noopMetrics{}
	if services.Metrics != nil {
		metrics = services.Metrics
	}
	users := services.Users
	refreshTokens := services.RefreshTokens

	router.POST("/api/token/", func(contextGin *gin.Context) {
		var inbound struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Username) == "" || inbound.Password == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}

		applicationUserID, authErr := users.Authenticate(contextGin, inbound.Username, inbound.Password)
		if authErr != nil {
			metrics.Increment(EventLoginFailed)
			if errors.Is(authErr, ErrInvalidCredentials) {
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
				return
			}
			logger.Error("user authentication error", zap.String("code", "auth.login.error"), zap.Error(authErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		username, _, userRoles, profileErr := users.GetUserProfile(contextGin, applicationUserID)
		if profileErr != nil {
			logger.Error("user profile lookup error", zap.String("code", "auth.login.profile_error"), zap.Error(profileErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		accessToken, _, mintErr := MintAccessToken(clock, applicationUserID, username, userRoles, configuration.AccessTokenIssuer, configuration.AccessTokenSigningKey, configuration.AccessTTL)
		if mintErr != nil {
			logger.Error("access token mint error", zap.String("code", "auth.login.mint_error"), zap.Error(mintErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		_, refreshOpaque, issueErr := refreshTokens.Issue(contextGin, applicationUserID, clock.Now().Add(configuration.RefreshTTL).Unix(), "")
		if issueErr != nil || strings.TrimSpace(refreshOpaque) == "" {
			logger.Error("refresh token issue error", zap.String("code", "auth.login.issue_error"), zap.Error(issueErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		metrics.Increment(EventLoginSucceeded)
		logger.Info("login", zap.String("code", EventLoginSucceeded), zap.String("user_id", applicationUserID))
		contextGin.JSON(http.StatusOK, gin.H{
			"access":  accessToken,
			"refresh": refreshOpaque,
		})
	})

	router.POST("/api/token/refresh/", func(contextGin *gin.Context) {
		refreshOpaque, ok := bindRefreshToken(contextGin)
		if !ok {
			return
		}

		applicationUserID, _, _, validateErr := refreshTokens.Validate(contextGin, refreshOpaque)
		if validateErr != nil {
			metrics.Increment(EventRefreshRejected)
			logger.Info("refresh rejected", zap.String("code", EventRefreshRejected), zap.Error(validateErr))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token_not_valid"})
			return
		}

		username, _, userRoles, profileErr := users.GetUserProfile(contextGin, applicationUserID)
		if profileErr != nil {
			metrics.Increment(EventRefreshRejected)
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_not_found"})
			return
		}

		accessToken, _, mintErr := MintAccessToken(clock, applicationUserID, username, userRoles, configuration.AccessTokenIssuer, configuration.AccessTokenSigningKey, configuration.AccessTTL)
		if mintErr != nil {
			logger.Error("access token mint error", zap.String("code", "auth.refresh.mint_error"), zap.Error(mintErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		metrics.Increment(EventRefreshSucceeded)
		contextGin.JSON(http.StatusOK, gin.H{"access": accessToken})
	})

	router.POST("/api/token/revoke/", func(contextGin *gin.Context) {
		refreshOpaque, ok := bindRefreshToken(contextGin)
		if !ok {
			return
		}
		_, tokenID, _, validateErr := refreshTokens.Validate(contextGin, refreshOpaque)
		if validateErr == nil && tokenID != "" {
			if revokeErr := refreshTokens.Revoke(contextGin, tokenID); revokeErr == nil {
				metrics.Increment(EventRefreshRevoked)
			}
		}
		contextGin.Status(http.StatusNoContent)
	})
}

func bindRefreshToken(contextGin *gin.Context) (string, bool) {
	var inbound struct {
		Refresh string `json:"refresh"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Refresh) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return "", false
	}
	return inbound.Refresh, true
}
