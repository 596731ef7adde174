package authkit

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/streamboard/pkg/sessionvalidator"
)

// ClaimsContextKey is the gin context key holding *JwtCustomClaims.
const ClaimsContextKey = sessionvalidator.DefaultContextKey

// RequireBearer validates the Authorization bearer access token and injects claims.
func RequireBearer(configuration ServerConfig, clock Clock, metrics MetricsRecorder) gin.HandlerFunc {
	if clock == nil {
		clock = NewSystemClock()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	validator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: configuration.AccessTokenSigningKey,
		Issuer:     configuration.AccessTokenIssuer,
		Clock:      clock,
	})
	return func(contextGin *gin.Context) {
		if validatorErr != nil {
			metrics.Increment(EventAccessRejected)
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token_not_valid"})
			return
		}
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			metrics.Increment(EventAccessRejected)
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": sessionvalidator.ErrorCode(err)})
			return
		}
		contextGin.Set(ClaimsContextKey, claims)
		contextGin.Next()
	}
}
