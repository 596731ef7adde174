package web

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AnyOrigin opens the API to every dashboard origin. It is accepted because
// sessions travel in the Authorization header, never in cookies.
const AnyOrigin = "*"

var (
	// ErrNoDashboardOrigins indicates CORS was enabled without any origin.
	ErrNoDashboardOrigins = errors.New("web.cors.no_origins")
	// ErrDashboardOrigin indicates an origin that is not a bare scheme://host[:port].
	ErrDashboardOrigin = errors.New("web.cors.invalid_origin")
)

// dashboardHeaders are the request headers the dashboard sends: the bearer
// access token and JSON bodies.
var dashboardHeaders = []string{"Authorization", "Content-Type"}

var dashboardMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodOptions,
}

// ConfigureCORS returns a bearer-only CORS middleware for the dashboard origins.
// Credentials are never allowed; browsers attach no cookies to API calls.
func ConfigureCORS(logger *zap.Logger, dashboardOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins, allowAll, err := dashboardOriginSet(dashboardOrigins)
	if err != nil {
		return nil, err
	}
	config := cors.Config{
		AllowMethods:     dashboardMethods,
		AllowHeaders:     dashboardHeaders,
		AllowCredentials: false,
		MaxAge:           time.Hour,
	}
	if allowAll {
		config.AllowAllOrigins = true
		logger.Info("cors open to every origin", zap.String("code", "web.cors.any_origin"))
	} else {
		config.AllowOrigins = origins
		logger.Info("cors restricted to dashboard origins",
			zap.String("code", "web.cors.origins"),
			zap.Strings("origins", origins))
	}
	return cors.New(config), nil
}

// dashboardOriginSet canonicalizes the configured origins in their given order.
func dashboardOriginSet(configured []string) ([]string, bool, error) {
	origins := make([]string, 0, len(configured))
	known := make(map[string]bool, len(configured))
	for _, raw := range configured {
		candidate := strings.TrimSpace(raw)
		switch candidate {
		case "":
			continue
		case AnyOrigin:
			return nil, true, nil
		}
		origin, err := canonicalOrigin(candidate)
		if err != nil {
			return nil, false, err
		}
		if !known[origin] {
			known[origin] = true
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return nil, false, ErrNoDashboardOrigins
	}
	return origins, false, nil
}

// canonicalOrigin lowercases scheme and host and rejects anything beyond them.
func canonicalOrigin(candidate string) (string, error) {
	parsed, parseErr := url.Parse(candidate)
	if parseErr != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrDashboardOrigin, candidate, parseErr)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: %q: scheme must be http or https", ErrDashboardOrigin, candidate)
	}
	if parsed.Host == "" || parsed.User != nil {
		return "", fmt.Errorf("%w: %q: host required", ErrDashboardOrigin, candidate)
	}
	if strings.TrimSuffix(parsed.Path, "/") != "" || parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", fmt.Errorf("%w: %q: origin carries no path, query or fragment", ErrDashboardOrigin, candidate)
	}
	return scheme + "://" + strings.ToLower(parsed.Host), nil
}
