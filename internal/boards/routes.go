package boards

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/streamboard/internal/authkit"
	"go.uber.org/zap"
)

// BoardStore is the persistence surface behind the streamboard routes.
type BoardStore interface {
	Create(ctx context.Context, ownerID string, draft Draft) (Board, error)
	View(ctx context.Context, boardID string) (Board, error)
	Replace(ctx context.Context, boardID string, ownerID string, draft Draft) (Board, error)
	SetLayout(ctx context.Context, boardID string, ownerID string, layout json.RawMessage) (Board, error)
}

// emptyLayout is stored when a layout update names no fields.
var emptyLayout = json.RawMessage("[]")

// MountRoutes registers the streamboard routes behind requireBearer:
// POST /api/streamboard/ and GET, PUT, PATCH /api/streamboard/:id/.
// Any signed-in user may read a board; only its owner may change it.
func MountRoutes(router gin.IRouter, requireBearer gin.HandlerFunc, logger *zap.Logger, store BoardStore) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		panic("board store is required")
	}
	group := router.Group("/api/streamboard", requireBearer)

	group.POST("/", func(contextGin *gin.Context) {
		ownerID, ok := currentUserID(contextGin)
		if !ok {
			return
		}
		var draft Draft
		if err := contextGin.ShouldBindJSON(&draft); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		board, createErr := store.Create(contextGin, ownerID, draft)
		if createErr != nil {
			abortBoardError(contextGin, logger, "boards.create", createErr)
			return
		}
		logger.Info("streamboard created",
			zap.String("code", "boards.create.created"),
			zap.String("board_id", board.ID),
			zap.String("user_id", ownerID))
		contextGin.JSON(http.StatusCreated, boardPayload(board))
	})

	group.GET("/:id/", func(contextGin *gin.Context) {
		if _, ok := currentUserID(contextGin); !ok {
			return
		}
		board, viewErr := store.View(contextGin, contextGin.Param("id"))
		if viewErr != nil {
			abortBoardError(contextGin, logger, "boards.view", viewErr)
			return
		}
		contextGin.JSON(http.StatusOK, boardPayload(board))
	})

	group.PUT("/:id/", func(contextGin *gin.Context) {
		ownerID, ok := currentUserID(contextGin)
		if !ok {
			return
		}
		var draft Draft
		if err := contextGin.ShouldBindJSON(&draft); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		board, replaceErr := store.Replace(contextGin, contextGin.Param("id"), ownerID, draft)
		if replaceErr != nil {
			abortBoardError(contextGin, logger, "boards.replace", replaceErr)
			return
		}
		contextGin.JSON(http.StatusOK, boardPayload(board))
	})

	group.PATCH("/:id/", func(contextGin *gin.Context) {
		ownerID, ok := currentUserID(contextGin)
		if !ok {
			return
		}
		var inbound struct {
			Fields json.RawMessage `json:"fields"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		layout := inbound.Fields
		if trimmed := bytes.TrimSpace(layout); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			layout = emptyLayout
		}
		board, layoutErr := store.SetLayout(contextGin, contextGin.Param("id"), ownerID, layout)
		if layoutErr != nil {
			abortBoardError(contextGin, logger, "boards.set_layout", layoutErr)
			return
		}
		contextGin.JSON(http.StatusOK, boardPayload(board))
	})
}

func currentUserID(contextGin *gin.Context) (string, bool) {
	claimsValue, _ := contextGin.Get(authkit.ClaimsContextKey)
	claims, ok := claimsValue.(*authkit.JwtCustomClaims)
	if !ok || claims == nil || claims.UserID == "" {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
		return "", false
	}
	return claims.UserID, true
}

func abortBoardError(contextGin *gin.Context, logger *zap.Logger, area string, err error) {
	switch {
	case errors.Is(err, ErrBoardNotFound):
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, ErrNotOwner):
		contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not_owner"})
	case errors.Is(err, ErrMissingLayout):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_layout"})
	case errors.Is(err, ErrInvalidLayout):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_layout"})
	case errors.Is(err, ErrTitleTooLong):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "title_too_long"})
	default:
		logger.Error("streamboard storage error", zap.String("code", area+".error"), zap.Error(err))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
	}
}

func boardPayload(board Board) gin.H {
	return gin.H{
		"id":               board.ID,
		"user":             board.OwnerID,
		"title":            board.Title,
		"background_image": board.BackgroundImage,
		"layout_json":      board.Layout,
		"created_at":       board.CreatedAt.Format(time.RFC3339),
		"updated_at":       board.UpdatedAt.Format(time.RFC3339),
		"last_view":        board.LastViewedAt.Format(time.RFC3339),
	}
}
