package boards

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/streamboard/internal/authkit"
	"github.com/tyemirov/streamboard/internal/database"
	"gorm.io/gorm"
)

var (
	// ErrBoardNotFound indicates no board exists under the identifier.
	ErrBoardNotFound = errors.New("boards.not_found")
	// ErrNotOwner indicates a write by a user who does not own the board.
	ErrNotOwner = errors.New("boards.not_owner")
	// ErrMissingLayout indicates a board without layout_json.
	ErrMissingLayout = errors.New("boards.missing_layout")
	// ErrInvalidLayout indicates layout_json that is not valid JSON.
	ErrInvalidLayout = errors.New("boards.invalid_layout")
	// ErrTitleTooLong indicates a title over maxTitleLength characters.
	ErrTitleTooLong = errors.New("boards.title_too_long")
	// ErrMissingOwner indicates a board created without an owner.
	ErrMissingOwner = errors.New("boards.missing_owner")
)

const maxTitleLength = 255

// Board is a saved dashboard layout.
type Board struct {
	ID              string
	OwnerID         string
	Title           string
	BackgroundImage string
	Layout          json.RawMessage
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastViewedAt    time.Time
}

// Draft carries the writable board fields.
type Draft struct {
	Title           string          `json:"title"`
	BackgroundImage string          `json:"background_image"`
	Layout          json.RawMessage `json:"layout_json"`
}

type boardRecord struct {
	ID              string `gorm:"column:id;primaryKey;size:36"`
	OwnerID         string `gorm:"column:owner_id;index;not null"`
	Title           string `gorm:"column:title;size:255;not null"`
	BackgroundImage string `gorm:"column:background_image;not null"`
	LayoutJSON      string `gorm:"column:layout_json;not null"`
	CreatedAtUnix   int64  `gorm:"column:created_at_unix;not null"`
	UpdatedAtUnix   int64  `gorm:"column:updated_at_unix;not null"`
	LastViewUnix    int64  `gorm:"column:last_view_unix;not null"`
}

func (boardRecord) TableName() string {
	return "streamboards"
}

func (record boardRecord) board() Board {
	return Board{
		ID:              record.ID,
		OwnerID:         record.OwnerID,
		Title:           record.Title,
		BackgroundImage: record.BackgroundImage,
		Layout:          json.RawMessage(record.LayoutJSON),
		CreatedAt:       time.Unix(record.CreatedAtUnix, 0).UTC(),
		UpdatedAt:       time.Unix(record.UpdatedAtUnix, 0).UTC(),
		LastViewedAt:    time.Unix(record.LastViewUnix, 0).UTC(),
	}
}

// Store persists boards in the streamboards table.
type Store struct {
	db          *gorm.DB
	driverLabel string
	clock       authkit.Clock
}

// NewStore opens databaseURL (sqlite:// or postgres://) and migrates the streamboards table.
func NewStore(ctx context.Context, databaseURL string, clock authkit.Clock) (*Store, error) {
	gormDB, driverLabel, err := database.Open(ctx, databaseURL, &boardRecord{})
	if err != nil {
		return nil, fmt.Errorf("boards.open: %w", err)
	}
	if clock == nil {
		clock = authkit.NewSystemClock()
	}
	return &Store{db: gormDB, driverLabel: driverLabel, clock: clock}, nil
}

// Driver exposes the selected database driver label.
func (store *Store) Driver() string {
	return store.driverLabel
}

// Create saves a new board owned by ownerID.
func (store *Store) Create(ctx context.Context, ownerID string, draft Draft) (Board, error) {
	if strings.TrimSpace(ownerID) == "" {
		return Board{}, fmt.Errorf("boards.create: %w", ErrMissingOwner)
	}
	layout, title, err := validateDraft(draft)
	if err != nil {
		return Board{}, fmt.Errorf("boards.create: %w", err)
	}
	now := store.clock.Now().UTC().Unix()
	record := boardRecord{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		Title:           title,
		BackgroundImage: strings.TrimSpace(draft.BackgroundImage),
		LayoutJSON:      layout,
		CreatedAtUnix:   now,
		UpdatedAtUnix:   now,
		LastViewUnix:    now,
	}
	if createErr := store.db.WithContext(ctx).Create(&record).Error; createErr != nil {
		return Board{}, fmt.Errorf("boards.create.%s: %w", store.driverLabel, createErr)
	}
	return record.board(), nil
}

// Get loads a board without touching its view timestamp.
func (store *Store) Get(ctx context.Context, boardID string) (Board, error) {
	record, err := store.load(ctx, store.db, boardID)
	if err != nil {
		return Board{}, fmt.Errorf("boards.get: %w", err)
	}
	return record.board(), nil
}

// View loads a board and stamps its last view time.
func (store *Store) View(ctx context.Context, boardID string) (Board, error) {
	var viewed boardRecord
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, loadErr := store.load(ctx, tx, boardID)
		if loadErr != nil {
			return loadErr
		}
		record.LastViewUnix = store.clock.Now().UTC().Unix()
		if updateErr := tx.Model(&boardRecord{}).Where("id = ?", record.ID).Update("last_view_unix", record.LastViewUnix).Error; updateErr != nil {
			return updateErr
		}
		viewed = record
		return nil
	})
	if err != nil {
		return Board{}, fmt.Errorf("boards.view.%s: %w", store.driverLabel, err)
	}
	return viewed.board(), nil
}

// Replace overwrites every writable field of a board owned by ownerID.
func (store *Store) Replace(ctx context.Context, boardID string, ownerID string, draft Draft) (Board, error) {
	layout, title, err := validateDraft(draft)
	if err != nil {
		return Board{}, fmt.Errorf("boards.replace: %w", err)
	}
	updated, updateErr := store.update(ctx, boardID, ownerID, func(record *boardRecord) {
		record.Title = title
		record.BackgroundImage = strings.TrimSpace(draft.BackgroundImage)
		record.LayoutJSON = layout
	})
	if updateErr != nil {
		return Board{}, fmt.Errorf("boards.replace: %w", updateErr)
	}
	return updated, nil
}

// SetLayout replaces only the layout of a board owned by ownerID.
func (store *Store) SetLayout(ctx context.Context, boardID string, ownerID string, layout json.RawMessage) (Board, error) {
	compacted, err := compactLayout(layout)
	if err != nil {
		return Board{}, fmt.Errorf("boards.set_layout: %w", err)
	}
	updated, updateErr := store.update(ctx, boardID, ownerID, func(record *boardRecord) {
		record.LayoutJSON = compacted
	})
	if updateErr != nil {
		return Board{}, fmt.Errorf("boards.set_layout: %w", updateErr)
	}
	return updated, nil
}

func (store *Store) update(ctx context.Context, boardID string, ownerID string, apply func(record *boardRecord)) (Board, error) {
	var updated boardRecord
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, loadErr := store.load(ctx, tx, boardID)
		if loadErr != nil {
			return loadErr
		}
		if record.OwnerID != ownerID {
			return ErrNotOwner
		}
		apply(&record)
		now := store.clock.Now().UTC().Unix()
		record.UpdatedAtUnix = now
		record.LastViewUnix = now
		if saveErr := tx.Save(&record).Error; saveErr != nil {
			return fmt.Errorf("%s: %w", store.driverLabel, saveErr)
		}
		updated = record
		return nil
	})
	if err != nil {
		return Board{}, err
	}
	return updated.board(), nil
}

func (store *Store) load(ctx context.Context, db *gorm.DB, boardID string) (boardRecord, error) {
	parsed, parseErr := uuid.Parse(strings.TrimSpace(boardID))
	if parseErr != nil {
		return boardRecord{}, ErrBoardNotFound
	}
	var record boardRecord
	err := db.WithContext(ctx).Where("id = ?", parsed.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return boardRecord{}, ErrBoardNotFound
	}
	if err != nil {
		return boardRecord{}, fmt.Errorf("%s: %w", store.driverLabel, err)
	}
	return record, nil
}

func validateDraft(draft Draft) (string, string, error) {
	title := strings.TrimSpace(draft.Title)
	if len([]rune(title)) > maxTitleLength {
		return "", "", ErrTitleTooLong
	}
	layout, err := compactLayout(draft.Layout)
	if err != nil {
		return "", "", err
	}
	return layout, title, nil
}

func compactLayout(layout json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(layout)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", ErrMissingLayout
	}
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, trimmed); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidLayout, err)
	}
	return compacted.String(), nil
}
