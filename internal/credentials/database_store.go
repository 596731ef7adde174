package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tyemirov/streamboard/internal/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseStore persists credentials in a key/value table using GORM, so a session
// survives process restarts.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
}

type credentialRecord struct {
	Key           string `gorm:"column:credential_key;primaryKey"`
	Value         string `gorm:"column:value;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (credentialRecord) TableName() string {
	return "credentials"
}

// NewDatabaseStore opens databaseURL (sqlite:// or postgres://) and migrates the schema.
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	gormDB, driverLabel, err := database.Open(ctx, databaseURL, &credentialRecord{})
	if err != nil {
		return nil, fmt.Errorf("credential_store.open: %w", err)
	}
	return &DatabaseStore{db: gormDB, driverLabel: driverLabel}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

// Get returns the value stored under key.
func (store *DatabaseStore) Get(ctx context.Context, key string) (string, bool, error) {
	if strings.TrimSpace(key) == "" {
		return "", false, fmt.Errorf("credential_store.get.%s: %w", store.driverLabel, ErrEmptyKey)
	}
	var record credentialRecord
	err := store.db.WithContext(ctx).Where("credential_key = ?", key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("credential_store.get.%s: %w", store.driverLabel, err)
	}
	return record.Value, true, nil
}

// Set upserts the value stored under key.
func (store *DatabaseStore) Set(ctx context.Context, key string, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("credential_store.set.%s: %w", store.driverLabel, ErrEmptyKey)
	}
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("credential_store.set.%s: %w", store.driverLabel, ErrEmptyValue)
	}
	record := credentialRecord{
		Key:           key,
		Value:         value,
		UpdatedAtUnix: time.Now().UTC().Unix(),
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "credential_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_unix"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("credential_store.set.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Remove deletes key; removing an absent key is not an error.
func (store *DatabaseStore) Remove(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("credential_store.remove.%s: %w", store.driverLabel, ErrEmptyKey)
	}
	if err := store.db.WithContext(ctx).Where("credential_key = ?", key).Delete(&credentialRecord{}).Error; err != nil {
		return fmt.Errorf("credential_store.remove.%s: %w", store.driverLabel, err)
	}
	return nil
}
