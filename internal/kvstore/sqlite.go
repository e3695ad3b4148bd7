package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Entry is the row backing one key in the SQLite store.
type Entry struct {
	Key              string `gorm:"column:entry_key;primaryKey;size:255;not null"`
	Value            string `gorm:"column:entry_value;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "kv_entries"
}

// SQLStore persists entries in a gorm-managed table.
type SQLStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLStore wraps a migrated database handle.
func NewSQLStore(db *gorm.DB, clock func() time.Time) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("kvstore: database handle required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLStore{db: db, clock: clock}, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where("entry_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvstore: get %s: %w", key, err)
	}
	return entry.Value, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	entry := Entry{Key: key, Value: value, UpdatedAtSeconds: s.clock().UTC().Unix()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"entry_value", "updated_at_s"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("kvstore: set %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Remove(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("entry_key = ?", key).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("kvstore: remove %s: %w", key, err)
	}
	return nil
}
