package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/donorledger/internal/kvstore"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DriverSQLite selects the gorm/SQLite backend.
	DriverSQLite = "sqlite"
	// DriverBolt selects the BoltDB backend.
	DriverBolt = "bolt"
	// DriverMemory selects a non-persistent in-process store.
	DriverMemory = "memory"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&kvstore.Entry{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// OpenStore opens the key/value backend selected by driver. The returned
// close function releases the backend and is never nil.
func OpenStore(driver, path string, logger *zap.Logger) (kvstore.Store, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite, "":
		db, err := OpenSQLite(path, logger)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		store, err := kvstore.NewSQLStore(db, time.Now)
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		return store, sqlDB.Close, nil
	case DriverBolt:
		store, err := kvstore.OpenBolt(path)
		if err != nil {
			return nil, nil, err
		}
		if logger != nil {
			logger.Info("bolt store initialized", zap.String("path", path))
		}
		return store, store.Close, nil
	case DriverMemory:
		return kvstore.NewMemoryStore(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}
