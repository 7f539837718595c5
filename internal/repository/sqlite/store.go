// Package sqlite contains a single-node DocumentStore on an embedded SQLite file via gorm.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/and161185/report-keeper/internal/errs"
	"github.com/and161185/report-keeper/internal/repository"
	"github.com/and161185/report-keeper/internal/repository/keylock"
)

// documentRow is the persisted form of one document.
type documentRow struct {
	Key       string `gorm:"primaryKey"`
	Value     []byte `gorm:"not null"`
	UpdatedAt time.Time
}

func (documentRow) TableName() string { return "documents" }

// Open opens (creating if needed) the SQLite file at path and migrates the schema.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// one writer connection avoids SQLITE_BUSY; update funcs must not call back into the store
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&documentRow{}); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	return db, nil
}

// Store implements repository.DocumentStore. Writers serialize per key in-process;
// each write commits in its own transaction so readers never see torn values.
type Store struct {
	db    *gorm.DB
	locks keylock.Locker
}

var _ repository.DocumentStore = (*Store)(nil)

// New wraps an opened database.
func New(db *gorm.DB) *Store { return &Store{db: db} }

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, errs.ErrStorage, err)
}

func read(tx *gorm.DB, key string) ([]byte, error) {
	var row documentRow
	err := tx.Take(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.Value, nil
}

func write(tx *gorm.DB, key string, value []byte) error {
	row := documentRow{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// Get returns the document at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := read(s.db.WithContext(ctx), key)
	if err != nil {
		return nil, storageErr("get "+key, err)
	}
	if v == nil {
		return nil, errs.ErrNotFound
	}
	return v, nil
}

// Put upserts the document at key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	unlock := s.locks.Lock(key)
	defer unlock()
	if err := write(s.db.WithContext(ctx), key, value); err != nil {
		return storageErr("put "+key, err)
	}
	return nil
}

// Update applies fn inside a transaction while holding the key's lock.
func (s *Store) Update(ctx context.Context, key string, fn repository.UpdateFunc) error {
	unlock := s.locks.Lock(key)
	defer unlock()

	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := read(tx, key)
		if err != nil {
			return storageErr("select "+key, err)
		}
		next, err := fn(cur)
		if err != nil {
			fnErr = err
			return err
		}
		if next == nil {
			return nil
		}
		if err := write(tx, key, next); err != nil {
			return storageErr("update "+key, err)
		}
		return nil
	})
	if err != nil && fnErr == nil && !errors.Is(err, errs.ErrStorage) {
		return storageErr("commit "+key, err)
	}
	return err
}

// Increment bumps a counter field of the document at key.
func (s *Store) Increment(ctx context.Context, key, field string) (int64, error) {
	var n int64
	err := s.Update(ctx, key, func(cur []byte) ([]byte, error) {
		next, v, err := repository.IncrementField(cur, field)
		n = v
		return next, err
	})
	return n, err
}

// Delete removes the document at key.
func (s *Store) Delete(ctx context.Context, key string) error {
	unlock := s.locks.Lock(key)
	defer unlock()
	if err := s.db.WithContext(ctx).Delete(&documentRow{}, "key = ?", key).Error; err != nil {
		return storageErr("delete "+key, err)
	}
	return nil
}
