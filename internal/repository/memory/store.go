// Package memory contains an in-process DocumentStore used for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/and161185/report-keeper/internal/errs"
	"github.com/and161185/report-keeper/internal/repository"
	"github.com/and161185/report-keeper/internal/repository/keylock"
)

// Store keeps documents in a map. Writers serialize per key; readers see whole values only.
type Store struct {
	mu    sync.RWMutex
	docs  map[string][]byte
	locks keylock.Locker
}

var _ repository.DocumentStore = (*Store)(nil)

// New constructs an empty store.
func New() *Store { return &Store{docs: map[string][]byte{}} }

func (s *Store) load(key string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.docs[key]
	if !ok {
		return nil
	}
	return append([]byte(nil), v...)
}

func (s *Store) store(key string, v []byte) {
	s.mu.Lock()
	s.docs[key] = append([]byte(nil), v...)
	s.mu.Unlock()
}

// Get returns a copy of the document at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := s.load(key)
	if v == nil {
		return nil, errs.ErrNotFound
	}
	return v, nil
}

// Put replaces the document at key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(key)
	defer unlock()
	s.store(key, value)
	return nil
}

// Update runs fn while holding the key's lock.
func (s *Store) Update(ctx context.Context, key string, fn repository.UpdateFunc) error {
	unlock := s.locks.Lock(key)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	next, err := fn(s.load(key))
	if err != nil {
		return err
	}
	if next != nil {
		s.store(key, next)
	}
	return nil
}

// Increment bumps a counter field under the key's lock.
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
	s.mu.Lock()
	delete(s.docs, key)
	s.mu.Unlock()
	return nil
}
