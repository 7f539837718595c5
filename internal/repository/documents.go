package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/and161185/report-keeper/internal/errs"
	"github.com/and161185/report-keeper/internal/model"
)

// ErrSkipWrite may be returned by an update callback to leave the document untouched.
var ErrSkipWrite = errors.New("skip write")

// UserRepository provides access to the users document.
type UserRepository interface {
	// List returns every user keyed by id.
	List(ctx context.Context) (map[int64]*model.User, error)
	// Update mutates the users map under an exclusive lock.
	Update(ctx context.Context, fn func(users map[int64]*model.User) error) error
}

// SessionRepository provides access to the sessions document.
type SessionRepository interface {
	// Get loads the session keyed by apiKey.
	Get(ctx context.Context, apiKey string) (*model.Session, error)
	// Update mutates the sessions map under an exclusive lock.
	Update(ctx context.Context, fn func(sessions map[string]*model.Session) error) error
	// Clear drops every session.
	Clear(ctx context.Context) error
}

// LedgerRepository provides per-user ledger documents.
type LedgerRepository interface {
	Get(ctx context.Context, userID int64) (*model.UserLedger, error)
	Update(ctx context.Context, userID int64, fn func(l *model.UserLedger) error) error
	Delete(ctx context.Context, userID int64) error
}

// CounterRepository hands out durable ids.
type CounterRepository interface {
	Next(ctx context.Context, name string) (int64, error)
	Reset(ctx context.Context, names ...string) error
}

var (
	_ UserRepository    = (*UserRepo)(nil)
	_ SessionRepository = (*SessionRepo)(nil)
	_ LedgerRepository  = (*LedgerRepo)(nil)
	_ CounterRepository = (*CounterRepo)(nil)
)

// getJSON loads and decodes the document at key into v.
func getJSON(ctx context.Context, store DocumentStore, key string, v any) error {
	raw, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w: %v", key, errs.ErrStorage, err)
	}
	return nil
}

// updateJSON decodes the document at key into a fresh value, applies fn and writes it back.
// Unchanged documents, and callbacks returning ErrSkipWrite, are not rewritten.
func updateJSON[T any](ctx context.Context, store DocumentStore, key string, fresh func() T, fn func(T) error) error {
	return store.Update(ctx, key, func(cur []byte) ([]byte, error) {
		v := fresh()
		if len(cur) > 0 && string(cur) != "null" {
			if err := json.Unmarshal(cur, &v); err != nil {
				return nil, fmt.Errorf("decode %s: %w: %v", key, errs.ErrStorage, err)
			}
		}
		if err := fn(v); err != nil {
			if errors.Is(err, ErrSkipWrite) {
				return nil, nil
			}
			return nil, err
		}
		next, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(next, cur) {
			return nil, nil
		}
		return next, nil
	})
}

// UserRepo stores every account in the single "users" document, keyed by id.
type UserRepo struct{ store DocumentStore }

// NewUserRepo constructs a user repository.
func NewUserRepo(store DocumentStore) *UserRepo { return &UserRepo{store: store} }

// List returns all users; an absent document is an empty set.
func (r *UserRepo) List(ctx context.Context) (map[int64]*model.User, error) {
	users := map[int64]*model.User{}
	if err := getJSON(ctx, r.store, KeyUsers, &users); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}
	if users == nil {
		users = map[int64]*model.User{}
	}
	return users, nil
}

// Update applies fn to the users document under its lock.
func (r *UserRepo) Update(ctx context.Context, fn func(users map[int64]*model.User) error) error {
	return updateJSON(ctx, r.store, KeyUsers, func() map[int64]*model.User { return map[int64]*model.User{} }, fn)
}

// SessionRepo stores sessions in the single "sessions" document, keyed by api key.
type SessionRepo struct{ store DocumentStore }

// NewSessionRepo constructs a session repository.
func NewSessionRepo(store DocumentStore) *SessionRepo { return &SessionRepo{store: store} }

// Get returns the session stored under apiKey or errs.ErrNotFound.
func (r *SessionRepo) Get(ctx context.Context, apiKey string) (*model.Session, error) {
	sessions := map[string]*model.Session{}
	if err := getJSON(ctx, r.store, KeySessions, &sessions); err != nil {
		return nil, err
	}
	s, ok := sessions[apiKey]
	if !ok || s == nil {
		return nil, errs.ErrNotFound
	}
	return s, nil
}

// Update applies fn to the sessions document under its lock.
func (r *SessionRepo) Update(ctx context.Context, fn func(sessions map[string]*model.Session) error) error {
	return updateJSON(ctx, r.store, KeySessions, func() map[string]*model.Session { return map[string]*model.Session{} }, fn)
}

// Clear removes every session.
func (r *SessionRepo) Clear(ctx context.Context) error {
	return r.store.Delete(ctx, KeySessions)
}

// LedgerRepo stores one document per user ledger.
type LedgerRepo struct{ store DocumentStore }

// NewLedgerRepo constructs a ledger repository.
func NewLedgerRepo(store DocumentStore) *LedgerRepo { return &LedgerRepo{store: store} }

// Get returns the user's ledger or errs.ErrNotFound.
func (r *LedgerRepo) Get(ctx context.Context, userID int64) (*model.UserLedger, error) {
	l := model.NewUserLedger(userID)
	if err := getJSON(ctx, r.store, LedgerKey(userID), l); err != nil {
		return nil, err
	}
	if l.Items == nil {
		l.Items = map[string]*model.DayBucket{}
	}
	return l, nil
}

// Update applies fn to the user's ledger under its lock, creating an empty ledger when absent.
func (r *LedgerRepo) Update(ctx context.Context, userID int64, fn func(l *model.UserLedger) error) error {
	fresh := func() *model.UserLedger { return model.NewUserLedger(userID) }
	return updateJSON(ctx, r.store, LedgerKey(userID), fresh, func(l *model.UserLedger) error {
		if l.Items == nil {
			l.Items = map[string]*model.DayBucket{}
		}
		return fn(l)
	})
}

// Delete removes the user's ledger.
func (r *LedgerRepo) Delete(ctx context.Context, userID int64) error {
	return r.store.Delete(ctx, LedgerKey(userID))
}

// CounterRepo hands out monotonically increasing ids.
type CounterRepo struct{ store DocumentStore }

// NewCounterRepo constructs a counter repository.
func NewCounterRepo(store DocumentStore) *CounterRepo { return &CounterRepo{store: store} }

// Next returns the next id for the named counter; it is persisted before it is returned.
func (r *CounterRepo) Next(ctx context.Context, name string) (int64, error) {
	return r.store.Increment(ctx, KeyCounters, name)
}

// Reset zeroes the named counters.
func (r *CounterRepo) Reset(ctx context.Context, names ...string) error {
	return updateJSON(ctx, r.store, KeyCounters, func() map[string]int64 { return map[string]int64{} }, func(c map[string]int64) error {
		for _, n := range names {
			delete(c, n)
		}
		return nil
	})
}
