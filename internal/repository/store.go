// Package repository defines the document store contract and typed repositories on top of it.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Well-known document keys.
const (
	KeyUsers    = "users"
	KeySessions = "sessions"
	KeyCounters = "idCounters"
)

// LedgerKey returns the document key of a user's ledger.
func LedgerKey(userID int64) string { return "reports:" + strconv.FormatInt(userID, 10) }

// UpdateFunc receives the current document (nil when absent) and returns the next one.
// Returning nil bytes skips the write; returning an error aborts without writing.
type UpdateFunc func(cur []byte) ([]byte, error)

// DocumentStore is a persistent key/value store of JSON documents.
// Readers never observe a partially written value.
type DocumentStore interface {
	// Get returns the document stored at key or errs.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put replaces the document stored at key.
	Put(ctx context.Context, key string, value []byte) error
	// Update runs fn under an exclusive per-key lock and persists its result.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	// Increment atomically increments a numeric field of the document at key and
	// returns the new value once it is durably stored.
	Increment(ctx context.Context, key, field string) (int64, error)
	// Delete removes the document at key; absent keys are not an error.
	Delete(ctx context.Context, key string) error
}

// IncrementField increments field of a JSON object document and returns the new document.
// Backends without a native atomic increment call it from inside Update.
func IncrementField(cur []byte, field string) ([]byte, int64, error) {
	counters := map[string]int64{}
	if len(cur) > 0 && string(cur) != "null" {
		if err := json.Unmarshal(cur, &counters); err != nil {
			return nil, 0, fmt.Errorf("decode counters: %w", err)
		}
	}
	counters[field]++
	next, err := json.Marshal(counters)
	if err != nil {
		return nil, 0, err
	}
	return next, counters[field], nil
}
