package limiter

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	fails        int
	updatedAt    time.Time
	blockedUntil time.Time
}

// Memory is an in-process limiter for the sqlite and memory store modes.
type Memory struct {
	mu      sync.Mutex
	policy  Policy
	now     func() time.Time
	entries map[string]*memEntry
	pruned  time.Time
}

var _ Limiter = (*Memory)(nil)

// NewMemory constructs an in-process limiter.
func NewMemory(p Policy) *Memory {
	return &Memory{policy: p, now: time.Now, entries: map[string]*memEntry{}}
}

func memKey(subject string, ipHash []byte) string { return subject + "\x00" + string(ipHash) }

// Allow reports whether an attempt is currently allowed.
func (m *Memory) Allow(_ context.Context, subject string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[memKey(subject, ipHash)]
	if !ok {
		return true, 0, nil
	}
	if wait := e.blockedUntil.Sub(m.now()); wait > 0 {
		return false, wait, nil
	}
	return true, 0, nil
}

// Success forgets the (subject, ip) pair.
func (m *Memory) Success(_ context.Context, subject string, ipHash []byte) error {
	m.mu.Lock()
	delete(m.entries, memKey(subject, ipHash))
	m.mu.Unlock()
	return nil
}

// Failure records a failed attempt and blocks once MaxFails is reached inside Window.
func (m *Memory) Failure(_ context.Context, subject string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	k := memKey(subject, ipHash)
	m.prune(now, k)
	e, ok := m.entries[k]
	switch {
	case !ok:
		e = &memEntry{}
		m.entries[k] = e
	case now.Sub(e.updatedAt) > m.policy.Window:
		e.fails = 0
	}
	e.fails++
	e.updatedAt = now
	if e.fails < m.policy.MaxFails {
		return false, 0, nil
	}
	e.blockedUntil = now.Add(m.policy.BlockFor)
	return true, m.policy.BlockFor, nil
}

// prune drops entries whose window and block both ended, at most once per Window.
func (m *Memory) prune(now time.Time, keep string) {
	if now.Sub(m.pruned) < m.policy.Window {
		return
	}
	m.pruned = now
	for k, e := range m.entries {
		if k != keep && now.Sub(e.updatedAt) > m.policy.Window && !now.Before(e.blockedUntil) {
			delete(m.entries, k)
		}
	}
}
