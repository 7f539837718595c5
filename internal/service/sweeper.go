package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/report-keeper/internal/errs"
	"github.com/and161185/report-keeper/internal/model"
	"github.com/and161185/report-keeper/internal/repository"
)

// Sweeper validates day buckets that aged past the lock window.
// It goes through LedgerRepository.Update, so it serializes with request handlers per user.
type Sweeper struct {
	users   repository.UserRepository
	ledgers repository.LedgerRepository
	policy  LockPolicy
	log     *zap.Logger
	now     func() time.Time
}

// NewSweeper constructs a Sweeper.
func NewSweeper(users repository.UserRepository, ledgers repository.LedgerRepository, policy LockPolicy, log *zap.Logger) *Sweeper {
	return &Sweeper{users: users, ledgers: ledgers, policy: policy, log: log, now: time.Now}
}

// Sweep validates every due, unvalidated bucket with the system sentinel and returns how many changed.
// Already validated buckets are left untouched, so repeated sweeps are no-ops.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return 0, err
	}
	ids := make([]int64, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	now := s.now()
	total := 0
	var failed []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		if _, err := s.ledgers.Get(ctx, id); errors.Is(err, errs.ErrNotFound) {
			continue
		}
		n := 0
		err := s.ledgers.Update(ctx, id, func(l *model.UserLedger) error {
			n = 0
			for _, b := range l.Items {
				if !b.Validated && s.policy.Due(b.Day, now) {
					b.Validated = true
					b.ValidatedBy = model.ValidatedBySystem
					n++
				}
			}
			if n == 0 {
				return repository.ErrSkipWrite
			}
			return nil
		})
		if err != nil {
			failed = append(failed, fmt.Errorf("user %d: %w", id, err))
			continue
		}
		total += n
	}
	if total > 0 {
		s.log.Info("day buckets validated", zap.Int("count", total))
	}
	return total, errors.Join(failed...)
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	sweep := func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("sweep failed", zap.Error(err))
		}
	}
	sweep()
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sweep()
		}
	}
}

// Hook adapts Sweep to LedgerServiceImpl.SweepBeforeRead.
func (s *Sweeper) Hook() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := s.Sweep(ctx)
		return err
	}
}
