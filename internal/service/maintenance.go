package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/report-keeper/internal/model"
)

// Reset wipes report data: every session, every user's ledger, the record and attachment
// counters and all report attachments. Users and the user counter are kept.
// Record mutations of this instance wait for it to finish. Each ledger is emptied under
// its document lock before removal, so writers of other instances sharing the store
// either land before the wipe or see an empty ledger.
func (s *LedgerServiceImpl) Reset(ctx context.Context) error {
	s.writes.Lock()
	defer s.writes.Unlock()

	if err := s.sessions.Clear(ctx); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	users, err := s.users.List(ctx)
	if err != nil {
		return err
	}
	var failed []error
	for id := range users {
		err := s.ledgers.Update(ctx, id, func(l *model.UserLedger) error {
			clear(l.Items)
			return nil
		})
		if err == nil {
			err = s.ledgers.Delete(ctx, id)
		}
		if err != nil {
			failed = append(failed, fmt.Errorf("ledger %d: %w", id, err))
		}
	}
	if err := s.counters.Reset(ctx, model.CounterRecord, model.CounterAttachment); err != nil {
		failed = append(failed, fmt.Errorf("counters: %w", err))
	}
	if err := s.files.DeleteAll(ctx, ReportsScope); err != nil {
		failed = append(failed, fmt.Errorf("attachments: %w", err))
	}
	if err := errors.Join(failed...); err != nil {
		return err
	}
	s.log.Warn("report data reset", zap.Int("users", len(users)))
	return nil
}
