package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/report-keeper/internal/errs"
	"github.com/and161185/report-keeper/internal/model"
	"github.com/and161185/report-keeper/internal/repository"
)

// DefaultLockAfterDays is the age in days at which a day bucket freezes.
const DefaultLockAfterDays = 30

// LockPolicy decides when a day bucket stops accepting record-level changes.
type LockPolicy struct {
	After int // days; non-positive disables time-based locking
}

// Due reports whether day is old enough to be locked at now. Unparseable days are never due.
func (p LockPolicy) Due(day string, now time.Time) bool {
	if p.After <= 0 {
		return false
	}
	t, ok := model.ParseDayStrict(day)
	if !ok {
		return false
	}
	return model.DaysBetween(t, now) >= p.After
}

// Locked reports whether b rejects edits and deletes, either validated or past the window.
func (p LockPolicy) Locked(b *model.DayBucket, now time.Time) bool {
	return b.Validated || p.Due(b.Day, now)
}

// NewRecord is the input of AddRecord.
type NewRecord struct {
	Title       string
	Text        string
	Day         string
	ExtraFields []model.ExtraField
	Files       []model.Upload
}

// RecordPatch is the input of EditRecord. Empty Title and Text keep their value; nil ExtraFields keeps them.
type RecordPatch struct {
	RecordID      int64
	Day           string
	Title         string
	Text          string
	ExtraFields   []model.ExtraField
	FilesToDelete []int64
	NewFiles      []model.Upload
}

// LedgerService manages per-user, day-bucketed records and their attachments.
type LedgerService interface {
	// AddRecord appends a record to the user's bucket for the parsed day.
	AddRecord(ctx context.Context, userID int64, in NewRecord) (*model.Record, error)
	// EditRecord patches a record in an unlocked bucket.
	EditRecord(ctx context.Context, userID int64, patch RecordPatch) (*model.Record, error)
	// DeleteRecord removes a record and its attachments. An empty day searches every bucket.
	DeleteRecord(ctx context.Context, userID int64, day string, recordID int64) (*model.Record, error)
	// ListRecords returns every ledger for admins, or the requester's own.
	ListRecords(ctx context.Context, requesterID int64, isAdmin bool) (map[int64]*model.UserLedger, error)
	// GetRecord finds a record visible to the requester.
	GetRecord(ctx context.Context, requesterID int64, isAdmin bool, recordID int64) (*model.Record, error)
	// ValidateDay locks one of a user's buckets on behalf of an administrator.
	ValidateDay(ctx context.Context, adminID, userID int64, day string) (*model.DayBucket, error)
	// Reset clears sessions, ledgers, record and attachment counters and report files.
	Reset(ctx context.Context) error
}

type LedgerServiceImpl struct {
	users      repository.UserRepository
	sessions   repository.SessionRepository
	ledgers    repository.LedgerRepository
	counters   repository.CounterRepository
	files      AttachmentStore
	policy     LockPolicy
	beforeRead func(ctx context.Context) error
	log        *zap.Logger
	now        func() time.Time

	// writes is held shared by record mutations and exclusively by Reset,
	// so a reset never lands between an upload and its ledger insert.
	writes sync.RWMutex
}

var _ LedgerService = (*LedgerServiceImpl)(nil)

// NewLedgerService constructs LedgerService.
func NewLedgerService(
	users repository.UserRepository,
	sessions repository.SessionRepository,
	ledgers repository.LedgerRepository,
	counters repository.CounterRepository,
	files AttachmentStore,
	policy LockPolicy,
	log *zap.Logger,
) *LedgerServiceImpl {
	return &LedgerServiceImpl{
		users:    users,
		sessions: sessions,
		ledgers:  ledgers,
		counters: counters,
		files:    files,
		policy:   policy,
		log:      log,
		now:      time.Now,
	}
}

// SweepBeforeRead installs a hook run before list and get; its failures are logged only.
func (s *LedgerServiceImpl) SweepBeforeRead(fn func(ctx context.Context) error) {
	s.beforeRead = fn
}

func (s *LedgerServiceImpl) cleanupScope(ctx context.Context, recordID int64) {
	if err := s.files.DeleteAll(ctx, RecordScope(recordID)); err != nil {
		s.log.Warn("orphaned attachments not removed", zap.Int64("record_id", recordID), zap.Error(err))
	}
}

// AddRecord stores a new record. Attachments are written before the ledger lock is taken
// and removed again when the ledger write is rejected.
func (s *LedgerServiceImpl) AddRecord(ctx context.Context, userID int64, in NewRecord) (*model.Record, error) {
	s.writes.RLock()
	defer s.writes.RUnlock()

	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, fmt.Errorf("title is required: %w", errs.ErrInvalidInput)
	}
	now := s.now()
	day := model.ParseDay(in.Day, now)
	if s.policy.Due(day, now) {
		return nil, fmt.Errorf("day %s: %w", day, errs.ErrLocked)
	}
	if l, err := s.ledgers.Get(ctx, userID); err == nil {
		if b := l.Items[day]; b != nil && s.policy.Locked(b, now) {
			return nil, fmt.Errorf("day %s: %w", day, errs.ErrLocked)
		}
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	id, err := s.counters.Next(ctx, model.CounterRecord)
	if err != nil {
		return nil, err
	}

	atts := make([]model.Attachment, 0, len(in.Files))
	for _, f := range in.Files {
		a, err := s.files.Save(ctx, RecordScope(id), f)
		if err != nil {
			if len(atts) > 0 {
				s.cleanupScope(ctx, id)
			}
			return nil, err
		}
		atts = append(atts, a)
	}
	extra := in.ExtraFields
	if extra == nil {
		extra = []model.ExtraField{}
	}
	rec := model.Record{
		ID:    id,
		Title: in.Title,
		Content: model.RecordContent{
			Text:        in.Text,
			Attachments: atts,
			ExtraFields: extra,
		},
		UserID:    userID,
		Day:       day,
		CreatedAt: now.UTC(),
	}

	err = s.ledgers.Update(ctx, userID, func(l *model.UserLedger) error {
		b := l.Items[day]
		if b == nil {
			b = model.NewDayBucket(day)
			l.Items[day] = b
		}
		if s.policy.Locked(b, s.now()) {
			return fmt.Errorf("day %s: %w", day, errs.ErrLocked)
		}
		b.Records = append(b.Records, rec)
		return nil
	})
	if err != nil {
		if len(atts) > 0 {
			s.cleanupScope(ctx, id)
		}
		return nil, err
	}
	s.log.Info("record added", zap.Int64("user_id", userID), zap.Int64("record_id", id), zap.String("day", day), zap.Int("files", len(atts)))
	return &rec, nil
}

// locate finds the bucket holding recordID; a non-empty day restricts the search to that bucket.
func locate(l *model.UserLedger, day string, recordID int64) (*model.DayBucket, int, error) {
	if day != "" {
		b := l.Items[model.DayKey(day)]
		if b == nil {
			return nil, -1, fmt.Errorf("no reports on %s: %w", day, errs.ErrNotFound)
		}
		return b, b.RecordIndex(recordID), nil
	}
	b, i := l.FindRecord(recordID)
	if b == nil {
		return nil, -1, fmt.Errorf("record %d: %w", recordID, errs.ErrNotFound)
	}
	return b, i, nil
}

// checkTarget applies the lock and presence checks shared by edit and delete.
func (s *LedgerServiceImpl) checkTarget(l *model.UserLedger, day string, recordID int64) (*model.DayBucket, int, error) {
	b, i, err := locate(l, day, recordID)
	if err != nil {
		return nil, -1, err
	}
	if s.policy.Locked(b, s.now()) {
		return nil, -1, fmt.Errorf("day %s: %w", b.Day, errs.ErrLocked)
	}
	if i < 0 {
		return nil, -1, fmt.Errorf("record %d: %w", recordID, errs.ErrNotFound)
	}
	return b, i, nil
}

// EditRecord applies patch. Removed attachment blobs are deleted after the ledger commits.
func (s *LedgerServiceImpl) EditRecord(ctx context.Context, userID int64, patch RecordPatch) (*model.Record, error) {
	s.writes.RLock()
	defer s.writes.RUnlock()

	l, err := s.ledgers.Get(ctx, userID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, fmt.Errorf("no reports: %w", errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if _, _, err := s.checkTarget(l, patch.Day, patch.RecordID); err != nil {
		return nil, err
	}

	added := make([]model.Attachment, 0, len(patch.NewFiles))
	for _, f := range patch.NewFiles {
		a, err := s.files.Save(ctx, RecordScope(patch.RecordID), f)
		if err != nil {
			deleteQuietly(ctx, s.files, s.log, added)
			return nil, err
		}
		added = append(added, a)
	}

	var (
		updated *model.Record
		removed []model.Attachment
	)
	err = s.ledgers.Update(ctx, userID, func(l *model.UserLedger) error {
		b, i, err := s.checkTarget(l, patch.Day, patch.RecordID)
		if err != nil {
			return err
		}
		rec := &b.Records[i]
		kept := make([]model.Attachment, 0, len(rec.Content.Attachments)+len(added))
		for _, a := range rec.Content.Attachments {
			if slices.Contains(patch.FilesToDelete, a.ID) {
				removed = append(removed, a)
				continue
			}
			kept = append(kept, a)
		}
		rec.Content.Attachments = append(kept, added...)
		if t := strings.TrimSpace(patch.Title); t != "" {
			rec.Title = t
		}
		if patch.Text != "" {
			rec.Content.Text = patch.Text
		}
		if patch.ExtraFields != nil {
			rec.Content.ExtraFields = patch.ExtraFields
		}
		rec.LastEditAt = s.now().UTC()
		c := *rec
		updated = &c
		return nil
	})
	if err != nil {
		deleteQuietly(ctx, s.files, s.log, added)
		return nil, err
	}
	deleteQuietly(ctx, s.files, s.log, removed)
	s.log.Info("record edited", zap.Int64("user_id", userID), zap.Int64("record_id", patch.RecordID),
		zap.Int("files_added", len(added)), zap.Int("files_removed", len(removed)))
	return updated, nil
}

// DeleteRecord removes the record, then its attachment scope. A cleanup failure is reported
// with the removed record; the ledger change stays.
func (s *LedgerServiceImpl) DeleteRecord(ctx context.Context, userID int64, day string, recordID int64) (*model.Record, error) {
	s.writes.RLock()
	defer s.writes.RUnlock()

	var removed *model.Record
	err := s.ledgers.Update(ctx, userID, func(l *model.UserLedger) error {
		b, i, err := s.checkTarget(l, day, recordID)
		if err != nil {
			return err
		}
		r := b.Records[i]
		removed = &r
		b.Records = slices.Delete(b.Records, i, i+1)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("record deleted", zap.Int64("user_id", userID), zap.Int64("record_id", recordID))

	if len(removed.Content.Attachments) > 0 {
		if err := s.files.DeleteAll(ctx, RecordScope(recordID)); err != nil {
			if !errors.Is(err, errs.ErrStorage) {
				err = fmt.Errorf("%w: %w", errs.ErrStorage, err)
			}
			return removed, fmt.Errorf("record %d deleted, attachments remain: %w", recordID, err)
		}
	}
	return removed, nil
}

func (s *LedgerServiceImpl) runBeforeRead(ctx context.Context) {
	if s.beforeRead == nil {
		return
	}
	if err := s.beforeRead(ctx); err != nil {
		s.log.Warn("sweep before read failed", zap.Error(err))
	}
}

// ListRecords returns all existing ledgers for admins, else the requester's ledger (empty when absent).
func (s *LedgerServiceImpl) ListRecords(ctx context.Context, requesterID int64, isAdmin bool) (map[int64]*model.UserLedger, error) {
	s.runBeforeRead(ctx)
	return s.visibleLedgers(ctx, requesterID, isAdmin)
}

func (s *LedgerServiceImpl) visibleLedgers(ctx context.Context, requesterID int64, isAdmin bool) (map[int64]*model.UserLedger, error) {
	out := map[int64]*model.UserLedger{}
	if !isAdmin {
		l, err := s.ledgers.Get(ctx, requesterID)
		if errors.Is(err, errs.ErrNotFound) {
			l = model.NewUserLedger(requesterID)
		} else if err != nil {
			return nil, err
		}
		out[requesterID] = l
		return out, nil
	}
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, err
	}
	for id := range users {
		l, err := s.ledgers.Get(ctx, id)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = l
	}
	return out, nil
}

// GetRecord searches the ledgers visible to the requester.
func (s *LedgerServiceImpl) GetRecord(ctx context.Context, requesterID int64, isAdmin bool, recordID int64) (*model.Record, error) {
	s.runBeforeRead(ctx)
	ledgers, err := s.visibleLedgers(ctx, requesterID, isAdmin)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(ledgers))
	for id := range ledgers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if b, i := ledgers[id].FindRecord(recordID); b != nil {
			r := b.Records[i]
			return &r, nil
		}
	}
	return nil, fmt.Errorf("record %d: %w", recordID, errs.ErrNotFound)
}

// ValidateDay locks a bucket by hand. Validating an already validated bucket keeps the first validator.
func (s *LedgerServiceImpl) ValidateDay(ctx context.Context, adminID, userID int64, day string) (*model.DayBucket, error) {
	s.writes.RLock()
	defer s.writes.RUnlock()

	if _, ok := model.ParseDayStrict(day); !ok {
		return nil, fmt.Errorf("day %q: %w", day, errs.ErrInvalidInput)
	}
	key := model.DayKey(day)
	var out *model.DayBucket
	err := s.ledgers.Update(ctx, userID, func(l *model.UserLedger) error {
		b := l.Items[key]
		if b == nil {
			return fmt.Errorf("no reports on %s: %w", key, errs.ErrNotFound)
		}
		c := *b
		out = &c
		if b.Validated {
			return repository.ErrSkipWrite
		}
		b.Validated = true
		b.ValidatedBy = adminID
		out.Validated, out.ValidatedBy = true, adminID
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("day validated", zap.Int64("user_id", userID), zap.String("day", key), zap.Int64("validated_by", out.ValidatedBy))
	return out, nil
}
