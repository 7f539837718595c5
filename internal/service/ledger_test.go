package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/report-keeper/internal/errs"
	"github.com/and161185/report-keeper/internal/model"
)

func TestLockPolicy(t *testing.T) {
	t.Parallel()
	p := LockPolicy{After: 30}
	now := time.Date(2024, 7, 1, 23, 0, 0, 0, time.UTC)

	require.True(t, p.Due("01-06-2024", now))
	require.False(t, p.Due("02-06-2024", now))
	require.True(t, p.Due("2024-05-01", now))
	require.False(t, p.Due("garbage", now))
	require.False(t, LockPolicy{}.Due("01-01-2000", now))

	require.True(t, p.Locked(&model.DayBucket{Day: "30-06-2024", Validated: true}, now))
	require.False(t, p.Locked(model.NewDayBucket("30-06-2024"), now))
}

func TestLedger_AddGetRoundTrip(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	alice := e.mustUser(t, "alice", "")

	rec, err := e.ledger.AddRecord(ctx, alice.ID, NewRecord{
		Title:       "T",
		Text:        "hi",
		Day:         "2024-06-01",
		ExtraFields: []model.ExtraField{{Key: "k", Value: "v"}},
		Files: []model.Upload{
			{Name: "a.txt", Data: []byte("A")},
			{Name: "../../b.PDF", ContentType: "application/pdf", Data: []byte("B")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.ID)
	require.Equal(t, "01-06-2024", rec.Day)
	require.Len(t, rec.Content.Attachments, 2)
	require.Equal(t, "reports/1/1.txt", rec.Content.Attachments[0].Path)
	require.Equal(t, "reports/1/2.pdf", rec.Content.Attachments[1].Path)
	require.Equal(t, "b.PDF", rec.Content.Attachments[1].Name)
	require.Equal(t, "application/pdf", rec.Content.Attachments[1].ContentType)

	got, err := e.ledger.GetRecord(ctx, alice.ID, false, rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec, got)

	data, err := e.files.Open(ctx, "reports/1/2.pdf")
	require.NoError(t, err)
	require.Equal(t, "B", string(data))

	l, err := e.ledgers.Get(ctx, alice.ID)
	require.NoError(t, err)
	b := l.Items["01-06-2024"]
	require.False(t, b.Validated)
	require.Equal(t, model.NotValidated, b.ValidatedBy)
}

func TestLedger_AddDefaultsToToday(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	alice := e.mustUser(t, "alice", "")

	rec, err := e.ledger.AddRecord(context.Background(), alice.ID, NewRecord{Title: "T", Day: "31/12/2024"})
	require.NoError(t, err)
	require.Equal(t, "10-06-2024", rec.Day)
	require.Empty(t, rec.Content.Attachments)

	_, err = e.ledger.AddRecord(context.Background(), alice.ID, NewRecord{Title: " "})
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestLedger_AddIntoLockedDayRejected(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	alice := e.mustUser(t, "alice", "")

	_, err := e.ledger.AddRecord(ctx, alice.ID, NewRecord{Title: "old", Day: "01-01-2024"})
	require.ErrorIs(t, err, errs.ErrLocked)

	_, err = e.ledger.AddRecord(ctx, alice.ID, NewRecord{Title: "T", Day: "09-06-2024"})
	require.NoError(t, err)
	_, err = e.ledger.ValidateDay(ctx, 99, alice.ID, "09-06-2024")
	require.NoError(t, err)

	_, err = e.ledger.AddRecord(ctx, alice.ID, NewRecord{Title: "late", Day: "09-06-2024", Files: []model.Upload{{Name: "x.txt", Data: []byte("x")}}})
	require.ErrorIs(t, err, errs.ErrLocked)
}

func TestLedger_EditRecord(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	alice := e.mustUser(t, "alice", "")

	rec, err := e.ledger.AddRecord(ctx, alice.ID, NewRecord{
		Title: "T", Text: "hi", Day: "01-06-2024",
		Files: []model.Upload{{Name: "a.txt", Data: []byte("A")}, {Name: "b.txt", Data: []byte("B")}},
	})
	require.NoError(t, err)
	first := rec.Content.Attachments[0]

	out, err := e.ledger.EditRecord(ctx, alice.ID, RecordPatch{
		RecordID:      rec.ID,
		Day:           "01-06-2024",
		Title:         "",
		Text:          "changed",
		FilesToDelete: []int64{first.ID, 777},
		NewFiles:      []model.Upload{{Name: "c.png", Data: []byte("C")}},
	})
	require.NoError(t, err)
	require.Equal(t, "T", out.Title)
	require.Equal(t, "changed", out.Content.Text)
	require.Len(t, out.Content.Attachments, 2)
	require.Equal(t, "b.txt", out.Content.Attachments[0].Name)
	require.Equal(t, "reports/1/3.png", out.Content.Attachments[1].Path)
	require.Equal(t, "image/png", out.Content.Attachments[1].ContentType)
	require.Equal(t, e.clock.Now(), out.LastEditAt)

	_, err = e.blobs.Read(ctx, first.Path)
	require.ErrorIs(t, err, errs.ErrNotFound)

	out, err = e.ledger.EditRecord(ctx, alice.ID, RecordPatch{RecordID: rec.ID, Title: "New"})
	require.NoError(t, err)
	require.Equal(t, "New", out.Title)

	_, err = e.ledger.EditRecord(ctx, alice.ID, RecordPatch{RecordID: rec.ID, Day: "02-06-2024", Title: "x"})
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = e.ledger.EditRecord(ctx, alice.ID, RecordPatch{RecordID: 99, Day: "01-06-2024", Title: "x"})
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = e.ledger.EditRecord(ctx, 42, RecordPatch{RecordID: rec.ID, Title: "x"})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestLedger_ValidatedBucketRejectsEditAndDelete(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	alice := e.mustUser(t, "alice", "")

	rec, err := e.ledger.AddRecord(ctx, alice.ID, NewRecord{Title: "T", Day: "01-06-2024"})
	require.NoError(t, err)
	other, err := e.ledger.AddRecord(ctx, alice.ID, NewRecord{Title: "U", Day: "01-06-2024"})
	require.NoError(t, err)

	b, err := e.ledger.ValidateDay(ctx, 7, alice.ID, "2024-06-01")
	require.NoError(t, err)
	require.True(t, b.Validated)
	require.Equal(t, int64(7), b.ValidatedBy)

	// idempotent, first validator wins
	b, err = e.ledger.ValidateDay(ctx, 8, alice.ID, "01-06-2024")
	require.NoError(t, err)
	require.Equal(t, int64(7), b.ValidatedBy)

	for _, id := range []int64{rec.ID, other.ID} {
		_, err = e.ledger.EditRecord(ctx, alice.ID, RecordPatch{RecordID: id, Day: "01-06-2024", Title: "x"})
		require.ErrorIs(t, err, errs.ErrLocked)
		_, err = e.ledger.DeleteRecord(ctx, alice.ID, "01-06-2024", id)
		require.ErrorIs(t, err, errs.ErrLocked)
	}

	_, err = e.ledger.ValidateDay(ctx, 7, alice.ID, "05-06-2024")
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = e.ledger.ValidateDay(ctx, 7, alice.ID, "yesterday")
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestLedger_DueBucketLockedBeforeSweep(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	alice := e.mustUser(t, "alice", "")

	rec, err := e.ledger.AddRecord(ctx, alice.ID, NewRecord{Title: "T", Day: "01-06-2024"})
	require.NoError(t, err)

	e.clock.Add(31 * 24 * time.Hour)
	_, err = e.ledger.EditRecord(ctx, alice.ID, RecordPatch{RecordID: rec.ID, Title: "x"})
	require.ErrorIs(t, err, errs.ErrLocked)
	_, err = e.ledger.DeleteRecord(ctx, alice.ID, "", rec.ID)
	require.ErrorIs(t, err, errs.ErrLocked)
}

func TestLedger_DeleteRecord(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	alice := e.mustUser(t, "alice", "")

	rec, err := e.ledger.AddRecord(ctx, alice.ID, NewRecord{
		Title: "T", Text: "hi", Day: "01-06-2024",
		Files: []model.Upload{{Name: "a.txt", Data: []byte("A")}},
	})
	require.NoError(t, err)

	_, err = e.ledger.DeleteRecord(ctx, alice.ID, "02-06-2024", rec.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = e.ledger.DeleteRecord(ctx, alice.ID, "01-06-2024", 55)
	require.ErrorIs(t, err, errs.ErrNotFound)

	removed, err := e.ledger.DeleteRecord(ctx, alice.ID, "01-06-2024", rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec.ID, removed.ID)

	l, err := e.ledgers.Get(ctx, alice.ID)
	require.NoError(t, err)
	require.Empty(t, l.Items["01-06-2024"].Records)
	_, err = e.blobs.Read(ctx, rec.Content.Attachments[0].Path)
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = e.ledger.GetRecord(ctx, alice.ID, false, rec.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

// failingFiles wraps an AttachmentStore and fails DeleteAll.
type failingFiles struct {
	AttachmentStore
}

func (failingFiles) DeleteAll(context.Context, string) error { return errors.New("disk gone") }

func TestLedger_DeleteCleanupFailureKeepsDeletion(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	alice := e.mustUser(t, "alice", "")

	rec, err := e.ledger.AddRecord(ctx, alice.ID, NewRecord{
		Title: "T", Day: "01-06-2024",
		Files: []model.Upload{{Name: "a.txt", Data: []byte("A")}},
	})
	require.NoError(t, err)

	e.ledger.files = failingFiles{e.files}
	removed, err := e.ledger.DeleteRecord(ctx, alice.ID, "", rec.ID)
	require.ErrorIs(t, err, errs.ErrStorage)
	require.NotNil(t, removed)

	_, err = e.ledger.GetRecord(ctx, alice.ID, false, rec.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestLedger_ListAndGetVisibility(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	admin := e.mustUser(t, "root", model.RoleAdministrator)
	alice := e.mustUser(t, "alice", "")
	bob := e.mustUser(t, "bob", "")

	ar, err := e.ledger.AddRecord(ctx, alice.ID, NewRecord{Title: "A", Day: "01-06-2024"})
	require.NoError(t, err)
	br, err := e.ledger.AddRecord(ctx, bob.ID, NewRecord{Title: "B", Day: "01-06-2024"})
	require.NoError(t, err)

	all, err := e.ledger.ListRecords(ctx, admin.ID, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Contains(t, all, alice.ID)
	require.Contains(t, all, bob.ID)

	own, err := e.ledger.ListRecords(ctx, alice.ID, false)
	require.NoError(t, err)
	require.Len(t, own, 1)
	require.Equal(t, "A", own[alice.ID].Items["01-06-2024"].Records[0].Title)

	empty, err := e.ledger.ListRecords(ctx, admin.ID, false)
	require.NoError(t, err)
	require.Empty(t, empty[admin.ID].Items)

	_, err = e.ledger.GetRecord(ctx, alice.ID, false, br.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
	got, err := e.ledger.GetRecord(ctx, admin.ID, true, br.ID)
	require.NoError(t, err)
	require.Equal(t, "B", got.Title)
	got, err = e.ledger.GetRecord(ctx, alice.ID, false, ar.ID)
	require.NoError(t, err)
	require.Equal(t, "A", got.Title)
}

func TestLedger_SweepBeforeRead(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	alice := e.mustUser(t, "alice", "")
	_, err := e.ledger.AddRecord(ctx, alice.ID, NewRecord{Title: "A", Day: "01-06-2024"})
	require.NoError(t, err)

	e.ledger.SweepBeforeRead(e.sweeper.Hook())
	e.clock.Add(40 * 24 * time.Hour)

	own, err := e.ledger.ListRecords(ctx, alice.ID, false)
	require.NoError(t, err)
	b := own[alice.ID].Items["01-06-2024"]
	require.True(t, b.Validated)
	require.Equal(t, model.ValidatedBySystem, b.ValidatedBy)
}

func TestLedger_ConcurrentAddsGetUniqueIDs(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	alice := e.mustUser(t, "alice", "")

	const n = 20
	var wg sync.WaitGroup
	ids := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := e.ledger.AddRecord(ctx, alice.ID, NewRecord{
				Title: "T", Day: "01-06-2024",
				Files: []model.Upload{{Name: "f.txt", Data: []byte("x")}},
			})
			if err != nil {
				t.Errorf("AddRecord: %v", err)
				return
			}
			ids <- r.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[int64]bool{}
	for id := range ids {
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	require.Len(t, seen, n)

	l, err := e.ledgers.Get(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, l.Items["01-06-2024"].Records, n)
	atts := map[int64]bool{}
	for _, r := range l.Items["01-06-2024"].Records {
		for _, a := range r.Content.Attachments {
			require.False(t, atts[a.ID])
			atts[a.ID] = true
		}
	}
}

func TestLedger_Reset(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	alice := e.mustUser(t, "alice", "")
	key := e.mustLogin(t, alice)

	rec, err := e.ledger.AddRecord(ctx, alice.ID, NewRecord{
		Title: "A", Day: "01-06-2024",
		Files: []model.Upload{{Name: "a.txt", Data: []byte("A")}},
	})
	require.NoError(t, err)

	require.NoError(t, e.ledger.Reset(ctx))

	_, err = e.ledgers.Get(ctx, alice.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = e.blobs.Read(ctx, rec.Content.Attachments[0].Path)
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = e.sessions.Authorize(ctx, key)
	require.ErrorIs(t, err, errs.ErrUnauthenticated)

	next, err := e.ledger.AddRecord(ctx, alice.ID, NewRecord{Title: "B", Day: "01-06-2024"})
	require.NoError(t, err)
	require.Equal(t, int64(1), next.ID)

	u, err := e.identity.GetByID(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, "alice", u.Username)
}

func TestLedger_ResetDuringAddKeepsRecordsWhole(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	alice := e.mustUser(t, "alice", "")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := e.ledger.AddRecord(ctx, alice.ID, NewRecord{
					Title: "A", Day: "10-06-2024",
					Files: []model.Upload{{Name: "a.txt", Data: []byte("A")}},
				})
				if err != nil {
					t.Errorf("AddRecord: %v", err)
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 5; j++ {
			if err := e.ledger.Reset(ctx); err != nil {
				t.Errorf("Reset: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	l, err := e.ledgers.Get(ctx, alice.ID)
	if errors.Is(err, errs.ErrNotFound) {
		return
	}
	require.NoError(t, err)
	ids := map[int64]bool{}
	for _, b := range l.Items {
		for _, r := range b.Records {
			require.False(t, ids[r.ID], "record id %d reused", r.ID)
			ids[r.ID] = true
			require.Len(t, r.Content.Attachments, 1)
			_, err := e.blobs.Read(ctx, r.Content.Attachments[0].Path)
			require.NoError(t, err, "attachment of record %d", r.ID)
		}
	}
}
