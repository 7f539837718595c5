package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/report-keeper/internal/model"
)

func TestSweeper_ValidatesDueBucketsIdempotently(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	alice := e.mustUser(t, "alice", "")
	bob := e.mustUser(t, "bob", "")
	e.mustUser(t, "carol", "") // no ledger

	for _, day := range []string{"01-06-2024", "05-06-2024", "10-06-2024"} {
		_, err := e.ledger.AddRecord(ctx, alice.ID, NewRecord{Title: "A", Day: day})
		require.NoError(t, err)
	}
	_, err := e.ledger.AddRecord(ctx, bob.ID, NewRecord{Title: "B", Day: "02-06-2024"})
	require.NoError(t, err)
	_, err = e.ledger.ValidateDay(ctx, 5, bob.ID, "02-06-2024")
	require.NoError(t, err)

	// 05-07-2024: 01-06 is 34 days old, 05-06 exactly 30, 10-06 only 25
	e.clock.Add(25 * 24 * time.Hour)

	n, err := e.sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	l, err := e.ledgers.Get(ctx, alice.ID)
	require.NoError(t, err)
	for day, want := range map[string]bool{"01-06-2024": true, "05-06-2024": true, "10-06-2024": false} {
		b := l.Items[day]
		require.Equal(t, want, b.Validated, day)
		if want {
			require.Equal(t, model.ValidatedBySystem, b.ValidatedBy, day)
		} else {
			require.Equal(t, model.NotValidated, b.ValidatedBy, day)
		}
	}

	// manual validation is never overwritten by the sweeper
	lb, err := e.ledgers.Get(ctx, bob.ID)
	require.NoError(t, err)
	require.Equal(t, int64(5), lb.Items["02-06-2024"].ValidatedBy)

	n, err = e.sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	again, err := e.ledgers.Get(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, l, again)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		e.sweeper.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
