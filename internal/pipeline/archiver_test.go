package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type window struct{ from, to time.Time }

type fakeLedger struct {
	trades []window
	equity []window
	err    error
}

func (f *fakeLedger) ArchiveTrades(_ context.Context, from, to time.Time) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.trades = append(f.trades, window{from, to})
	return 2, nil
}

func (f *fakeLedger) ArchiveEquity(_ context.Context, from, to time.Time) (int64, error) {
	f.equity = append(f.equity, window{from, to})
	return 1, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestArchiverRunCoversBackfillWindow(t *testing.T) {
	ledger := &fakeLedger{}
	a := NewArchiver(ledger, 30, 3, quietLogger())
	a.now = func() time.Time { return time.Date(2026, 7, 10, 14, 30, 0, 0, time.UTC) }

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunResult{Days: 3, Trades: 6, Equity: 3}, res)

	require.Len(t, ledger.trades, 3)
	cutoff := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, cutoff.AddDate(0, 0, -3), ledger.trades[0].from)
	assert.Equal(t, cutoff, ledger.trades[2].to)
	for _, w := range ledger.trades {
		assert.Equal(t, 24*time.Hour, w.to.Sub(w.from))
	}
}

func TestArchiverRunStopsOnError(t *testing.T) {
	ledger := &fakeLedger{err: errors.New("bucket gone")}
	a := NewArchiver(ledger, 30, 3, quietLogger())
	_, err := a.Run(context.Background())
	assert.ErrorContains(t, err, "bucket gone")
	assert.Empty(t, ledger.equity)
}

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr  string
		after time.Time
		want  time.Time
	}{
		{"0 3 * * *", time.Date(2026, 1, 1, 2, 59, 0, 0, time.UTC), time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)},
		{"0 3 * * *", time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC), time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 1, 1, 10, 7, 30, 0, time.UTC), time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC)},
		{"30 9-17/4 * * 1-5", time.Date(2026, 1, 2, 18, 0, 0, 0, time.UTC), time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)},
		{"0 0 1 1,7 *", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			c, err := parseCron(tt.expr)
			require.NoError(t, err)
			got, err := c.next(tt.after)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCronRejectsBadFields(t *testing.T) {
	for _, expr := range []string{"", "0 3 * *", "60 * * * *", "* 24 * * *", "* * 0 * *", "*/0 * * * *", "5-1 * * * *", "x * * * *"} {
		_, err := parseCron(expr)
		assert.Error(t, err, expr)
	}
}

func TestRunCronStopsOnCancel(t *testing.T) {
	a := NewArchiver(&fakeLedger{}, 30, 1, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.RunCron(ctx, "0 3 * * *", nil), context.Canceled)
	assert.Error(t, a.RunCron(context.Background(), "bogus", nil))
}

func TestRunCronManualTrigger(t *testing.T) {
	ledger := &fakeLedger{}
	a := NewArchiver(ledger, 30, 1, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trigger := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- a.RunCron(ctx, "0 3 1 1 *", trigger) }()

	trigger <- struct{}{}
	trigger <- struct{}{}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Len(t, ledger.trades, 2)
}
