package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// Archiver copies ledger rows older than the retention window to cold
// storage, one UTC day per object.
type Archiver struct {
	ledger        domain.Archiver
	retentionDays int
	// backfillDays is how many days before the retention cutoff each run
	// revisits, so a missed run is caught up by the next one.
	backfillDays int
	logger       *slog.Logger
	now          func() time.Time
}

// NewArchiver creates an Archiver.
func NewArchiver(ledger domain.Archiver, retentionDays, backfillDays int, logger *slog.Logger) *Archiver {
	if backfillDays < 1 {
		backfillDays = 7
	}
	return &Archiver{
		ledger:        ledger,
		retentionDays: retentionDays,
		backfillDays:  backfillDays,
		logger:        logger.With(slog.String("component", "archiver")),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// RunResult totals one archive run.
type RunResult struct {
	Days   int
	Trades int64
	Equity int64
}

// Run archives every whole UTC day in the backfill window that ends at the
// retention cutoff. Days already archived are skipped by the ledger
// archiver.
func (a *Archiver) Run(ctx context.Context) (RunResult, error) {
	cutoff := domain.UTCDay(a.now().AddDate(0, 0, -a.retentionDays))
	start := cutoff.AddDate(0, 0, -a.backfillDays)
	a.logger.InfoContext(ctx, "archiver: run starting",
		slog.Time("from", start),
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	var res RunResult
	for day := start; day.Before(cutoff); day = day.AddDate(0, 0, 1) {
		next := day.AddDate(0, 0, 1)
		trades, err := a.ledger.ArchiveTrades(ctx, day, next)
		if err != nil {
			return res, fmt.Errorf("archiver: trades for %s: %w", day.Format(time.DateOnly), err)
		}
		equity, err := a.ledger.ArchiveEquity(ctx, day, next)
		if err != nil {
			return res, fmt.Errorf("archiver: equity for %s: %w", day.Format(time.DateOnly), err)
		}
		res.Days++
		res.Trades += trades
		res.Equity += equity
	}

	a.logger.InfoContext(ctx, "archiver: run complete",
		slog.Int("days", res.Days),
		slog.Int64("trades", res.Trades),
		slog.Int64("equity_snapshots", res.Equity),
	)
	return res, nil
}

// RunCron runs the archiver on a cron schedule until the context is cancelled.
// It supports cron expressions in the standard 5-field format:
// "minute hour day-of-month month day-of-week"
//
// Example: "0 3 * * *" runs at 3:00 AM UTC every day.
//
// A receive on trigger runs the archiver immediately without moving the
// schedule. trigger may be nil.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string, trigger <-chan struct{}) error {
	sched, err := parseCron(cronExpr)
	if err != nil {
		return fmt.Errorf("archiver: cron %q: %w", cronExpr, err)
	}
	a.logger.InfoContext(ctx, "archiver: cron started", slog.String("cron", cronExpr))

	for {
		next, err := sched.next(a.now())
		if err != nil {
			return fmt.Errorf("archiver: cron %q: %w", cronExpr, err)
		}

		wait := time.Until(next)
		a.logger.DebugContext(ctx, "archiver: waiting for next trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		for fired := false; !fired; {
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-trigger:
				a.logger.InfoContext(ctx, "archiver: manual trigger")
				a.runLogged(ctx)
			case <-timer.C:
				a.runLogged(ctx)
				fired = true
			}
		}
	}
}

// cronField is one parsed cron field. A nil set matches every value.
type cronField struct {
	set map[int]bool
}

func (f cronField) matches(val int) bool {
	return f.set == nil || f.set[val]
}

// parseCronField parses "*", "*/n", "a", "a-b", "a-b/n" and comma lists of
// those, rejecting values outside [lo, hi].
func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{}, nil
	}
	set := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		step := 1
		if base, s, ok := strings.Cut(part, "/"); ok {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				return cronField{}, fmt.Errorf("invalid step in %q", part)
			}
			step, part = n, base
		}

		from, to := lo, hi
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			a, b, _ := strings.Cut(part, "-")
			var errA, errB error
			from, errA = strconv.Atoi(a)
			to, errB = strconv.Atoi(b)
			if errA != nil || errB != nil || from > to {
				return cronField{}, fmt.Errorf("invalid range %q", part)
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid value %q", part)
			}
			from, to = v, v
		}
		if from < lo || to > hi {
			return cronField{}, fmt.Errorf("%q outside %d-%d", part, lo, hi)
		}
		for v := from; v <= to; v += step {
			set[v] = true
		}
	}
	return cronField{set: set}, nil
}

// parsedCron holds five parsed cron fields, evaluated in UTC.
type parsedCron struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

func (c parsedCron) matchesTime(t time.Time) bool {
	t = t.UTC()
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

// parseCron parses "minute hour day-of-month month day-of-week".
func parseCron(expr string) (parsedCron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return parsedCron{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}
	bounds := [5]struct {
		name   string
		lo, hi int
	}{
		{"minute", 0, 59},
		{"hour", 0, 23},
		{"day-of-month", 1, 31},
		{"month", 1, 12},
		{"day-of-week", 0, 6},
	}
	var parsed [5]cronField
	for i, f := range fields {
		cf, err := parseCronField(f, bounds[i].lo, bounds[i].hi)
		if err != nil {
			return parsedCron{}, fmt.Errorf("parsing %s field: %w", bounds[i].name, err)
		}
		parsed[i] = cf
	}
	return parsedCron{
		minute:     parsed[0],
		hour:       parsed[1],
		dayOfMonth: parsed[2],
		month:      parsed[3],
		dayOfWeek:  parsed[4],
	}, nil
}

// next returns the first minute strictly after after that matches the
// schedule, searching up to one year ahead.
func (c parsedCron) next(after time.Time) (time.Time, error) {
	candidate := after.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if c.matchesTime(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching time within one year")
}

func (a *Archiver) runLogged(ctx context.Context) {
	if _, err := a.Run(ctx); err != nil {
		a.logger.ErrorContext(ctx, "archiver: run failed", slog.String("error", err.Error()))
	}
}
