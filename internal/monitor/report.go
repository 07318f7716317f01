package monitor

import (
	"time"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// Report summarizes one monitor pass. Only Monitor.Run produces a populated
// Report, so code that requires one can only run after the pass.
type Report struct {
	botID    string
	at       time.Time
	checked  int
	skipped  int
	pending  int
	flagged  int
	absorbed int
	closed   []domain.ExitResult
	open     []domain.Position
}

func (r Report) BotID() string               { return r.botID }
func (r Report) At() time.Time               { return r.at }
func (r Report) Checked() int                { return r.checked }
func (r Report) Skipped() int                { return r.skipped }
func (r Report) Pending() int                { return r.pending }
func (r Report) Absorbed() int               { return r.absorbed }
func (r Report) Closed() []domain.ExitResult { return r.closed }

// Flagged counts positions held for operator review in this pass, whether
// they were flagged now or earlier.
func (r Report) Flagged() int { return r.flagged }

// Open returns the positions still open after the pass, with refreshed
// marks where a price was available.
func (r Report) Open() []domain.Position { return r.open }

// Completed reports whether r came from a monitor pass.
func (r Report) Completed() bool { return r.botID != "" }
