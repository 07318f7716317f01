package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"sort"
	"time"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// TradeSource lists ledger trades in [from, to).
type TradeSource interface {
	ListRange(ctx context.Context, from, to time.Time) ([]domain.Trade, error)
}

// EquitySource lists equity snapshots in [from, to).
type EquitySource interface {
	ListRange(ctx context.Context, from, to time.Time) ([]domain.EquitySnapshot, error)
}

// LedgerArchiver implements domain.Archiver by copying trade and equity
// rows to JSONL objects, one object per window. A window whose object
// already exists is skipped, so reruns never duplicate or overwrite an
// archive. Rows are not removed from the primary store.
type LedgerArchiver struct {
	store  domain.ObjectStore
	trades TradeSource
	equity EquitySource
	audit  domain.AuditStore
	prefix string
}

var (
	_ domain.Archiver     = (*LedgerArchiver)(nil)
	_ domain.ArchiveIndex = (*LedgerArchiver)(nil)
)

// archiveKinds are the ledger tables that get archived.
var archiveKinds = []string{"trades", "equity"}

// NewLedgerArchiver creates a LedgerArchiver writing under prefix. audit
// may be nil.
func NewLedgerArchiver(store domain.ObjectStore, trades TradeSource, equity EquitySource, audit domain.AuditStore, prefix string) *LedgerArchiver {
	return &LedgerArchiver{
		store:  store,
		trades: trades,
		equity: equity,
		audit:  audit,
		prefix: prefix,
	}
}

// tradeRecord is the archived shape of a trade.
type tradeRecord struct {
	ID         string    `json:"id"`
	PositionID string    `json:"position_id"`
	BotID      string    `json:"bot_id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Leg        string    `json:"leg"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	Fees       float64   `json:"fees"`
	PnL        float64   `json:"pnl"`
	Reason     string    `json:"reason,omitempty"`
	DecisionID string    `json:"decision_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type equityRecord struct {
	BotID            string    `json:"bot_id"`
	Equity           float64   `json:"equity"`
	AvailableCapital float64   `json:"available_capital"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	OpenPositions    int       `json:"open_positions"`
	Timestamp        time.Time `json:"timestamp"`
}

// ArchiveTrades writes the trades in [from, to) and returns how many were
// archived.
func (a *LedgerArchiver) ArchiveTrades(ctx context.Context, from, to time.Time) (int64, error) {
	key := a.objectPath("trades", from, to)
	if done, err := a.store.Exists(ctx, key); err != nil {
		return 0, fmt.Errorf("s3blob: archive trades: %w", err)
	} else if done {
		return 0, nil
	}

	rows, err := a.trades.ListRange(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	records := make([]tradeRecord, len(rows))
	for i, t := range rows {
		records[i] = tradeRecord{
			ID: t.ID, PositionID: t.PositionID, BotID: t.BotID, Symbol: t.Symbol,
			Side: string(t.Side), Leg: string(t.Leg), Price: t.Price, Quantity: t.Quantity,
			Fees: t.Fees, PnL: t.PnL, Reason: string(t.Reason), DecisionID: t.DecisionID,
			Timestamp: t.Timestamp.UTC(),
		}
	}
	return write(ctx, a, "trades", key, records, from, to)
}

// ArchiveEquity writes the equity snapshots in [from, to).
func (a *LedgerArchiver) ArchiveEquity(ctx context.Context, from, to time.Time) (int64, error) {
	key := a.objectPath("equity", from, to)
	if done, err := a.store.Exists(ctx, key); err != nil {
		return 0, fmt.Errorf("s3blob: archive equity: %w", err)
	} else if done {
		return 0, nil
	}

	rows, err := a.equity.ListRange(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive equity query: %w", err)
	}
	records := make([]equityRecord, len(rows))
	for i, s := range rows {
		records[i] = equityRecord{
			BotID: s.BotID, Equity: s.Equity, AvailableCapital: s.AvailableCapital,
			UnrealizedPnL: s.UnrealizedPnL, OpenPositions: s.OpenPositions,
			Timestamp: s.Timestamp.UTC(),
		}
	}
	return write(ctx, a, "equity", key, records, from, to)
}

func write[T any](ctx context.Context, a *LedgerArchiver, kind, key string, records []T, from, to time.Time) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}
	if int64(len(buf)) > minPartSize {
		err = a.store.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.store.Put(ctx, key, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
			"path":  key,
			"count": count,
			"from":  from.UTC().Format(time.RFC3339),
			"to":    to.UTC().Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
		}
	}
	return count, nil
}

// Archived lists archived windows of kind, newest first. An empty kind lists
// every kind.
func (a *LedgerArchiver) Archived(ctx context.Context, kind string) ([]domain.ArchiveObject, error) {
	kinds := archiveKinds
	if kind != "" {
		if !slices.Contains(archiveKinds, kind) {
			return nil, fmt.Errorf("s3blob: unknown archive kind %q: %w", kind, domain.ErrInvalidInput)
		}
		kinds = []string{kind}
	}

	var out []domain.ArchiveObject
	for _, k := range kinds {
		objects, err := a.store.List(ctx, path.Join(a.prefix, k)+"/")
		if err != nil {
			return nil, fmt.Errorf("s3blob: list %s archive: %w", k, err)
		}
		for _, o := range objects {
			o.Kind = k
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		bi, bj := path.Base(out[i].Key), path.Base(out[j].Key)
		if bi != bj {
			return bi > bj
		}
		return out[i].Kind < out[j].Kind
	})
	return out, nil
}

// objectPath partitions archives by the UTC date the window starts on:
//
//	ledger/trades/2026/05/01/20260501T000000Z-20260502T000000Z.jsonl
func (a *LedgerArchiver) objectPath(kind string, from, to time.Time) string {
	const stamp = "20060102T150405Z"
	from, to = from.UTC(), to.UTC()
	return path.Join(a.prefix, kind, from.Format("2006/01/02"), from.Format(stamp)+"-"+to.Format(stamp)+".jsonl")
}

// marshalJSONL encodes one compact JSON value per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
