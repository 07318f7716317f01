package domain

import (
	"context"
	"io"
	"time"
)

// ArchiveObject is one archived ledger window in cold storage.
type ArchiveObject struct {
	Key          string    `json:"key"`
	Kind         string    `json:"kind,omitempty"` // "trades" or "equity"
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// ObjectStore holds archived ledger windows under string keys.
type ObjectStore interface {
	Put(ctx context.Context, key string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, key string, data io.Reader, partSize int64) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]ArchiveObject, error)
}

// Archiver copies ledger history in [from, to) to cold storage and returns
// how many rows were written. An already archived window yields zero.
type Archiver interface {
	ArchiveTrades(ctx context.Context, from, to time.Time) (int64, error)
	ArchiveEquity(ctx context.Context, from, to time.Time) (int64, error)
}

// ArchiveIndex lists archived windows of one kind, or all kinds when kind
// is empty.
type ArchiveIndex interface {
	Archived(ctx context.Context, kind string) ([]ArchiveObject, error)
}
