package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
	ErrInvalidInput  = errors.New("invalid input")

	// Trading rejections and data-integrity failures. These are per-cycle
	// outcomes: the symbol or position is skipped and the bot keeps running.
	ErrRejected            = errors.New("decision rejected")
	ErrDuplicatePosition   = errors.New("open position already exists for symbol")
	ErrInsufficientCapital = errors.New("insufficient capital")
	ErrStaleData           = errors.New("stale or missing market data")
	ErrMalformedDecision   = errors.New("malformed decision")
	ErrBotNotActive        = errors.New("bot not active")

	// Fatal errors halt the owning bot until an operator resumes it.
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrLedgerInconsistent = errors.New("ledger inconsistent")
)

// IsFatal reports whether err must halt the bot that produced it.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrLedgerInconsistent)
}
