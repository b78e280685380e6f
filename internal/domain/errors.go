package domain

import "errors"

// Error taxonomy of the command pipeline. Infrastructure failures wrap one of
// the transient sentinels so the ingestor can tell retries from terminal outcomes.
var (
	ErrDecode            = errors.New("decode error")
	ErrValidationDenied  = errors.New("validation denied")
	ErrValidationTimeout = errors.New("validation timeout")
	ErrLedgerRejected    = errors.New("ledger rejected")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrPublishFailure    = errors.New("publish failure")
	ErrReplyFailure      = errors.New("reply failure")
)

// Rejection reasons recorded by the ledger and surfaced to clients
const (
	ReasonInvalidAmount     = "invalid-amount"
	ReasonInsufficientFunds = "insufficient-funds"
	ReasonAccountNotFound   = "account-not-found"
	ReasonSameAccount       = "same-account"
	ReasonRetriesExhausted  = "retries-exhausted"
)

// IsTransient reports whether err should be retried rather than answered
func IsTransient(err error) bool {
	return errors.Is(err, ErrValidationTimeout) || errors.Is(err, ErrLedgerUnavailable)
}
