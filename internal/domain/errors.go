package domain

import "errors"

// Ledger error taxonomy. Callers classify with errors.Is; only
// ErrStorageFailure is eligible for retry, the rest are terminal for
// the call and guarantee no state was mutated.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrNotFound           = errors.New("not found")
	ErrStorageFailure     = errors.New("storage failure")
)
