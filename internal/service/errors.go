package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount      = errors.New("ledger: amount must be positive")
	ErrInvalidType        = errors.New("ledger: transaction type is not a credit type")
	ErrInvalidUser        = errors.New("ledger: user id is required")
	ErrInsufficientFunds  = errors.New("ledger: insufficient credits")
	ErrLedgerUnavailable  = errors.New("ledger: unavailable after retries")
	ErrAccountExists      = errors.New("ledger: account already exists")
	ErrIntegrityViolation = errors.New("ledger: integrity violation")

	ErrInvalidJobSpec   = errors.New("generation: invalid job spec")
	ErrUnknownProvider  = errors.New("generation: unknown provider")
	ErrProviderError    = errors.New("generation: provider error")
	ErrSubmissionLost   = errors.New("generation: provider accepted the job but it could not be recorded")
	ErrAlreadyTerminal  = errors.New("generation: already terminal")
	ErrSweepInProgress  = errors.New("generation: sweep already in progress")
	ErrInvalidSignature = errors.New("webhook: invalid signature")
)

// SubmitError 提交失败时返回给调用方，说明钱有没有退、退了多少
type SubmitError struct {
	GenerationID string
	Refunded     int64
	Err          error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("generation %s: %v (refunded %d credits)", e.GenerationID, e.Err, e.Refunded)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}
