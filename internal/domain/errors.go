package domain

import "errors"

var (
	ErrValidation           = errors.New("validation failed")
	ErrInvalidAmount        = errors.New("amount must be positive with at most two fractional digits")
	ErrAccountNotFound      = errors.New("account not found")
	ErrRecipientNotFound    = errors.New("recipient account not found")
	ErrAccountAlreadyExists = errors.New("account already exists")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrSameAccount          = errors.New("sender and recipient are the same account")

	// ErrTransientConflict marks a storage conflict that is safe to retry as a whole unit.
	ErrTransientConflict  = errors.New("transient storage conflict")
	ErrTransferAborted    = errors.New("transfer aborted after retries")
	ErrStorageUnavailable = errors.New("storage unavailable")
)
