package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	MessageTypeTransferCompleted = "transfer.completed"
	MessageTypeUserRegistered    = "user.registered"

	AggregateTypeTransfer = "transfer"
)

// TransferCompletedEvent is published for every committed transfer.
type TransferCompletedEvent struct {
	TransferID    string    `json:"transfer_id"`
	FromAccountID string    `json:"from_account_id"`
	ToAccountID   string    `json:"to_account_id"`
	FromOwnerID   string    `json:"from_owner_id"`
	ToOwnerID     string    `json:"to_owner_id"`
	Amount        string    `json:"amount"`
	CommittedAt   time.Time `json:"committed_at"`
}

// UserRegisteredEvent is received from the registration service when a new user is created.
type UserRegisteredEvent struct {
	EventID        string          `json:"event_id"`
	UserID         string          `json:"user_id"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	RegisteredAt   time.Time       `json:"registered_at"`
}
