package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transfer is the confirmation returned for a committed transfer.
type Transfer struct {
	ID            string
	FromAccountID string
	ToAccountID   string
	FromOwnerID   string
	ToOwnerID     string
	Amount        decimal.Decimal
	Attempts      int
	CommittedAt   time.Time
}
