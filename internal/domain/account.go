package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Account struct {
	ID        string
	OwnerID   string
	Balance   decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}
