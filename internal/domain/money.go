package domain

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of fractional digits every balance and amount is stored with.
const MoneyScale = 2

// Exponent window accepted before any rescale. Anything outside it is either zero or
// cannot fit NUMERIC(20,2), and rescaling it costs 10^|exp| in big.Int arithmetic.
const (
	minMoneyExponent = -(MoneyScale + 18)
	maxMoneyExponent = 20
)

// MaxMoney is the largest value a NUMERIC(20,2) balance column holds.
var MaxMoney = decimal.RequireFromString("999999999999999999.99")

// ValidateTransferAmount reports ErrInvalidAmount unless amount is strictly positive and
// representable at MoneyScale.
func ValidateTransferAmount(amount decimal.Decimal) error {
	if err := checkExponent(amount); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: got %s", ErrInvalidAmount, amount.String())
	}
	return checkRepresentable(amount)
}

// ValidateInitialBalance accepts zero, unlike ValidateTransferAmount.
func ValidateInitialBalance(balance decimal.Decimal) error {
	if err := checkExponent(balance); err != nil {
		return err
	}
	if balance.IsNegative() {
		return fmt.Errorf("%w: initial balance %s is negative", ErrInvalidAmount, balance.String())
	}
	return checkRepresentable(balance)
}

// FormatMoney renders d with exactly MoneyScale fractional digits.
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(MoneyScale)
}

// DisplayMoney renders any decimal for logs and traces. Values outside the accepted
// exponent window keep scientific notation.
func DisplayMoney(d decimal.Decimal) string {
	if checkExponent(d) != nil {
		return d.Coefficient().String() + "e" + strconv.Itoa(int(d.Exponent()))
	}
	return d.String()
}

// checkExponent must run before anything that rescales d, and must not format d either.
func checkExponent(d decimal.Decimal) error {
	if exp := d.Exponent(); exp < minMoneyExponent || exp > maxMoneyExponent {
		return fmt.Errorf("%w: exponent %d out of range", ErrInvalidAmount, exp)
	}
	return nil
}

func checkRepresentable(d decimal.Decimal) error {
	if !d.Equal(d.Truncate(MoneyScale)) {
		return fmt.Errorf("%w: %s has more than %d fractional digits", ErrInvalidAmount, d.String(), MoneyScale)
	}
	if d.GreaterThan(MaxMoney) {
		return fmt.Errorf("%w: %s exceeds %s", ErrInvalidAmount, d.String(), MaxMoney.String())
	}
	return nil
}
