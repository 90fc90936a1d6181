package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of fractional digits a balance column can hold
// (NUMERIC(15,2)).
const AmountScale = 2

// MaxAmount is the largest value a NUMERIC(15,2) column accepts.
var MaxAmount = decimal.RequireFromString("9999999999999.99")

// ValidateAmount checks that a requested amount is positive, fits the column
// and carries no more precision than the ledger stores.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than 0", ErrInvalidAmount)
	}
	if amount.GreaterThan(MaxAmount) {
		return fmt.Errorf("%w: amount exceeds %s", ErrInvalidAmount, MaxAmount.StringFixed(AmountScale))
	}
	if !amount.Equal(amount.Truncate(AmountScale)) {
		return fmt.Errorf("%w: amount supports at most %d decimal places", ErrInvalidAmount, AmountScale)
	}
	return nil
}

// ParseAmount parses a decimal string such as "10.50".
func ParseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, raw)
	}
	return d, nil
}

// SignedDelta returns the balance delta a record type applies.
func SignedDelta(txType string, amount decimal.Decimal) (decimal.Decimal, error) {
	switch txType {
	case TxTypeTopUp, TxTypeTransferIn:
		return amount, nil
	case TxTypeWithdrawal, TxTypeTransferOut, TxTypeSagaPendingCredit, TxTypeSagaFailedCompensated:
		return amount.Neg(), nil
	default:
		return decimal.Zero, fmt.Errorf("unknown transaction type %q", txType)
	}
}

// FormatAmount renders a balance the way the API returns it.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(AmountScale)
}
