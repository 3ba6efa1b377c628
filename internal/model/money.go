package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of fractional digits a currency amount may carry.
const MoneyScale int32 = 2

// ValidateAmount rejects non-positive amounts and amounts finer than a cent.
func ValidateAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrValidation, field)
	}
	if !amount.Equal(amount.Round(MoneyScale)) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrValidation, field, MoneyScale)
	}
	return nil
}
