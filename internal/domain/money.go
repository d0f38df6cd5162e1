package domain

import "github.com/shopspring/decimal"

// MoneyScale is the number of fractional digits stored for every amount.
const MoneyScale = 2

// ValidateAmount checks that amount is strictly positive and fits the
// storage scale without rounding.
func ValidateAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return NewValidationError(field, "must be greater than zero")
	}
	if amount.Exponent() < -MoneyScale && !amount.Equal(amount.Round(MoneyScale)) {
		return NewValidationError(field, "must have at most 2 decimal places")
	}
	return nil
}

// ParseAmount parses a decimal string and validates it with ValidateAmount.
func ParseAmount(field, raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, NewValidationError(field, "must be a decimal number")
	}
	if err := ValidateAmount(field, amount); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}
