package validator

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

type quoteRequest struct {
	Amount   decimal.Decimal `json:"amount" validate:"required,gt=0"`
	Currency string          `json:"currency" validate:"required,currency"`
}

func TestValidate_DecimalAndCurrency(t *testing.T) {
	v := New()

	assert.NoError(t, v.Validate(&quoteRequest{Amount: decimal.RequireFromString("10.50"), Currency: "SLE"}))
	assert.Error(t, v.Validate(&quoteRequest{Amount: decimal.Zero, Currency: "SLE"}))
	assert.Error(t, v.Validate(&quoteRequest{Amount: decimal.NewFromInt(1), Currency: "usd"}))
}

func TestValidateStructured_Messages(t *testing.T) {
	errs := New().ValidateStructured(&quoteRequest{Amount: decimal.NewFromInt(5), Currency: "US"})
	assert.Equal(t, map[string]string{"Currency": "Must be a 3-letter upper-case currency code"}, errs)
}

func TestIsCurrencyCode(t *testing.T) {
	assert.True(t, IsCurrencyCode("USD"))
	assert.False(t, IsCurrencyCode("US"))
	assert.False(t, IsCurrencyCode("Usd"))
	assert.False(t, IsCurrencyCode(""))
}
