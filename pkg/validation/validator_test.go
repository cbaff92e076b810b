package validation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type money struct {
	Currency string              `validate:"required,currency_code"`
	Amount   decimal.Decimal     `validate:"gt=0"`
	Rate     decimal.NullDecimal `validate:"omitempty,gt=0"`
}

func TestValidateStructDecimals(t *testing.T) {
	v := NewValidator(zaptest.NewLogger(t))

	ok := money{Currency: "USD", Amount: decimal.RequireFromString("10.5")}
	assert.NoError(t, v.ValidateStruct(ok))

	withRate := ok
	withRate.Rate = decimal.NewNullDecimal(decimal.RequireFromString("1.08"))
	assert.NoError(t, v.ValidateStruct(withRate))

	bad := money{Currency: "usd", Amount: decimal.Zero, Rate: decimal.NewNullDecimal(decimal.NewFromInt(-1))}
	err := v.ValidateStruct(bad)
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	fields := make([]string, 0, len(verrs))
	for _, e := range verrs {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{"Currency", "Amount", "Rate"}, fields)
	assert.Contains(t, err.Error(), "Amount must be greater than 0")
}

func TestValidateCurrency(t *testing.T) {
	v := NewValidator(zaptest.NewLogger(t))

	code, err := v.ValidateCurrency(" eur ")
	require.NoError(t, err)
	assert.Equal(t, "EUR", code)

	_, err = v.ValidateCurrency("EURO")
	assert.Error(t, err)
	_, err = v.ValidateCurrency("")
	assert.Error(t, err)
}
