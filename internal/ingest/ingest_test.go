package ingest

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/tradesentry/internal/models"
	"github.com/Aidin1998/tradesentry/pkg/validation"
)

const tradesJSON = `[
  {"id": 77, "external_id": "EXT-1", "trade_time": "2026-03-02T10:00:00Z", "counterparty": "CPTY_A",
   "instrument": "AAPL", "direction": "BUY", "quantity": "100", "price": "190.5", "currency": "USD",
   "kyc_verified": true, "aml_flag": false},
  {"external_id": "EXT-2", "trade_time": "2026-03-02T10:05:00Z", "counterparty": "CPTY_B",
   "instrument": "XOM", "direction": "SELL", "quantity": "10", "price": "110", "notional": "1100",
   "currency": "EUR", "fx_rate": "1.08"}
]`

func TestDecode(t *testing.T) {
	trades, err := Decode(strings.NewReader(tradesJSON))
	require.NoError(t, err)
	require.Len(t, trades, 2)

	assert.Zero(t, trades[0].ID)
	assert.True(t, trades[0].Notional.Equal(decimal.NewFromInt(19050)))
	require.NotNil(t, trades[0].KYCVerified)
	assert.True(t, *trades[0].KYCVerified)

	assert.Equal(t, models.Sell, trades[1].Direction)
	assert.True(t, trades[1].FXRate.Valid)
	assert.Equal(t, "1.08", trades[1].FXRate.Decimal.String())
	assert.Nil(t, trades[1].AMLFlag)
}

func TestDecodeRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"unknown field": `[{"external_id": "X", "colour": "red"}]`,
		"null trade":    `[null]`,
		"not an array":  `{"external_id": "X"}`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(input))
			assert.Error(t, err)
		})
	}
}

func TestDecodedTradesAreWellFormed(t *testing.T) {
	trades, err := Decode(strings.NewReader(tradesJSON))
	require.NoError(t, err)

	v := validation.NewValidator(zaptest.NewLogger(t))
	for _, tr := range trades {
		assert.NoError(t, v.ValidateStruct(tr), tr.ExternalID)
	}
}
