// Package testutil holds fixtures shared by the engine's package tests.
package testutil

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/tradesentry/internal/anomaly"
	"github.com/Aidin1998/tradesentry/internal/models"
	"github.com/Aidin1998/tradesentry/internal/refdata"
)

// ModelJSON is a three-tree forest over quantity, price and notional.
//
// Normalized anomaly scores for reference:
//
//	qty 100,  price 100    -> 0.44 (normal)
//	qty 5000, price 90     -> 0.66 (mild)
//	qty 100,  price 50000  -> 0.89 (strong)
const ModelJSON = `{
  "version": "isoforest-fixture-1",
  "algorithm": "isolation_forest",
  "sample_size": 256,
  "features": ["quantity", "price", "notional"],
  "trees": [
    {"nodes": [
      {"feature": 2, "threshold": 500000, "left": 1, "right": 2},
      {"feature": 0, "threshold": 5000, "left": 3, "right": 4},
      {"leaf": true, "size": 1},
      {"leaf": true, "size": 250},
      {"leaf": true, "size": 5}
    ]},
    {"nodes": [
      {"feature": 1, "threshold": 5000, "left": 1, "right": 2},
      {"feature": 2, "threshold": 750000, "left": 3, "right": 4},
      {"leaf": true, "size": 2},
      {"leaf": true, "size": 248},
      {"leaf": true, "size": 6}
    ]},
    {"nodes": [
      {"feature": 2, "threshold": 400000, "left": 1, "right": 2},
      {"feature": 1, "threshold": 10000, "left": 3, "right": 4},
      {"leaf": true, "size": 3},
      {"leaf": true, "size": 252},
      {"leaf": true, "size": 1}
    ]}
  ]
}`

// Rule ids in ReferenceData
const (
	RuleNotional  int64 = 10
	RuleCountry   int64 = 20
	RuleKYC       int64 = 30
	RuleAML       int64 = 40
	RuleSanctions int64 = 50
)

// Model parses ModelJSON.
func Model(t testing.TB) *anomaly.Forest {
	t.Helper()
	f, err := anomaly.Parse(strings.NewReader(ModelJSON))
	require.NoError(t, err)
	return f
}

// ReferenceData returns a fresh copy of the fixture reference data.
func ReferenceData() *refdata.Data {
	return &refdata.Data{
		Counterparties: []models.Counterparty{
			{Name: "CPTY_A", Type: "Bank", Country: "US", KYCVerified: true},
			{Name: "CPTY_B", Type: "Broker", Country: "UK", KYCVerified: true},
			{Name: "CPTY_G", Type: "Bank", Country: "RU", KYCVerified: true},
		},
		Sanctions: []models.SanctionEntry{
			{ID: 1, Name: "Ivan Petrov", Country: "RU"},
		},
		Rules: []models.RuleDefinition{
			{ID: RuleNotional, Name: "Max notional USD", Kind: "NOTIONAL_LIMIT", Severity: "MEDIUM", Active: true, Params: `{"limit":100000,"currency":"USD"}`},
			{ID: RuleCountry, Name: "Blacklisted country", Kind: "COUNTRY_BLACKLIST", Severity: "HIGH", Active: true, Params: `{"pattern":"RU|IR|KP"}`},
			{ID: RuleKYC, Name: "Require KYC", Kind: "REQUIRE_KYC", Severity: "HIGH", Active: true},
			{ID: RuleAML, Name: "AML flag", Kind: "AML_FLAG", Severity: "CRITICAL", Active: true},
			{ID: RuleSanctions, Name: "Sanctions screening", Kind: "SANCTIONS", Active: true},
		},
		Instruments: []models.Instrument{
			{Symbol: "AAPL", Sector: "Tech", Currency: "USD", ReferencePrice: decimal.NewFromInt(100)},
		},
		FXRates: []models.FXRate{
			{Currency: "USD", Rate: decimal.NewFromInt(1)},
			{Currency: "EUR", Rate: decimal.RequireFromString("1.10")},
		},
	}
}

// Snapshot builds a snapshot from the fixture data and model.
func Snapshot(t testing.TB) *refdata.Snapshot {
	t.Helper()
	snap, err := refdata.Build(ReferenceData(), Model(t), time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return snap
}

// StaticSource serves the fixture data.
func StaticSource() refdata.Source {
	return refdata.SourceFunc(func(_ context.Context) (*refdata.Data, error) {
		return ReferenceData(), nil
	})
}

// Trade builds a well-formed USD trade with KYC verified and no AML flag.
func Trade(externalID, counterparty string, qty, price int64) *models.Trade {
	yes, no := true, false
	return &models.Trade{
		ExternalID:   externalID,
		TradeTime:    time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Counterparty: counterparty,
		Instrument:   "AAPL",
		Direction:    models.Buy,
		Quantity:     decimal.NewFromInt(qty),
		Price:        decimal.NewFromInt(price),
		Notional:     decimal.NewFromInt(qty * price),
		Currency:     "USD",
		KYCVerified:  &yes,
		AMLFlag:      &no,
	}
}
