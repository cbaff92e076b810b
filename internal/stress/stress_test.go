package stress

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/tradesentry/internal/classifier"
	"github.com/Aidin1998/tradesentry/internal/models"
	"github.com/Aidin1998/tradesentry/internal/refdata"
	"github.com/Aidin1998/tradesentry/internal/scoring"
	"github.com/Aidin1998/tradesentry/pkg/validation"
	"github.com/Aidin1998/tradesentry/testutil"
)

func setup(t *testing.T) (*scoring.Assessor, *refdata.Snapshot) {
	t.Helper()
	data := testutil.ReferenceData()
	data.Rules = append(data.Rules, models.RuleDefinition{
		ID: 60, Name: "Price vs reference", Kind: "PRICE_DEVIATION", Severity: "HIGH", Active: true,
		Params: `{"max_deviation_pct": 20}`,
	})
	snap, err := refdata.Build(data, testutil.Model(t), time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	c, err := classifier.New(classifier.DefaultConfig())
	require.NoError(t, err)
	return scoring.NewAssessor(c, validation.NewValidator(zaptest.NewLogger(t))), snap
}

func book() []models.Trade {
	usd := testutil.Trade("USD-1", "CPTY_A", 100, 100)
	usd.ID = 1
	eur := testutil.Trade("EUR-1", "CPTY_B", 10, 100)
	eur.ID = 2
	eur.Currency = "EUR"
	eur.Instrument = "XOM"
	return []models.Trade{*usd, *eur}
}

func TestPresets(t *testing.T) {
	names := []string{}
	for _, p := range Presets() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"mild", "bear", "crisis", "rally"}, names)

	crisis, ok := Preset("CRISIS")
	require.True(t, ok)
	assert.True(t, crisis.FXShock.Equal(decimal.NewFromInt(-20)))
	assert.True(t, crisis.PriceShock.Equal(decimal.NewFromInt(-30)))

	_, ok = Preset("meltdown")
	assert.False(t, ok)
}

func TestApplyShocksPriceFXAndNotional(t *testing.T) {
	tr := book()[0]
	tr.FXRate = decimal.NewNullDecimal(decimal.RequireFromString("1.10"))

	sc, _ := Preset("rally")
	shocked := sc.Apply(tr)

	assert.Equal(t, "108", shocked.Price.String())
	assert.Equal(t, "11340", shocked.Notional.String())
	assert.Equal(t, "1.155", shocked.FXRate.Decimal.String())
	assert.True(t, shocked.Quantity.Equal(tr.Quantity))
	assert.Equal(t, "100", tr.Price.String(), "the input trade is not modified")
}

func TestRunCrisisEscalatesAndReportsPnL(t *testing.T) {
	a, snap := setup(t)
	sc, _ := Preset("crisis")

	res, err := Run(a, snap, book(), sc)
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)

	usd := res.Trades[0]
	assert.Equal(t, models.Allow, usd.Base)
	assert.Equal(t, models.Review, usd.Shocked)
	assert.True(t, usd.Changed)
	assert.Contains(t, usd.ShockedReason, "Price far from reference")

	eur := res.Trades[1]
	assert.Equal(t, models.Allow, eur.Shocked)
	assert.False(t, eur.Changed)

	assert.Equal(t, 1, res.Escalated)
	assert.Equal(t, 1, res.Counts[models.Review])

	require.Len(t, res.Exposures, 2)
	assert.Equal(t, "EUR", res.Exposures[0].Currency)
	assert.Equal(t, "560", res.Exposures[0].Shocked.String())
	assert.Equal(t, "-440", res.Exposures[0].Delta.String())
	assert.Equal(t, "USD", res.Exposures[1].Currency)
	assert.Equal(t, "5600", res.Exposures[1].Shocked.String())

	assert.Equal(t, "11000", res.BaseTotal.String())
	assert.Equal(t, "-4840", res.PnL.String())
	assert.Equal(t, "-44", res.PnLPct.String())
}

func TestRunIsPure(t *testing.T) {
	a, snap := setup(t)
	trades := book()
	before := book()
	sc, _ := Preset("bear")

	first, err := Run(a, snap, trades, sc)
	require.NoError(t, err)
	second, err := Run(a, snap, trades, sc)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, before, trades)
}

func TestRunReportsMalformedTrades(t *testing.T) {
	a, snap := setup(t)
	trades := book()
	trades[1].Currency = "euro"

	res, err := Run(a, snap, trades, Scenario{Name: "flat"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Trades[1].Error)
	assert.Len(t, res.Exposures, 1)
}

func TestRunReportsPanicsPerTrade(t *testing.T) {
	a, snap := setup(t)
	broken := *snap
	broken.Model = nil

	var res *Result
	require.NotPanics(t, func() {
		var err error
		res, err = Run(a, &broken, book(), Scenario{Name: "flat"})
		require.NoError(t, err)
	})
	require.Len(t, res.Trades, 2)
	for _, out := range res.Trades {
		assert.Contains(t, out.Error, "panic while assessing")
	}
	assert.Empty(t, res.Exposures)
	assert.Empty(t, res.Counts)
}

func TestScenarioValidate(t *testing.T) {
	_, snap := setup(t)
	bad := Scenario{Name: "wipeout", PriceShock: decimal.NewFromInt(-100)}
	assert.Error(t, bad.Validate())

	_, err := Run(nil, snap, nil, bad)
	assert.Error(t, err)
}
