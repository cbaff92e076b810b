// Package stress re-runs the decision pipeline over shocked copies of trades.
// It never touches the store: callers pass trades in and get results back.
package stress

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/tradesentry/internal/models"
	"github.com/Aidin1998/tradesentry/internal/refdata"
	"github.com/Aidin1998/tradesentry/internal/scoring"
	"github.com/Aidin1998/tradesentry/pkg/errors"
)

var hundred = decimal.NewFromInt(100)

// Scenario is a pair of percentage shocks. -10 means a 10% fall.
type Scenario struct {
	Name       string          `json:"name"`
	FXShock    decimal.Decimal `json:"fx_shock_pct"`
	PriceShock decimal.Decimal `json:"price_shock_pct"`
}

var presets = []Scenario{
	{Name: "mild", FXShock: decimal.NewFromInt(-3), PriceShock: decimal.NewFromInt(-5)},
	{Name: "bear", FXShock: decimal.NewFromInt(-10), PriceShock: decimal.NewFromInt(-15)},
	{Name: "crisis", FXShock: decimal.NewFromInt(-20), PriceShock: decimal.NewFromInt(-30)},
	{Name: "rally", FXShock: decimal.NewFromInt(5), PriceShock: decimal.NewFromInt(8)},
}

// Presets returns the built-in scenarios.
func Presets() []Scenario {
	out := make([]Scenario, len(presets))
	copy(out, presets)
	return out
}

// Preset looks a scenario up by name, case-insensitively.
func Preset(name string) (Scenario, bool) {
	for _, s := range presets {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return Scenario{}, false
}

// Validate rejects shocks that would make prices or notionals non-positive.
func (s Scenario) Validate() error {
	if s.FXShock.LessThanOrEqual(hundred.Neg()) {
		return fmt.Errorf("fx shock must be greater than -100%%, got %s%%", s.FXShock)
	}
	if s.PriceShock.LessThanOrEqual(hundred.Neg()) {
		return fmt.Errorf("price shock must be greater than -100%%, got %s%%", s.PriceShock)
	}
	return nil
}

func (s Scenario) fxFactor() decimal.Decimal {
	return hundred.Add(s.FXShock).Div(hundred)
}

func (s Scenario) priceFactor() decimal.Decimal {
	return hundred.Add(s.PriceShock).Div(hundred)
}

// Apply returns a shocked copy of t. Price moves by the price shock, the
// trade's own FX rate by the FX shock, and notional by both.
func (s Scenario) Apply(t models.Trade) models.Trade {
	shocked := t
	shocked.Price = t.Price.Mul(s.priceFactor())
	shocked.Notional = t.Notional.Mul(s.fxFactor()).Mul(s.priceFactor())
	if t.FXRate.Valid {
		shocked.FXRate = decimal.NullDecimal{Decimal: t.FXRate.Decimal.Mul(s.fxFactor()), Valid: true}
	}
	return shocked
}

// Outcome is one trade's decision before and after the shock
type Outcome struct {
	TradeID       int64                 `json:"trade_id"`
	ExternalID    string                `json:"external_id"`
	Currency      string                `json:"currency"`
	BaseNotional  decimal.Decimal       `json:"base_notional"`
	ShockNotional decimal.Decimal       `json:"shock_notional"`
	Base          models.Classification `json:"base_classification"`
	Shocked       models.Classification `json:"shocked_classification"`
	BaseScore     float64               `json:"base_score"`
	ShockedScore  float64               `json:"shocked_score"`
	ShockedReason string                `json:"shocked_reason,omitempty"`
	Changed       bool                  `json:"changed"`
	Error         string                `json:"error,omitempty"`
}

// Exposure is the notional held in one currency before and after the shock
type Exposure struct {
	Currency string          `json:"currency"`
	Base     decimal.Decimal `json:"base"`
	Shocked  decimal.Decimal `json:"shocked"`
	Delta    decimal.Decimal `json:"delta"`
}

// Result is the full what-if report
type Result struct {
	Scenario     Scenario                      `json:"scenario"`
	Trades       []Outcome                     `json:"trades"`
	Exposures    []Exposure                    `json:"exposures"`
	BaseTotal    decimal.Decimal               `json:"base_total"`
	ShockedTotal decimal.Decimal               `json:"shocked_total"`
	PnL          decimal.Decimal               `json:"pnl"`
	PnLPct       decimal.Decimal               `json:"pnl_pct"`
	Counts       map[models.Classification]int `json:"shocked_counts"`
	Escalated    int                           `json:"escalated"`
}

// Run scores every trade as is and under the scenario. It is pure: the same
// inputs always give the same result and nothing is persisted. Trades that
// cannot be assessed are reported with an error and left out of the counts.
func Run(a *scoring.Assessor, snap *refdata.Snapshot, trades []models.Trade, sc Scenario) (*Result, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	res := &Result{
		Scenario: sc,
		Trades:   make([]Outcome, 0, len(trades)),
		Counts:   map[models.Classification]int{},
	}
	byCurrency := map[string]*Exposure{}

	for i := range trades {
		base := trades[i]
		shocked := sc.Apply(base)

		out := Outcome{
			TradeID:       base.ID,
			ExternalID:    base.ExternalID,
			Currency:      base.Currency,
			BaseNotional:  base.Notional,
			ShockNotional: shocked.Notional,
		}

		baseAs, err := assess(a, snap, &base)
		if err != nil {
			out.Error = err.Error()
			res.Trades = append(res.Trades, out)
			continue
		}
		shockAs, err := assess(a, snap, &shocked)
		if err != nil {
			out.Error = err.Error()
			res.Trades = append(res.Trades, out)
			continue
		}

		out.Base = baseAs.Decision.Classification
		out.BaseScore = baseAs.Decision.Score
		out.Shocked = shockAs.Decision.Classification
		out.ShockedScore = shockAs.Decision.Score
		out.ShockedReason = shockAs.Decision.PrimaryReason
		out.Changed = out.Base != out.Shocked
		if rank(out.Shocked) > rank(out.Base) {
			res.Escalated++
		}
		res.Counts[out.Shocked]++
		res.Trades = append(res.Trades, out)

		e, ok := byCurrency[base.Currency]
		if !ok {
			e = &Exposure{Currency: base.Currency}
			byCurrency[base.Currency] = e
		}
		e.Base = e.Base.Add(base.Notional)
		e.Shocked = e.Shocked.Add(shocked.Notional)
	}

	for _, e := range byCurrency {
		e.Delta = e.Shocked.Sub(e.Base)
		res.Exposures = append(res.Exposures, *e)
		res.BaseTotal = res.BaseTotal.Add(e.Base)
		res.ShockedTotal = res.ShockedTotal.Add(e.Shocked)
	}
	sort.Slice(res.Exposures, func(i, j int) bool {
		return res.Exposures[i].Currency < res.Exposures[j].Currency
	})

	res.PnL = res.ShockedTotal.Sub(res.BaseTotal)
	if !res.BaseTotal.IsZero() {
		res.PnLPct = res.PnL.Div(res.BaseTotal).Mul(hundred).Round(4)
	}
	return res, nil
}

// assess reports a panic while scoring a trade as that trade's error.
func assess(a *scoring.Assessor, snap *refdata.Snapshot, t *models.Trade) (as *scoring.Assessment, err error) {
	defer func() {
		if r := recover(); r != nil {
			as = nil
			err = errors.Invariant.Explain("panic while assessing trade %d: %v", t.ID, r)
		}
	}()
	return a.Assess(snap, t)
}

func rank(c models.Classification) int {
	switch c {
	case models.Block:
		return 2
	case models.Review:
		return 1
	}
	return 0
}
