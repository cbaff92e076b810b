package rules

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/tradesentry/internal/models"
	"github.com/Aidin1998/tradesentry/internal/screening"
)

// Reference is the read-only reference data rules evaluate against. Lookups
// are case-insensitive on the key.
type Reference struct {
	Counterparties map[string]models.Counterparty
	Instruments    map[string]models.Instrument
	FXRates        map[string]decimal.Decimal
	Screener       *screening.Screener
}

// NewReference indexes reference rows by their natural keys.
func NewReference(cptys []models.Counterparty, sanctions []models.SanctionEntry, instruments []models.Instrument, rates []models.FXRate) *Reference {
	ref := &Reference{
		Counterparties: make(map[string]models.Counterparty, len(cptys)),
		Instruments:    make(map[string]models.Instrument, len(instruments)),
		FXRates:        make(map[string]decimal.Decimal, len(rates)),
		Screener:       screening.NewScreener(sanctions),
	}
	for _, c := range cptys {
		ref.Counterparties[key(c.Name)] = c
	}
	for _, i := range instruments {
		ref.Instruments[key(i.Symbol)] = i
	}
	for _, r := range rates {
		ref.FXRates[key(r.Currency)] = r.Rate
	}
	return ref
}

// Counterparty looks up a counterparty by name.
func (r *Reference) Counterparty(name string) (models.Counterparty, bool) {
	if r == nil {
		return models.Counterparty{}, false
	}
	c, ok := r.Counterparties[key(name)]
	return c, ok
}

// Instrument looks up an instrument by symbol.
func (r *Reference) Instrument(symbol string) (models.Instrument, bool) {
	if r == nil {
		return models.Instrument{}, false
	}
	i, ok := r.Instruments[key(symbol)]
	return i, ok
}

// FXRate returns the reference rate of currency into the book currency.
func (r *Reference) FXRate(currency string) (decimal.Decimal, bool) {
	if r == nil {
		return decimal.Zero, false
	}
	v, ok := r.FXRates[key(currency)]
	if !ok || !v.IsPositive() {
		return decimal.Zero, false
	}
	return v, true
}

func key(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
