package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/tradesentry/internal/models"
	"github.com/Aidin1998/tradesentry/internal/screening"
)

// Kind tags a rule definition with the predicate family it belongs to
type Kind string

const (
	KindNotionalLimit         Kind = "NOTIONAL_LIMIT"
	KindSanctions             Kind = "SANCTIONS"
	KindPriceDeviation        Kind = "PRICE_DEVIATION"
	KindFXDeviation           Kind = "FX_DEVIATION"
	KindRestrictedCombination Kind = "RESTRICTED_COMBINATION"
	KindCountryBlacklist      Kind = "COUNTRY_BLACKLIST"
	KindRequireKYC            Kind = "REQUIRE_KYC"
	KindAMLFlag               Kind = "AML_FLAG"
)

// Phrases are the plain-language lead of every alert summary.
var phrases = map[Kind]string{
	KindNotionalLimit:         "Deal is bigger than our limit",
	KindSanctions:             "Possible sanctions list match",
	KindPriceDeviation:        "Price far from reference",
	KindFXDeviation:           "FX rate far from reference",
	KindRestrictedCombination: "Restricted counterparty/instrument combination",
	KindCountryBlacklist:      "Counterparty country is restricted",
	KindRequireKYC:            "KYC not completed",
	KindAMLFlag:               "AML system has red flags",
}

var defaultSeverity = map[Kind]Severity{
	KindNotionalLimit:         Medium,
	KindSanctions:             Critical,
	KindPriceDeviation:        Medium,
	KindFXDeviation:           Low,
	KindRestrictedCombination: High,
	KindCountryBlacklist:      High,
	KindRequireKYC:            High,
	KindAMLFlag:               Critical,
}

// Phrase returns the plain-language description of a rule kind.
func Phrase(k Kind) string {
	return phrases[k]
}

// Kinds lists every supported rule kind.
func Kinds() []Kind {
	return []Kind{
		KindNotionalLimit, KindSanctions, KindPriceDeviation, KindFXDeviation,
		KindRestrictedCombination, KindCountryBlacklist, KindRequireKYC, KindAMLFlag,
	}
}

type verdict int

const (
	pass verdict = iota
	hit
	abstain
)

type outcome struct {
	verdict verdict
	detail  string
}

func passed() outcome                       { return outcome{verdict: pass} }
func fired(format string, a ...any) outcome { return outcome{verdict: hit, detail: fmt.Sprintf(format, a...)} }
func abstained(format string, a ...any) outcome {
	return outcome{verdict: abstain, detail: fmt.Sprintf(format, a...)}
}

type evalFunc func(t *models.Trade, ref *Reference) outcome

// NotionalLimitParams caps the notional of trades, optionally scoped to one
// counterparty or instrument. When Currency differs from the trade currency
// the notional is converted through reference FX rates.
type NotionalLimitParams struct {
	Limit        decimal.Decimal `json:"limit"`
	Currency     string          `json:"currency,omitempty"`
	Counterparty string          `json:"counterparty,omitempty"`
	Instrument   string          `json:"instrument,omitempty"`
}

// SanctionsParams controls sanctions screening of the counterparty name
type SanctionsParams struct {
	FuzzyThreshold float64 `json:"fuzzy_threshold,omitempty"`
	MatchCountry   bool    `json:"match_country,omitempty"`
}

// DeviationParams bounds the relative distance from a reference value
type DeviationParams struct {
	MaxDeviationPct decimal.Decimal `json:"max_deviation_pct"`
}

// RestrictedCombinationParams flags trades where both the counterparty side
// and the instrument side match. An empty side matches everything.
type RestrictedCombinationParams struct {
	Counterparties    []string `json:"counterparties,omitempty"`
	CounterpartyTypes []string `json:"counterparty_types,omitempty"`
	Instruments       []string `json:"instruments,omitempty"`
	Sectors           []string `json:"sectors,omitempty"`
}

// CountryBlacklistParams matches the counterparty country against a regexp
type CountryBlacklistParams struct {
	Pattern string `json:"pattern"`
}

func decodeParams(raw string, into any) error {
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	return dec.Decode(into)
}

func compileKind(kind Kind, raw string) (evalFunc, error) {
	switch kind {
	case KindNotionalLimit:
		var p NotionalLimitParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if !p.Limit.IsPositive() {
			return nil, fmt.Errorf("limit must be positive")
		}
		return notionalLimit(p), nil
	case KindSanctions:
		var p SanctionsParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.FuzzyThreshold < 0 || p.FuzzyThreshold > 1 {
			return nil, fmt.Errorf("fuzzy_threshold must be within [0,1]")
		}
		return sanctions(p), nil
	case KindPriceDeviation, KindFXDeviation:
		var p DeviationParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if !p.MaxDeviationPct.IsPositive() {
			return nil, fmt.Errorf("max_deviation_pct must be positive")
		}
		if kind == KindPriceDeviation {
			return priceDeviation(p), nil
		}
		return fxDeviation(p), nil
	case KindRestrictedCombination:
		var p RestrictedCombinationParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if len(p.Counterparties)+len(p.CounterpartyTypes) == 0 && len(p.Instruments)+len(p.Sectors) == 0 {
			return nil, fmt.Errorf("at least one counterparty or instrument selector is required")
		}
		return restrictedCombination(p), nil
	case KindCountryBlacklist:
		var p CountryBlacklistParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.Pattern == "" {
			return nil, fmt.Errorf("pattern is required")
		}
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
		return countryBlacklist(re), nil
	case KindRequireKYC:
		if err := decodeParams(raw, &struct{}{}); err != nil {
			return nil, err
		}
		return requireKYC, nil
	case KindAMLFlag:
		if err := decodeParams(raw, &struct{}{}); err != nil {
			return nil, err
		}
		return amlFlag, nil
	}
	return nil, fmt.Errorf("unknown rule kind %q", kind)
}

func notionalLimit(p NotionalLimitParams) evalFunc {
	return func(t *models.Trade, ref *Reference) outcome {
		if p.Counterparty != "" && !strings.EqualFold(p.Counterparty, t.Counterparty) {
			return passed()
		}
		if p.Instrument != "" && !strings.EqualFold(p.Instrument, t.Instrument) {
			return passed()
		}

		notional, currency := t.Notional, t.Currency
		if p.Currency != "" && !strings.EqualFold(p.Currency, t.Currency) {
			from, ok := ref.FXRate(t.Currency)
			if !ok {
				return abstained("no reference FX rate for %s", t.Currency)
			}
			to, ok := ref.FXRate(p.Currency)
			if !ok {
				return abstained("no reference FX rate for %s", p.Currency)
			}
			notional = notional.Mul(from).Div(to)
			currency = strings.ToUpper(p.Currency)
		}

		if notional.GreaterThan(p.Limit) {
			return fired("notional %s %s > limit %s", notional.StringFixed(2), currency, p.Limit.String())
		}
		return passed()
	}
}

func sanctions(p SanctionsParams) evalFunc {
	return func(t *models.Trade, ref *Reference) outcome {
		if ref == nil || ref.Screener == nil {
			return abstained("no sanctions list loaded")
		}
		opts := screening.Options{FuzzyThreshold: p.FuzzyThreshold}
		if p.MatchCountry {
			opts.Country = counterpartyCountry(t, ref)
		}
		m, ok := ref.Screener.Screen(t.Counterparty, opts)
		if !ok {
			return passed()
		}
		if m.Type == screening.MatchExact {
			return fired("counterparty %q is listed as %q", t.Counterparty, m.ListedName)
		}
		return fired("counterparty %q resembles listed %q (similarity %.2f)", t.Counterparty, m.ListedName, m.Score)
	}
}

func priceDeviation(p DeviationParams) evalFunc {
	return func(t *models.Trade, ref *Reference) outcome {
		inst, ok := ref.Instrument(t.Instrument)
		if !ok || !inst.ReferencePrice.IsPositive() {
			return abstained("no reference price for %s", t.Instrument)
		}
		dev := deviationPct(t.Price, inst.ReferencePrice)
		if dev.GreaterThan(p.MaxDeviationPct) {
			return fired("price %s is %s%% from reference %s (max %s%%)",
				t.Price.String(), dev.StringFixed(2), inst.ReferencePrice.String(), p.MaxDeviationPct.String())
		}
		return passed()
	}
}

func fxDeviation(p DeviationParams) evalFunc {
	return func(t *models.Trade, ref *Reference) outcome {
		if !t.FXRate.Valid {
			return abstained("trade carries no FX rate")
		}
		refRate, ok := ref.FXRate(t.Currency)
		if !ok {
			return abstained("no reference FX rate for %s", t.Currency)
		}
		dev := deviationPct(t.FXRate.Decimal, refRate)
		if dev.GreaterThan(p.MaxDeviationPct) {
			return fired("FX rate %s for %s is %s%% from reference %s (max %s%%)",
				t.FXRate.Decimal.String(), t.Currency, dev.StringFixed(2), refRate.String(), p.MaxDeviationPct.String())
		}
		return passed()
	}
}

func restrictedCombination(p RestrictedCombinationParams) evalFunc {
	return func(t *models.Trade, ref *Reference) outcome {
		cptyRecord, cptyKnown := ref.Counterparty(t.Counterparty)
		inst, instKnown := ref.Instrument(t.Instrument)

		cptySide := len(p.Counterparties)+len(p.CounterpartyTypes) == 0 ||
			containsFold(p.Counterparties, t.Counterparty) ||
			(cptyKnown && containsFold(p.CounterpartyTypes, cptyRecord.Type))

		sector := t.Sector
		if instKnown && inst.Sector != "" {
			sector = inst.Sector
		}
		instSide := len(p.Instruments)+len(p.Sectors) == 0 ||
			containsFold(p.Instruments, t.Instrument) ||
			(sector != "" && containsFold(p.Sectors, sector))

		if cptySide && instSide {
			return fired("counterparty %s may not trade %s", t.Counterparty, t.Instrument)
		}
		if len(p.CounterpartyTypes) > 0 && !cptyKnown && len(p.Counterparties) == 0 {
			return abstained("counterparty %s has no reference record", t.Counterparty)
		}
		return passed()
	}
}

func countryBlacklist(re *regexp.Regexp) evalFunc {
	return func(t *models.Trade, ref *Reference) outcome {
		country := counterpartyCountry(t, ref)
		if country == "" {
			return abstained("counterparty country unknown")
		}
		if re.MatchString(country) {
			return fired("country %s matches restricted list", country)
		}
		return passed()
	}
}

func requireKYC(t *models.Trade, ref *Reference) outcome {
	verified := t.KYCVerified
	if verified == nil {
		if c, ok := ref.Counterparty(t.Counterparty); ok {
			verified = &c.KYCVerified
		}
	}
	if verified == nil {
		return abstained("KYC status unknown")
	}
	if !*verified {
		return fired("counterparty %s is not KYC verified", t.Counterparty)
	}
	return passed()
}

func amlFlag(t *models.Trade, _ *Reference) outcome {
	if t.AMLFlag == nil {
		return abstained("no AML screening result")
	}
	if *t.AMLFlag {
		return fired("AML system flagged trade %s", t.ExternalID)
	}
	return passed()
}

func counterpartyCountry(t *models.Trade, ref *Reference) string {
	if t.Country != "" {
		return strings.ToUpper(t.Country)
	}
	if c, ok := ref.Counterparty(t.Counterparty); ok {
		return strings.ToUpper(c.Country)
	}
	return ""
}

var hundred = decimal.NewFromInt(100)

func deviationPct(v, reference decimal.Decimal) decimal.Decimal {
	return v.Sub(reference).Abs().Div(reference).Mul(hundred)
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
