package refdata

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// The version covers every input a rule can read, not only the rule
// definitions. Database ids of counterparties and sanction entries are left
// out so a file and the tables it was seeded into agree.
type canonicalData struct {
	Rules          string                  `json:"rules"`
	Counterparties []canonicalCounterparty `json:"counterparties"`
	Sanctions      []canonicalSanction     `json:"sanctions"`
	Instruments    []canonicalInstrument   `json:"instruments"`
	FXRates        []canonicalFXRate       `json:"fx_rates"`
}

type canonicalCounterparty struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Country     string  `json:"country"`
	Sector      string  `json:"sector"`
	PDDefault   float64 `json:"pd_default"`
	KYCVerified bool    `json:"kyc_verified"`
}

type canonicalSanction struct {
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
	Country string   `json:"country"`
	Program string   `json:"program"`
}

type canonicalInstrument struct {
	Symbol         string `json:"symbol"`
	Sector         string `json:"sector"`
	Currency       string `json:"currency"`
	ReferencePrice string `json:"reference_price"`
}

type canonicalFXRate struct {
	Currency string `json:"currency"`
	Rate     string `json:"rate"`
}

// fingerprint hashes the canonical form of data together with the compiled
// ruleset version.
func fingerprint(rulesVersion string, data *Data) (string, error) {
	c := canonicalData{
		Rules:          rulesVersion,
		Counterparties: make([]canonicalCounterparty, 0, len(data.Counterparties)),
		Sanctions:      make([]canonicalSanction, 0, len(data.Sanctions)),
		Instruments:    make([]canonicalInstrument, 0, len(data.Instruments)),
		FXRates:        make([]canonicalFXRate, 0, len(data.FXRates)),
	}
	for _, cp := range data.Counterparties {
		c.Counterparties = append(c.Counterparties, canonicalCounterparty{
			Name:        cp.Name,
			Type:        cp.Type,
			Country:     strings.ToUpper(cp.Country),
			Sector:      cp.Sector,
			PDDefault:   cp.PDDefault,
			KYCVerified: cp.KYCVerified,
		})
	}
	for _, s := range data.Sanctions {
		aliases := append([]string{}, s.Aliases...)
		sort.Strings(aliases)
		c.Sanctions = append(c.Sanctions, canonicalSanction{
			Name:    s.Name,
			Aliases: aliases,
			Country: strings.ToUpper(s.Country),
			Program: s.Program,
		})
	}
	for _, in := range data.Instruments {
		c.Instruments = append(c.Instruments, canonicalInstrument{
			Symbol:         in.Symbol,
			Sector:         in.Sector,
			Currency:       strings.ToUpper(in.Currency),
			ReferencePrice: in.ReferencePrice.String(),
		})
	}
	for _, fx := range data.FXRates {
		c.FXRates = append(c.FXRates, canonicalFXRate{
			Currency: strings.ToUpper(fx.Currency),
			Rate:     fx.Rate.String(),
		})
	}
	sortCanonical(&c)

	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "rs-" + hex.EncodeToString(sum[:])[:12], nil
}

func sortCanonical(c *canonicalData) {
	sort.Slice(c.Counterparties, func(i, j int) bool {
		a, b := c.Counterparties[i], c.Counterparties[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Country < b.Country
	})
	sort.Slice(c.Sanctions, func(i, j int) bool {
		a, b := c.Sanctions[i], c.Sanctions[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Country != b.Country {
			return a.Country < b.Country
		}
		if a.Program != b.Program {
			return a.Program < b.Program
		}
		return strings.Join(a.Aliases, "\x00") < strings.Join(b.Aliases, "\x00")
	})
	sort.Slice(c.Instruments, func(i, j int) bool { return c.Instruments[i].Symbol < c.Instruments[j].Symbol })
	sort.Slice(c.FXRates, func(i, j int) bool { return c.FXRates[i].Currency < c.FXRates[j].Currency })
}

