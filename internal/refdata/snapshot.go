// Package refdata owns the immutable reference data snapshot the engine
// classifies against, and the serialized reload that replaces it.
package refdata

import (
	"fmt"
	"time"

	"github.com/Aidin1998/tradesentry/internal/anomaly"
	"github.com/Aidin1998/tradesentry/internal/models"
	"github.com/Aidin1998/tradesentry/internal/rules"
)

// Data is the raw reference data as read from a source
type Data struct {
	Counterparties []models.Counterparty
	Sanctions      []models.SanctionEntry
	Rules          []models.RuleDefinition
	Instruments    []models.Instrument
	FXRates        []models.FXRate
}

// Snapshot is one immutable generation of reference data plus the frozen
// model. Readers obtain it once per batch and never see it change.
type Snapshot struct {
	Rules     *rules.RuleSet
	Reference *rules.Reference
	Model     *anomaly.Forest
	Version   string
	LoadedAt  time.Time
	Stats     Stats
}

// Stats summarizes what a snapshot contains
type Stats struct {
	Rules          int `json:"rules"`
	Counterparties int `json:"counterparties"`
	SanctionNames  int `json:"sanction_names"`
	Instruments    int `json:"instruments"`
	FXRates        int `json:"fx_rates"`
}

// RulesetVersion is recorded on every risk score. It fingerprints the rule
// definitions and all the reference data they read, so two decisions with the
// same ruleset and model version saw identical inputs.
func (s *Snapshot) RulesetVersion() string {
	return s.Version
}

// ModelVersion is recorded on every risk score.
func (s *Snapshot) ModelVersion() string {
	return s.Model.Version()
}

// Build compiles raw data into a snapshot. It fails when no rule is active
// or the model is missing, so a broken source is never published.
func Build(data *Data, model *anomaly.Forest, now time.Time) (*Snapshot, error) {
	if model == nil {
		return nil, fmt.Errorf("anomaly model is not loaded")
	}
	rs, err := rules.Compile(data.Rules)
	if err != nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}
	if rs.Len() == 0 {
		return nil, fmt.Errorf("no active rules")
	}
	version, err := fingerprint(rs.Version(), data)
	if err != nil {
		return nil, fmt.Errorf("fingerprint reference data: %w", err)
	}
	ref := rules.NewReference(data.Counterparties, data.Sanctions, data.Instruments, data.FXRates)

	return &Snapshot{
		Rules:     rs,
		Reference: ref,
		Model:     model,
		Version:   version,
		LoadedAt:  now.UTC(),
		Stats: Stats{
			Rules:          rs.Len(),
			Counterparties: len(ref.Counterparties),
			SanctionNames:  ref.Screener.Len(),
			Instruments:    len(ref.Instruments),
			FXRates:        len(ref.FXRates),
		},
	}, nil
}
