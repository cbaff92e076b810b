// Package scoring turns a trade and a reference data snapshot into a decision
// and the rows that record it.
package scoring

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Aidin1998/tradesentry/internal/classifier"
	"github.com/Aidin1998/tradesentry/internal/models"
	"github.com/Aidin1998/tradesentry/internal/refdata"
	"github.com/Aidin1998/tradesentry/internal/rules"
	"github.com/Aidin1998/tradesentry/pkg/errors"
	"github.com/Aidin1998/tradesentry/pkg/validation"
)

// Assessment is the in-memory outcome of scoring one trade
type Assessment struct {
	TradeID        int64               `json:"trade_id"`
	Results        []rules.Result      `json:"results"`
	Decision       classifier.Decision `json:"decision"`
	RulesetVersion string              `json:"ruleset_version"`
	ModelVersion   string              `json:"model_version"`
}

// Assessor is pure: it reads the trade and the snapshot and writes nothing.
// The classifier can be replaced while assessments run; each assessment uses
// exactly one classifier.
type Assessor struct {
	classifier atomic.Pointer[classifier.Classifier]
	validator  *validation.Validator
}

// NewAssessor creates an assessor
func NewAssessor(c *classifier.Classifier, v *validation.Validator) *Assessor {
	a := &Assessor{validator: v}
	a.classifier.Store(c)
	return a
}

// Classifier returns the decision policy in use.
func (a *Assessor) Classifier() *classifier.Classifier {
	return a.classifier.Load()
}

// SetClassifier swaps in new thresholds and weights for later assessments.
func (a *Assessor) SetClassifier(c *classifier.Classifier) {
	a.classifier.Store(c)
}

// PolicyVersion is the ruleset version recorded on risk scores: the
// reference data fingerprint plus the classifier thresholds.
func PolicyVersion(snap *refdata.Snapshot, c *classifier.Classifier) string {
	return snap.RulesetVersion() + "/" + c.Version()
}

// PolicyVersion returns the version the next assessment against snap records.
func (a *Assessor) PolicyVersion(snap *refdata.Snapshot) string {
	return PolicyVersion(snap, a.classifier.Load())
}

// Assess validates, evaluates and classifies a trade. Malformed input yields a
// Malformed error; a decision that breaks its invariants yields an Invariant
// error. Neither should stop the rest of a batch.
func (a *Assessor) Assess(snap *refdata.Snapshot, t *models.Trade) (*Assessment, error) {
	if err := a.validator.ValidateStruct(t); err != nil {
		return nil, errors.Malformed.Wrap(err).Explain("trade %d failed validation", t.ID)
	}

	results := snap.Rules.Evaluate(t, snap.Reference)

	raw, err := snap.Model.Score(t)
	if err != nil {
		return nil, errors.Malformed.Wrap(err).Explain("trade %d cannot be scored", t.ID)
	}

	c := a.classifier.Load()
	decision, err := c.Classify(results, raw)
	if err != nil {
		return nil, err
	}

	return &Assessment{
		TradeID:        t.ID,
		Results:        results,
		Decision:       decision,
		RulesetVersion: PolicyVersion(snap, c),
		ModelVersion:   snap.ModelVersion(),
	}, nil
}

// Records builds the RiskScore row and, for non-ALLOW decisions, the Alert
// row for an assessment.
func (a *Assessment) Records(workerID string, now time.Time) (*models.RiskScore, *models.Alert) {
	d := a.Decision
	score := &models.RiskScore{
		ID:                uuid.New(),
		TradeID:           a.TradeID,
		Score:             d.Score,
		Classification:    d.Classification,
		RuleSeverity:      int(d.MaxSeverity),
		AnomalyRaw:        d.AnomalyRaw,
		AnomalyScore:      d.AnomalyScore,
		ContributingRules: d.Contributing,
		PrimaryReason:     d.PrimaryReason,
		RulesetVersion:    a.RulesetVersion,
		ModelVersion:      a.ModelVersion,
		DecidedBy:         workerID,
		DecidedAt:         now.UTC(),
	}
	if d.Classification == models.Allow {
		return score, nil
	}

	alert := &models.Alert{
		ID:             uuid.New(),
		TradeID:        a.TradeID,
		RiskScoreID:    score.ID,
		Classification: d.Classification,
		Severity:       models.SeverityFor(d.Classification),
		RuleID:         d.PrimaryRuleID,
		Summary:        a.Summary(),
		Status:         models.AlertOpen,
	}
	return score, alert
}

// Summary renders the alert text: the decision, the primary reason, and the
// names of any other rules that fired.
func (a *Assessment) Summary() string {
	d := a.Decision
	var b strings.Builder
	fmt.Fprintf(&b, "%s (score %.1f): %s", d.Classification, d.Score, d.PrimaryReason)

	var others []string
	for _, r := range a.Results {
		if !r.Fired() {
			continue
		}
		if d.PrimaryRuleID != nil && r.RuleID == *d.PrimaryRuleID {
			continue
		}
		others = append(others, fmt.Sprintf("%s [%s]", r.Name, r.Severity))
	}
	if len(others) > 0 {
		fmt.Fprintf(&b, "; also: %s", strings.Join(others, ", "))
	}
	return b.String()
}
