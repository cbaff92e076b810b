// Package classifier merges rule severities and the anomaly score into a
// final ALLOW / REVIEW / BLOCK decision.
package classifier

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/Aidin1998/tradesentry/internal/anomaly"
	"github.com/Aidin1998/tradesentry/internal/models"
	"github.com/Aidin1998/tradesentry/internal/rules"
	"github.com/Aidin1998/tradesentry/pkg/errors"
)

// AnomalyPhrase leads the reason when the anomaly model decided the outcome.
const AnomalyPhrase = "Unusual trade pattern"

// Decision is the classifier output for one trade
type Decision struct {
	Classification models.Classification `json:"classification"`
	Score          float64               `json:"score"`
	MaxSeverity    rules.Severity        `json:"max_severity"`
	AnomalyRaw     float64               `json:"anomaly_raw"`
	AnomalyScore   float64               `json:"anomaly_score"`
	PrimaryRuleID  *int64                `json:"primary_rule_id,omitempty"`
	PrimaryReason  string                `json:"primary_reason"`
	Contributing   []int64               `json:"contributing_rules"`
	AnomalyDriven  bool                  `json:"anomaly_driven"`
}

// Classifier applies the decision policy. It holds no mutable state.
type Classifier struct {
	cfg     Config
	version string
}

// New validates cfg and returns a classifier.
func New(cfg Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return &Classifier{cfg: cfg, version: "cl-" + hex.EncodeToString(sum[:])[:8]}, nil
}

// Config returns the thresholds in use.
func (c *Classifier) Config() Config {
	return c.cfg
}

// Version fingerprints the thresholds and weights.
func (c *Classifier) Version() string {
	return c.version
}

// Classify decides a trade from its rule results and raw anomaly score.
//
// Precedence: any CRITICAL blocks with score 100. Otherwise any HIGH, or an
// anomaly at or above the strong threshold, means REVIEW. Otherwise a LOW or
// MEDIUM hit together with an anomaly at or above the mild threshold means
// REVIEW. Everything else is ALLOW. The primary reason is the highest
// severity rule, lowest id first, unless the anomaly alone forced REVIEW.
func (c *Classifier) Classify(results []rules.Result, anomalyRaw float64) (Decision, error) {
	if math.IsNaN(anomalyRaw) || math.IsInf(anomalyRaw, 0) || anomalyRaw < -1 || anomalyRaw > 0 {
		return Decision{}, errors.Invariant.Explain("anomaly score %v outside [-1,0]", anomalyRaw)
	}

	fired := make([]rules.Result, 0, len(results))
	for _, r := range results {
		if r.Fired() {
			fired = append(fired, r)
		}
	}
	sort.SliceStable(fired, func(i, j int) bool {
		if fired[i].Severity != fired[j].Severity {
			return fired[i].Severity > fired[j].Severity
		}
		return fired[i].RuleID < fired[j].RuleID
	})

	d := Decision{
		AnomalyRaw:   anomalyRaw,
		AnomalyScore: anomaly.Normalize(anomalyRaw),
		Contributing: make([]int64, 0, len(fired)),
	}
	for _, r := range fired {
		d.Contributing = append(d.Contributing, r.RuleID)
	}
	sort.Slice(d.Contributing, func(i, j int) bool { return d.Contributing[i] < d.Contributing[j] })

	var top *rules.Result
	if len(fired) > 0 {
		top = &fired[0]
		d.MaxSeverity = top.Severity
	}

	strong := d.AnomalyScore >= c.cfg.StrongAnomalyThreshold
	mild := d.AnomalyScore >= c.cfg.MildAnomalyThreshold

	switch {
	case d.MaxSeverity == rules.Critical:
		d.Classification = models.Block
	case d.MaxSeverity == rules.High:
		d.Classification = models.Review
	case strong:
		d.Classification = models.Review
		d.AnomalyDriven = true
	case d.MaxSeverity >= rules.Low && mild:
		d.Classification = models.Review
	default:
		d.Classification = models.Allow
	}

	if d.Classification == models.Block {
		d.Score = 100
	} else {
		d.Score = clamp(c.cfg.RuleWeight*d.MaxSeverity.Value() + c.cfg.AnomalyWeight*d.AnomalyScore*100)
	}

	switch {
	case d.AnomalyDriven:
		d.PrimaryReason = fmt.Sprintf("%s: anomaly score %.2f at or above strong threshold %.2f",
			AnomalyPhrase, d.AnomalyScore, c.cfg.StrongAnomalyThreshold)
	case top != nil:
		id := top.RuleID
		d.PrimaryRuleID = &id
		d.PrimaryReason = top.Reason
		if d.Classification == models.Review && d.MaxSeverity < rules.High {
			d.PrimaryReason = fmt.Sprintf("%s (with anomaly score %.2f)", top.Reason, d.AnomalyScore)
		}
	default:
		d.PrimaryReason = fmt.Sprintf("No rule fired; anomaly score %.2f", d.AnomalyScore)
	}

	if err := Check(d); err != nil {
		return Decision{}, err
	}
	return d, nil
}

// Check verifies the post-classification invariants. A violation is an
// Invariant error and fails only the trade being classified.
func Check(d Decision) error {
	if math.IsNaN(d.Score) || math.IsInf(d.Score, 0) {
		return errors.Invariant.Explain("risk score is not finite")
	}
	if d.Score < 0 || d.Score > 100 {
		return errors.Invariant.Explain("risk score %v outside [0,100]", d.Score)
	}
	if !d.Classification.Valid() {
		return errors.Invariant.Explain("unknown classification %q", d.Classification)
	}
	if d.Classification == models.Block && d.Score != 100 {
		return errors.Invariant.Explain("BLOCK decision with score %v", d.Score)
	}
	if d.Classification == models.Block && d.MaxSeverity != rules.Critical {
		return errors.Invariant.Explain("BLOCK decision without a CRITICAL rule")
	}
	return nil
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	return math.Max(0, math.Min(100, v))
}
