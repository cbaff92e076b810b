package classifier

import (
	"fmt"
)

// Config holds the tunable decision thresholds and score weights. Anomaly
// thresholds are on the normalized scale where 1 is the most anomalous.
type Config struct {
	StrongAnomalyThreshold float64 `mapstructure:"strong_anomaly_threshold" json:"strong_anomaly_threshold" validate:"gte=0,lte=1"`
	MildAnomalyThreshold   float64 `mapstructure:"mild_anomaly_threshold" json:"mild_anomaly_threshold" validate:"gte=0,lte=1,ltefield=StrongAnomalyThreshold"`
	RuleWeight             float64 `mapstructure:"rule_weight" json:"rule_weight" validate:"gte=0"`
	AnomalyWeight          float64 `mapstructure:"anomaly_weight" json:"anomaly_weight" validate:"gte=0"`
}

// DefaultConfig returns the thresholds the demo deployment shipped with.
func DefaultConfig() Config {
	return Config{
		StrongAnomalyThreshold: 0.70,
		MildAnomalyThreshold:   0.60,
		RuleWeight:             0.6,
		AnomalyWeight:          0.4,
	}
}

// Validate checks ranges without relying on struct tags so callers that build
// a Config by hand get the same guarantees.
func (c Config) Validate() error {
	if c.StrongAnomalyThreshold < 0 || c.StrongAnomalyThreshold > 1 {
		return fmt.Errorf("strong anomaly threshold %v outside [0,1]", c.StrongAnomalyThreshold)
	}
	if c.MildAnomalyThreshold < 0 || c.MildAnomalyThreshold > 1 {
		return fmt.Errorf("mild anomaly threshold %v outside [0,1]", c.MildAnomalyThreshold)
	}
	if c.MildAnomalyThreshold > c.StrongAnomalyThreshold {
		return fmt.Errorf("mild anomaly threshold %v above strong threshold %v", c.MildAnomalyThreshold, c.StrongAnomalyThreshold)
	}
	if c.RuleWeight < 0 || c.AnomalyWeight < 0 {
		return fmt.Errorf("weights must be non-negative (rule=%v anomaly=%v)", c.RuleWeight, c.AnomalyWeight)
	}
	return nil
}
