package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Trade represents an ingested trade. Business fields are immutable once the
// row exists; only the processing-state columns move.
type Trade struct {
	ID            int64               `json:"id" gorm:"primaryKey;autoIncrement"`
	ExternalID    string              `json:"external_id" gorm:"column:external_id;uniqueIndex;size:64" validate:"required,max=64"`
	TradeTime     time.Time           `json:"trade_time" validate:"required"`
	Counterparty  string              `json:"counterparty" gorm:"index;size:128" validate:"required,max=128"`
	Sector        string              `json:"sector,omitempty" gorm:"size:64" validate:"omitempty,max=64"`
	Country       string              `json:"country,omitempty" gorm:"size:8" validate:"omitempty,max=8"`
	Instrument    string              `json:"instrument" gorm:"index;size:32" validate:"required,max=32"`
	Direction     Direction           `json:"direction" gorm:"size:8" validate:"required,oneof=BUY SELL"`
	Quantity      decimal.Decimal     `json:"quantity" gorm:"type:decimal(28,8)" validate:"gt=0"`
	Price         decimal.Decimal     `json:"price" gorm:"type:decimal(28,8)" validate:"gt=0"`
	Notional      decimal.Decimal     `json:"notional" gorm:"type:decimal(28,8)" validate:"gt=0"`
	Currency      string              `json:"currency" gorm:"size:3" validate:"required,currency_code"`
	FXRate        decimal.NullDecimal `json:"fx_rate,omitempty" gorm:"type:decimal(28,10)" validate:"omitempty,gt=0"`
	KYCVerified   *bool               `json:"kyc_verified,omitempty"`
	AMLFlag       *bool               `json:"aml_flag,omitempty"`
	Status        TradeStatus         `json:"status" gorm:"size:16;not null;default:NEW;index:idx_trades_status_created,priority:1"`
	ClaimedBy     string              `json:"claimed_by,omitempty" gorm:"size:128"`
	ClaimedAt     *time.Time          `json:"claimed_at,omitempty" gorm:"index"`
	FailureReason string              `json:"failure_reason,omitempty" gorm:"type:text"`
	ProcessedAt   *time.Time          `json:"processed_at,omitempty"`
	CreatedAt     time.Time           `json:"created_at" gorm:"index:idx_trades_status_created,priority:2"`
}

// RiskScore is the immutable decision record for one classified trade.
type RiskScore struct {
	ID                uuid.UUID      `json:"id" gorm:"primaryKey;type:uuid"`
	TradeID           int64          `json:"trade_id" gorm:"uniqueIndex;not null"`
	Score             float64        `json:"score"`
	Classification    Classification `json:"classification" gorm:"size:8;index"`
	RuleSeverity      int            `json:"rule_severity"`
	AnomalyRaw        float64        `json:"anomaly_raw"`
	AnomalyScore      float64        `json:"anomaly_score"`
	ContributingRules []int64        `json:"contributing_rules" gorm:"serializer:json;type:text"`
	PrimaryReason     string         `json:"primary_reason" gorm:"type:text"`
	RulesetVersion    string         `json:"ruleset_version" gorm:"size:64"`
	ModelVersion      string         `json:"model_version" gorm:"size:64"`
	DecidedBy         string         `json:"decided_by" gorm:"size:128"`
	DecidedAt         time.Time      `json:"decided_at"`
}

// Alert is raised for every trade whose classification is not ALLOW.
type Alert struct {
	ID              uuid.UUID      `json:"id" gorm:"primaryKey;type:uuid"`
	TradeID         int64          `json:"trade_id" gorm:"uniqueIndex;not null"`
	RiskScoreID     uuid.UUID      `json:"risk_score_id" gorm:"type:uuid;index;not null"`
	Classification  Classification `json:"classification" gorm:"size:8"`
	Severity        AlertSeverity  `json:"severity" gorm:"size:16;index"`
	RuleID          *int64         `json:"rule_id,omitempty"`
	Summary         string         `json:"summary" gorm:"type:text"`
	Status          AlertStatus    `json:"status" gorm:"size:16;not null;default:OPEN;index"`
	StatusChangedBy string         `json:"status_changed_by,omitempty" gorm:"size:128"`
	StatusChangedAt *time.Time     `json:"status_changed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Counterparty is reference data about a trading counterparty
type Counterparty struct {
	ID          int64   `json:"id" yaml:"-" gorm:"primaryKey;autoIncrement"`
	Name        string  `json:"name" yaml:"name" gorm:"uniqueIndex;size:128" validate:"required"`
	Type        string  `json:"type" yaml:"type" gorm:"size:32"`
	Country     string  `json:"country" yaml:"country" gorm:"size:8"`
	Sector      string  `json:"sector" yaml:"sector" gorm:"size:64"`
	PDDefault   float64 `json:"pd_default" yaml:"pd_default"`
	KYCVerified bool    `json:"kyc_verified" yaml:"kyc_verified"`
}

// SanctionEntry is one name on a sanctions list
type SanctionEntry struct {
	ID      int64    `json:"id" yaml:"-" gorm:"primaryKey;autoIncrement"`
	Name    string   `json:"name" yaml:"name" gorm:"index;size:256" validate:"required"`
	Aliases []string `json:"aliases,omitempty" yaml:"aliases" gorm:"serializer:json;type:text"`
	Country string   `json:"country,omitempty" yaml:"country" gorm:"size:8"`
	Program string   `json:"program,omitempty" yaml:"program" gorm:"size:64"`
}

// RuleDefinition is the persisted form of a data-driven rule: a kind tag plus
// kind-specific JSON parameters.
type RuleDefinition struct {
	ID          int64  `json:"id" yaml:"id" gorm:"primaryKey;autoIncrement:false" validate:"required,gt=0"`
	Name        string `json:"name" yaml:"name" gorm:"size:128" validate:"required"`
	Kind        string `json:"kind" yaml:"kind" gorm:"size:32" validate:"required"`
	Severity    string `json:"severity" yaml:"severity" gorm:"size:16"`
	Params      string `json:"params" yaml:"-" gorm:"type:text"`
	Active      bool   `json:"active" yaml:"active"`
	Description string `json:"description,omitempty" yaml:"description" gorm:"type:text"`
}

// Instrument carries the reference price used by deviation rules
type Instrument struct {
	Symbol         string          `json:"symbol" yaml:"symbol" gorm:"primaryKey;size:32" validate:"required"`
	Sector         string          `json:"sector" yaml:"sector" gorm:"size:64"`
	Currency       string          `json:"currency" yaml:"currency" gorm:"size:3"`
	ReferencePrice decimal.Decimal `json:"reference_price" yaml:"reference_price" gorm:"type:decimal(28,8)"`
}

// FXRate is the reference conversion rate of a currency into the book currency
type FXRate struct {
	Currency string          `json:"currency" yaml:"currency" gorm:"primaryKey;size:3" validate:"required,len=3"`
	Rate     decimal.Decimal `json:"rate" yaml:"rate" gorm:"type:decimal(28,10)" validate:"gt=0"`
}

// TableName overrides the pluralized default
func (FXRate) TableName() string { return "fx_rates" }

// TableName overrides the pluralized default
func (SanctionEntry) TableName() string { return "sanctions" }

// TableName overrides the pluralized default
func (RuleDefinition) TableName() string { return "rules" }

// All returns every model the store migrates.
func All() []any {
	return []any{
		&Trade{}, &RiskScore{}, &Alert{},
		&Counterparty{}, &SanctionEntry{}, &RuleDefinition{}, &Instrument{}, &FXRate{},
	}
}
