package models

// TradeStatus is the processing state of a trade
type TradeStatus string

const (
	TradeNew       TradeStatus = "NEW"
	TradeClaimed   TradeStatus = "CLAIMED"
	TradeProcessed TradeStatus = "PROCESSED"
	TradeFailed    TradeStatus = "FAILED"
)

// Direction is the side of a trade
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Classification is the final risk decision for a trade
type Classification string

const (
	Allow  Classification = "ALLOW"
	Review Classification = "REVIEW"
	Block  Classification = "BLOCK"
)

// Valid reports whether c is one of the known decisions.
func (c Classification) Valid() bool {
	switch c {
	case Allow, Review, Block:
		return true
	}
	return false
}

// AlertSeverity is the text severity carried on an alert
type AlertSeverity string

const (
	AlertWarning  AlertSeverity = "WARNING"
	AlertCritical AlertSeverity = "CRITICAL"
)

// SeverityFor maps a non-ALLOW classification onto alert severity.
func SeverityFor(c Classification) AlertSeverity {
	if c == Block {
		return AlertCritical
	}
	return AlertWarning
}

// AlertStatus is the operator workflow state of an alert
type AlertStatus string

const (
	AlertOpen         AlertStatus = "OPEN"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertDismissed    AlertStatus = "DISMISSED"
)

// CanTransition reports whether an operator may move an alert from s to next.
// DISMISSED is terminal.
func (s AlertStatus) CanTransition(next AlertStatus) bool {
	switch s {
	case AlertOpen:
		return next == AlertAcknowledged || next == AlertDismissed
	case AlertAcknowledged:
		return next == AlertDismissed
	}
	return false
}
