package rules

import (
	"fmt"
	"strings"
)

// Severity is the outcome of one rule. The numeric value doubles as the rule
// contribution to the risk score.
type Severity int

const (
	None     Severity = 0
	Low      Severity = 25
	Medium   Severity = 50
	High     Severity = 75
	Critical Severity = 100
)

func (s Severity) String() string {
	switch s {
	case None:
		return "NONE"
	case Low:
		return "LOW"
	case Medium:
		return "MEDIUM"
	case High:
		return "HIGH"
	case Critical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// Value returns the score contribution of the severity.
func (s Severity) Value() float64 {
	return float64(s)
}

// ParseSeverity parses a case-insensitive severity name.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NONE":
		return None, nil
	case "LOW":
		return Low, nil
	case "MEDIUM":
		return Medium, nil
	case "HIGH":
		return High, nil
	case "CRITICAL":
		return Critical, nil
	}
	return None, fmt.Errorf("unknown severity %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
