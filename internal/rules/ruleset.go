// Package rules compiles data-driven rule definitions into pure predicates
// and evaluates them against trades.
package rules

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Aidin1998/tradesentry/internal/models"
)

// Rule is one compiled rule
type Rule struct {
	ID       int64
	Name     string
	Kind     Kind
	Severity Severity
	eval     evalFunc
}

// Result is the outcome of evaluating one rule on one trade. Severity is NONE
// when the rule passed or abstained.
type Result struct {
	RuleID    int64    `json:"rule_id"`
	Name      string   `json:"name"`
	Kind      Kind     `json:"kind"`
	Severity  Severity `json:"severity"`
	Reason    string   `json:"reason,omitempty"`
	Abstained bool     `json:"abstained,omitempty"`
}

// Fired reports whether the rule produced a non-NONE severity.
func (r Result) Fired() bool {
	return r.Severity > None
}

// RuleSet is an immutable, id-ordered collection of compiled rules
type RuleSet struct {
	rules   []Rule
	version string
}

// Compile validates and compiles the active definitions. Inactive
// definitions are skipped. Any invalid active definition fails the whole
// set so a bad reload never partially applies.
func Compile(defs []models.RuleDefinition) (*RuleSet, error) {
	seen := make(map[int64]struct{}, len(defs))
	active := make([]models.RuleDefinition, 0, len(defs))
	for _, d := range defs {
		if !d.Active {
			continue
		}
		if d.ID <= 0 {
			return nil, fmt.Errorf("rule %q: id must be positive", d.Name)
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("rule %d: duplicate id", d.ID)
		}
		seen[d.ID] = struct{}{}
		active = append(active, d)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })

	rs := &RuleSet{rules: make([]Rule, 0, len(active))}
	for _, d := range active {
		kind := Kind(strings.ToUpper(strings.TrimSpace(d.Kind)))
		eval, err := compileKind(kind, d.Params)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", d.ID, d.Name, err)
		}

		sev := defaultSeverity[kind]
		if d.Severity != "" {
			if sev, err = ParseSeverity(d.Severity); err != nil {
				return nil, fmt.Errorf("rule %d (%s): %w", d.ID, d.Name, err)
			}
		}
		// A sanctions hit is always CRITICAL regardless of configuration.
		if kind == KindSanctions {
			sev = Critical
		}
		if sev == None {
			return nil, fmt.Errorf("rule %d (%s): severity NONE can never fire", d.ID, d.Name)
		}

		rs.rules = append(rs.rules, Rule{ID: d.ID, Name: d.Name, Kind: kind, Severity: sev, eval: eval})
	}

	version, err := fingerprint(active)
	if err != nil {
		return nil, err
	}
	rs.version = version
	return rs, nil
}

// Version identifies the active rule definitions. Equal definitions always
// produce the same version.
func (rs *RuleSet) Version() string {
	return rs.version
}

// Rules returns the compiled rules in evaluation order.
func (rs *RuleSet) Rules() []Rule {
	out := make([]Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// Len returns the number of compiled rules.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// Evaluate runs every rule in id order. It never mutates the trade or the
// reference data.
func (rs *RuleSet) Evaluate(t *models.Trade, ref *Reference) []Result {
	results := make([]Result, 0, len(rs.rules))
	for _, r := range rs.rules {
		o := r.eval(t, ref)
		res := Result{RuleID: r.ID, Name: r.Name, Kind: r.Kind}
		switch o.verdict {
		case hit:
			res.Severity = r.Severity
			res.Reason = fmt.Sprintf("%s: %s", phrases[r.Kind], o.detail)
		case abstain:
			res.Abstained = true
			res.Reason = o.detail
		}
		results = append(results, res)
	}
	return results
}

type canonicalRule struct {
	ID       int64           `json:"id"`
	Kind     string          `json:"kind"`
	Severity string          `json:"severity"`
	Params   json.RawMessage `json:"params"`
}

func fingerprint(defs []models.RuleDefinition) (string, error) {
	canon := make([]canonicalRule, 0, len(defs))
	for _, d := range defs {
		params, err := canonicalJSON(d.Params)
		if err != nil {
			return "", fmt.Errorf("rule %d: %w", d.ID, err)
		}
		canon = append(canon, canonicalRule{
			ID:       d.ID,
			Kind:     strings.ToUpper(strings.TrimSpace(d.Kind)),
			Severity: strings.ToUpper(strings.TrimSpace(d.Severity)),
			Params:   params,
		})
	}
	b, err := json.Marshal(canon)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "rs-" + hex.EncodeToString(sum[:])[:12], nil
}

// canonicalJSON re-encodes params so key order and whitespace do not change
// the ruleset version.
func canonicalJSON(raw string) (json.RawMessage, error) {
	if strings.TrimSpace(raw) == "" {
		return json.RawMessage("{}"), nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
