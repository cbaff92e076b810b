// Package screening matches counterparty names against sanctions lists.
package screening

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/Aidin1998/tradesentry/internal/models"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9\s]`)

// Applied in order before punctuation is stripped.
var substitutions = []struct{ from, to string }{
	{"ä", "ae"}, {"æ", "ae"},
	{"ö", "oe"}, {"œ", "oe"},
	{"ü", "ue"},
	{"ß", "ss"},
	{"é", "e"}, {"è", "e"}, {"á", "a"}, {"à", "a"}, {"ñ", "n"}, {"ç", "c"},
}

var affixes = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "sir": {},
	"jr": {}, "sr": {}, "ii": {}, "iii": {},
	"ltd": {}, "llc": {}, "inc": {}, "plc": {}, "corp": {}, "co": {},
	"gmbh": {}, "ag": {}, "sa": {}, "the": {},
}

// MatchType tells how a name was matched
type MatchType string

const (
	MatchExact MatchType = "exact"
	MatchFuzzy MatchType = "fuzzy"
)

// Match describes the best sanctions hit for a queried name
type Match struct {
	EntryID    int64     `json:"entry_id"`
	ListedName string    `json:"listed_name"`
	Country    string    `json:"country,omitempty"`
	Score      float64   `json:"score"`
	Type       MatchType `json:"type"`
}

type candidate struct {
	normalized string
	entry      *models.SanctionEntry
}

// Screener is an immutable index over a sanctions list. It is safe for
// concurrent use.
type Screener struct {
	exact      map[string][]*models.SanctionEntry
	candidates []candidate
}

// NewScreener indexes every name and alias of the given entries.
func NewScreener(entries []models.SanctionEntry) *Screener {
	s := &Screener{exact: make(map[string][]*models.SanctionEntry, len(entries))}
	for i := range entries {
		e := &entries[i]
		names := append([]string{e.Name}, e.Aliases...)
		for _, n := range names {
			norm := Normalize(n)
			if norm == "" {
				continue
			}
			if !containsEntry(s.exact[norm], e) {
				s.exact[norm] = append(s.exact[norm], e)
			}
			s.candidates = append(s.candidates, candidate{normalized: norm, entry: e})
		}
	}
	sort.SliceStable(s.candidates, func(i, j int) bool {
		return s.candidates[i].entry.ID < s.candidates[j].entry.ID
	})
	// Several listings may share a name; the country filter picks among them.
	for _, list := range s.exact {
		sort.SliceStable(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	return s
}

func containsEntry(list []*models.SanctionEntry, e *models.SanctionEntry) bool {
	for _, x := range list {
		if x == e {
			return true
		}
	}
	return false
}

// Len returns the number of indexed names including aliases.
func (s *Screener) Len() int {
	return len(s.candidates)
}

// Options tunes a single screening call
type Options struct {
	// FuzzyThreshold enables fuzzy matching when in (0,1). Zero or one means
	// exact matching only.
	FuzzyThreshold float64
	// Country, when set, restricts hits to entries listed for that country
	// or entries without a country.
	Country string
}

// Screen returns the best match for name, if any.
func (s *Screener) Screen(name string, opts Options) (Match, bool) {
	norm := Normalize(name)
	if norm == "" {
		return Match{}, false
	}

	for _, e := range s.exact[norm] {
		if countryMatches(e, opts.Country) {
			return Match{EntryID: e.ID, ListedName: e.Name, Country: e.Country, Score: 1, Type: MatchExact}, true
		}
	}
	if opts.FuzzyThreshold <= 0 || opts.FuzzyThreshold >= 1 {
		return Match{}, false
	}

	var best Match
	found := false
	for _, c := range s.candidates {
		if !countryMatches(c.entry, opts.Country) {
			continue
		}
		score := Similarity(norm, c.normalized)
		if score >= opts.FuzzyThreshold && score > best.Score {
			best = Match{EntryID: c.entry.ID, ListedName: c.entry.Name, Country: c.entry.Country, Score: score, Type: MatchFuzzy}
			found = true
		}
	}
	return best, found
}

func countryMatches(e *models.SanctionEntry, country string) bool {
	if country == "" || e.Country == "" {
		return true
	}
	return strings.EqualFold(e.Country, country)
}

// Normalize lowercases, folds common diacritics, strips punctuation and drops
// honorifics and legal-form tokens.
func Normalize(name string) string {
	name = strings.ToLower(name)
	for _, sub := range substitutions {
		name = strings.ReplaceAll(name, sub.from, sub.to)
	}
	name = strings.ReplaceAll(name, "_", " ")
	name = strings.ReplaceAll(name, "-", " ")
	name = nonAlnum.ReplaceAllString(name, "")

	tokens := strings.Fields(name)
	kept := tokens[:0]
	for _, t := range tokens {
		if _, skip := affixes[t]; !skip {
			kept = append(kept, t)
		}
	}
	return strings.Join(kept, " ")
}

// Similarity is the larger of the levenshtein and jaro-winkler similarity of
// two normalized names.
func Similarity(a, b string) float64 {
	return math.Max(levenshteinSimilarity(a, b), jaroWinklerSimilarity(a, b))
}

func levenshteinSimilarity(s1, s2 string) float64 {
	distance := levenshtein.ComputeDistance(s1, s2)
	maxLen := math.Max(float64(len([]rune(s1))), float64(len([]rune(s2))))
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - (float64(distance) / maxLen)
}

func jaroWinklerSimilarity(s1, s2 string) float64 {
	if s1 == s2 {
		return 1.0
	}

	len1, len2 := len(s1), len(s2)
	if len1 == 0 || len2 == 0 {
		return 0.0
	}

	matchWindow := max(len1, len2)/2 - 1
	if matchWindow < 0 {
		matchWindow = 0
	}

	s1Matches := make([]bool, len1)
	s2Matches := make([]bool, len2)

	matches := 0
	for i := 0; i < len1; i++ {
		start := max(0, i-matchWindow)
		end := min(len2, i+matchWindow+1)
		for j := start; j < end; j++ {
			if s2Matches[j] || s1[i] != s2[j] {
				continue
			}
			s1Matches[i] = true
			s2Matches[j] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0.0
	}

	transpositions := 0
	k := 0
	for i := 0; i < len1; i++ {
		if !s1Matches[i] {
			continue
		}
		for !s2Matches[k] {
			k++
		}
		if s1[i] != s2[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	jaro := (m/float64(len1) + m/float64(len2) + (m-float64(transpositions)/2)/m) / 3.0

	prefix := 0
	for i := 0; i < min(len1, len2) && i < 4; i++ {
		if s1[i] != s2[i] {
			break
		}
		prefix++
	}

	return jaro + (0.1 * float64(prefix) * (1.0 - jaro))
}
