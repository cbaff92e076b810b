package screening

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/tradesentry/internal/models"
)

func sampleList() []models.SanctionEntry {
	return []models.SanctionEntry{
		{ID: 1, Name: "Ivan Petrov", Country: "RU"},
		{ID: 2, Name: "Blue Dragon Trading LLC", Aliases: []string{"Blue Dragon Co"}, Country: "KP"},
		{ID: 3, Name: "Müller Holdings", Country: ""},
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "ivan petrov", Normalize("Dr. Ivan  Petrov Jr."))
	assert.Equal(t, "blue dragon trading", Normalize("Blue Dragon Trading, LLC"))
	assert.Equal(t, "mueller holdings", Normalize("MÜLLER Holdings"))
	assert.Equal(t, "cpty a", Normalize("CPTY_A"))
	assert.Equal(t, "", Normalize("  ...  "))
}

func TestScreenExactAndAlias(t *testing.T) {
	s := NewScreener(sampleList())

	m, ok := s.Screen("IVAN PETROV", Options{})
	require.True(t, ok)
	assert.Equal(t, int64(1), m.EntryID)
	assert.Equal(t, MatchExact, m.Type)
	assert.Equal(t, 1.0, m.Score)

	m, ok = s.Screen("blue dragon co.", Options{})
	require.True(t, ok)
	assert.Equal(t, int64(2), m.EntryID)

	m, ok = s.Screen("Mueller Holdings", Options{})
	require.True(t, ok)
	assert.Equal(t, int64(3), m.EntryID)
}

func TestScreenFuzzy(t *testing.T) {
	s := NewScreener(sampleList())

	_, ok := s.Screen("Ivan Petrof", Options{})
	assert.False(t, ok, "fuzzy matching is off by default")

	m, ok := s.Screen("Ivan Petrof", Options{FuzzyThreshold: 0.85})
	require.True(t, ok)
	assert.Equal(t, MatchFuzzy, m.Type)
	assert.Equal(t, int64(1), m.EntryID)
	assert.GreaterOrEqual(t, m.Score, 0.85)
	assert.Less(t, m.Score, 1.0)

	_, ok = s.Screen("Goldman Partners", Options{FuzzyThreshold: 0.85})
	assert.False(t, ok)
}

func TestScreenCountryRestriction(t *testing.T) {
	s := NewScreener(sampleList())

	_, ok := s.Screen("Ivan Petrov", Options{Country: "US"})
	assert.False(t, ok)

	_, ok = s.Screen("Ivan Petrov", Options{Country: "ru"})
	assert.True(t, ok)

	// Entries without a country match any country.
	_, ok = s.Screen("Muller Holdings", Options{Country: "DE", FuzzyThreshold: 0.8})
	assert.True(t, ok)
}

func TestScreenSharedNameAcrossCountries(t *testing.T) {
	s := NewScreener([]models.SanctionEntry{
		{ID: 10, Name: "Acme Trading", Country: "RU"},
		{ID: 11, Name: "Acme Trading", Country: "IR"},
		{ID: 12, Name: "Northwind", Country: "KP", Aliases: []string{"Acme Trading"}},
	})

	m, ok := s.Screen("Acme Trading", Options{Country: "IR"})
	require.True(t, ok)
	assert.Equal(t, int64(11), m.EntryID)
	assert.Equal(t, MatchExact, m.Type)

	m, ok = s.Screen("Acme Trading", Options{Country: "KP"})
	require.True(t, ok)
	assert.Equal(t, int64(12), m.EntryID)

	m, ok = s.Screen("Acme Trading", Options{})
	require.True(t, ok)
	assert.Equal(t, int64(10), m.EntryID, "lowest id wins without a country")

	_, ok = s.Screen("Acme Trading", Options{Country: "US"})
	assert.False(t, ok)
}

func TestSimilarityBounds(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("abc", "abc"))
	assert.InDelta(t, 0.0, jaroWinklerSimilarity("abc", ""), 1e-9)
	sim := Similarity("martha", "marhta")
	assert.Greater(t, sim, 0.9)
	assert.LessOrEqual(t, sim, 1.0)
}
