package anomaly

import (
	"math"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/tradesentry/internal/models"
)

func trade(qty, price int64) *models.Trade {
	return &models.Trade{
		Quantity: decimal.NewFromInt(qty),
		Price:    decimal.NewFromInt(price),
		Notional: decimal.NewFromInt(qty * price),
	}
}

func loadTestModel(t *testing.T) *Forest {
	t.Helper()
	f, err := Load("testdata/model.json")
	require.NoError(t, err)
	return f
}

func TestAveragePathLength(t *testing.T) {
	assert.Equal(t, 0.0, averagePathLength(1))
	assert.Equal(t, 1.0, averagePathLength(2))
	assert.InDelta(t, 1.2075, averagePathLength(3), 1e-3)
	assert.InDelta(t, 10.2448, averagePathLength(256), 1e-3)
}

func TestScoreSeparatesOutliers(t *testing.T) {
	f := loadTestModel(t)
	assert.Equal(t, "isoforest-test-1", f.Version())

	normal, err := f.Score(trade(100, 100))
	require.NoError(t, err)
	outlier, err := f.Score(trade(100, 50000))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, normal, -1.0)
	assert.LessOrEqual(t, normal, 0.0)
	assert.Less(t, outlier, normal, "lower raw score means more anomalous")

	assert.InDelta(t, 0.438, Normalize(normal), 0.01)
	assert.InDelta(t, 0.889, Normalize(outlier), 0.01)
}

func TestScoreIsDeterministic(t *testing.T) {
	f := loadTestModel(t)
	a, _ := f.Score(trade(42, 250))
	b, _ := f.Score(trade(42, 250))
	assert.Equal(t, a, b)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, 0.0, Normalize(0.3))
	assert.Equal(t, 1.0, Normalize(-1.7))
	assert.Equal(t, 0.5, Normalize(-0.5))
	assert.Equal(t, 0.0, Normalize(math.NaN()))
}

func TestParseRejectsBadArtifacts(t *testing.T) {
	cases := map[string]string{
		"missing version":  `{"algorithm":"isolation_forest","sample_size":8,"features":["price"],"trees":[{"nodes":[{"leaf":true,"size":8}]}]}`,
		"wrong algorithm":  `{"version":"v","algorithm":"lof","sample_size":8,"features":["price"],"trees":[{"nodes":[{"leaf":true,"size":8}]}]}`,
		"unknown feature":  `{"version":"v","algorithm":"isolation_forest","sample_size":8,"features":["volume"],"trees":[{"nodes":[{"leaf":true,"size":8}]}]}`,
		"no trees":         `{"version":"v","algorithm":"isolation_forest","sample_size":8,"features":["price"],"trees":[]}`,
		"cycle":            `{"version":"v","algorithm":"isolation_forest","sample_size":8,"features":["price"],"trees":[{"nodes":[{"feature":0,"threshold":1,"left":0,"right":1},{"leaf":true,"size":1}]}]}`,
		"feature range":    `{"version":"v","algorithm":"isolation_forest","sample_size":8,"features":["price"],"trees":[{"nodes":[{"feature":3,"threshold":1,"left":1,"right":2},{"leaf":true,"size":1},{"leaf":true,"size":7}]}]}`,
		"empty leaf":       `{"version":"v","algorithm":"isolation_forest","sample_size":8,"features":["price"],"trees":[{"nodes":[{"leaf":true,"size":0}]}]}`,
		"unknown property": `{"version":"v","algorithm":"isolation_forest","sample_size":8,"features":["price"],"trees":[{"nodes":[{"leaf":true,"size":8}]}],"extra":1}`,
		"not json":         `pickle`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("testdata/does-not-exist.json")
	assert.Error(t, err)
}

func TestFeatureVector(t *testing.T) {
	f, err := Parse(strings.NewReader(`{"version":"v","algorithm":"isolation_forest","sample_size":8,
		"features":["notional","fx_rate"],"trees":[{"nodes":[{"leaf":true,"size":8}]}]}`))
	require.NoError(t, err)

	tr := trade(10, 5)
	x, err := f.FeatureVector(tr)
	require.NoError(t, err)
	assert.Equal(t, []float64{50, 1}, x)

	tr.FXRate = decimal.NewNullDecimal(decimal.RequireFromString("1.25"))
	x, err = f.FeatureVector(tr)
	require.NoError(t, err)
	assert.Equal(t, []float64{50, 1.25}, x)

	_, err = f.ScoreVector([]float64{1})
	assert.Error(t, err)
}
