package anomaly

import (
	"fmt"
	"math"

	"github.com/Aidin1998/tradesentry/internal/models"
)

type extractor func(t *models.Trade) float64

// A trade without an FX rate is treated as settling in the book currency.
var extractors = map[string]extractor{
	"quantity": func(t *models.Trade) float64 { return t.Quantity.InexactFloat64() },
	"price":    func(t *models.Trade) float64 { return t.Price.InexactFloat64() },
	"notional": func(t *models.Trade) float64 { return t.Notional.InexactFloat64() },
	"fx_rate": func(t *models.Trade) float64 {
		if !t.FXRate.Valid {
			return 1
		}
		return t.FXRate.Decimal.InexactFloat64()
	},
}

// FeatureVector extracts the model's features from a trade in artifact order.
func (f *Forest) FeatureVector(t *models.Trade) ([]float64, error) {
	x := make([]float64, len(f.extractors))
	for i, ex := range f.extractors {
		v := ex(t)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("feature %s is not finite", f.Features[i])
		}
		x[i] = v
	}
	return x, nil
}
