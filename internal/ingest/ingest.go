// Package ingest reads trade files exported by upstream booking systems.
package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/Aidin1998/tradesentry/internal/models"
)

// Decode reads a JSON array of trades. Processing-state fields in the input
// are ignored; every trade enters the store as NEW.
func Decode(r io.Reader) ([]*models.Trade, error) {
	var trades []*models.Trade
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&trades); err != nil {
		return nil, fmt.Errorf("decode trades: %w", err)
	}
	for i, t := range trades {
		if t == nil {
			return nil, fmt.Errorf("trade %d is null", i)
		}
		t.ID = 0
		if t.Notional.IsZero() {
			t.Notional = t.Quantity.Mul(t.Price)
		}
	}
	return trades, nil
}

// DecodeFile reads a JSON trade file from disk.
func DecodeFile(path string) ([]*models.Trade, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}
