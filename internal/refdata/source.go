package refdata

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// DBSource reads reference data from the reference tables
type DBSource struct {
	db *gorm.DB
}

// NewDBSource creates a source backed by db
func NewDBSource(db *gorm.DB) *DBSource {
	return &DBSource{db: db}
}

// Load reads every reference table in one read transaction so the snapshot
// is consistent.
func (s *DBSource) Load(ctx context.Context) (*Data, error) {
	data := &Data{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Order("id ASC").Find(&data.Counterparties).Error; err != nil {
			return fmt.Errorf("load counterparties: %w", err)
		}
		if err := tx.Order("id ASC").Find(&data.Sanctions).Error; err != nil {
			return fmt.Errorf("load sanctions: %w", err)
		}
		if err := tx.Order("id ASC").Find(&data.Rules).Error; err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		if err := tx.Order("symbol ASC").Find(&data.Instruments).Error; err != nil {
			return fmt.Errorf("load instruments: %w", err)
		}
		if err := tx.Order("currency ASC").Find(&data.FXRates).Error; err != nil {
			return fmt.Errorf("load fx rates: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
