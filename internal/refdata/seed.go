package refdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/Aidin1998/tradesentry/internal/models"
)

type seedRule struct {
	models.RuleDefinition `yaml:",inline"`
	Params                map[string]any `yaml:"params"`
}

type seedFile struct {
	Counterparties []models.Counterparty  `yaml:"counterparties"`
	Sanctions      []models.SanctionEntry `yaml:"sanctions"`
	Rules          []seedRule             `yaml:"rules"`
	Instruments    []models.Instrument    `yaml:"instruments"`
	FXRates        []models.FXRate        `yaml:"fx_rates"`
}

// ParseSeed decodes a YAML seed document.
func ParseSeed(r io.Reader) (*Data, error) {
	var f seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}

	data := &Data{
		Counterparties: f.Counterparties,
		Sanctions:      f.Sanctions,
		Instruments:    f.Instruments,
		FXRates:        f.FXRates,
		Rules:          make([]models.RuleDefinition, 0, len(f.Rules)),
	}
	for i := range data.Sanctions {
		data.Sanctions[i].ID = int64(i + 1)
	}
	for _, r := range f.Rules {
		def := r.RuleDefinition
		if len(r.Params) > 0 {
			b, err := json.Marshal(r.Params)
			if err != nil {
				return nil, fmt.Errorf("rule %d params: %w", def.ID, err)
			}
			def.Params = string(b)
		}
		data.Rules = append(data.Rules, def)
	}
	return data, nil
}

// LoadSeedFile reads a YAML seed document from disk.
func LoadSeedFile(path string) (*Data, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	return ParseSeed(f)
}

// FileSource serves reference data straight from a seed file
type FileSource struct {
	Path string
}

// Load implements Source
func (s FileSource) Load(context.Context) (*Data, error) {
	return LoadSeedFile(s.Path)
}

// Apply replaces the content of every reference table with data in a single
// transaction. Trades, scores and alerts are untouched.
func Apply(ctx context.Context, db *gorm.DB, data *Data) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wipe := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		for _, m := range []any{&models.Counterparty{}, &models.SanctionEntry{}, &models.RuleDefinition{}, &models.Instrument{}, &models.FXRate{}} {
			if err := wipe.Delete(m).Error; err != nil {
				return fmt.Errorf("clear %T: %w", m, err)
			}
		}

		if len(data.Counterparties) > 0 {
			if err := tx.CreateInBatches(data.Counterparties, 200).Error; err != nil {
				return fmt.Errorf("insert counterparties: %w", err)
			}
		}
		if len(data.Sanctions) > 0 {
			if err := tx.CreateInBatches(data.Sanctions, 200).Error; err != nil {
				return fmt.Errorf("insert sanctions: %w", err)
			}
		}
		if len(data.Rules) > 0 {
			if err := tx.CreateInBatches(data.Rules, 200).Error; err != nil {
				return fmt.Errorf("insert rules: %w", err)
			}
		}
		if len(data.Instruments) > 0 {
			if err := tx.CreateInBatches(data.Instruments, 200).Error; err != nil {
				return fmt.Errorf("insert instruments: %w", err)
			}
		}
		if len(data.FXRates) > 0 {
			if err := tx.CreateInBatches(data.FXRates, 200).Error; err != nil {
				return fmt.Errorf("insert fx rates: %w", err)
			}
		}
		return nil
	})
}
