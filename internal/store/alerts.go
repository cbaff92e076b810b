package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Aidin1998/tradesentry/internal/models"
	"github.com/Aidin1998/tradesentry/pkg/errors"
)

// AlertFilter narrows ListAlerts. Zero values match everything.
type AlertFilter struct {
	Status   models.AlertStatus
	Severity models.AlertSeverity
	Limit    int
}

// RiskScoreForTrade returns the decision recorded for a trade.
func (s *Store) RiskScoreForTrade(ctx context.Context, tradeID int64) (*models.RiskScore, error) {
	var rs models.RiskScore
	if err := s.db.WithContext(ctx).Where("trade_id = ?", tradeID).First(&rs).Error; err != nil {
		return nil, translate(err)
	}
	return &rs, nil
}

// AlertForTrade returns the alert raised for a trade.
func (s *Store) AlertForTrade(ctx context.Context, tradeID int64) (*models.Alert, error) {
	var a models.Alert
	if err := s.db.WithContext(ctx).Where("trade_id = ?", tradeID).First(&a).Error; err != nil {
		return nil, translate(err)
	}
	return &a, nil
}

// ListAlerts returns alerts newest first.
func (s *Store) ListAlerts(ctx context.Context, f AlertFilter) ([]models.Alert, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Severity != "" {
		q = q.Where("severity = ?", f.Severity)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []models.Alert
	return out, translate(q.Find(&out).Error)
}

// UpdateAlertStatus applies an operator transition. The update is guarded on
// the status that was read so concurrent operators cannot skip a state.
func (s *Store) UpdateAlertStatus(ctx context.Context, id uuid.UUID, next models.AlertStatus, operator string) (*models.Alert, error) {
	var updated models.Alert
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Alert
		if err := tx.First(&current, "id = ?", id).Error; err != nil {
			return err
		}
		if !current.Status.CanTransition(next) {
			return errors.Conflict.Explain("alert %s cannot move from %s to %s", id, current.Status, next)
		}

		now := s.now()
		res := tx.Model(&models.Alert{}).
			Where("id = ? AND status = ?", id, current.Status).
			Updates(map[string]any{
				"status":            next,
				"status_changed_by": operator,
				"status_changed_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return errors.Conflict.Explain("alert %s was changed concurrently", id)
		}
		return tx.First(&updated, "id = ?", id).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &updated, nil
}
