package store

import (
	"context"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Aidin1998/tradesentry/internal/models"
	"github.com/Aidin1998/tradesentry/pkg/errors"
	"github.com/Aidin1998/tradesentry/pkg/metrics"
)

const maxFailureReason = 2000

// Claim moves up to limit NEW trades to CLAIMED for workerID, oldest first
// (created_at, then id). Each transition is a conditional UPDATE on
// status = NEW, so a trade is won by exactly one claimer even when several
// processors select the same candidates.
func (s *Store) Claim(ctx context.Context, workerID string, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.now()

	var claimed []models.Trade
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&models.Trade{}).
			Where("status = ?", models.TradeNew).
			Order("created_at ASC, id ASC").
			Limit(limit)
		if s.driver == DriverPostgres {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var ids []int64
		if err := q.Pluck("id", &ids).Error; err != nil {
			return err
		}

		won := make([]int64, 0, len(ids))
		for _, id := range ids {
			res := tx.Model(&models.Trade{}).
				Where("id = ? AND status = ?", id, models.TradeNew).
				Updates(map[string]any{
					"status":     models.TradeClaimed,
					"claimed_by": workerID,
					"claimed_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				won = append(won, id)
			}
		}
		if len(won) == 0 {
			return nil
		}
		return tx.Where("id IN ?", won).Order("created_at ASC, id ASC").Find(&claimed).Error
	})
	if err != nil {
		return nil, translate(err)
	}

	if len(claimed) > 0 {
		metrics.TradesClaimed.Add(float64(len(claimed)))
		s.logger.Debug("claimed trades", zap.String("worker", workerID), zap.Int("count", len(claimed)))
	}
	return claimed, nil
}

// ReclaimStale returns trades that have been CLAIMED for longer than window
// to NEW so another processor can pick them up.
func (s *Store) ReclaimStale(ctx context.Context, window time.Duration) (int64, error) {
	cutoff := s.now().Add(-window)
	res := s.db.WithContext(ctx).Model(&models.Trade{}).
		Where("status = ? AND claimed_at < ?", models.TradeClaimed, cutoff).
		Updates(map[string]any{
			"status":     models.TradeNew,
			"claimed_by": "",
			"claimed_at": nil,
		})
	if res.Error != nil {
		return 0, translate(res.Error)
	}
	if res.RowsAffected > 0 {
		metrics.TradesReclaimed.Add(float64(res.RowsAffected))
		s.logger.Warn("reclaimed stale claims", zap.Int64("count", res.RowsAffected), zap.Time("cutoff", cutoff))
	}
	return res.RowsAffected, nil
}

// Commit persists the decision for a claimed trade: the RiskScore, the Alert
// when the classification is not ALLOW, and the move to PROCESSED, all in one
// transaction. If the claim no longer belongs to workerID nothing is written
// and a ClaimLost error is returned.
func (s *Store) Commit(ctx context.Context, workerID string, score *models.RiskScore, alert *models.Alert) error {
	if score == nil {
		return errors.Invariant.Explain("commit without a risk score")
	}
	if (score.Classification != models.Allow) != (alert != nil) {
		return errors.Invariant.Explain("trade %d: alert presence does not match classification %s", score.TradeID, score.Classification)
	}
	if alert != nil && (alert.TradeID != score.TradeID || alert.RiskScoreID != score.ID) {
		return errors.Invariant.Explain("trade %d: alert does not reference its risk score", score.TradeID)
	}

	now := s.now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(score).Error; err != nil {
			return err
		}
		if alert != nil {
			if err := tx.Create(alert).Error; err != nil {
				return err
			}
		}

		res := tx.Model(&models.Trade{}).
			Where("id = ? AND status = ? AND claimed_by = ?", score.TradeID, models.TradeClaimed, workerID).
			Updates(map[string]any{
				"status":       models.TradeProcessed,
				"processed_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return errors.ClaimLost.Explain("trade %d is no longer claimed by %s", score.TradeID, workerID)
		}
		return nil
	})
	return translate(err)
}

// MarkFailed moves a claimed trade to FAILED with reason. No RiskScore is
// written for failed trades.
func (s *Store) MarkFailed(ctx context.Context, workerID string, tradeID int64, reason string) error {
	res := s.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ? AND status = ? AND claimed_by = ?", tradeID, models.TradeClaimed, workerID).
		Updates(map[string]any{
			"status":         models.TradeFailed,
			"failure_reason": truncate(reason, maxFailureReason),
			"processed_at":   s.now(),
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected != 1 {
		return errors.ClaimLost.Explain("trade %d is no longer claimed by %s", tradeID, workerID)
	}
	return nil
}

// InsertTrades appends trades in state NEW. It is the ingress path used by the
// admin CLI and tests; business fields are never updated afterwards.
func (s *Store) InsertTrades(ctx context.Context, trades []*models.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	for _, t := range trades {
		t.Status = models.TradeNew
		t.ClaimedBy = ""
		t.ClaimedAt = nil
		t.ProcessedAt = nil
		t.FailureReason = ""
	}
	return translate(s.db.WithContext(ctx).CreateInBatches(trades, 100).Error)
}

// GetTrade loads one trade by id.
func (s *Store) GetTrade(ctx context.Context, id int64) (*models.Trade, error) {
	var t models.Trade
	if err := s.db.WithContext(ctx).First(&t, id).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

// ListFailed returns FAILED trades, most recent first.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]models.Trade, error) {
	var out []models.Trade
	err := s.db.WithContext(ctx).
		Where("status = ?", models.TradeFailed).
		Order("processed_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	return out, translate(err)
}

// RecentTrades returns the most recently created trades, newest first.
func (s *Store) RecentTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	var out []models.Trade
	err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit).Find(&out).Error
	return out, translate(err)
}

// CountByStatus returns the number of trades in each processing state.
func (s *Store) CountByStatus(ctx context.Context) (map[models.TradeStatus]int64, error) {
	var rows []struct {
		Status models.TradeStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).Model(&models.Trade{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	out := make(map[models.TradeStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

