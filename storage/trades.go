package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/aethelgard/aethelgard/types"
)

// SaveTradeResult records the outcome of a closed trade. One result per
// signal: a second call for the same signal id is a no-op.
func (s *Store) SaveTradeResult(tr *types.TradeResult) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.ClosedAt.IsZero() {
		tr.ClosedAt = nowUTC()
	} else {
		tr.ClosedAt = tr.ClosedAt.UTC().Truncate(time.Millisecond)
	}
	tr.IsWin = tr.ProfitLoss.IsPositive()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&types.TradeResult{}).Where("signal_id = ?", tr.SignalID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			log.Debug().Str("signal_id", tr.SignalID).Msg("trade result already recorded")
			return nil
		}
		return tx.Create(tr).Error
	})
	if err != nil {
		return fmt.Errorf("save trade result %s: %w", tr.SignalID, err)
	}
	return nil
}

// GetTradeResult fetches the result for one signal; nil when the trade has
// not closed yet.
func (s *Store) GetTradeResult(signalID string) *types.TradeResult {
	var tr types.TradeResult
	if err := s.db.First(&tr, "signal_id = ?", signalID).Error; err != nil {
		return nil
	}
	return &tr
}

// GetRecentTrades returns the last N closed trades, newest first.
func (s *Store) GetRecentTrades(limit int) []types.TradeResult {
	var out []types.TradeResult
	q := s.db.Order("closed_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		log.Error().Err(err).Msg("recent trades query failed")
		return nil
	}
	return out
}

// GetTradesSince returns trades closed at or after the cutoff, oldest first.
func (s *Store) GetTradesSince(cutoff time.Time) []types.TradeResult {
	var out []types.TradeResult
	err := s.db.Where("closed_at >= ?", cutoff.UTC()).
		Order("closed_at ASC").Find(&out).Error
	if err != nil {
		log.Error().Err(err).Msg("trades since query failed")
		return nil
	}
	return out
}

// GetWinRate computes the fraction of winning trades over the trailing
// window. Returns the rate and the sample size.
func (s *Store) GetWinRate(days int) (float64, int) {
	trades := s.GetTradesSince(nowUTC().AddDate(0, 0, -days))
	if len(trades) == 0 {
		return 0, 0
	}
	wins := 0
	for _, t := range trades {
		if t.IsWin {
			wins++
		}
	}
	return float64(wins) / float64(len(trades)), len(trades)
}

// GetProfitBySymbol aggregates realized PnL per symbol over the trailing
// window.
func (s *Store) GetProfitBySymbol(days int) map[string]decimal.Decimal {
	trades := s.GetTradesSince(nowUTC().AddDate(0, 0, -days))
	out := make(map[string]decimal.Decimal, 8)
	for _, t := range trades {
		out[t.Symbol] = out[t.Symbol].Add(t.ProfitLoss)
	}
	return out
}

// CountConsecutiveLosses walks closed trades backwards from the most recent
// and counts losses until the first win or break-even.
func (s *Store) CountConsecutiveLosses() int {
	trades := s.GetRecentTrades(50)
	losses := 0
	for _, t := range trades {
		if t.ProfitLoss.IsNegative() {
			losses++
			continue
		}
		break
	}
	return losses
}
