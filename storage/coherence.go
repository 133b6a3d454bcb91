package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aethelgard/aethelgard/types"
)

// LogCoherenceEvent records a detected divergence between stored state and
// broker reality. These are append-only; the operator reviews them through
// the API.
func (s *Store) LogCoherenceEvent(ev *types.CoherenceEvent) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = nowUTC()
	}
	if err := s.db.Create(ev).Error; err != nil {
		return fmt.Errorf("log coherence event: %w", err)
	}
	return nil
}

// GetRecentCoherenceEvents returns divergences logged within the window,
// newest first.
func (s *Store) GetRecentCoherenceEvents(window time.Duration) []types.CoherenceEvent {
	var out []types.CoherenceEvent
	err := s.db.Where("timestamp >= ?", nowUTC().Add(-window)).
		Order("timestamp DESC").Find(&out).Error
	if err != nil {
		log.Error().Err(err).Msg("coherence events query failed")
		return nil
	}
	return out
}

// LogMarketState persists one classified (symbol, timeframe) snapshot.
func (s *Store) LogMarketState(ms *types.MarketState) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if ms.Timestamp.IsZero() {
		ms.Timestamp = nowUTC()
	}
	if err := s.db.Create(ms).Error; err != nil {
		return fmt.Errorf("log market state: %w", err)
	}
	return nil
}

// GetMarketStateHistory returns the last N snapshots for a pair, newest
// first, for hysteresis and regime trend queries.
func (s *Store) GetMarketStateHistory(symbol string, tf types.Timeframe, limit int) []types.MarketState {
	var out []types.MarketState
	q := s.db.Where("symbol = ? AND timeframe = ?", symbol, tf).
		Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("market state history failed")
		return nil
	}
	return out
}

// LatestMarketState returns the most recent snapshot for a pair; nil when
// the pair was never classified.
func (s *Store) LatestMarketState(symbol string, tf types.Timeframe) *types.MarketState {
	history := s.GetMarketStateHistory(symbol, tf, 1)
	if len(history) == 0 {
		return nil
	}
	return &history[0]
}

// SaveRejectionAudit persists a safety-governor veto record.
func (s *Store) SaveRejectionAudit(ra *types.RejectionAudit) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if ra.Timestamp.IsZero() {
		ra.Timestamp = nowUTC()
	}
	if err := s.db.Create(ra).Error; err != nil {
		return fmt.Errorf("save rejection audit %s: %w", ra.TraceID, err)
	}
	return nil
}

// GetRecentRejections returns veto records within the window, newest first.
func (s *Store) GetRecentRejections(window time.Duration) []types.RejectionAudit {
	var out []types.RejectionAudit
	err := s.db.Where("timestamp >= ?", nowUTC().Add(-window)).
		Order("timestamp DESC").Find(&out).Error
	if err != nil {
		log.Error().Err(err).Msg("rejection audit query failed")
		return nil
	}
	return out
}
