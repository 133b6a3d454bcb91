package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/aethelgard/aethelgard/types"
)

// SignalFilter narrows GetSignals queries. Zero values are ignored.
type SignalFilter struct {
	Status    types.SignalStatus
	Symbol    string
	Timeframe types.Timeframe
	Type      types.SignalType
	Since     time.Time
	Limit     int
}

// SaveSignal persists a signal, allocating id/trace_id when absent and
// defaulting the status to PENDING. Calling it again with the same id is a
// no-op that returns the existing id.
func (s *Store) SaveSignal(sig *types.Signal) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.TraceID == "" {
		sig.TraceID = uuid.NewString()[:8]
	}
	if sig.Status == "" {
		sig.Status = types.StatusPending
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = nowUTC()
	} else {
		sig.Timestamp = sig.Timestamp.UTC().Truncate(time.Millisecond)
	}
	if sig.Metadata == nil {
		sig.Metadata = types.Metadata{}
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&types.Signal{}).Where("id = ?", sig.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		return tx.Create(sig).Error
	})
	if err != nil {
		return "", fmt.Errorf("save signal %s: %w", sig.ID, err)
	}
	return sig.ID, nil
}

// UpdateSignalStatus moves a signal through its lifecycle, merging extra
// metadata in the same transaction. Illegal transitions return
// ErrIllegalTransition and change nothing.
func (s *Store) UpdateSignalStatus(id string, next types.SignalStatus, extra types.Metadata) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		var sig types.Signal
		if err := tx.First(&sig, "id = ?", id).Error; err != nil {
			return fmt.Errorf("signal %s: %w", id, err)
		}
		if !sig.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s: %s → %s", ErrIllegalTransition, id, sig.Status, next)
		}

		sig.Status = next
		if sig.Metadata == nil {
			sig.Metadata = types.Metadata{}
		}
		for k, v := range extra {
			sig.Metadata[k] = v
		}
		if ticket, ok := extra["ticket"].(string); ok && ticket != "" {
			sig.OrderID = ticket
		}
		sig.Metadata["status_"+string(next)+"_at"] = nowUTC().Format(time.RFC3339Nano)

		return tx.Save(&sig).Error
	})
}

// GetSignalByID fetches one signal; nil when absent.
func (s *Store) GetSignalByID(id string) *types.Signal {
	var sig types.Signal
	if err := s.db.First(&sig, "id = ?", id).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Error().Err(err).Str("signal_id", id).Msg("signal read failed")
		}
		return nil
	}
	return &sig
}

// GetSignals returns signals matching the filter, newest first.
func (s *Store) GetSignals(f SignalFilter) []types.Signal {
	q := s.db.Model(&types.Signal{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if f.Timeframe != "" {
		q = q.Where("timeframe = ?", f.Timeframe)
	}
	if f.Type != "" {
		q = q.Where("signal_type = ?", f.Type)
	}
	if !f.Since.IsZero() {
		q = q.Where("timestamp >= ?", f.Since.UTC())
	}
	q = q.Order("timestamp DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var out []types.Signal
	if err := q.Find(&out).Error; err != nil {
		log.Error().Err(err).Msg("signal query failed")
		return nil
	}
	return out
}

// GetSignalsToday returns every signal created since UTC midnight.
func (s *Store) GetSignalsToday() []types.Signal {
	midnight, _ := time.Parse("2006-01-02", today())
	return s.GetSignals(SignalFilter{Since: midnight})
}

// GetRecentSignals returns signals created within the last N minutes.
func (s *Store) GetRecentSignals(minutes int) []types.Signal {
	return s.GetSignals(SignalFilter{Since: nowUTC().Add(-time.Duration(minutes) * time.Minute)})
}

// GetPendingSignals returns every PENDING signal, oldest first, for the
// expiration sweep.
func (s *Store) GetPendingSignals() []types.Signal {
	var out []types.Signal
	err := s.db.Where("status = ?", types.StatusPending).
		Order("timestamp ASC").Find(&out).Error
	if err != nil {
		log.Error().Err(err).Msg("pending signal query failed")
		return nil
	}
	return out
}

// CountExecutedSignals counts signals that reached EXECUTED (or closed after
// executing) on the given UTC date, used to rebuild session stats.
func (s *Store) CountExecutedSignals(date string) int {
	midnight, err := time.Parse("2006-01-02", date)
	if err != nil {
		return 0
	}
	var count int64
	err = s.db.Model(&types.Signal{}).
		Where("status IN ?", []types.SignalStatus{types.StatusExecuted, types.StatusClosed}).
		Where("timestamp >= ? AND timestamp < ?", midnight, midnight.Add(24*time.Hour)).
		Count(&count).Error
	if err != nil {
		log.Error().Err(err).Msg("executed count failed")
		return 0
	}
	return int(count)
}

// HasOpenPosition reports whether an EXECUTED signal for the symbol has not
// yet closed.
func (s *Store) HasOpenPosition(symbol string) bool {
	var count int64
	err := s.db.Model(&types.Signal{}).
		Where("symbol = ? AND status = ?", symbol, types.StatusExecuted).
		Count(&count).Error
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("open position check failed")
		return false
	}
	return count > 0
}

// HasRecentSignal reports whether a PENDING or EXECUTED signal with the same
// (symbol, type, timeframe) exists inside the timeframe's dedup window.
func (s *Store) HasRecentSignal(symbol string, sigType types.SignalType, tf types.Timeframe) bool {
	cutoff := nowUTC().Add(-tf.DedupWindow())
	var count int64
	err := s.db.Model(&types.Signal{}).
		Where("symbol = ? AND signal_type = ? AND timeframe = ?", symbol, sigType, tf).
		Where("status IN ?", []types.SignalStatus{types.StatusPending, types.StatusExecuted}).
		Where("timestamp >= ?", cutoff).
		Count(&count).Error
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("dedup check failed")
		return false
	}
	return count > 0
}

// RepairConnectionRejection upgrades a connection-rejected signal to EXECUTED
// after the reconciler finds the broker filled it anyway. Only rows whose
// rejection reason was REJECTED_CONNECTION qualify; every other terminal
// status stays terminal.
func (s *Store) RepairConnectionRejection(id string, extra types.Metadata) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		var sig types.Signal
		if err := tx.First(&sig, "id = ?", id).Error; err != nil {
			return fmt.Errorf("signal %s: %w", id, err)
		}
		if sig.Status != types.StatusRejected || sig.Metadata.GetString("reason") != types.ReasonConnection {
			return fmt.Errorf("%w: %s: %s is not a connection rejection", ErrIllegalTransition, id, sig.Status)
		}

		sig.Status = types.StatusExecuted
		for k, v := range extra {
			sig.Metadata[k] = v
		}
		if ticket, ok := extra["ticket"].(string); ok && ticket != "" {
			sig.OrderID = ticket
		}
		sig.Metadata["repaired_at"] = nowUTC().Format(time.RFC3339Nano)
		sig.Metadata["status_"+string(types.StatusExecuted)+"_at"] = nowUTC().Format(time.RFC3339Nano)

		return tx.Save(&sig).Error
	})
}

// GetSignalByTicket finds the EXECUTED signal carrying a broker ticket.
func (s *Store) GetSignalByTicket(ticket string) *types.Signal {
	var sig types.Signal
	err := s.db.Where("order_id = ?", ticket).First(&sig).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Error().Err(err).Str("ticket", ticket).Msg("ticket lookup failed")
		}
		return nil
	}
	return &sig
}
