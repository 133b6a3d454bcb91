package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/aethelgard/aethelgard/types"
)

// SavePositionMetadata upserts the management record for a live position,
// keyed by broker ticket.
func (s *Store) SavePositionMetadata(pm *types.PositionMetadata) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if pm.EntryTime.IsZero() {
		pm.EntryTime = nowUTC()
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing types.PositionMetadata
		err := tx.First(&existing, "ticket = ?", pm.Ticket).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(pm).Error
		}
		if err != nil {
			return err
		}
		// Select("*") so zero fields (counters reset to 0) persist too.
		return tx.Model(&existing).Select("*").Updates(pm).Error
	})
	if err != nil {
		return fmt.Errorf("save position metadata %s: %w", pm.Ticket, err)
	}
	return nil
}

// GetPositionMetadata fetches one position record; nil when absent.
func (s *Store) GetPositionMetadata(ticket string) *types.PositionMetadata {
	var pm types.PositionMetadata
	if err := s.db.First(&pm, "ticket = ?", ticket).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Error().Err(err).Str("ticket", ticket).Msg("position metadata read failed")
		}
		return nil
	}
	return &pm
}

// GetAllPositionMetadata returns every tracked position.
func (s *Store) GetAllPositionMetadata() []types.PositionMetadata {
	var out []types.PositionMetadata
	if err := s.db.Find(&out).Error; err != nil {
		log.Error().Err(err).Msg("position metadata scan failed")
		return nil
	}
	return out
}

// RecordPositionModification bumps the per-day modification counter and
// stashes the previous SL/TP so a rejected broker call can roll back. The
// daily counter resets when the UTC day changes.
func (s *Store) RecordPositionModification(ticket string, newSL, newTP decimal.Decimal) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		var pm types.PositionMetadata
		if err := tx.First(&pm, "ticket = ?", ticket).Error; err != nil {
			return fmt.Errorf("position %s: %w", ticket, err)
		}
		day := today()
		if pm.ModificationDay != day {
			pm.ModificationDay = day
			pm.ModificationCount = 0
		}
		pm.PrevStopLoss = pm.StopLoss
		pm.PrevTakeProfit = pm.TakeProfit
		pm.StopLoss = newSL
		pm.TakeProfit = newTP
		pm.ModificationCount++
		pm.LastModification = nowUTC()
		return tx.Save(&pm).Error
	})
}

// RollbackPositionModification restores the previous SL/TP after a broker
// rejection and returns the modification back to the daily budget.
func (s *Store) RollbackPositionModification(ticket string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		var pm types.PositionMetadata
		if err := tx.First(&pm, "ticket = ?", ticket).Error; err != nil {
			return fmt.Errorf("position %s: %w", ticket, err)
		}
		pm.StopLoss = pm.PrevStopLoss
		pm.TakeProfit = pm.PrevTakeProfit
		if pm.ModificationCount > 0 {
			pm.ModificationCount--
		}
		return tx.Save(&pm).Error
	})
}

// DeletePositionMetadata drops the record once the position is closed.
func (s *Store) DeletePositionMetadata(ticket string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.Delete(&types.PositionMetadata{}, "ticket = ?", ticket).Error
	if err != nil {
		return fmt.Errorf("delete position metadata %s: %w", ticket, err)
	}
	return nil
}

// ModificationsToday returns how many SL/TP changes the position consumed on
// the current UTC day.
func (s *Store) ModificationsToday(ticket string) int {
	pm := s.GetPositionMetadata(ticket)
	if pm == nil || pm.ModificationDay != today() {
		return 0
	}
	return pm.ModificationCount
}

// LastModificationAt returns the time of the most recent SL/TP change, zero
// when the position was never modified.
func (s *Store) LastModificationAt(ticket string) time.Time {
	pm := s.GetPositionMetadata(ticket)
	if pm == nil {
		return time.Time{}
	}
	return pm.LastModification
}
