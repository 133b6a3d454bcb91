package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/aethelgard/aethelgard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STORAGE - Single Source of Truth
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every durable entity lives here: signals, trade results, position metadata,
// asset profiles, system state, dynamic parameters, coherence events, market
// state history. Any subsystem must be reconstructible from this layer after
// a restart.
//
// One logical writer per process (writeMu); readers run concurrently.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrIllegalTransition is returned when a signal status update violates the
// lifecycle: PENDING → {EXECUTED, REJECTED, EXPIRED}; EXECUTED → CLOSED.
var ErrIllegalTransition = errors.New("illegal signal status transition")

const (
	cacheKeyParams        = "dynamic_params"
	cacheKeyProfilePrefix = "asset_profile:"
)

// stateRow is one key of the system_state key-value table. Values are JSON.
type stateRow struct {
	Key       string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (stateRow) TableName() string { return "system_state" }

// paramsRow holds the single versioned dynamic-parameters document.
type paramsRow struct {
	ID        uint   `gorm:"primaryKey"`
	Document  string `gorm:"type:text"`
	Version   int
	UpdatedAt time.Time
}

func (paramsRow) TableName() string { return "dynamic_params" }

// checkpointRow tracks per-consumer ingestion checkpoints (closure listener).
type checkpointRow struct {
	Name      string `gorm:"primaryKey;size:64"`
	Position  string `gorm:"size:128"`
	UpdatedAt time.Time
}

func (checkpointRow) TableName() string { return "checkpoints" }

// Store is the SSOT handle shared by every component.
type Store struct {
	db      *gorm.DB
	writeMu sync.Mutex
	cache   *gocache.Cache
}

// New opens the database, migrates the schema and seeds defaults. A
// postgres:// URL selects PostgreSQL; anything else is a SQLite file path.
func New(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info().Str("path", dsn).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(
		&types.Signal{},
		&types.TradeResult{},
		&types.PositionMetadata{},
		&types.AssetProfile{},
		&types.CoherenceEvent{},
		&types.RejectionAudit{},
		&types.MarketState{},
		&stateRow{},
		&paramsRow{},
		&checkpointRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{
		db:    db,
		cache: gocache.New(5*time.Minute, 10*time.Minute),
	}

	if err := s.seedDefaults(); err != nil {
		return nil, fmt.Errorf("seed defaults: %w", err)
	}

	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping probes the underlying connection for the health surface.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// nowUTC returns the current instant in UTC at millisecond precision, the
// resolution every persisted timestamp uses.
func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// today returns the current UTC date key.
func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

// GetCheckpoint returns the persisted position for a named consumer, or ""
// when none was saved yet.
func (s *Store) GetCheckpoint(name string) string {
	var row checkpointRow
	if err := s.db.First(&row, "name = ?", name).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Error().Err(err).Str("checkpoint", name).Msg("checkpoint read failed")
		}
		return ""
	}
	return row.Position
}

// SaveCheckpoint persists a consumer position.
func (s *Store) SaveCheckpoint(name, position string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	row := checkpointRow{Name: name, Position: position, UpdatedAt: nowUTC()}
	return s.db.Save(&row).Error
}

// GetStats returns row counts for the operator surfaces.
func (s *Store) GetStats() map[string]interface{} {
	var signals, trades, positions, events int64
	s.db.Model(&types.Signal{}).Count(&signals)
	s.db.Model(&types.TradeResult{}).Count(&trades)
	s.db.Model(&types.PositionMetadata{}).Count(&positions)
	s.db.Model(&types.CoherenceEvent{}).Count(&events)
	return map[string]interface{}{
		"signals":          signals,
		"trade_results":    trades,
		"open_positions":   positions,
		"coherence_events": events,
	}
}
