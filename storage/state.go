package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/aethelgard/aethelgard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SYSTEM STATE - lockdown flags, session counters, module switches
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Store) stateGet(key string, dst interface{}) error {
	var row stateRow
	if err := s.db.First(&row, "key = ?", key).Error; err != nil {
		return err
	}
	return json.Unmarshal([]byte(row.Value), dst)
}

func stateSet(tx *gorm.DB, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	var row stateRow
	err = tx.First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(&stateRow{Key: key, Value: string(raw), UpdatedAt: nowUTC()}).Error
	}
	if err != nil {
		return err
	}
	row.Value = string(raw)
	row.UpdatedAt = nowUTC()
	return tx.Save(&row).Error
}

// GetSystemState assembles the typed view over the system_state rows.
// Missing keys fall back to zero values so a partially seeded database
// still yields a usable state.
func (s *Store) GetSystemState() (*types.SystemState, error) {
	st := &types.SystemState{
		LockdownBalance: decimal.Zero,
		ModulesEnabled:  map[string]bool{},
		GlobalConfig:    types.Metadata{},
	}

	read := func(key string, dst interface{}) error {
		err := s.stateGet(key, dst)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	var balanceStr string
	for key, dst := range map[string]interface{}{
		"lockdown_mode":      &st.LockdownMode,
		"lockdown_date":      &st.LockdownDate,
		"lockdown_balance":   &balanceStr,
		"consecutive_losses": &st.ConsecutiveLosses,
		"last_trade_time":    &st.LastTradeTime,
		"session_stats":      &st.SessionStats,
		"modules_enabled":    &st.ModulesEnabled,
		"global_config":      &st.GlobalConfig,
	} {
		if err := read(key, dst); err != nil {
			return nil, fmt.Errorf("system state %s: %w", key, err)
		}
	}
	if balanceStr != "" {
		b, err := decimal.NewFromString(balanceStr)
		if err != nil {
			return nil, fmt.Errorf("system state lockdown_balance: %w", err)
		}
		st.LockdownBalance = b
	}
	return st, nil
}

// UpdateSystemState applies a patch to the system_state rows in one
// transaction. Keys absent from the patch are untouched; decimal values are
// stored as strings to survive the JSON round trip exactly.
func (s *Store) UpdateSystemState(patch map[string]interface{}) error {
	if len(patch) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		for key, value := range patch {
			if d, ok := value.(decimal.Decimal); ok {
				value = d.String()
			}
			if err := stateSet(tx, key, value); err != nil {
				return fmt.Errorf("system state %s: %w", key, err)
			}
		}
		return nil
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// DYNAMIC PARAMETERS - the versioned tunable document
// ═══════════════════════════════════════════════════════════════════════════════

// GetDynamicParams returns the current tunable document, served from the
// read cache between writes.
func (s *Store) GetDynamicParams() (types.DynamicParams, error) {
	if hit, ok := s.cache.Get(cacheKeyParams); ok {
		return hit.(types.DynamicParams), nil
	}

	var row paramsRow
	if err := s.db.First(&row).Error; err != nil {
		return types.DynamicParams{}, fmt.Errorf("dynamic params: %w", err)
	}
	var p types.DynamicParams
	if err := json.Unmarshal([]byte(row.Document), &p); err != nil {
		return types.DynamicParams{}, fmt.Errorf("dynamic params document: %w", err)
	}
	s.cache.SetDefault(cacheKeyParams, p)
	return p, nil
}

// ParamsVersion returns the version counter of the stored document.
func (s *Store) ParamsVersion() int {
	var row paramsRow
	if err := s.db.First(&row).Error; err != nil {
		return 0
	}
	return row.Version
}

// UpdateDynamicParams merges a JSON patch into the stored document,
// validates the result, bumps the version and invalidates the cache.
// Returns the merged document.
func (s *Store) UpdateDynamicParams(patch map[string]interface{}) (types.DynamicParams, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var merged types.DynamicParams
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var row paramsRow
		if err := tx.First(&row).Error; err != nil {
			return err
		}

		var doc map[string]interface{}
		if err := json.Unmarshal([]byte(row.Document), &doc); err != nil {
			return err
		}
		mergeJSON(doc, patch)

		raw, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &merged); err != nil {
			return fmt.Errorf("patch produced invalid document: %w", err)
		}
		if err := validateDynamicParams(merged); err != nil {
			return err
		}

		row.Document = string(raw)
		row.Version++
		row.UpdatedAt = nowUTC()
		return tx.Save(&row).Error
	})
	if err != nil {
		return types.DynamicParams{}, fmt.Errorf("update dynamic params: %w", err)
	}

	s.cache.Delete(cacheKeyParams)
	log.Info().Int("version", s.ParamsVersion()).Msg("💾 Dynamic parameters updated")
	return merged, nil
}

// SaveDynamicParams replaces the whole document, bumping the version.
func (s *Store) SaveDynamicParams(p types.DynamicParams) error {
	if err := validateDynamicParams(p); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		raw, err := json.Marshal(p)
		if err != nil {
			return err
		}
		var row paramsRow
		if err := tx.First(&row).Error; err != nil {
			return err
		}
		row.Document = string(raw)
		row.Version++
		row.UpdatedAt = nowUTC()
		return tx.Save(&row).Error
	})
	if err != nil {
		return fmt.Errorf("save dynamic params: %w", err)
	}
	s.cache.Delete(cacheKeyParams)
	return nil
}

// mergeJSON applies patch onto doc recursively. Nested maps merge key by
// key; everything else overwrites.
func mergeJSON(doc, patch map[string]interface{}) {
	for k, v := range patch {
		pv, pok := v.(map[string]interface{})
		dv, dok := doc[k].(map[string]interface{})
		if pok && dok {
			mergeJSON(dv, pv)
			continue
		}
		doc[k] = v
	}
}

func validateDynamicParams(p types.DynamicParams) error {
	if !p.RiskPerTrade.IsPositive() || p.RiskPerTrade.GreaterThan(decimal.NewFromFloat(0.05)) {
		return fmt.Errorf("risk_per_trade %s out of range (0, 0.05]", p.RiskPerTrade)
	}
	if !p.MaxRPerTrade.IsPositive() {
		return fmt.Errorf("max_r_per_trade must be positive, got %s", p.MaxRPerTrade)
	}
	if p.MaxConsecutiveLosses < 1 {
		return fmt.Errorf("max_consecutive_losses must be >= 1, got %d", p.MaxConsecutiveLosses)
	}
	if !p.MaxAccountRiskPct.IsPositive() || p.MaxAccountRiskPct.GreaterThan(decimal.NewFromFloat(0.2)) {
		return fmt.Errorf("max_account_risk_pct %s out of range (0, 0.2]", p.MaxAccountRiskPct)
	}
	if p.TargetWinRate <= 0 || p.TargetWinRate >= 1 {
		return fmt.Errorf("target_win_rate %.2f out of range (0, 1)", p.TargetWinRate)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ASSET PROFILES - instrument normalization data
// ═══════════════════════════════════════════════════════════════════════════════

// GetAssetProfile returns the profile for a symbol, or nil when the asset
// was never normalized. The trace id ties the miss to the risk audit trail.
func (s *Store) GetAssetProfile(symbol, traceID string) *types.AssetProfile {
	key := cacheKeyProfilePrefix + symbol
	if hit, ok := s.cache.Get(key); ok {
		p := hit.(types.AssetProfile)
		return &p
	}

	var p types.AssetProfile
	if err := s.db.First(&p, "symbol = ?", symbol).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn().Str("symbol", symbol).Str("trace_id", traceID).Msg("🚫 Asset not normalized")
		} else {
			log.Error().Err(err).Str("symbol", symbol).Msg("asset profile read failed")
		}
		return nil
	}
	s.cache.SetDefault(key, p)
	return &p
}

// SaveAssetProfile upserts an instrument profile and invalidates its cache
// entry.
func (s *Store) SaveAssetProfile(p *types.AssetProfile) error {
	if p.Symbol == "" {
		return errors.New("asset profile requires a symbol")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing types.AssetProfile
		err := tx.First(&existing, "symbol = ?", p.Symbol).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(p).Error
		}
		if err != nil {
			return err
		}
		// Select("*") so false/zero fields (Enabled, MinScore) persist too.
		return tx.Model(&existing).Select("*").Updates(p).Error
	})
	if err != nil {
		return fmt.Errorf("save asset profile %s: %w", p.Symbol, err)
	}
	s.cache.Delete(cacheKeyProfilePrefix + p.Symbol)
	return nil
}

// ListAssetProfiles returns every known instrument, enabled or not.
func (s *Store) ListAssetProfiles() []types.AssetProfile {
	var out []types.AssetProfile
	if err := s.db.Order("symbol ASC").Find(&out).Error; err != nil {
		log.Error().Err(err).Msg("asset profile scan failed")
		return nil
	}
	return out
}

// EnabledSymbols returns the symbols the scanner may touch.
func (s *Store) EnabledSymbols() []string {
	profiles := s.ListAssetProfiles()
	out := make([]string, 0, len(profiles))
	for _, p := range profiles {
		if p.Enabled {
			out = append(out, p.Symbol)
		}
	}
	return out
}
