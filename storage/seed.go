package storage

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/aethelgard/aethelgard/types"
)

// seedDefaults populates asset profiles, dynamic parameters and the system
// state keys on first open. Re-running is a no-op for rows that already
// exist; new default profiles are added by later versions without touching
// operator edits.
func (s *Store) seedDefaults() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, p := range defaultAssetProfiles() {
		var count int64
		if err := s.db.Model(&types.AssetProfile{}).Where("symbol = ?", p.Symbol).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			if err := s.db.Create(&p).Error; err != nil {
				return err
			}
		}
	}

	var params int64
	if err := s.db.Model(&paramsRow{}).Count(&params).Error; err != nil {
		return err
	}
	if params == 0 {
		doc, err := json.Marshal(types.DefaultDynamicParams())
		if err != nil {
			return err
		}
		if err := s.db.Create(&paramsRow{ID: 1, Document: string(doc), Version: 1, UpdatedAt: nowUTC()}).Error; err != nil {
			return err
		}
		log.Info().Msg("🌱 Seeded default dynamic parameters")
	}

	defaults := map[string]interface{}{
		"lockdown_mode":      false,
		"lockdown_date":      "",
		"lockdown_balance":   "0",
		"consecutive_losses": 0,
		"last_trade_time":    time.Time{},
		"session_stats":      types.SessionStats{Date: today()},
		"modules_enabled":    map[string]bool{"scanner": true, "executor": true, "tuner": true},
		"global_config":      types.Metadata{},
	}
	for key, value := range defaults {
		var count int64
		if err := s.db.Model(&stateRow{}).Where("key = ?", key).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			raw, err := json.Marshal(value)
			if err != nil {
				return err
			}
			if err := s.db.Create(&stateRow{Key: key, Value: string(raw), UpdatedAt: nowUTC()}).Error; err != nil {
				return err
			}
		}
	}

	return nil
}

// defaultAssetProfiles returns the instruments the system knows how to size
// out of the box. Operators extend the set through the seeding CLI.
func defaultAssetProfiles() []types.AssetProfile {
	d := decimal.NewFromFloat
	forex := func(symbol, sub string, pip float64) types.AssetProfile {
		return types.AssetProfile{
			Symbol:         symbol,
			ContractSize:   d(100000),
			LotStep:        d(0.01),
			LotMin:         d(0.01),
			LotMax:         d(100),
			Digits:         5,
			PipSize:        d(pip),
			Category:       types.MarketForex,
			Subcategory:    sub,
			Enabled:        true,
			MinScore:       55,
			RiskMultiplier: d(1.0),
		}
	}

	profiles := []types.AssetProfile{
		forex("EURUSD", "majors", 0.0001),
		forex("GBPUSD", "majors", 0.0001),
		forex("AUDUSD", "majors", 0.0001),
		forex("USDJPY", "majors", 0.01),
		forex("USDCHF", "majors", 0.0001),
		forex("GBPJPY", "minors", 0.01),
		forex("EURJPY", "minors", 0.01),
		forex("EURGBP", "minors", 0.0001),
		{
			Symbol:         "XAUUSD",
			ContractSize:   d(100),
			LotStep:        d(0.01),
			LotMin:         d(0.01),
			LotMax:         d(50),
			Digits:         2,
			PipSize:        d(0.1),
			Category:       types.MarketMetal,
			Subcategory:    "tier1",
			Enabled:        true,
			MinScore:       60,
			RiskMultiplier: d(0.8),
		},
		{
			Symbol:         "BTCUSD",
			ContractSize:   d(1),
			LotStep:        d(0.01),
			LotMin:         d(0.01),
			LotMax:         d(10),
			Digits:         2,
			PipSize:        d(1),
			Category:       types.MarketCrypto,
			Subcategory:    "tier1",
			Enabled:        true,
			MinScore:       60,
			RiskMultiplier: d(0.7),
		},
		{
			Symbol:         "ETHUSD",
			ContractSize:   d(1),
			LotStep:        d(0.01),
			LotMin:         d(0.01),
			LotMax:         d(100),
			Digits:         2,
			PipSize:        d(0.1),
			Category:       types.MarketCrypto,
			Subcategory:    "altcoins",
			Enabled:        true,
			MinScore:       62,
			RiskMultiplier: d(0.7),
		},
		{
			Symbol:         "US500",
			ContractSize:   d(10),
			LotStep:        d(0.1),
			LotMin:         d(0.1),
			LotMax:         d(50),
			Digits:         1,
			PipSize:        d(0.25),
			Category:       types.MarketIndex,
			Subcategory:    "tier1",
			Enabled:        false,
			MinScore:       65,
			RiskMultiplier: d(0.8),
		},
	}

	return profiles
}
