package types

import (
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DYNAMIC PARAMETERS - The runtime-tunable configuration surface
// ═══════════════════════════════════════════════════════════════════════════════
//
// Stored as one versioned JSON document in the SSOT. The tuner rewrites
// fields through UpdateDynamicParams; every other component reads them fresh
// from storage (cached, invalidated on write).
//
// ═══════════════════════════════════════════════════════════════════════════════

// StrategyParams are the indicator thresholds strategies and the regime
// classifier read each cycle.
type StrategyParams struct {
	ADXPeriod        int     `json:"adx_period"`
	ADXThreshold     float64 `json:"adx_threshold"`
	ATRPeriod        int     `json:"atr_period"`
	ATRMultiplier    float64 `json:"atr_multiplier"`
	ShockATRRatio    float64 `json:"shock_atr_ratio"`
	VolatileATRRatio float64 `json:"volatile_atr_ratio"`
	CrashDrawdownPct float64 `json:"crash_drawdown_pct"`
	RSIPeriod        int     `json:"rsi_period"`
	RSIOverbought    float64 `json:"rsi_overbought"`
	RSIOversold      float64 `json:"rsi_oversold"`
	EMAFastPeriod    int     `json:"ema_fast_period"`
	EMASlowPeriod    int     `json:"ema_slow_period"`
	Proximity        float64 `json:"proximity"`
	MinScore         float64 `json:"min_score"`
	ConfirmationBars int     `json:"confirmation_bars"`
	TakeProfitR      float64 `json:"take_profit_r"`
}

// ConfluenceParams configure the multi-timeframe confluence analyzer.
type ConfluenceParams struct {
	Enabled  bool                  `json:"enabled"`
	MinScore float64               `json:"min_score"`
	Weights  map[Timeframe]float64 `json:"weights"`
}

// RegimeSLTP is one row of the regime SL/TP adjustment table.
type RegimeSLTP struct {
	ATRMultiplier float64 `json:"atr_multiplier"`
	RMultiple     float64 `json:"r_multiple"`
}

// PositionManagementParams drive the position manager rails.
type PositionManagementParams struct {
	MaxDrawdownMultiplier decimal.Decimal             `json:"max_drawdown_multiplier"`
	ModCooldownMinutes    int                         `json:"modification_cooldown_minutes"`
	MaxModsPerDay         int                         `json:"max_modifications_per_day"`
	FreezeMarginPct       float64                     `json:"freeze_margin_pct"`
	StaleHours            map[MarketRegime]float64    `json:"stale_hours"`
	RegimeSLTP            map[MarketRegime]RegimeSLTP `json:"regime_sl_tp"`
}

// OrchestratorParams set the adaptive heartbeat per dominant regime.
type OrchestratorParams struct {
	LoopIntervalTrend    int `json:"loop_interval_trend_s"`
	LoopIntervalVolatile int `json:"loop_interval_volatile_s"`
	LoopIntervalRange    int `json:"loop_interval_range_s"`
	LoopIntervalShock    int `json:"loop_interval_shock_s"`
	MinSleepInterval     int `json:"min_sleep_interval_s"`
}

// ScannerParams select the scan universe per cycle.
type ScannerParams struct {
	Timeframes  []Timeframe `json:"timeframes"`
	Mode        ScanMode    `json:"mode"`
	CandleCount int         `json:"candle_count"`
}

// DynamicParams is the complete tunable document.
type DynamicParams struct {
	RiskPerTrade          decimal.Decimal          `json:"risk_per_trade"`
	MaxConsecutiveLosses  int                      `json:"max_consecutive_losses"`
	MaxAccountRiskPct     decimal.Decimal          `json:"max_account_risk_pct"`
	MaxRPerTrade          decimal.Decimal          `json:"max_r_per_trade"`
	Strategy              StrategyParams           `json:"strategy"`
	Confluence            ConfluenceParams         `json:"confluence"`
	PositionManagement    PositionManagementParams `json:"position_management"`
	Orchestrator          OrchestratorParams       `json:"orchestrator"`
	Scanner               ScannerParams            `json:"scanner"`
	TuningEnabled         bool                     `json:"tuning_enabled"`
	MinTradesForTuning    int                      `json:"min_trades_for_tuning"`
	TargetWinRate         float64                  `json:"target_win_rate"`
	WinRateMargin         float64                  `json:"win_rate_margin"`
	PendingTimeoutMinutes int                      `json:"pending_timeout_minutes"`
}

// DefaultDynamicParams returns the seed document written on first open.
func DefaultDynamicParams() DynamicParams {
	return DynamicParams{
		RiskPerTrade:         decimal.NewFromFloat(0.01),
		MaxConsecutiveLosses: 3,
		MaxAccountRiskPct:    decimal.NewFromFloat(0.06),
		MaxRPerTrade:         decimal.NewFromFloat(2.0),
		Strategy: StrategyParams{
			ADXPeriod:        14,
			ADXThreshold:     25,
			ATRPeriod:        14,
			ATRMultiplier:    2.0,
			ShockATRRatio:    3.0,
			VolatileATRRatio: 1.8,
			CrashDrawdownPct: 0.12,
			RSIPeriod:        14,
			RSIOverbought:    70,
			RSIOversold:      30,
			EMAFastPeriod:    9,
			EMASlowPeriod:    21,
			Proximity:        0.002,
			MinScore:         55,
			ConfirmationBars: 3,
			TakeProfitR:      2.0,
		},
		Confluence: ConfluenceParams{
			Enabled:  true,
			MinScore: 50,
			Weights: map[Timeframe]float64{
				TimeframeM15: 0.2,
				TimeframeH1:  0.35,
				TimeframeH4:  0.3,
				TimeframeD1:  0.15,
			},
		},
		PositionManagement: PositionManagementParams{
			MaxDrawdownMultiplier: decimal.NewFromFloat(2.0),
			ModCooldownMinutes:    5,
			MaxModsPerDay:         10,
			FreezeMarginPct:       0.10,
			StaleHours: map[MarketRegime]float64{
				RegimeTrend:    72,
				RegimeRange:    4,
				RegimeVolatile: 2,
				RegimeCrash:    1,
				RegimeNeutral:  24,
			},
			RegimeSLTP: map[MarketRegime]RegimeSLTP{
				RegimeTrend:    {ATRMultiplier: 3.0, RMultiple: 3.0},
				RegimeRange:    {ATRMultiplier: 1.5, RMultiple: 1.5},
				RegimeVolatile: {ATRMultiplier: 2.5, RMultiple: 2.0},
				RegimeNeutral:  {ATRMultiplier: 2.0, RMultiple: 2.0},
			},
		},
		Orchestrator: OrchestratorParams{
			LoopIntervalTrend:    5,
			LoopIntervalVolatile: 15,
			LoopIntervalRange:    30,
			LoopIntervalShock:    60,
			MinSleepInterval:     1,
		},
		Scanner: ScannerParams{
			Timeframes:  []Timeframe{TimeframeM5, TimeframeM15, TimeframeH1, TimeframeH4},
			Mode:        ScanStandard,
			CandleCount: 250,
		},
		TuningEnabled:         true,
		MinTradesForTuning:    20,
		TargetWinRate:         0.55,
		WinRateMargin:         0.05,
		PendingTimeoutMinutes: 120,
	}
}

// StaleThreshold returns the stale-position threshold for a regime,
// defaulting to the NEUTRAL row.
func (p PositionManagementParams) StaleThreshold(regime MarketRegime) float64 {
	if h, ok := p.StaleHours[regime]; ok {
		return h
	}
	return p.StaleHours[RegimeNeutral]
}

// SLTPRule returns the SL/TP adjustment row for a regime, defaulting to the
// NEUTRAL row.
func (p PositionManagementParams) SLTPRule(regime MarketRegime) RegimeSLTP {
	if r, ok := p.RegimeSLTP[regime]; ok {
		return r
	}
	return p.RegimeSLTP[RegimeNeutral]
}

// LoopInterval returns the configured heartbeat for a dominant regime in
// seconds.
func (p OrchestratorParams) LoopInterval(regime MarketRegime) int {
	switch regime {
	case RegimeTrend, RegimeBull, RegimeBear:
		return p.LoopIntervalTrend
	case RegimeVolatile:
		return p.LoopIntervalVolatile
	case RegimeShock, RegimeCrash:
		return p.LoopIntervalShock
	default:
		return p.LoopIntervalRange
	}
}
