package strategy

import (
	"fmt"
	"sync"

	talib "github.com/markcheno/go-talib"
	"github.com/rs/zerolog/log"

	"github.com/aethelgard/aethelgard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TREND RIDER STRATEGY
// ═══════════════════════════════════════════════════════════════════════════════
//
// Entry: EMA fast/slow cross in the direction of an established trend
// SL: ATR multiple below/above entry
// TP: R multiple of the stop distance
//
// Filters:
// - Regime must be TREND, BULL or BEAR
// - ADX above threshold (trend strength)
// - Cross must have happened on the closing bar, not just alignment
//
// ═══════════════════════════════════════════════════════════════════════════════

// TrendRider trades EMA crosses inside directional regimes.
type TrendRider struct {
	params ParamsSource

	mu          sync.RWMutex
	enabled     bool
	signalCount int
}

// NewTrendRider builds the strategy reading live thresholds from params.
func NewTrendRider(params ParamsSource) *TrendRider {
	return &TrendRider{params: params, enabled: true}
}

// ID returns the strategy identifier.
func (s *TrendRider) ID() string { return "trend_rider" }

// Enabled returns if strategy is active.
func (s *TrendRider) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// SetEnabled toggles the strategy.
func (s *TrendRider) SetEnabled(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = v
}

// Config returns the live thresholds.
func (s *TrendRider) Config() map[string]interface{} {
	p, err := s.params.GetDynamicParams()
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	return map[string]interface{}{
		"ema_fast":       p.Strategy.EMAFastPeriod,
		"ema_slow":       p.Strategy.EMASlowPeriod,
		"adx_threshold":  p.Strategy.ADXThreshold,
		"atr_multiplier": p.Strategy.ATRMultiplier,
		"take_profit_r":  p.Strategy.TakeProfitR,
	}
}

// Analyze looks for an EMA cross on the closing bar of a trending frame.
func (s *TrendRider) Analyze(symbol string, frame types.OHLC, regime types.MarketRegime) *types.Signal {
	if !s.Enabled() || !regime.Trending() {
		return nil
	}

	dp, err := s.params.GetDynamicParams()
	if err != nil {
		log.Warn().Err(err).Str("strategy", s.ID()).Msg("params unavailable")
		return nil
	}
	p := dp.Strategy

	n := frame.Len()
	if n < p.EMASlowPeriod+2 || n < 2*p.ADXPeriod+1 {
		return nil
	}

	closes := frame.Closes()
	highs, lows := frame.Highs(), frame.Lows()

	fast := talib.Ema(closes, p.EMAFastPeriod)
	slow := talib.Ema(closes, p.EMASlowPeriod)
	adx := talib.Adx(highs, lows, closes, p.ADXPeriod)
	atr := talib.Atr(highs, lows, closes, p.ATRPeriod)

	i := n - 1
	if adx[i] < p.ADXThreshold {
		return nil
	}

	crossedUp := fast[i] > slow[i] && fast[i-1] <= slow[i-1]
	crossedDown := fast[i] < slow[i] && fast[i-1] >= slow[i-1]
	if !crossedUp && !crossedDown {
		return nil
	}
	// Never fade the graded direction.
	if crossedUp && regime == types.RegimeBear {
		return nil
	}
	if crossedDown && regime == types.RegimeBull {
		return nil
	}

	entry := closes[i]
	slDist := atr[i] * p.ATRMultiplier
	if slDist <= 0 {
		return nil
	}

	confidence := 0.6 + min(0.3, (adx[i]-p.ADXThreshold)/100)

	b := NewSignal(symbol, frame.Timeframe).
		Confidence(confidence).
		Strategy(s.ID()).
		Regime(regime).
		Meta("adx", adx[i]).
		Meta("atr", atr[i]).
		Reason(fmt.Sprintf("EMA %d/%d cross with ADX %.1f", p.EMAFastPeriod, p.EMASlowPeriod, adx[i]))

	if crossedUp {
		b.Buy().
			Entry(entry).
			StopLoss(entry - slDist).
			TakeProfit(entry + slDist*p.TakeProfitR)
	} else {
		b.Sell().
			Entry(entry).
			StopLoss(entry + slDist).
			TakeProfit(entry - slDist*p.TakeProfitR)
	}

	s.mu.Lock()
	s.signalCount++
	s.mu.Unlock()

	log.Info().
		Str("symbol", symbol).
		Str("timeframe", string(frame.Timeframe)).
		Float64("adx", adx[i]).
		Msg("🎯 Trend cross signal generated")

	return b.Build()
}
