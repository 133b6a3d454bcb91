package strategy

import (
	"fmt"
	"sync"

	talib "github.com/markcheno/go-talib"
	"github.com/rs/zerolog/log"

	"github.com/aethelgard/aethelgard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// VOLATILITY BREAKOUT STRATEGY
// ═══════════════════════════════════════════════════════════════════════════════
//
// Entry: close breaks the N-bar extreme while ATR is expanding
// SL: ATR multiple behind the breakout bar
// TP: R multiple of the stop distance
//
// Filters:
// - Regime must be VOLATILE (expansion already confirmed by the classifier)
// - Close beyond the prior window extreme, not merely touching it
//
// ═══════════════════════════════════════════════════════════════════════════════

// breakoutLookbackBars is the consolidation window a breakout must clear.
const breakoutLookbackBars = 20

// VolatilityBreakout trades window breaks during expansion.
type VolatilityBreakout struct {
	params ParamsSource

	mu          sync.RWMutex
	enabled     bool
	signalCount int
}

// NewVolatilityBreakout builds the strategy reading live thresholds from
// params.
func NewVolatilityBreakout(params ParamsSource) *VolatilityBreakout {
	return &VolatilityBreakout{params: params, enabled: true}
}

// ID returns the strategy identifier.
func (s *VolatilityBreakout) ID() string { return "volatility_breakout" }

// Enabled returns if strategy is active.
func (s *VolatilityBreakout) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// SetEnabled toggles the strategy.
func (s *VolatilityBreakout) SetEnabled(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = v
}

// Config returns the live thresholds.
func (s *VolatilityBreakout) Config() map[string]interface{} {
	p, err := s.params.GetDynamicParams()
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	return map[string]interface{}{
		"atr_period":     p.Strategy.ATRPeriod,
		"atr_multiplier": p.Strategy.ATRMultiplier,
		"take_profit_r":  p.Strategy.TakeProfitR,
		"lookback_bars":  breakoutLookbackBars,
	}
}

// Analyze fires on a close beyond the prior window extreme.
func (s *VolatilityBreakout) Analyze(symbol string, frame types.OHLC, regime types.MarketRegime) *types.Signal {
	if !s.Enabled() || regime != types.RegimeVolatile {
		return nil
	}

	dp, err := s.params.GetDynamicParams()
	if err != nil {
		log.Warn().Err(err).Str("strategy", s.ID()).Msg("params unavailable")
		return nil
	}
	p := dp.Strategy

	n := frame.Len()
	if n < p.ATRPeriod+breakoutLookbackBars+1 {
		return nil
	}

	closes := frame.Closes()
	highs, lows := frame.Highs(), frame.Lows()
	atr := talib.Atr(highs, lows, closes, p.ATRPeriod)

	i := n - 1
	entry := closes[i]
	windowHigh, windowLow := windowExtremes(highs, lows, i, breakoutLookbackBars)

	slDist := atr[i] * p.ATRMultiplier
	if slDist <= 0 {
		return nil
	}

	var b *SignalBuilder
	switch {
	case entry > windowHigh:
		b = NewSignal(symbol, frame.Timeframe).Buy().
			Entry(entry).
			StopLoss(entry - slDist).
			TakeProfit(entry + slDist*p.TakeProfitR).
			Reason(fmt.Sprintf("close %.5f above %d-bar high %.5f", entry, breakoutLookbackBars, windowHigh))
	case entry < windowLow:
		b = NewSignal(symbol, frame.Timeframe).Sell().
			Entry(entry).
			StopLoss(entry + slDist).
			TakeProfit(entry - slDist*p.TakeProfitR).
			Reason(fmt.Sprintf("close %.5f below %d-bar low %.5f", entry, breakoutLookbackBars, windowLow))
	default:
		return nil
	}

	b.Confidence(0.6).
		Strategy(s.ID()).
		Regime(regime).
		Meta("atr", atr[i]).
		Meta("window_high", windowHigh).
		Meta("window_low", windowLow)

	s.mu.Lock()
	s.signalCount++
	s.mu.Unlock()

	log.Info().
		Str("symbol", symbol).
		Str("timeframe", string(frame.Timeframe)).
		Float64("atr", atr[i]).
		Msg("🎯 Breakout signal generated")

	return b.Build()
}
