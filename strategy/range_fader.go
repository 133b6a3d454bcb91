package strategy

import (
	"fmt"
	"sync"

	talib "github.com/markcheno/go-talib"
	"github.com/rs/zerolog/log"

	"github.com/aethelgard/aethelgard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RANGE FADER STRATEGY
// ═══════════════════════════════════════════════════════════════════════════════
//
// Entry: RSI extreme while price sits near the matching range edge
// SL: just beyond the faded edge, ATR buffered
// TP: R multiple back toward the middle of the range
//
// Filters:
// - Regime must be RANGE
// - RSI beyond oversold/overbought
// - Price within proximity of the edge being faded
//
// ═══════════════════════════════════════════════════════════════════════════════

// rangeLookbackBars is the window that defines the tradable range.
const rangeLookbackBars = 20

// RangeFader fades range edges on RSI extremes.
type RangeFader struct {
	params ParamsSource

	mu          sync.RWMutex
	enabled     bool
	signalCount int
}

// NewRangeFader builds the strategy reading live thresholds from params.
func NewRangeFader(params ParamsSource) *RangeFader {
	return &RangeFader{params: params, enabled: true}
}

// ID returns the strategy identifier.
func (s *RangeFader) ID() string { return "range_fader" }

// Enabled returns if strategy is active.
func (s *RangeFader) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// SetEnabled toggles the strategy.
func (s *RangeFader) SetEnabled(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = v
}

// Config returns the live thresholds.
func (s *RangeFader) Config() map[string]interface{} {
	p, err := s.params.GetDynamicParams()
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	return map[string]interface{}{
		"rsi_period":     p.Strategy.RSIPeriod,
		"rsi_overbought": p.Strategy.RSIOverbought,
		"rsi_oversold":   p.Strategy.RSIOversold,
		"proximity":      p.Strategy.Proximity,
		"lookback_bars":  rangeLookbackBars,
	}
}

// Analyze fades the range edge when RSI agrees.
func (s *RangeFader) Analyze(symbol string, frame types.OHLC, regime types.MarketRegime) *types.Signal {
	if !s.Enabled() || regime != types.RegimeRange {
		return nil
	}

	dp, err := s.params.GetDynamicParams()
	if err != nil {
		log.Warn().Err(err).Str("strategy", s.ID()).Msg("params unavailable")
		return nil
	}
	p := dp.Strategy

	n := frame.Len()
	if n < p.RSIPeriod+rangeLookbackBars+1 {
		return nil
	}

	closes := frame.Closes()
	highs, lows := frame.Highs(), frame.Lows()

	rsi := talib.Rsi(closes, p.RSIPeriod)
	atr := talib.Atr(highs, lows, closes, p.ATRPeriod)

	i := n - 1
	entry := closes[i]

	rangeHigh, rangeLow := windowExtremes(highs, lows, i, rangeLookbackBars)
	if rangeHigh <= rangeLow || entry <= 0 {
		return nil
	}

	nearLow := (entry-rangeLow)/entry <= p.Proximity
	nearHigh := (rangeHigh-entry)/entry <= p.Proximity
	buffer := atr[i] * 0.5
	mid := (rangeHigh + rangeLow) / 2

	var b *SignalBuilder
	switch {
	case rsi[i] <= p.RSIOversold && nearLow:
		sl := rangeLow - buffer
		b = NewSignal(symbol, frame.Timeframe).Buy().
			Entry(entry).
			StopLoss(sl).
			TakeProfit(entry + (entry-sl)*p.TakeProfitR).
			Reason(fmt.Sprintf("RSI %.1f at range low %.5f", rsi[i], rangeLow))
	case rsi[i] >= p.RSIOverbought && nearHigh:
		sl := rangeHigh + buffer
		b = NewSignal(symbol, frame.Timeframe).Sell().
			Entry(entry).
			StopLoss(sl).
			TakeProfit(entry - (sl-entry)*p.TakeProfitR).
			Reason(fmt.Sprintf("RSI %.1f at range high %.5f", rsi[i], rangeHigh))
	default:
		return nil
	}

	confidence := 0.55 + min(0.3, extremeDepth(rsi[i], p)/100)
	b.Confidence(confidence).
		Strategy(s.ID()).
		Regime(regime).
		Meta("rsi", rsi[i]).
		Meta("range_high", rangeHigh).
		Meta("range_low", rangeLow).
		Meta("range_mid", mid)

	s.mu.Lock()
	s.signalCount++
	s.mu.Unlock()

	log.Info().
		Str("symbol", symbol).
		Str("timeframe", string(frame.Timeframe)).
		Float64("rsi", rsi[i]).
		Msg("🎯 Range fade signal generated")

	return b.Build()
}

// windowExtremes returns the high/low of the lookback window ending at the
// bar before i, so the triggering bar cannot define its own edge.
func windowExtremes(highs, lows []float64, i, lookback int) (float64, float64) {
	start := i - lookback
	if start < 0 {
		start = 0
	}
	hi, lo := highs[start], lows[start]
	for j := start + 1; j < i; j++ {
		if highs[j] > hi {
			hi = highs[j]
		}
		if lows[j] < lo {
			lo = lows[j]
		}
	}
	return hi, lo
}

// extremeDepth measures how far past the RSI trigger the reading sits.
func extremeDepth(rsi float64, p types.StrategyParams) float64 {
	if rsi <= p.RSIOversold {
		return p.RSIOversold - rsi
	}
	if rsi >= p.RSIOverbought {
		return rsi - p.RSIOverbought
	}
	return 0
}
