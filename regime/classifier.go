package regime

import (
	"fmt"
	"sync"

	talib "github.com/markcheno/go-talib"
	"github.com/rs/zerolog/log"

	"github.com/aethelgard/aethelgard/storage"
	"github.com/aethelgard/aethelgard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REGIME CLASSIFIER
// ═══════════════════════════════════════════════════════════════════════════════
//
// Grades each (symbol, timeframe) frame into a market regime. Grade is pure:
// the same frame and parameters always produce the same reading. The
// Classifier wraps Grade with confirmation-bar hysteresis so a single
// borderline bar cannot flap the regime, and persists every effective
// reading for history queries. SHOCK and CRASH apply immediately.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// atrBaselineBars is the trailing window the current ATR is compared
	// against to detect expansion.
	atrBaselineBars = 50
	// crashLookbackBars is the rolling-high window for drawdown grading.
	crashLookbackBars = 20
)

// Classifier applies hysteresis on top of Grade and records history.
type Classifier struct {
	store *storage.Store

	mu      sync.Mutex
	streaks map[types.ScanKey]*streak
}

// streak tracks the pending regime change for one pair.
type streak struct {
	current   types.MarketRegime
	candidate types.MarketRegime
	count     int
}

// NewClassifier builds a classifier backed by the store for parameters,
// hysteresis reseeding after restart, and history persistence.
func NewClassifier(store *storage.Store) *Classifier {
	return &Classifier{
		store:   store,
		streaks: make(map[types.ScanKey]*streak),
	}
}

// Classify grades a frame, applies hysteresis and persists the effective
// reading.
func (c *Classifier) Classify(frame types.OHLC) (types.MarketState, error) {
	params, err := c.store.GetDynamicParams()
	if err != nil {
		return types.MarketState{}, fmt.Errorf("classify %s/%s: %w", frame.Symbol, frame.Timeframe, err)
	}

	raw := Grade(frame, params.Strategy)
	effective := c.confirm(raw, params.Strategy.ConfirmationBars)

	state := raw
	state.Regime = effective
	if err := c.store.LogMarketState(&state); err != nil {
		log.Warn().Err(err).Str("symbol", frame.Symbol).Msg("market state not persisted")
	}
	return state, nil
}

// confirm runs the hysteresis state machine for one reading.
func (c *Classifier) confirm(raw types.MarketState, confirmationBars int) types.MarketRegime {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := types.ScanKey{Symbol: raw.Symbol, Timeframe: raw.Timeframe}
	st, ok := c.streaks[key]
	if !ok {
		st = &streak{current: raw.Regime}
		// Resume the pre-restart regime so a reboot does not flap.
		if last := c.store.LatestMarketState(raw.Symbol, raw.Timeframe); last != nil {
			st.current = last.Regime
		}
		c.streaks[key] = st
	}

	switch {
	case raw.Regime == st.current:
		st.candidate, st.count = "", 0
	case raw.Regime.Emergency():
		log.Warn().
			Str("symbol", raw.Symbol).
			Str("timeframe", string(raw.Timeframe)).
			Str("regime", string(raw.Regime)).
			Float64("atr_ratio", raw.ATRRatio).
			Msg("🚨 Emergency regime change")
		st.current, st.candidate, st.count = raw.Regime, "", 0
	case raw.Regime == st.candidate:
		st.count++
		if st.count >= confirmationBars {
			log.Info().
				Str("symbol", raw.Symbol).
				Str("timeframe", string(raw.Timeframe)).
				Str("from", string(st.current)).
				Str("to", string(raw.Regime)).
				Msg("📊 Regime change confirmed")
			st.current, st.candidate, st.count = raw.Regime, "", 0
		}
	default:
		st.candidate, st.count = raw.Regime, 1
	}
	return st.current
}

// Grade classifies one frame without hysteresis. Order of precedence:
// NEUTRAL (insufficient data), CRASH (drawdown), SHOCK / VOLATILE (ATR
// expansion), BULL / BEAR / TREND (ADX with EMA direction), RANGE.
func Grade(frame types.OHLC, p types.StrategyParams) types.MarketState {
	state := types.MarketState{
		Symbol:    frame.Symbol,
		Timeframe: frame.Timeframe,
		Regime:    types.RegimeNeutral,
	}
	if last, ok := frame.Last(); ok {
		state.Close = last.Close
	}

	n := frame.Len()
	if n < minBars(p) {
		return state
	}

	highs, lows, closes := frame.Highs(), frame.Lows(), frame.Closes()

	adx := talib.Adx(highs, lows, closes, p.ADXPeriod)
	atr := talib.Atr(highs, lows, closes, p.ATRPeriod)
	state.ADX = adx[n-1]

	baseline := mean(atr[n-1-atrBaselineBars : n-1])
	if baseline > 0 {
		state.ATRRatio = atr[n-1] / baseline
	}

	if dd := drawdown(highs, closes); dd >= p.CrashDrawdownPct {
		state.Regime = types.RegimeCrash
		return state
	}
	if state.ATRRatio >= p.ShockATRRatio {
		state.Regime = types.RegimeShock
		return state
	}
	if state.ATRRatio >= p.VolatileATRRatio {
		state.Regime = types.RegimeVolatile
		return state
	}

	if state.ADX >= p.ADXThreshold {
		state.Regime = gradeTrend(closes, p)
		return state
	}

	state.Regime = types.RegimeRange
	return state
}

// gradeTrend splits a trending market into BULL or BEAR when both EMAs and
// price agree on the direction, plain TREND otherwise.
func gradeTrend(closes []float64, p types.StrategyParams) types.MarketRegime {
	fast := talib.Ema(closes, p.EMAFastPeriod)
	slow := talib.Ema(closes, p.EMASlowPeriod)
	i := len(closes) - 1

	switch {
	case fast[i] > slow[i] && closes[i] > slow[i]:
		return types.RegimeBull
	case fast[i] < slow[i] && closes[i] < slow[i]:
		return types.RegimeBear
	default:
		return types.RegimeTrend
	}
}

// drawdown returns the fractional fall of the last close from the rolling
// high of the lookback window.
func drawdown(highs, closes []float64) float64 {
	n := len(highs)
	start := n - crashLookbackBars
	if start < 0 {
		start = 0
	}
	hi := 0.0
	for _, h := range highs[start:] {
		if h > hi {
			hi = h
		}
	}
	if hi <= 0 {
		return 0
	}
	return (hi - closes[n-1]) / hi
}

// minBars is the warmup needed before any indicator value is trustworthy.
func minBars(p types.StrategyParams) int {
	need := 2 * p.ADXPeriod
	if v := p.ATRPeriod + atrBaselineBars + 1; v > need {
		need = v
	}
	if v := p.EMASlowPeriod + 1; v > need {
		need = v
	}
	return need
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
