package feedback

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/aethelgard/aethelgard/events"
	"github.com/aethelgard/aethelgard/internal/monitoring"
	"github.com/aethelgard/aethelgard/storage"
	"github.com/aethelgard/aethelgard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TUNER - Win-rate driven parameter adjustment
// ═══════════════════════════════════════════════════════════════════════════════
//
// Once enough trades accumulated, a win rate below target minus margin
// tightens the entry gates (higher ADX floor, wider ATR stops, tighter
// proximity, higher score floor, less weight on losing timeframes); a win
// rate above target plus margin relaxes the same knobs symmetrically. Every
// step is clamped so a bad streak cannot push a parameter off a cliff, and
// every adjustment is written through the versioned params document with the
// trigger recorded.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	tuningCheckpoint = "tuning:last"

	// Trailing window the win rate is computed over.
	tuningWindowDays = 30

	adxStep = 2.5
	adxMin  = 20.0
	adxMax  = 40.0

	atrStep = 0.25
	atrMin  = 1.0
	atrMax  = 4.0

	proximityTightenFactor = 0.8
	proximityRelaxFactor   = 1.25
	proximityMin           = 0.0005
	proximityMax           = 0.01

	scoreStep = 5.0
	scoreMin  = 40.0
	scoreMax  = 80.0

	weightTightenFactor = 0.85
	weightRelaxFactor   = 1.15
	weightMin           = 0.05
	weightMax           = 0.5
)

// Tuner adjusts the dynamic parameters from realized outcomes.
type Tuner struct {
	store *storage.Store
	hub   *events.Hub

	mu          sync.RWMutex
	adjustments int
	lastOutcome string
}

// NewTuner wires the tuner. A nil hub disables event publishing.
func NewTuner(store *storage.Store, hub *events.Hub) *Tuner {
	return &Tuner{store: store, hub: hub}
}

// EvaluateNow runs one tuning pass. Returns true when parameters changed.
func (t *Tuner) EvaluateNow() bool {
	params, err := t.store.GetDynamicParams()
	if err != nil {
		log.Error().Err(err).Msg("tuner cannot read params")
		monitoring.RecordError("tuner")
		return false
	}
	if !params.TuningEnabled {
		return false
	}

	rate, sample := t.store.GetWinRate(tuningWindowDays)
	if sample < params.MinTradesForTuning {
		t.note("INSUFFICIENT_SAMPLE")
		return false
	}

	low := params.TargetWinRate - params.WinRateMargin
	high := params.TargetWinRate + params.WinRateMargin
	switch {
	case rate < low:
		return t.adjust(params, rate, sample, true)
	case rate > high:
		return t.adjust(params, rate, sample, false)
	default:
		t.note("WITHIN_BAND")
		return false
	}
}

// adjust applies one clamped step in the given direction and persists it.
func (t *Tuner) adjust(params types.DynamicParams, rate float64, sample int, tighten bool) bool {
	s := params.Strategy
	var adx, atr, prox, score float64
	var direction string
	if tighten {
		direction = "TIGHTEN"
		adx = clamp(s.ADXThreshold+adxStep, adxMin, adxMax)
		atr = clamp(s.ATRMultiplier+atrStep, atrMin, atrMax)
		prox = clamp(s.Proximity*proximityTightenFactor, proximityMin, proximityMax)
		score = clamp(s.MinScore+scoreStep, scoreMin, scoreMax)
	} else {
		direction = "RELAX"
		adx = clamp(s.ADXThreshold-adxStep, adxMin, adxMax)
		atr = clamp(s.ATRMultiplier-atrStep, atrMin, atrMax)
		prox = clamp(s.Proximity*proximityRelaxFactor, proximityMin, proximityMax)
		score = clamp(s.MinScore-scoreStep, scoreMin, scoreMax)
	}

	patch := map[string]interface{}{
		"strategy": map[string]interface{}{
			"adx_threshold":  adx,
			"atr_multiplier": atr,
			"proximity":      prox,
			"min_score":      score,
		},
	}
	if weights := t.retuneWeights(params, tighten); len(weights) > 0 {
		patch["confluence"] = map[string]interface{}{"weights": weights}
	}

	merged, err := t.store.UpdateDynamicParams(patch)
	if err != nil {
		log.Error().Err(err).Msg("tuner patch rejected")
		monitoring.RecordError("tuner")
		return false
	}

	factor := weightTightenFactor
	if !tighten {
		factor = weightRelaxFactor
	}
	t.record(direction, rate, sample, factor)

	if t.hub != nil {
		t.hub.Publish(events.Event{
			Type: events.TypeParamsTuned,
			Data: types.Metadata{
				"direction": direction,
				"win_rate":  rate,
				"sample":    sample,
				"factor":    factor,
				"version":   t.store.ParamsVersion(),
			},
		})
	}

	t.mu.Lock()
	t.adjustments++
	t.lastOutcome = direction
	t.mu.Unlock()

	log.Info().
		Str("direction", direction).
		Float64("win_rate", rate).
		Int("sample", sample).
		Float64("adx_threshold", merged.Strategy.ADXThreshold).
		Float64("atr_multiplier", merged.Strategy.ATRMultiplier).
		Float64("min_score", merged.Strategy.MinScore).
		Msg("🎯 Parameters tuned")
	return true
}

// retuneWeights rescales confluence weights on the timeframes that lost
// money over the window: down when tightening, back up when relaxing.
func (t *Tuner) retuneWeights(params types.DynamicParams, tighten bool) map[string]interface{} {
	pnl := t.pnlByTimeframe()
	if len(pnl) == 0 {
		return nil
	}
	factor := weightTightenFactor
	if !tighten {
		factor = weightRelaxFactor
	}

	out := make(map[string]interface{})
	for tf, weight := range params.Confluence.Weights {
		total, seen := pnl[tf]
		if !seen || !total.IsNegative() {
			continue
		}
		out[string(tf)] = clamp(weight*factor, weightMin, weightMax)
	}
	return out
}

// pnlByTimeframe aggregates realized PnL per signal timeframe over the
// tuning window.
func (t *Tuner) pnlByTimeframe() map[types.Timeframe]decimal.Decimal {
	trades := t.store.GetTradesSince(time.Now().UTC().AddDate(0, 0, -tuningWindowDays))
	out := make(map[types.Timeframe]decimal.Decimal, 4)
	for i := range trades {
		sig := t.store.GetSignalByID(trades[i].SignalID)
		if sig == nil {
			continue
		}
		out[sig.Timeframe] = out[sig.Timeframe].Add(trades[i].ProfitLoss)
	}
	return out
}

// record persists the trigger so operators can audit why parameters moved.
func (t *Tuner) record(direction string, rate float64, sample int, factor float64) {
	blob, err := json.Marshal(map[string]interface{}{
		"at":        time.Now().UTC().Format(time.RFC3339),
		"direction": direction,
		"win_rate":  rate,
		"sample":    sample,
		"factor":    factor,
	})
	if err != nil {
		return
	}
	if err := t.store.SaveCheckpoint(tuningCheckpoint, string(blob)); err != nil {
		log.Warn().Err(err).Msg("tuning trigger not recorded")
	}
}

func (t *Tuner) note(outcome string) {
	t.mu.Lock()
	t.lastOutcome = outcome
	t.mu.Unlock()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// GetStats returns tuner counters for the operator surfaces.
func (t *Tuner) GetStats() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return map[string]interface{}{
		"adjustments":  t.adjustments,
		"last_outcome": t.lastOutcome,
	}
}
