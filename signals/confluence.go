package signals

import (
	"github.com/rs/zerolog/log"

	"github.com/aethelgard/aethelgard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFLUENCE - Higher-timeframe agreement scoring
// ═══════════════════════════════════════════════════════════════════════════════
//
// A candidate earns a bonus when the regimes above its own timeframe agree
// with its direction and a penalty when they fight it. The bonus is the
// weight-normalized alignment in [-100, +100], added to the base score
// (confidence * 100) and clamped back into [0, 100]. Weights come from
// dynamic params so the tuner can shift trust between timeframes.
//
// ═══════════════════════════════════════════════════════════════════════════════

// alignment grades one higher-timeframe regime against the trade direction.
func alignment(t types.SignalType, r types.MarketRegime) float64 {
	switch r {
	case types.RegimeBull:
		if t == types.SignalBuy {
			return 100
		}
		return -100
	case types.RegimeBear:
		if t == types.SignalSell {
			return 100
		}
		return -100
	case types.RegimeCrash:
		if t == types.SignalSell {
			return 50
		}
		return -100
	case types.RegimeTrend:
		return 50
	case types.RegimeShock:
		return -50
	case types.RegimeVolatile:
		return -25
	}
	// RANGE and NEUTRAL carry no directional information.
	return 0
}

// ApplyConfluence adjusts one candidate against the higher-timeframe regimes
// of its symbol and returns the final 0-100 score. The breakdown lands in
// metadata so vetoes and the tuner can see how the score was built. With
// confluence disabled the base score passes through untouched.
func ApplyConfluence(sig *types.Signal, regimes map[types.Timeframe]types.MarketRegime, p types.ConfluenceParams) float64 {
	if sig.Metadata == nil {
		sig.Metadata = types.Metadata{}
	}
	conf, _ := sig.Confidence.Float64()
	base := conf * 100

	if !p.Enabled {
		sig.Metadata["score"] = base
		return base
	}

	var weighted, totalWeight float64
	breakdown := types.Metadata{}
	for tf, w := range p.Weights {
		if w <= 0 || tf.Minutes() <= sig.Timeframe.Minutes() {
			continue
		}
		regime, ok := regimes[tf]
		if !ok {
			continue
		}
		a := alignment(sig.Type, regime)
		weighted += a * w
		totalWeight += w
		breakdown[string(tf)] = types.Metadata{
			"regime":    string(regime),
			"weight":    w,
			"alignment": a,
		}
	}

	bonus := 0.0
	if totalWeight > 0 {
		bonus = weighted / totalWeight
	}

	score := base + bonus
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	sig.Metadata["score"] = score
	sig.Metadata["confluence_analysis"] = types.Metadata{
		"base":      base,
		"bonus":     bonus,
		"breakdown": breakdown,
	}

	log.Debug().
		Str("symbol", sig.Symbol).
		Str("type", string(sig.Type)).
		Float64("base", base).
		Float64("bonus", bonus).
		Float64("score", score).
		Msg("confluence applied")

	return score
}
