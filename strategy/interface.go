package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/aethelgard/aethelgard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY INTERFACE - Plug-in pattern for strategies
// ═══════════════════════════════════════════════════════════════════════════════
//
// All strategies implement this interface:
//   Analyze(symbol, frame, regime) *types.Signal
//
// The signal factory calls Analyze for each scan entry; the strategy returns
// nil or a candidate signal. Analyze must not mutate the frame and must be
// deterministic for the same frame and parameters.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Strategy is the interface all trading strategies must implement.
type Strategy interface {
	// ID returns the strategy identifier stored in signal metadata.
	ID() string

	// Analyze inspects one frame under a known regime and returns a
	// candidate signal, or nil when the setup is absent.
	Analyze(symbol string, frame types.OHLC, regime types.MarketRegime) *types.Signal

	// Enabled returns whether the strategy is active.
	Enabled() bool

	// Config returns the current thresholds for the operator surfaces.
	Config() map[string]interface{}
}

// ParamsSource yields the current tunable document. The storage layer
// satisfies it; tests substitute a stub.
type ParamsSource interface {
	GetDynamicParams() (types.DynamicParams, error)
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL BUILDER - Helper for creating signals
// ═══════════════════════════════════════════════════════════════════════════════

// SignalBuilder helps construct candidate signals.
type SignalBuilder struct {
	signal *types.Signal
}

// NewSignal creates a builder for one (symbol, timeframe) candidate.
func NewSignal(symbol string, tf types.Timeframe) *SignalBuilder {
	return &SignalBuilder{
		signal: &types.Signal{
			Symbol:     symbol,
			Timeframe:  tf,
			Type:       types.SignalHold,
			Confidence: decimal.NewFromFloat(0.5),
			Metadata:   types.Metadata{},
		},
	}
}

// Buy marks the signal as a long entry.
func (sb *SignalBuilder) Buy() *SignalBuilder {
	sb.signal.Type = types.SignalBuy
	return sb
}

// Sell marks the signal as a short entry.
func (sb *SignalBuilder) Sell() *SignalBuilder {
	sb.signal.Type = types.SignalSell
	return sb
}

// Entry sets the entry price.
func (sb *SignalBuilder) Entry(price float64) *SignalBuilder {
	sb.signal.EntryPrice = decimal.NewFromFloat(price)
	return sb
}

// StopLoss sets the SL price.
func (sb *SignalBuilder) StopLoss(price float64) *SignalBuilder {
	sb.signal.StopLoss = decimal.NewFromFloat(price)
	return sb
}

// TakeProfit sets the TP price.
func (sb *SignalBuilder) TakeProfit(price float64) *SignalBuilder {
	sb.signal.TakeProfit = decimal.NewFromFloat(price)
	return sb
}

// Confidence sets the confidence level (0-1), clamped.
func (sb *SignalBuilder) Confidence(conf float64) *SignalBuilder {
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	sb.signal.Confidence = decimal.NewFromFloat(conf)
	return sb
}

// Strategy records the source strategy id.
func (sb *SignalBuilder) Strategy(id string) *SignalBuilder {
	sb.signal.Metadata["strategy_id"] = id
	return sb
}

// Regime records the regime the signal was generated under.
func (sb *SignalBuilder) Regime(r types.MarketRegime) *SignalBuilder {
	sb.signal.Metadata["regime"] = string(r)
	return sb
}

// Reason sets the human-readable trigger description.
func (sb *SignalBuilder) Reason(reason string) *SignalBuilder {
	sb.signal.Metadata["reason"] = reason
	return sb
}

// Meta attaches an arbitrary metadata field.
func (sb *SignalBuilder) Meta(key string, value interface{}) *SignalBuilder {
	sb.signal.Metadata[key] = value
	return sb
}

// Build returns the completed signal.
func (sb *SignalBuilder) Build() *types.Signal {
	return sb.signal
}
