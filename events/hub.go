package events

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aethelgard/aethelgard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EVENT HUB - In-process pub/sub for operator surfaces
// ═══════════════════════════════════════════════════════════════════════════════
//
// Publishers are hot paths (executor, governor, feedback); dispatch must never
// block them. Every subscriber runs on its own goroutine per event, so a slow
// websocket or telegram consumer cannot stall a trade.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Type tags an event for routing.
type Type string

const (
	TypeSignalGenerated  Type = "SIGNAL_GENERATED"
	TypeSignalExecuted   Type = "SIGNAL_EXECUTED"
	TypeSignalRejected   Type = "SIGNAL_REJECTED"
	TypeSignalExpired    Type = "SIGNAL_EXPIRED"
	TypeTradeClosed      Type = "TRADE_CLOSED"
	TypeGovernorVeto     Type = "GOVERNOR_VETO"
	TypeLockdownChanged  Type = "LOCKDOWN_CHANGED"
	TypeCircuitBreaker   Type = "CIRCUIT_BREAKER"
	TypePositionModified Type = "POSITION_MODIFIED"
	TypePositionClosed   Type = "POSITION_CLOSED"
	TypeCoherenceAlert   Type = "COHERENCE_ALERT"
	TypeParamsTuned      Type = "PARAMS_TUNED"
	TypeEngineStarted    Type = "ENGINE_STARTED"
	TypeEngineStopped    Type = "ENGINE_STOPPED"
)

// Event is one hub message.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TraceID   string         `json:"trace_id,omitempty"`
	Data      types.Metadata `json:"data"`
}

// Subscriber handles one event.
type Subscriber func(Event)

// Hub fans events out to per-type and firehose subscribers.
type Hub struct {
	mu        sync.RWMutex
	subs      map[Type][]Subscriber
	firehose  []Subscriber
	published int64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[Type][]Subscriber)}
}

// Subscribe registers a handler for one event type.
func (h *Hub) Subscribe(t Type, fn Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[t] = append(h.subs[t], fn)
}

// SubscribeAll registers a firehose handler receiving every event.
func (h *Hub) SubscribeAll(fn Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.firehose = append(h.firehose, fn)
}

// Publish dispatches the event without blocking the caller.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Data == nil {
		ev.Data = types.Metadata{}
	}

	h.mu.Lock()
	h.published++
	typed := h.subs[ev.Type]
	firehose := h.firehose
	h.mu.Unlock()

	for _, fn := range typed {
		go fn(ev)
	}
	for _, fn := range firehose {
		go fn(ev)
	}
}

// PublishSignal publishes a signal lifecycle event.
func (h *Hub) PublishSignal(t Type, sig *types.Signal) {
	h.Publish(Event{
		Type:    t,
		TraceID: sig.TraceID,
		Data: types.Metadata{
			"signal_id": sig.ID,
			"symbol":    sig.Symbol,
			"timeframe": string(sig.Timeframe),
			"type":      string(sig.Type),
			"status":    string(sig.Status),
			"entry":     sig.EntryPrice.String(),
			"score":     sig.Score(),
		},
	})
}

// PublishVeto publishes a governor rejection.
func (h *Hub) PublishVeto(sig *types.Signal, reason string) {
	h.Publish(Event{
		Type:    TypeGovernorVeto,
		TraceID: sig.TraceID,
		Data: types.Metadata{
			"signal_id": sig.ID,
			"symbol":    sig.Symbol,
			"reason":    reason,
		},
	})
}

// PublishLockdown publishes a lockdown transition.
func (h *Hub) PublishLockdown(locked bool, reason string) {
	h.Publish(Event{
		Type: TypeLockdownChanged,
		Data: types.Metadata{"locked": locked, "reason": reason},
	})
}

// PublishClosure publishes a settled trade result.
func (h *Hub) PublishClosure(tr *types.TradeResult) {
	h.Publish(Event{
		Type: TypeTradeClosed,
		Data: types.Metadata{
			"signal_id":   tr.SignalID,
			"symbol":      tr.Symbol,
			"profit_loss": tr.ProfitLoss.String(),
			"pips":        tr.Pips.String(),
			"is_win":      tr.IsWin,
			"exit_reason": string(tr.ExitReason),
		},
	})
}

// PublishModification publishes a position SL/TP retune.
func (h *Hub) PublishModification(ticket, symbol string, sl, tp decimal.Decimal, reason string) {
	h.Publish(Event{
		Type: TypePositionModified,
		Data: types.Metadata{
			"ticket": ticket,
			"symbol": symbol,
			"sl":     sl.String(),
			"tp":     tp.String(),
			"reason": reason,
		},
	})
}

// PublishCoherence publishes a coherence alert.
func (h *Hub) PublishCoherence(ev *types.CoherenceEvent) {
	h.Publish(Event{
		Type:    TypeCoherenceAlert,
		TraceID: ev.SignalID,
		Data: types.Metadata{
			"signal_id": ev.SignalID,
			"stage":     ev.Stage,
			"status":    ev.Status,
			"reason":    ev.Reason,
		},
	})
}

// GetStats returns hub counters for the operator surfaces.
func (h *Hub) GetStats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	typed := 0
	for _, subs := range h.subs {
		typed += len(subs)
	}
	return map[string]interface{}{
		"published":            h.published,
		"subscribers":          typed,
		"firehose_subscribers": len(h.firehose),
	}
}
