package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/aethelgard/aethelgard/connector"
	"github.com/aethelgard/aethelgard/events"
	"github.com/aethelgard/aethelgard/internal/monitoring"
	"github.com/aethelgard/aethelgard/risk"
	"github.com/aethelgard/aethelgard/storage"
	"github.com/aethelgard/aethelgard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTOR - Approved signal → broker, exactly once
// ═══════════════════════════════════════════════════════════════════════════════
//
// Pipeline per signal:
//   validate → lockdown → persist (idempotent) → route → size → submit
//     → EXECUTED + position metadata, or REJECTED + notification
//
// Nothing here names a broker. Routing is by ConnectorType through the
// registry; broker quirks live behind the Connector interface. Submissions
// are serialized per connector so the venue sees one outstanding order at a
// time, and transient submit errors retry with a short backoff before the
// signal is written off as REJECTED_CONNECTION.
//
// ═══════════════════════════════════════════════════════════════════════════════

const submitRetries = 2

// Notifier receives operator-facing execution alerts.
type Notifier func(subject, detail string)

// Executor owns the submission path from approved signal to broker fill.
type Executor struct {
	store    *storage.Store
	registry *connector.Registry
	governor *risk.Governor
	hub      *events.Hub
	timeout  time.Duration

	gateMu sync.Mutex
	gates  map[types.ConnectorType]*sync.Mutex

	inFlight sync.WaitGroup

	mu       sync.RWMutex
	notify   Notifier
	executed int
	rejected int
	active   int
}

// NewExecutor wires the executor. A nil hub disables event publishing;
// timeout <= 0 falls back to 30s per broker call.
func NewExecutor(store *storage.Store, registry *connector.Registry, governor *risk.Governor, hub *events.Hub, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{
		store:    store,
		registry: registry,
		governor: governor,
		hub:      hub,
		timeout:  timeout,
		gates:    make(map[types.ConnectorType]*sync.Mutex),
	}
}

// SetNotifyFunc wires the operator notification sink. Nil disables dispatch.
func (e *Executor) SetNotifyFunc(fn Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = fn
}

// ExecuteAsync runs ExecuteSignal on its own goroutine, tracked for shutdown.
func (e *Executor) ExecuteAsync(ctx context.Context, sig *types.Signal) {
	e.inFlight.Add(1)
	e.mu.Lock()
	e.active++
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			e.active--
			e.mu.Unlock()
			e.inFlight.Done()
		}()
		if err := e.ExecuteSignal(ctx, sig); err != nil {
			log.Error().Err(err).
				Str("trace_id", sig.TraceID).
				Str("symbol", sig.Symbol).
				Msg("execution task failed")
		}
	}()
}

// Wait blocks until every in-flight execution finishes or the grace period
// lapses; false means tasks were abandoned mid-call and the reconciler must
// repair on the next start.
func (e *Executor) Wait(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

// ExecuteSignal walks one approved signal through the submission pipeline.
// The returned error covers storage failures only; broker rejections end as
// REJECTED rows, not errors.
func (e *Executor) ExecuteSignal(ctx context.Context, sig *types.Signal) error {
	if err := sig.Validate(); err != nil {
		return e.reject(sig, types.ReasonInvalidData, err.Error())
	}
	if !sig.Type.Tradeable() {
		return e.reject(sig, types.ReasonInvalidData, fmt.Sprintf("type %s opens no position", sig.Type))
	}

	if e.governor.IsLocked() {
		return e.reject(sig, types.ReasonLockdown, "lockdown active")
	}

	// Idempotent persist: signals born in the factory already exist as
	// PENDING; webhook signals land here first. A row already past PENDING
	// was handled by an earlier attempt.
	if existing := e.lookup(sig); existing != nil {
		if existing.Status != types.StatusPending {
			log.Warn().
				Str("signal_id", sig.ID).
				Str("status", string(existing.Status)).
				Msg("duplicate execution attempt ignored")
			return nil
		}
	} else if _, err := e.store.SaveSignal(sig); err != nil {
		return fmt.Errorf("executor persist: %w", err)
	}

	conn, ok := e.registry.Get(sig.ConnectorType)
	if !ok {
		e.notifyf("🚨 Execution failed", fmt.Sprintf("%s %s: no %s connector registered",
			sig.Symbol, sig.Type, sig.ConnectorType))
		return e.reject(sig, types.ReasonConnection, fmt.Sprintf("no %s connector registered", sig.ConnectorType))
	}
	if !conn.IsConnected() {
		e.notifyf("🚨 Execution failed", fmt.Sprintf("%s %s: %s connector offline",
			sig.Symbol, sig.Type, sig.ConnectorType))
		return e.reject(sig, types.ReasonConnection, fmt.Sprintf("%s connector offline", sig.ConnectorType))
	}

	if !sig.Volume.IsPositive() {
		lots, err := e.governor.CalculatePositionSizeMaster(ctx, sig, conn, e.entryRegime(sig))
		if err != nil {
			return e.rejectSizing(sig, err)
		}
		sig.Volume = lots
	}

	result, err := e.submit(ctx, conn, sig)
	switch {
	case err != nil:
		e.notifyf("🚨 Execution failed", fmt.Sprintf("%s %s via %s: %v",
			sig.Symbol, sig.Type, sig.ConnectorType, err))
		return e.reject(sig, types.ReasonConnection, err.Error())
	case !result.Success:
		e.notifyf("🚫 Broker rejected order", fmt.Sprintf("%s %s via %s: %s",
			sig.Symbol, sig.Type, sig.ConnectorType, result.Error))
		return e.rejectWith(sig, types.ReasonConnection, result.Error,
			types.Metadata{"broker_rejected": true})
	case sig.ConnectorType.RequiresTicket() && result.Ticket == "":
		e.notifyf("🚨 Execution failed", fmt.Sprintf("%s fill on %s returned no ticket",
			sig.Symbol, sig.ConnectorType))
		return e.reject(sig, types.ReasonConnection, "fill reported without a ticket")
	}

	return e.recordFill(ctx, sig, conn, result)
}

// lookup resolves the persisted row for a signal, tolerating empty ids on
// webhook intakes.
func (e *Executor) lookup(sig *types.Signal) *types.Signal {
	if sig.ID == "" {
		return nil
	}
	return e.store.GetSignalByID(sig.ID)
}

// entryRegime recovers the regime the signal was born under, falling back to
// the last persisted classification for the pair.
func (e *Executor) entryRegime(sig *types.Signal) types.MarketRegime {
	if r, err := types.ParseRegime(sig.Metadata.GetString("regime")); err == nil {
		return r
	}
	if ms := e.store.LatestMarketState(sig.Symbol, sig.Timeframe); ms != nil {
		return ms.Regime
	}
	return types.RegimeNeutral
}

// gate returns the per-connector submission lock.
func (e *Executor) gate(ct types.ConnectorType) *sync.Mutex {
	e.gateMu.Lock()
	defer e.gateMu.Unlock()
	g, ok := e.gates[ct]
	if !ok {
		g = &sync.Mutex{}
		e.gates[ct] = g
	}
	return g
}

// submit sends the order while holding the connector gate. Transport errors
// retry with a short backoff; a logical broker rejection never retries.
func (e *Executor) submit(ctx context.Context, conn connector.Connector, sig *types.Signal) (*connector.ExecutionResult, error) {
	gate := e.gate(conn.Type())
	gate.Lock()
	defer gate.Unlock()

	var lastErr error
	for attempt := 0; attempt <= submitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(100*attempt) * time.Millisecond):
			}
			log.Warn().
				Str("trace_id", sig.TraceID).
				Str("symbol", sig.Symbol).
				Int("attempt", attempt+1).
				Msg("retrying order submission")
		}

		subCtx, cancel := context.WithTimeout(ctx, e.timeout)
		result, err := conn.ExecuteSignal(subCtx, sig)
		cancel()
		if err == nil {
			if result == nil {
				return nil, fmt.Errorf("connector %s returned no result", conn.Type())
			}
			return result, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) {
			break
		}
	}
	return nil, lastErr
}

// recordFill transitions the signal to EXECUTED and writes the management
// record for the opened position.
func (e *Executor) recordFill(ctx context.Context, sig *types.Signal, conn connector.Connector, result *connector.ExecutionResult) error {
	fillPrice := result.Price
	if !fillPrice.IsPositive() {
		fillPrice = sig.EntryPrice
	}
	now := time.Now().UTC()

	extra := types.Metadata{
		"ticket":          result.Ticket,
		"execution_price": fillPrice.String(),
		"execution_time":  now.Format(time.RFC3339Nano),
		"connector":       string(sig.ConnectorType),
	}
	if err := e.store.UpdateSignalStatus(sig.ID, types.StatusExecuted, extra); err != nil {
		// The broker holds a position we failed to record. Leave a trail
		// for the coherence monitor before surfacing the storage error.
		log.Error().Err(err).
			Str("signal_id", sig.ID).
			Str("ticket", result.Ticket).
			Msg("fill recorded at broker but not in storage")
		_ = e.store.LogCoherenceEvent(&types.CoherenceEvent{
			SignalID:      sig.ID,
			Stage:         "execution",
			Status:        "UNRECORDED_FILL",
			Reason:        err.Error(),
			ConnectorType: sig.ConnectorType,
			Metadata:      types.Metadata{"ticket": result.Ticket},
		})
		return fmt.Errorf("executor record fill: %w", err)
	}
	sig.Status = types.StatusExecuted
	sig.OrderID = result.Ticket

	riskUSD, err := e.governor.RiskInUSD(ctx, sig, conn)
	if err != nil {
		log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("initial risk not valued")
		riskUSD = decimal.Zero
	}
	pm := &types.PositionMetadata{
		Ticket:         result.Ticket,
		SignalID:       sig.ID,
		Symbol:         sig.Symbol,
		EntryPrice:     fillPrice,
		EntryTime:      now,
		StopLoss:       sig.StopLoss,
		TakeProfit:     sig.TakeProfit,
		Volume:         sig.Volume,
		InitialRiskUSD: riskUSD,
		EntryRegime:    e.entryRegime(sig),
		Timeframe:      sig.Timeframe,
	}
	if err := e.store.SavePositionMetadata(pm); err != nil {
		return fmt.Errorf("executor position metadata: %w", err)
	}

	e.mu.Lock()
	e.executed++
	e.mu.Unlock()
	monitoring.RecordSignal(string(types.StatusExecuted))
	if e.hub != nil {
		e.hub.PublishSignal(events.TypeSignalExecuted, sig)
	}

	log.Info().
		Str("trace_id", sig.TraceID).
		Str("symbol", sig.Symbol).
		Str("type", string(sig.Type)).
		Str("ticket", result.Ticket).
		Str("price", fillPrice.String()).
		Str("volume", sig.Volume.String()).
		Str("risk_usd", riskUSD.StringFixed(2)).
		Msg("✅ Order executed")
	return nil
}

// rejectSizing translates sizing failures into their rejection reasons.
func (e *Executor) rejectSizing(sig *types.Signal, err error) error {
	switch {
	case errors.Is(err, risk.ErrCircuitOpen):
		return e.reject(sig, types.ReasonCircuitBreaker, err.Error())
	case errors.Is(err, risk.ErrAssetNotNormalized):
		log.Error().Err(err).Str("symbol", sig.Symbol).Msg("🚨 Asset not normalized")
		e.notifyf("🚨 Asset not normalized", fmt.Sprintf("%s has no asset profile, trade aborted", sig.Symbol))
		return e.reject(sig, types.ReasonInvalidData, err.Error())
	default:
		return e.reject(sig, types.ReasonSizingSanity, err.Error())
	}
}

// reject transitions the signal to REJECTED, persisting it first when it
// never reached storage, so the audit trail survives every failure mode.
func (e *Executor) reject(sig *types.Signal, reason, detail string) error {
	return e.rejectWith(sig, reason, detail, nil)
}

// rejectWith is reject with extra keys merged into the status metadata.
func (e *Executor) rejectWith(sig *types.Signal, reason, detail string, more types.Metadata) error {
	if e.lookup(sig) == nil {
		if _, err := e.store.SaveSignal(sig); err != nil {
			return fmt.Errorf("executor persist rejection: %w", err)
		}
	}

	extra := types.Metadata{"reason": reason}
	if detail != "" {
		extra["error"] = detail
	}
	for k, v := range more {
		extra[k] = v
	}
	if err := e.store.UpdateSignalStatus(sig.ID, types.StatusRejected, extra); err != nil {
		return fmt.Errorf("executor reject %s: %w", sig.ID, err)
	}
	sig.Status = types.StatusRejected

	e.mu.Lock()
	e.rejected++
	e.mu.Unlock()
	monitoring.RecordSignal(string(types.StatusRejected))
	if e.hub != nil {
		e.hub.Publish(events.Event{
			Type:    events.TypeSignalRejected,
			TraceID: sig.TraceID,
			Data: types.Metadata{
				"signal_id": sig.ID,
				"symbol":    sig.Symbol,
				"reason":    reason,
				"error":     detail,
			},
		})
	}

	log.Warn().
		Str("trace_id", sig.TraceID).
		Str("symbol", sig.Symbol).
		Str("reason", reason).
		Str("detail", detail).
		Msg("🚫 Signal rejected")
	return nil
}

func (e *Executor) notifyf(subject, detail string) {
	e.mu.RLock()
	fn := e.notify
	e.mu.RUnlock()
	if fn != nil {
		fn(subject, detail)
	}
}

// GetStats returns executor counters for the operator surfaces.
func (e *Executor) GetStats() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return map[string]interface{}{
		"executed":  e.executed,
		"rejected":  e.rejected,
		"in_flight": e.active,
	}
}
