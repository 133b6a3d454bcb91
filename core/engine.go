package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aethelgard/aethelgard/coherence"
	"github.com/aethelgard/aethelgard/connector"
	"github.com/aethelgard/aethelgard/events"
	"github.com/aethelgard/aethelgard/execution"
	"github.com/aethelgard/aethelgard/feedback"
	"github.com/aethelgard/aethelgard/internal/monitoring"
	"github.com/aethelgard/aethelgard/position"
	"github.com/aethelgard/aethelgard/risk"
	"github.com/aethelgard/aethelgard/scanner"
	"github.com/aethelgard/aethelgard/signals"
	"github.com/aethelgard/aethelgard/storage"
	"github.com/aethelgard/aethelgard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow per cycle:
//   Expire → Scan → Factory → Governor gate → Executor → Positions → Feedback
//   → Coherence → Stats → Sleep
//
// The heartbeat adapts to the dominant regime: trending markets get a fast
// loop, shocked markets a slow one, and any cycle that dispatched signals
// clamps the next sleep to the minimum so fills are followed up quickly.
// Everything the loop tracks is rebuilt from storage on start, so a restart
// mid-session resumes the same counters.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	defaultInterval = 30 * time.Second

	// Grace given to in-flight executions on shutdown.
	shutdownGrace = 5 * time.Second

	// Consecutive storage-failing cycles tolerated before shutting down.
	maxStorageFailures = 2
)

// Deps carries every collaborator the engine orchestrates.
type Deps struct {
	Store      *storage.Store
	Registry   *connector.Registry
	Scanner    *scanner.Scanner
	Factory    *signals.Factory
	Expiration *signals.ExpirationManager
	Governor   *risk.Governor
	Executor   *execution.Executor
	Reconciler *execution.Reconciler
	Positions  *position.Manager
	Feedback   *feedback.Listener
	Tuner      *feedback.Tuner
	Coherence  *coherence.Monitor
	Hub        *events.Hub
}

// Engine owns the main control loop.
type Engine struct {
	store      *storage.Store
	registry   *connector.Registry
	scanner    *scanner.Scanner
	factory    *signals.Factory
	expiration *signals.ExpirationManager
	governor   *risk.Governor
	executor   *execution.Executor
	reconciler *execution.Reconciler
	positions  *position.Manager
	feedback   *feedback.Listener
	tuner      *feedback.Tuner
	coherence  *coherence.Monitor
	hub        *events.Hub

	mu            sync.RWMutex
	running       bool
	paused        bool
	stats         types.SessionStats
	storageFails  int
	lastClosures  int
	lastCycleTook time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
	cancel context.CancelFunc
}

// NewEngine wires the orchestrator. Every dependency is required except Hub,
// Tuner and Coherence, which may be nil in reduced compositions.
func NewEngine(d Deps) *Engine {
	return &Engine{
		store:      d.Store,
		registry:   d.Registry,
		scanner:    d.Scanner,
		factory:    d.Factory,
		expiration: d.Expiration,
		governor:   d.Governor,
		executor:   d.Executor,
		reconciler: d.Reconciler,
		positions:  d.Positions,
		feedback:   d.Feedback,
		tuner:      d.Tuner,
		coherence:  d.Coherence,
		hub:        d.Hub,
	}
}

// Start reconciles broker state, rebuilds the session counters and launches
// the loop. Returns an error when the engine is already running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	e.restoreStats()

	// Fills that landed while we were down must be on the books before the
	// first cycle trades.
	if e.reconciler != nil {
		if err := e.reconciler.Run(runCtx); err != nil {
			log.Error().Err(err).Msg("startup reconciliation incomplete")
		}
	}

	if e.hub != nil {
		e.hub.Publish(events.Event{
			Type: events.TypeEngineStarted,
			Data: types.Metadata{"date": e.SessionStats().Date},
		})
	}

	go e.run(runCtx)

	stats := e.SessionStats()
	log.Info().
		Str("date", stats.Date).
		Int("signals_executed", stats.SignalsExecuted).
		Int("cycles_completed", stats.CyclesCompleted).
		Msg("⚡ Engine started")
	return nil
}

// Stop halts the loop, persists the session counters and gives in-flight
// executions a grace period to settle. Safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	cancel := e.cancel
	done := e.doneCh
	e.mu.Unlock()

	<-done
	e.persistStats()

	cancel()
	if !e.executor.Wait(shutdownGrace) {
		log.Warn().Msg("in-flight executions did not settle, reconciliation will pick them up")
	}

	if e.hub != nil {
		e.hub.Publish(events.Event{Type: events.TypeEngineStopped})
	}
	log.Info().Msg("🛑 Engine stopped")
}

// Done is closed once the loop has exited, whether through Stop or through
// the engine shutting itself down on repeated storage failures.
func (e *Engine) Done() <-chan struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.doneCh
}

// Pause holds the loop: cycles keep ticking but do no work.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	log.Info().Msg("⏸️ Engine paused")
}

// Resume releases a pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	log.Info().Msg("▶️ Engine resumed")
}

// IsPaused reports whether the loop is held.
func (e *Engine) IsPaused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paused
}

// SessionStats returns a copy of the live session counters.
func (e *Engine) SessionStats() types.SessionStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// run is the heartbeat loop.
func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)
	for {
		interval := e.cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-time.After(interval):
		}
	}
}

// cycle runs one orchestrator tick and returns the next sleep interval. Any
// panic is contained to the cycle.
func (e *Engine) cycle(ctx context.Context) (next time.Duration) {
	next = defaultInterval
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("cycle panicked")
			e.bumpErrors()
			monitoring.RecordError("engine")
		}
	}()

	params, err := e.store.GetDynamicParams()
	if err != nil {
		e.noteStorageFailure(err)
		return next
	}
	if secs := params.Orchestrator.LoopIntervalRange; secs > 0 {
		next = time.Duration(secs) * time.Second
	}
	if e.IsPaused() {
		return next
	}

	started := time.Now()
	e.rollover()

	if expired := e.expiration.ExpireStale(); expired > 0 {
		monitoring.RecordExpirations(expired)
	}

	scan, err := e.scanner.Scan(ctx)
	if err != nil {
		e.noteStorageFailure(err)
		e.bumpErrors()
		return next
	}

	batch, err := e.factory.Process(ctx, scan)
	if err != nil {
		e.noteStorageFailure(err)
		e.bumpErrors()
		return next
	}

	active := e.dispatch(ctx, batch)

	e.positions.ManageCycle(ctx)
	e.feedback.Poll(ctx)
	if e.tuner != nil && e.closuresDelta() > 0 {
		e.tuner.EvaluateNow()
	}
	if e.coherence != nil {
		e.coherence.Sweep()
	}

	if !e.completeCycle(started) {
		return next
	}
	e.mu.Lock()
	e.storageFails = 0
	e.mu.Unlock()

	return loopInterval(params.Orchestrator, e.scanner.DominantRegime(), active)
}

// dispatch walks the cycle's fresh signals through the governor gate and
// hands the approved ones to the executor. Returns how many went out.
func (e *Engine) dispatch(ctx context.Context, batch []*types.Signal) int {
	active := 0
	for _, sig := range batch {
		e.mu.Lock()
		e.stats.SignalsProcessed++
		e.mu.Unlock()

		if e.governor.IsLocked() {
			log.Debug().
				Str("trace_id", sig.TraceID).
				Str("symbol", sig.Symbol).
				Msg("signal held, governor locked")
			continue
		}

		conn, ok := e.registry.Get(sig.ConnectorType)
		if !ok {
			// The executor owns the rejection trail for unroutable signals.
			e.executor.ExecuteAsync(ctx, sig)
			active++
			continue
		}

		if approved, reason := e.governor.CanTakeNewTrade(ctx, sig, conn); !approved {
			if e.hub != nil {
				e.hub.PublishVeto(sig, reason)
			}
			continue
		}

		e.executor.ExecuteAsync(ctx, sig)
		active++
	}
	return active
}

// rollover resets the session counters when the UTC day changed mid-loop.
func (e *Engine) rollover() {
	today := time.Now().UTC().Format("2006-01-02")
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stats.Date == today {
		return
	}
	log.Info().Str("from", e.stats.Date).Str("to", today).Msg("🌱 New session day")
	e.stats = types.SessionStats{Date: today}
}

// completeCycle refreshes the executed count from storage, bumps the cycle
// counter and persists the snapshot. Returns false on a storage failure.
func (e *Engine) completeCycle(started time.Time) bool {
	today := time.Now().UTC().Format("2006-01-02")
	executed := e.store.CountExecutedSignals(today)

	e.mu.Lock()
	e.stats.CyclesCompleted++
	e.stats.SignalsExecuted = executed
	e.lastCycleTook = time.Since(started)
	stats := e.stats
	e.mu.Unlock()

	monitoring.RecordCycle(time.Since(started))

	if err := e.store.UpdateSystemState(map[string]interface{}{"session_stats": stats}); err != nil {
		e.noteStorageFailure(err)
		return false
	}
	return true
}

// restoreStats rebuilds the session counters from storage, resetting them
// when the persisted snapshot belongs to another day.
func (e *Engine) restoreStats() {
	today := time.Now().UTC().Format("2006-01-02")
	stats := types.SessionStats{Date: today}

	if st, err := e.store.GetSystemState(); err == nil {
		if st.SessionStats.Date == today {
			stats = st.SessionStats
		}
	} else {
		log.Error().Err(err).Msg("session stats restore failed, starting clean")
	}
	stats.SignalsExecuted = e.store.CountExecutedSignals(today)

	e.mu.Lock()
	e.stats = stats
	e.mu.Unlock()
}

// persistStats writes the final session snapshot.
func (e *Engine) persistStats() {
	stats := e.SessionStats()
	if err := e.store.UpdateSystemState(map[string]interface{}{"session_stats": stats}); err != nil {
		log.Error().Err(err).Msg("session stats not persisted on shutdown")
	}
}

// noteStorageFailure counts consecutive storage-failing cycles; two in a row
// shut the engine down rather than let it trade on state it cannot read or
// write.
func (e *Engine) noteStorageFailure(err error) {
	e.mu.Lock()
	e.storageFails++
	n := e.storageFails
	e.mu.Unlock()

	log.Error().Err(err).Int("consecutive", n).Msg("cycle hit a storage failure")
	monitoring.RecordError("storage")

	if n >= maxStorageFailures {
		log.Error().Msg("🛑 Storage failing repeatedly, shutting down")
		// Stop waits for the loop to exit, so it must not run on the loop's
		// own goroutine.
		go e.Stop()
	}
}

func (e *Engine) bumpErrors() {
	e.mu.Lock()
	e.stats.ErrorsCount++
	e.mu.Unlock()
}

// closuresDelta reports how many closures the feedback listener ingested
// since the last cycle, gating the tuner to fresh outcomes.
func (e *Engine) closuresDelta() int {
	processed, _ := e.feedback.GetStats()["processed"].(int)
	e.mu.Lock()
	delta := processed - e.lastClosures
	e.lastClosures = processed
	e.mu.Unlock()
	return delta
}

// loopInterval maps the dominant regime to the configured heartbeat, clamped
// to the minimum when signals went out this cycle.
func loopInterval(p types.OrchestratorParams, regime types.MarketRegime, active int) time.Duration {
	secs := p.LoopInterval(regime)
	if secs <= 0 {
		secs = int(defaultInterval / time.Second)
	}
	if active > 0 && p.MinSleepInterval > 0 && secs > p.MinSleepInterval {
		secs = p.MinSleepInterval
	}
	return time.Duration(secs) * time.Second
}

// GetStats returns engine counters for the operator surfaces.
func (e *Engine) GetStats() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return map[string]interface{}{
		"running":           e.running,
		"paused":            e.paused,
		"date":              e.stats.Date,
		"signals_processed": e.stats.SignalsProcessed,
		"signals_executed":  e.stats.SignalsExecuted,
		"cycles_completed":  e.stats.CyclesCompleted,
		"errors_count":      e.stats.ErrorsCount,
		"storage_failures":  e.storageFails,
		"last_cycle_took":   e.lastCycleTook.String(),
	}
}
