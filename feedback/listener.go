package feedback

import (
	"context"
	"sort"
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
// CLOSURE LISTENER - Broker closures → trade results → governor
// ═══════════════════════════════════════════════════════════════════════════════
//
// Polls every venue for recently closed positions, matches them back to
// EXECUTED signals by comment or ticket, and closes the loop: one TradeResult
// per signal, the signal transitioned to CLOSED, the management record
// dropped, and the governor fed the outcome so losses count toward lockdown.
//
// A per-connector checkpoint keeps restarts from re-ingesting the same
// closures; SaveTradeResult is idempotent as a second line of defense.
//
// ═══════════════════════════════════════════════════════════════════════════════

const defaultLookbackHours = 24

// checkpointKey names the closure cursor row for a venue.
func checkpointKey(ct types.ConnectorType) string {
	return "closures:" + string(ct)
}

// Listener ingests broker closures into the feedback loop.
type Listener struct {
	store    *storage.Store
	registry *connector.Registry
	governor *risk.Governor
	hub      *events.Hub
	lookback int

	mu        sync.RWMutex
	processed int
	foreign   int
}

// NewListener wires the closure listener. lookbackHours <= 0 falls back to
// 24h, wide enough to bridge weekend restarts.
func NewListener(store *storage.Store, registry *connector.Registry, governor *risk.Governor, hub *events.Hub, lookbackHours int) *Listener {
	if lookbackHours <= 0 {
		lookbackHours = defaultLookbackHours
	}
	return &Listener{
		store:    store,
		registry: registry,
		governor: governor,
		hub:      hub,
		lookback: lookbackHours,
	}
}

// Poll sweeps every connected venue once, ingesting closures newer than the
// venue's checkpoint in close-time order.
func (l *Listener) Poll(ctx context.Context) {
	for _, ct := range l.registry.Types() {
		conn, ok := l.registry.Get(ct)
		if !ok || !conn.IsConnected() {
			continue
		}
		closures, err := conn.GetClosedPositions(ctx, l.lookback)
		if err != nil {
			log.Warn().Err(err).Str("connector", string(ct)).Msg("closure poll failed")
			monitoring.RecordError("feedback")
			continue
		}
		if len(closures) == 0 {
			continue
		}
		sort.Slice(closures, func(i, j int) bool {
			return closures[i].CloseTime.Before(closures[j].CloseTime)
		})

		key := checkpointKey(ct)
		cursor := l.cursor(key)
		newest := cursor
		for i := range closures {
			cp := &closures[i]
			if !cp.CloseTime.After(cursor) {
				continue
			}
			l.ingest(cp)
			if cp.CloseTime.After(newest) {
				newest = cp.CloseTime
			}
		}
		if newest.After(cursor) {
			if err := l.store.SaveCheckpoint(key, newest.UTC().Format(time.RFC3339Nano)); err != nil {
				log.Error().Err(err).Str("connector", string(ct)).Msg("closure checkpoint not saved")
			}
		}
	}
}

// cursor loads the checkpoint for a venue; zero time when none exists yet.
func (l *Listener) cursor(key string) time.Time {
	raw := l.store.GetCheckpoint(key)
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		log.Warn().Str("checkpoint", raw).Msg("unreadable closure checkpoint, starting over")
		return time.Time{}
	}
	return ts
}

// ingest closes the loop for one broker closure.
func (l *Listener) ingest(cp *connector.ClosedPosition) {
	sig := l.match(cp)
	if sig == nil {
		l.mu.Lock()
		l.foreign++
		l.mu.Unlock()
		log.Debug().Str("ticket", cp.Ticket).Msg("closure matches no signal, skipped")
		return
	}
	if sig.Status == types.StatusClosed || l.store.GetTradeResult(sig.ID) != nil {
		return
	}

	meta := l.store.GetPositionMetadata(cp.Ticket)
	tr := l.buildResult(cp, sig, meta)
	if err := l.store.SaveTradeResult(tr); err != nil {
		log.Error().Err(err).Str("signal_id", sig.ID).Msg("trade result not saved")
		monitoring.RecordError("feedback")
		return
	}

	if err := l.store.UpdateSignalStatus(sig.ID, types.StatusClosed, types.Metadata{
		"exit_price":  cp.ExitPrice.String(),
		"profit":      cp.Profit.String(),
		"exit_reason": string(cp.ExitReason),
		"closed_at":   cp.CloseTime.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		log.Warn().Err(err).Str("signal_id", sig.ID).Msg("signal not transitioned to CLOSED")
	}
	if err := l.store.DeletePositionMetadata(cp.Ticket); err != nil {
		log.Warn().Err(err).Str("ticket", cp.Ticket).Msg("position metadata not dropped")
	}

	// The governor owns the trade-outcome metric; counting here too would
	// double every closure.
	if err := l.governor.RecordTradeResult(tr.IsWin, cp.Profit); err != nil {
		log.Error().Err(err).Msg("governor did not record trade result")
		monitoring.RecordError("feedback")
	}
	if l.hub != nil {
		l.hub.PublishClosure(tr)
	}

	l.mu.Lock()
	l.processed++
	l.mu.Unlock()

	log.Info().
		Str("signal_id", sig.ID).
		Str("symbol", tr.Symbol).
		Str("profit", tr.ProfitLoss.String()).
		Str("pips", tr.Pips.StringFixed(1)).
		Int("duration_min", tr.DurationMin).
		Str("exit", string(tr.ExitReason)).
		Msg("💰 Trade closed")
}

// match resolves the signal for a closure: comment-borne id first, broker
// ticket second.
func (l *Listener) match(cp *connector.ClosedPosition) *types.Signal {
	if cp.SignalID != "" {
		if sig := l.store.GetSignalByID(cp.SignalID); sig != nil {
			return sig
		}
	}
	return l.store.GetSignalByTicket(cp.Ticket)
}

// buildResult assembles the TradeResult row from the closure, the signal and
// the management record when one survives.
func (l *Listener) buildResult(cp *connector.ClosedPosition, sig *types.Signal, meta *types.PositionMetadata) *types.TradeResult {
	entryTime := l.entryTime(sig, meta)
	duration := 0
	if !entryTime.IsZero() && cp.CloseTime.After(entryTime) {
		duration = int(cp.CloseTime.Sub(entryTime).Minutes())
	}

	regime := types.RegimeNeutral
	if meta != nil && meta.EntryRegime != "" {
		regime = meta.EntryRegime
	} else if r, err := types.ParseRegime(sig.Metadata.GetString("regime")); err == nil {
		regime = r
	}

	return &types.TradeResult{
		SignalID:       sig.ID,
		Symbol:         sig.Symbol,
		EntryPrice:     cp.EntryPrice,
		ExitPrice:      cp.ExitPrice,
		ProfitLoss:     cp.Profit,
		Pips:           l.pips(sig, cp),
		ExitReason:     cp.ExitReason,
		DurationMin:    duration,
		MarketRegime:   regime,
		ParametersUsed: l.paramsSnapshot(),
		ClosedAt:       cp.CloseTime,
	}
}

// entryTime prefers the management record, then the fill audit on the
// signal, then the signal's birth time.
func (l *Listener) entryTime(sig *types.Signal, meta *types.PositionMetadata) time.Time {
	if meta != nil && !meta.EntryTime.IsZero() {
		return meta.EntryTime.UTC()
	}
	if raw := sig.Metadata.GetString("execution_time"); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return ts
		}
	}
	return sig.Timestamp.UTC()
}

// pips converts the price move into pips, signed so losses are negative for
// both sides.
func (l *Listener) pips(sig *types.Signal, cp *connector.ClosedPosition) decimal.Decimal {
	profile := l.store.GetAssetProfile(sig.Symbol, sig.TraceID)
	if profile == nil || !profile.PipSize.IsPositive() {
		return decimal.Zero
	}
	move := cp.ExitPrice.Sub(cp.EntryPrice).Div(profile.PipSize)
	if sig.Type == types.SignalSell {
		move = move.Neg()
	}
	return move
}

// paramsSnapshot records the tunables in force at close time, so later
// analysis can correlate outcomes with settings.
func (l *Listener) paramsSnapshot() types.Metadata {
	params, err := l.store.GetDynamicParams()
	if err != nil {
		return types.Metadata{}
	}
	return types.Metadata{
		"params_version": l.store.ParamsVersion(),
		"risk_per_trade": params.RiskPerTrade.String(),
		"adx_threshold":  params.Strategy.ADXThreshold,
		"atr_multiplier": params.Strategy.ATRMultiplier,
		"min_score":      params.Strategy.MinScore,
	}
}

// GetStats returns listener counters for the operator surfaces.
func (l *Listener) GetStats() map[string]interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return map[string]interface{}{
		"processed": l.processed,
		"foreign":   l.foreign,
	}
}
