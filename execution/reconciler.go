package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aethelgard/aethelgard/connector"
	"github.com/aethelgard/aethelgard/storage"
	"github.com/aethelgard/aethelgard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILER - Startup repair of broker/storage divergence
// ═══════════════════════════════════════════════════════════════════════════════
//
// A crash or a cancelled in-flight submission leaves two truths: what the
// broker holds and what storage believes. Fills are matched back through the
// signal id encoded in the order comment. PENDING rows with a live broker
// position become EXECUTED; connection-rejected rows whose order landed
// anyway are repaired through the one sanctioned path; EXECUTED rows missing
// their management record get it rebuilt from the broker snapshot.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Reconciler repairs signal statuses against live broker state.
type Reconciler struct {
	store    *storage.Store
	registry *connector.Registry

	scanned  int
	repaired int
	orphans  int
}

// NewReconciler builds a reconciler over every registered connector.
func NewReconciler(store *storage.Store, registry *connector.Registry) *Reconciler {
	return &Reconciler{store: store, registry: registry}
}

// Run sweeps every connected connector once. Connector read failures skip
// that venue; repairs that fail surface as the returned error.
func (r *Reconciler) Run(ctx context.Context) error {
	r.scanned, r.repaired, r.orphans = 0, 0, 0

	for _, ct := range r.registry.Types() {
		conn, ok := r.registry.Get(ct)
		if !ok || !conn.IsConnected() {
			continue
		}
		positions, err := conn.GetOpenPositions(ctx)
		if err != nil {
			log.Warn().Err(err).Str("connector", string(ct)).Msg("reconciler cannot read positions")
			continue
		}
		for i := range positions {
			if err := r.reconcilePosition(ct, &positions[i]); err != nil {
				return err
			}
		}
	}

	if r.repaired > 0 || r.orphans > 0 {
		log.Info().
			Int("scanned", r.scanned).
			Int("repaired", r.repaired).
			Int("orphans", r.orphans).
			Msg("🔧 Reconciliation complete")
	}
	return nil
}

func (r *Reconciler) reconcilePosition(ct types.ConnectorType, pos *connector.BrokerPosition) error {
	signalID := connector.SignalIDFromComment(pos.Comment)
	if signalID == "" {
		// Not ours. Operators may run other systems on the same account.
		return nil
	}
	r.scanned++

	sig := r.store.GetSignalByID(signalID)
	if sig == nil {
		r.orphans++
		log.Warn().
			Str("ticket", pos.Ticket).
			Str("signal_id", signalID).
			Msg("broker position references an unknown signal")
		return r.store.LogCoherenceEvent(&types.CoherenceEvent{
			SignalID:      signalID,
			Stage:         "reconciliation",
			Status:        "ORPHAN_POSITION",
			Reason:        fmt.Sprintf("broker ticket %s references no stored signal", pos.Ticket),
			ConnectorType: ct,
			Metadata:      types.Metadata{"ticket": pos.Ticket, "symbol": pos.Symbol},
		})
	}

	extra := types.Metadata{
		"ticket":          pos.Ticket,
		"execution_price": pos.PriceOpen.String(),
		"execution_time":  pos.OpenAt.UTC().Format(time.RFC3339Nano),
		"connector":       string(ct),
		"reconciled":      true,
	}

	switch sig.Status {
	case types.StatusPending:
		if err := r.store.UpdateSignalStatus(sig.ID, types.StatusExecuted, extra); err != nil {
			return fmt.Errorf("reconcile %s: %w", sig.ID, err)
		}
		r.repaired++
		log.Info().
			Str("trace_id", sig.TraceID).
			Str("ticket", pos.Ticket).
			Msg("✅ Recovered fill for pending signal")

	case types.StatusRejected:
		if sig.Metadata.GetString("reason") != types.ReasonConnection {
			return nil
		}
		if err := r.store.RepairConnectionRejection(sig.ID, extra); err != nil {
			return fmt.Errorf("reconcile %s: %w", sig.ID, err)
		}
		r.repaired++
		log.Info().
			Str("trace_id", sig.TraceID).
			Str("ticket", pos.Ticket).
			Msg("✅ Connection rejection repaired, broker filled the order")

	case types.StatusExecuted:
		// Status is right; only the management record may be missing.

	default:
		return nil
	}

	if r.store.GetPositionMetadata(pos.Ticket) == nil {
		pm := &types.PositionMetadata{
			Ticket:     pos.Ticket,
			SignalID:   sig.ID,
			Symbol:     pos.Symbol,
			EntryPrice: pos.PriceOpen,
			EntryTime:  pos.OpenAt.UTC(),
			StopLoss:   pos.StopLoss,
			TakeProfit: pos.TakeProfit,
			Volume:     pos.Volume,
			// Risk was never valued for a recovered fill; derive it from
			// the stop so the drawdown rail still has a reference.
			InitialRiskUSD: sig.StopDistance().Mul(pos.Volume),
			EntryRegime:    types.RegimeNeutral,
			Timeframe:      sig.Timeframe,
		}
		if ms := r.store.LatestMarketState(pos.Symbol, sig.Timeframe); ms != nil {
			pm.EntryRegime = ms.Regime
		}
		if err := r.store.SavePositionMetadata(pm); err != nil {
			return fmt.Errorf("reconcile metadata %s: %w", pos.Ticket, err)
		}
	}
	return nil
}

// GetStats returns the last sweep's counters.
func (r *Reconciler) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"scanned":  r.scanned,
		"repaired": r.repaired,
		"orphans":  r.orphans,
	}
}
