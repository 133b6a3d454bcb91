package position

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
	"github.com/aethelgard/aethelgard/storage"
	"github.com/aethelgard/aethelgard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION MANAGER - Lifecycle care for open positions
// ═══════════════════════════════════════════════════════════════════════════════
//
// Runs every orchestrator cycle over the live book. Per position, in order:
//
//   1. emergency close when floating loss reaches the drawdown ceiling
//   2. stale exit when the position outlives its regime's holding window
//   3. SL/TP retune when the market regime moved away from the entry regime
//
// Every modification passes the rails first: broker freeze distance with a
// safety margin, a per-position cooldown, and a daily modification budget.
// Metadata is written before the broker call and rolled back if the broker
// refuses, so storage never claims a geometry the venue rejected.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Manager walks the open book once per cycle.
type Manager struct {
	store    *storage.Store
	registry *connector.Registry
	hub      *events.Hub

	mu              sync.RWMutex
	emergencyCloses int
	staleExits      int
	retunes         int
	rollbacks       int
}

// NewManager wires the manager. A nil hub disables event publishing.
func NewManager(store *storage.Store, registry *connector.Registry, hub *events.Hub) *Manager {
	return &Manager{store: store, registry: registry, hub: hub}
}

// ManageCycle sweeps every connected venue once. Venue read failures skip
// that venue; per-position failures are logged and never abort the sweep.
func (m *Manager) ManageCycle(ctx context.Context) {
	params, err := m.store.GetDynamicParams()
	if err != nil {
		log.Error().Err(err).Msg("position manager cannot read params")
		monitoring.RecordError("position")
		return
	}
	rails := params.PositionManagement

	total := 0
	for _, ct := range m.registry.Types() {
		conn, ok := m.registry.Get(ct)
		if !ok || !conn.IsConnected() {
			continue
		}
		positions, err := conn.GetOpenPositions(ctx)
		if err != nil {
			log.Warn().Err(err).Str("connector", string(ct)).Msg("position manager cannot read book")
			continue
		}
		total += len(positions)
		for i := range positions {
			m.managePosition(ctx, conn, &positions[i], rails, params)
		}
	}
	monitoring.SetOpenPositions(total)
}

func (m *Manager) managePosition(ctx context.Context, conn connector.Connector, pos *connector.BrokerPosition, rails types.PositionManagementParams, params types.DynamicParams) {
	meta := m.store.GetPositionMetadata(pos.Ticket)
	if meta == nil {
		// Foreign position or a fill the reconciler has not matched yet.
		log.Debug().Str("ticket", pos.Ticket).Str("symbol", pos.Symbol).Msg("unmanaged position skipped")
		return
	}

	if m.emergencyClose(ctx, conn, pos, meta, rails) {
		return
	}
	if m.staleExit(ctx, conn, pos, meta, rails) {
		return
	}
	m.retune(ctx, conn, pos, meta, rails, params)
}

// emergencyClose cuts the position when floating loss reaches the drawdown
// ceiling. Returns true when the position left the book.
func (m *Manager) emergencyClose(ctx context.Context, conn connector.Connector, pos *connector.BrokerPosition, meta *types.PositionMetadata, rails types.PositionManagementParams) bool {
	if !meta.InitialRiskUSD.IsPositive() || !pos.Profit.IsNegative() {
		return false
	}
	ceiling := rails.MaxDrawdownMultiplier.Mul(meta.InitialRiskUSD)
	if !ceiling.IsPositive() || pos.Profit.Abs().LessThan(ceiling) {
		return false
	}

	if err := conn.ClosePosition(ctx, pos.Ticket, types.ExitEmergency); err != nil {
		log.Error().Err(err).
			Str("ticket", pos.Ticket).
			Str("symbol", pos.Symbol).
			Msg("emergency close failed")
		monitoring.RecordError("position")
		return false
	}

	m.mu.Lock()
	m.emergencyCloses++
	m.mu.Unlock()
	m.publishClosed(pos, string(types.ExitEmergency), types.Metadata{
		"floating_loss": pos.Profit.String(),
		"ceiling":       ceiling.String(),
	})

	log.Warn().
		Str("ticket", pos.Ticket).
		Str("symbol", pos.Symbol).
		Str("floating_loss", pos.Profit.String()).
		Str("ceiling", ceiling.Neg().String()).
		Msg("🚨 Emergency close, drawdown ceiling hit")
	return true
}

// staleExit closes positions that outlived the holding window of the regime
// currently governing their symbol.
func (m *Manager) staleExit(ctx context.Context, conn connector.Connector, pos *connector.BrokerPosition, meta *types.PositionMetadata, rails types.PositionManagementParams) bool {
	regime := m.currentRegime(meta)
	hours := rails.StaleThreshold(regime)
	if hours <= 0 {
		return false
	}
	age := time.Since(meta.EntryTime.UTC())
	limit := time.Duration(hours * float64(time.Hour))
	if age <= limit {
		return false
	}

	if err := conn.ClosePosition(ctx, pos.Ticket, types.ExitStale); err != nil {
		log.Error().Err(err).
			Str("ticket", pos.Ticket).
			Str("symbol", pos.Symbol).
			Msg("stale exit failed")
		monitoring.RecordError("position")
		return false
	}

	m.mu.Lock()
	m.staleExits++
	m.mu.Unlock()
	m.publishClosed(pos, string(types.ExitStale), types.Metadata{
		"age_hours":   age.Hours(),
		"limit_hours": hours,
		"regime":      string(regime),
	})

	log.Info().
		Str("ticket", pos.Ticket).
		Str("symbol", pos.Symbol).
		Str("regime", string(regime)).
		Float64("age_hours", age.Hours()).
		Msg("⏳ Stale position closed")
	return true
}

// retune re-anchors SL/TP to the current regime's geometry once the market
// moved away from the regime the position was opened under.
func (m *Manager) retune(ctx context.Context, conn connector.Connector, pos *connector.BrokerPosition, meta *types.PositionMetadata, rails types.PositionManagementParams, params types.DynamicParams) {
	regime := m.currentRegime(meta)
	if regime == meta.EntryRegime {
		return
	}

	sig := m.store.GetSignalByID(meta.SignalID)
	if sig == nil {
		return
	}
	atr := atrUnit(sig, params.Strategy.ATRMultiplier)
	birthR := sig.StopDistance()
	if !atr.IsPositive() || !birthR.IsPositive() {
		return
	}

	rule := rails.SLTPRule(regime)
	slDist := decimal.NewFromFloat(rule.ATRMultiplier).Mul(atr)
	tpDist := decimal.NewFromFloat(rule.RMultiple).Mul(birthR)

	var newSL, newTP decimal.Decimal
	if pos.Type == types.SignalBuy {
		newSL = meta.EntryPrice.Sub(slDist)
		newTP = meta.EntryPrice.Add(tpDist)
	} else {
		newSL = meta.EntryPrice.Add(slDist)
		newTP = meta.EntryPrice.Sub(tpDist)
	}
	if newSL.Equal(meta.StopLoss) && newTP.Equal(meta.TakeProfit) {
		return
	}

	if !m.railsAllow(ctx, conn, pos, rails, newSL, newTP) {
		return
	}

	if err := m.store.RecordPositionModification(pos.Ticket, newSL, newTP); err != nil {
		log.Error().Err(err).Str("ticket", pos.Ticket).Msg("modification not recorded")
		monitoring.RecordError("position")
		return
	}

	if err := conn.ModifyPosition(ctx, pos.Ticket, newSL, newTP); err != nil {
		if rbErr := m.store.RollbackPositionModification(pos.Ticket); rbErr != nil {
			log.Error().Err(rbErr).Str("ticket", pos.Ticket).Msg("modification rollback failed")
		}
		m.mu.Lock()
		m.rollbacks++
		m.mu.Unlock()
		if errors.Is(err, connector.ErrNotSupported) {
			log.Debug().
				Str("ticket", pos.Ticket).
				Str("connector", string(conn.Type())).
				Msg("venue does not support SL/TP modification")
			return
		}
		log.Warn().Err(err).
			Str("ticket", pos.Ticket).
			Str("symbol", pos.Symbol).
			Msg("↩️ Modification rejected by venue, rolled back")
		return
	}

	m.mu.Lock()
	m.retunes++
	m.mu.Unlock()
	reason := fmt.Sprintf("regime change %s to %s", meta.EntryRegime, regime)
	if m.hub != nil {
		m.hub.PublishModification(pos.Ticket, pos.Symbol, newSL, newTP, reason)
	}

	log.Info().
		Str("ticket", pos.Ticket).
		Str("symbol", pos.Symbol).
		Str("from", string(meta.EntryRegime)).
		Str("to", string(regime)).
		Str("sl", newSL.String()).
		Str("tp", newTP.String()).
		Msg("🔧 SL/TP retuned to regime")
}

// railsAllow checks cooldown, daily budget and the broker freeze distance.
func (m *Manager) railsAllow(ctx context.Context, conn connector.Connector, pos *connector.BrokerPosition, rails types.PositionManagementParams, newSL, newTP decimal.Decimal) bool {
	if last := m.store.LastModificationAt(pos.Ticket); !last.IsZero() {
		cooldown := time.Duration(rails.ModCooldownMinutes) * time.Minute
		if time.Since(last) < cooldown {
			log.Debug().Str("ticket", pos.Ticket).Msg("modification cooldown active")
			return false
		}
	}
	if rails.MaxModsPerDay > 0 && m.store.ModificationsToday(pos.Ticket) >= rails.MaxModsPerDay {
		log.Debug().Str("ticket", pos.Ticket).Msg("daily modification budget spent")
		return false
	}

	info, err := conn.GetSymbolInfo(ctx, pos.Symbol)
	if err != nil || info == nil {
		log.Debug().Err(err).Str("symbol", pos.Symbol).Msg("no symbol info, retune deferred")
		return false
	}
	minDist := info.FreezeLevel.Mul(info.Point).
		Mul(decimal.NewFromFloat(1 + rails.FreezeMarginPct))
	if !minDist.IsPositive() {
		return true
	}

	closePx := info.Bid
	if pos.Type == types.SignalSell {
		closePx = info.Ask
	}
	if !closePx.IsPositive() {
		return true
	}
	if closePx.Sub(newSL).Abs().LessThan(minDist) || closePx.Sub(newTP).Abs().LessThan(minDist) {
		log.Debug().
			Str("ticket", pos.Ticket).
			Str("min_distance", minDist.String()).
			Msg("freeze distance blocks modification")
		return false
	}
	return true
}

// currentRegime resolves the regime governing the symbol right now, falling
// back to the regime the position was opened under.
func (m *Manager) currentRegime(meta *types.PositionMetadata) types.MarketRegime {
	if ms := m.store.LatestMarketState(meta.Symbol, meta.Timeframe); ms != nil {
		return ms.Regime
	}
	return meta.EntryRegime
}

func (m *Manager) publishClosed(pos *connector.BrokerPosition, reason string, extra types.Metadata) {
	if m.hub == nil {
		return
	}
	data := types.Metadata{
		"ticket": pos.Ticket,
		"symbol": pos.Symbol,
		"reason": reason,
	}
	for k, v := range extra {
		data[k] = v
	}
	m.hub.Publish(events.Event{Type: events.TypePositionClosed, Data: data})
}

// atrUnit recovers the ATR the position was built against: strategies stash
// it in signal metadata; otherwise it is backed out of the birth stop, which
// strategies place at ATRMultiplier times the ATR.
func atrUnit(sig *types.Signal, atrMultiplier float64) decimal.Decimal {
	if v := sig.Metadata.GetFloat("atr"); v > 0 {
		return decimal.NewFromFloat(v)
	}
	if atrMultiplier <= 0 {
		return decimal.Zero
	}
	return sig.StopDistance().Div(decimal.NewFromFloat(atrMultiplier))
}

// GetStats returns sweep counters for the operator surfaces.
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"emergency_closes": m.emergencyCloses,
		"stale_exits":      m.staleExits,
		"retunes":          m.retunes,
		"rollbacks":        m.rollbacks,
	}
}
