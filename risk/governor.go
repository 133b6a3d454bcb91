package risk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/aethelgard/aethelgard/connector"
	"github.com/aethelgard/aethelgard/internal/monitoring"
	"github.com/aethelgard/aethelgard/storage"
	"github.com/aethelgard/aethelgard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK GOVERNOR - Central approval system
// ═══════════════════════════════════════════════════════════════════════════════
//
// Factory produces → Governor approves/rejects → Executor executes
//
// Every candidate order passes through CanTakeNewTrade exactly once. The
// governor owns the global lockdown state machine and the consecutive-loss
// counter; everything else reads them through its public API.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// restPeriod is how long the system must sit idle after the last trade
	// before a lockdown releases on rest alone.
	restPeriod = 24 * time.Hour

	// extremeFearIndex / extremeGreedIndex bound the sentiment veto: an
	// index at or below fear blocks new longs, at or above greed blocks
	// new shorts.
	extremeFearIndex  = 20
	extremeGreedIndex = 80
)

// recoveryFactor is the balance multiple that releases a lockdown: current
// balance >= 102% of the balance snapshotted when the lockdown engaged.
var recoveryFactor = decimal.NewFromFloat(1.02)

// maxSpreadFraction is the liquidity ceiling: the live spread may not exceed
// this fraction of the signal's stop distance.
var maxSpreadFraction = decimal.NewFromFloat(0.10)

// SentimentSource supplies the latest market sentiment index (0-100).
// ok is false when no fresh reading is available; the veto is then skipped.
type SentimentSource interface {
	Index() (int, bool)
}

// NotifyFunc receives operator-facing governor alerts (vetoes, lockdown
// transitions, circuit-breaker trips).
type NotifyFunc func(subject, detail string)

// Governor is the single gate between candidate signals and the executor.
type Governor struct {
	store     *storage.Store
	sentiment SentimentSource

	mu sync.RWMutex

	// capital mirrors the account balance as of the last refresh or trade
	// result; it backs the recovery release condition between refreshes.
	capital           decimal.Decimal
	lockdown          bool
	lockdownDate      string
	lockdownBalance   decimal.Decimal
	consecutiveLosses int
	lastTradeTime     time.Time

	approved int
	vetoed   int

	notify     NotifyFunc
	onLockdown func(locked bool, reason string)

	breaker *sizingBreaker
}

// NewGovernor restores the lockdown machine from storage and arms the
// position-sizing circuit breaker.
func NewGovernor(store *storage.Store) *Governor {
	g := &Governor{
		store:   store,
		capital: decimal.Zero,
	}
	g.breaker = newSizingBreaker(g)

	if st, err := store.GetSystemState(); err == nil {
		g.lockdown = st.LockdownMode
		g.lockdownDate = st.LockdownDate
		g.lockdownBalance = st.LockdownBalance
		g.consecutiveLosses = st.ConsecutiveLosses
		g.lastTradeTime = st.LastTradeTime
	} else {
		log.Error().Err(err).Msg("governor state restore failed, starting clean")
	}

	log.Info().
		Bool("lockdown", g.lockdown).
		Int("consecutive_losses", g.consecutiveLosses).
		Dur("sizing_breaker_cooldown", g.breaker.cooldown).
		Msg("🛡️ Risk governor ready")
	return g
}

// SetSentimentSource wires the sentiment poller. Nil disables the veto.
func (g *Governor) SetSentimentSource(src SentimentSource) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sentiment = src
}

// SetNotifyFunc wires the operator notification sink. Nil disables dispatch.
func (g *Governor) SetNotifyFunc(fn NotifyFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notify = fn
}

// OnLockdownChange sets the callback fired on every lockdown transition.
func (g *Governor) OnLockdownChange(fn func(locked bool, reason string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onLockdown = fn
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRADE APPROVAL
// ═══════════════════════════════════════════════════════════════════════════════

// CanTakeNewTrade runs the full policy chain over a candidate signal:
// instrument enabled → liquidity → score floor → sentiment → R-unit veto →
// account risk cap → lockdown. The returned reason is machine-readable
// (it starts with one of the rejection-reason constants).
func (g *Governor) CanTakeNewTrade(ctx context.Context, sig *types.Signal, conn connector.Connector) (bool, string) {
	params, err := g.store.GetDynamicParams()
	if err != nil {
		log.Error().Err(err).Str("trace_id", sig.TraceID).Msg("governor cannot read params")
		return false, types.ReasonInvalidData
	}

	reject := func(reason string) (bool, string) {
		g.mu.Lock()
		g.vetoed++
		g.mu.Unlock()
		monitoring.RecordVeto(reason)
		log.Debug().
			Str("trace_id", sig.TraceID).
			Str("symbol", sig.Symbol).
			Str("reason", reason).
			Msg("🚫 Trade vetoed")
		return false, reason
	}

	// 1. Instrument must be normalized and enabled.
	profile := g.store.GetAssetProfile(sig.Symbol, sig.TraceID)
	if profile == nil || !profile.Enabled {
		return reject(types.ReasonInstrumentDisabled)
	}

	// 2. Liquidity: live quote present, spread small relative to the stop
	// distance, requested volume above the venue minimum.
	info, err := conn.GetSymbolInfo(ctx, sig.Symbol)
	if err != nil || info == nil {
		return reject(types.ReasonLiquidity)
	}
	if info.Bid.IsPositive() && info.Ask.IsPositive() {
		spread := info.Ask.Sub(info.Bid)
		if dist := sig.StopDistance(); dist.IsPositive() && spread.GreaterThan(dist.Mul(maxSpreadFraction)) {
			return reject(types.ReasonLiquidity)
		}
	}
	if sig.Volume.IsPositive() && sig.Volume.LessThan(info.VolumeMin) {
		return reject(types.ReasonLiquidity)
	}

	// 3. Score floor: per-instrument override, else the global strategy
	// minimum.
	minScore := profile.MinScore
	if minScore <= 0 {
		minScore = params.Strategy.MinScore
	}
	if sig.Score() < minScore {
		return reject(types.ReasonLowScore)
	}

	// 4. Sentiment veto: extreme readings block trades leaning into them.
	g.mu.RLock()
	sentiment := g.sentiment
	g.mu.RUnlock()
	if sentiment != nil {
		if idx, ok := sentiment.Index(); ok {
			if idx <= extremeFearIndex && sig.Type == types.SignalBuy {
				return reject(types.ReasonSentimentVeto)
			}
			if idx >= extremeGreedIndex && sig.Type == types.SignalSell {
				return reject(types.ReasonSentimentVeto)
			}
		}
	}

	// 5. Safety Governor R-unit veto. Needs the live balance.
	balance, err := conn.GetAccountBalance(ctx)
	if err != nil || !balance.IsPositive() {
		return reject(types.ReasonConnection)
	}
	if ok, reason := g.checkRUnit(sig, profile, balance, params.MaxRPerTrade); !ok {
		g.mu.Lock()
		g.vetoed++
		g.mu.Unlock()
		monitoring.RecordVeto(types.ReasonSafetyGovernor)
		return false, reason
	}

	// 6. Account risk cap: open risk plus this trade's target risk must
	// stay inside the aggregate ceiling.
	openRisk := decimal.Zero
	for _, pm := range g.store.GetAllPositionMetadata() {
		openRisk = openRisk.Add(pm.InitialRiskUSD)
	}
	newRisk := balance.Mul(params.RiskPerTrade)
	if openRisk.Add(newRisk).GreaterThan(balance.Mul(params.MaxAccountRiskPct)) {
		return reject(types.ReasonAccountRiskCap)
	}

	// 7. Lockdown. The balance in hand doubles as the recovery probe.
	if g.isLockedAt(balance, time.Now().UTC()) {
		return reject(types.ReasonLockdown)
	}

	g.mu.Lock()
	g.approved++
	g.capital = balance
	g.mu.Unlock()

	log.Info().
		Str("trace_id", sig.TraceID).
		Str("symbol", sig.Symbol).
		Str("type", string(sig.Type)).
		Float64("score", sig.Score()).
		Msg("✅ Trade approved")
	return true, ""
}

// checkRUnit applies the Safety Governor veto:
// R = |entry − SL| × contract_size ÷ balance × 100, veto iff R strictly
// exceeds max_r_per_trade. A missing stop skips the check; it is not a
// reason to block on its own.
func (g *Governor) checkRUnit(sig *types.Signal, profile *types.AssetProfile, balance, maxR decimal.Decimal) (bool, string) {
	if !sig.StopLoss.IsPositive() {
		return true, ""
	}

	r := sig.StopDistance().
		Mul(profile.ContractSize).
		Div(balance).
		Mul(decimal.NewFromInt(100))
	if r.LessThanOrEqual(maxR) {
		return true, ""
	}

	audit := &types.RejectionAudit{
		TraceID:     newGovernorTrace(),
		Timestamp:   time.Now().UTC(),
		Symbol:      sig.Symbol,
		RCalculated: r,
		RLimit:      maxR,
		Reason:      fmt.Sprintf("R %s exceeds max_r_per_trade %s", r.StringFixed(4), maxR.StringFixed(4)),
	}
	if err := g.store.SaveRejectionAudit(audit); err != nil {
		log.Error().Err(err).Str("trace_id", audit.TraceID).Msg("rejection audit write failed")
	}

	log.Warn().
		Str("trace_id", audit.TraceID).
		Str("symbol", sig.Symbol).
		Str("r_calculated", r.StringFixed(4)).
		Str("r_limit", maxR.StringFixed(4)).
		Msg("🛡️ Safety Governor veto")
	g.notifyf("🛡️ Safety Governor veto",
		fmt.Sprintf("%s %s R=%s limit=%s trace=%s",
			sig.Symbol, sig.Type, r.StringFixed(2), maxR.StringFixed(2), audit.TraceID))

	return false, fmt.Sprintf("%s R=%s limit=%s trace=%s",
		types.ReasonSafetyGovernor, r.StringFixed(4), maxR.StringFixed(4), audit.TraceID)
}

// newGovernorTrace allocates a "GOV-" + 8 hex audit trace id.
func newGovernorTrace() string {
	return "GOV-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOCKDOWN STATE MACHINE
// ═══════════════════════════════════════════════════════════════════════════════
//
// States {OPEN, LOCKED}. OPEN → LOCKED when consecutive losses reach the
// configured threshold. LOCKED → OPEN on a winning trade, on 24h of rest
// since the last trade, or on balance recovering to 102% of the lockdown
// snapshot. Every transition is persisted through one system-state patch.
//
// ═══════════════════════════════════════════════════════════════════════════════

// RecordTradeResult feeds a closed trade into the lockdown machine: capital
// update, loss counter, threshold check. Persists the resulting state
// atomically.
func (g *Governor) RecordTradeResult(isWin bool, pnl decimal.Decimal) error {
	params, err := g.store.GetDynamicParams()
	if err != nil {
		return fmt.Errorf("record trade result: %w", err)
	}
	now := time.Now().UTC()

	g.mu.Lock()
	g.capital = g.capital.Add(pnl)
	g.lastTradeTime = now
	patch := map[string]interface{}{"last_trade_time": now}

	var announce []func()
	if isWin {
		g.consecutiveLosses = 0
		if g.lockdown {
			announce = append(announce, g.releaseLocked(patch, "winning trade recorded"))
		}
	} else {
		g.consecutiveLosses++
		if !g.lockdown && g.consecutiveLosses >= params.MaxConsecutiveLosses {
			announce = append(announce, g.engageLocked(patch, now))
		}
	}
	patch["consecutive_losses"] = g.consecutiveLosses
	losses := g.consecutiveLosses
	locked := g.lockdown
	g.mu.Unlock()

	if err := g.store.UpdateSystemState(patch); err != nil {
		return fmt.Errorf("persist trade result state: %w", err)
	}
	for _, fn := range announce {
		fn()
	}
	monitoring.RecordTradeOutcome(isWin)
	monitoring.SetConsecutiveLosses(losses)
	monitoring.SetLockdown(locked)

	if isWin {
		log.Info().Str("pnl", pnl.StringFixed(2)).Msg("📈 Win recorded")
	} else {
		log.Warn().
			Str("pnl", pnl.StringFixed(2)).
			Int("consecutive_losses", losses).
			Msg("📉 Loss recorded")
	}
	return nil
}

// IsLocked reports the lockdown state, releasing it first when a rest or
// recovery condition is already met.
func (g *Governor) IsLocked() bool {
	g.mu.RLock()
	capital := g.capital
	g.mu.RUnlock()
	return g.isLockedAt(capital, time.Now().UTC())
}

// SetBalance refreshes the governor's view of the account balance (initial
// load and periodic refresh). A refresh can satisfy the recovery release.
func (g *Governor) SetBalance(balance decimal.Decimal) {
	g.mu.Lock()
	g.capital = balance
	g.mu.Unlock()
	g.isLockedAt(balance, time.Now().UTC())
}

// isLockedAt evaluates the release conditions against a balance probe and
// the clock, releasing and persisting when one holds.
func (g *Governor) isLockedAt(balance decimal.Decimal, now time.Time) bool {
	g.mu.Lock()
	if !g.lockdown {
		g.mu.Unlock()
		return false
	}

	reason := ""
	if !g.lastTradeTime.IsZero() && now.Sub(g.lastTradeTime) >= restPeriod {
		reason = "rest period elapsed"
	} else if balance.IsPositive() && g.lockdownBalance.IsPositive() &&
		balance.GreaterThanOrEqual(g.lockdownBalance.Mul(recoveryFactor)) {
		reason = fmt.Sprintf("balance recovered to %s (snapshot %s)",
			balance.StringFixed(2), g.lockdownBalance.StringFixed(2))
	}
	if reason == "" {
		g.mu.Unlock()
		return true
	}

	patch := map[string]interface{}{"consecutive_losses": 0}
	announce := g.releaseLocked(patch, reason)
	g.mu.Unlock()

	if err := g.store.UpdateSystemState(patch); err != nil {
		log.Error().Err(err).Msg("lockdown release persist failed")
	}
	announce()
	monitoring.SetLockdown(false)
	monitoring.SetConsecutiveLosses(0)
	return false
}

// engageLocked flips the machine to LOCKED, snapshotting balance and date.
// Caller holds g.mu; the returned closure announces outside the lock.
func (g *Governor) engageLocked(patch map[string]interface{}, now time.Time) func() {
	g.lockdown = true
	g.lockdownBalance = g.capital
	g.lockdownDate = now.Format("2006-01-02")

	patch["lockdown_mode"] = true
	patch["lockdown_balance"] = g.lockdownBalance
	patch["lockdown_date"] = g.lockdownDate

	losses := g.consecutiveLosses
	balance := g.lockdownBalance
	notify, onLockdown := g.notify, g.onLockdown
	return func() {
		log.Error().
			Int("consecutive_losses", losses).
			Str("balance", balance.StringFixed(2)).
			Msg("🚨 LOCKDOWN ENGAGED")
		if notify != nil {
			notify("🚨 Lockdown engaged",
				fmt.Sprintf("%d consecutive losses, balance snapshot %s", losses, balance.StringFixed(2)))
		}
		if onLockdown != nil {
			onLockdown(true, "consecutive losses")
		}
	}
}

// releaseLocked flips the machine back to OPEN. Caller holds g.mu; the
// returned closure announces outside the lock.
func (g *Governor) releaseLocked(patch map[string]interface{}, reason string) func() {
	g.lockdown = false
	g.consecutiveLosses = 0
	patch["lockdown_mode"] = false

	notify, onLockdown := g.notify, g.onLockdown
	return func() {
		log.Info().Str("reason", reason).Msg("✅ Lockdown released")
		if notify != nil {
			notify("✅ Lockdown released", reason)
		}
		if onLockdown != nil {
			onLockdown(false, reason)
		}
	}
}

// notifyf dispatches an operator alert when a sink is wired.
func (g *Governor) notifyf(subject, detail string) {
	g.mu.RLock()
	notify := g.notify
	g.mu.RUnlock()
	if notify != nil {
		notify(subject, detail)
	}
}

// GetStats returns the governor's current state for /stats and the bot.
func (g *Governor) GetStats() map[string]interface{} {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return map[string]interface{}{
		"capital":            g.capital.StringFixed(2),
		"lockdown":           g.lockdown,
		"lockdown_date":      g.lockdownDate,
		"lockdown_balance":   g.lockdownBalance.StringFixed(2),
		"consecutive_losses": g.consecutiveLosses,
		"approved":           g.approved,
		"vetoed":             g.vetoed,
		"sizing_breaker":     g.breaker.state(),
	}
}
