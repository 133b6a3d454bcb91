package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aethelgard/aethelgard/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSignal(symbol string, tf types.Timeframe) *types.Signal {
	return &types.Signal{
		Symbol:     symbol,
		Timeframe:  tf,
		Type:       types.SignalBuy,
		Confidence: decimal.NewFromFloat(0.8),
		EntryPrice: decimal.NewFromFloat(1.0895),
		StopLoss:   decimal.NewFromFloat(1.0845),
		TakeProfit: decimal.NewFromFloat(1.0995),
	}
}

// TestSaveSignalDefaults verifies identity and status allocation on first save.
func TestSaveSignalDefaults(t *testing.T) {
	s := newTestStore(t)

	sig := testSignal("EURUSD", types.TimeframeM5)
	id, err := s.SaveSignal(sig)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NotEmpty(t, sig.TraceID)

	stored := s.GetSignalByID(id)
	require.NotNil(t, stored)
	assert.Equal(t, types.StatusPending, stored.Status)
	assert.False(t, stored.Timestamp.IsZero())
	assert.True(t, stored.EntryPrice.Equal(decimal.NewFromFloat(1.0895)))
}

// TestSaveSignalIdempotent verifies that re-saving the same id is a no-op.
func TestSaveSignalIdempotent(t *testing.T) {
	s := newTestStore(t)

	sig := testSignal("EURUSD", types.TimeframeM5)
	id, err := s.SaveSignal(sig)
	require.NoError(t, err)

	dup := testSignal("EURUSD", types.TimeframeM5)
	dup.ID = id
	dup.EntryPrice = decimal.NewFromFloat(9.99)
	id2, err := s.SaveSignal(dup)
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	stored := s.GetSignalByID(id)
	require.NotNil(t, stored)
	assert.True(t, stored.EntryPrice.Equal(decimal.NewFromFloat(1.0895)),
		"second save must not overwrite the original row")

	all := s.GetSignals(SignalFilter{Symbol: "EURUSD"})
	assert.Len(t, all, 1)
}

// TestSignalLifecycle walks PENDING → EXECUTED → CLOSED and checks metadata
// merging plus ticket adoption.
func TestSignalLifecycle(t *testing.T) {
	s := newTestStore(t)

	id, err := s.SaveSignal(testSignal("GBPUSD", types.TimeframeH1))
	require.NoError(t, err)

	err = s.UpdateSignalStatus(id, types.StatusExecuted, types.Metadata{
		"ticket":       "MT5-123456",
		"filled_price": 1.2701,
	})
	require.NoError(t, err)

	stored := s.GetSignalByID(id)
	require.NotNil(t, stored)
	assert.Equal(t, types.StatusExecuted, stored.Status)
	assert.Equal(t, "MT5-123456", stored.OrderID)
	assert.Equal(t, 1.2701, stored.Metadata.GetFloat("filled_price"))

	require.NoError(t, s.UpdateSignalStatus(id, types.StatusClosed, nil))
	assert.Equal(t, types.StatusClosed, s.GetSignalByID(id).Status)
}

// TestIllegalTransitionsRejected verifies the lifecycle guard leaves the row
// untouched and surfaces ErrIllegalTransition.
func TestIllegalTransitionsRejected(t *testing.T) {
	s := newTestStore(t)

	id, err := s.SaveSignal(testSignal("EURUSD", types.TimeframeM15))
	require.NoError(t, err)

	err = s.UpdateSignalStatus(id, types.StatusClosed, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
	assert.Equal(t, types.StatusPending, s.GetSignalByID(id).Status)

	require.NoError(t, s.UpdateSignalStatus(id, types.StatusExpired, nil))
	err = s.UpdateSignalStatus(id, types.StatusExecuted, nil)
	assert.True(t, errors.Is(err, ErrIllegalTransition),
		"terminal statuses must not transition anywhere")
}

// TestHasRecentSignalDedupWindow checks the per-timeframe dedup window: M5
// dedups for 20 minutes, and only over PENDING/EXECUTED rows.
func TestHasRecentSignalDedupWindow(t *testing.T) {
	s := newTestStore(t)

	inside := testSignal("EURUSD", types.TimeframeM5)
	inside.Timestamp = time.Now().UTC().Add(-10 * time.Minute)
	_, err := s.SaveSignal(inside)
	require.NoError(t, err)

	assert.True(t, s.HasRecentSignal("EURUSD", types.SignalBuy, types.TimeframeM5))
	assert.False(t, s.HasRecentSignal("EURUSD", types.SignalSell, types.TimeframeM5),
		"dedup key includes the signal type")
	assert.False(t, s.HasRecentSignal("EURUSD", types.SignalBuy, types.TimeframeH1),
		"dedup key includes the timeframe")
	assert.False(t, s.HasRecentSignal("GBPUSD", types.SignalBuy, types.TimeframeM5))

	// Rejected rows stop counting against the window.
	require.NoError(t, s.UpdateSignalStatus(inside.ID, types.StatusRejected, nil))
	assert.False(t, s.HasRecentSignal("EURUSD", types.SignalBuy, types.TimeframeM5))

	outside := testSignal("EURUSD", types.TimeframeM5)
	outside.Timestamp = time.Now().UTC().Add(-25 * time.Minute)
	_, err = s.SaveSignal(outside)
	require.NoError(t, err)
	assert.False(t, s.HasRecentSignal("EURUSD", types.SignalBuy, types.TimeframeM5),
		"signals older than the M5 window must not dedup")
}

// TestHasOpenPosition tracks EXECUTED rows per symbol.
func TestHasOpenPosition(t *testing.T) {
	s := newTestStore(t)

	id, err := s.SaveSignal(testSignal("XAUUSD", types.TimeframeH4))
	require.NoError(t, err)
	assert.False(t, s.HasOpenPosition("XAUUSD"))

	require.NoError(t, s.UpdateSignalStatus(id, types.StatusExecuted, nil))
	assert.True(t, s.HasOpenPosition("XAUUSD"))
	assert.False(t, s.HasOpenPosition("EURUSD"))

	require.NoError(t, s.UpdateSignalStatus(id, types.StatusClosed, nil))
	assert.False(t, s.HasOpenPosition("XAUUSD"))
}

// TestCountExecutedSignals buckets by UTC date including closed trades.
func TestCountExecutedSignals(t *testing.T) {
	s := newTestStore(t)

	a, err := s.SaveSignal(testSignal("EURUSD", types.TimeframeM5))
	require.NoError(t, err)
	require.NoError(t, s.UpdateSignalStatus(a, types.StatusExecuted, nil))

	b, err := s.SaveSignal(testSignal("GBPUSD", types.TimeframeM5))
	require.NoError(t, err)
	require.NoError(t, s.UpdateSignalStatus(b, types.StatusExecuted, nil))
	require.NoError(t, s.UpdateSignalStatus(b, types.StatusClosed, nil))

	// Pending rows never count.
	_, err = s.SaveSignal(testSignal("USDJPY", types.TimeframeM5))
	require.NoError(t, err)

	today := time.Now().UTC().Format("2006-01-02")
	assert.Equal(t, 2, s.CountExecutedSignals(today))
	assert.Equal(t, 0, s.CountExecutedSignals("2020-01-01"))
}

// TestTradeResultOnePerSignal verifies idempotent save and the win-rate math.
func TestTradeResultOnePerSignal(t *testing.T) {
	s := newTestStore(t)

	tr := &types.TradeResult{
		SignalID:   "sig-1",
		Symbol:     "EURUSD",
		ProfitLoss: decimal.NewFromFloat(42.5),
	}
	require.NoError(t, s.SaveTradeResult(tr))
	assert.True(t, tr.IsWin)

	dup := &types.TradeResult{SignalID: "sig-1", Symbol: "EURUSD", ProfitLoss: decimal.NewFromFloat(-10)}
	require.NoError(t, s.SaveTradeResult(dup))
	assert.Len(t, s.GetRecentTrades(0), 1, "one result per signal")

	require.NoError(t, s.SaveTradeResult(&types.TradeResult{
		SignalID: "sig-2", Symbol: "GBPUSD", ProfitLoss: decimal.NewFromFloat(-20),
	}))

	rate, n := s.GetWinRate(7)
	assert.Equal(t, 2, n)
	assert.InDelta(t, 0.5, rate, 1e-9)

	bySymbol := s.GetProfitBySymbol(7)
	assert.True(t, bySymbol["EURUSD"].Equal(decimal.NewFromFloat(42.5)))
	assert.True(t, bySymbol["GBPUSD"].Equal(decimal.NewFromFloat(-20)))
}

// TestCountConsecutiveLosses counts backwards from the latest close.
func TestCountConsecutiveLosses(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	seq := []float64{10, -5, -7, -3}
	for i, pnl := range seq {
		require.NoError(t, s.SaveTradeResult(&types.TradeResult{
			SignalID:   string(rune('a' + i)),
			Symbol:     "EURUSD",
			ProfitLoss: decimal.NewFromFloat(pnl),
			ClosedAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}
	assert.Equal(t, 3, s.CountConsecutiveLosses())
}

// TestSystemStateDefaults verifies the seeded keys read back as a coherent
// typed view.
func TestSystemStateDefaults(t *testing.T) {
	s := newTestStore(t)

	st, err := s.GetSystemState()
	require.NoError(t, err)
	assert.False(t, st.LockdownMode)
	assert.Equal(t, 0, st.ConsecutiveLosses)
	assert.True(t, st.LockdownBalance.IsZero())
	assert.True(t, st.ModulesEnabled["scanner"])
	assert.True(t, st.ModulesEnabled["executor"])
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), st.SessionStats.Date)
}

// TestUpdateSystemStatePatch verifies the shallow merge touches only named
// keys and decimals survive the round trip exactly.
func TestUpdateSystemStatePatch(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateSystemState(map[string]interface{}{
		"lockdown_mode":      true,
		"lockdown_balance":   decimal.NewFromFloat(9876.54),
		"consecutive_losses": 3,
	})
	require.NoError(t, err)

	st, err := s.GetSystemState()
	require.NoError(t, err)
	assert.True(t, st.LockdownMode)
	assert.Equal(t, 3, st.ConsecutiveLosses)
	assert.True(t, st.LockdownBalance.Equal(decimal.NewFromFloat(9876.54)))
	assert.True(t, st.ModulesEnabled["scanner"], "untouched keys keep their values")
}

// TestDynamicParamsMergePatch verifies nested merge, version bump, cache
// invalidation and validation.
func TestDynamicParamsMergePatch(t *testing.T) {
	s := newTestStore(t)

	p, err := s.GetDynamicParams()
	require.NoError(t, err)
	assert.True(t, p.RiskPerTrade.Equal(decimal.NewFromFloat(0.01)))
	v1 := s.ParamsVersion()

	merged, err := s.UpdateDynamicParams(map[string]interface{}{
		"risk_per_trade": 0.02,
		"strategy":       map[string]interface{}{"adx_threshold": 30},
	})
	require.NoError(t, err)
	assert.True(t, merged.RiskPerTrade.Equal(decimal.NewFromFloat(0.02)))
	assert.Equal(t, 30.0, merged.Strategy.ADXThreshold)
	assert.Equal(t, 14, merged.Strategy.ADXPeriod, "nested merge keeps sibling fields")
	assert.Equal(t, v1+1, s.ParamsVersion())

	// Cache must serve the merged document.
	fresh, err := s.GetDynamicParams()
	require.NoError(t, err)
	assert.True(t, fresh.RiskPerTrade.Equal(decimal.NewFromFloat(0.02)))

	// An out-of-range patch is rejected wholesale.
	_, err = s.UpdateDynamicParams(map[string]interface{}{"risk_per_trade": 0.5})
	require.Error(t, err)
	after, err := s.GetDynamicParams()
	require.NoError(t, err)
	assert.True(t, after.RiskPerTrade.Equal(decimal.NewFromFloat(0.02)))
}

// TestAssetProfileLookup checks seeded profiles, cache reads and the
// nil-for-unknown contract.
func TestAssetProfileLookup(t *testing.T) {
	s := newTestStore(t)

	p := s.GetAssetProfile("EURUSD", "trace-1")
	require.NotNil(t, p)
	assert.True(t, p.ContractSize.Equal(decimal.NewFromInt(100000)))
	assert.True(t, p.PipSize.Equal(decimal.NewFromFloat(0.0001)))

	assert.Nil(t, s.GetAssetProfile("DOGEUSD", "trace-2"))

	p.MinScore = 70
	require.NoError(t, s.SaveAssetProfile(p))
	assert.Equal(t, 70.0, s.GetAssetProfile("EURUSD", "trace-3").MinScore)

	symbols := s.EnabledSymbols()
	assert.Contains(t, symbols, "EURUSD")
	assert.NotContains(t, symbols, "US500", "disabled instruments stay out of the scan set")
}

// TestPositionModificationRollback verifies the counter, the previous SL/TP
// stash and the rollback path.
func TestPositionModificationRollback(t *testing.T) {
	s := newTestStore(t)

	pm := &types.PositionMetadata{
		Ticket:     "T-1",
		SignalID:   "sig-1",
		Symbol:     "EURUSD",
		EntryPrice: decimal.NewFromFloat(1.0895),
		StopLoss:   decimal.NewFromFloat(1.0845),
		TakeProfit: decimal.NewFromFloat(1.0995),
		Volume:     decimal.NewFromFloat(0.5),
	}
	require.NoError(t, s.SavePositionMetadata(pm))
	assert.Equal(t, 0, s.ModificationsToday("T-1"))

	err := s.RecordPositionModification("T-1",
		decimal.NewFromFloat(1.0860), decimal.NewFromFloat(1.1010))
	require.NoError(t, err)
	assert.Equal(t, 1, s.ModificationsToday("T-1"))

	got := s.GetPositionMetadata("T-1")
	require.NotNil(t, got)
	assert.True(t, got.StopLoss.Equal(decimal.NewFromFloat(1.0860)))
	assert.True(t, got.PrevStopLoss.Equal(decimal.NewFromFloat(1.0845)))

	require.NoError(t, s.RollbackPositionModification("T-1"))
	got = s.GetPositionMetadata("T-1")
	assert.True(t, got.StopLoss.Equal(decimal.NewFromFloat(1.0845)))
	assert.Equal(t, 0, s.ModificationsToday("T-1"))

	require.NoError(t, s.DeletePositionMetadata("T-1"))
	assert.Nil(t, s.GetPositionMetadata("T-1"))
}

// TestCheckpointRoundTrip covers the closure-listener cursor.
func TestCheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)

	assert.Empty(t, s.GetCheckpoint("closure_listener"))
	require.NoError(t, s.SaveCheckpoint("closure_listener", "2026-08-25T10:00:00Z"))
	assert.Equal(t, "2026-08-25T10:00:00Z", s.GetCheckpoint("closure_listener"))

	require.NoError(t, s.SaveCheckpoint("closure_listener", "2026-08-25T11:00:00Z"))
	assert.Equal(t, "2026-08-25T11:00:00Z", s.GetCheckpoint("closure_listener"))
}

// TestCoherenceAndRejectionAudit covers the append-only audit tables.
func TestCoherenceAndRejectionAudit(t *testing.T) {
	s := newTestStore(t)

	err := s.LogCoherenceEvent(&types.CoherenceEvent{
		SignalID: "sig-1",
		Stage:    "execution",
		Status:   "ORPHANED",
		Reason:   "broker position without metadata",
	})
	require.NoError(t, err)
	events := s.GetRecentCoherenceEvents(time.Hour)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)

	err = s.SaveRejectionAudit(&types.RejectionAudit{
		TraceID:     "GOV-deadbeef",
		Symbol:      "EURUSD",
		RCalculated: decimal.NewFromFloat(10),
		RLimit:      decimal.NewFromFloat(2),
		Reason:      "r unit exceeds limit",
	})
	require.NoError(t, err)
	rejects := s.GetRecentRejections(time.Hour)
	require.Len(t, rejects, 1)
	assert.Equal(t, "GOV-deadbeef", rejects[0].TraceID)
}

// TestMarketStateHistory verifies snapshot ordering for hysteresis reads.
func TestMarketStateHistory(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i, regime := range []types.MarketRegime{types.RegimeRange, types.RegimeRange, types.RegimeTrend} {
		require.NoError(t, s.LogMarketState(&types.MarketState{
			Symbol:    "EURUSD",
			Timeframe: types.TimeframeH1,
			Regime:    regime,
			ADX:       20 + float64(i)*5,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	history := s.GetMarketStateHistory("EURUSD", types.TimeframeH1, 2)
	require.Len(t, history, 2)
	assert.Equal(t, types.RegimeTrend, history[0].Regime, "newest first")

	latest := s.LatestMarketState("EURUSD", types.TimeframeH1)
	require.NotNil(t, latest)
	assert.Equal(t, types.RegimeTrend, latest.Regime)
	assert.Nil(t, s.LatestMarketState("GBPUSD", types.TimeframeH1))
}
