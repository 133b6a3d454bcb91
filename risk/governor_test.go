package risk

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aethelgard/aethelgard/connector"
	"github.com/aethelgard/aethelgard/storage"
	"github.com/aethelgard/aethelgard/types"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "risk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestVenue(t *testing.T, balance float64) *connector.Paper {
	t.Helper()
	paper := connector.NewPaper(nil, decimal.NewFromFloat(balance))
	require.NoError(t, paper.Connect(context.Background()))
	return paper
}

// buySignal builds a candidate that clears every policy except the ones a
// test bends on purpose.
func buySignal(symbol string, entry, sl float64) *types.Signal {
	return &types.Signal{
		ID:         "sig-risk-1",
		TraceID:    "trace-risk-1",
		Symbol:     symbol,
		Timeframe:  types.TimeframeM5,
		Type:       types.SignalBuy,
		Confidence: decimal.NewFromFloat(0.8),
		EntryPrice: decimal.NewFromFloat(entry),
		StopLoss:   decimal.NewFromFloat(sl),
		TakeProfit: decimal.NewFromFloat(entry + 2*(entry-sl)),
		Timestamp:  time.Now().UTC(),
	}
}

type fakeSentiment struct {
	idx int
	ok  bool
}

func (f fakeSentiment) Index() (int, bool) { return f.idx, f.ok }

// TestCanTakeNewTradeApproves walks a clean candidate through the whole
// chain. A 20-pip stop on EURUSD at 10k balance sits exactly on the R
// boundary, which must pass.
func TestCanTakeNewTradeApproves(t *testing.T) {
	g := NewGovernor(newTestStore(t))
	venue := newTestVenue(t, 10000)

	ok, reason := g.CanTakeNewTrade(context.Background(), buySignal("EURUSD", 1.0850, 1.0830), venue)
	assert.True(t, ok, "boundary R must pass: %s", reason)
	assert.Empty(t, reason)

	stats := g.GetStats()
	assert.Equal(t, 1, stats["approved"])
	assert.Equal(t, 0, stats["vetoed"])
}

// TestSafetyGovernorVeto checks the R-unit ceiling: a 100-pip stop at 10k
// balance yields R=10 against a limit of 2, and the veto leaves an audit
// trail with a GOV- trace.
func TestSafetyGovernorVeto(t *testing.T) {
	store := newTestStore(t)
	g := NewGovernor(store)
	venue := newTestVenue(t, 10000)

	ok, reason := g.CanTakeNewTrade(context.Background(), buySignal("EURUSD", 1.0850, 1.0750), venue)
	require.False(t, ok)
	assert.True(t, strings.HasPrefix(reason, types.ReasonSafetyGovernor),
		"reason %q must lead with the governor tag", reason)

	audits := store.GetRecentRejections(time.Minute)
	require.Len(t, audits, 1)
	assert.True(t, strings.HasPrefix(audits[0].TraceID, "GOV-"))
	assert.Len(t, audits[0].TraceID, len("GOV-")+8)
	assert.Equal(t, "EURUSD", audits[0].Symbol)
	assert.True(t, audits[0].RCalculated.Equal(decimal.NewFromInt(10)),
		"R should be 10, got %s", audits[0].RCalculated)
	assert.True(t, audits[0].RLimit.Equal(decimal.NewFromFloat(2.0)))
}

// TestMissingStopSkipsRCheck verifies a zero stop loss does not block a
// trade on its own.
func TestMissingStopSkipsRCheck(t *testing.T) {
	g := NewGovernor(newTestStore(t))
	venue := newTestVenue(t, 10000)

	sig := buySignal("EURUSD", 1.0850, 1.0830)
	sig.StopLoss = decimal.Zero

	ok, reason := g.CanTakeNewTrade(context.Background(), sig, venue)
	assert.True(t, ok, "unexpected veto: %s", reason)
}

// TestInstrumentVetoes covers disabled and unknown instruments.
func TestInstrumentVetoes(t *testing.T) {
	g := NewGovernor(newTestStore(t))
	venue := newTestVenue(t, 10000)

	// US500 is seeded disabled.
	ok, reason := g.CanTakeNewTrade(context.Background(), buySignal("US500", 5000, 4999), venue)
	assert.False(t, ok)
	assert.Equal(t, types.ReasonInstrumentDisabled, reason)

	ok, reason = g.CanTakeNewTrade(context.Background(), buySignal("DOGEUSD", 0.1, 0.099), venue)
	assert.False(t, ok)
	assert.Equal(t, types.ReasonInstrumentDisabled, reason)
}

// TestLiquidityVeto rejects when the live spread dwarfs the stop distance.
func TestLiquidityVeto(t *testing.T) {
	g := NewGovernor(newTestStore(t))
	venue := newTestVenue(t, 10000)
	venue.SetQuote("EURUSD", decimal.NewFromFloat(1.0840), decimal.NewFromFloat(1.0860))

	// 20-pip stop vs 20-pip spread: spread is 100% of the stop distance.
	ok, reason := g.CanTakeNewTrade(context.Background(), buySignal("EURUSD", 1.0850, 1.0830), venue)
	assert.False(t, ok)
	assert.Equal(t, types.ReasonLiquidity, reason)
}

// TestLowScoreVeto enforces the per-instrument score floor.
func TestLowScoreVeto(t *testing.T) {
	g := NewGovernor(newTestStore(t))
	venue := newTestVenue(t, 10000)

	sig := buySignal("EURUSD", 1.0850, 1.0830)
	sig.Confidence = decimal.NewFromFloat(0.3) // score 30 < seeded floor 55

	ok, reason := g.CanTakeNewTrade(context.Background(), sig, venue)
	assert.False(t, ok)
	assert.Equal(t, types.ReasonLowScore, reason)
}

// TestSentimentVeto blocks longs into extreme fear and shorts into extreme
// greed, and only those.
func TestSentimentVeto(t *testing.T) {
	g := NewGovernor(newTestStore(t))
	venue := newTestVenue(t, 10000)

	g.SetSentimentSource(fakeSentiment{idx: 10, ok: true})
	ok, reason := g.CanTakeNewTrade(context.Background(), buySignal("EURUSD", 1.0850, 1.0830), venue)
	assert.False(t, ok)
	assert.Equal(t, types.ReasonSentimentVeto, reason)

	sell := buySignal("EURUSD", 1.0850, 1.0870)
	sell.Type = types.SignalSell
	sell.TakeProfit = decimal.NewFromFloat(1.0810)
	ok, _ = g.CanTakeNewTrade(context.Background(), sell, venue)
	assert.True(t, ok, "extreme fear must not block shorts")

	g.SetSentimentSource(fakeSentiment{idx: 90, ok: true})
	ok, reason = g.CanTakeNewTrade(context.Background(), sell, venue)
	assert.False(t, ok)
	assert.Equal(t, types.ReasonSentimentVeto, reason)

	// Stale readings never veto.
	g.SetSentimentSource(fakeSentiment{idx: 5, ok: false})
	ok, _ = g.CanTakeNewTrade(context.Background(), buySignal("EURUSD", 1.0850, 1.0830), venue)
	assert.True(t, ok)
}

// TestAccountRiskCapVeto rejects once aggregate open risk plus the new
// trade's budget would pierce max_account_risk_pct.
func TestAccountRiskCapVeto(t *testing.T) {
	store := newTestStore(t)
	g := NewGovernor(store)
	venue := newTestVenue(t, 10000)

	// 5.5% of the account already at risk; a fresh 1% breaks the 6% cap.
	for i, risk := range []float64{200, 150, 100, 50, 50} {
		require.NoError(t, store.SavePositionMetadata(&types.PositionMetadata{
			Ticket:         "T-" + string(rune('a'+i)),
			SignalID:       "sig-" + string(rune('a'+i)),
			Symbol:         "GBPUSD",
			EntryPrice:     decimal.NewFromFloat(1.27),
			Volume:         decimal.NewFromFloat(0.1),
			InitialRiskUSD: decimal.NewFromFloat(risk),
		}))
	}

	ok, reason := g.CanTakeNewTrade(context.Background(), buySignal("EURUSD", 1.0850, 1.0830), venue)
	assert.False(t, ok)
	assert.Equal(t, types.ReasonAccountRiskCap, reason)
}

// TestLockdownTrigger records three losses and expects the machine to lock,
// persist its snapshot, and reject new trades until a win releases it.
func TestLockdownTrigger(t *testing.T) {
	store := newTestStore(t)
	g := NewGovernor(store)
	venue := newTestVenue(t, 10000)
	g.SetBalance(decimal.NewFromFloat(10000))

	for i := 0; i < 3; i++ {
		require.NoError(t, g.RecordTradeResult(false, decimal.NewFromInt(-100)))
	}

	assert.True(t, g.IsLocked())
	st, err := store.GetSystemState()
	require.NoError(t, err)
	assert.True(t, st.LockdownMode)
	assert.Equal(t, 3, st.ConsecutiveLosses)
	assert.True(t, st.LockdownBalance.Equal(decimal.NewFromFloat(9700)),
		"snapshot should be the balance after the third loss, got %s", st.LockdownBalance)
	assert.NotEmpty(t, st.LockdownDate)

	ok, reason := g.CanTakeNewTrade(context.Background(), buySignal("EURUSD", 1.0850, 1.0830), venue)
	assert.False(t, ok)
	assert.Equal(t, types.ReasonLockdown, reason)

	// A winning trade releases.
	require.NoError(t, g.RecordTradeResult(true, decimal.NewFromInt(150)))
	assert.False(t, g.IsLocked())
	st, err = store.GetSystemState()
	require.NoError(t, err)
	assert.False(t, st.LockdownMode)
	assert.Equal(t, 0, st.ConsecutiveLosses)

	ok, _ = g.CanTakeNewTrade(context.Background(), buySignal("EURUSD", 1.0850, 1.0830), venue)
	assert.True(t, ok)
}

// TestLockdownBalanceRecovery releases once the balance refresh reaches 102%
// of the lockdown snapshot.
func TestLockdownBalanceRecovery(t *testing.T) {
	g := NewGovernor(newTestStore(t))
	g.SetBalance(decimal.NewFromFloat(10000))
	for i := 0; i < 3; i++ {
		require.NoError(t, g.RecordTradeResult(false, decimal.NewFromInt(-100)))
	}
	require.True(t, g.IsLocked())

	// 9700 * 1.02 = 9894. Just below stays locked.
	g.SetBalance(decimal.NewFromFloat(9893))
	assert.True(t, g.IsLocked())

	g.SetBalance(decimal.NewFromFloat(9894))
	assert.False(t, g.IsLocked())
}

// TestLockdownRestRelease restores a locked governor whose last trade is a
// day old and expects the rest condition to release it.
func TestLockdownRestRelease(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.UpdateSystemState(map[string]interface{}{
		"lockdown_mode":      true,
		"lockdown_date":      "2026-08-24",
		"lockdown_balance":   decimal.NewFromFloat(9700),
		"consecutive_losses": 3,
		"last_trade_time":    time.Now().UTC().Add(-25 * time.Hour),
	}))

	g := NewGovernor(store)
	assert.False(t, g.IsLocked(), "25h of rest must release the lockdown")

	st, err := store.GetSystemState()
	require.NoError(t, err)
	assert.False(t, st.LockdownMode)
}

// TestLockdownCallbacks verifies transition notifications fire with the
// right direction.
func TestLockdownCallbacks(t *testing.T) {
	g := NewGovernor(newTestStore(t))
	g.SetBalance(decimal.NewFromFloat(10000))

	var transitions []bool
	g.OnLockdownChange(func(locked bool, _ string) {
		transitions = append(transitions, locked)
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, g.RecordTradeResult(false, decimal.NewFromInt(-50)))
	}
	require.NoError(t, g.RecordTradeResult(true, decimal.NewFromInt(75)))

	assert.Equal(t, []bool{true, false}, transitions)
}

// TestWinResetsLossCounter verifies counting without reaching the threshold.
func TestWinResetsLossCounter(t *testing.T) {
	store := newTestStore(t)
	g := NewGovernor(store)
	g.SetBalance(decimal.NewFromFloat(10000))

	require.NoError(t, g.RecordTradeResult(false, decimal.NewFromInt(-50)))
	require.NoError(t, g.RecordTradeResult(false, decimal.NewFromInt(-50)))
	require.NoError(t, g.RecordTradeResult(true, decimal.NewFromInt(80)))
	require.NoError(t, g.RecordTradeResult(false, decimal.NewFromInt(-50)))

	assert.False(t, g.IsLocked())
	st, err := store.GetSystemState()
	require.NoError(t, err)
	assert.Equal(t, 1, st.ConsecutiveLosses)
	assert.False(t, st.LastTradeTime.IsZero())
}
