package position

import (
	"context"
	"errors"
	"path/filepath"
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
	s, err := storage.New(filepath.Join(t.TempDir(), "position.db"))
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

func newRegistry(conns ...connector.Connector) *connector.Registry {
	reg := connector.NewRegistry()
	for _, c := range conns {
		reg.Register(c)
	}
	return reg
}

// openPosition books a BUY at the venue and persists both the signal row and
// the management record, returning the broker ticket.
func openPosition(t *testing.T, store *storage.Store, venue *connector.Paper, id string, entry, sl float64, regime types.MarketRegime, entryTime time.Time) string {
	t.Helper()

	sig := &types.Signal{
		ID:            id,
		TraceID:       "trace-" + id,
		Symbol:        "EURUSD",
		Timeframe:     types.TimeframeM5,
		Type:          types.SignalBuy,
		Confidence:    decimal.NewFromFloat(0.8),
		EntryPrice:    decimal.NewFromFloat(entry),
		StopLoss:      decimal.NewFromFloat(sl),
		TakeProfit:    decimal.NewFromFloat(entry).Add(decimal.NewFromFloat(entry).Sub(decimal.NewFromFloat(sl)).Mul(decimal.NewFromInt(2))),
		Volume:        decimal.NewFromFloat(0.2),
		ConnectorType: types.ConnectorPaper,
		Timestamp:     time.Now().UTC(),
	}
	_, err := store.SaveSignal(sig)
	require.NoError(t, err)

	res, err := venue.ExecuteSignal(context.Background(), sig)
	require.NoError(t, err)
	require.True(t, res.Success)

	require.NoError(t, store.SavePositionMetadata(&types.PositionMetadata{
		Ticket:         res.Ticket,
		SignalID:       id,
		Symbol:         "EURUSD",
		EntryPrice:     sig.EntryPrice,
		EntryTime:      entryTime,
		StopLoss:       sig.StopLoss,
		TakeProfit:     sig.TakeProfit,
		Volume:         sig.Volume,
		InitialRiskUSD: decimal.NewFromInt(100),
		EntryRegime:    regime,
		Timeframe:      types.TimeframeM5,
	}))
	return res.Ticket
}

// TestEmergencyCloseAtDrawdownCeiling marks the book 100 pips against a 0.2
// lot BUY: a $200 floating loss meets the 2x ceiling on $100 initial risk
// exactly, and the position must be cut.
func TestEmergencyCloseAtDrawdownCeiling(t *testing.T) {
	store := newTestStore(t)
	venue := newTestVenue(t, 10000)
	mgr := NewManager(store, newRegistry(venue), nil)

	ticket := openPosition(t, store, venue, "sig-dd-1", 1.0850, 1.0800, types.RegimeNeutral, time.Now().UTC())
	venue.SetQuote("EURUSD", decimal.NewFromFloat(1.0750), decimal.NewFromFloat(1.0752))

	mgr.ManageCycle(context.Background())

	open, err := venue.GetOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open, "position at the drawdown ceiling must be cut")

	closed, err := venue.GetClosedPositions(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, ticket, closed[0].Ticket)
	assert.Equal(t, types.ExitEmergency, closed[0].ExitReason)
	assert.Equal(t, 1, mgr.GetStats()["emergency_closes"])
}

// TestDrawdownBelowCeilingHolds leaves a losing position alone while the
// floating loss is still inside the ceiling.
func TestDrawdownBelowCeilingHolds(t *testing.T) {
	store := newTestStore(t)
	venue := newTestVenue(t, 10000)
	mgr := NewManager(store, newRegistry(venue), nil)

	openPosition(t, store, venue, "sig-dd-2", 1.0850, 1.0800, types.RegimeNeutral, time.Now().UTC())
	// 50 pips against: $100 loss, half the ceiling.
	venue.SetQuote("EURUSD", decimal.NewFromFloat(1.0800), decimal.NewFromFloat(1.0802))

	mgr.ManageCycle(context.Background())

	open, err := venue.GetOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.Equal(t, 0, mgr.GetStats()["emergency_closes"])
}

// TestStaleExitPerRegime closes a RANGE position after its 4h window while an
// equally old TREND position (72h window) stays on the book.
func TestStaleExitPerRegime(t *testing.T) {
	store := newTestStore(t)
	venue := newTestVenue(t, 10000)
	mgr := NewManager(store, newRegistry(venue), nil)

	fiveHoursAgo := time.Now().UTC().Add(-5 * time.Hour)
	rangeTicket := openPosition(t, store, venue, "sig-stale-1", 1.0850, 1.0800, types.RegimeRange, fiveHoursAgo)
	openPosition(t, store, venue, "sig-stale-2", 1.0850, 1.0800, types.RegimeTrend, fiveHoursAgo)

	mgr.ManageCycle(context.Background())

	open, err := venue.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1, "only the TREND position should survive")
	assert.NotEqual(t, rangeTicket, open[0].Ticket)

	closed, err := venue.GetClosedPositions(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, rangeTicket, closed[0].Ticket)
	assert.Equal(t, types.ExitStale, closed[0].ExitReason)
	assert.Equal(t, 1, mgr.GetStats()["stale_exits"])
}

// TestRegimeRetuneAdjustsGeometry moves the market from RANGE to TREND and
// expects the SL re-anchored at 3xATR and the target at 3R. The birth stop
// sits at 2xATR, so the ATR unit is half the birth stop distance.
func TestRegimeRetuneAdjustsGeometry(t *testing.T) {
	store := newTestStore(t)
	venue := newTestVenue(t, 10000)
	mgr := NewManager(store, newRegistry(venue), nil)

	ticket := openPosition(t, store, venue, "sig-tune-1", 1.0850, 1.0800, types.RegimeRange, time.Now().UTC())
	require.NoError(t, store.LogMarketState(&types.MarketState{
		Symbol:    "EURUSD",
		Timeframe: types.TimeframeM5,
		Regime:    types.RegimeTrend,
		Close:     decimal.NewFromFloat(1.0850),
		Timestamp: time.Now().UTC(),
	}))

	mgr.ManageCycle(context.Background())

	meta := store.GetPositionMetadata(ticket)
	require.NotNil(t, meta)
	assert.True(t, meta.StopLoss.Equal(decimal.NewFromFloat(1.0775)),
		"SL should widen to entry minus 3xATR, got %s", meta.StopLoss)
	assert.True(t, meta.TakeProfit.Equal(decimal.NewFromFloat(1.1000)),
		"TP should target 3R, got %s", meta.TakeProfit)
	assert.Equal(t, 1, meta.ModificationCount)
	assert.True(t, meta.PrevStopLoss.Equal(decimal.NewFromFloat(1.0800)),
		"previous SL kept for rollback, got %s", meta.PrevStopLoss)

	open, err := venue.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].StopLoss.Equal(decimal.NewFromFloat(1.0775)))
	assert.True(t, open[0].TakeProfit.Equal(decimal.NewFromFloat(1.1000)))
	assert.Equal(t, 1, mgr.GetStats()["retunes"])

	// Geometry already matches the regime: the next sweep is a no-op even
	// though cooldown alone would also hold it back.
	mgr.ManageCycle(context.Background())
	meta = store.GetPositionMetadata(ticket)
	require.NotNil(t, meta)
	assert.Equal(t, 1, meta.ModificationCount)
	assert.Equal(t, 1, mgr.GetStats()["retunes"])
}

// TestModificationCooldownBlocks stalls a retune when the position was
// modified moments ago.
func TestModificationCooldownBlocks(t *testing.T) {
	store := newTestStore(t)
	venue := newTestVenue(t, 10000)
	mgr := NewManager(store, newRegistry(venue), nil)

	ticket := openPosition(t, store, venue, "sig-cool-1", 1.0850, 1.0800, types.RegimeRange, time.Now().UTC())
	require.NoError(t, store.LogMarketState(&types.MarketState{
		Symbol:    "EURUSD",
		Timeframe: types.TimeframeM5,
		Regime:    types.RegimeTrend,
		Close:     decimal.NewFromFloat(1.0850),
		Timestamp: time.Now().UTC(),
	}))
	// Burn a modification now so the 5-minute cooldown is running.
	require.NoError(t, store.RecordPositionModification(ticket,
		decimal.NewFromFloat(1.0800), decimal.NewFromFloat(1.0950)))

	mgr.ManageCycle(context.Background())

	meta := store.GetPositionMetadata(ticket)
	require.NotNil(t, meta)
	assert.Equal(t, 1, meta.ModificationCount, "cooldown must block the retune")
	assert.Equal(t, 0, mgr.GetStats()["retunes"])
}

// TestDailyBudgetBlocks refuses the eleventh modification of the day.
func TestDailyBudgetBlocks(t *testing.T) {
	store := newTestStore(t)
	venue := newTestVenue(t, 10000)
	mgr := NewManager(store, newRegistry(venue), nil)

	ticket := openPosition(t, store, venue, "sig-budget-1", 1.0850, 1.0800, types.RegimeRange, time.Now().UTC())
	require.NoError(t, store.LogMarketState(&types.MarketState{
		Symbol:    "EURUSD",
		Timeframe: types.TimeframeM5,
		Regime:    types.RegimeTrend,
		Close:     decimal.NewFromFloat(1.0850),
		Timestamp: time.Now().UTC(),
	}))

	meta := store.GetPositionMetadata(ticket)
	require.NotNil(t, meta)
	meta.ModificationCount = 10
	meta.ModificationDay = time.Now().UTC().Format("2006-01-02")
	meta.LastModification = time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, store.SavePositionMetadata(meta))

	mgr.ManageCycle(context.Background())

	meta = store.GetPositionMetadata(ticket)
	require.NotNil(t, meta)
	assert.Equal(t, 10, meta.ModificationCount, "budget must block the retune")
	assert.Equal(t, 0, mgr.GetStats()["retunes"])
}

// stubbornVenue refuses every SL/TP modification.
type stubbornVenue struct{ *connector.Paper }

func (s *stubbornVenue) ModifyPosition(context.Context, string, decimal.Decimal, decimal.Decimal) error {
	return errors.New("modification rejected")
}

// TestRejectedModificationRollsBack restores the stored geometry when the
// venue refuses the change.
func TestRejectedModificationRollsBack(t *testing.T) {
	store := newTestStore(t)
	paper := newTestVenue(t, 10000)
	venue := &stubbornVenue{Paper: paper}
	mgr := NewManager(store, newRegistry(venue), nil)

	ticket := openPosition(t, store, paper, "sig-rb-1", 1.0850, 1.0800, types.RegimeRange, time.Now().UTC())
	require.NoError(t, store.LogMarketState(&types.MarketState{
		Symbol:    "EURUSD",
		Timeframe: types.TimeframeM5,
		Regime:    types.RegimeTrend,
		Close:     decimal.NewFromFloat(1.0850),
		Timestamp: time.Now().UTC(),
	}))

	mgr.ManageCycle(context.Background())

	meta := store.GetPositionMetadata(ticket)
	require.NotNil(t, meta)
	assert.True(t, meta.StopLoss.Equal(decimal.NewFromFloat(1.0800)),
		"SL must roll back to the pre-modification value, got %s", meta.StopLoss)
	assert.True(t, meta.TakeProfit.Equal(decimal.NewFromFloat(1.0950)))
	assert.Equal(t, 0, meta.ModificationCount, "rollback returns the budget")
	assert.Equal(t, 1, mgr.GetStats()["rollbacks"])
	assert.Equal(t, 0, mgr.GetStats()["retunes"])
}

// TestFreezeDistanceBlocks pins the quote so close to the new stop that the
// broker freeze band (10 points plus 10% margin) forbids the move.
func TestFreezeDistanceBlocks(t *testing.T) {
	store := newTestStore(t)
	venue := newTestVenue(t, 10000)
	mgr := NewManager(store, newRegistry(venue), nil)

	ticket := openPosition(t, store, venue, "sig-frz-1", 1.0850, 1.0800, types.RegimeRange, time.Now().UTC())
	require.NoError(t, store.LogMarketState(&types.MarketState{
		Symbol:    "EURUSD",
		Timeframe: types.TimeframeM5,
		Regime:    types.RegimeTrend,
		Close:     decimal.NewFromFloat(1.0850),
		Timestamp: time.Now().UTC(),
	}))
	// Retuned SL would be 1.0775; bid 10 points above it is inside the
	// 11-point guarded band.
	venue.SetQuote("EURUSD", decimal.NewFromFloat(1.0776), decimal.NewFromFloat(1.0778))

	mgr.ManageCycle(context.Background())

	meta := store.GetPositionMetadata(ticket)
	require.NotNil(t, meta)
	assert.True(t, meta.StopLoss.Equal(decimal.NewFromFloat(1.0800)),
		"freeze band must block the retune, got %s", meta.StopLoss)
	assert.Equal(t, 0, mgr.GetStats()["retunes"])
}

// TestUnmanagedPositionSkipped leaves positions without a management record
// untouched.
func TestUnmanagedPositionSkipped(t *testing.T) {
	store := newTestStore(t)
	venue := newTestVenue(t, 10000)
	mgr := NewManager(store, newRegistry(venue), nil)

	sig := &types.Signal{
		ID:         "sig-foreign-1",
		Symbol:     "EURUSD",
		Timeframe:  types.TimeframeM5,
		Type:       types.SignalBuy,
		EntryPrice: decimal.NewFromFloat(1.0850),
		Volume:     decimal.NewFromFloat(0.1),
		Timestamp:  time.Now().UTC().Add(-48 * time.Hour),
	}
	_, err := venue.ExecuteSignal(context.Background(), sig)
	require.NoError(t, err)

	mgr.ManageCycle(context.Background())

	open, err := venue.GetOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 1, "unmanaged positions are not ours to close")
}
