package signals

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aethelgard/aethelgard/storage"
	"github.com/aethelgard/aethelgard/strategy"
	"github.com/aethelgard/aethelgard/types"
)

// stubStrategy emits whatever its make func returns.
type stubStrategy struct {
	id      string
	enabled bool
	make    func(symbol string, frame types.OHLC, regime types.MarketRegime) *types.Signal
}

func (s *stubStrategy) ID() string      { return s.id }
func (s *stubStrategy) Enabled() bool   { return s.enabled }
func (s *stubStrategy) Config() map[string]interface{} {
	return map[string]interface{}{"id": s.id}
}

func (s *stubStrategy) Analyze(symbol string, frame types.OHLC, regime types.MarketRegime) *types.Signal {
	if s.make == nil {
		return nil
	}
	return s.make(symbol, frame, regime)
}

// buyEmitter always proposes the same EURUSD long.
func buyEmitter(id string, confidence float64) *stubStrategy {
	return &stubStrategy{
		id:      id,
		enabled: true,
		make: func(symbol string, frame types.OHLC, _ types.MarketRegime) *types.Signal {
			return strategy.NewSignal(symbol, frame.Timeframe).
				Buy().
				Entry(1.0895).
				StopLoss(1.0845).
				TakeProfit(1.0995).
				Confidence(confidence).
				Strategy(id).
				Build()
		},
	}
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func snapshot(entries ...types.ScanResult) map[types.ScanKey]types.ScanResult {
	out := make(map[types.ScanKey]types.ScanResult, len(entries))
	for _, e := range entries {
		if e.Frame.Empty() {
			e.Frame = types.OHLC{Symbol: e.Symbol, Timeframe: e.Timeframe}
		}
		out[types.ScanKey{Symbol: e.Symbol, Timeframe: e.Timeframe}] = e
	}
	return out
}

// TestFactoryPersistsCandidates checks the straight path from strategy output
// to a PENDING row with a confluence-adjusted score.
func TestFactoryPersistsCandidates(t *testing.T) {
	store := newTestStore(t)
	factory := NewFactory(store, types.ConnectorPaper, buyEmitter("stub", 0.6))

	scan := snapshot(
		types.ScanResult{Symbol: "EURUSD", Timeframe: types.TimeframeM5, Regime: types.RegimeRange},
		types.ScanResult{Symbol: "EURUSD", Timeframe: types.TimeframeH1, Regime: types.RegimeBull},
		types.ScanResult{Symbol: "EURUSD", Timeframe: types.TimeframeH4, Regime: types.RegimeBear},
	)

	batch, err := factory.Process(context.Background(), scan)
	require.NoError(t, err)
	// Strategy fires once per scan entry; the M5 emission lands first and the
	// H1/H4 emissions dedup against it only within the same (type, timeframe),
	// so three rows land in total.
	require.Len(t, batch, 3)

	var m5 *types.Signal
	for _, sig := range batch {
		if sig.Timeframe == types.TimeframeM5 {
			m5 = sig
		}
	}
	require.NotNil(t, m5)

	saved := store.GetSignalByID(m5.ID)
	require.NotNil(t, saved)
	assert.Equal(t, types.StatusPending, saved.Status)
	assert.Equal(t, types.ConnectorPaper, saved.ConnectorType)
	assert.Equal(t, types.MarketForex, saved.MarketType)

	// Default weights: H1 0.35 agrees (+100), H4 0.3 fights (-100).
	// bonus = (35 - 30) / 0.65 ≈ +7.7 on a base of 60.
	assert.InDelta(t, 67.7, saved.Metadata.GetFloat("score"), 0.1)
	assert.Contains(t, saved.Metadata, "confluence_analysis")
}

// TestFactoryDedupsWithinCycle checks that two strategies proposing the same
// shape in one cycle persist exactly one signal.
func TestFactoryDedupsWithinCycle(t *testing.T) {
	store := newTestStore(t)
	factory := NewFactory(store, types.ConnectorPaper,
		buyEmitter("alpha", 0.6), buyEmitter("beta", 0.7))

	scan := snapshot(types.ScanResult{Symbol: "EURUSD", Timeframe: types.TimeframeM5, Regime: types.RegimeRange})

	batch, err := factory.Process(context.Background(), scan)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "alpha", batch[0].Metadata.GetString("strategy_id"))

	stats := factory.GetStats()
	assert.Equal(t, 2, stats["generated"])
	assert.Equal(t, 1, stats["deduped"])
	assert.Equal(t, 1, stats["persisted"])
}

// TestFactorySkipsSymbolsWithOpenPositions checks the open-position guard.
func TestFactorySkipsSymbolsWithOpenPositions(t *testing.T) {
	store := newTestStore(t)

	open := &types.Signal{
		Symbol: "EURUSD", Timeframe: types.TimeframeH1, Type: types.SignalBuy,
		Status: types.StatusExecuted,
	}
	_, err := store.SaveSignal(open)
	require.NoError(t, err)

	factory := NewFactory(store, types.ConnectorPaper, buyEmitter("stub", 0.6))
	scan := snapshot(types.ScanResult{Symbol: "EURUSD", Timeframe: types.TimeframeM5, Regime: types.RegimeRange})

	batch, err := factory.Process(context.Background(), scan)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

// TestFactoryDedupWindowAcrossCycles checks that a signal persisted minutes
// ago blocks the same shape but not another timeframe.
func TestFactoryDedupWindowAcrossCycles(t *testing.T) {
	store := newTestStore(t)

	earlier := &types.Signal{
		Symbol: "EURUSD", Timeframe: types.TimeframeM5, Type: types.SignalBuy,
		Status: types.StatusPending, Timestamp: time.Now().UTC().Add(-10 * time.Minute),
	}
	_, err := store.SaveSignal(earlier)
	require.NoError(t, err)

	factory := NewFactory(store, types.ConnectorPaper, buyEmitter("stub", 0.6))

	// M5 dedup window is 20 minutes, so the fresh M5 candidate is a duplicate.
	m5, err := factory.Process(context.Background(),
		snapshot(types.ScanResult{Symbol: "EURUSD", Timeframe: types.TimeframeM5, Regime: types.RegimeRange}))
	require.NoError(t, err)
	assert.Empty(t, m5)

	// The same shape on H4 is a different dedup key and passes.
	h4, err := factory.Process(context.Background(),
		snapshot(types.ScanResult{Symbol: "EURUSD", Timeframe: types.TimeframeH4, Regime: types.RegimeRange}))
	require.NoError(t, err)
	assert.Len(t, h4, 1)
}

// TestFactoryNotifiesPremiumTiers checks that only PREMIUM and above reach
// the notifier.
func TestFactoryNotifiesPremiumTiers(t *testing.T) {
	store := newTestStore(t)

	var notified []types.NotificationTier
	factory := NewFactory(store, types.ConnectorPaper, buyEmitter("stub", 0.9))
	factory.SetNotifyFunc(func(_ *types.Signal, tier types.NotificationTier) {
		notified = append(notified, tier)
	})

	// No higher timeframes in the snapshot: score = 90 → VIP.
	_, err := factory.Process(context.Background(),
		snapshot(types.ScanResult{Symbol: "EURUSD", Timeframe: types.TimeframeM5, Regime: types.RegimeRange}))
	require.NoError(t, err)
	require.Len(t, notified, 1)
	assert.Equal(t, types.TierVIP, notified[0])

	// A weak signal on another symbol stays quiet.
	weak := NewFactory(store, types.ConnectorPaper, &stubStrategy{
		id: "weak", enabled: true,
		make: func(symbol string, frame types.OHLC, _ types.MarketRegime) *types.Signal {
			return strategy.NewSignal(symbol, frame.Timeframe).
				Buy().Entry(1.2700).StopLoss(1.2650).Confidence(0.4).Strategy("weak").Build()
		},
	})
	weak.SetNotifyFunc(func(_ *types.Signal, tier types.NotificationTier) {
		notified = append(notified, tier)
	})
	_, err = weak.Process(context.Background(),
		snapshot(types.ScanResult{Symbol: "GBPUSD", Timeframe: types.TimeframeM5, Regime: types.RegimeRange}))
	require.NoError(t, err)
	assert.Len(t, notified, 1)
}

// TestFactoryIgnoresDisabledStrategies checks the enabled gate.
func TestFactoryIgnoresDisabledStrategies(t *testing.T) {
	store := newTestStore(t)
	off := buyEmitter("off", 0.6)
	off.enabled = false
	factory := NewFactory(store, types.ConnectorPaper, off)

	batch, err := factory.Process(context.Background(),
		snapshot(types.ScanResult{Symbol: "EURUSD", Timeframe: types.TimeframeM5, Regime: types.RegimeRange}))
	require.NoError(t, err)
	assert.Empty(t, batch)
}

// TestConfluenceAlignment spells out the agreement table for both directions.
func TestConfluenceAlignment(t *testing.T) {
	cases := []struct {
		sigType types.SignalType
		regime  types.MarketRegime
		want    float64
	}{
		{types.SignalBuy, types.RegimeBull, 100},
		{types.SignalBuy, types.RegimeBear, -100},
		{types.SignalBuy, types.RegimeCrash, -100},
		{types.SignalSell, types.RegimeBear, 100},
		{types.SignalSell, types.RegimeBull, -100},
		{types.SignalSell, types.RegimeCrash, 50},
		{types.SignalBuy, types.RegimeTrend, 50},
		{types.SignalBuy, types.RegimeShock, -50},
		{types.SignalBuy, types.RegimeVolatile, -25},
		{types.SignalBuy, types.RegimeRange, 0},
		{types.SignalBuy, types.RegimeNeutral, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, alignment(tc.sigType, tc.regime),
			"%s vs %s", tc.sigType, tc.regime)
	}
}

// TestConfluenceDisabledPassesThrough checks disabled mode leaves the base
// score untouched.
func TestConfluenceDisabledPassesThrough(t *testing.T) {
	sig := strategy.NewSignal("EURUSD", types.TimeframeM5).
		Buy().Entry(1.0895).Confidence(0.6).Build()

	score := ApplyConfluence(sig,
		map[types.Timeframe]types.MarketRegime{types.TimeframeH1: types.RegimeBear},
		types.ConfluenceParams{Enabled: false})

	assert.InDelta(t, 60.0, score, 0.001)
	assert.NotContains(t, sig.Metadata, "confluence_analysis")
}

// TestConfluenceClampsScore checks the [0,100] clamp after adjustment.
func TestConfluenceClampsScore(t *testing.T) {
	p := types.ConfluenceParams{
		Enabled: true,
		Weights: map[types.Timeframe]float64{types.TimeframeH1: 1.0},
	}

	high := strategy.NewSignal("EURUSD", types.TimeframeM5).
		Buy().Entry(1.0895).Confidence(0.9).Build()
	score := ApplyConfluence(high,
		map[types.Timeframe]types.MarketRegime{types.TimeframeH1: types.RegimeBull}, p)
	assert.Equal(t, 100.0, score)

	low := strategy.NewSignal("EURUSD", types.TimeframeM5).
		Buy().Entry(1.0895).Confidence(0.2).Build()
	score = ApplyConfluence(low,
		map[types.Timeframe]types.MarketRegime{types.TimeframeH1: types.RegimeBear}, p)
	assert.Equal(t, 0.0, score)
}

// TestConfluenceIgnoresLowerTimeframes checks that only strictly higher
// timeframes contribute.
func TestConfluenceIgnoresLowerTimeframes(t *testing.T) {
	p := types.ConfluenceParams{
		Enabled: true,
		Weights: map[types.Timeframe]float64{
			types.TimeframeM1: 0.5,
			types.TimeframeH1: 0.5,
		},
	}
	sig := strategy.NewSignal("EURUSD", types.TimeframeM5).
		Buy().Entry(1.0895).Confidence(0.5).Build()

	score := ApplyConfluence(sig, map[types.Timeframe]types.MarketRegime{
		types.TimeframeM1: types.RegimeBear,
		types.TimeframeH1: types.RegimeBull,
	}, p)

	// Only the H1 vote counts: base 50 + bonus 100 clamps to 100. An M1
	// contribution would have dragged the bonus to 0.
	assert.Equal(t, 100.0, score)
}

// TestExpirationSweep checks the over-age transition and its metadata.
func TestExpirationSweep(t *testing.T) {
	store := newTestStore(t)

	stale := &types.Signal{
		Symbol: "EURUSD", Timeframe: types.TimeframeM5, Type: types.SignalBuy,
		Status: types.StatusPending, Timestamp: time.Now().UTC().Add(-10 * time.Minute),
	}
	_, err := store.SaveSignal(stale)
	require.NoError(t, err)

	fresh := &types.Signal{
		Symbol: "GBPUSD", Timeframe: types.TimeframeH4, Type: types.SignalSell,
		Status: types.StatusPending, Timestamp: time.Now().UTC().Add(-10 * time.Minute),
	}
	_, err = store.SaveSignal(fresh)
	require.NoError(t, err)

	executed := &types.Signal{
		Symbol: "USDJPY", Timeframe: types.TimeframeM5, Type: types.SignalBuy,
		Status: types.StatusExecuted, Timestamp: time.Now().UTC().Add(-2 * time.Hour),
	}
	_, err = store.SaveSignal(executed)
	require.NoError(t, err)

	em := NewExpirationManager(store)
	assert.Equal(t, 1, em.ExpireStale())

	got := store.GetSignalByID(stale.ID)
	require.NotNil(t, got)
	assert.Equal(t, types.StatusExpired, got.Status)
	assert.Equal(t, 5.0, got.Metadata.GetFloat("timeframe_window"))
	assert.InDelta(t, 10.0, got.Metadata.GetFloat("signal_age_minutes"), 1.0)
	assert.Equal(t, "TIMEFRAME_WINDOW_ELAPSED", got.Metadata.GetString("reason"))

	// H4 signal aged 10 minutes is still fresh; EXECUTED is never expired.
	assert.Equal(t, types.StatusPending, store.GetSignalByID(fresh.ID).Status)
	assert.Equal(t, types.StatusExecuted, store.GetSignalByID(executed.ID).Status)

	// Second sweep finds nothing.
	assert.Equal(t, 0, em.ExpireStale())
}
