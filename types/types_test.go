package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to SignalStatus
		legal    bool
	}{
		{StatusPending, StatusExecuted, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusExpired, true},
		{StatusPending, StatusClosed, false},
		{StatusExecuted, StatusClosed, true},
		{StatusExecuted, StatusRejected, false},
		{StatusExecuted, StatusExpired, false},
		{StatusRejected, StatusExecuted, false},
		{StatusExpired, StatusPending, false},
		{StatusClosed, StatusClosed, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.legal, c.from.CanTransitionTo(c.to),
			"%s -> %s", c.from, c.to)
	}
}

func TestTimeframeWindows(t *testing.T) {
	assert.Equal(t, 20*time.Minute, TimeframeM5.DedupWindow())
	assert.Equal(t, 60*time.Minute, TimeframeM15.DedupWindow())
	assert.Equal(t, 240*time.Minute, TimeframeH1.DedupWindow())
	assert.Equal(t, 480*time.Minute, TimeframeH4.DedupWindow())
	assert.Equal(t, 1440*time.Minute, TimeframeD1.DedupWindow())

	assert.Equal(t, 5*time.Minute, TimeframeM5.ExpiryWindow())
	assert.Equal(t, 15*time.Minute, TimeframeM15.ExpiryWindow())
	assert.Equal(t, 30*time.Minute, TimeframeM30.ExpiryWindow())
	assert.Equal(t, time.Hour, TimeframeH1.ExpiryWindow())
	assert.Equal(t, 4*time.Hour, TimeframeH4.ExpiryWindow())
	assert.Equal(t, 24*time.Hour, TimeframeD1.ExpiryWindow())
}

func TestParseTimeframe(t *testing.T) {
	for in, want := range map[string]Timeframe{
		"5m": TimeframeM5, "M5": TimeframeM5, "1h": TimeframeH1,
		"H4": TimeframeH4, "4h": TimeframeH4, "1d": TimeframeD1,
		"15min": TimeframeM15,
	} {
		got, err := ParseTimeframe(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseTimeframe("7m")
	assert.Error(t, err)
}

func TestParseRegimeNormalAlias(t *testing.T) {
	r, err := ParseRegime("NORMAL")
	require.NoError(t, err)
	assert.Equal(t, RegimeNeutral, r)

	r, err = ParseRegime("trend")
	require.NoError(t, err)
	assert.Equal(t, RegimeTrend, r)

	_, err = ParseRegime("SIDEWAYS")
	assert.Error(t, err)
}

func TestSignalValidate(t *testing.T) {
	valid := Signal{
		ID:         "sig-1",
		Symbol:     "EURUSD",
		Timeframe:  TimeframeM5,
		Type:       SignalBuy,
		Confidence: decimal.NewFromFloat(0.8),
		EntryPrice: decimal.NewFromFloat(1.0850),
	}
	require.NoError(t, valid.Validate())

	noSymbol := valid
	noSymbol.Symbol = "  "
	assert.Error(t, noSymbol.Validate())

	badConf := valid
	badConf.Confidence = decimal.NewFromFloat(1.2)
	assert.Error(t, badConf.Validate())

	badType := valid
	badType.Type = "SHORT"
	assert.Error(t, badType.Validate())

	badTF := valid
	badTF.Timeframe = "M7"
	assert.Error(t, badTF.Validate())

	noEntry := valid
	noEntry.EntryPrice = decimal.Zero
	assert.Error(t, noEntry.Validate())

	// HOLD signals carry no entry and are still valid.
	hold := valid
	hold.Type = SignalHold
	hold.EntryPrice = decimal.Zero
	assert.NoError(t, hold.Validate())
}

func TestSignalRiskReward(t *testing.T) {
	s := Signal{
		EntryPrice: decimal.NewFromFloat(1.0850),
		StopLoss:   decimal.NewFromFloat(1.0800),
		TakeProfit: decimal.NewFromFloat(1.0950),
	}
	assert.True(t, s.RiskReward().Equal(decimal.NewFromInt(2)), "got %s", s.RiskReward())

	noSL := Signal{EntryPrice: decimal.NewFromFloat(1.0850)}
	noSL.StopLoss = noSL.EntryPrice
	assert.True(t, noSL.RiskReward().IsZero())
}

func TestMetadataRoundTrip(t *testing.T) {
	m := Metadata{"regime": "TREND", "score": 72.5, "strategy_id": "trend_rider"}
	v, err := m.Value()
	require.NoError(t, err)

	var back Metadata
	require.NoError(t, back.Scan(v))
	assert.Equal(t, "TREND", back.GetString("regime"))
	assert.InDelta(t, 72.5, back.GetFloat("score"), 1e-9)
	assert.Equal(t, "trend_rider", back.GetString("strategy_id"))

	var empty Metadata
	require.NoError(t, empty.Scan(nil))
	assert.NotNil(t, empty)
}

func TestTierForScore(t *testing.T) {
	assert.Equal(t, TierVIP, TierForScore(85))
	assert.Equal(t, TierPremium, TierForScore(70))
	assert.Equal(t, TierStandard, TierForScore(40))
	assert.True(t, TierVIP.AtLeast(TierPremium))
	assert.True(t, TierPremium.AtLeast(TierPremium))
	assert.False(t, TierStandard.AtLeast(TierPremium))
}

func TestDefaultDynamicParams(t *testing.T) {
	p := DefaultDynamicParams()
	assert.True(t, p.RiskPerTrade.Equal(decimal.NewFromFloat(0.01)))
	assert.Equal(t, 3, p.MaxConsecutiveLosses)
	assert.True(t, p.MaxRPerTrade.Equal(decimal.NewFromFloat(2.0)))
	assert.Equal(t, 5, p.Orchestrator.LoopInterval(RegimeTrend))
	assert.Equal(t, 15, p.Orchestrator.LoopInterval(RegimeVolatile))
	assert.Equal(t, 30, p.Orchestrator.LoopInterval(RegimeRange))
	assert.Equal(t, 60, p.Orchestrator.LoopInterval(RegimeShock))
	assert.Equal(t, 72.0, p.PositionManagement.StaleThreshold(RegimeTrend))
	assert.Equal(t, 24.0, p.PositionManagement.StaleThreshold(RegimeBull))
}
