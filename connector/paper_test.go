package connector

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aethelgard/aethelgard/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func newPaper(t *testing.T, balance float64) *Paper {
	t.Helper()
	p := NewPaper(nil, d(balance))
	require.NoError(t, p.Connect(context.Background()))
	return p
}

func buySignal(symbol string, entry, sl, tp, volume float64) *types.Signal {
	return &types.Signal{
		ID:         "sig-" + symbol,
		Symbol:     symbol,
		Timeframe:  types.TimeframeH1,
		Type:       types.SignalBuy,
		EntryPrice: d(entry),
		StopLoss:   d(sl),
		TakeProfit: d(tp),
		Volume:     d(volume),
	}
}

// TestPaperFillAllocatesTicket checks the fill path and the magic comment.
func TestPaperFillAllocatesTicket(t *testing.T) {
	p := newPaper(t, 10000)
	p.SetQuote("EURUSD", d(1.0849), d(1.0851))

	res, err := p.ExecuteSignal(context.Background(), buySignal("EURUSD", 1.0850, 1.0800, 1.0950, 2.0))
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "PAPER-000001", res.Ticket)
	assert.True(t, res.Price.Equal(d(1.0851)), "BUY fills at ask, got %s", res.Price)

	open, err := p.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "aeth:sig-EURUSD", open[0].Comment)
	assert.Equal(t, "sig-EURUSD", SignalIDFromComment(open[0].Comment))
}

// TestPaperFillFallsBackToEntryPrice checks fills without any price source.
func TestPaperFillFallsBackToEntryPrice(t *testing.T) {
	p := newPaper(t, 10000)

	res, err := p.ExecuteSignal(context.Background(), buySignal("EURUSD", 1.0850, 1.0800, 1.0950, 1.0))
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.True(t, res.Price.Equal(d(1.0850)))
}

// TestPaperSlippageWorksAgainstTrader checks slippage direction on both
// sides.
func TestPaperSlippageWorksAgainstTrader(t *testing.T) {
	p := newPaper(t, 10000)
	p.SetSlippagePoints(5)
	p.SetQuote("EURUSD", d(1.0849), d(1.0851))

	buy, err := p.ExecuteSignal(context.Background(), buySignal("EURUSD", 1.0850, 0, 0, 1.0))
	require.NoError(t, err)
	assert.True(t, buy.Price.Equal(d(1.08515)), "got %s", buy.Price)

	sell := buySignal("EURUSD", 1.0850, 0, 0, 1.0)
	sell.ID = "sig-2"
	sell.Type = types.SignalSell
	res, err := p.ExecuteSignal(context.Background(), sell)
	require.NoError(t, err)
	assert.True(t, res.Price.Equal(d(1.08485)), "got %s", res.Price)
}

// TestPaperCloseSettlesBalance checks realized PnL and the closed history.
func TestPaperCloseSettlesBalance(t *testing.T) {
	p := newPaper(t, 10000)
	p.SetQuote("EURUSD", d(1.0850), d(1.0850))

	res, err := p.ExecuteSignal(context.Background(), buySignal("EURUSD", 1.0850, 1.0800, 1.0950, 2.0))
	require.NoError(t, err)

	// 100 pips up on 2 lots of 100k: (1.0950-1.0850) * 2 * 100000 = 2000.
	require.NoError(t, p.MarkClosed(res.Ticket, d(1.0950), types.ExitTakeProfit))

	balance, err := p.GetAccountBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(12000)), "got %s", balance)

	closed, err := p.GetClosedPositions(context.Background(), 24)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, types.ExitTakeProfit, closed[0].ExitReason)
	assert.Equal(t, "sig-EURUSD", closed[0].SignalID)
	assert.True(t, closed[0].Profit.Equal(d(2000)))

	open, err := p.GetOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

// TestPaperShortProfitsOnDrop checks SELL direction math.
func TestPaperShortProfitsOnDrop(t *testing.T) {
	p := newPaper(t, 10000)
	p.SetQuote("USDJPY", d(147.20), d(147.22))

	sig := buySignal("USDJPY", 147.20, 147.70, 146.20, 0.5)
	sig.Type = types.SignalSell
	res, err := p.ExecuteSignal(context.Background(), sig)
	require.NoError(t, err)
	assert.True(t, res.Price.Equal(d(147.20)), "SELL fills at bid, got %s", res.Price)

	// 1.00 down on 0.5 lots: 1.00 * 0.5 * 100000 = 50000 (quote currency).
	require.NoError(t, p.MarkClosed(res.Ticket, d(146.20), types.ExitTakeProfit))
	closed, err := p.GetClosedPositions(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.True(t, closed[0].Profit.Equal(d(50000)), "got %s", closed[0].Profit)
}

// TestPaperFloatingProfitMarksToQuote checks open PnL against a moved quote.
func TestPaperFloatingProfitMarksToQuote(t *testing.T) {
	p := newPaper(t, 10000)
	p.SetQuote("EURUSD", d(1.0849), d(1.0851))

	_, err := p.ExecuteSignal(context.Background(), buySignal("EURUSD", 1.0850, 1.0800, 1.0950, 1.0))
	require.NoError(t, err)

	p.SetQuote("EURUSD", d(1.0899), d(1.0901))
	open, err := p.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)

	// A long marks at the bid: (1.0899 - 1.0851) * 1 * 100000 = 480.
	assert.True(t, open[0].Profit.Equal(d(480)), "got %s", open[0].Profit)
}

// TestPaperModifyPosition checks SL/TP updates land on the open book.
func TestPaperModifyPosition(t *testing.T) {
	p := newPaper(t, 10000)

	res, err := p.ExecuteSignal(context.Background(), buySignal("EURUSD", 1.0850, 1.0800, 1.0950, 1.0))
	require.NoError(t, err)

	require.NoError(t, p.ModifyPosition(context.Background(), res.Ticket, d(1.0820), d(1.0980)))
	open, err := p.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].StopLoss.Equal(d(1.0820)))
	assert.True(t, open[0].TakeProfit.Equal(d(1.0980)))

	assert.Error(t, p.ModifyPosition(context.Background(), "PAPER-999999", d(1), d(2)))
}

// TestPaperRejectsWhenDisconnected checks the connection guard on every
// operation.
func TestPaperRejectsWhenDisconnected(t *testing.T) {
	p := NewPaper(nil, d(10000))

	_, err := p.GetAccountBalance(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = p.ExecuteSignal(context.Background(), buySignal("EURUSD", 1.0850, 0, 0, 1.0))
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = p.GetOpenPositions(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, p.ClosePosition(context.Background(), "PAPER-000001", types.ExitManual), ErrNotConnected)
}

// TestPaperUnknownSymbolInfo checks the unlisted-symbol error.
func TestPaperUnknownSymbolInfo(t *testing.T) {
	p := newPaper(t, 10000)
	_, err := p.GetSymbolInfo(context.Background(), "DOGEUSD")
	assert.ErrorIs(t, err, ErrUnknownSymbol)

	info, err := p.GetSymbolInfo(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, 5, info.Digits)
	assert.True(t, info.ContractSize.Equal(d(100000)))
}

// TestRegistryRoutesByType checks registration and lookup.
func TestRegistryRoutesByType(t *testing.T) {
	reg := NewRegistry()
	paper := NewPaper(nil, d(10000))
	reg.Register(paper)

	got, ok := reg.Get(types.ConnectorPaper)
	require.True(t, ok)
	assert.Equal(t, types.ConnectorPaper, got.Type())

	_, ok = reg.Get(types.ConnectorMetaTrader5)
	assert.False(t, ok)
	assert.Equal(t, []types.ConnectorType{types.ConnectorPaper}, reg.Types())
}
