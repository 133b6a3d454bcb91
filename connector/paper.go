package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/aethelgard/aethelgard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER CONNECTOR - Deterministic in-memory venue
// ═══════════════════════════════════════════════════════════════════════════════
//
// Fills are immediate at the quoted price plus configured slippage, tickets
// are sequential, and the closed-position history feeds the same closure
// listener the live connectors do. Quotes come from a PriceSource (usually
// the feeds manager) or from explicit SetQuote overrides, falling back to
// the signal's own entry price so the paper venue never refuses a fill for
// lack of data.
//
// ═══════════════════════════════════════════════════════════════════════════════

// PriceSource supplies current prices for fills and floating PnL.
type PriceSource interface {
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

type quote struct {
	bid, ask decimal.Decimal
}

// Paper is the in-memory broker used for paper trading and the test suite.
type Paper struct {
	source PriceSource

	mu             sync.Mutex
	connected      bool
	balance        decimal.Decimal
	slippagePoints int64
	spreadPoints   int64
	nextTicket     int64
	symbols        map[string]SymbolInfo
	quotes         map[string]quote
	positions      map[string]*BrokerPosition
	closed         []ClosedPosition
}

// NewPaper builds a paper venue with a starting balance. source may be nil;
// fills then use quote overrides or the signal entry price.
func NewPaper(source PriceSource, balance decimal.Decimal) *Paper {
	return &Paper{
		source:       source,
		balance:      balance,
		spreadPoints: 10,
		symbols:      defaultPaperSymbols(),
		quotes:       make(map[string]quote),
		positions:    make(map[string]*BrokerPosition),
	}
}

func defaultPaperSymbols() map[string]SymbolInfo {
	d := decimal.NewFromFloat
	forex := func(symbol string, digits int) SymbolInfo {
		return SymbolInfo{
			Symbol:       symbol,
			Digits:       digits,
			Point:        decimal.New(1, -int32(digits)),
			ContractSize: d(100000),
			VolumeMin:    d(0.01),
			VolumeMax:    d(100),
			VolumeStep:   d(0.01),
			FreezeLevel:  d(10),
		}
	}
	out := map[string]SymbolInfo{
		"EURUSD": forex("EURUSD", 5),
		"GBPUSD": forex("GBPUSD", 5),
		"AUDUSD": forex("AUDUSD", 5),
		"USDCHF": forex("USDCHF", 5),
		"EURGBP": forex("EURGBP", 5),
		"USDJPY": forex("USDJPY", 3),
		"GBPJPY": forex("GBPJPY", 3),
		"EURJPY": forex("EURJPY", 3),
		"XAUUSD": {
			Symbol: "XAUUSD", Digits: 2, Point: d(0.01), ContractSize: d(100),
			VolumeMin: d(0.01), VolumeMax: d(50), VolumeStep: d(0.01), FreezeLevel: d(30),
		},
		"BTCUSD": {
			Symbol: "BTCUSD", Digits: 2, Point: d(0.01), ContractSize: d(1),
			VolumeMin: d(0.01), VolumeMax: d(10), VolumeStep: d(0.01), FreezeLevel: d(100),
		},
		"ETHUSD": {
			Symbol: "ETHUSD", Digits: 2, Point: d(0.01), ContractSize: d(1),
			VolumeMin: d(0.01), VolumeMax: d(100), VolumeStep: d(0.01), FreezeLevel: d(50),
		},
	}
	return out
}

// Type identifies the connector.
func (p *Paper) Type() types.ConnectorType { return types.ConnectorPaper }

// Connect marks the venue ready.
func (p *Paper) Connect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	log.Info().Str("balance", p.balance.String()).Msg("🔌 Paper connector ready")
	return nil
}

// Disconnect marks the venue unavailable. Open positions survive.
func (p *Paper) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
}

// IsConnected reports venue availability.
func (p *Paper) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// SetSlippagePoints sets the fill slippage in points, always against the
// trader.
func (p *Paper) SetSlippagePoints(points int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slippagePoints = points
}

// SetQuote pins a bid/ask for a symbol, overriding the price source.
func (p *Paper) SetQuote(symbol string, bid, ask decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[symbol] = quote{bid: bid, ask: ask}
}

// SetSymbolInfo adds or replaces an instrument definition.
func (p *Paper) SetSymbolInfo(info SymbolInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.symbols[info.Symbol] = info
}

// GetAccountBalance returns the realized balance.
func (p *Paper) GetAccountBalance(context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return decimal.Zero, ErrNotConnected
	}
	return p.balance, nil
}

// GetSymbolInfo returns the instrument definition with live quotes attached.
func (p *Paper) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil, ErrNotConnected
	}
	info, ok := p.symbols[symbol]
	q, hasQuote := p.quotes[symbol]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	if hasQuote {
		info.Bid, info.Ask = q.bid, q.ask
		return &info, nil
	}
	if px, err := p.sourcePrice(ctx, symbol); err == nil {
		half := info.Point.Mul(decimal.NewFromInt(p.spreadPoints)).Div(decimal.NewFromInt(2))
		info.Bid = px.Sub(half)
		info.Ask = px.Add(half)
	}
	return &info, nil
}

func (p *Paper) sourcePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if p.source == nil {
		return decimal.Zero, fmt.Errorf("%w: no price source", ErrUnknownSymbol)
	}
	return p.source.FetchPrice(ctx, symbol)
}

// currentPrice resolves the marking price for a symbol: quote override
// first, then the price source, then the fallback.
func (p *Paper) currentPrice(ctx context.Context, symbol string, side types.SignalType, fallback decimal.Decimal) decimal.Decimal {
	p.mu.Lock()
	q, ok := p.quotes[symbol]
	p.mu.Unlock()
	if ok {
		if side == types.SignalBuy {
			return q.ask
		}
		return q.bid
	}
	if px, err := p.sourcePrice(ctx, symbol); err == nil && px.IsPositive() {
		return px
	}
	return fallback
}

// ExecuteSignal fills the order immediately and returns a ticket.
func (p *Paper) ExecuteSignal(ctx context.Context, sig *types.Signal) (*ExecutionResult, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}
	if !sig.Type.Tradeable() {
		return &ExecutionResult{Success: false, Error: "paper venue only fills BUY/SELL"}, nil
	}

	fill := p.currentPrice(ctx, sig.Symbol, sig.Type, sig.EntryPrice)
	if !fill.IsPositive() {
		return &ExecutionResult{Success: false, Error: "no price available for " + sig.Symbol}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if info, ok := p.symbols[sig.Symbol]; ok && p.slippagePoints > 0 {
		slip := info.Point.Mul(decimal.NewFromInt(p.slippagePoints))
		if sig.Type == types.SignalBuy {
			fill = fill.Add(slip)
		} else {
			fill = fill.Sub(slip)
		}
	}

	p.nextTicket++
	ticket := fmt.Sprintf("PAPER-%06d", p.nextTicket)
	p.positions[ticket] = &BrokerPosition{
		Ticket:     ticket,
		Symbol:     sig.Symbol,
		Type:       sig.Type,
		Volume:     sig.Volume,
		PriceOpen:  fill,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Comment:    SignalComment(sig),
		OpenAt:     time.Now().UTC(),
	}

	log.Info().
		Str("ticket", ticket).
		Str("symbol", sig.Symbol).
		Str("type", string(sig.Type)).
		Str("fill", fill.String()).
		Str("volume", sig.Volume.String()).
		Msg("💰 Paper fill")

	return &ExecutionResult{Success: true, Ticket: ticket, Price: fill}, nil
}

// floatingProfit marks one position against the current price.
func (p *Paper) floatingProfit(ctx context.Context, pos *BrokerPosition) decimal.Decimal {
	current := p.currentPrice(ctx, pos.Symbol, oppositeSide(pos.Type), pos.PriceOpen)
	return positionProfit(pos, current, p.contractFor(pos.Symbol))
}

func (p *Paper) contractFor(symbol string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.contractForLocked(symbol)
}

func (p *Paper) contractForLocked(symbol string) decimal.Decimal {
	if info, ok := p.symbols[symbol]; ok && info.ContractSize.IsPositive() {
		return info.ContractSize
	}
	return decimal.NewFromInt(100000)
}

func oppositeSide(t types.SignalType) types.SignalType {
	if t == types.SignalBuy {
		return types.SignalSell
	}
	return types.SignalBuy
}

func positionProfit(pos *BrokerPosition, exit, contract decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(pos.PriceOpen)
	if pos.Type == types.SignalSell {
		diff = diff.Neg()
	}
	return diff.Mul(pos.Volume).Mul(contract)
}

// GetOpenPositions returns the open book with floating PnL marked.
func (p *Paper) GetOpenPositions(ctx context.Context) ([]BrokerPosition, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}
	p.mu.Lock()
	tickets := make([]*BrokerPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		tickets = append(tickets, pos)
	}
	p.mu.Unlock()

	out := make([]BrokerPosition, 0, len(tickets))
	for _, pos := range tickets {
		snap := *pos
		snap.Profit = p.floatingProfit(ctx, pos)
		out = append(out, snap)
	}
	return out, nil
}

// GetClosedPositions returns positions closed within the last N hours.
func (p *Paper) GetClosedPositions(_ context.Context, hours int) ([]ClosedPosition, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ClosedPosition
	for _, cp := range p.closed {
		if cp.CloseTime.After(cutoff) {
			out = append(out, cp)
		}
	}
	return out, nil
}

// ClosePosition closes at the current market price.
func (p *Paper) ClosePosition(ctx context.Context, ticket string, reason types.ExitReason) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	p.mu.Lock()
	pos, ok := p.positions[ticket]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("paper: unknown ticket %s", ticket)
	}

	exit := p.currentPrice(ctx, pos.Symbol, oppositeSide(pos.Type), pos.PriceOpen)
	return p.MarkClosed(ticket, exit, reason)
}

// MarkClosed settles a position at an explicit exit price. Used by
// ClosePosition and by tests simulating TP/SL hits.
func (p *Paper) MarkClosed(ticket string, exit decimal.Decimal, reason types.ExitReason) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[ticket]
	if !ok {
		return fmt.Errorf("paper: unknown ticket %s", ticket)
	}
	profit := positionProfit(pos, exit, p.contractForLocked(pos.Symbol))
	p.balance = p.balance.Add(profit)
	delete(p.positions, ticket)

	p.closed = append(p.closed, ClosedPosition{
		Ticket:     ticket,
		Symbol:     pos.Symbol,
		EntryPrice: pos.PriceOpen,
		ExitPrice:  exit,
		Profit:     profit,
		Volume:     pos.Volume,
		CloseTime:  time.Now().UTC(),
		ExitReason: reason,
		SignalID:   SignalIDFromComment(pos.Comment),
	})

	log.Info().
		Str("ticket", ticket).
		Str("symbol", pos.Symbol).
		Str("profit", profit.String()).
		Str("reason", string(reason)).
		Msg("💰 Paper position closed")
	return nil
}

// ModifyPosition updates SL/TP in place.
func (p *Paper) ModifyPosition(_ context.Context, ticket string, sl, tp decimal.Decimal) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[ticket]
	if !ok {
		return fmt.Errorf("paper: unknown ticket %s", ticket)
	}
	pos.StopLoss = sl
	pos.TakeProfit = tp
	return nil
}
