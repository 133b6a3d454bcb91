package connector

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aethelgard/aethelgard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BROKER CONNECTOR CONTRACT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Everything above this package is broker-agnostic: the executor routes by
// ConnectorType and speaks only this interface. Broker quirks live inside
// the implementations. A connector that cannot modify positions returns
// ErrNotSupported instead of silently accepting.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrNotSupported marks an operation the connector cannot perform.
	ErrNotSupported = errors.New("operation not supported by connector")
	// ErrNotConnected marks calls made before Connect or after Disconnect.
	ErrNotConnected = errors.New("connector not connected")
	// ErrUnknownSymbol marks quote or info requests for unlisted symbols.
	ErrUnknownSymbol = errors.New("symbol not listed on connector")
)

// SymbolInfo is the broker view of one instrument.
type SymbolInfo struct {
	Symbol       string
	Digits       int
	Point        decimal.Decimal
	ContractSize decimal.Decimal
	VolumeMin    decimal.Decimal
	VolumeMax    decimal.Decimal
	VolumeStep   decimal.Decimal
	// FreezeLevel is the minimum distance from price, in points, at which
	// SL/TP may be placed or moved.
	FreezeLevel decimal.Decimal
	Ask         decimal.Decimal
	Bid         decimal.Decimal
}

// ExecutionResult is the broker response to a submitted order.
type ExecutionResult struct {
	Success bool
	Ticket  string
	Price   decimal.Decimal
	Error   string
}

// BrokerPosition is one open position as the broker reports it.
type BrokerPosition struct {
	Ticket     string
	Symbol     string
	Type       types.SignalType
	Volume     decimal.Decimal
	PriceOpen  decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	// Profit is the floating PnL at the time of the snapshot.
	Profit  decimal.Decimal
	Comment string
	OpenAt  time.Time
}

// ClosedPosition is one closed position returned to the feedback loop.
type ClosedPosition struct {
	Ticket     string
	Symbol     string
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Profit     decimal.Decimal
	Volume     decimal.Decimal
	CloseTime  time.Time
	ExitReason types.ExitReason
	// SignalID is recovered from the order comment when present.
	SignalID string
}

// Connector is the contract every broker implementation satisfies.
type Connector interface {
	Type() types.ConnectorType
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool

	GetAccountBalance(ctx context.Context) (decimal.Decimal, error)
	GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)

	ExecuteSignal(ctx context.Context, sig *types.Signal) (*ExecutionResult, error)
	GetOpenPositions(ctx context.Context) ([]BrokerPosition, error)
	GetClosedPositions(ctx context.Context, hours int) ([]ClosedPosition, error)
	ClosePosition(ctx context.Context, ticket string, reason types.ExitReason) error
	ModifyPosition(ctx context.Context, ticket string, sl, tp decimal.Decimal) error
}

// SignalComment encodes the signal id into the broker order comment so fills
// can be matched back after a restart or a cancelled in-flight call.
func SignalComment(sig *types.Signal) string {
	return "aeth:" + sig.ID
}

// SignalIDFromComment recovers the signal id from an order comment; empty
// when the comment is not ours.
func SignalIDFromComment(comment string) string {
	const prefix = "aeth:"
	if len(comment) > len(prefix) && comment[:len(prefix)] == prefix {
		return comment[len(prefix):]
	}
	return ""
}
