package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Persistent entities and market frames
// ═══════════════════════════════════════════════════════════════════════════════

// Metadata is a free-form bag attached to signals and audit records. It
// serializes to a JSON column.
type Metadata map[string]interface{}

// Value implements driver.Valuer for database storage.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = Metadata{}
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported scan type %T", value)
	}
	if len(b) == 0 {
		*m = Metadata{}
		return nil
	}
	return json.Unmarshal(b, m)
}

// GetString returns the string value for key, or "" when absent.
func (m Metadata) GetString(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// GetFloat returns the numeric value for key, or 0 when absent.
func (m Metadata) GetFloat(key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// GetBool returns the boolean value for key, or false when absent.
func (m Metadata) GetBool(key string) bool {
	v, ok := m[key].(bool)
	return ok && v
}

// GetDecimal returns the decimal value for key, or zero when absent or
// unparsable.
func (m Metadata) GetDecimal(key string) decimal.Decimal {
	switch v := m[key].(type) {
	case string:
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(v)
	}
	return decimal.Zero
}

// Clone returns a shallow copy, never nil.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Signal is a candidate trade produced by a strategy. It is persisted as
// PENDING by the signal factory and moved through its lifecycle by the
// executor and the managers.
type Signal struct {
	ID            string          `json:"id" gorm:"primaryKey;size:64"`
	TraceID       string          `json:"trace_id" gorm:"size:64;index"`
	Symbol        string          `json:"symbol" gorm:"size:32;index:idx_signals_dedup"`
	Timeframe     Timeframe       `json:"timeframe" gorm:"size:8;index:idx_signals_dedup"`
	Type          SignalType      `json:"signal_type" gorm:"column:signal_type;size:16;index:idx_signals_dedup"`
	Confidence    decimal.Decimal `json:"confidence" gorm:"type:decimal(8,4)"`
	EntryPrice    decimal.Decimal `json:"entry_price" gorm:"type:decimal(18,8)"`
	StopLoss      decimal.Decimal `json:"stop_loss" gorm:"type:decimal(18,8)"`
	TakeProfit    decimal.Decimal `json:"take_profit" gorm:"type:decimal(18,8)"`
	Volume        decimal.Decimal `json:"volume" gorm:"type:decimal(18,8)"`
	ConnectorType ConnectorType   `json:"connector_type" gorm:"size:24"`
	MarketType    MarketType      `json:"market_type" gorm:"size:16"`
	AccountID     string          `json:"account_id" gorm:"size:64"`
	AccountType   AccountType     `json:"account_type" gorm:"size:8"`
	Status        SignalStatus    `json:"status" gorm:"size:16;index"`
	OrderID       string          `json:"order_id" gorm:"size:64"`
	Timestamp     time.Time       `json:"timestamp" gorm:"index"`
	Metadata      Metadata        `json:"metadata" gorm:"type:text"`
}

// Validate checks the shape of a signal before it enters the pipeline.
func (s *Signal) Validate() error {
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("signal has empty symbol")
	}
	if !s.Type.Valid() {
		return fmt.Errorf("signal %s has invalid type %q", s.ID, s.Type)
	}
	if !s.Timeframe.Valid() {
		return fmt.Errorf("signal %s has invalid timeframe %q", s.ID, s.Timeframe)
	}
	one := decimal.NewFromInt(1)
	if s.Confidence.IsNegative() || s.Confidence.GreaterThan(one) {
		return fmt.Errorf("signal %s confidence %s outside [0,1]", s.ID, s.Confidence)
	}
	if s.Type.Tradeable() && !s.EntryPrice.IsPositive() {
		return fmt.Errorf("signal %s has non-positive entry price", s.ID)
	}
	return nil
}

// RiskReward returns |TP-entry| / |entry-SL|, or zero when SL is missing.
func (s *Signal) RiskReward() decimal.Decimal {
	risk := s.EntryPrice.Sub(s.StopLoss).Abs()
	if risk.IsZero() {
		return decimal.Zero
	}
	return s.TakeProfit.Sub(s.EntryPrice).Abs().Div(risk)
}

// StopDistance returns |entry - SL|.
func (s *Signal) StopDistance() decimal.Decimal {
	return s.EntryPrice.Sub(s.StopLoss).Abs()
}

// IsTerminal reports whether the signal reached a terminal status.
func (s *Signal) IsTerminal() bool {
	return s.Status.Terminal()
}

// AgeAt returns how long the signal has been alive at the given instant.
func (s *Signal) AgeAt(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// Score returns the 0-100 score stored by the factory, falling back to
// confidence*100 when no confluence adjustment ran.
func (s *Signal) Score() float64 {
	if s.Metadata != nil {
		if v := s.Metadata.GetFloat("score"); v > 0 {
			return v
		}
	}
	f, _ := s.Confidence.Float64()
	return f * 100
}

// TradeResult is the closed-loop outcome of an executed signal.
type TradeResult struct {
	ID             string          `json:"id" gorm:"primaryKey;size:64"`
	SignalID       string          `json:"signal_id" gorm:"size:64;uniqueIndex"`
	Symbol         string          `json:"symbol" gorm:"size:32;index"`
	EntryPrice     decimal.Decimal `json:"entry_price" gorm:"type:decimal(18,8)"`
	ExitPrice      decimal.Decimal `json:"exit_price" gorm:"type:decimal(18,8)"`
	ProfitLoss     decimal.Decimal `json:"profit_loss" gorm:"type:decimal(18,8)"`
	Pips           decimal.Decimal `json:"pips" gorm:"type:decimal(18,4)"`
	IsWin          bool            `json:"is_win"`
	ExitReason     ExitReason      `json:"exit_reason" gorm:"size:24"`
	DurationMin    int             `json:"duration_minutes"`
	MarketRegime   MarketRegime    `json:"market_regime" gorm:"size:16"`
	ParametersUsed Metadata        `json:"parameters_used" gorm:"type:text"`
	ClosedAt       time.Time       `json:"closed_at" gorm:"index"`
}

// PositionMetadata is the executor-written record for an open broker
// position, keyed by ticket.
type PositionMetadata struct {
	Ticket            string          `json:"ticket" gorm:"primaryKey;size:64"`
	SignalID          string          `json:"signal_id" gorm:"size:64;index"`
	Symbol            string          `json:"symbol" gorm:"size:32;index"`
	EntryPrice        decimal.Decimal `json:"entry_price" gorm:"type:decimal(18,8)"`
	EntryTime         time.Time       `json:"entry_time"`
	StopLoss          decimal.Decimal `json:"sl" gorm:"type:decimal(18,8)"`
	TakeProfit        decimal.Decimal `json:"tp" gorm:"type:decimal(18,8)"`
	Volume            decimal.Decimal `json:"volume" gorm:"type:decimal(18,8)"`
	InitialRiskUSD    decimal.Decimal `json:"initial_risk_usd" gorm:"type:decimal(18,8)"`
	EntryRegime       MarketRegime    `json:"entry_regime" gorm:"size:16"`
	Timeframe         Timeframe       `json:"timeframe" gorm:"size:8"`
	ModificationCount int             `json:"modification_count"`
	LastModification  time.Time       `json:"last_modification_time"`
	ModificationDay   string          `json:"modification_day" gorm:"size:10"`
	// Previous SL/TP kept so a rejected broker modification can be rolled
	// back without asking the broker.
	PrevStopLoss   decimal.Decimal `json:"prev_sl" gorm:"type:decimal(18,8)"`
	PrevTakeProfit decimal.Decimal `json:"prev_tp" gorm:"type:decimal(18,8)"`
}

// AssetProfile carries the broker-independent instrument constants used for
// sizing. A symbol without a profile must never be sized.
type AssetProfile struct {
	Symbol         string          `json:"symbol" gorm:"primaryKey;size:32"`
	ContractSize   decimal.Decimal `json:"contract_size" gorm:"type:decimal(18,4)"`
	LotStep        decimal.Decimal `json:"lot_step" gorm:"type:decimal(10,4)"`
	LotMin         decimal.Decimal `json:"lot_min" gorm:"type:decimal(10,4)"`
	LotMax         decimal.Decimal `json:"lot_max" gorm:"type:decimal(10,4)"`
	Digits         int             `json:"digits"`
	PipSize        decimal.Decimal `json:"pip_size" gorm:"type:decimal(12,8)"`
	Category       MarketType      `json:"category" gorm:"size:16"`
	Subcategory    string          `json:"subcategory" gorm:"size:24"`
	Enabled        bool            `json:"enabled" gorm:"default:true"`
	MinScore       float64         `json:"min_score"`
	RiskMultiplier decimal.Decimal `json:"risk_multiplier" gorm:"type:decimal(8,4)"`
}

// SessionStats are the per-day orchestrator counters persisted under the
// session_stats system-state key.
type SessionStats struct {
	Date             string `json:"date"`
	SignalsProcessed int    `json:"signals_processed"`
	SignalsExecuted  int    `json:"signals_executed"`
	CyclesCompleted  int    `json:"cycles_completed"`
	ErrorsCount      int    `json:"errors_count"`
}

// SystemState is the typed view over the system_state key-value rows.
type SystemState struct {
	LockdownMode      bool            `json:"lockdown_mode"`
	LockdownDate      string          `json:"lockdown_date"`
	LockdownBalance   decimal.Decimal `json:"lockdown_balance"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	LastTradeTime     time.Time       `json:"last_trade_time"`
	SessionStats      SessionStats    `json:"session_stats"`
	ModulesEnabled    map[string]bool `json:"modules_enabled"`
	GlobalConfig      Metadata        `json:"global_config"`
}

// CoherenceEvent records a detected divergence between what the system
// believes and what the broker/data shows.
type CoherenceEvent struct {
	ID            string        `json:"id" gorm:"primaryKey;size:64"`
	SignalID      string        `json:"signal_id" gorm:"size:64;index"`
	Stage         string        `json:"stage" gorm:"size:32"`
	Status        string        `json:"status" gorm:"size:24"`
	Reason        string        `json:"reason" gorm:"size:255"`
	ConnectorType ConnectorType `json:"connector_type" gorm:"size:24"`
	Timestamp     time.Time     `json:"timestamp" gorm:"index"`
	Metadata      Metadata      `json:"metadata" gorm:"type:text"`
}

// RejectionAudit is the safety-governor veto record.
type RejectionAudit struct {
	TraceID     string          `json:"trace_id" gorm:"primaryKey;size:32"`
	Timestamp   time.Time       `json:"timestamp" gorm:"index"`
	Symbol      string          `json:"symbol" gorm:"size:32"`
	RCalculated decimal.Decimal `json:"r_calculated" gorm:"type:decimal(18,8)"`
	RLimit      decimal.Decimal `json:"r_limit" gorm:"type:decimal(18,8)"`
	Reason      string          `json:"reason" gorm:"size:255"`
}

// MarketState is a snapshot of a classified (symbol, timeframe) pair,
// persisted for history queries.
type MarketState struct {
	ID        uint            `json:"id" gorm:"primaryKey;autoIncrement"`
	Symbol    string          `json:"symbol" gorm:"size:32;index:idx_market_state"`
	Timeframe Timeframe       `json:"timeframe" gorm:"size:8;index:idx_market_state"`
	Regime    MarketRegime    `json:"regime" gorm:"size:16"`
	Close     decimal.Decimal `json:"close" gorm:"type:decimal(18,8)"`
	ADX       float64         `json:"adx"`
	ATRRatio  float64         `json:"atr_ratio"`
	Timestamp time.Time       `json:"timestamp" gorm:"index"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET FRAMES
// ═══════════════════════════════════════════════════════════════════════════════

// Candle is a single OHLCV bar.
type Candle struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// OHLC is a frame of candles for one (symbol, timeframe).
type OHLC struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Candles   []Candle  `json:"candles"`
}

// Len returns the number of candles.
func (f OHLC) Len() int { return len(f.Candles) }

// Empty reports whether the frame has no candles.
func (f OHLC) Empty() bool { return len(f.Candles) == 0 }

// Last returns the most recent candle; ok is false on an empty frame.
func (f OHLC) Last() (Candle, bool) {
	if len(f.Candles) == 0 {
		return Candle{}, false
	}
	return f.Candles[len(f.Candles)-1], true
}

// Closes extracts close prices as float64 for indicator math.
func (f OHLC) Closes() []float64 { return f.extract(func(c Candle) decimal.Decimal { return c.Close }) }

// Highs extracts high prices as float64 for indicator math.
func (f OHLC) Highs() []float64 { return f.extract(func(c Candle) decimal.Decimal { return c.High }) }

// Lows extracts low prices as float64 for indicator math.
func (f OHLC) Lows() []float64 { return f.extract(func(c Candle) decimal.Decimal { return c.Low }) }

// Volumes extracts volumes as float64 for indicator math.
func (f OHLC) Volumes() []float64 {
	return f.extract(func(c Candle) decimal.Decimal { return c.Volume })
}

func (f OHLC) extract(field func(Candle) decimal.Decimal) []float64 {
	out := make([]float64, len(f.Candles))
	for i, c := range f.Candles {
		v, _ := field(c).Float64()
		out[i] = v
	}
	return out
}

// ScanResult is one classified entry of a scan cycle.
type ScanResult struct {
	Symbol    string       `json:"symbol"`
	Timeframe Timeframe    `json:"timeframe"`
	Regime    MarketRegime `json:"regime"`
	Frame     OHLC         `json:"-"`
	ADX       float64      `json:"adx"`
	ATRRatio  float64      `json:"atr_ratio"`
}

// ScanKey identifies a (symbol, timeframe) pair.
type ScanKey struct {
	Symbol    string
	Timeframe Timeframe
}

// String renders the key for logs.
func (k ScanKey) String() string {
	return k.Symbol + "/" + string(k.Timeframe)
}
