package types

import (
	"fmt"
	"strings"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENUMS - Tagged types shared across the pipeline
// ═══════════════════════════════════════════════════════════════════════════════

// SignalType is the action a signal requests.
type SignalType string

const (
	SignalBuy    SignalType = "BUY"
	SignalSell   SignalType = "SELL"
	SignalHold   SignalType = "HOLD"
	SignalClose  SignalType = "CLOSE"
	SignalModify SignalType = "MODIFY"
)

// Valid reports whether the signal type is one of the known values.
func (s SignalType) Valid() bool {
	switch s {
	case SignalBuy, SignalSell, SignalHold, SignalClose, SignalModify:
		return true
	}
	return false
}

// Tradeable reports whether the type opens a position.
func (s SignalType) Tradeable() bool {
	return s == SignalBuy || s == SignalSell
}

// SignalStatus is the lifecycle state of a signal.
type SignalStatus string

const (
	StatusPending  SignalStatus = "PENDING"
	StatusExecuted SignalStatus = "EXECUTED"
	StatusRejected SignalStatus = "REJECTED"
	StatusExpired  SignalStatus = "EXPIRED"
	StatusClosed   SignalStatus = "CLOSED"
)

// Terminal reports whether no further transition is allowed.
func (s SignalStatus) Terminal() bool {
	return s == StatusRejected || s == StatusExpired || s == StatusClosed
}

// CanTransitionTo reports whether status may legally move to next.
// PENDING → {EXECUTED, REJECTED, EXPIRED}; EXECUTED → CLOSED.
func (s SignalStatus) CanTransitionTo(next SignalStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusExecuted || next == StatusRejected || next == StatusExpired
	case StatusExecuted:
		return next == StatusClosed
	}
	return false
}

// Timeframe is one of the canonical chart timeframes.
type Timeframe string

const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
)

// Timeframes lists every canonical timeframe in ascending order.
var Timeframes = []Timeframe{
	TimeframeM1, TimeframeM5, TimeframeM15, TimeframeM30,
	TimeframeH1, TimeframeH4, TimeframeD1,
}

var timeframeMinutes = map[Timeframe]int{
	TimeframeM1:  1,
	TimeframeM5:  5,
	TimeframeM15: 15,
	TimeframeM30: 30,
	TimeframeH1:  60,
	TimeframeH4:  240,
	TimeframeD1:  1440,
}

// Dedup windows: how long two signals of the same (symbol, type, timeframe)
// are considered duplicates of each other.
var timeframeDedupMinutes = map[Timeframe]int{
	TimeframeM1:  5,
	TimeframeM5:  20,
	TimeframeM15: 60,
	TimeframeM30: 120,
	TimeframeH1:  240,
	TimeframeH4:  480,
	TimeframeD1:  1440,
}

// Valid reports whether the timeframe is canonical.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeMinutes[tf]
	return ok
}

// Minutes returns the bar length in minutes.
func (tf Timeframe) Minutes() int {
	return timeframeMinutes[tf]
}

// Duration returns the bar length as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(timeframeMinutes[tf]) * time.Minute
}

// DedupWindow returns how long a same-shape signal blocks new ones.
func (tf Timeframe) DedupWindow() time.Duration {
	return time.Duration(timeframeDedupMinutes[tf]) * time.Minute
}

// ExpiryWindow returns how long a PENDING signal stays fresh. A signal older
// than one full bar of its timeframe has missed its setup.
func (tf Timeframe) ExpiryWindow() time.Duration {
	return tf.Duration()
}

// ParseTimeframe normalizes provider timeframe strings ("5m", "1h", "M5",
// "H1", ...) into the canonical set.
func ParseTimeframe(s string) (Timeframe, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "M1", "1M", "1MIN":
		return TimeframeM1, nil
	case "M5", "5M", "5MIN":
		return TimeframeM5, nil
	case "M15", "15M", "15MIN":
		return TimeframeM15, nil
	case "M30", "30M", "30MIN":
		return TimeframeM30, nil
	case "H1", "1H", "60M":
		return TimeframeH1, nil
	case "H4", "4H":
		return TimeframeH4, nil
	case "D1", "1D", "D":
		return TimeframeD1, nil
	}
	return "", fmt.Errorf("unknown timeframe %q", s)
}

// MarketRegime classifies current market behavior for a (symbol, timeframe).
type MarketRegime string

const (
	RegimeTrend    MarketRegime = "TREND"
	RegimeRange    MarketRegime = "RANGE"
	RegimeVolatile MarketRegime = "VOLATILE"
	RegimeShock    MarketRegime = "SHOCK"
	RegimeBull     MarketRegime = "BULL"
	RegimeBear     MarketRegime = "BEAR"
	RegimeCrash    MarketRegime = "CRASH"
	RegimeNeutral  MarketRegime = "NEUTRAL"
)

// Valid reports whether the regime is one of the known values.
func (r MarketRegime) Valid() bool {
	switch r {
	case RegimeTrend, RegimeRange, RegimeVolatile, RegimeShock,
		RegimeBull, RegimeBear, RegimeCrash, RegimeNeutral:
		return true
	}
	return false
}

// Trending reports whether the regime is directional (TREND, BULL, BEAR).
func (r MarketRegime) Trending() bool {
	return r == RegimeTrend || r == RegimeBull || r == RegimeBear
}

// Emergency reports whether the regime must take effect immediately,
// bypassing confirmation-bar hysteresis.
func (r MarketRegime) Emergency() bool {
	return r == RegimeShock || r == RegimeCrash
}

// ParseRegime normalizes a regime string. NORMAL is accepted as a legacy
// alias of NEUTRAL.
func ParseRegime(s string) (MarketRegime, error) {
	r := MarketRegime(strings.ToUpper(strings.TrimSpace(s)))
	if r == "NORMAL" {
		return RegimeNeutral, nil
	}
	if !r.Valid() {
		return "", fmt.Errorf("unknown market regime %q", s)
	}
	return r, nil
}

// ConnectorType identifies the broker connector a signal routes to.
type ConnectorType string

const (
	ConnectorMetaTrader5 ConnectorType = "METATRADER5"
	ConnectorNinjaTrader ConnectorType = "NINJATRADER"
	ConnectorPaper       ConnectorType = "PAPER"
	ConnectorCCXT        ConnectorType = "CCXT"
	ConnectorWebhook     ConnectorType = "WEBHOOK"
)

// RequiresTicket reports whether an execution without a broker ticket is
// incoherent for this connector.
func (c ConnectorType) RequiresTicket() bool {
	return c == ConnectorMetaTrader5
}

// MarketType is the venue category of an instrument.
type MarketType string

const (
	MarketForex     MarketType = "FOREX"
	MarketCrypto    MarketType = "CRYPTO"
	MarketIndex     MarketType = "INDEX"
	MarketMetal     MarketType = "METAL"
	MarketCommodity MarketType = "COMMODITY"
	MarketStock     MarketType = "STOCK"
)

// Centralized reports whether the venue clears through a central exchange,
// in which case cross-provider signals are acceptable.
func (m MarketType) Centralized() bool {
	return m == MarketStock || m == MarketIndex
}

// AccountType distinguishes demo and live accounts.
type AccountType string

const (
	AccountDemo AccountType = "DEMO"
	AccountReal AccountType = "REAL"
)

// ExitReason explains why a position closed.
type ExitReason string

const (
	ExitTakeProfit   ExitReason = "TAKE_PROFIT"
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitManual       ExitReason = "MANUAL"
	ExitExpired      ExitReason = "EXPIRED"
	ExitBrokerClosed ExitReason = "BROKER_CLOSED"
	ExitEmergency    ExitReason = "EMERGENCY_STOP"
	ExitStale        ExitReason = "STALE_EXIT"
)

// ScanMode controls how many pairs the scanner polls per cycle.
type ScanMode string

const (
	ScanEco        ScanMode = "ECO"
	ScanStandard   ScanMode = "STANDARD"
	ScanAggressive ScanMode = "AGGRESSIVE"
)

// Rejection reasons attached to REJECTED signals and audit records.
const (
	ReasonInvalidData        = "INVALID_DATA"
	ReasonLockdown           = "REJECTED_LOCKDOWN"
	ReasonConnection         = "REJECTED_CONNECTION"
	ReasonSafetyGovernor     = "SAFETY_GOV"
	ReasonDuplicate          = "DUPLICATE_SIGNAL"
	ReasonOpenPosition       = "OPEN_POSITION"
	ReasonInstrumentDisabled = "INSTRUMENT_DISABLED"
	ReasonLowScore           = "LOW_SCORE"
	ReasonSentimentVeto      = "SENTIMENT_VETO"
	ReasonAccountRiskCap     = "ACCOUNT_RISK_CAP"
	ReasonCircuitBreaker     = "CIRCUIT_BREAKER_ACTIVE"
	ReasonLiquidity          = "LOW_LIQUIDITY"
	ReasonSizingSanity       = "SIZING_SANITY"
)

// NotificationTier grades signals for operator notification routing.
type NotificationTier string

const (
	TierStandard NotificationTier = "STANDARD"
	TierPremium  NotificationTier = "PREMIUM"
	TierVIP      NotificationTier = "VIP"
)

// TierForScore maps an adjusted 0-100 score to a notification tier.
func TierForScore(score float64) NotificationTier {
	switch {
	case score >= 80:
		return TierVIP
	case score >= 65:
		return TierPremium
	default:
		return TierStandard
	}
}

// AtLeast reports whether the tier ranks at or above other.
func (t NotificationTier) AtLeast(other NotificationTier) bool {
	rank := map[NotificationTier]int{TierStandard: 0, TierPremium: 1, TierVIP: 2}
	return rank[t] >= rank[other]
}
