package risk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/aethelgard/aethelgard/connector"
	"github.com/aethelgard/aethelgard/internal/monitoring"
	"github.com/aethelgard/aethelgard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION SIZING - Decimal lot calculation with a circuit breaker
// ═══════════════════════════════════════════════════════════════════════════════
//
// Formula: lots = risk_usd / (sl_pips * pip_value_usd)
//
// Pip value for non-USD quote currencies triangulates through the USD cross
// the connector quotes (GBPJPY routes through USDJPY). Every result is
// snapped DOWN to the venue volume step so realized risk never exceeds the
// target, then sanity-checked against the target band and the absolute
// account ceiling.
//
// Three consecutive calculation failures open the sizing circuit breaker;
// while open every request is refused with ErrCircuitOpen until the cooldown
// elapses and a trial calculation succeeds.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrAssetNotNormalized marks sizing attempts on a symbol without an
	// asset profile. Wrapped errors carry the symbol.
	ErrAssetNotNormalized = errors.New("asset not normalized")

	// ErrCircuitOpen is returned while the sizing breaker refuses requests.
	ErrCircuitOpen = errors.New("position sizing circuit breaker open")
)

const sizingFailureLimit = 3

// Sanity band around the risk target: realized risk must stay within
// [0.7x, 1.1x] of target and under 3% of the account in absolute terms.
var (
	sanityUpperFactor = decimal.NewFromFloat(1.1)
	sanityLowerFactor = decimal.NewFromFloat(0.7)
	sanityAccountCap  = decimal.NewFromFloat(0.03)

	volatilityHalf = decimal.NewFromFloat(0.5)
)

// sizingBreaker wraps gobreaker with the cooldown it was armed with.
type sizingBreaker struct {
	cb       *gobreaker.CircuitBreaker
	cooldown time.Duration
}

func newSizingBreaker(g *Governor) *sizingBreaker {
	cooldown := 5 * time.Minute
	if v := os.Getenv("SIZING_BREAKER_COOLDOWN_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			cooldown = time.Duration(sec) * time.Second
		}
	}

	sb := &sizingBreaker{cooldown: cooldown}
	sb.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "position-sizing",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= sizingFailureLimit
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				log.Error().
					Str("breaker", name).
					Dur("cooldown", cooldown).
					Msg("🚨 Sizing circuit breaker OPEN")
				g.notifyf("🚨 Sizing circuit breaker open",
					fmt.Sprintf("%d consecutive sizing failures, trading blocked for %s",
						sizingFailureLimit, cooldown))
			case gobreaker.StateClosed:
				if from != gobreaker.StateClosed {
					log.Info().Str("breaker", name).Msg("✅ Sizing circuit breaker closed")
					g.notifyf("✅ Sizing circuit breaker closed", "calculation recovered")
				}
			}
		},
	})
	return sb
}

func (sb *sizingBreaker) state() string {
	return sb.cb.State().String()
}

// SizingBlocked reports whether the sizing breaker currently refuses
// requests.
func (g *Governor) SizingBlocked() bool {
	return g.breaker.cb.State() == gobreaker.StateOpen
}

// ═══════════════════════════════════════════════════════════════════════════════
// BASIC SIZING
// ═══════════════════════════════════════════════════════════════════════════════

// CalculatePositionSize converts a USD risk amount and a stop distance in
// price units into lots, using the asset profile's contract constants.
// Result is snapped down to lot_step and clamped to [lot_min, lot_max].
func (g *Governor) CalculatePositionSize(symbol string, riskUSD, slDistance decimal.Decimal) (decimal.Decimal, error) {
	profile := g.store.GetAssetProfile(symbol, "")
	if profile == nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrAssetNotNormalized, symbol)
	}
	if !riskUSD.IsPositive() || !slDistance.IsPositive() {
		return decimal.Zero, fmt.Errorf("sizing %s needs positive risk and stop distance, got risk=%s distance=%s",
			symbol, riskUSD, slDistance)
	}

	riskPerLot := slDistance.Mul(profile.ContractSize)
	lots := snapDown(riskUSD.Div(riskPerLot), profile.LotStep)
	return clampVolume(lots, profile.LotMin, profile.LotMax), nil
}

// RiskInUSD values the stop distance of a sized signal in USD, triangulating
// the quote currency the same way the sizer does. The executor stamps the
// result into position metadata as initial_risk_usd.
func (g *Governor) RiskInUSD(ctx context.Context, sig *types.Signal, conn connector.Connector) (decimal.Decimal, error) {
	profile := g.store.GetAssetProfile(sig.Symbol, sig.TraceID)
	if profile == nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrAssetNotNormalized, sig.Symbol)
	}
	usdRate, err := quoteUSDRate(ctx, conn, quoteCurrency(sig.Symbol, profile))
	if err != nil {
		return decimal.Zero, fmt.Errorf("risk valuation %s: %w", sig.Symbol, err)
	}
	return sig.StopDistance().Mul(profile.ContractSize).Mul(usdRate).Mul(sig.Volume), nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// MASTER SIZING
// ═══════════════════════════════════════════════════════════════════════════════

// CalculatePositionSizeMaster is the single source of truth for order
// volume: live balance, venue symbol info, pip value with cross-currency
// triangulation, regime volatility multiplier, margin validation and the
// final sanity band. Runs behind the sizing circuit breaker.
func (g *Governor) CalculatePositionSizeMaster(ctx context.Context, sig *types.Signal, conn connector.Connector, regime types.MarketRegime) (decimal.Decimal, error) {
	started := time.Now()
	out, err := g.breaker.cb.Execute(func() (interface{}, error) {
		return g.sizeMaster(ctx, sig, conn, regime)
	})
	monitoring.ObserveSizing(time.Since(started))

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return decimal.Zero, ErrCircuitOpen
		}
		return decimal.Zero, err
	}
	return out.(decimal.Decimal), nil
}

func (g *Governor) sizeMaster(ctx context.Context, sig *types.Signal, conn connector.Connector, regime types.MarketRegime) (decimal.Decimal, error) {
	profile := g.store.GetAssetProfile(sig.Symbol, sig.TraceID)
	if profile == nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrAssetNotNormalized, sig.Symbol)
	}

	slDistance := sig.StopDistance()
	if !slDistance.IsPositive() {
		return decimal.Zero, fmt.Errorf("sizing %s: signal has no stop loss", sig.Symbol)
	}

	balance, err := conn.GetAccountBalance(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sizing %s: balance: %w", sig.Symbol, err)
	}
	if !balance.IsPositive() {
		return decimal.Zero, fmt.Errorf("sizing %s: non-positive balance %s", sig.Symbol, balance)
	}

	info, err := conn.GetSymbolInfo(ctx, sig.Symbol)
	if err != nil || info == nil {
		return decimal.Zero, fmt.Errorf("sizing %s: symbol info: %w", sig.Symbol, err)
	}

	params, err := g.store.GetDynamicParams()
	if err != nil {
		return decimal.Zero, fmt.Errorf("sizing %s: params: %w", sig.Symbol, err)
	}

	// Risk budget: balance × risk_per_trade, halved in mean-reverting or
	// crashing regimes, scaled by the per-instrument multiplier.
	mult := decimal.NewFromInt(1)
	if regime == types.RegimeRange || regime == types.RegimeCrash {
		mult = volatilityHalf
	}
	riskUSD := balance.Mul(params.RiskPerTrade).Mul(mult)
	if profile.RiskMultiplier.IsPositive() {
		riskUSD = riskUSD.Mul(profile.RiskMultiplier)
	}

	// Pip value in USD per lot, triangulated when the quote side is not USD.
	quote := quoteCurrency(sig.Symbol, profile)
	usdRate, err := quoteUSDRate(ctx, conn, quote)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sizing %s: %w", sig.Symbol, err)
	}
	pipValueUSD := profile.PipSize.Mul(profile.ContractSize).Mul(usdRate)
	if !pipValueUSD.IsPositive() {
		return decimal.Zero, fmt.Errorf("sizing %s: non-positive pip value", sig.Symbol)
	}

	slPips := slDistance.Div(profile.PipSize)
	lots := riskUSD.Div(slPips.Mul(pipValueUSD))

	// Normalize to the venue's volume constraints.
	lots = clampVolume(snapDown(lots, info.VolumeStep), info.VolumeMin, info.VolumeMax)
	if !lots.IsPositive() {
		return decimal.Zero, fmt.Errorf("sizing %s: volume collapsed to zero", sig.Symbol)
	}

	// Margin validation against the notional in USD.
	notionalUSD := lots.Mul(profile.ContractSize).Mul(sig.EntryPrice).Mul(usdRate)
	margin := notionalUSD.Div(accountLeverage())
	if margin.GreaterThan(balance) {
		return decimal.Zero, fmt.Errorf("sizing %s: margin %s exceeds balance %s",
			sig.Symbol, margin.StringFixed(2), balance.StringFixed(2))
	}

	// Final sanity: realized risk must sit inside the band around the
	// target and under the absolute account ceiling.
	realized := lots.Mul(slPips).Mul(pipValueUSD)
	if realized.GreaterThan(riskUSD.Mul(sanityUpperFactor)) ||
		realized.LessThan(riskUSD.Mul(sanityLowerFactor)) {
		return decimal.Zero, fmt.Errorf("%s: realized risk %s outside band of target %s for %s",
			types.ReasonSizingSanity, realized.StringFixed(2), riskUSD.StringFixed(2), sig.Symbol)
	}
	if realized.GreaterThan(balance.Mul(sanityAccountCap)) {
		return decimal.Zero, fmt.Errorf("%s: realized risk %s exceeds 3%% of account %s",
			types.ReasonSizingSanity, realized.StringFixed(2), balance.StringFixed(2))
	}

	log.Info().
		Str("trace_id", sig.TraceID).
		Str("symbol", sig.Symbol).
		Str("regime", string(regime)).
		Str("risk_usd", riskUSD.StringFixed(2)).
		Str("realized_risk", realized.StringFixed(2)).
		Str("lots", lots.String()).
		Msg("💰 Position sized")
	return lots, nil
}

// accountLeverage reads the assumed account leverage for margin validation.
func accountLeverage() decimal.Decimal {
	if v := os.Getenv("ACCOUNT_LEVERAGE"); v != "" {
		if lev, err := strconv.Atoi(v); err == nil && lev > 0 {
			return decimal.NewFromInt(int64(lev))
		}
	}
	return decimal.NewFromInt(30)
}

// quoteCurrency returns the quote side of a symbol. Forex pairs are
// six-letter BASEQUOTE codes; metals, crypto and indices in the default
// universe all quote in USD.
func quoteCurrency(symbol string, profile *types.AssetProfile) string {
	if strings.HasSuffix(symbol, "USD") {
		return "USD"
	}
	if profile.Category == types.MarketForex && len(symbol) == 6 {
		return symbol[3:]
	}
	return "USD"
}

// quoteUSDRate converts one unit of the quote currency into USD. Non-USD
// quotes triangulate through whichever USD cross the connector quotes:
// <QUOTE>USD directly, or the inverse of USD<QUOTE> (GBPJPY routes through
// USDJPY).
func quoteUSDRate(ctx context.Context, conn connector.Connector, quote string) (decimal.Decimal, error) {
	if quote == "USD" {
		return decimal.NewFromInt(1), nil
	}
	if mid, ok := midPrice(ctx, conn, quote+"USD"); ok {
		return mid, nil
	}
	if mid, ok := midPrice(ctx, conn, "USD"+quote); ok {
		return decimal.NewFromInt(1).Div(mid), nil
	}
	return decimal.Zero, fmt.Errorf("no USD cross quoted for %s", quote)
}

func midPrice(ctx context.Context, conn connector.Connector, symbol string) (decimal.Decimal, bool) {
	info, err := conn.GetSymbolInfo(ctx, symbol)
	if err != nil || info == nil || !info.Bid.IsPositive() || !info.Ask.IsPositive() {
		return decimal.Zero, false
	}
	return info.Bid.Add(info.Ask).Div(decimal.NewFromInt(2)), true
}

// snapDown rounds lots down to the venue step so realized risk never lands
// above the target.
func snapDown(lots, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return lots
	}
	return lots.Div(step).Floor().Mul(step)
}

func clampVolume(lots, min, max decimal.Decimal) decimal.Decimal {
	if min.IsPositive() && lots.LessThan(min) {
		return min
	}
	if max.IsPositive() && lots.GreaterThan(max) {
		return max
	}
	return lots
}
