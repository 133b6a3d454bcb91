package feeds

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/aethelgard/aethelgard/types"
)

// ErrNoData means a provider has nothing for the requested pair. The manager
// treats it as a skip, not a failure.
var ErrNoData = errors.New("no market data for pair")

// Provider serves OHLC frames and spot prices for the scanner.
type Provider interface {
	Name() string
	FetchOHLC(ctx context.Context, symbol string, tf types.Timeframe, count int) (types.OHLC, error)
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

type registeredProvider struct {
	provider Provider
	priority int
}

// Manager fans a fetch across registered providers in priority order. The
// first provider that returns a usable frame wins; failures are logged and
// skipped so one dead feed never stalls a scan cycle.
type Manager struct {
	mu        sync.RWMutex
	providers []registeredProvider
}

// NewManager returns an empty provider manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a provider. Lower priority values are tried first.
func (m *Manager) Register(p Provider, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, registeredProvider{provider: p, priority: priority})
	sort.SliceStable(m.providers, func(i, j int) bool {
		return m.providers[i].priority < m.providers[j].priority
	})
	log.Info().Str("provider", p.Name()).Int("priority", priority).Msg("📥 Market data provider registered")
}

// Providers lists registered provider names in priority order.
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.providers))
	for i, rp := range m.providers {
		out[i] = rp.provider.Name()
	}
	return out
}

// FetchOHLC returns the first non-empty frame across providers.
func (m *Manager) FetchOHLC(ctx context.Context, symbol string, tf types.Timeframe, count int) (types.OHLC, error) {
	m.mu.RLock()
	providers := make([]registeredProvider, len(m.providers))
	copy(providers, m.providers)
	m.mu.RUnlock()

	if len(providers) == 0 {
		return types.OHLC{}, errors.New("no providers registered")
	}

	for _, rp := range providers {
		if ctx.Err() != nil {
			return types.OHLC{}, ctx.Err()
		}
		frame, err := rp.provider.FetchOHLC(ctx, symbol, tf, count)
		if err != nil {
			if !errors.Is(err, ErrNoData) {
				log.Warn().Err(err).
					Str("provider", rp.provider.Name()).
					Str("symbol", symbol).
					Str("timeframe", string(tf)).
					Msg("provider fetch failed, trying next")
			}
			continue
		}
		if frame.Empty() {
			continue
		}
		return frame, nil
	}
	return types.OHLC{}, fmt.Errorf("%w: %s/%s", ErrNoData, symbol, tf)
}

// FetchPrice returns the first non-zero spot price across providers.
func (m *Manager) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.RLock()
	providers := make([]registeredProvider, len(m.providers))
	copy(providers, m.providers)
	m.mu.RUnlock()

	for _, rp := range providers {
		if ctx.Err() != nil {
			return decimal.Zero, ctx.Err()
		}
		price, err := rp.provider.FetchPrice(ctx, symbol)
		if err != nil || price.IsZero() {
			continue
		}
		return price, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s price", ErrNoData, symbol)
}
