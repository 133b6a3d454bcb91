package signals

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/aethelgard/aethelgard/storage"
	"github.com/aethelgard/aethelgard/strategy"
	"github.com/aethelgard/aethelgard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL FACTORY - Strategy dispatch, dedup, persistence
// ═══════════════════════════════════════════════════════════════════════════════
//
// One Process call per orchestrator cycle. Every scan entry is handed to every
// enabled strategy in parallel; the surviving candidates are deduplicated
// against open positions and the timeframe dedup window, adjusted by
// confluence, persisted as PENDING and optionally pushed to the notifier for
// PREMIUM and VIP tiers.
//
// Candidates are persisted one at a time in a deterministic order, so two
// same-shape candidates born in the same cycle dedup against each other: the
// first lands, the second sees it as recent.
//
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyFunc receives every persisted signal whose tier clears the premium
// bar.
type NotifyFunc func(sig *types.Signal, tier types.NotificationTier)

// Factory turns scan results into persisted PENDING signals.
type Factory struct {
	store            *storage.Store
	defaultConnector types.ConnectorType
	strategies       []strategy.Strategy

	mu        sync.RWMutex
	notify    NotifyFunc
	generated int
	deduped   int
	persisted int
}

// NewFactory registers the strategy set at composition time.
func NewFactory(store *storage.Store, defaultConnector types.ConnectorType, strategies ...strategy.Strategy) *Factory {
	return &Factory{
		store:            store,
		defaultConnector: defaultConnector,
		strategies:       strategies,
	}
}

// SetNotifyFunc wires the notification sink. Nil disables dispatch.
func (f *Factory) SetNotifyFunc(fn NotifyFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = fn
}

// Strategies returns the registered strategy IDs.
func (f *Factory) Strategies() []string {
	ids := make([]string, 0, len(f.strategies))
	for _, st := range f.strategies {
		ids = append(ids, st.ID())
	}
	return ids
}

// Process runs one factory cycle over the scan snapshot and returns the batch
// of freshly persisted PENDING signals.
func (f *Factory) Process(ctx context.Context, scan map[types.ScanKey]types.ScanResult) ([]*types.Signal, error) {
	params, err := f.store.GetDynamicParams()
	if err != nil {
		return nil, fmt.Errorf("factory: %w", err)
	}

	candidates := f.dispatch(ctx, scan)
	f.mu.Lock()
	f.generated += len(candidates)
	f.mu.Unlock()

	regimesBySymbol := groupRegimes(scan)

	var persisted []*types.Signal
	for _, sig := range candidates {
		if ctx.Err() != nil {
			break
		}
		if !sig.Type.Tradeable() {
			continue
		}

		if f.store.HasOpenPosition(sig.Symbol) {
			f.drop(sig, types.ReasonOpenPosition)
			continue
		}
		if f.store.HasRecentSignal(sig.Symbol, sig.Type, sig.Timeframe) {
			f.drop(sig, types.ReasonDuplicate)
			continue
		}

		if sig.ConnectorType == "" {
			sig.ConnectorType = f.defaultConnector
		}
		if profile := f.store.GetAssetProfile(sig.Symbol, sig.TraceID); profile != nil {
			sig.MarketType = profile.Category
		}

		score := ApplyConfluence(sig, regimesBySymbol[sig.Symbol], params.Confluence)

		if _, err := f.store.SaveSignal(sig); err != nil {
			log.Error().Err(err).Str("symbol", sig.Symbol).Msg("signal not persisted")
			continue
		}

		f.mu.Lock()
		f.persisted++
		notify := f.notify
		f.mu.Unlock()

		tier := types.TierForScore(score)
		log.Info().
			Str("trace_id", sig.TraceID).
			Str("symbol", sig.Symbol).
			Str("timeframe", string(sig.Timeframe)).
			Str("type", string(sig.Type)).
			Float64("score", score).
			Str("tier", string(tier)).
			Msg("⚡ Signal persisted")

		if notify != nil && tier.AtLeast(types.TierPremium) {
			notify(sig, tier)
		}
		persisted = append(persisted, sig)
	}

	return persisted, nil
}

// dispatch fans every scan entry out to every enabled strategy and returns
// the non-nil outputs in a deterministic order.
func (f *Factory) dispatch(ctx context.Context, scan map[types.ScanKey]types.ScanResult) []*types.Signal {
	keys := make([]types.ScanKey, 0, len(scan))
	for k := range scan {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Symbol != keys[j].Symbol {
			return keys[i].Symbol < keys[j].Symbol
		}
		return keys[i].Timeframe.Minutes() < keys[j].Timeframe.Minutes()
	})

	var out []*types.Signal
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		entry := scan[key]

		var mu sync.Mutex
		var wg sync.WaitGroup
		batch := make([]*types.Signal, 0, len(f.strategies))
		for _, st := range f.strategies {
			if !st.Enabled() {
				continue
			}
			st := st
			wg.Add(1)
			go func() {
				defer wg.Done()
				sig := st.Analyze(entry.Symbol, entry.Frame, entry.Regime)
				if sig == nil {
					return
				}
				mu.Lock()
				batch = append(batch, sig)
				mu.Unlock()
			}()
		}
		wg.Wait()

		sort.Slice(batch, func(i, j int) bool {
			return batch[i].Metadata.GetString("strategy_id") < batch[j].Metadata.GetString("strategy_id")
		})
		out = append(out, batch...)
	}
	return out
}

func (f *Factory) drop(sig *types.Signal, reason string) {
	f.mu.Lock()
	f.deduped++
	f.mu.Unlock()
	log.Debug().
		Str("symbol", sig.Symbol).
		Str("timeframe", string(sig.Timeframe)).
		Str("type", string(sig.Type)).
		Str("reason", reason).
		Msg("candidate dropped")
}

// groupRegimes indexes a scan snapshot by symbol for confluence lookups.
func groupRegimes(scan map[types.ScanKey]types.ScanResult) map[string]map[types.Timeframe]types.MarketRegime {
	out := make(map[string]map[types.Timeframe]types.MarketRegime)
	for key, res := range scan {
		m, ok := out[key.Symbol]
		if !ok {
			m = make(map[types.Timeframe]types.MarketRegime)
			out[key.Symbol] = m
		}
		m[key.Timeframe] = res.Regime
	}
	return out
}

// GetStats returns factory counters for the operator surfaces.
func (f *Factory) GetStats() map[string]interface{} {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return map[string]interface{}{
		"strategies": len(f.strategies),
		"generated":  f.generated,
		"deduped":    f.deduped,
		"persisted":  f.persisted,
	}
}
