package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"

	"github.com/aethelgard/aethelgard/feeds"
	"github.com/aethelgard/aethelgard/regime"
	"github.com/aethelgard/aethelgard/storage"
	"github.com/aethelgard/aethelgard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SCANNER - per-cycle market sweep
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each cycle the scanner sweeps the configured (symbol, timeframe) pairs on a
// worker pool: fetch OHLC through the provider manager, classify the regime,
// collect the results. A pair with no data is omitted from the cycle, never
// an error. Results are cached until the next sweep so the factory and the
// orchestrator read one consistent snapshot.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Scanner sweeps the market and caches the latest classified snapshot.
type Scanner struct {
	store      *storage.Store
	providers  *feeds.Manager
	classifier *regime.Classifier
	pool       *ants.Pool
	perPair    time.Duration

	mu          sync.RWMutex
	lastResults map[types.ScanKey]types.ScanResult
	lastScan    time.Time
	scanCount   int
}

// New builds a scanner with its own worker pool.
func New(store *storage.Store, providers *feeds.Manager, classifier *regime.Classifier, workers int, perPair time.Duration) (*Scanner, error) {
	if workers <= 0 {
		workers = 8
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("scanner pool: %w", err)
	}
	return &Scanner{
		store:       store,
		providers:   providers,
		classifier:  classifier,
		pool:        pool,
		perPair:     perPair,
		lastResults: make(map[types.ScanKey]types.ScanResult),
	}, nil
}

// Close releases the worker pool.
func (s *Scanner) Close() {
	s.pool.Release()
}

// pairsFor expands the scan universe for one mode.
func (s *Scanner) pairsFor(mode types.ScanMode, timeframes []types.Timeframe) []types.ScanKey {
	profiles := s.store.ListAssetProfiles()

	tfs := timeframes
	if mode == types.ScanAggressive {
		tfs = []types.Timeframe{
			types.TimeframeM1, types.TimeframeM5, types.TimeframeM15, types.TimeframeM30,
			types.TimeframeH1, types.TimeframeH4, types.TimeframeD1,
		}
	}

	var pairs []types.ScanKey
	for _, p := range profiles {
		if !p.Enabled {
			continue
		}
		if mode == types.ScanEco && p.Subcategory != "majors" {
			continue
		}
		for _, tf := range tfs {
			pairs = append(pairs, types.ScanKey{Symbol: p.Symbol, Timeframe: tf})
		}
	}
	return pairs
}

// Scan sweeps every pair of the current mode and returns the classified
// snapshot. The caller bounds the whole sweep through ctx.
func (s *Scanner) Scan(ctx context.Context) (map[types.ScanKey]types.ScanResult, error) {
	params, err := s.store.GetDynamicParams()
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	pairs := s.pairsFor(params.Scanner.Mode, params.Scanner.Timeframes)
	if len(pairs) == 0 {
		log.Warn().Msg("scan universe is empty")
		return map[types.ScanKey]types.ScanResult{}, nil
	}

	results := make(map[types.ScanKey]types.ScanResult, len(pairs))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	started := time.Now()
	for _, pair := range pairs {
		if ctx.Err() != nil {
			break
		}
		pair := pair
		wg.Add(1)
		err := s.pool.Submit(func() {
			defer wg.Done()
			res, ok := s.scanPair(ctx, pair, params.Scanner.CandleCount)
			if !ok {
				return
			}
			resultsMu.Lock()
			results[pair] = res
			resultsMu.Unlock()
		})
		if err != nil {
			wg.Done()
			log.Warn().Err(err).Str("pair", pair.String()).Msg("scan task not scheduled")
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// Workers holding the per-pair ctx unwind on their own; return
		// whatever completed.
		<-done
	}

	s.mu.Lock()
	s.lastResults = results
	s.lastScan = time.Now()
	s.scanCount++
	s.mu.Unlock()

	log.Debug().
		Int("pairs", len(pairs)).
		Int("classified", len(results)).
		Dur("took", time.Since(started)).
		Msg("🔍 Scan cycle complete")

	return s.Results(), nil
}

// scanPair fetches and classifies one pair. ok=false omits the pair.
func (s *Scanner) scanPair(ctx context.Context, pair types.ScanKey, candles int) (types.ScanResult, bool) {
	pctx, cancel := context.WithTimeout(ctx, s.perPair)
	defer cancel()

	frame, err := s.providers.FetchOHLC(pctx, pair.Symbol, pair.Timeframe, candles)
	if err != nil {
		log.Debug().Err(err).Str("pair", pair.String()).Msg("pair omitted from cycle")
		return types.ScanResult{}, false
	}

	state, err := s.classifier.Classify(frame)
	if err != nil {
		log.Warn().Err(err).Str("pair", pair.String()).Msg("classification failed")
		return types.ScanResult{}, false
	}

	return types.ScanResult{
		Symbol:    pair.Symbol,
		Timeframe: pair.Timeframe,
		Regime:    state.Regime,
		Frame:     frame,
		ADX:       state.ADX,
		ATRRatio:  state.ATRRatio,
	}, true
}

// Results returns a copy of the latest snapshot.
func (s *Scanner) Results() map[types.ScanKey]types.ScanResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.ScanKey]types.ScanResult, len(s.lastResults))
	for k, v := range s.lastResults {
		out[k] = v
	}
	return out
}

// RegimeFor returns the cached regime for a symbol, preferring the lowest
// timeframe present, with NEUTRAL for unknown symbols.
func (s *Scanner) RegimeFor(symbol string) types.MarketRegime {
	s.mu.RLock()
	defer s.mu.RUnlock()

	best := types.RegimeNeutral
	bestMinutes := 0
	for k, v := range s.lastResults {
		if k.Symbol != symbol {
			continue
		}
		m := k.Timeframe.Minutes()
		if bestMinutes == 0 || m < bestMinutes {
			best, bestMinutes = v.Regime, m
		}
	}
	return best
}

// dominanceOrder breaks frequency ties: the more severe regime wins.
var dominanceOrder = []types.MarketRegime{
	types.RegimeCrash, types.RegimeShock, types.RegimeVolatile,
	types.RegimeBear, types.RegimeBull, types.RegimeTrend,
	types.RegimeRange, types.RegimeNeutral,
}

// DominantRegime returns the most frequent regime across the snapshot.
// An empty snapshot reads as RANGE.
func (s *Scanner) DominantRegime() types.MarketRegime {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.lastResults) == 0 {
		return types.RegimeRange
	}

	counts := make(map[types.MarketRegime]int)
	for _, r := range s.lastResults {
		counts[r.Regime]++
	}

	dominant := types.RegimeRange
	best := -1
	for _, regime := range dominanceOrder {
		if n := counts[regime]; n > best {
			dominant, best = regime, n
		}
	}
	return dominant
}

// GetStats returns scanner counters for the operator surfaces.
func (s *Scanner) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"scan_count":   s.scanCount,
		"last_scan":    s.lastScan,
		"cached_pairs": len(s.lastResults),
		"pool_running": s.pool.Running(),
		"pool_cap":     s.pool.Cap(),
	}
}
