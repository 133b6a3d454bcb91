package coherence

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aethelgard/aethelgard/events"
	"github.com/aethelgard/aethelgard/internal/monitoring"
	"github.com/aethelgard/aethelgard/storage"
	"github.com/aethelgard/aethelgard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// COHERENCE MONITOR - Catching stored state that cannot be true
// ═══════════════════════════════════════════════════════════════════════════════
//
// Sweeps recent signals for rows that contradict broker reality: fills
// without tickets, provider-native symbols that slipped past normalization,
// PENDING rows the expiration sweep should have retired, and broker-refused
// orders worth studying. Each finding is logged once and pushed to the
// events hub. The monitor never mutates the rows it flags; repairs belong
// to the reconciler and to operators.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Statuses the monitor emits.
const (
	StatusMissingTicket       = "MISSING_TICKET"
	StatusUnnormalizedSymbol  = "UNNORMALIZED_SYMBOL"
	StatusStuckPending        = "STUCK_PENDING"
	StatusLearningOpportunity = "LEARNING_OPPORTUNITY"
)

// Provider-native suffixes that betray a symbol which skipped normalization.
var providerSuffixes = []string{".sml", "=X", "-PRO"}

const (
	defaultWindowHours = 24

	// Findings already logged within this window are not repeated.
	dedupWindow = 48 * time.Hour
)

// Monitor sweeps recent signals for incoherent state.
type Monitor struct {
	store  *storage.Store
	hub    *events.Hub
	window time.Duration

	mu      sync.RWMutex
	sweeps  int
	flagged int
}

// NewMonitor wires the monitor. windowHours <= 0 falls back to 24h.
func NewMonitor(store *storage.Store, hub *events.Hub, windowHours int) *Monitor {
	if windowHours <= 0 {
		windowHours = defaultWindowHours
	}
	return &Monitor{
		store:  store,
		hub:    hub,
		window: time.Duration(windowHours) * time.Hour,
	}
}

// Sweep runs one pass over recent signals and returns the number of fresh
// findings. Previously logged findings are skipped, so the sweep is safe to
// run every cycle and across restarts.
func (m *Monitor) Sweep() int {
	params, err := m.store.GetDynamicParams()
	if err != nil {
		log.Error().Err(err).Msg("coherence sweep cannot read params")
		monitoring.RecordError("coherence")
		return 0
	}

	logged := m.recentIndex()
	fresh := 0
	signals := m.store.GetRecentSignals(int(m.window.Minutes()))
	for i := range signals {
		for _, ev := range m.diagnose(&signals[i], params) {
			key := ev.SignalID + "|" + ev.Status
			if logged[key] {
				continue
			}
			if err := m.store.LogCoherenceEvent(ev); err != nil {
				log.Error().Err(err).Str("signal_id", ev.SignalID).Msg("coherence event not logged")
				monitoring.RecordError("coherence")
				continue
			}
			logged[key] = true
			fresh++
			if m.hub != nil {
				m.hub.PublishCoherence(ev)
			}
			log.Warn().
				Str("signal_id", ev.SignalID).
				Str("status", ev.Status).
				Str("reason", ev.Reason).
				Msg("🔍 Coherence finding")
		}
	}

	m.mu.Lock()
	m.sweeps++
	m.flagged += fresh
	m.mu.Unlock()
	return fresh
}

// recentIndex loads already-logged findings keyed by signal and status.
func (m *Monitor) recentIndex() map[string]bool {
	recorded := m.store.GetRecentCoherenceEvents(dedupWindow)
	out := make(map[string]bool, len(recorded))
	for i := range recorded {
		out[recorded[i].SignalID+"|"+recorded[i].Status] = true
	}
	return out
}

// diagnose returns every finding for one signal.
func (m *Monitor) diagnose(sig *types.Signal, params types.DynamicParams) []*types.CoherenceEvent {
	var out []*types.CoherenceEvent

	if sig.Status == types.StatusExecuted && sig.ConnectorType.RequiresTicket() &&
		sig.OrderID == "" && sig.Metadata.GetString("ticket") == "" {
		out = append(out, &types.CoherenceEvent{
			SignalID:      sig.ID,
			Stage:         "execution",
			Status:        StatusMissingTicket,
			Reason:        fmt.Sprintf("EXECUTED on %s without a broker ticket", sig.ConnectorType),
			ConnectorType: sig.ConnectorType,
			Metadata:      types.Metadata{"symbol": sig.Symbol},
		})
	}

	for _, suffix := range providerSuffixes {
		if strings.Contains(sig.Symbol, suffix) {
			out = append(out, &types.CoherenceEvent{
				SignalID:      sig.ID,
				Stage:         "normalization",
				Status:        StatusUnnormalizedSymbol,
				Reason:        fmt.Sprintf("symbol %s carries provider suffix %q", sig.Symbol, suffix),
				ConnectorType: sig.ConnectorType,
				Metadata:      types.Metadata{"symbol": sig.Symbol, "suffix": suffix},
			})
			break
		}
	}

	if sig.Status == types.StatusPending && params.PendingTimeoutMinutes > 0 {
		age := time.Since(sig.Timestamp)
		timeout := time.Duration(params.PendingTimeoutMinutes) * time.Minute
		if age > timeout {
			out = append(out, &types.CoherenceEvent{
				SignalID:      sig.ID,
				Stage:         "pipeline",
				Status:        StatusStuckPending,
				Reason: fmt.Sprintf("PENDING for %dm exceeds the %dm timeout",
					int(age.Minutes()), params.PendingTimeoutMinutes),
				ConnectorType: sig.ConnectorType,
				Metadata: types.Metadata{
					"symbol":          sig.Symbol,
					"age_minutes":     int(age.Minutes()),
					"timeout_minutes": params.PendingTimeoutMinutes,
				},
			})
		}
	}

	if sig.Status == types.StatusRejected && sig.Metadata.GetBool("broker_rejected") {
		out = append(out, &types.CoherenceEvent{
			SignalID:      sig.ID,
			Stage:         "execution",
			Status:        StatusLearningOpportunity,
			Reason:        "broker refused the order: " + sig.Metadata.GetString("error"),
			ConnectorType: sig.ConnectorType,
			Metadata: types.Metadata{
				"symbol": sig.Symbol,
				"score":  sig.Score(),
				"volume": sig.Volume.String(),
			},
		})
	}

	return out
}

// GetStats returns monitor counters for the operator surfaces.
func (m *Monitor) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"sweeps":  m.sweeps,
		"flagged": m.flagged,
	}
}
