package signals

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aethelgard/aethelgard/storage"
	"github.com/aethelgard/aethelgard/types"
)

// ExpirationManager ages out PENDING signals whose setup has gone stale. The
// window is one full bar of the signal's timeframe. Terminal and EXECUTED
// signals are never touched; a sweep with nothing over-age is a no-op.
type ExpirationManager struct {
	store *storage.Store
}

// NewExpirationManager builds the sweep over the shared store.
func NewExpirationManager(store *storage.Store) *ExpirationManager {
	return &ExpirationManager{store: store}
}

// ExpireStale transitions every over-age PENDING signal to EXPIRED and
// returns how many it moved.
func (e *ExpirationManager) ExpireStale() int {
	now := time.Now().UTC()
	expired := 0

	for _, sig := range e.store.GetPendingSignals() {
		window := sig.Timeframe.ExpiryWindow()
		age := sig.AgeAt(now)
		if age <= window {
			continue
		}

		err := e.store.UpdateSignalStatus(sig.ID, types.StatusExpired, types.Metadata{
			"expired_at":         now.Format(time.RFC3339),
			"reason":             "TIMEFRAME_WINDOW_ELAPSED",
			"timeframe_window":   sig.Timeframe.Minutes(),
			"signal_age_minutes": int(age.Minutes()),
		})
		if err != nil {
			log.Error().Err(err).Str("signal_id", sig.ID).Msg("expiration failed")
			continue
		}
		expired++
		log.Info().
			Str("trace_id", sig.TraceID).
			Str("symbol", sig.Symbol).
			Str("timeframe", string(sig.Timeframe)).
			Int("age_min", int(age.Minutes())).
			Msg("⏳ Signal expired")
	}

	return expired
}
