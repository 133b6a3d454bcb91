// ═══════════════════════════════════════════════════════════════════════════
// API - HTTP intake and observability surface
//
// Exposes the webhook signal intake plus the read-only surfaces: health,
// component stats, prometheus metrics and the live event feed. Webhook
// signals walk the exact gate the scanner's signals take (persist, governor,
// executor); the intake never bypasses risk.
// ═══════════════════════════════════════════════════════════════════════════

package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aethelgard/aethelgard/connector"
	"github.com/aethelgard/aethelgard/events"
	"github.com/aethelgard/aethelgard/execution"
	"github.com/aethelgard/aethelgard/internal/monitoring"
	"github.com/aethelgard/aethelgard/risk"
	"github.com/aethelgard/aethelgard/storage"
	"github.com/aethelgard/aethelgard/types"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second
	pingTimeout  = 2 * time.Second

	ctxTraceID = "trace_id"
)

// StatsProvider is the shape every component's stats map comes through.
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// Server is the HTTP face of the system.
type Server struct {
	store    *storage.Store
	registry *connector.Registry
	governor *risk.Governor
	executor *execution.Executor
	hub      *events.Hub

	router  *gin.Engine
	httpSrv *http.Server
	started time.Time

	mu         sync.RWMutex
	components map[string]StatsProvider
	received   int
	dispatched int
	vetoed     int
	held       int
}

// NewServer wires the routes. hub and feed may be nil; a nil feed leaves /ws
// unregistered.
func NewServer(addr string, store *storage.Store, registry *connector.Registry,
	governor *risk.Governor, executor *execution.Executor,
	hub *events.Hub, feed *events.Broadcaster) *Server {

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		store:      store,
		registry:   registry,
		governor:   governor,
		executor:   executor,
		hub:        hub,
		started:    time.Now(),
		components: make(map[string]StatsProvider),
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.traceMiddleware())

	router.POST("/webhook/signal", s.handleWebhookSignal)
	router.GET("/healthz", s.handleHealthz)
	router.GET("/stats", s.handleStats)
	router.GET("/metrics", gin.WrapH(monitoring.Handler()))
	if feed != nil {
		router.GET("/ws", gin.WrapH(feed))
	}

	s.router = router
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	s.RegisterStats("api", s)
	return s
}

// RegisterStats exposes a component's stats map under /stats.
func (s *Server) RegisterStats(name string, p StatsProvider) {
	if name == "" || p == nil {
		return
	}
	s.mu.Lock()
	s.components[name] = p
	s.mu.Unlock()
}

// Start serves HTTP and blocks until Shutdown.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpSrv.Addr).Msg("🌐 API listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("🔌 API shutting down")
	return s.httpSrv.Shutdown(ctx)
}

// GetStats reports the intake counters.
func (s *Server) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"listen_addr": s.httpSrv.Addr,
		"received":    s.received,
		"dispatched":  s.dispatched,
		"vetoed":      s.vetoed,
		"held":        s.held,
	}
}

// traceMiddleware stamps every request with a short trace id, honoring one
// the caller already carries.
func (s *Server) traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		trace := c.GetHeader("X-Trace-ID")
		if trace == "" {
			trace = uuid.NewString()[:8]
		}
		c.Set(ctxTraceID, trace)
		c.Header("X-Trace-ID", trace)
		c.Next()
	}
}

// handleWebhookSignal accepts an external signal and walks it through the
// same gate the scanner's signals take. The row is persisted before any
// decision, so every intake leaves a trail.
func (s *Server) handleWebhookSignal(c *gin.Context) {
	trace := c.GetString(ctxTraceID)

	var sig types.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "trace_id": trace})
		return
	}

	sig.ConnectorType = types.ConnectorWebhook
	sig.Status = types.StatusPending
	sig.TraceID = trace
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}

	if err := sig.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "trace_id": trace})
		return
	}

	if _, err := s.store.SaveSignal(&sig); err != nil {
		log.Error().Err(err).Str("trace_id", trace).Msg("webhook persist failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable", "trace_id": trace})
		return
	}

	s.mu.Lock()
	s.received++
	s.mu.Unlock()

	log.Info().
		Str("trace_id", trace).
		Str("symbol", sig.Symbol).
		Str("type", string(sig.Type)).
		Str("timeframe", string(sig.Timeframe)).
		Msg("📥 Webhook signal received")

	if s.governor.IsLocked() {
		s.mu.Lock()
		s.held++
		s.mu.Unlock()
		c.JSON(http.StatusAccepted, gin.H{
			"accepted":  true,
			"status":    "HELD",
			"signal_id": sig.ID,
			"trace_id":  trace,
		})
		return
	}

	conn, ok := s.registry.Get(sig.ConnectorType)
	if !ok {
		// The executor owns the rejection trail for unroutable signals.
		s.dispatch(&sig)
		c.JSON(http.StatusAccepted, gin.H{
			"accepted":  true,
			"status":    "EXECUTING",
			"signal_id": sig.ID,
			"trace_id":  trace,
		})
		return
	}

	if approved, reason := s.governor.CanTakeNewTrade(c.Request.Context(), &sig, conn); !approved {
		if s.hub != nil {
			s.hub.PublishVeto(&sig, reason)
		}
		s.mu.Lock()
		s.vetoed++
		s.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{
			"accepted":  false,
			"status":    "VETOED",
			"reason":    reason,
			"signal_id": sig.ID,
			"trace_id":  trace,
		})
		return
	}

	s.dispatch(&sig)
	c.JSON(http.StatusAccepted, gin.H{
		"accepted":  true,
		"status":    "EXECUTING",
		"signal_id": sig.ID,
		"trace_id":  trace,
	})
}

// dispatch hands a signal to the executor on a fresh context. Execution must
// outlive the request, so it never rides the request context.
func (s *Server) dispatch(sig *types.Signal) {
	s.executor.ExecuteAsync(context.Background(), sig)
	s.mu.Lock()
	s.dispatched++
	s.mu.Unlock()
}

// handleHealthz probes the storage connection.
func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), pingTimeout)
	defer cancel()

	dbErr := s.store.Ping(ctx)
	status, code := "ok", http.StatusOK
	if dbErr != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":   status,
		"database": dbErr == nil,
		"uptime_s": int(time.Since(s.started).Seconds()),
	})
}

// handleStats aggregates every registered component's stats map.
func (s *Server) handleStats(c *gin.Context) {
	s.mu.RLock()
	providers := make(map[string]StatsProvider, len(s.components))
	for name, p := range s.components {
		providers[name] = p
	}
	s.mu.RUnlock()

	// GetStats calls run outside the lock: providers take their own locks.
	components := make(gin.H, len(providers))
	for name, p := range providers {
		components[name] = p.GetStats()
	}

	c.JSON(http.StatusOK, gin.H{
		"params_version": s.store.ParamsVersion(),
		"components":     components,
	})
}
