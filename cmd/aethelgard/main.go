// Aethelgard - Autonomous trading orchestrator
//
// One process owns the whole loop: scan the market, mint candidate signals,
// gate them through the risk governor, execute on the configured venue,
// manage the open book and feed the outcomes back into the tuner. The
// database is the single source of truth; every component reads its tunables
// from there and the process can be killed and restarted at any point.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aethelgard/aethelgard/bot"
	"github.com/aethelgard/aethelgard/coherence"
	"github.com/aethelgard/aethelgard/connector"
	"github.com/aethelgard/aethelgard/core"
	"github.com/aethelgard/aethelgard/events"
	"github.com/aethelgard/aethelgard/execution"
	"github.com/aethelgard/aethelgard/feedback"
	"github.com/aethelgard/aethelgard/feeds"
	"github.com/aethelgard/aethelgard/internal/api"
	"github.com/aethelgard/aethelgard/internal/config"
	"github.com/aethelgard/aethelgard/position"
	"github.com/aethelgard/aethelgard/regime"
	"github.com/aethelgard/aethelgard/risk"
	"github.com/aethelgard/aethelgard/scanner"
	"github.com/aethelgard/aethelgard/signals"
	"github.com/aethelgard/aethelgard/storage"
	"github.com/aethelgard/aethelgard/strategy"
	"github.com/aethelgard/aethelgard/types"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	mode := "LIVE"
	if cfg.PaperTrading {
		mode = "PAPER"
	}

	log.Info().
		Str("version", version).
		Str("mode", mode).
		Strs("symbols", cfg.ScanSymbols).
		Msg("⚡ Aethelgard starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ====== SINGLE SOURCE OF TRUTH ======

	store, err := storage.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}

	// ====== MARKET DATA ======

	providers := feeds.NewManager()

	var stream *feeds.StreamProvider
	if cfg.StreamEnabled && cfg.StreamURL != "" {
		stream = feeds.NewStreamProvider(cfg.StreamURL, cfg.ScanSymbols)
		if err := stream.Start(); err != nil {
			log.Warn().Err(err).Msg("⚠️ Stream provider failed to start")
			stream = nil
		} else {
			providers.Register(stream, 0)
		}
	}
	if cfg.PaperTrading {
		// The synthetic walk keeps paper sessions alive without a live feed.
		providers.Register(feeds.NewSyntheticProvider(), 10)
	}

	var sentiment *feeds.SentimentClient
	if cfg.SentimentURL != "" {
		sentiment = feeds.NewSentimentClient(cfg.SentimentURL, time.Duration(cfg.SentimentPollMs)*time.Millisecond)
		sentiment.Start()
	}

	// ====== VENUES ======

	registry := connector.NewRegistry()

	paper := connector.NewPaper(providers, cfg.PaperBalance)
	paper.SetSlippagePoints(cfg.PaperSlippagePoints)
	if err := paper.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect paper venue")
	}
	registry.Register(paper)
	if !cfg.PaperTrading {
		log.Warn().Msg("⚠️ No live connector compiled in, executing on the paper venue")
	}

	// Webhook intakes execute on the default venue.
	registry.Alias(types.ConnectorWebhook, types.ConnectorPaper)

	// ====== EVENTS & RISK ======

	hub := events.NewHub()
	feed := events.NewBroadcaster(hub)

	governor := risk.NewGovernor(store)
	if sentiment != nil {
		governor.SetSentimentSource(sentiment)
	}
	governor.OnLockdownChange(func(locked bool, reason string) {
		hub.PublishLockdown(locked, reason)
	})

	executor := execution.NewExecutor(store, registry, governor, hub, cfg.ConnectorTimeout)
	reconciler := execution.NewReconciler(store, registry)

	// ====== SIGNAL PIPELINE ======

	factory := signals.NewFactory(store, paper.Type(),
		strategy.NewTrendRider(store),
		strategy.NewRangeFader(store),
		strategy.NewVolatilityBreakout(store),
	)

	scan, err := scanner.New(store, providers, regime.NewClassifier(store), cfg.ScanWorkers, cfg.ProviderTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build scanner")
	}

	positions := position.NewManager(store, registry, hub)
	listener := feedback.NewListener(store, registry, governor, hub, cfg.ClosureLookbackHrs)
	tuner := feedback.NewTuner(store, hub)
	monitor := coherence.NewMonitor(store, hub, cfg.ClosureLookbackHrs)

	engine := core.NewEngine(core.Deps{
		Store:      store,
		Registry:   registry,
		Scanner:    scan,
		Factory:    factory,
		Expiration: signals.NewExpirationManager(store),
		Governor:   governor,
		Executor:   executor,
		Reconciler: reconciler,
		Positions:  positions,
		Feedback:   listener,
		Tuner:      tuner,
		Coherence:  monitor,
		Hub:        hub,
	})

	// ====== OPERATOR SURFACES ======

	tg, err := bot.New(cfg.TelegramToken, cfg.TelegramChatID, store, engine, paper, governor)
	if err != nil {
		log.Warn().Err(err).Msg("📱 Telegram channel disabled")
	}
	governor.SetNotifyFunc(tg.Notify)
	executor.SetNotifyFunc(tg.Notify)
	factory.SetNotifyFunc(tg.NotifySignal)
	tg.AttachHub(hub)

	var apiSrv *api.Server
	if cfg.APIEnabled {
		apiSrv = api.NewServer(cfg.APIListenAddr, store, registry, governor, executor, hub, feed)
		apiSrv.RegisterStats("engine", engine)
		apiSrv.RegisterStats("scanner", scan)
		apiSrv.RegisterStats("factory", factory)
		apiSrv.RegisterStats("governor", governor)
		apiSrv.RegisterStats("executor", executor)
		apiSrv.RegisterStats("positions", positions)
		apiSrv.RegisterStats("feedback", listener)
		apiSrv.RegisterStats("tuner", tuner)
		apiSrv.RegisterStats("coherence", monitor)
		apiSrv.RegisterStats("hub", hub)
		apiSrv.RegisterStats("telegram", tg)

		go func() {
			if err := apiSrv.Start(); err != nil {
				log.Error().Err(err).Msg("API server failed")
			}
		}()
	}

	// ====== IGNITION ======

	if err := engine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}
	tg.Start()
	tg.NotifyStartup(mode)

	log.Info().Msg("✅ All systems online")

	// Wait for shutdown signal or the engine bailing out on its own.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("🛑 Received shutdown signal")
	case <-engine.Done():
		log.Error().Msg("🛑 Engine stopped on its own, shutting down")
	}

	// Graceful shutdown
	log.Info().Msg("Shutting down...")

	engine.Stop()

	if apiSrv != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API shutdown failed")
		}
		cancelShutdown()
	}

	tg.Stop()
	if sentiment != nil {
		sentiment.Stop()
	}
	if stream != nil {
		stream.Stop()
	}
	scan.Close()
	paper.Disconnect()

	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("Storage close failed")
	}

	log.Info().Msg("👋 Goodbye!")
}
