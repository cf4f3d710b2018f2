package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/whaletrace/whaletrace/internal/alert"
	"github.com/whaletrace/whaletrace/internal/bundle"
	"github.com/whaletrace/whaletrace/internal/classify"
	"github.com/whaletrace/whaletrace/internal/config"
	"github.com/whaletrace/whaletrace/internal/discovery"
	"github.com/whaletrace/whaletrace/internal/ledger"
	"github.com/whaletrace/whaletrace/internal/observability"
	"github.com/whaletrace/whaletrace/internal/store"
	"github.com/whaletrace/whaletrace/internal/store/postgres"
	"github.com/whaletrace/whaletrace/internal/subscription"
	"github.com/whaletrace/whaletrace/internal/whale"
	"github.com/whaletrace/whaletrace/internal/wsfeed"
)

const maxWebhookBody = 1 << 20 // 1 MiB

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	stubMode := flag.Bool("stub", false, "Use stub ledger and subscription providers (no network)")
	flag.Parse()

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	log.Info().Msg("=============================================")
	log.Info().Msg("whaletrace - Funding Network Monitor")
	log.Info().Msg("DISCOVER -> CLUSTER -> CLASSIFY -> SUBSCRIBE")
	log.Info().Msg("=============================================")

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Bool("stub_mode", *stubMode).
		Int("max_depth", cfg.Discovery.MaxDepth).
		Float64("dust_threshold_sol", cfg.Discovery.DustThresholdSOL).
		Int("max_wallets", cfg.Discovery.MaxWallets).
		Str("store_backend", cfg.Store.Backend).
		Msg("Configuration loaded")

	// 4. Create ledger client.
	var client ledger.Client
	var liveClient *ledger.HeliusClient
	if *stubMode {
		client = ledger.NewStubClient()
		log.Info().Msg("Ledger: STUB mode")
	} else {
		liveClient = ledger.NewHeliusClient(ledger.HeliusConfig{
			APIBase:      cfg.Ledger.APIBase,
			RPCEndpoint:  cfg.Ledger.RPCEndpoint,
			APIKey:       cfg.Ledger.APIKey,
			Timeout:      time.Duration(cfg.Ledger.TimeoutS) * time.Second,
			MaxRetries:   cfg.Ledger.MaxRetries,
			RetryBackoff: time.Duration(cfg.Ledger.RetryBackoffMs) * time.Millisecond,
			RateLimitRPS: cfg.Ledger.RateLimitRPS,
		})
		client = liveClient
		defer liveClient.Close()
		log.Info().Str("api_base", cfg.Ledger.APIBase).Msg("Ledger: LIVE")
	}

	// 5. Create store.
	var st store.Store
	var pgStore *postgres.Store
	if cfg.Store.Backend == "postgres" && !*stubMode {
		initCtx, initCancel := context.WithTimeout(context.Background(), 15*time.Second)
		pgStore, err = postgres.NewStore(initCtx, cfg.Store.DSN)
		if err == nil {
			err = pgStore.EnsureSchema(initCtx)
		}
		initCancel()
		if err != nil {
			log.Fatal().Err(err).Msg("Postgres store initialization failed")
		}
		st = pgStore
		defer pgStore.Close()
		log.Info().Msg("Store: postgres")
	} else {
		st = store.NewMemoryStore()
		log.Info().Msg("Store: in-memory")
	}

	// 6. Create subscription provider + reconciler.
	var provider subscription.Provider
	if *stubMode {
		provider = subscription.NewStubProvider()
	} else {
		provider = subscription.NewHeliusProvider(subscription.HeliusProviderConfig{
			APIBase: cfg.Ledger.APIBase,
			APIKey:  cfg.Ledger.APIKey,
			Timeout: time.Duration(cfg.Ledger.TimeoutS) * time.Second,
		})
	}
	reconciler := subscription.NewReconciler(st, provider, cfg.Subscription.CallbackURL)

	// 7. Create the sync pipeline.
	engine := discovery.NewEngine(discovery.Config{
		MaxDepth:         cfg.Discovery.MaxDepth,
		DustThresholdSOL: cfg.Discovery.DustThresholdSOL,
		MaxWallets:       cfg.Discovery.MaxWallets,
		PageSize:         cfg.Discovery.PageSize,
		ExpandDelay:      time.Duration(cfg.Discovery.ExpandDelayMs) * time.Millisecond,
	}, client)

	detector := bundle.NewDetector(bundle.Config{
		Window:  time.Duration(cfg.Bundle.WindowMs) * time.Millisecond,
		MinSize: cfg.Bundle.MinSize,
	})

	classifier := classify.NewClassifier(classify.Config{
		DustBalanceSOL:     cfg.Classify.DustBalanceSOL,
		MintableBalanceSOL: cfg.Classify.MintableBalanceSOL,
		MintProbeMinSOL:    cfg.Classify.MintProbeMinSOL,
		BalanceBatchSize:   cfg.Classify.BalanceBatchSize,
		MintLookback:       cfg.Classify.MintLookback,
	}, client)

	orchestrator := whale.NewOrchestrator(engine, detector, classifier, st, reconciler)

	manager := whale.NewManager(whale.ManagerConfig{
		MonitorInterval: time.Duration(cfg.Manager.MonitorIntervalS) * time.Second,
	}, st, orchestrator, reconciler)
	defer manager.Close()

	// 8. Create alert emitter.
	emitter := alert.NewEmitter(st, cfg.Manager.AlertQueueSize)

	// 9. Metrics and health.
	metrics := observability.EngineMetrics()
	exporter := observability.NewPrometheusExporter(metrics)
	webhookEvents := metrics.GetCounter("whaletrace_webhook_events_total")

	healthMon := observability.NewHealthMonitor(30 * time.Second)
	healthMon.Register("store", func(ctx context.Context) observability.ComponentHealth {
		if _, err := st.ListWhales(ctx, ""); err != nil {
			return observability.ComponentHealth{
				Status:  observability.StatusUnhealthy,
				Message: err.Error(),
			}
		}
		return observability.ComponentHealth{Status: observability.StatusHealthy}
	})

	// 10. Optional low-latency log feed.
	var feed *wsfeed.Feed
	if cfg.Feed.Enabled && !*stubMode {
		feed = wsfeed.NewFeed(wsfeed.Config{
			WSEndpoint:       cfg.Feed.WSEndpoint,
			ReconnectDelayMs: cfg.Feed.ReconnectDelayMs,
			PingIntervalS:    cfg.Feed.PingIntervalS,
			MaxReconnects:    cfg.Feed.MaxReconnects,
		}, emitter.Submit)
		healthMon.Register("feed", func(ctx context.Context) observability.ComponentHealth {
			if !feed.Stats().Connected {
				return observability.ComponentHealth{
					Status:  observability.StatusDegraded,
					Message: "websocket disconnected",
				}
			}
			return observability.ComponentHealth{Status: observability.StatusHealthy}
		})
	}

	// refreshFeed pushes a whale's tracked address set into the log feed.
	refreshFeed := func(ctx context.Context, whaleID string) {
		if feed == nil {
			return
		}
		w, err := st.GetWhale(ctx, whaleID)
		if err != nil {
			return
		}
		offspring, err := st.ListOffspring(ctx, whaleID)
		if err != nil {
			return
		}
		addrs := make([]string, 0, len(offspring)+1)
		addrs = append(addrs, w.Address)
		for _, o := range offspring {
			if o.Address != w.Address {
				addrs = append(addrs, o.Address)
			}
		}
		feed.SetAddresses(addrs)
	}

	// 11. Setup context + signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	// 12. Start services.
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		emitter.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMon.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ha := <-healthMon.Alerts():
				log.Warn().
					Str("component", ha.Component).
					Str("level", ha.Level).
					Msg("health: " + ha.Message)
			}
		}
	}()

	if feed != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			feed.Run(ctx)
		}()
	}

	// 13. HTTP server: management API + webhook ingress + health/stats.
	mux := http.NewServeMux()

	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}
	writeErr := func(w http.ResponseWriter, status int, err error) {
		writeJSON(w, status, map[string]string{"error": err.Error()})
	}

	// ── Whale management ──
	mux.HandleFunc("/whales/add", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			OwnerID string `json:"owner_id"`
			Address string `json:"address"`
			Label   string `json:"label"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		if req.OwnerID == "" || req.Address == "" {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("owner_id and address are required"))
			return
		}
		wh, err := manager.Add(r.Context(), req.OwnerID, req.Address, req.Label)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, wh)
	})

	mux.HandleFunc("/whales/remove", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			WhaleID string `json:"whale_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		if err := manager.Remove(r.Context(), req.WhaleID); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, store.ErrNotFound) {
				status = http.StatusNotFound
			}
			writeErr(w, status, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	})

	mux.HandleFunc("/whales/scan", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			WhaleID string `json:"whale_id"`
			Full    bool   `json:"full"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		summary, err := manager.Scan(r.Context(), req.WhaleID, req.Full)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, store.ErrNotFound) {
				status = http.StatusNotFound
			}
			writeErr(w, status, err)
			return
		}
		metrics.GetCounter("whaletrace_syncs_total").Inc()
		metrics.GetCounter("whaletrace_wallets_discovered_total").Add(float64(summary.NewWallets))
		metrics.GetCounter("whaletrace_bundles_detected_total").Add(float64(summary.Bundles))
		metrics.GetGauge("whaletrace_tracked_wallets").Set(float64(summary.TrackedTotal))
		metrics.GetHistogram("whaletrace_sync_duration_ms").Observe(float64(summary.Duration.Milliseconds()))
		if len(summary.Errors) > 0 {
			metrics.GetCounter("whaletrace_sync_errors_total").Inc()
		}
		refreshFeed(r.Context(), req.WhaleID)
		writeJSON(w, http.StatusOK, summary)
	})

	mux.HandleFunc("/whales/status", func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.URL.Query().Get("owner_id")
		if ownerID == "" {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("owner_id is required"))
			return
		}
		statuses, err := manager.Status(r.Context(), ownerID)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, statuses)
	})

	mux.HandleFunc("/whales/offspring", func(w http.ResponseWriter, r *http.Request) {
		whaleID := r.URL.Query().Get("whale_id")
		if whaleID == "" {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("whale_id is required"))
			return
		}
		offspring, err := st.ListOffspring(r.Context(), whaleID)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, offspring)
	})

	mux.HandleFunc("/whales/alerts", func(w http.ResponseWriter, r *http.Request) {
		whaleID := r.URL.Query().Get("whale_id")
		if whaleID == "" {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("whale_id is required"))
			return
		}
		alerts, err := st.ListAlerts(r.Context(), whaleID, 100)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, alerts)
	})

	// ── Monitoring control ──
	mux.HandleFunc("/monitor/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			OwnerID string `json:"owner_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		if err := manager.StartMonitoring(ctx, req.OwnerID); err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "monitoring"})
	})

	mux.HandleFunc("/monitor/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			OwnerID string `json:"owner_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		if err := manager.StopMonitoring(req.OwnerID); err != nil {
			writeErr(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	})

	// ── Webhook ingress ──
	// Must answer fast; classification and persistence happen on the
	// emitter's queue, never on the request path.
	var webhookTotal atomic.Int64
	mux.HandleFunc("/hooks/activity", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		events := alert.ParsePayload(body)
		for _, ev := range events {
			emitter.Submit(ev)
		}
		webhookTotal.Add(int64(len(events)))
		webhookEvents.Add(float64(len(events)))
		writeJSON(w, http.StatusOK, map[string]int{"accepted": len(events)})
	})

	// ── Health / stats / metrics ──
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health := healthMon.Check(r.Context())
		status := http.StatusOK
		if health.Status == observability.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		combined := map[string]any{
			"alerts":         emitter.Stats(),
			"webhook_events": webhookTotal.Load(),
		}
		if liveClient != nil {
			combined["ledger"] = liveClient.Stats()
		}
		if feed != nil {
			combined["feed"] = feed.Stats()
		}
		writeJSON(w, http.StatusOK, combined)
	})

	if cfg.Server.MetricsEnabled {
		mux.Handle("/metrics", exporter)
	}

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", cfg.Server.ListenAddr).Msg("HTTP server started (api + webhook + health)")

		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			server.Shutdown(shutdownCtx)
		}()

		if srvErr := server.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
			log.Error().Err(srvErr).Msg("HTTP server error")
		}
	}()

	// Periodic stats logging. Cumulative component stats feed the counter
	// metrics as deltas between ticks.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		var lastEmitted, lastLedgerErrs int64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				as := emitter.Stats()
				metrics.GetCounter("whaletrace_alerts_emitted_total").Add(float64(as.Emitted - lastEmitted))
				lastEmitted = as.Emitted

				if whales, lerr := st.ListWhales(ctx, ""); lerr == nil {
					active := 0
					for _, wh := range whales {
						if wh.Active {
							active++
						}
					}
					metrics.GetGauge("whaletrace_active_whales").Set(float64(active))
				}

				logEvt := log.Info().
					Int64("webhook_events", webhookTotal.Load()).
					Int64("alerts_emitted", as.Emitted).
					Int64("alerts_dropped", as.Dropped)
				if liveClient != nil {
					ls := liveClient.Stats()
					metrics.GetCounter("whaletrace_ledger_errors_total").Add(float64(ls.ErrorCount - lastLedgerErrs))
					lastLedgerErrs = ls.ErrorCount
					if ls.RequestCount > 0 {
						metrics.GetHistogram("whaletrace_ledger_latency_ms").Observe(float64(ls.AvgLatencyUs) / 1000)
					}
					logEvt = logEvt.
						Int64("ledger_requests", ls.RequestCount).
						Int64("ledger_errors", ls.ErrorCount).
						Bool("ledger_circuit_open", ls.CircuitOpen)
				}
				if feed != nil {
					fs := feed.Stats()
					connected := 0.0
					if fs.Connected {
						connected = 1
					}
					metrics.GetGauge("whaletrace_feed_connected").Set(connected)
					logEvt = logEvt.
						Bool("feed_connected", fs.Connected).
						Int64("feed_mints", fs.MintsEmitted)
				}
				logEvt.Msg("[STATS]")
			}
		}
	}()

	log.Info().Msg("whaletrace - Running")

	// 14. Block until shutdown.
	<-ctx.Done()

	log.Info().Msg("Shutting down...")
	wg.Wait()

	finalStats := emitter.Stats()
	log.Info().
		Int64("alerts_emitted", finalStats.Emitted).
		Int64("alerts_dropped", finalStats.Dropped).
		Int64("webhook_events", webhookTotal.Load()).
		Msg("whaletrace - Final statistics")

	log.Info().Msg("whaletrace - Shutdown complete")
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "whaletrace").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "whaletrace").
			Str("instance", general.InstanceID).Logger()
	}
}
