// Command router is the Privacy-Fragmenting LLM Query Router.
//
// It accepts a user query, detects PII and code, splits the query into
// privacy-preserving fragments, routes each fragment to a distinct
// third-party LLM provider, and recombines the partial answers into one
// response — no single provider ever sees the whole original query.
//
// Usage:
//
//	# Direct run with built-in defaults
//	./router
//
//	# Custom ports
//	API_PORT=9090 MANAGEMENT_PORT=9091 ./router
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ai-privacy-router/internal/api"
	"ai-privacy-router/internal/clock"
	"ai-privacy-router/internal/config"
	"ai-privacy-router/internal/coordinator"
	"ai-privacy-router/internal/detect"
	"ai-privacy-router/internal/dispatch"
	"ai-privacy-router/internal/logger"
	"ai-privacy-router/internal/management"
	"ai-privacy-router/internal/metrics"
	"ai-privacy-router/internal/progressbus"
	"ai-privacy-router/internal/providerclient"
	"ai-privacy-router/internal/providerrouter"
	"ai-privacy-router/internal/statestore"
	"ai-privacy-router/internal/telemetry"
)

// stateStoreCapacity bounds the in-memory S3-FIFO layer in front of the
// bbolt-backed StateStore, mirroring the teacher's anonymizer cache sizing.
const stateStoreCapacity = 4096

func main() {
	cfg := config.Load()
	printBanner(cfg)

	log := logger.New("ROUTER", cfg.LogLevel)

	ctx, stopTelemetry := context.WithCancel(context.Background())
	tp, err := telemetry.Init(ctx, "ai-privacy-router", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if err != nil {
		log.Fatalf("telemetry_init", "fatal: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnf("telemetry_shutdown", "error: %v", err)
		}
		stopTelemetry()
	}()

	store, closeStore := buildStateStore(cfg, log)
	defer closeStore()

	registry := providerrouter.NewRegistry(log)
	clients := make(map[string]providerclient.ProviderClient, len(cfg.Providers))
	for _, p := range cfg.Providers {
		registry.Add(providerrouter.Provider{ID: p.ID, Capabilities: p.Capabilities})
		clients[p.ID] = providerclient.NewHTTPClient(p.ID, p.Endpoint, p.APIKey, p.CostPerToken)
		log.Infof("provider_configured", "provider %s endpoint=%s capabilities=%v", p.ID, p.Endpoint, p.Capabilities)
	}
	resolver := func(id string) (providerclient.ProviderClient, bool) {
		c, ok := clients[id]
		return c, ok
	}

	engine := buildDetectionEngine(cfg, log)
	scheduler := dispatch.New(resolver, clock.New(), log)
	bus := progressbus.New(cfg.MaxReplay)
	coord := coordinator.New(engine, registry, scheduler, bus, store, clock.New(), log, tp)

	stopProbe := startHealthProbe(registry, cfg.HealthProbeInterval, log)
	defer stopProbe()

	mgmt := management.New(cfg, registry, log)
	go func() {
		if err := mgmt.ListenAndServe(); err != nil {
			log.Fatalf("management_listen", "fatal: %v", err)
		}
	}()

	apiCfg := api.Config{
		BindAddress: cfg.BindAddress,
		Port:        cfg.APIPort,
		Policy:      policyFromConfig(cfg),
	}
	apiServer := api.New(apiCfg, coord, log)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.APIPort)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("shutdown", "shutting down…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warnf("api_shutdown", "error: %v", err)
		}
	}()

	log.Infof("api_listen", "listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("api_listen", "fatal: %v", err)
	}
}

// buildStateStore wires the StateStore backend the domain stack names:
// bbolt + an in-memory S3-FIFO layer by default (single instance), or
// Redis when configured for multi-instance deployments.
func buildStateStore(cfg *config.Config, log *logger.Logger) (statestore.StateStore, func()) {
	if cfg.StateStoreBackend == "redis" {
		store, err := statestore.NewRedisStore(cfg.RedisAddr, "router:", log)
		if err != nil {
			log.Fatalf("statestore_init", "fatal: %v", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Warnf("statestore_close", "error: %v", err)
			}
		}
	}

	backing, err := statestore.NewBboltStore(cfg.StateStorePath, clock.New(), log)
	if err != nil {
		log.Fatalf("statestore_init", "fatal: %v", err)
	}
	store := statestore.NewS3FIFOStore(backing, stateStoreCapacity, log)
	return store, func() {
		if err := store.Close(); err != nil {
			log.Warnf("statestore_close", "error: %v", err)
		}
	}
}

// buildDetectionEngine wires the Detection Engine's three recognizers: the
// always-on regex-based PII/code detectors, and an entity recognizer for
// names, organizations, and locations — the heuristic one by default, or,
// when cfg.UseAIDetector is set, an Ollama-backed one in its place.
func buildDetectionEngine(cfg *config.Config, log *logger.Logger) *detect.Engine {
	var entities detect.EntityRecognizer = detect.NewHeuristicEntityRecognizer()
	if cfg.UseAIDetector {
		entities = detect.NewOllamaEntityRecognizer(cfg.AIDetectorEndpoint, cfg.AIDetectorModel, cfg.AIConfidence)
	}
	return detect.New(detect.NewRegexPIIDetector(), detect.NewRegexCodeDetector(), entities, log)
}

// startHealthProbe periodically logs and publishes circuit-breaker-derived
// health gauges for every registered provider (spec.md §6's
// healthProbeInterval), the same rolling-status visibility the teacher's
// management /status endpoint gives operators, but pushed proactively
// instead of waiting on a poll.
func startHealthProbe(registry *providerrouter.Registry, interval time.Duration, log *logger.Logger) func() {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, snap := range registry.Snapshot() {
					state := 0.0
					if !snap.Healthy {
						state = 1.0
					}
					metrics.SetCircuitState(snap.Provider.ID, state)
				}
				log.Debug("health_probe", "refreshed provider health snapshot")
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func policyFromConfig(cfg *config.Config) coordinator.Policy {
	return coordinator.Policy{
		MaxFragments:             cfg.MaxFragments,
		MinProvidersForSensitive: cfg.MinProvidersForSensitive,
		ChunkSizeCap:             cfg.ChunkSizeCap,
		MaxInFlight:              cfg.MaxInFlight,
		FragmentTimeout:          cfg.FragmentTimeout,
		TotalDeadline:            cfg.TotalDeadline,
		Retries:                  cfg.Retries,
		RetryAlternateProvider:   cfg.RetryAlternateProvider,
		RouterWeights: providerrouter.Weights{
			Priority: cfg.RouterWeightPriority,
			Cost:     cfg.RouterWeightCost,
			Latency:  cfg.RouterWeightLatency,
		},
		StateTTL: cfg.StateTTL,
	}
}

func printBanner(cfg *config.Config) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║       Privacy-Fragmenting LLM Query Router  (Go)      ║
╚══════════════════════════════════════════════════════╝
  API port        : %d
  Management port : %d
  Privacy level   : %s
  Max fragments   : %d
  Max in-flight   : %d
  State backend   : %s

  Submit a query:
    curl -XPOST localhost:%d/v1/query -d '{"query":"..."}'

  Check status:
    curl http://localhost:%d/status
`, cfg.APIPort, cfg.ManagementPort, cfg.PrivacyLevel, cfg.MaxFragments,
		cfg.MaxInFlight, cfg.StateStoreBackend,
		cfg.APIPort, cfg.ManagementPort)
}
