package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/agentgate/gateway/internal/adapters"
	"github.com/agentgate/gateway/internal/api"
	"github.com/agentgate/gateway/internal/audit"
	"github.com/agentgate/gateway/internal/chaos"
	"github.com/agentgate/gateway/internal/config"
	"github.com/agentgate/gateway/internal/metrics"
	"github.com/agentgate/gateway/internal/orchestrator"
	"github.com/agentgate/gateway/internal/policy"
	"github.com/agentgate/gateway/internal/repository"
	"github.com/agentgate/gateway/internal/resilience"
	"github.com/agentgate/gateway/internal/token"
	"github.com/agentgate/gateway/internal/vault"
)

func main() {
	// Local development convenience; the file is absent in deployment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	log.Printf("Starting agent tool gateway (env=%s mode=%s)", cfg.Env, cfg.UpstreamMode)

	store, err := buildStore()
	if err != nil {
		log.Fatalf("Store error: %v", err)
	}

	m := metrics.New()

	tokens := token.NewService(store, cfg.SigningSecret, cfg.PreviousSigningSecret, cfg.RotationGracePeriod, m)
	engine := policy.NewEngine(store, cfg.DefaultTimezone)

	limiter := resilience.NewRateLimiter(resilience.RateLimitConfig{
		Requests: cfg.Tools.RateLimit.Requests,
		Window:   time.Duration(cfg.Tools.RateLimit.WindowSeconds) * time.Second,
	}, m)
	breakers := resilience.NewBreakerSet(func(tool string) resilience.BreakerConfig {
		return resilience.BreakerConfig{
			Tool:             tool,
			FailureThreshold: cfg.Tools.Breaker.FailureThreshold,
			Window:           time.Duration(cfg.Tools.Breaker.WindowSeconds) * time.Second,
			Cooldown:         time.Duration(cfg.Tools.Breaker.CooldownSeconds) * time.Second,
			ProbeSuccesses:   cfg.Tools.Breaker.ProbeSuccesses,
		}
	}, m)
	cache := resilience.NewCache(resilience.DefaultCacheCapacity)

	injector := chaos.NewInjector(cfg.IsProduction(), m)
	registry := adapters.NewRegistry(adapters.Mode(cfg.UpstreamMode), injector)

	credVault, err := vault.New(store, cfg.KEK)
	if err != nil {
		log.Fatalf("Vault error: %v", err)
	}
	auditor := audit.NewRecorder(store)

	orch := orchestrator.New(cfg, tokens, engine, limiter, breakers, cache, registry, credVault, auditor, m)
	server := api.NewServer(cfg, orch, tokens, credVault, injector, store, auditor, m).HTTPServer()

	// Background maintenance loops stop with the process context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tokens.RunSweeper(ctx, time.Minute)
	go limiter.RunCleanup(ctx, time.Minute)

	go func() {
		log.Printf("Listening on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received, draining in-flight requests...")
	orch.StartDrain()
	if !orch.AwaitDrain(cfg.DrainDeadline) {
		log.Println("Drain deadline exceeded, shutting down with requests in flight")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Gateway stopped")
}

// buildStore picks the persistence backing from the environment: Postgres
// when DATABASE_URL is set, in-memory otherwise. REDIS_URL overlays the
// quota seam with a shared counter for multi-replica deployments.
func buildStore() (repository.Store, error) {
	var store repository.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := repository.NewPostgresStore(dsn)
		if err != nil {
			return nil, err
		}
		log.Println("Using Postgres store")
		store = pg
	} else {
		log.Println("Using in-memory store")
		store = repository.NewMemoryStore()
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, err
		}
		log.Println("Quota counters backed by Redis")
		store = repository.WithQuotaStore(store, repository.NewRedisQuotaStore(redis.NewClient(opts), ""))
	}
	return store, nil
}
