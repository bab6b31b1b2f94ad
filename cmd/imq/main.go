// Command imq runs the merge-queue controller: it wires the store,
// gateway, event bus, cache, check-execution engine, pipeline, fair
// scheduler, and queue processor into one process, then serves the
// webhook ingress, a Prometheus /metrics endpoint, and a local
// WebSocket observability bridge. Wiring order follows the teacher's
// control_plane/main.go (store -> coordination/services -> API ->
// background workers -> signal-driven shutdown), generalized from
// FluxForge's node/job domain to IMQ's queue/entry/pull-request domain.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/octoqueue/imq/internal/cache"
	"github.com/octoqueue/imq/internal/checks"
	"github.com/octoqueue/imq/internal/config"
	"github.com/octoqueue/imq/internal/domain"
	"github.com/octoqueue/imq/internal/eventbus"
	"github.com/octoqueue/imq/internal/gateway/github"
	"github.com/octoqueue/imq/internal/pipeline"
	"github.com/octoqueue/imq/internal/processor"
	"github.com/octoqueue/imq/internal/scheduler"
	"github.com/octoqueue/imq/internal/semaphore"
	"github.com/octoqueue/imq/internal/store"
	"github.com/octoqueue/imq/internal/store/memstore"
	"github.com/octoqueue/imq/internal/store/pgstore"
	"github.com/octoqueue/imq/internal/webhook"
	"github.com/octoqueue/imq/internal/wsbridge"
)

const (
	defaultCacheCapacity = 10000
	defaultCacheTTL      = time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("imq: configuration error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeStore := buildStore(ctx, cfg)
	defer closeStore()

	if err := seedDefaultConfiguration(ctx, repo, cfg); err != nil {
		log.Fatalf("imq: seed system configuration: %v", err)
	}

	gw := github.New(cfg.GitHubToken)
	bus := eventbus.New()
	resultCache := buildCache(cfg)

	factory := checks.NewExecutorFactory(gw)
	engine := checks.NewEngine(factory, resultCache, cfg.GitHubOwner, cfg.GitHubRepo)

	pipe := pipeline.New(repo, gw, bus, engine, cfg.GitHubOwner, cfg.GitHubRepo)
	pipe.SetProcessingTimeout(cfg.ProcessingTimeout)

	sched := scheduler.New()
	sem := semaphore.New(cfg.MaxConcurrentProcessing)
	proc := processor.New(repo, sched, pipe, sem, bus)
	proc.SetPollInterval(cfg.ProcessingInterval)
	proc.SetShutdownTimeout(cfg.ShutdownTimeout)

	go resultCache.RunSweeper(ctx, 5*time.Minute)

	if err := proc.Start(ctx); err != nil {
		log.Fatalf("imq: start processor: %v", err)
	}

	bridge := wsbridge.New(bus)

	mux := http.NewServeMux()
	mux.Handle("/webhook/github", webhook.New(repo, bus, cfg.WebhookSecret))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws", bridge)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:    cfg.Addr(),
		Handler: mux,
	}

	go func() {
		log.Printf("imq: listening on %s", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("imq: http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("imq: shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("imq: http server shutdown: %v", err)
	}
	bridge.Shutdown(shutdownCtx)

	if err := proc.Stop(); err != nil {
		log.Printf("imq: processor stop: %v", err)
	}
	log.Println("imq: shutdown complete")
}

// buildStore constructs the Repository backend: Postgres when
// IMQ_DATABASE_URL is set, otherwise an in-memory store (adequate for
// development and the scenarios in spec.md §8, not for durability
// across restarts).
func buildStore(ctx context.Context, cfg config.Config) (store.Repository, func()) {
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, cfg.DatabasePoolSize)
		if err != nil {
			log.Fatalf("imq: connect to postgres: %v", err)
		}
		log.Printf("imq: using postgres store (pool size %d)", cfg.DatabasePoolSize)
		return pg, pg.Close
	}
	log.Println("imq: IMQ_DATABASE_URL not set, using in-memory store")
	return memstore.New(), func() {}
}

// buildCache layers an optional Redis tier under the in-process result
// cache when IMQ_REDIS_ADDR is set (spec.md §4.7, SPEC_FULL.md §11).
func buildCache(cfg config.Config) *cache.Cache {
	var backend cache.Backend
	if cfg.RedisAddr != "" {
		redisBackend, err := cache.NewRedisBackend(cfg.RedisAddr, "", 0)
		if err != nil {
			log.Printf("imq: redis cache tier unavailable, falling back to in-process only: %v", err)
		} else {
			backend = redisBackend
			log.Printf("imq: using redis cache tier at %s", cfg.RedisAddr)
		}
	}
	return cache.New(defaultCacheCapacity, defaultCacheTTL, backend)
}

// seedDefaultConfiguration writes the SystemConfiguration singleton row
// if it doesn't already exist, so the pipeline's first
// GetConfiguration call (spec.md §3) always finds a trigger label and
// a check configuration rather than erroring. When IMQ_CHECK_CONFIG_FILE
// names a YAML fixture, it is parsed and used as the seeded pipeline;
// otherwise the queue starts with no checks configured.
func seedDefaultConfiguration(ctx context.Context, repo store.Repository, cfg config.Config) error {
	_, err := repo.GetConfiguration(ctx)
	if err == nil {
		return nil
	}
	if err != store.ErrNotFound {
		return fmt.Errorf("load existing configuration: %w", err)
	}

	checkConfig := domain.CheckConfiguration{Checks: nil, FailFast: true}
	if cfg.CheckConfigFile != "" {
		loaded, err := config.LoadCheckConfigFromFile(cfg.CheckConfigFile)
		if err != nil {
			return fmt.Errorf("load IMQ_CHECK_CONFIG_FILE: %w", err)
		}
		checkConfig = loaded
		log.Printf("imq: seeded check configuration from %s (%d checks)", cfg.CheckConfigFile, len(loaded.Checks))
	}

	return repo.SaveConfiguration(ctx, &domain.SystemConfiguration{
		TriggerLabel: cfg.TriggerLabel,
		CheckConfig:  checkConfig,
		Templates:    domain.NotificationTemplates{},
	})
}
