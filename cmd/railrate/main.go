// Railrate - rule and price resolution for rail transport orders.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/railrate/internal/api"
	"github.com/opensource-finance/railrate/internal/bus"
	"github.com/opensource-finance/railrate/internal/cache"
	"github.com/opensource-finance/railrate/internal/domain"
	"github.com/opensource-finance/railrate/internal/rating"
	"github.com/opensource-finance/railrate/internal/repository"
	"github.com/opensource-finance/railrate/internal/rules"
	"github.com/opensource-finance/railrate/internal/tables"
	"github.com/opensource-finance/railrate/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// purger is implemented by the in-process caches.
type purger interface {
	Purge()
}

func main() {
	cfg, err := domain.LoadConfig(os.Getenv("RAILRATE_CONFIG"))
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting railrate",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"tables", cfg.Tables.Source,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize table source
	var (
		source domain.TableSource
		store  domain.TableStore
	)
	switch cfg.Tables.Source {
	case "sql":
		repo, err := repository.New(cfg.Repository)
		if err != nil {
			slog.Error("failed to initialize repository", "error", err)
			os.Exit(1)
		}
		defer repo.Close()

		if cfg.Tables.Dir != "" {
			seeded, err := repo.Seed(ctx, tables.NewDirSource(cfg.Tables.Dir))
			if err != nil {
				slog.Warn("failed to seed tables", "dir", cfg.Tables.Dir, "error", err)
			} else if len(seeded) > 0 {
				slog.Info("seeded tables", "dir", cfg.Tables.Dir, "tables", seeded)
			}
		}
		source, store = repo, repo
		slog.Info("repository initialized", "driver", cfg.Repository.Driver)
	default:
		source = tables.NewDirSource(cfg.Tables.Dir)
		slog.Info("reading tables from directory", "dir", cfg.Tables.Dir)
	}

	// Load the first snapshot; a broken table set is fatal at startup
	tableRepo := tables.NewRepository(source)
	if err := tableRepo.Load(ctx); err != nil {
		slog.Error("failed to load tables", "error", err)
		os.Exit(1)
	}
	snap := tableRepo.Current()
	slog.Info("tables loaded",
		"revision", snap.Revision,
		"tables", snap.Names(),
	)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	if cacheImpl != nil {
		defer cacheImpl.Close()
		slog.Info("cache initialized", "type", cfg.Cache.Type)
	} else {
		slog.Info("rating cache disabled")
	}

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	tableRepo.OnSwap(swapHook(cacheImpl, busImpl))

	// Initialize derivation rules
	engine, err := rules.NewEngine()
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	if err := engine.ReloadDerivations(cfg.Derivations); err != nil {
		slog.Error("failed to load derivations", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "derivations_count", engine.Count())

	pipeline := rating.NewPipeline(tableRepo, cfg, engine, cacheImpl)

	if cfg.Tables.RefreshInterval > 0 {
		go tableRepo.Watch(ctx, cfg.Tables.RefreshInterval)
		slog.Info("watching tables", "interval", cfg.Tables.RefreshInterval)
	}

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.Rating.AsyncWorker {
		asyncWorker = worker.NewWorker(busImpl, pipeline)
		if err := asyncWorker.Start(worker.Config{}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		} else {
			slog.Info("async worker started", "topic", domain.TopicRatingRequest)
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, pipeline, tableRepo, store, cacheImpl, busImpl, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("railrate is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("railrate shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// swapHook purges in-process ratings and announces the new snapshot. c may
// be nil when caching is disabled.
func swapHook(c domain.Cache, b domain.EventBus) tables.SwapHook {
	return func(ctx context.Context, old, next *tables.Snapshot) {
		if p, ok := c.(purger); ok {
			p.Purge()
		}
		publishReload(ctx, b, old, next)
	}
}

// publishReload announces a snapshot swap on domain.TopicTablesReloaded.
func publishReload(ctx context.Context, b domain.EventBus, old, next *tables.Snapshot) {
	event := bus.TablesReloaded{
		Revision:   next.Revision,
		Generation: next.Generation,
		Tables:     next.Names(),
	}
	if old != nil {
		event.PreviousRevision = old.Revision
	}
	if err := bus.PublishJSON(ctx, b, domain.TopicTablesReloaded, event); err != nil {
		slog.Warn("failed to publish table reload", "revision", next.Revision, "error", err)
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               RAILRATE                    ║")
	fmt.Println("  ║    Rule & Price Resolution Engine         ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Tables:   %s\n", cfg.Tables.Source)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /rate            - Rate an order")
	fmt.Println("    POST   /rate/async      - Queue an order on the event bus")
	fmt.Println("    POST   /weight-class    - Resolve the weight class")
	fmt.Println("    POST   /services        - Determine services")
	fmt.Println("    POST   /price           - Resolve one price")
	fmt.Println("    POST   /tax             - Resolve the tax case")
	fmt.Println("    GET    /tables          - List loaded tables")
	fmt.Println("    POST   /tables/reload   - Hot-reload tables")
	fmt.Println("    PUT    /tables/{name}   - Store a table (sql source)")
	fmt.Println("    DELETE /tables/{name}   - Remove a table (sql source)")
	fmt.Println("    GET    /health          - Health check")
	fmt.Println()
}
