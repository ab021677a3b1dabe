/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the XP engine server. Handles configuration,
  dependency wiring, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse environment config, then command-line flag overrides
  2. Open the store (PostgreSQL when DATABASE_URL is set, SQLite otherwise)
  3. Load progression config (JSON file or built-in defaults)
  4. Wire services, caches, and the revalidation worker
  5. Start the HTTP server with graceful shutdown

CONFIGURATION (environment, flags override):
  PORT              HTTP port (default 8080)
  DATABASE_URL      PostgreSQL DSN; empty selects SQLite
  SQLITE_PATH       SQLite path (default xp.db, ":memory:" supported)
  PROGRESSION_FILE  JSON progression config; empty uses defaults
  CACHE_TTL         Level/rule cache TTL (default 5m)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM: stop accepting connections, wait up to 30s for
  in-flight requests, stop the revalidation worker, close the store.

SEE ALSO:
  - api/server.go: Router configuration
  - factory/progression.go: Config file format
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/warp/xp-engine/api"
	"github.com/warp/xp-engine/factory"
	"github.com/warp/xp-engine/progression"
	"github.com/warp/xp-engine/store/postgres"
	"github.com/warp/xp-engine/store/sqlite"
	"github.com/warp/xp-engine/xp"
)

type config struct {
	Port            int           `env:"PORT" envDefault:"8080"`
	DatabaseURL     string        `env:"DATABASE_URL"`
	SQLitePath      string        `env:"SQLITE_PATH" envDefault:"xp.db"`
	ProgressionFile string        `env:"PROGRESSION_FILE"`
	CacheTTL        time.Duration `env:"CACHE_TTL" envDefault:"5m"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Failed to parse environment: %v", err)
	}

	// Flags override the environment.
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.SQLitePath, "SQLite database path (ignored when DATABASE_URL is set)")
	flag.Parse()
	cfg.Port = *port
	cfg.SQLitePath = *dbPath

	ctx := context.Background()

	// Store
	var (
		store   xp.Store
		cleanup func()
	)
	if cfg.DatabaseURL != "" {
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to postgres: %v", err)
		}
		store, cleanup = pg, pg.Close
		log.Printf("Using PostgreSQL store")
	} else {
		sq, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to open sqlite database: %v", err)
		}
		store, cleanup = sq, func() { sq.Close() }
		log.Printf("Using SQLite store at %s", cfg.SQLitePath)
	}
	defer cleanup()

	// Progression config
	progCfg := factory.Defaults()
	if cfg.ProgressionFile != "" {
		var err error
		progCfg, err = factory.ParseFile(cfg.ProgressionFile)
		if err != nil {
			log.Fatalf("Failed to load progression config: %v", err)
		}
		log.Printf("Loaded progression config from %s", cfg.ProgressionFile)
	}

	// Services
	levels := xp.NewLevelCache(progCfg.LevelSource(), cfg.CacheTTL)
	rules := progression.NewRuleCache(progCfg.RuleSource(), cfg.CacheTTL)
	credits := xp.NewCreditService(store, levels)
	unlocks := xp.NewUnlockService(credits, store, progCfg.Achievements)

	handler := api.NewHandler(store, credits, unlocks, levels, rules)

	revalidator := api.NewRevalidator(unlocks, progCfg.Achievements)
	revalidator.Start()
	defer revalidator.Stop()
	handler.Revalidator = revalidator

	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("XP engine listening on http://localhost:%d", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
