package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itskum47/PuppetLens/dashboard/config"
	"github.com/itskum47/PuppetLens/dashboard/coordination"
	"github.com/itskum47/PuppetLens/dashboard/middleware"
	"github.com/itskum47/PuppetLens/dashboard/puppetdb"
	"github.com/itskum47/PuppetLens/dashboard/resilience"
	"github.com/itskum47/PuppetLens/dashboard/rollup"
	"github.com/itskum47/PuppetLens/dashboard/scheduler"
	"github.com/itskum47/PuppetLens/dashboard/store"
	"github.com/itskum47/PuppetLens/dashboard/streaming"
)

const (
	shutdownTimeout  = 15 * time.Second
	purgeInterval    = 10 * time.Minute
	retryDelay       = 500 * time.Millisecond
	retryMaxDelay    = 5 * time.Second
	rebuildPerMinute = 2 // forced rebuilds per environment
)

// cacheBackend bundles the selected store's roles.
type cacheBackend struct {
	cache       store.Cache
	coordinator store.Coordinator
	close       func()
}

func openCache(ctx context.Context, cfg config.CacheConfig) (cacheBackend, error) {
	switch cfg.Type {
	case config.CacheRedis:
		rs, err := store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return cacheBackend{}, fmt.Errorf("connect to redis: %w", err)
		}
		log.Printf("[CONFIG] Using Redis at %s for snapshots and leader election", cfg.Redis.Addr)
		return cacheBackend{cache: rs, coordinator: rs, close: func() { rs.Close() }}, nil

	case config.CachePostgres:
		ps, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return cacheBackend{}, fmt.Errorf("connect to postgres: %w", err)
		}
		log.Printf("[CONFIG] Using Postgres for snapshots and leader election")
		go runCachePurger(ctx, ps)
		return cacheBackend{cache: ps, coordinator: ps, close: ps.Close}, nil

	default:
		ms := store.NewMemoryStore()
		log.Printf("[CONFIG] Using in-process memory cache (single instance only)")
		return cacheBackend{cache: ms, coordinator: ms, close: func() {}}, nil
	}
}

func newPuppetDBClient(cfg config.PuppetDBConfig) (*puppetdb.Client, error) {
	opts := []puppetdb.Option{
		puppetdb.WithTimeout(cfg.Timeout),
		puppetdb.WithRetry(cfg.MaxRetries, retryDelay, retryMaxDelay),
		puppetdb.WithRateLimit(cfg.RateLimit, int(cfg.RateLimit)+1),
		puppetdb.WithBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
	}
	if cfg.Proto == "https" {
		opts = append(opts, puppetdb.WithTLS(cfg.Cert, cfg.Key, cfg.CA, cfg.SSLVerify))
	}
	return puppetdb.New(cfg.URL(), opts...)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	columns, err := cfg.StatusColumns()
	if err != nil {
		log.Fatalf("Invalid status columns: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := openCache(ctx, cfg.Cache)
	if err != nil {
		log.Fatalf("Failed to open cache: %v", err)
	}
	defer backend.close()
	cache := store.Namespaced(backend.cache, cfg.Cache.KeyPrefix)

	client, err := newPuppetDBClient(cfg.PuppetDB)
	if err != nil {
		log.Fatalf("Failed to configure PuppetDB client: %v", err)
	}
	log.Printf("[CONFIG] PuppetDB at %s (timeout %v, retries %d)", cfg.PuppetDB.URL(), cfg.PuppetDB.Timeout, cfg.PuppetDB.MaxRetries)

	hub := NewRollupHub()
	publisher := streaming.Fanout{streaming.NewLogPublisher(), hub}
	defer publisher.Close()

	refresher := rollup.NewRefresher(
		puppetdb.NewRollupBackend(client),
		cache,
		rollup.WithStatusColumns(columns),
		rollup.WithTTL(cfg.Cache.DefaultTimeout),
		rollup.WithPublisher(publisher),
	)
	log.Printf("[CONFIG] Status columns: %v", columns)

	job := scheduler.NewRebuildJob(client, refresher, cfg.Scheduler.RebuildInterval,
		scheduler.WithConcurrency(cfg.Scheduler.Concurrency),
		scheduler.WithPublisher(publisher),
	)

	// Only the lease holder runs the periodic rebuild
	var elector *coordination.LeaderElector
	if cfg.Scheduler.Enabled {
		elector = coordination.NewLeaderElector(backend.coordinator, cfg.Scheduler.NodeID, "", cfg.Scheduler.LeaderLeaseTTL)
		elector.SetCallbacks(
			func(leaderCtx context.Context) {
				log.Println("[LEADER] Elected. Starting rebuild job...")
				job.Start(leaderCtx)
			},
			func() {
				log.Println("[LEADER] Lost leadership. Rebuild job stopping...")
				job.Stop()
			},
		)
		elector.Start(ctx)
	} else {
		log.Println("[CONFIG] Scheduler disabled; rollups are refreshed on demand only")
	}

	stale := resilience.NewStaleCache(cfg.API.StaleEntries)
	service := NewRollupService(refresher, stale, client, job, elector)
	api := NewAPI(client, service, hub,
		scheduler.NewTokenBucketLimiter(cfg.API.RefreshRateLimit, cfg.API.RefreshBurst),
		scheduler.NewTokenBucketLimiter(rebuildPerMinute/60.0, 1),
		cfg.API.AllowedOrigins,
	)

	go hub.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           middleware.LoggingMiddleware(middleware.CORSMiddleware(cfg.API.AllowedOrigins, api.Routes())),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 16,
	}

	go func() {
		log.Printf("PuppetLens dashboard listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if elector != nil {
		elector.Stop()
	}
	job.Stop()
	log.Println("Shutdown complete")
}

// runCachePurger deletes expired Postgres snapshots; Redis and memory
// expire entries themselves.
func runCachePurger(ctx context.Context, ps *store.PostgresStore) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ps.Purge(ctx)
			if err != nil {
				log.Printf("[CACHE] Purge failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[CACHE] Purged %d expired snapshots", n)
			}
		}
	}
}
