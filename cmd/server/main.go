package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/cdp-engine/internal/api"
	"github.com/atmx/cdp-engine/internal/boost"
	"github.com/atmx/cdp-engine/internal/chain"
	"github.com/atmx/cdp-engine/internal/config"
	"github.com/atmx/cdp-engine/internal/events"
	"github.com/atmx/cdp-engine/internal/liquidation"
	"github.com/atmx/cdp-engine/internal/metrics"
	"github.com/atmx/cdp-engine/internal/oracle"
	"github.com/atmx/cdp-engine/internal/pool"
	"github.com/atmx/cdp-engine/internal/store"
	"github.com/atmx/cdp-engine/internal/troves"
)

const staticFeedHeartbeat = time.Minute

func main() {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "cdp-engine", "env", env)
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := cfg.Server.DatabaseURL; dbURL != "" {
		pgPool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pgPool.Close)
		pg := store.NewPostgresStore(pgPool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := cfg.Server.RedisURL; redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Server.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Server.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Event fan-out ---
	wsHub := api.NewWSHub()
	go wsHub.Run()
	sink := events.Multi(events.LogSink(logger), metrics.Sink(), wsHub)

	// --- Chain client ---
	var client chain.Caller
	if rpcURL := cfg.Oracle.RPCURL; rpcURL != "" {
		ec, err := chain.Dial(rpcURL)
		if err != nil {
			slog.Error("rpc dial failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, ec.Close)
		client = ec
	}

	// --- Price oracle ---
	primary, secondary, err := feeds(ctx, cfg, client)
	if err != nil {
		slog.Error("price feeds unavailable", "err", err)
		os.Exit(1)
	}
	oracleParams, err := cfg.OracleParams()
	if err != nil {
		slog.Error("invalid oracle config", "err", err)
		os.Exit(1)
	}
	arbiter := oracle.NewArbiter(primary, secondary, oracleParams,
		oracle.WithSink(sink),
		oracle.WithLogger(logger),
		oracle.WithStateSaver(st),
	)
	if err := restoreOrInit(ctx, arbiter, st); err != nil {
		slog.Error("oracle initialization failed", "err", err)
		os.Exit(1)
	}

	// --- Liquidation engine ---
	liqParams, err := cfg.LiquidationParams()
	if err != nil {
		slog.Error("invalid protocol config", "err", err)
		os.Exit(1)
	}
	positions := troves.NewManager()
	stabilityPool := pool.NewStabilityPool(positions)
	engine, err := liquidation.NewEngine(positions, stabilityPool, arbiter, liqParams,
		liquidation.WithSink(sink),
		liquidation.WithLogger(logger),
	)
	if err != nil {
		slog.Error("engine init failed", "err", err)
		os.Exit(1)
	}

	// --- Reward boost ---
	registry, weights, err := lockRegistry(cfg, client)
	if err != nil {
		slog.Error("lock registry unavailable", "err", err)
		os.Exit(1)
	}
	calc, err := boost.NewCalculator(registry, cfg.BoostConfig(),
		boost.WithSink(sink),
		boost.WithLogger(logger),
	)
	if err != nil {
		slog.Error("boost calculator init failed", "err", err)
		os.Exit(1)
	}

	svc := api.NewService(api.Deps{
		Engine:    engine,
		Arbiter:   arbiter,
		Positions: positions,
		Pool:      stabilityPool,
		Boost:     calc,
		Store:     st,
		Weights:   weights,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"cdp-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for liquidation and oracle events.
		r.Get("/ws", wsHub.HandleWS)
		svc.Routes(r)
	})

	// --- Server ---
	port := cfg.Server.Port
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("cdp-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down cdp-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("cdp-engine stopped")
}

// feeds builds the on-chain feed pair when a chain client is available and
// static in-process feeds otherwise.
func feeds(ctx context.Context, cfg *config.Config, client chain.Caller) (oracle.PrimarySource, oracle.SecondarySource, error) {
	o := cfg.Oracle
	if client != nil {
		primary, err := oracle.NewChainlinkSource(client, common.HexToAddress(o.PrimaryAddress))
		if err != nil {
			return nil, nil, err
		}
		secondary, err := oracle.NewTellorSource(client, common.HexToAddress(o.SecondaryAddress), o.SecondaryRequestID)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("using on-chain price feeds",
			"primary", o.PrimaryAddress,
			"secondary", o.SecondaryAddress,
		)
		return primary, secondary, nil
	}

	slog.Warn("ETH_RPC_URL not set, using static price feeds", "price", o.StaticPrice.String())
	static, err := oracle.NewStaticFeeds(o.StaticPrice, o.SecondaryDecimals)
	if err != nil {
		return nil, nil, err
	}
	publish := func() { static.Publish(uint64(time.Now().Unix())) }
	publish()

	// Keep the static feeds from going stale.
	go func() {
		ticker := time.NewTicker(staticFeedHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				publish()
			}
		}
	}()
	return static.Primary, static.Secondary, nil
}

// lockRegistry reads lock weights from the vote locker when one is configured.
// Otherwise weights live in memory and the returned setter is mounted on the
// API for seeding.
func lockRegistry(cfg *config.Config, client chain.Caller) (boost.LockRegistry, api.WeightSetter, error) {
	if addr := cfg.Boost.LockerAddress; addr != "" {
		if client == nil {
			return nil, nil, errors.New("locker_address requires an rpc client")
		}
		reg, err := boost.NewEVMRegistry(client, common.HexToAddress(addr))
		if err != nil {
			return nil, nil, err
		}
		slog.Info("using on-chain lock weights", "locker", addr)
		return reg, nil, nil
	}
	slog.Warn("boost.locker_address not set, lock weights are held in memory and seeded via POST /api/v1/boost/weights")
	reg := boost.NewMemoryRegistry()
	return reg, reg, nil
}

// restoreOrInit resumes from the persisted oracle state when there is one.
func restoreOrInit(ctx context.Context, arbiter *oracle.Arbiter, st store.Store) error {
	snap, err := st.GetOracleState(ctx)
	switch {
	case err == nil:
		if err := arbiter.Restore(snap); err != nil {
			return err
		}
		slog.Info("oracle state restored", "status", snap.Status, "last_good_price", snap.LastGoodPrice.String())
		return nil
	case errors.Is(err, store.ErrNotFound):
		return arbiter.Init(ctx)
	default:
		return err
	}
}
