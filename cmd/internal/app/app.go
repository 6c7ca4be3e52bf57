// Package app wires the marketsync runtime: config, logging, infrastructure clients,
// HTTP surfaces and the CLI subcommands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"marketsync/cmd/internal/pushgw"
	"marketsync/cmd/internal/threadstore"
)

// Resources owns the thread store and the connections behind it.
type Resources struct {
	Threads threadstore.Store

	pool *pgxpool.Pool
	rdb  *redis.Client
}

// OpenResources opens the thread store selected by cfg.ThreadBackend.
func OpenResources(ctx context.Context, cfg Config, log Logger) (*Resources, error) {
	switch cfg.ThreadBackend {
	case BackendPostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		st, err := threadstore.NewPostgresStore(pool, threadstore.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensuring thread schema: %w", err)
		}
		log.Info("threads.enabled.postgres", "schema", cfg.DBSchema)
		return &Resources{Threads: st, pool: pool}, nil

	case BackendRedis:
		rdb, err := NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		st, err := threadstore.NewRedisStore(rdb)
		if err != nil {
			_ = rdb.Close()
			return nil, err
		}
		log.Info("threads.enabled.redis")
		return &Resources{Threads: st, rdb: rdb}, nil

	case BackendMemory, "":
		log.Info("threads.enabled.memory")
		return &Resources{Threads: threadstore.NewMemoryStore()}, nil

	default:
		return nil, fmt.Errorf("config: unknown thread backend %q", cfg.ThreadBackend)
	}
}

// Ready pings the backing connection, if any.
func (r *Resources) Ready(ctx context.Context) error {
	switch {
	case r.pool != nil:
		return PingDB(ctx, r.pool, defaultPingTimeout)
	case r.rdb != nil:
		return PingRedis(ctx, r.rdb, defaultPingTimeout)
	default:
		return nil
	}
}

// Close releases the store and the connections it was built on. The store is closed first.
func (r *Resources) Close() error {
	var errs []error
	if r.Threads != nil {
		errs = append(errs, r.Threads.Close())
	}
	if r.pool != nil {
		r.pool.Close()
	}
	if r.rdb != nil {
		errs = append(errs, r.rdb.Close())
	}
	return errors.Join(errs...)
}

// App is the development server: push gateway, health, readiness and metrics.
type App struct {
	cfg Config
	log Logger

	res *Resources
	reg *prometheus.Registry
	gw  *pushgw.Gateway
}

// New constructs a fully wired development server from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	tokens, err := pushgw.ParseDevTokens(cfg.DevTokens)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		log.Warn("pushgw.dev_tokens.empty", "hint", envPrefix+"DEV_TOKENS=token:user,...")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	res, err := OpenResources(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	gw := pushgw.NewGateway(log, nil, nil, pushgw.NewTokenAuthenticator(tokens), pushgw.Options{
		AllowedOrigins: cfg.WSAllowedOrigins,
	})

	return &App{cfg: cfg, log: log, res: res, reg: reg, gw: gw}, nil
}

// Handler returns the full route set wrapped in request logging.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.res.Ready, a.reg)
	a.gw.Register(mux)
	return WithRequestLogging(mux, a.log)
}

// Gateway exposes the push gateway (tests publish through it).
func (a *App) Gateway() *pushgw.Gateway { return a.gw }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	err := serveHTTP(ctx, a.log, newHTTPServer(a.cfg, a.cfg.HTTPAddr, a.Handler()))
	if cerr := a.res.Close(); cerr != nil {
		a.log.Error("resources.close.fail", "err", cerr)
	}
	return err
}
