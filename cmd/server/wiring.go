package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"

	vc "github.com/linnemanlabs/grantscout/internal/cfg"
	"github.com/linnemanlabs/grantscout/internal/llm/claude"
	"github.com/linnemanlabs/grantscout/internal/notify/slack"
	"github.com/linnemanlabs/grantscout/internal/postgres"
	"github.com/linnemanlabs/grantscout/internal/scoreapi"
	"github.com/linnemanlabs/grantscout/internal/triage"
	"github.com/linnemanlabs/grantscout/internal/triage/memstore"
	"github.com/linnemanlabs/grantscout/internal/triage/pgstore"
)

const (
	storeMemory   = "memory"
	storePostgres = "postgres"
)

// openStore picks the run store: postgres when a database URL is set, memory
// otherwise. The returned close func is always non-nil.
func openStore(ctx context.Context, L log.Logger, c *vc.Config) (triage.Store, string, func(), error) {
	if c.DatabaseURL == "" {
		L.Info(ctx, "using in-memory store (no database-url configured)")
		return memstore.New(), storeMemory, func() {}, nil
	}

	pool, err := postgres.NewPool(ctx, c.DatabaseURL, postgres.PoolOptions{
		MaxConns:  int32(c.DBMaxConns), //nolint:gosec // bounded by Validate
		SlowQuery: time.Duration(c.DBSlowQueryMillis) * time.Millisecond,
	})
	if err != nil {
		return nil, "", nil, fmt.Errorf("postgres pool: %w", err)
	}
	store, err := pgstore.New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, "", nil, fmt.Errorf("pgstore init: %w", err)
	}
	L.Info(ctx, "using postgres store", "max_conns", pool.Config().MaxConns)
	return store, storePostgres, pool.Close, nil
}

// publishers returns service options for the briefer and notifier enabled by
// c, along with their names.
func publishers(c *vc.Config, L log.Logger) ([]triage.Option, []string) {
	var (
		opts  []triage.Option
		names []string
	)
	if c.ClaudeAPIKey != "" {
		opts = append(opts, triage.WithBriefer(claude.New(c.ClaudeAPIKey, c.ClaudeModel, claude.WithTopN(c.BriefTopN))))
		names = append(names, "claude")
	}
	if c.SlackWebhookURL != "" {
		opts = append(opts, triage.WithNotifier(slack.New(c.SlackWebhookURL, L, slack.WithTopN(c.ShortlistN))))
		names = append(names, "slack")
	}
	return opts, names
}

// newService builds the triage service over store with its metrics registered
// on reg.
func newService(ctx context.Context, L log.Logger, c *vc.Config, store triage.Store, reg prometheus.Registerer) *triage.Service {
	tm := triage.NewMetrics(reg)
	opts := []triage.Option{triage.WithMetrics(tm)}

	pubOpts, names := publishers(c, L)
	opts = append(opts, pubOpts...)
	if len(names) > 0 {
		L.Info(ctx, "publishing enabled", "publishers", names, "brief_top_n", c.BriefTopN, "shortlist_n", c.ShortlistN)
	}

	return triage.NewService(store, triage.NewEngine(tm.Hooks()), L, opts...)
}

// observeQueries registers the per-query histogram and routes pool timings
// into it.
func observeQueries(reg prometheus.Registerer) {
	dur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grantscout_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	reg.MustRegister(dur)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, d time.Duration) {
			dur.WithLabelValues(method, route, outcome).Observe(d.Seconds())
		},
	))
}

// newRouter builds the main listener's router: request middleware, health
// checks and the score API.
func newRouter(L log.Logger, c *vc.Config, svc scoreapi.TriageService, liveness, readiness health.Probe) *chi.Mux {
	r := chi.NewRouter()

	// partition tables can be large
	r.Use(middleware.Compress(5, "application/json", "text/csv"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(postgres.RequestStats)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(int64(c.MaxUploadKB) * 1024))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	scoreapi.New(L, svc, scoreapi.WithTokens(c.APITokens()...)).RegisterRoutes(r)
	return r
}
