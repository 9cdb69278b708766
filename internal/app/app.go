// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/jobwatch/internal/config"
	"github.com/bissquit/jobwatch/internal/domain"
	"github.com/bissquit/jobwatch/internal/engineers"
	engineerspostgres "github.com/bissquit/jobwatch/internal/engineers/postgres"
	"github.com/bissquit/jobwatch/internal/incidents"
	incidentspostgres "github.com/bissquit/jobwatch/internal/incidents/postgres"
	"github.com/bissquit/jobwatch/internal/ingest"
	"github.com/bissquit/jobwatch/internal/ingest/httpsource"
	"github.com/bissquit/jobwatch/internal/memstore"
	"github.com/bissquit/jobwatch/internal/pkg/auth"
	"github.com/bissquit/jobwatch/internal/pkg/ctxlog"
	"github.com/bissquit/jobwatch/internal/pkg/httputil"
	"github.com/bissquit/jobwatch/internal/pkg/metrics"
	"github.com/bissquit/jobwatch/internal/pkg/postgres"
	"github.com/bissquit/jobwatch/internal/version"
	"github.com/bissquit/jobwatch/migrations"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type stores struct {
	incidents incidents.Repository
	engineers engineers.Repository
}

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	cancel        context.CancelFunc
	ctx           context.Context

	scheduler *ingest.Scheduler
	tokens    *auth.Validator
}

// New creates a new application instance.
// An empty database URL runs the service on the in-memory store.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())

	app := &App{
		config: cfg,
		logger: logger,
		cancel: cancel,
		ctx:    ctx,
		tokens: auth.NewValidator(auth.Config{
			Secret: cfg.Auth.JWTSecret,
			Issuer: cfg.Auth.Issuer,
		}),
	}

	st, err := app.openStores()
	if err != nil {
		cancel()
		return nil, err
	}

	router, err := app.setupRouter(st)
	if err != nil {
		app.closeDB()
		cancel()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

func (a *App) openStores() (*stores, error) {
	if a.config.Database.URL == "" {
		a.logger.Warn("database.url is empty, using in-memory store: incidents are lost on restart")
		mem := memstore.New()
		return &stores{incidents: mem, engineers: mem}, nil
	}

	if a.config.Database.MigrateOnStart {
		if err := postgres.Migrate(a.config.Database.URL, migrations.FS); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	connectCtx, connectCancel := context.WithTimeout(a.ctx, a.config.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             a.config.Database.URL,
		MaxOpenConns:    a.config.Database.MaxOpenConns,
		MaxIdleConns:    a.config.Database.MaxIdleConns,
		ConnMaxLifetime: a.config.Database.ConnMaxLifetime,
		ConnectAttempts: a.config.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.db = db

	go metrics.CollectDBPoolMetrics(a.ctx, db, 15*time.Second)

	return &stores{
		incidents: incidentspostgres.NewRepository(db, a.config.Database.LockTimeout),
		engineers: engineerspostgres.NewRepository(db),
	}, nil
}

// Run starts the scheduler and the HTTP servers.
func (a *App) Run() error {
	if a.config.Scheduler.Enabled {
		a.scheduler.Start(a.ctx)
	} else {
		a.logger.Warn("scheduler is disabled: incidents are only refreshed on demand")
	}

	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"sources", len(a.config.Sources),
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	// Stop the scheduler first so no cycle writes during shutdown
	if a.config.Scheduler.Enabled {
		a.scheduler.Stop()
	}
	a.cancel()

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.closeDB()

	return errors.Join(errs...)
}

func (a *App) closeDB() {
	if a.db != nil {
		a.db.Close()
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Scheduler returns the reconciliation scheduler.
// Used in tests to run cycles without the timer.
func (a *App) Scheduler() *ingest.Scheduler {
	return a.scheduler
}

// IssueToken signs a bearer token accepted by the API.
func (a *App) IssueToken(subject string, ttl time.Duration) (string, error) {
	return a.tokens.IssueToken(subject, ttl)
}

func (a *App) setupRouter(st *stores) (*chi.Mux, error) {
	loc, err := a.config.Stats.Location()
	if err != nil {
		return nil, fmt.Errorf("load stats timezone: %w", err)
	}

	engineersService := engineers.NewService(st.engineers)
	if err := engineersService.Seed(a.ctx, seedEngineers(a.config.Engineers.Seed)); err != nil {
		return nil, fmt.Errorf("seed engineers: %w", err)
	}

	incidentsService, err := incidents.NewService(st.incidents, engineersService, incidents.ServiceConfig{
		BreachAfter: a.config.SLA.BreachAfter,
		Location:    loc,
	})
	if err != nil {
		return nil, fmt.Errorf("create incidents service: %w", err)
	}

	reconciler := incidents.NewReconciler(st.incidents, incidents.ReconcilerConfig{
		AbsenceGracePeriod: a.config.Reconciler.AbsenceGracePeriod,
		BreachAfter:        a.config.SLA.BreachAfter,
	})

	lastRefresh, err := st.incidents.GetLastRefresh(a.ctx)
	if err != nil {
		return nil, fmt.Errorf("load last refresh time: %w", err)
	}
	health := ingest.NewHealth(lastRefresh)
	cache := ingest.NewStatusCache()

	sources := make([]ingest.Source, 0, len(a.config.Sources))
	for _, s := range a.config.Sources {
		sources = append(sources, httpsource.New(httpsource.Config{
			ID:      s.ID,
			URL:     s.URL,
			Token:   s.Token,
			Timeout: s.Timeout,
		}))
	}
	if len(sources) == 0 {
		a.logger.Warn("no sources configured: no incidents will be detected")
	}

	adapter := ingest.NewAdapter(ingest.AdapterConfig{
		Workers:          a.config.Source.Workers,
		Timeout:          a.config.Source.Timeout,
		MinFetchInterval: a.config.Source.MinFetchInterval,
	}, sources, cache, health)

	a.scheduler = ingest.NewScheduler(ingest.SchedulerConfig{
		Interval:               a.config.Scheduler.Interval,
		ManualRefreshPerMinute: a.config.Scheduler.ManualRefreshPerMinute,
	}, adapter, reconciler, health)

	incidentsHandler := incidents.NewHandler(incidentsService)
	engineersHandler := engineers.NewHandler(engineersService)
	ingestHandler := ingest.NewHandler(a.scheduler, adapter.SourceIDs(), cache, health)

	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(a.tokens))

		incidentsHandler.RegisterRoutes(r)
		engineersHandler.RegisterRoutes(r)
		ingestHandler.RegisterRoutes(r)
	})

	return r, nil
}

func seedEngineers(seed []config.EngineerSeed) []domain.Engineer {
	out := make([]domain.Engineer, 0, len(seed))
	for _, s := range seed {
		out = append(out, domain.Engineer{Name: s.Name, Level: domain.EngineerLevel(s.Level)})
	}
	return out
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if a.db == nil {
		httputil.Text(w, http.StatusOK, "OK")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler).With("service", "jobwatch")
}
