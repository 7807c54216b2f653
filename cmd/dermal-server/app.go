package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dermal/dermal/internal/config"
	"github.com/dermal/dermal/internal/domain/clinical"
	"github.com/dermal/dermal/internal/domain/identity"
	"github.com/dermal/dermal/internal/platform/auth"
	"github.com/dermal/dermal/internal/platform/cursor"
	"github.com/dermal/dermal/internal/platform/db"
	"github.com/dermal/dermal/internal/platform/dispatch"
	"github.com/dermal/dermal/internal/platform/fhir"
	"github.com/dermal/dermal/internal/platform/metrics"
	"github.com/dermal/dermal/internal/platform/middleware"
	"github.com/dermal/dermal/internal/platform/registry"
	"github.com/dermal/dermal/internal/platform/storage"
)

// app is a fully wired server: routes, the cursor sweeper and the pool (if
// any) that must be closed on shutdown.
type app struct {
	echo    *echo.Echo
	sweeper *cursor.Sweeper
	pool    *pgxpool.Pool
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// newApp wires every component from cfg. A nil promReg gets a fresh registry
// with the Go and process collectors.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, promReg *prometheus.Registry) (*app, error) {
	if promReg == nil {
		promReg = prometheus.NewRegistry()
		promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m := metrics.New(promReg)
	a := &app{}

	if cfg.StorageBackend == config.BackendPostgres || cfg.CursorStore == config.BackendPostgres {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolConfig{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		logger.Info().Msg("connected to database")
	}

	var backend storage.Backend = storage.NewMemoryBackend()
	if cfg.StorageBackend == config.BackendPostgres {
		backend = storage.NewPGBackend(a.pool)
	}

	var store cursor.Store = cursor.NewMemoryStore(cfg.CursorShards, cfg.CursorExpiry())
	if cfg.CursorStore == config.BackendPostgres {
		store = cursor.NewPGStore(a.pool, cfg.CursorExpiry())
	}

	reg := registry.New()
	for _, register := range []func(*registry.Registry, storage.Backend) error{identity.Register, clinical.Register} {
		if err := register(reg, backend); err != nil {
			a.Close()
			return nil, fmt.Errorf("register resource types: %w", err)
		}
	}
	reg.Freeze()
	logger.Info().Strs("types", reg.Types()).Msg("resource registry frozen")

	dispatcher := dispatch.New(reg, store, dispatch.Config{
		DefaultPageSize:    cfg.DefaultPageSize,
		MaxPageSize:        cfg.MaxPageSize,
		ResolveConcurrency: cfg.PageResolveConcurrency,
		AllowUpdateCreate:  cfg.AllowUpdateCreate,
	}, logger, dispatch.WithMetrics(m))

	caps := fhir.NewCapabilityBuilder(reg, fhir.CapabilityConfig{
		ServerVersion: version,
		Description:   cfg.ServerDescription,
		BaseURL:       cfg.BaseURL,
		UpdateCreate:  cfg.AllowUpdateCreate,
		Secured:       cfg.AuthEnabled(),
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Metrics(m))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout()))
	// CORS sits on the root so preflights for unrouted methods are answered too
	corsCfg := fhir.DefaultFHIRCORSConfig()
	corsCfg.AllowOrigins = cfg.CORSOrigins
	e.Use(fhir.FHIRCORSMiddleware(corsCfg))

	health := &db.Health{Backend: cfg.StorageBackend, Cursors: store.Len}
	if a.pool != nil {
		health.DB = a.pool
	}
	e.GET("/health", health.Handler())
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))

	fhirGroup := e.Group("/fhir", fhir.ContentNegotiationMiddleware())
	if cfg.AuthEnabled() {
		fhirGroup.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.Skipper,
		}))
	} else {
		fhirGroup.Use(auth.DevAuthMiddleware())
	}
	fhirGroup.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           middleware.DefaultRateLimitConfig().IdleTTL,
	}))
	fhirGroup.Use(auth.ScopeMiddleware())

	fhir.NewHandler(dispatcher, caps, cfg.BaseURL, logger).RegisterRoutes(fhirGroup)

	e.RouteNotFound("/*", func(c echo.Context) error {
		return c.JSON(http.StatusNotFound, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, "no route for "+c.Request().URL.Path))
	})

	a.echo = e
	a.sweeper = cursor.NewSweeper(store, cfg.SweepInterval(), logger, m)
	return a, nil
}
