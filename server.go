package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/chop-dbhi/icd-lookup/internal/cache"
	"github.com/chop-dbhi/icd-lookup/internal/config"
	"github.com/chop-dbhi/icd-lookup/internal/coverage"
	"github.com/chop-dbhi/icd-lookup/internal/drugs"
	"github.com/chop-dbhi/icd-lookup/internal/icd10"
	"github.com/chop-dbhi/icd-lookup/internal/lookup"
	"github.com/chop-dbhi/icd-lookup/internal/store"
	"github.com/chop-dbhi/icd-lookup/internal/trials"
	"github.com/chop-dbhi/icd-lookup/internal/umls"
	"github.com/chop-dbhi/icd-lookup/internal/upstream"
)

const cleanupInterval = time.Minute

// app holds the wired dependencies shared by the handlers and the CLI.
type app struct {
	cfg     *config.Config
	service *lookup.Service
	store   *store.Store
	closers []func() error
}

// newApp wires the cache, the upstream clients and the lookup service. The
// SQLite store is only opened when withStore is set.
func newApp(ctx context.Context, cfg *config.Config, withStore bool) (*app, error) {
	a := &app{cfg: cfg}

	var responses cache.Store
	if cfg.RedisURL != "" {
		redis, err := cache.NewRedis(ctx, cfg.RedisURL, config.AppName+":", zapLogger)
		if err != nil {
			return nil, err
		}
		zapLogger.Info("Using Redis response cache")
		a.closers = append(a.closers, redis.Close)
		responses = redis
	} else {
		memory := cache.NewMemory()
		memory.StartCleanup(ctx, cleanupInterval)
		responses = memory
	}

	normalizer, err := readNormalizer(cfg.TermsFile)
	if err != nil {
		a.close()
		return nil, err
	}

	client := upstream.New(upstream.Options{
		Timeout: cfg.TimeoutDuration(),
		RPS:     cfg.UpstreamRPS,
		Burst:   cfg.UpstreamBurst,
		Headers: map[string]string{"User-Agent": fmt.Sprintf("%s/%s", cfg.AppName, cfg.AppVersion)},
	})
	a.service = lookup.New(lookup.Clients{
		ICD10:    icd10.NewClient(client, cfg.ICD10URL),
		OpenFDA:  drugs.NewOpenFDA(client, cfg.OpenFDAURL, cfg.OpenFDAAPIKey),
		RxNav:    drugs.NewRxNav(client, cfg.RxNavURL),
		Trials:   trials.NewClient(client, cfg.TrialsURL),
		Coverage: coverage.NewClient(client, cfg.CoverageURL, responses, cfg.CoverageCacheDuration()),
		UMLS:     umls.NewClient(client, cfg.UMLSURL, cfg.UMLSAPIKey),
	}, lookup.Options{
		Cache:      responses,
		TTL:        cfg.CacheDuration(),
		Normalizer: normalizer,
		Logger:     zapLogger,
	})

	if withStore {
		db, err := store.Open(cfg.DBDir, store.Options{HistoryLimit: cfg.HistoryLimit, EnableWAL: true})
		if err != nil {
			a.close()
			return nil, err
		}
		zapLogger.Info("Opened database", zap.String("path", db.Path()))
		a.store = db
		a.closers = append(a.closers, db.Close)
	}

	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			zapLogger.Warn("Close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

// newServer creates the echo server with every route registered.
func newServer(a *app) (*echo.Echo, error) {
	// Create new Echo object
	e := echo.New()
	e.HideBanner = true

	// Add basic middleware to log all requests
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))

	// Configure elastic apm logging
	if err := initAPM(e, a.cfg); err != nil {
		return nil, err
	}

	// Sets CORS headers for the configured origins and restricts HTTP method type
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, clientIDHeader},
	}))

	// Middleware to provide more control over response status for APM transactions
	// This must go after the Elastic APM middleware
	e.Use(filterError)

	// Adds a heartbeat handler
	e.GET("/heartbeat", heartbeat)

	// Resolves the caller for routes keeping per caller state
	id := identify(a.cfg.JWTSecret)

	api := e.Group("/api")
	api.GET("/sources", a.sources)

	icd := api.Group("/icd10")
	icd.GET("/chapters", chapters)
	icd.GET("/search", a.search, id)
	icd.GET("/codes/:code", a.code, id)
	icd.GET("/codes/:code/drugs", a.codeDrugs)
	icd.GET("/codes/:code/trials", a.codeTrials)
	icd.GET("/codes/:code/coverage", a.codeCoverage)
	icd.GET("/codes/:code/mindmap", a.codeMindMap)
	icd.GET("/codes/:code/report", a.codeReport)

	api.GET("/drugs", a.drugByName)
	api.GET("/drugs/:rxcui", a.drugDetail)
	api.GET("/drug-classes/:classId/members", a.classMembers)
	api.POST("/validate-drugs", a.validateDrugs)
	api.POST("/snomed-procedures", a.snomedProcedures)

	api.GET("/favorites", a.favorites, id)
	api.POST("/favorites", a.addFavorite, id)
	api.DELETE("/favorites/:code", a.removeFavorite, id)
	api.GET("/history", a.history, id)
	api.DELETE("/history", a.clearHistory, id)
	api.GET("/preferences/view-mode", a.viewMode, id)
	api.PUT("/preferences/view-mode", a.setViewMode, id)

	return e, nil
}
