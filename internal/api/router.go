package api

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/Harshitk-cp/strata/internal/api/handlers"
	mw "github.com/Harshitk-cp/strata/internal/api/middleware"
	"github.com/Harshitk-cp/strata/internal/cache"
	"github.com/Harshitk-cp/strata/internal/codec"
	"github.com/Harshitk-cp/strata/internal/config"
	"github.com/Harshitk-cp/strata/internal/domain"
	"github.com/Harshitk-cp/strata/internal/embedding"
	"github.com/Harshitk-cp/strata/internal/service"
	"github.com/Harshitk-cp/strata/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// App holds the router and the background lifecycle manager.
type App struct {
	Router    *chi.Mux
	Lifecycle *service.LifecycleManager
	startTime time.Time

	requestCount atomic.Int64
	errorCount   atomic.Int64
}

func NewApp(db *pgxpool.Pool, engineCfg *config.Holder, logger *zap.Logger) (*App, error) {
	snapshot := engineCfg.Snapshot()

	gateway := store.NewVectorGateway(db, snapshot.Tiers)
	tierCache := cache.NewTierCache(snapshot.Tiers, logger)
	cdc := codec.New(snapshot.Compression.Enabled, snapshot.Compression.MinSize, logger)

	embeddingClient, err := embedding.NewClient(
		config.EmbeddingProvider(), config.EmbeddingAPIKey(), config.EmbeddingDimension())
	if err != nil {
		return nil, err
	}
	logger.Info("embedding client initialized", zap.String("provider", config.EmbeddingProvider()))

	memorySvc := service.NewMemoryService(gateway, tierCache, cdc, embeddingClient, engineCfg, logger)
	lifecycle := service.NewLifecycleManager(memorySvc, tierCache, engineCfg, logger)

	memoryHandler := handlers.NewMemoryHandler(memorySvc)
	lifecycleHandler := handlers.NewLifecycleHandler(lifecycle)

	r := chi.NewRouter()

	app := &App{
		Router:    r,
		Lifecycle: lifecycle,
		startTime: time.Now(),
	}

	// Metrics collector for middleware
	metricsCollector := mw.NewMetricsCollector(&app.requestCount, &app.errorCount)

	// Global middleware (order matters)
	r.Use(mw.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metricsCollector.Middleware)
	r.Use(mw.Logging(logger))
	r.Use(middleware.Recoverer)
	r.Use(mw.RateLimit(config.RateLimitRPS(), config.RateLimitBurst()))

	r.Get("/health", healthHandler(db))
	r.Get("/metrics", app.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/memories", func(r chi.Router) {
			r.Get("/retrieve", memoryHandler.Retrieve)
			r.Post("/", memoryHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", memoryHandler.GetByID)
				r.Put("/", memoryHandler.Update)
				r.Delete("/", memoryHandler.Delete)
				r.Post("/access", memoryHandler.RecordAccess)
				r.Post("/tier", memoryHandler.Transition)
			})
		})

		r.Route("/lifecycle", func(r chi.Router) {
			r.Post("/consolidate", lifecycleHandler.Consolidate)
			r.Post("/run", lifecycleHandler.Run)
			r.Get("/stats", lifecycleHandler.Stats)
		})

		r.Get("/stats", memoryHandler.Stats)
	})

	return app, nil
}

func healthHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func (app *App) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(app.startTime)

		response := map[string]any{
			"uptime_seconds": uptime.Seconds(),
			"uptime_human":   uptime.Round(time.Second).String(),
			"request_count":  app.requestCount.Load(),
			"error_count":    app.errorCount.Load(),
			"goroutines":     runtime.NumGoroutine(),
			"memory": map[string]any{
				"alloc_mb":       float64(memStats.Alloc) / 1024 / 1024,
				"total_alloc_mb": float64(memStats.TotalAlloc) / 1024 / 1024,
				"sys_mb":         float64(memStats.Sys) / 1024 / 1024,
				"num_gc":         memStats.NumGC,
			},
			"go_version": runtime.Version(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}

// Ensure stores and clients satisfy interfaces at compile time.
var (
	_ domain.VectorGateway   = (*store.VectorGateway)(nil)
	_ domain.EmbeddingClient = (*embedding.OpenAIClient)(nil)
	_ domain.EmbeddingClient = (*embedding.MockClient)(nil)
)
