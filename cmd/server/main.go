package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sqlbench/api/internal/config"
	"github.com/sqlbench/api/internal/database"
	"github.com/sqlbench/api/internal/eventbus"
	"github.com/sqlbench/api/internal/handlers"
	"github.com/sqlbench/api/internal/llm"
	"github.com/sqlbench/api/internal/middleware"
	"github.com/sqlbench/api/internal/orchestration"
	"github.com/sqlbench/api/internal/ratelimit"
	"github.com/sqlbench/api/internal/results"
	"github.com/sqlbench/api/internal/similarity"
	"github.com/sqlbench/api/internal/telemetry"
)

func main() {
	ctx := context.Background()

	zapConfig := zap.NewProductionConfig()
	zapConfig.OutputPaths = []string{"stdout"}
	zapConfig.ErrorOutputPaths = []string{"stderr"}
	logger, err := zapConfig.Build()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg := config.Load()
	logger.Info("SQLBench API starting...",
		zap.String("version", "0.1.0"),
		zap.String("environment", cfg.Environment),
	)

	shutdownTelemetry, err := telemetry.InitTracer(ctx, "sqlbench-api", cfg.Environment, cfg.OTLPEndpoint)
	if err != nil {
		// Log but don't fail, as collector might be down
		logger.Error("failed to initialize telemetry", zap.Error(err))
	} else {
		defer func() {
			if err := shutdownTelemetry(ctx); err != nil {
				logger.Error("failed to shutdown telemetry", zap.Error(err))
			}
		}()
	}

	// Optional integrations degrade to nil when unconfigured or unreachable
	var (
		dbPing, redisPing, natsPing handlers.Pinger
		opts                        []orchestration.Option
		eventLog                    eventbus.EventLog
	)

	if cfg.DatabaseURL != "" {
		if err := database.RunMigrations(cfg.DatabaseURL, logger); err != nil {
			logger.Error("failed to run migrations", zap.Error(err))
		}
		db, err := database.NewPostgres(ctx, cfg.DatabaseURL, 10)
		if err != nil {
			logger.Error("failed to connect to database, results will not be persisted", zap.Error(err))
		} else {
			defer db.Close()
			dbPing = db
			opts = append(opts, orchestration.WithStore(results.NewPostgresStore(db.Pool())))
			logger.Info("connected to database")
		}
	}

	if cfg.RedisURL != "" {
		rdb, err := database.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("failed to connect to redis, scores will not be cached", zap.Error(err))
		} else {
			defer rdb.Close()
			redisPing = rdb
			opts = append(opts, orchestration.WithScoreCache(rdb.ScoreCache(cfg.ScoreCacheTTL)))
			logger.Info("connected to redis")
		}
	}

	if cfg.NATSURL != "" {
		bus, err := eventbus.Connect(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to connect to NATS, run events disabled", zap.Error(err))
		} else {
			defer bus.Close()
			natsPing = bus
			eventLog = bus
			opts = append(opts, orchestration.WithPublisher(bus))
			logger.Info("connected to NATS")
		}
	}

	registry := llm.NewDefaultRegistry(cfg.OpenAIBaseURL, cfg.OllamaURL, logger)
	retrier := llm.NewRetrier(ratelimit.NewAuthorizer(logger), cfg.RateLimitFallback, cfg.RateLimitFallbackMax, logger)
	manager := orchestration.NewManager(registry, retrier, orchestration.Defaults{
		GenerationPoolSize:     cfg.GenerationPoolSize,
		GenerationDrainTimeout: cfg.GenerationDrainTimeout,
		EvaluationPoolSize:     cfg.EvaluationPoolSize,
		EvaluationMaxAttempts:  cfg.EvaluationMaxAttempts,
		Credentials:            cfg.Credentials,
	}, logger, opts...)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS())

	healthHandler := handlers.NewHealthHandler(dbPing, redisPing, natsPing)
	router.GET("/health", healthHandler.Health)
	router.GET("/health/deep", healthHandler.DeepHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	generationHandler := handlers.NewGenerationHandler(manager, logger)
	evaluationHandler := handlers.NewEvaluationHandler(manager, logger)
	runsHandler := handlers.NewRunsHandler(manager, eventLog, logger)
	compareHandler := handlers.NewCompareHandler(similarity.NewStructuralComparator(logger), logger)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.Auth(cfg.JWTSecret))
	v1.Use(middleware.RateLimitMiddleware(middleware.DefaultRateLimiter)) // 100 req/min
	{
		generation := v1.Group("/generation")
		{
			generation.POST("/start", middleware.RateLimitMiddleware(middleware.StrictRateLimiter), generationHandler.StartGeneration)
			generation.GET("/:id/status", generationHandler.GetGenerationStatus)
			generation.GET("/:id/candidates", generationHandler.GetCandidates)
			generation.POST("/:id/cancel", generationHandler.CancelGeneration)
		}

		evaluation := v1.Group("/evaluation")
		{
			evaluation.POST("/start", middleware.RateLimitMiddleware(middleware.StrictRateLimiter), evaluationHandler.StartEvaluation)
			evaluation.GET("/:id/status", evaluationHandler.GetEvaluationStatus)
			evaluation.GET("/:id/scores", evaluationHandler.GetScores)
			evaluation.GET("/:id/scores.csv", evaluationHandler.GetScoresCSV)
			evaluation.POST("/:id/cancel", evaluationHandler.CancelEvaluation)
		}

		v1.GET("/runs", runsHandler.ListRuns)
		v1.GET("/runs/:id/events", runsHandler.GetEvents)
		v1.POST("/compare", compareHandler.Compare)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("runs did not stop before shutdown deadline", zap.Error(err))
	}

	logger.Info("server exited gracefully")
}
