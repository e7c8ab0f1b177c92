package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/config"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/connection"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/database"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/handlers"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/logging"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/parser"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/redis"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/resolver"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/services"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/transformer"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	logger := logging.NewLogger(cfg.LogLevel)

	// Initialize database
	db, err := database.NewDatabase(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}

	// Initialize Redis
	redisClient, err := redis.NewRedisClient(cfg)
	if err != nil {
		logger.Error("Failed to initialize Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	identityResolver := resolver.NewResolver(
		db.DeviceRepo, db.PatientRepo, db.HospitalRepo,
		redisClient, cfg.DefaultHospitalCode, logger,
	)
	chainWriter := transformer.NewChainWriter(db.ChainRepo, logger)
	resourceTransformer := transformer.NewTransformer(chainWriter, db.HospitalRepo, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The watch parser emits correlation-timeout flushes asynchronously,
	// after construction, so its emit hook is bound through a late
	// closure over the pipeline.
	var watchPipeline *services.Pipeline
	watchParser := parser.NewWatchParser(cfg.CorrelationWindow, logger, func(em parser.Emission) {
		if watchPipeline != nil {
			watchPipeline.Enqueue(em)
		}
	})

	watchPipeline = services.NewPipeline(
		cfg, models.FamilyWatch,
		connection.NewManager(models.FamilyWatch, cfg, logger),
		watchParser,
		db.ReadingRepo, identityResolver, resourceTransformer, redisClient, logger,
	)
	hubPipeline := services.NewPipeline(
		cfg, models.FamilyHub,
		connection.NewManager(models.FamilyHub, cfg, logger),
		parser.NewHubParser(logger),
		db.ReadingRepo, identityResolver, resourceTransformer, redisClient, logger,
	)
	kioskPipeline := services.NewPipeline(
		cfg, models.FamilyKiosk,
		connection.NewManager(models.FamilyKiosk, cfg, logger),
		parser.NewKioskParser(logger),
		db.ReadingRepo, identityResolver, resourceTransformer, redisClient, logger,
	)

	pipelines := []*services.Pipeline{watchPipeline, hubPipeline, kioskPipeline}
	for _, p := range pipelines {
		if err := p.Start(ctx); err != nil {
			logger.Error("Failed to start pipeline", "family", string(p.Family()), "error", err)
			os.Exit(1)
		}
	}

	// Initialize services
	bridgeService := services.NewBridgeService(pipelines, db.ReadingRepo, db.DeviceRepo, chainWriter)

	// Initialize handlers
	apiHandler := handlers.NewAPIHandler(bridgeService)

	// Setup HTTP server
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	apiHandler.RegisterRoutes(e)

	// Start server in goroutine
	go func() {
		logger.Info("Starting HTTP server", "addr", cfg.HTTPAddr)
		if err := e.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")

	// Stop taking HTTP traffic first, then drain the pipelines so
	// buffered readings reach the store before the sessions close.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	for _, p := range pipelines {
		p.Stop()
	}

	logger.Info("Server stopped")
}
