// Package main is the entry point for the Compass integration service: the
// provider registry, sync scheduler, ingestion pipeline, webhook receiver,
// and the status stream run together in one binary.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/compasshq/compass/internal/common/config"
	"github.com/compasshq/compass/internal/common/httpmw"
	"github.com/compasshq/compass/internal/common/logger"
	"github.com/compasshq/compass/internal/db"
	"github.com/compasshq/compass/internal/events"
	gateways "github.com/compasshq/compass/internal/gateway/websocket"
	"github.com/compasshq/compass/internal/integration/controller"
	"github.com/compasshq/compass/internal/integration/ingest"
	"github.com/compasshq/compass/internal/integration/providers"
	"github.com/compasshq/compass/internal/integration/registry"
	"github.com/compasshq/compass/internal/integration/scheduler"
	"github.com/compasshq/compass/internal/integration/service"
	"github.com/compasshq/compass/internal/integration/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Compass integration service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// 5. Open the database
	pool, err := openDatabase(cfg)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()

	// 6. Stores and pipeline
	st, err := store.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize integration store", zap.Error(err))
	}
	pipeline := ingest.NewPipeline(st, eventBus, log)

	// 7. Provider registry
	reg := registry.New()
	if overridesPath := os.Getenv("COMPASS_CATALOG_OVERRIDES"); overridesPath != "" {
		if err := reg.LoadOverrides(overridesPath); err != nil {
			log.Fatal("Failed to load catalog overrides", zap.Error(err))
		}
		log.Info("Catalog overrides applied", zap.String("path", overridesPath))
	}
	if err := providers.RegisterAll(reg, cfg, log); err != nil {
		log.Fatal("Failed to register providers", zap.Error(err))
	}
	log.Info("Provider registry initialized", zap.Int("available", len(reg.Available())))

	// 8. Integration service and background scheduler
	svc := service.NewService(reg, st, pipeline, eventBus, cfg, log)
	sched := scheduler.NewScheduler(svc, st, eventBus, &cfg.Sync, log)
	if err := sched.Start(ctx); err != nil {
		log.Fatal("Failed to start sync scheduler", zap.Error(err))
	}
	defer sched.Stop()

	// 9. Status stream gateway
	hub := gateways.NewHub(log)
	go hub.Run(ctx)
	forwarder := gateways.NewForwarder(hub, eventBus, st, log)
	if err := forwarder.Start(); err != nil {
		log.Fatal("Failed to start status forwarder", zap.Error(err))
	}
	defer forwarder.Stop()

	// 10. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "compass"))
	router.Use(corsMiddleware())

	controller.NewController(svc, log).RegisterHTTPRoutes(router)
	gateways.NewHandler(hub, log).RegisterHTTPRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"service":   "compass",
			"event_bus": eventBus.IsConnected(),
		})
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Compass...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Compass stopped")
}

// openDatabase builds the reader/writer pool: PostgreSQL when a host is
// configured, otherwise SQLite in WAL mode with a single writer.
func openDatabase(cfg *config.Config) (*db.Pool, error) {
	if cfg.Database.Host != "" {
		conn, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, err
		}
		sqlxDB := db.WrapPostgres(conn)
		return db.NewPool(sqlxDB, sqlxDB), nil
	}
	writer, err := db.OpenSQLite(cfg.Database.SQLitePath)
	if err != nil {
		return nil, err
	}
	reader, err := db.OpenSQLiteReader(cfg.Database.SQLitePath)
	if err != nil {
		writer.Close()
		return nil, err
	}
	return db.NewPool(db.WrapSQLite(writer), db.WrapSQLite(reader)), nil
}

// corsMiddleware allows browser clients on other origins to reach the API
// and the WebSocket stream.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
