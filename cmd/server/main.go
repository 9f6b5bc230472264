package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"basegraph.app/parley/common/id"
	"basegraph.app/parley/common/logger"
	"basegraph.app/parley/common/otel"
	"basegraph.app/parley/core/config"
	"basegraph.app/parley/core/db"
	"basegraph.app/parley/internal/convstate"
	"basegraph.app/parley/internal/http/middleware"
	httprouter "basegraph.app/parley/internal/http/router"
	"basegraph.app/parley/internal/notify"
	"basegraph.app/parley/internal/queue"
	"basegraph.app/parley/internal/quota"
	"basegraph.app/parley/internal/service"
	"basegraph.app/parley/internal/store"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeServer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		// Can't use slog yet, OTel failed before logger setup
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "parley server starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)
	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Redis.Stream, "priority_stream", cfg.Redis.PriorityStream)

	producer := queue.NewRedisProducer(redisClient, queue.ProducerConfig{
		Stream:         cfg.Redis.Stream,
		PriorityStream: cfg.Redis.PriorityStream,
		AckStream:      cfg.Redis.AckStream,
	}, slog.Default())
	defer producer.Close()

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	hub := notify.NewHub(slog.Default())
	if err := hub.Forward(hubCtx, redisClient, cfg.Redis.NotifyPrefix); err != nil {
		slog.ErrorContext(ctx, "failed to subscribe to notifications", "error", err)
		os.Exit(1)
	}

	services := service.NewServices(
		store.NewStores(database.Conn()),
		service.NewTxRunner(database),
		convstate.New(redisClient, cfg.Redis.StateTTL),
		quota.New(redisClient, cfg.Quota),
		producer,
		notify.NewRedisPublisher(redisClient, cfg.Redis.NotifyPrefix),
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, services, hub)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// no WriteTimeout: the events endpoint is a long-lived stream
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// ends open event streams so Shutdown does not wait on them
	stopHub()
	hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(cfg config.Config, services *service.Services, hub *notify.Hub) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.TraceHeader(cfg.Redis.TraceHeaderName))
	router.Use(middleware.Metrics())
	router.Use(middleware.Logger())

	httprouter.SetupRoutes(router, services, httprouter.RouterConfig{
		AdminAPIKey: cfg.AdminAPIKey,
		Hub:         hub,
	})

	return router
}

const banner = `
 ____   _    ____  _     _______   __
|  _ \ / \  |  _ \| |   | ____\ \ / /
| |_) / _ \ | |_) | |   |  _|  \ V /
|  __/ ___ \|  _ <| |___| |___  | |
|_| /_/   \_\_| \_\_____|_____| |_|   server
`
