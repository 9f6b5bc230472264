package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"basegraph.app/parley/common/id"
	"basegraph.app/parley/common/llm"
	"basegraph.app/parley/common/logger"
	"basegraph.app/parley/common/otel"
	"basegraph.app/parley/core/config"
	"basegraph.app/parley/core/db"
	"basegraph.app/parley/internal/convstate"
	"basegraph.app/parley/internal/generation"
	"basegraph.app/parley/internal/notify"
	"basegraph.app/parley/internal/quality"
	"basegraph.app/parley/internal/queue"
	"basegraph.app/parley/internal/quota"
	"basegraph.app/parley/internal/safety"
	"basegraph.app/parley/internal/service"
	"basegraph.app/parley/internal/store"
	"basegraph.app/parley/internal/worker"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	fmt.Printf("%s\n", banner)

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	slog.InfoContext(ctx, "parley worker starting",
		"env", cfg.Env,
		"consumer_group", cfg.Redis.Group,
		"consumer_name", cfg.Redis.Consumer,
		"slots", cfg.Worker.Slots)

	// Initialize snowflake ID generator (use different node ID than server)
	if err := id.Init(2); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
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
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "streams", []string{cfg.Redis.PriorityStream, cfg.Redis.Stream})

	primary, fallback, err := newProviders(cfg)
	if err != nil {
		slog.ErrorContext(ctx, "failed to create llm clients", "error", err)
		os.Exit(1)
	}
	if fallback != nil {
		slog.InfoContext(ctx, "llm providers configured",
			"primary", primary.Provider(), "primary_model", primary.Model(),
			"fallback", fallback.Provider(), "fallback_model", fallback.Model())
	} else {
		slog.WarnContext(ctx, "no fallback provider configured", "primary", primary.Provider())
	}

	producer := queue.NewRedisProducer(redisClient, queue.ProducerConfig{
		Stream:         cfg.Redis.Stream,
		PriorityStream: cfg.Redis.PriorityStream,
		AckStream:      cfg.Redis.AckStream,
	}, slog.Default())
	publisher := notify.NewRedisPublisher(redisClient, cfg.Redis.NotifyPrefix)
	stores := store.NewStores(database.Conn())

	services := service.NewServices(
		stores,
		service.NewTxRunner(database),
		convstate.New(redisClient, cfg.Redis.StateTTL),
		quota.New(redisClient, cfg.Quota),
		producer,
		publisher,
	)

	pipeline := generation.NewPipeline(
		primary,
		fallback,
		quality.NewAssessor(quality.DefaultThresholds()),
		safety.NewFilter(),
		cfg.Generation,
	)

	replyProcessor := worker.NewReplyProcessor(worker.ReplyDeps{
		Generator:     pipeline,
		Contexts:      generation.NewContextBuilder(stores.Messages(), cfg.Generation.HistoryLimit),
		Messages:      stores.Messages(),
		Conversations: stores.Conversations(),
		Characters:    stores.Characters(),
		Markers:       store.NewAnsweredMarkers(redisClient, cfg.Redis.AnsweredTTL),
		Completer:     services.Dispatcher(),
		Publisher:     publisher,
		Producer:      producer,
		Ack:           cfg.Ack,
	})
	ackProcessor := worker.NewAckProcessor(stores.Messages(), publisher)

	replyConsumer, err := queue.NewRedisConsumer(ctx, redisClient, queue.ConsumerConfig{
		Streams:      []string{cfg.Redis.PriorityStream, cfg.Redis.Stream},
		Group:        cfg.Redis.Group,
		Consumer:     cfg.Redis.Consumer,
		DLQStream:    cfg.Redis.DLQStream,
		BatchSize:    1, // one message per slot at a time
		Block:        5 * time.Second,
		MaxAttempts:  cfg.Worker.MaxAttempts,
		RequeueDelay: time.Second,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create reply consumer", "error", err)
		os.Exit(1)
	}

	ackConsumer, err := queue.NewRedisConsumer(ctx, redisClient, queue.ConsumerConfig{
		Streams:      []string{cfg.Redis.AckStream},
		Group:        cfg.Redis.Group,
		Consumer:     cfg.Redis.Consumer + "-ack",
		DLQStream:    cfg.Redis.DLQStream,
		BatchSize:    1,
		Block:        5 * time.Second,
		MaxAttempts:  cfg.Worker.MaxAttempts,
		RequeueDelay: time.Second,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create ack consumer", "error", err)
		os.Exit(1)
	}

	replyWorker := worker.New(replyConsumer, map[queue.TaskType]worker.TaskProcessor{
		queue.TaskTypeGenerateReply: replyProcessor,
	}, worker.Config{
		Name:        "reply",
		Slots:       cfg.Worker.Slots,
		MaxAttempts: cfg.Worker.MaxAttempts,
	})

	ackWorker := worker.New(ackConsumer, map[queue.TaskType]worker.TaskProcessor{
		queue.TaskTypeAcknowledge: ackProcessor,
	}, worker.Config{
		Name:        "ack",
		Slots:       1,
		MaxAttempts: cfg.Worker.MaxAttempts,
	})

	// A reply job pending longer than this belongs to a dead consumer. It must
	// exceed the worst case generation time: two attempts on both providers.
	minIdle := 4*cfg.Generation.ProviderTimeout + time.Minute
	reclaimer := worker.NewRedisReclaimer(redisClient, worker.RedisReclaimerConfig{
		Streams:   []string{cfg.Redis.PriorityStream, cfg.Redis.Stream},
		Group:     cfg.Redis.Group,
		Consumer:  cfg.Redis.Consumer + "-reclaimer",
		MinIdle:   minIdle,
		Interval:  time.Minute,
		BatchSize: 10,
	}, replyConsumer, replyWorker.ProcessMessage)

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return replyWorker.Run(gctx) })
	g.Go(func() error { return ackWorker.Run(gctx) })
	g.Go(func() error {
		reclaimer.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.InfoContext(ctx, "metrics server starting", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	slog.InfoContext(ctx, "worker initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-gctx.Done():
		slog.ErrorContext(ctx, "worker component failed, shutting down")
	}

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop reclaimer first (quick)
	reclaimer.Stop()

	// In-flight replies finish their completion step before Stop returns
	replyWorker.Stop()
	ackWorker.Stop()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "metrics server shutdown error", "error", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- g.Wait() }()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case err := <-waitCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(ctx, "worker error during shutdown", "error", err)
		}
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "worker shutdown complete")
}

func newProviders(cfg config.Config) (llm.Client, llm.Client, error) {
	primary, err := llm.New(llm.Config{
		Provider: cfg.PrimaryLLM.Provider,
		APIKey:   cfg.PrimaryLLM.APIKey,
		BaseURL:  cfg.PrimaryLLM.BaseURL,
		Model:    cfg.PrimaryLLM.Model,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("primary provider: %w", err)
	}

	if !cfg.FallbackLLM.Enabled() {
		return primary, nil, nil
	}
	fallback, err := llm.New(llm.Config{
		Provider: cfg.FallbackLLM.Provider,
		APIKey:   cfg.FallbackLLM.APIKey,
		BaseURL:  cfg.FallbackLLM.BaseURL,
		Model:    cfg.FallbackLLM.Model,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fallback provider: %w", err)
	}
	return primary, fallback, nil
}

const banner = `
 ____   _    ____  _     _______   __
|  _ \ / \  |  _ \| |   | ____\ \ / /
| |_) / _ \ | |_) | |   |  _|  \ V /
|  __/ ___ \|  _ <| |___| |___  | |
|_| /_/   \_\_| \_\_____|_____| |_|   worker
`
