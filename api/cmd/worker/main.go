package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/attribute"

	"credit-card-platform/api/internal/app"
	"credit-card-platform/api/internal/runner"
	"credit-card-platform/shared/config"
	"credit-card-platform/shared/httpx"
	"credit-card-platform/shared/logx"
	"credit-card-platform/shared/metricsx"
	"credit-card-platform/shared/observability"
)

func main() {
	cfg, problems := config.Load("worker", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.AsynqEnabled && cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required when ASYNQ_ENABLED"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	shutdownTracer, err := observability.InitTracer(context.Background(), observability.TracerConfigFrom(cfg))
	if err != nil {
		logger.Warn(context.Background(), "otel_init_failed", "tracer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
	} else {
		defer func() { _ = shutdownTracer(context.Background()) }()
	}

	platform, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Error(context.Background(), "platform_init_failed", "backend init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer platform.Close()

	metricsServer := startMetricsServer(cfg, platform, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !cfg.AsynqEnabled {
		runInProcess(ctx, platform, logger)
		return
	}
	if err := runAsynq(ctx, cfg, platform, logger); err != nil {
		logger.Error(context.Background(), "worker_failed", "worker failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		platform.Close()
		os.Exit(1)
	}
	logger.Info(context.Background(), "worker_stop", "worker stopped")
}

func runInProcess(ctx context.Context, platform *app.Platform, logger logx.Logger) {
	r := runner.New(platform.Clock, logger, platform.Jobs()...)
	if err := r.Start(ctx); err != nil {
		logger.Error(ctx, "runner_start_failed", "runner start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info(ctx, "worker_start", "worker started without asynq", slog.Int("jobs", len(platform.Jobs())))
	<-ctx.Done()
	logger.Info(context.Background(), "shutdown_signal", "shutdown requested")
	r.Stop()
}

func runAsynq(ctx context.Context, cfg config.Config, platform *app.Platform, logger logx.Logger) error {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})

	mux := asynq.NewServeMux()
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	for _, job := range platform.Jobs() {
		mux.HandleFunc(job.Name, taskHandler(job, cfg.AsynqQueue))
		every := "@every " + strconv.Itoa(int(job.Interval/time.Second)) + "s"
		// at most one queued run per job
		task := asynq.NewTask(job.Name, nil, asynq.Queue(cfg.AsynqQueue), asynq.Unique(job.Interval))
		if _, err := scheduler.Register(every, task); err != nil {
			return err
		}
	}
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Shutdown()

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	go reportQueueDepth(ctx, inspector, cfg.AsynqQueue)

	if err := server.Start(mux); err != nil {
		return err
	}
	logger.Info(ctx, "worker_start", "worker started",
		slog.String("queue", cfg.AsynqQueue),
		slog.Int("concurrency", cfg.AsynqConcurrency),
	)
	<-ctx.Done()
	logger.Info(context.Background(), "shutdown_signal", "shutdown requested")
	server.Shutdown()
	return nil
}

func taskHandler(job runner.Job, queue string) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) (err error) {
		ctx, span := observability.StartSpan(ctx, "asynq."+job.Name, attribute.String("queue", queue))
		defer func() { observability.EndSpan(span, err) }()
		err = job.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return asynq.SkipRetry
		}
		return err
	}
}

func reportQueueDepth(ctx context.Context, inspector *asynq.Inspector, queue string) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := inspector.GetQueueInfo(queue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(queue, info.Size)
		}
	}
}

func startMetricsServer(cfg config.Config, platform *app.Platform, logger logx.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsx.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": cfg.ServiceName})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := platform.Ready(r.Context()); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "worker not ready", map[string]any{"problem": err.Error()})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready", "service": cfg.ServiceName})
	})
	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           httpx.WithRequestID(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "metrics_server_failed", "metrics server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
	}()
	return server
}
