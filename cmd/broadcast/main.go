package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/LeventeLantos/market-broadcast/internal/api"
	"github.com/LeventeLantos/market-broadcast/internal/audience"
	"github.com/LeventeLantos/market-broadcast/internal/cache"
	"github.com/LeventeLantos/market-broadcast/internal/client"
	"github.com/LeventeLantos/market-broadcast/internal/config"
	"github.com/LeventeLantos/market-broadcast/internal/db"
	"github.com/LeventeLantos/market-broadcast/internal/repo"
	"github.com/LeventeLantos/market-broadcast/internal/scheduler"
	"github.com/LeventeLantos/market-broadcast/internal/service"
)

func main() {
	_ = godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.LoadAll()
	if err != nil {
		log.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.Database.PostgresURL)
	if err != nil {
		log.Error("failed to connect to postgres", slog.Any("err", err))
		os.Exit(1)
	}
	defer conn.Close()

	runRepo := repo.NewPostgresRunRepo(conn)
	deliveryRepo := repo.NewPostgresDeliveryRepo(conn)
	subscribers := audience.NewPostgresSubscribers(conn)

	var progress cache.ProgressCache
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			// Progress snapshots are an optimization; run without them.
			log.Warn("redis unreachable, progress cache disabled", slog.Any("err", err))
		} else {
			progress = cache.NewRedisCache(rdb, cfg.Redis.TTL)
		}
	}

	sender := client.NewWebhookClient(cfg.Webhook.URL)
	dispatcher := service.NewDispatcher(deliveryRepo, sender, subscribers,
		cfg.Engine.RatePerSec, cfg.Engine.MaxAttempts, log)
	engine := service.NewEngine(runRepo, deliveryRepo, dispatcher, progress, service.EngineOptions{
		BatchSize:     cfg.Engine.BatchSize,
		RoundsPerTick: cfg.Engine.RoundsPerTick,
		Concurrency:   cfg.Engine.Concurrency,
		LeaseDuration: cfg.Engine.LeaseDuration,
		LockDuration:  cfg.Engine.LockDuration,
		StaleGrace:    cfg.Engine.StaleGrace,
	}, log)
	runs := service.NewRunService(runRepo, deliveryRepo, subscribers, progress,
		cfg.Webhook.ContentMax, cfg.Engine.AudienceMax, log)

	sched, err := scheduler.New(cfg.Engine.TickInterval, cfg.Engine.StartupDelay, engine.Tick, log)
	if err != nil {
		log.Error("failed to create scheduler", slog.Any("err", err))
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	retention := time.Duration(cfg.Retention.Days) * 24 * time.Hour
	purge := cron.New()
	if _, err := purge.AddFunc(cfg.Retention.Spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := runs.PurgeOlderThan(ctx, retention); err != nil {
			log.Error("retention purge failed", slog.Any("err", err))
		}
	}); err != nil {
		log.Error("invalid purge cron spec", slog.String("spec", cfg.Retention.Spec), slog.Any("err", err))
		os.Exit(1)
	}
	purge.Start()
	defer purge.Stop()

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(api.NewHandler(runs, sched))),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("broadcast service listening",
			slog.String("addr", cfg.Server.Address),
			slog.Duration("tick_interval", cfg.Engine.TickInterval),
			slog.Bool("redis", progress != nil))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", slog.Any("err", err))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", slog.Any("err", err))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
}
