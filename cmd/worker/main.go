package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richardliu001/custody-ledger/internal/config"
	"github.com/richardliu001/custody-ledger/internal/logger"
	"github.com/richardliu001/custody-ledger/internal/metrics"
	"github.com/richardliu001/custody-ledger/internal/queue"
	"github.com/richardliu001/custody-ledger/internal/repo"
	"github.com/richardliu001/custody-ledger/internal/settlement"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}
	if cfg.Queue.Driver == "memory" {
		panic("the memory queue is in-process only; run the worker with kafka or nats")
	}

	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	repository := repo.NewRepository(gdb, log)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	q, err := queue.Open(ctx, cfg, log)
	if err != nil {
		log.Fatalf("open queue: %v", err)
	}
	defer q.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("metrics listener: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	worker := settlement.NewWorker(repository, repo.NewRedisCache(rdb), m, log)
	pool := &settlement.Pool{
		Queue:          q,
		Handler:        worker.Handle,
		Size:           cfg.Worker.Concurrency,
		RestartBackoff: cfg.Worker.RestartBackoff,
		Log:            log,
	}
	log.Infow("ledger-worker started", "queue", cfg.Queue.Driver, "concurrency", cfg.Worker.Concurrency)
	if err := pool.Run(ctx); err != nil {
		log.Errorf("worker pool: %v", err)
	}
	log.Info("ledger-worker stopped")
}
