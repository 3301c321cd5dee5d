package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richardliu001/custody-ledger/internal/config"
	"github.com/richardliu001/custody-ledger/internal/logger"
	"github.com/richardliu001/custody-ledger/internal/metrics"
	"github.com/richardliu001/custody-ledger/internal/queue"
	"github.com/richardliu001/custody-ledger/internal/repo"
	"github.com/richardliu001/custody-ledger/internal/service"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
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

	q, err := queue.Open(ctx, cfg, log)
	if err != nil {
		log.Fatalf("open queue: %v", err)
	}
	defer q.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("metrics listener: %v", err)
			}
		}()
		defer srv.Close()
	}

	relay := service.NewRelay(repository, q, m, cfg.Monitor, log)
	if err := relay.Run(ctx); err != nil {
		log.Errorf("relay: %v", err)
	}
	log.Info("ledger-poller stopped")
}
