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
	"github.com/richardliu001/custody-ledger/internal/auth"
	"github.com/richardliu001/custody-ledger/internal/config"
	"github.com/richardliu001/custody-ledger/internal/logger"
	"github.com/richardliu001/custody-ledger/internal/metrics"
	"github.com/richardliu001/custody-ledger/internal/queue"
	"github.com/richardliu001/custody-ledger/internal/repo"
	"github.com/richardliu001/custody-ledger/internal/service"
	httptransport "github.com/richardliu001/custody-ledger/internal/transport/http"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load(config.Path())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	repository := repo.NewRepository(gdb, log)
	if err := repository.Migrate(); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}
	cache := repo.NewRedisCache(rdb)

	// 5. queue
	q, err := queue.Open(ctx, cfg, log)
	if err != nil {
		log.Fatalf("open queue: %v", err)
	}
	defer q.Close()

	// 6. services
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	tokens := auth.NewTokenIssuer(cfg.Auth)
	svc := httptransport.Services{
		Users:        service.NewUserService(repository, tokens, log),
		Wallets:      service.NewWalletService(repository, cache, log),
		Transactions: service.NewTransactionService(repository, q, cache, m, log),
	}

	// 7. gin router
	router := httptransport.NewRouter(svc, tokens, cfg.RateLimit, reg, log)

	// 8. serve
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Infof("ledger-server listening on %s (queue=%s)", srv.Addr, cfg.Queue.Driver)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("listen: %v", err)
	}
	log.Info("ledger-server stopped")
}
