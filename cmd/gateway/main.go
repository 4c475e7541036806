package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shubham-shewale/crypto-trade-stream/cmd/gateway/internal/listener"
	"github.com/shubham-shewale/crypto-trade-stream/pkg/config"
	"github.com/shubham-shewale/crypto-trade-stream/pkg/gateway"
	"github.com/shubham-shewale/crypto-trade-stream/pkg/hub"
	"github.com/shubham-shewale/crypto-trade-stream/pkg/metrics"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// Dependency Injection: the listener only needs something that can broadcast
	wsHub := hub.NewHub(logger)
	batches := listener.New(rdb, wsHub, cfg.Redis.Channel, cfg.Redis.SnapshotKey, logger)

	sendSnapshot := func(c *gateway.ClientAdapter) {
		snapCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		payload, err := batches.Snapshot(snapCtx)
		if err != nil {
			logger.Warn("Snapshot unavailable", zap.Error(err))
			return
		}
		if payload != nil {
			_ = c.SendBytes(payload)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway.Handler(wsHub, logger, gateway.WithOnConnect(sendSnapshot)))
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: cfg.Gateway.Port, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return batches.Run(gctx) })

	g.Go(func() error {
		logger.Info("Server Started", zap.String("port", cfg.Gateway.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		wsHub.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("Gateway stopped with error", zap.Error(err))
	}
	logger.Info("Shutdown Complete")
}
