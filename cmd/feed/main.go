package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shubham-shewale/crypto-trade-stream/cmd/feed/internal/connector"
	"github.com/shubham-shewale/crypto-trade-stream/cmd/feed/internal/decoder"
	"github.com/shubham-shewale/crypto-trade-stream/cmd/feed/internal/pipeline"
	"github.com/shubham-shewale/crypto-trade-stream/cmd/feed/internal/relay"
	"github.com/shubham-shewale/crypto-trade-stream/cmd/feed/internal/repository"
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

	pool, err := repository.NewPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal("Postgres connection failed", zap.Error(err))
	}
	defer pool.Close()

	store := repository.NewPostgresStore(pool, cfg.Postgres.Table, logger)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal("Schema setup failed", zap.Error(err))
	}

	wsHub := hub.NewHub(logger)
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("Redis connection failed", zap.Error(err))
		}

		redisRelay := relay.NewRedisRelay(rdb, cfg.Redis.Channel, cfg.Redis.SnapshotKey, cfg.Redis.SnapshotTTL, logger)
		wsHub.Register(redisRelay)
		g.Go(func() error { return redisRelay.Run(gctx) })
	}

	if cfg.Kafka.Enabled {
		dialer := &relay.RealKafkaDialer{Dialer: &kafka.Dialer{Timeout: 10 * time.Second}}
		if err := relay.NewTopicCreator(logger, dialer, relay.RealClock{}).Create(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, 4); err != nil {
			logger.Warn("Kafka topic not confirmed, writer will retry", zap.Error(err))
		}

		writer := &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Kafka.Brokers...),
			Topic:                  cfg.Kafka.Topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		}
		defer writer.Close()

		kafkaRelay := relay.NewKafkaRelay(writer, relay.RealClock{}, logger)
		wsHub.Register(kafkaRelay)
		g.Go(func() error { return kafkaRelay.Run(gctx) })
	}

	svc, err := pipeline.New(cfg.Buffer, store, wsHub, logger, pipeline.WithDrainTimeout(cfg.App.DrainTimeout))
	if err != nil {
		logger.Fatal("Invalid buffer config", zap.Error(err))
	}

	dec, err := decoder.New(decoder.SchemaV1)
	if err != nil {
		logger.Fatal("Invalid decoder schema", zap.Error(err))
	}

	trades := connector.NewTradeHandler(cfg.Feed.AuthToken, cfg.Feed.ThresholdLevel, dec, svc.Ingest, logger)
	feed, err := connector.New(connector.Config{
		URL:         cfg.Feed.URL,
		Reconnect:   cfg.Feed.Reconnect,
		MinBackoff:  cfg.Feed.ReconnectMinBackoff,
		MaxBackoff:  cfg.Feed.ReconnectMaxBackoff,
		ReadTimeout: cfg.Feed.ReadTimeout,
	}, trades, logger)
	if err != nil {
		logger.Fatal("Invalid feed config", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway.Handler(wsHub, logger))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"feed":        feed.State().String(),
			"buffered":    svc.Len(),
			"subscribers": wsHub.Len(),
		})
	})
	srv := &http.Server{Addr: cfg.App.Port, Handler: mux}

	// The engine outlives the feed: it drains only once no more trades can
	// arrive, and subscribers close only after that last batch is broadcast.
	engineCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()

	g.Go(func() error {
		err := svc.Run(engineCtx)
		wsHub.Close()
		return err
	})

	g.Go(func() error {
		defer stopEngine()
		if err := feed.Run(gctx); err != nil {
			logger.Error("Feed connector closed for good", zap.Error(err))
		}
		<-gctx.Done()
		return nil
	})

	g.Go(func() error {
		logger.Info("Server Started", zap.String("port", cfg.App.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Feed stopped with error", zap.Error(err))
	}
	logger.Info("Shutdown Complete")
}
