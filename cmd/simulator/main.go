package main

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/crypto-trade-stream/cmd/simulator/internal/simulator"
	"github.com/shubham-shewale/crypto-trade-stream/pkg/config"
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

	r := simulator.RealRand{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	gen := simulator.NewTradeGenerator(cfg.Simulator.Tickers, nil, r, simulator.RealClock{})
	sim := simulator.NewServer(simulator.Config{
		Token:          cfg.Feed.AuthToken,
		Interval:       time.Duration(cfg.Simulator.IntervalMs) * time.Millisecond,
		MalformedRatio: cfg.Simulator.MalformedRatio,
	}, gen, simulator.RealRand{Rand: rand.New(rand.NewSource(time.Now().UnixNano() + 1))}, logger)

	mux := http.NewServeMux()
	mux.Handle("/crypto", sim)
	srv := &http.Server{Addr: cfg.Simulator.Port, Handler: mux}

	go func() {
		logger.Info("Simulator Started", zap.String("port", cfg.Simulator.Port), zap.Strings("tickers", cfg.Simulator.Tickers))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP Error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	sim.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	logger.Info("Shutdown Complete")
}
