package main

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/boxstream/cmd/fakebroker/internal/fakebroker"
	"github.com/shubham-shewale/boxstream/pkg/config"
	"github.com/shubham-shewale/boxstream/pkg/instrument"
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

	prices := fakebroker.NewPriceGenerator(instrument.Default(),
		fakebroker.RealRand{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))})
	server := fakebroker.NewServer(fakebroker.Options{
		Token:       cfg.FakeBroker.Token,
		Instruments: cfg.FakeBroker.Instruments,
	}, prices, fakebroker.RealClock{}, logger)

	srv := &http.Server{Addr: cfg.FakeBroker.Port, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("Fake broker started", zap.String("port", cfg.FakeBroker.Port), zap.Strings("instruments", cfg.FakeBroker.Instruments))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP Error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	logger.Info("Fake broker stopped")
}
