package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/analysis"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/api"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/broker"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/gateway"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/hub"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/journal"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/refresher"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/repository"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/subscription"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/telemetry"
	"github.com/shubham-shewale/boxstream/pkg/boxes"
	"github.com/shubham-shewale/boxstream/pkg/config"
	"github.com/shubham-shewale/boxstream/pkg/instrument"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	store := repository.NewRedisStore(rdb)
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		logger.Warn("Redis not reachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	tickJournal := newJournal(ctx, cfg.Kafka, logger)
	defer tickJournal.Close()

	metrics := telemetry.New()
	instruments := instrument.Default()

	wsHub := hub.NewHub(hub.Options{
		Snapshots: store,
		Journal:   tickJournal,
		ValidPair: instruments.Has,
		Metrics:   metrics,
		Logger:    logger,
	})

	newClient := func(creds broker.Credentials) (*broker.Client, error) {
		return broker.NewClient(creds, broker.Options{
			BaseURL:      cfg.Broker.BaseURL,
			StreamURL:    cfg.Broker.StreamURL,
			CandleChunk:  cfg.Broker.CandleChunk,
			SafetyBuffer: cfg.Broker.SafetyBuffer,
			Limiter:      rate.NewLimiter(rate.Limit(cfg.Broker.RequestsPerSecond), 1),
			Logger:       logger,
		})
	}

	mgr := subscription.NewManager(store, store, func(creds broker.Credentials) (subscription.Feed, error) {
		client, err := newClient(creds)
		if err != nil {
			return nil, err
		}
		return client.NewFeed(broker.FeedOptions{ConnectAttempts: cfg.Broker.ConnectAttempts}), nil
	}, wsHub, subscription.Options{
		IdleTTL:             cfg.Gateway.IdleTTL,
		ResubscribeDelay:    cfg.Gateway.ResubscribeDelay,
		MaxResubscribeDelay: cfg.Gateway.MaxResubscribe,
		StableAfter:         cfg.Gateway.StableAfter,
	}, metrics, logger)
	wsHub.UseReconciler(mgr)

	calc := boxes.NewCalculator(instruments, boxes.DefaultRegistry())
	boxService := analysis.NewService(store, func(creds broker.Credentials) (analysis.CandleSource, error) {
		client, err := newClient(creds)
		if err != nil {
			return nil, err
		}
		return client, nil
	}, calc, analysis.Options{
		CandleCount: cfg.Broker.CandleCount,
		Granularity: cfg.Broker.Granularity,
	}, metrics, logger)

	clientOpts := gateway.Options{
		WriteWait:  cfg.Gateway.WriteWait,
		PongWait:   cfg.Gateway.PongWait,
		PingPeriod: cfg.Gateway.PingPeriod,
		SendBuffer: cfg.Gateway.SendBuffer,
	}
	server := api.NewServer(api.Options{
		Boxes:          boxService,
		Health:         store,
		DefaultProfile: cfg.Boxes.DefaultProfile,
		Debug:          cfg.App.Env == "local",
		Logger:         logger,
		WebSocket: func(w http.ResponseWriter, r *http.Request) {
			conn, _, _, err := ws.UpgradeHTTP(r, w)
			if err != nil {
				logger.Debug("Upgrade failed", zap.Error(err))
				return
			}
			gateway.NewClient(conn, wsHub, logger, clientOpts).Start()
		},
	})
	srv := &http.Server{Addr: cfg.App.Port, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		refresher.New(boxService, wsHub, mgr, refresher.Options{
			Interval: cfg.Boxes.RefreshInterval,
			Workers:  cfg.Boxes.RefreshWorkers,
			Profile:  cfg.Boxes.DefaultProfile,
		}, logger).Run(ctx)
	})
	lifecycle.Go(func() {
		logger.Info("Server Started", zap.String("port", cfg.App.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP Error", zap.Error(err))
			cancel()
		}
	})

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	wsHub.Shutdown()
	mgr.Close()
	lifecycle.Wait()
	logger.Info("Shutdown Complete")
}

func newJournal(ctx context.Context, cfg config.KafkaConfig, logger *zap.Logger) journal.Journal {
	if !cfg.Enabled {
		return journal.Nop{}
	}
	creator := journal.NewTopicCreator(logger, &journal.RealKafkaDialer{Dialer: &kafka.Dialer{Timeout: 5 * time.Second}}, journal.RealClock{})
	creator.Create(ctx, cfg.Brokers, cfg.Topic)
	return journal.NewKafkaJournal(journal.NewWriter(cfg.Brokers, cfg.Topic), logger)
}
