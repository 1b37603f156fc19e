package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/ShipSync/config"
	"github.com/BearBump/ShipSync/internal/broker/kafka"
	"github.com/BearBump/ShipSync/internal/cache/rediscache"
	"github.com/BearBump/ShipSync/internal/integrations/sendcloud"
	"github.com/BearBump/ShipSync/internal/integrations/sendcloud/mock"
	"github.com/BearBump/ShipSync/internal/integrations/sendcloud/panelhttp"
	"github.com/BearBump/ShipSync/internal/services/checkoutconfig"
	"github.com/BearBump/ShipSync/internal/services/jobs"
	"github.com/BearBump/ShipSync/internal/services/notifications"
	"github.com/BearBump/ShipSync/internal/services/orderexport"
	"github.com/BearBump/ShipSync/internal/storage/pgstore"
)

type workerFactories struct {
	newStorage        func(cfg *config.Config) (st *pgstore.Storage, closeFn func(), err error)
	newProducer       func(cfg *config.Config) notifications.Producer
	newCache          func(cfg *config.Config) *rediscache.RedisCache
	newExportClient   func(cfg *config.Config) sendcloud.ExportClient
	newReplayConsumer func(cfg *config.Config) replayConsumer
}

type replayConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
	Close() error
}

type replayStore interface {
	StoreNotification(ctx context.Context, payloadJSON string, explicitID string) (string, error)
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (*pgstore.Storage, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgstore.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) notifications.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newCache: func(cfg *config.Config) *rediscache.RedisCache {
			return rediscache.New(fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port))
		},
		newExportClient: func(cfg *config.Config) sendcloud.ExportClient {
			// "mock" keeps local setups off the real panel API
			if cfg.ShipSync.ExportTransportMode == "mock" {
				return mock.New()
			}
			return panelhttp.New(cfg.ShipSync.PanelBaseURL, panelhttp.Settings{
				ConsecutiveFailures: uint32(cfg.ShipSync.BreakerConsecutiveFailures),
				OpenInterval:        time.Duration(cfg.ShipSync.BreakerOpenSeconds) * time.Second,
				Timeout:             time.Duration(cfg.ShipSync.ExportTimeoutSeconds) * time.Second,
			})
		},
		newReplayConsumer: func(cfg *config.Config) replayConsumer {
			if cfg.Kafka.NotificationReplayTopicName == "" {
				return nil
			}
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewConsumer(brokers, cfg.Kafka.NotificationReplayTopicName, cfg.Kafka.NotificationReplayGroupID)
		},
	}
}

// runNotificationReplay drains replayed webhook bodies into the inbox. The
// message key, when set, becomes the record id so fixed-key records like the
// checkout configuration can be replayed too.
func runNotificationReplay(ctx context.Context, c replayConsumer, st replayStore, runner *jobs.Runner) error {
	defer c.Close()
	return c.Consume(ctx, func(key, value []byte) error {
		if _, err := st.StoreNotification(ctx, string(value), string(key)); err != nil {
			return errors.Wrap(err, "store replayed notification")
		}
		runner.Trigger()
		return nil
	})
}

func buildRunner(cfg *config.Config, f workerFactories) (*jobs.Runner, *pgstore.Storage, func(), error) {
	topic := cfg.Kafka.ShipmentStatusUpdatedTopicName
	if topic == "" {
		topic = "shipment.status.updated"
	}
	interval := time.Duration(cfg.ShipSync.JobIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	maxFailedAttempts := int32(cfg.ShipSync.MaxFailedAttempts)
	if maxFailedAttempts <= 0 {
		maxFailedAttempts = 3
	}

	st, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	rc := f.newCache(cfg)
	producer := f.newProducer(cfg)

	processor := notifications.NewProcessor(st).
		WithConnectionCache(rc).
		WithProducer(producer, topic).
		WithPreferences(cfg.ShipSync.ImportShippingMethods, cfg.ShipSync.LogAPIOrderNotes)
	dispatcher := notifications.NewDispatcher(st, processor).WithConnectionCache(rc)

	reconciler := checkoutconfig.New(st, cfg.ShipSync.AllowedCurrencies)

	exporter := orderexport.New(st, f.newExportClient(cfg)).
		WithSettings(cfg.ShipSync.ExportBatchSize, cfg.ShipSync.OrderAgeDaysLimit, maxFailedAttempts).
		WithOrderNotes(cfg.ShipSync.LogAPIOrderNotes)

	runner := jobs.NewRunner(dispatcher, reconciler, exporter).
		WithInterval(interval).
		WithDisabledJobs(cfg.ShipSync.NotificationsJobDisabled, cfg.ShipSync.OrderExportJobDisabled)
	return runner, st, closeFn, nil
}

func RunShipSyncWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	runner, st, closeFn, err := buildRunner(cfg, f)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}
	if c := f.newReplayConsumer(cfg); c != nil {
		go func() {
			if err := runNotificationReplay(ctx, c, st, runner); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("notification replay consumer stopped", "error", err)
			}
		}()
	}
	return runner.Run(ctx)
}
