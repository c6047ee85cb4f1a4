// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/netSkope/batch-export/internal/backfill"
	"github.com/netSkope/batch-export/internal/config"
	"github.com/netSkope/batch-export/internal/destination"
	"github.com/netSkope/batch-export/internal/execution"
	"github.com/netSkope/batch-export/internal/export"
	"github.com/netSkope/batch-export/internal/metrics"
	"github.com/netSkope/batch-export/internal/notify"
	"github.com/netSkope/batch-export/internal/runtime"
	"github.com/netSkope/batch-export/internal/s3"
	"github.com/netSkope/batch-export/internal/schedule"
	"github.com/netSkope/batch-export/internal/source"
	"github.com/netSkope/batch-export/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// app holds the collaborators shared by every command.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	client   *store.SQLClient
	store    *store.SQLStore
	redis    *redis.Client
	runtime  *runtime.Runtime
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	executor *execution.Executor
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	dsn, err := cfg.RunStore.DSN(ctx)
	if err != nil {
		return nil, err
	}
	a.client, err = store.NewSQLClient(ctx, dsn, cfg.RunStore.Timeout, "run_store")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to run store: %w", err)
	}
	a.store = store.NewSQLStore(a.client, logger)
	if err := a.store.Migrate(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to migrate run store: %w", err)
	}

	var details runtime.DetailsStore = runtime.NewMemoryStore()
	if cfg.Heartbeat.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Heartbeat.RedisAddr,
			Password: cfg.Heartbeat.RedisPassword,
			DB:       cfg.Heartbeat.RedisDB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		details = runtime.NewRedisStore(a.redis, cfg.Heartbeat.Prefix, cfg.Heartbeat.TTL)
	}
	a.runtime = runtime.New(details, logger)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.Notify.SlackWebhookURL != "" {
		notifier = notify.NewSlackNotifier(cfg.Notify.SlackWebhookURL, cfg.Notify.SlackChannel, nil)
	}
	a.executor, err = execution.New(a.store, a.runtime, notifier, a.metrics, cfg.Execution, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.client != nil {
		_ = a.client.Close()
	}
}

func (a *app) dbSource() export.Source {
	return source.NewDBSource(a.client.GetDB(), a.cfg.Source, nil, a.logger)
}

func (a *app) objectStore(ctx context.Context) (*s3.ObjectStore, error) {
	if !a.cfg.Staging.Enabled() {
		return nil, fmt.Errorf("staging.bucket is not configured")
	}
	client, err := s3.NewClient(ctx, a.cfg.Staging.ClientConfig, a.logger)
	if err != nil {
		return nil, err
	}
	return s3.NewObjectStore(client, a.cfg.Staging.Bucket, a.logger), nil
}

// stagingPrefix is the key prefix of one staged export interval.
func (a *app) stagingPrefix(exportID string, start, end time.Time) string {
	prefix := source.StagingPrefix(exportID, start, end)
	if p := strings.Trim(a.cfg.Staging.Prefix, "/"); p != "" {
		prefix = p + "/" + prefix
	}
	return prefix
}

func (a *app) destination(ctx context.Context, def *export.Definition, src export.Source) (export.Destination, error) {
	return destination.New(ctx, def.Destination, destination.Deps{
		Source:   src,
		Pipeline: a.cfg.Pipeline,
		Writer:   a.cfg.Writer,
		Metrics:  a.metrics,
		Logger:   a.logger.With(zap.String("export_id", def.ID)),
	})
}

func (a *app) backfills() *backfill.Scheduler {
	return backfill.NewScheduler(a.store, a.runtime, a.executor, a.cfg.Backfill, a.logger)
}

func (a *app) scheduler() *schedule.Scheduler {
	src := a.dbSource()
	return schedule.New(a.store, a.executor, func(ctx context.Context, def *export.Definition) (export.Destination, error) {
		return a.destination(ctx, def, src)
	}, a.cfg.Schedule, a.logger)
}
