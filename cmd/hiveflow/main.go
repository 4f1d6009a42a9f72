/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// The hiveflow command runs the event engine against a synthetic workload:
// a hash-scoring actor pool behind the pipeline, with batches and losses
// written to the log and metrics served over HTTP.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/hiveflow/hiveflow/pkg/engine/cache"
	"github.com/hiveflow/hiveflow/pkg/engine/config"
	"github.com/hiveflow/hiveflow/pkg/engine/metrics"
	"github.com/hiveflow/hiveflow/pkg/engine/pipeline"
	"github.com/hiveflow/hiveflow/pkg/engine/pool"
	"github.com/hiveflow/hiveflow/pkg/engine/registry"
	logutil "github.com/hiveflow/hiveflow/pkg/engine/util/logging"
	"github.com/hiveflow/hiveflow/version"
)

var (
	configFile = pflag.String("config", "",
		"Path to the engine YAML configuration. Empty runs with built-in defaults.")
	metricsPort = pflag.Int("metrics-port", 9090,
		"The port Prometheus metrics are served on.")
	logVerbosity = pflag.Int("v", logutil.DEFAULT,
		"number for the log level verbosity")
	eventRate = pflag.Int("demo-events-per-second", 50,
		"Rate of synthetic events fed into the pipeline. Zero disables the generator.")
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	pflag.Parse()

	logger := logutil.NewLogger()
	logutil.SetLevel(*logVerbosity)
	logger.Info("Starting hiveflow", "commit", version.CommitSHA, "buildRef", version.BuildRef)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := defaultConfig()
	if *configFile != "" {
		loaded, err := config.Load(nil, *configFile)
		if err != nil {
			logger.Error(err, "Failed to load config", "file", *configFile)
			return err
		}
		cfg = loaded
		if cfg.Logging.Level > 0 {
			logutil.SetLevel(cfg.Logging.Level)
		}
	}

	metrics.Register(nil)

	reg := registry.New(logger, registry.Options{})
	defer reg.Close()

	actorPool, err := pool.New(pool.Config{
		PartitionCount:     cfg.Pool.PartitionCount,
		ActorsPerPartition: cfg.Pool.ActorsPerPartition,
		Factory:            hashScorerFactory,
		MailboxSize:        cfg.Pool.MailboxSize,
		ActivateTimeout:    cfg.Pool.ActivateTimeout.Duration,
		RestartBudget:      cfg.Pool.RestartBudget,
		RestartWindow:      cfg.Pool.RestartWindow.Duration,
		RestartBackoff:     cfg.Pool.RestartBackoff.Duration,
	}, reg, logger)
	if err != nil {
		logger.Error(err, "Failed to construct actor pool")
		return err
	}
	if err := actorPool.Start(ctx); err != nil {
		logger.Error(err, "Actor pool started with failed partitions")
	}

	scores, err := cache.New[uint64, float64](cfg.Cache.Capacity, logger)
	if err != nil {
		logger.Error(err, "Failed to construct score cache")
		return err
	}

	pipe, err := pipeline.New(pipeline.Config{
		ActorCount:      cfg.Pool.PartitionCount * cfg.Pool.ActorsPerPartition,
		BufferCap:       cfg.Pipeline.BufferCap,
		Concurrency:     cfg.Pipeline.Concurrency,
		FanOut:          cfg.Pipeline.FanOut,
		CacheTTL:        cfg.Cache.TTL.Duration,
		ScoreThreshold:  cfg.Pipeline.ScoreThreshold,
		MaxBatchSize:    cfg.Pipeline.MaxBatchSize,
		MaxBatchLatency: cfg.Pipeline.MaxBatchLatency.Duration,
		SinkRetries:     cfg.Pipeline.SinkRetries,
		SinkBackoff:     cfg.Pipeline.SinkBackoff.Duration,
		GracePeriod:     cfg.Pipeline.GracePeriod.Duration,
	}, actorPool, scores, logger)
	if err != nil {
		logger.Error(err, "Failed to construct pipeline")
		return err
	}
	for _, lane := range pipeline.Lanes {
		if err := pipe.Subscribe(lane, loggingSink(logger, lane)); err != nil {
			logger.Error(err, "Failed to subscribe sink", "lane", lane)
			return err
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return serveMetrics(groupCtx, logger, *metricsPort)
	})
	sweepInterval := cfg.Cache.SweepInterval.Duration
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	group.Go(func() error {
		scores.RunSweeper(groupCtx, sweepInterval)
		return nil
	})
	group.Go(func() error {
		return pipe.Run(groupCtx)
	})
	group.Go(func() error {
		drainLosses(groupCtx, logger, pipe.Losses())
		return nil
	})
	if *eventRate > 0 {
		group.Go(func() error {
			generateEvents(groupCtx, logger, pipe, *eventRate)
			return nil
		})
	}
	if *configFile != "" {
		group.Go(func() error {
			return config.Watch(groupCtx, logger, *configFile, func(next *config.Config) {
				if next.Logging.Level > 0 {
					logutil.SetLevel(next.Logging.Level)
				}
			})
		})
	}

	err = group.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if stopErr := actorPool.Shutdown(shutdownCtx); stopErr != nil {
		logger.Error(stopErr, "Actor pool shutdown incomplete")
	}
	logger.Info("hiveflow stopped")
	return err
}

// defaultConfig is the configuration used when no file is supplied.
func defaultConfig() *config.Config {
	return &config.Config{
		Pool: config.Pool{
			PartitionCount:     4,
			ActorsPerPartition: 8,
		},
		Cache: config.Cache{
			Capacity:      4096,
			SweepInterval: config.Duration{Duration: 30 * time.Second},
		},
	}
}

// hashScorerFactory builds the demo behavior: a stateless scorer that maps a
// payload to a stable pseudo-random score in [0, 1).
func hashScorerFactory(id registry.ID) pool.Behavior {
	return pool.BehaviorFunc(func(_ context.Context, signal any) (any, error) {
		payload, ok := signal.([]byte)
		if !ok {
			return nil, fmt.Errorf("unsupported signal type %T", signal)
		}
		fp := pipeline.Fingerprint(payload)
		return float64(fp%1000) / 1000.0, nil
	})
}

func loggingSink(logger logr.Logger, lane pipeline.Lane) pipeline.Sink {
	return func(_ context.Context, batch pipeline.Batch) error {
		logger.V(logutil.VERBOSE).Info("Batch flushed",
			"lane", lane, "events", len(batch.Events), "sealedAt", batch.SealedAt)
		return nil
	}
}

func drainLosses(ctx context.Context, logger logr.Logger, losses <-chan pipeline.Loss) {
	for {
		select {
		case <-ctx.Done():
			return
		case loss := <-losses:
			logger.Error(loss.Err, "Batch lost", "lane", loss.Lane, "events", len(loss.Batch.Events))
		}
	}
}

func generateEvents(ctx context.Context, logger logr.Logger, pipe *pipeline.Pipeline, perSecond int) {
	ticker := time.NewTicker(time.Second / time.Duration(perSecond))
	defer ticker.Stop()
	var seq int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A small payload space keeps the cache hit rate interesting.
			ev := &pipeline.Event{
				Payload:  fmt.Appendf(nil, "demo-payload-%d", seq%200),
				Category: "demo",
			}
			seq++
			if err := pipe.Submit(ev); err != nil {
				logger.V(logutil.DEBUG).Info("Event rejected", "err", err)
			}
		}
	}
}

func serveMetrics(ctx context.Context, logger logr.Logger, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("Serving metrics", "port", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
