package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/i474232898/aqi-forecast/internal/airquality"
	"github.com/i474232898/aqi-forecast/internal/cache"
	"github.com/i474232898/aqi-forecast/internal/config"
	"github.com/i474232898/aqi-forecast/internal/featurestore"
	"github.com/i474232898/aqi-forecast/internal/featurestore/memory"
	"github.com/i474232898/aqi-forecast/internal/featurestore/sqlstore"
	"github.com/i474232898/aqi-forecast/internal/inference"
	"github.com/i474232898/aqi-forecast/internal/ingest"
	"github.com/i474232898/aqi-forecast/internal/materialize"
	"github.com/i474232898/aqi-forecast/internal/pipeline"
	"github.com/i474232898/aqi-forecast/internal/training"
)

// components is everything a command needs, built once from config.
type components struct {
	cfg    *config.AppConfig
	conn   *featurestore.Connector
	writer *materialize.Writer
	cache  *cache.Service

	engineOnce sync.Once
	eng        *inference.Engine
}

func setupLogging(env string) {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	} else {
		handler = slog.NewTextHandler(os.Stderr, nil)
	}
	slog.SetDefault(slog.New(handler).With("version", version))
}

// openProject returns the backend selected by cfg.Driver.
func openProject(cfg *config.AppConfig) featurestore.OpenFunc {
	return func(ctx context.Context) (featurestore.Project, error) {
		if cfg.Driver == "memory" {
			return memory.New(memory.Options{}), nil
		}
		store, err := sqlstore.Open(ctx, sqlstore.Options{
			Driver:  cfg.Driver,
			DSN:     cfg.DSN,
			Project: cfg.Project,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func newComponents(ctx context.Context) (*components, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Env)

	svc, err := cache.New(ctx, cfg.RedisURL)
	if err != nil {
		// redis is optional; predictions are still stored without it.
		slog.Warn("redis unavailable, continuing without cache", "error", err)
	}

	return &components{
		cfg:  cfg,
		conn: featurestore.NewConnector(openProject(cfg)),
		writer: materialize.NewWriter(materialize.Config{
			MaxAttempts: cfg.WriteMaxAttempts,
			Wait: materialize.WaitConfig{
				Poll:    cfg.MaterializationPoll,
				Timeout: cfg.MaterializationTimeout,
			},
		}, nil),
		cache: svc,
	}, nil
}

// Close releases the feature store and the cache, returning every close error.
func (c *components) Close() error {
	var errs []error
	if err := c.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing feature store: %w", err))
	}
	if err := c.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing cache: %w", err))
	}
	return errors.Join(errs...)
}

func (c *components) ingestOptions() ingest.Options {
	return ingest.Options{
		Lat:  c.cfg.Latitude,
		Lon:  c.cfg.Longitude,
		Days: c.cfg.IngestDays,
	}
}

func (c *components) uploader() *ingest.Uploader {
	client := airquality.NewClient(&http.Client{Timeout: c.cfg.HTTPTimeout}, c.cfg.AirQualityBaseURL)
	return ingest.NewUploader(client, c.conn, c.writer)
}

func (c *components) trainer() *training.Trainer {
	return training.NewTrainer(c.conn, c.cfg.ArtifactDir, training.DefaultSpecs())
}

// engine returns the one Engine shared by the scheduler and the HTTP API, so
// their runs queue behind each other.
func (c *components) engine() *inference.Engine {
	c.engineOnce.Do(func() {
		c.eng = inference.NewEngine(c.conn, c.writer, inference.Config{
			ArtifactDir: filepath.Join(c.cfg.ArtifactDir, "registry"),
		}, inference.WithBroadcaster(c.cache))
	})
	return c.eng
}

func (c *components) daily(opts ingest.Options) *pipeline.Pipeline {
	return pipeline.Daily(pipeline.Deps{
		Uploader:    c.uploader(),
		IngestOpts:  opts,
		Conn:        c.conn,
		ArtifactDir: c.cfg.ArtifactDir,
		Trainer:     c.trainer(),
		Engine:      c.engine(),
	})
}
