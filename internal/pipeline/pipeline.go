package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/i474232898/aqi-forecast/internal/dataset"
	"github.com/i474232898/aqi-forecast/internal/featurestore"
	"github.com/i474232898/aqi-forecast/internal/inference"
	"github.com/i474232898/aqi-forecast/internal/ingest"
	"github.com/i474232898/aqi-forecast/internal/metrics"
	"github.com/i474232898/aqi-forecast/internal/training"
)

// Step is one named stage of a pipeline.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pipeline runs steps in order and stops at the first failure.
type Pipeline struct {
	steps  []Step
	logger *slog.Logger
}

func New(steps ...Step) *Pipeline {
	return &Pipeline{steps: steps, logger: slog.Default().With("component", "pipeline")}
}

// Steps returns the step names in order.
func (p *Pipeline) Steps() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name
	}
	return names
}

func (p *Pipeline) Run(ctx context.Context) error {
	start := time.Now()
	for _, s := range p.steps {
		p.logger.Info("running step", "step", s.Name)
		stepStart := time.Now()
		if err := s.Run(ctx); err != nil {
			metrics.PipelineSteps.WithLabelValues(s.Name, "failure").Inc()
			return fmt.Errorf("step %s: %w", s.Name, err)
		}
		metrics.PipelineSteps.WithLabelValues(s.Name, "success").Inc()
		p.logger.Info("step finished", "step", s.Name, "duration", time.Since(stepStart).Round(time.Millisecond))
	}
	p.logger.Info("pipeline finished", "steps", len(p.steps), "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// Deps are the components of the daily pipeline.
type Deps struct {
	Uploader    *ingest.Uploader
	IngestOpts  ingest.Options
	Conn        *featurestore.Connector
	ArtifactDir string
	Trainer     *training.Trainer
	Engine      *inference.Engine
}

// Daily is ingest, dataset, train, infer.
func Daily(d Deps) *Pipeline {
	return New(
		Step{Name: "ingest", Run: func(ctx context.Context) error {
			_, err := d.Uploader.Upload(ctx, d.IngestOpts)
			return err
		}},
		Step{Name: "dataset", Run: func(ctx context.Context) error {
			_, err := dataset.Build(ctx, d.Conn, d.ArtifactDir)
			return err
		}},
		Step{Name: "train", Run: func(ctx context.Context) error {
			_, err := d.Trainer.Run(ctx)
			return err
		}},
		Step{Name: "infer", Run: func(ctx context.Context) error {
			_, err := d.Engine.Run(ctx)
			return err
		}},
	)
}
