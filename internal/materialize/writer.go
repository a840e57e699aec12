package materialize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/aqi-forecast/internal/featurestore"
	"github.com/i474232898/aqi-forecast/internal/metrics"
)

var (
	// ErrEmptyBatch is returned when Upsert is called without rows.
	ErrEmptyBatch = errors.New("empty batch")
	// ErrWriteFailed is returned once every attempt has failed.
	ErrWriteFailed = errors.New("write failed")
)

// Config controls the retry loop of a Writer.
type Config struct {
	MaxAttempts int
	// MaxBackoff caps the exponential backoff between attempts.
	MaxBackoff time.Duration
	Wait       WaitConfig
}

// DefaultConfig is 5 attempts with backoff capped at 30s.
func DefaultConfig() Config {
	return Config{MaxAttempts: 5, MaxBackoff: 30 * time.Second, Wait: DefaultWaitConfig()}
}

// Writer upserts batches and returns only once the materialization job of the
// write has finished.
type Writer struct {
	cfg    Config
	waiter *Waiter
	clock  Clock
	logger *slog.Logger
}

// NewWriter creates a Writer. Zero config fields take the defaults; a nil clock is the wall clock.
func NewWriter(cfg Config, clock Clock) *Writer {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if clock == nil {
		clock = RealClock
	}
	return &Writer{
		cfg:    cfg,
		waiter: NewWaiter(cfg.Wait, clock),
		clock:  clock,
		logger: slog.Default().With("component", "materialize"),
	}
}

// Backoff returns the sleep after the given failed attempt: min(2^attempt s, limit).
func Backoff(attempt int, limit time.Duration) time.Duration {
	secs := math.Pow(2, float64(attempt))
	if secs >= limit.Seconds() {
		return limit
	}
	return time.Duration(secs * float64(time.Second))
}

// Upsert writes rows to fg and waits for the resulting materialization job.
//
// Every attempt carries the same write id. A transient insert error is verified
// before it is counted: if a job created under that id reaches a terminal state,
// the write is treated as done. Jobs of other writers never verify this one.
// Only an unverified transient failure is retried, after Backoff(attempt).
// Non-transient errors, failed jobs and wait timeouts on a confirmed write are
// returned at once.
func (w *Writer) Upsert(ctx context.Context, fg featurestore.FeatureGroup, rows []featurestore.Row) (featurestore.Job, error) {
	if len(rows) == 0 {
		return featurestore.Job{}, ErrEmptyBatch
	}
	group := fmt.Sprintf("%s_v%d", fg.Name(), fg.Version())
	writeID := uuid.New().String()
	log := w.logger.With("group", group, "rows", len(rows), "write_id", writeID)

	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return featurestore.Job{}, err
		}
		metrics.WriteAttempts.WithLabelValues(group).Inc()

		jobID, err := fg.Insert(ctx, rows, featurestore.WriteOptions{Upsert: true, WriteID: writeID})
		if err == nil {
			job, werr := w.waiter.Wait(ctx, group, JobProbe(fg, jobID))
			if werr != nil {
				metrics.WriteFailures.WithLabelValues(group).Inc()
				return job, fmt.Errorf("waiting for %s: %w", group, werr)
			}
			log.Info("upsert completed", "attempt", attempt, "job_id", job.ID)
			return job, nil
		}

		if !IsTransient(err) {
			metrics.WriteFailures.WithLabelValues(group).Inc()
			return featurestore.Job{}, fmt.Errorf("inserting into %s: %w", group, err)
		}
		log.Warn("insert failed", "attempt", attempt, "max_attempts", w.cfg.MaxAttempts, "error", err)

		// The connection often drops after the job has started; confirm before retrying.
		job, verr := w.waiter.Wait(ctx, group, WriteProbe(fg, writeID))
		if verr == nil {
			metrics.WriteVerified.WithLabelValues(group).Inc()
			log.Info("insert likely succeeded, job finished after connection drop", "attempt", attempt, "job_id", job.ID)
			return job, nil
		}
		if errors.Is(verr, ErrMaterializationFailed) || ctx.Err() != nil {
			metrics.WriteFailures.WithLabelValues(group).Inc()
			return job, fmt.Errorf("verifying write to %s: %w", group, verr)
		}
		lastErr = fmt.Errorf("%w (verification: %v)", err, verr)

		if attempt == w.cfg.MaxAttempts {
			break
		}
		wait := Backoff(attempt, w.cfg.MaxBackoff)
		metrics.WriteRetries.WithLabelValues(group).Inc()
		log.Info("retrying insert", "in", wait, "next_attempt", attempt+1)
		if err := w.clock.Sleep(ctx, wait); err != nil {
			return featurestore.Job{}, err
		}
	}

	metrics.WriteFailures.WithLabelValues(group).Inc()
	return featurestore.Job{}, fmt.Errorf("%w: %s after %d attempts: %w", ErrWriteFailed, group, w.cfg.MaxAttempts, lastErr)
}
