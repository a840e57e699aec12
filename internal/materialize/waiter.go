package materialize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/i474232898/aqi-forecast/internal/featurestore"
	"github.com/i474232898/aqi-forecast/internal/metrics"
)

var (
	// ErrWaitTimeout is returned when a job is still running after the wait timeout.
	ErrWaitTimeout = errors.New("materialization job did not finish within timeout")
	// ErrMaterializationFailed is returned when a job reaches the FAILED state.
	ErrMaterializationFailed = errors.New("materialization job failed")
)

// TimeoutError carries the last observed state of a job that did not finish in time.
type TimeoutError struct {
	Group     string
	Elapsed   time.Duration
	LastState featurestore.JobState
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: group %s, last state %s after %s", ErrWaitTimeout, e.Group, e.LastState, e.Elapsed.Round(time.Second))
}

func (e *TimeoutError) Unwrap() error { return ErrWaitTimeout }

// JobFailedError is returned for a job that finished in the FAILED state.
type JobFailedError struct {
	Job featurestore.Job
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("%s: job %s on %s v%d: %s", ErrMaterializationFailed, e.Job.ID, e.Job.Group, e.Job.Version, e.Job.Message)
}

func (e *JobFailedError) Unwrap() error { return ErrMaterializationFailed }

// Clock abstracts time so waits and backoff can be tested without sleeping.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Probe reports the current job. An error means the state is unknown.
type Probe func(ctx context.Context) (featurestore.Job, error)

// JobProbe follows the job with the given id.
func JobProbe(fg featurestore.FeatureGroup, id string) Probe {
	return func(ctx context.Context) (featurestore.Job, error) {
		return fg.Job(ctx, id)
	}
}

// WriteProbe follows the job created by the write tagged writeID.
// Jobs of other writers to the same group never match.
func WriteProbe(fg featurestore.FeatureGroup, writeID string) Probe {
	return func(ctx context.Context) (featurestore.Job, error) {
		job, err := fg.JobForWrite(ctx, writeID)
		if err != nil {
			return featurestore.Job{}, err
		}
		if job.WriteID != writeID {
			return featurestore.Job{}, fmt.Errorf("%w: job %s belongs to write %q", featurestore.ErrJobNotFound, job.ID, job.WriteID)
		}
		return job, nil
	}
}

// WaitConfig bounds a materialization wait.
type WaitConfig struct {
	Poll    time.Duration
	Timeout time.Duration
}

// DefaultWaitConfig polls every 15s for up to 15 minutes.
func DefaultWaitConfig() WaitConfig {
	return WaitConfig{Poll: 15 * time.Second, Timeout: 15 * time.Minute}
}

// Waiter blocks until a materialization job leaves STARTING/RUNNING.
type Waiter struct {
	cfg    WaitConfig
	clock  Clock
	logger *slog.Logger
}

// NewWaiter creates a Waiter. Zero config fields take the defaults; a nil clock is the wall clock.
func NewWaiter(cfg WaitConfig, clock Clock) *Waiter {
	def := DefaultWaitConfig()
	if cfg.Poll <= 0 {
		cfg.Poll = def.Poll
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if clock == nil {
		clock = RealClock
	}
	return &Waiter{cfg: cfg, clock: clock, logger: slog.Default().With("component", "materialize")}
}

// Wait polls probe until the job is terminal.
//
// A probe error or an empty state counts as UNKNOWN and is polled again, since
// job state reporting may lag behind the write. A FAILED job returns a
// *JobFailedError; running past the timeout returns a *TimeoutError.
func (w *Waiter) Wait(ctx context.Context, group string, probe Probe) (featurestore.Job, error) {
	start := w.clock.Now()
	defer func() {
		metrics.MaterializationWait.Observe(w.clock.Now().Sub(start).Seconds())
	}()

	last := featurestore.JobUnknown
	for {
		job, err := probe(ctx)
		state := featurestore.JobUnknown
		if err == nil && job.State.Normalize() != "" {
			state = job.State.Normalize()
		}
		if err != nil && !errors.Is(err, featurestore.ErrJobNotFound) {
			w.logger.Debug("job state unavailable", "group", group, "error", err)
		}

		if state != featurestore.JobUnknown && !state.InProgress() {
			job.State = state
			if state == featurestore.JobFailed {
				metrics.MaterializationOutcomes.WithLabelValues(metrics.OutcomeFailed).Inc()
				w.logger.Error("materialization job failed", "group", group, "job_id", job.ID, "message", job.Message)
				return job, &JobFailedError{Job: job}
			}
			metrics.MaterializationOutcomes.WithLabelValues(metrics.OutcomeFinished).Inc()
			w.logger.Info("materialization job finished", "group", group, "job_id", job.ID, "final_state", state)
			return job, nil
		}
		last = state

		elapsed := w.clock.Now().Sub(start)
		if elapsed > w.cfg.Timeout {
			metrics.MaterializationOutcomes.WithLabelValues(metrics.OutcomeTimeout).Inc()
			return featurestore.Job{}, &TimeoutError{Group: group, Elapsed: elapsed, LastState: last}
		}

		if err := w.clock.Sleep(ctx, w.cfg.Poll); err != nil {
			return featurestore.Job{}, err
		}
	}
}
