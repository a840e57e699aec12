package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/go-co-op/gocron"
)

// ErrNoJob is returned when Start is called without a job.
var ErrNoJob = errors.New("scheduler: no job configured")

// Job is the work run once per day.
type Job func(ctx context.Context) error

// Scheduler runs a job every day at a fixed UTC time.
type Scheduler struct {
	scheduler *gocron.Scheduler
	job       Job
	at        string
	timeout   time.Duration
	entry     *gocron.Job
}

// New creates a Scheduler running job daily at "HH:MM" UTC. Each run gets timeout.
func New(at string, timeout time.Duration, job Job) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}
	return &Scheduler{
		scheduler: s,
		job:       job,
		at:        at,
		timeout:   timeout,
	}
}

// Start schedules the daily job and starts the underlying scheduler.
// Overlapping runs are skipped.
func (s *Scheduler) Start() error {
	if s.job == nil {
		return ErrNoJob
	}

	entry, err := s.scheduler.Every(1).Day().At(s.at).SingletonMode().Do(s.run)
	if err != nil {
		return err
	}
	s.entry = entry

	s.scheduler.StartAsync()
	log.Printf("scheduler: daily pipeline scheduled at %s UTC, next run %s", s.at, entry.NextRun().Format(time.RFC3339))
	return nil
}

func (s *Scheduler) run() {
	log.Println("scheduler: running daily pipeline")

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.job(ctx); err != nil {
		log.Printf("scheduler: daily pipeline failed: %v", err)
		return
	}
	log.Println("scheduler: completed daily pipeline")
}

// NextRun returns the next scheduled time, or zero before Start.
func (s *Scheduler) NextRun() time.Time {
	if s.entry == nil {
		return time.Time{}
	}
	return s.entry.NextRun()
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
