// Package maintenance runs cron-scheduled housekeeping jobs.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
)

// Job is a named unit of housekeeping on a cron schedule.
type Job struct {
	Name     string
	Schedule string // cron expression or gronx tag such as "@hourly"
	Run      func(ctx context.Context) error
}

// Scheduler runs each job on its own schedule until the context ends.
type Scheduler struct {
	mu   sync.Mutex
	jobs []Job
	now  func() time.Time
	next func(expr string, ref time.Time) (time.Time, error)
}

func New() *Scheduler {
	return &Scheduler{
		now:  time.Now,
		next: func(expr string, ref time.Time) (time.Time, error) {
			return gronx.NextTickAfter(expr, ref, false)
		},
	}
}

// Add registers a job. Invalid expressions are rejected.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("maintenance: job needs a name and a run func")
	}
	cron := gronx.New()
	if !cron.IsValid(job.Schedule) {
		return fmt.Errorf("maintenance: job %q: invalid schedule %q", job.Name, job.Schedule)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.Name
	}
	return names
}

// Run blocks until ctx is cancelled and every job loop has returned.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, job)
		}()
	}
	slog.Info("maintenance scheduler started", "jobs", len(jobs))
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	for {
		at, err := s.next(job.Schedule, s.now())
		if err != nil {
			slog.Error("maintenance schedule failed", "job", job.Name, "error", err)
			return
		}
		timer := time.NewTimer(time.Until(at))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.runOnce(ctx, job)
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("maintenance job panicked", "job", job.Name, "panic", r)
		}
	}()
	start := s.now()
	if err := job.Run(ctx); err != nil {
		slog.Warn("maintenance job failed", "job", job.Name, "error", err)
		return
	}
	slog.Debug("maintenance job done", "job", job.Name, "duration_ms", s.now().Sub(start).Milliseconds())
}

// Sweeper expires overdue auth sessions. authsession.Manager implements it.
type Sweeper interface {
	SweepExpired(ctx context.Context) int
}

// AuthSweepJob expires pending auth sessions whose deadline passed.
func AuthSweepJob(schedule string, m Sweeper) Job {
	return Job{
		Name:     "auth_session_sweep",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			if n := m.SweepExpired(ctx); n > 0 {
				slog.Info("auth sessions expired", "count", n)
			}
			return nil
		},
	}
}

// HealthRuntime reports and restarts unhealthy channels. channels.Runtime implements it.
type HealthRuntime interface {
	DisconnectedChannelIDs() []uuid.UUID
	RestartChannel(ctx context.Context, id uuid.UUID) error
}

// ChannelHealthJob restarts active channels whose driver lost its connection.
// Every channel is attempted; failures are joined into the result.
func ChannelHealthJob(schedule string, rt HealthRuntime) Job {
	return Job{
		Name:     "channel_health",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			var errs []error
			for _, id := range rt.DisconnectedChannelIDs() {
				slog.Info("restarting disconnected channel", "channel_id", id)
				if err := rt.RestartChannel(ctx, id); err != nil {
					errs = append(errs, fmt.Errorf("channel %s: %w", id, err))
				}
			}
			return errors.Join(errs...)
		},
	}
}
