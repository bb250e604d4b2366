// Package janitor removes finished tasks and idle sessions on a cron schedule.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultSchedule runs a sweep at the top of every hour.
const DefaultSchedule = "0 * * * *"

const batchSize = 100

// Forgetter drops runtime state kept for a deleted task.
type Forgetter interface {
	Forget(taskID string)
}

// SweepRecorder receives sweep outcomes.
type SweepRecorder interface {
	RecordSweep(tasks, sessions int, err error)
}

// Config configures a Janitor. A zero retention disables that half of the sweep.
type Config struct {
	Tasks         store.TaskStore
	Sessions      store.SessionStore
	Forgetter     Forgetter
	TaskRetention time.Duration
	SessionTTL    time.Duration
	// Schedule is a five-field cron expression or a descriptor such as "@every 30m".
	Schedule string
	Metrics  SweepRecorder
	Logger   *slog.Logger
	Now      func() time.Time
}

// SweepResult counts what one sweep removed.
type SweepResult struct {
	Tasks    int `json:"tasks"`
	Sessions int `json:"sessions"`
}

// Janitor purges terminal tasks older than the task retention and sessions
// idle for longer than the session TTL.
type Janitor struct {
	cfg      Config
	schedule cron.Schedule
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
	sweepMu  sync.Mutex
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a Janitor.
func New(cfg Config) (*Janitor, error) {
	if cfg.Tasks == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "janitor: task store is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse sweep schedule %q: %v", cfg.Schedule, err).WithCause(err)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Janitor{cfg: cfg, schedule: schedule, logger: cfg.Logger}, nil
}

// NextRun returns the first sweep time after from.
func (j *Janitor) NextRun(from time.Time) time.Time {
	return j.schedule.Next(from)
}

// Start launches the background sweep loop.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done != nil {
		return fmt.Errorf("janitor already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})

	go j.loop(loopCtx, j.done)
	j.logger.Info("janitor started", slog.String("schedule", j.cfg.Schedule))
	return nil
}

func (j *Janitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		now := j.cfg.Now()
		timer := time.NewTimer(j.NextRun(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Stop stops the sweep loop and waits for a running sweep to end.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancel == nil {
		return
	}
	j.cancel()
	<-j.done
	j.cancel = nil
	j.done = nil

	j.logger.Info("janitor stopped")
}

// Sweep runs one purge pass. Sweeps never overlap.
func (j *Janitor) Sweep(ctx context.Context) (SweepResult, error) {
	j.sweepMu.Lock()
	defer j.sweepMu.Unlock()

	var (
		res  SweepResult
		errs []error
	)
	now := j.cfg.Now().UTC()

	if j.cfg.TaskRetention > 0 {
		n, err := j.purgeTasks(ctx, now.Add(-j.cfg.TaskRetention))
		res.Tasks = n
		errs = append(errs, err)
	}
	if j.cfg.SessionTTL > 0 && j.cfg.Sessions != nil {
		n, err := j.purgeSessions(ctx, now.Add(-j.cfg.SessionTTL))
		res.Sessions = n
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if j.cfg.Metrics != nil {
		j.cfg.Metrics.RecordSweep(res.Tasks, res.Sessions, err)
	}
	if res.Tasks > 0 || res.Sessions > 0 {
		j.logger.Info("sweep finished", slog.Int("tasks", res.Tasks), slog.Int("sessions", res.Sessions))
	}
	return res, err
}

var terminalStatuses = []schema.TaskStatus{
	schema.TaskStatusCompleted,
	schema.TaskStatusFailed,
	schema.TaskStatusCancelled,
}

func (j *Janitor) purgeTasks(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	for _, status := range terminalStatuses {
		for {
			tasks, err := j.cfg.Tasks.ListTasks(ctx, store.TaskFilter{
				Status:        &status,
				UpdatedBefore: &cutoff,
				Limit:         batchSize,
			})
			if err != nil {
				return removed, err
			}
			for _, t := range tasks {
				if err := j.cfg.Tasks.DeleteTask(ctx, t.ID); err != nil && !store.IsNotFound(err) {
					return removed, err
				}
				if j.cfg.Forgetter != nil {
					j.cfg.Forgetter.Forget(t.ID)
				}
				removed++
			}
			if len(tasks) < batchSize {
				break
			}
		}
	}
	return removed, nil
}

func (j *Janitor) purgeSessions(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	for {
		sessions, err := j.cfg.Sessions.ListSessions(ctx, store.SessionFilter{
			UpdatedBefore: &cutoff,
			Limit:         batchSize,
		})
		if err != nil {
			return removed, err
		}
		for _, s := range sessions {
			if err := j.cfg.Sessions.DeleteSession(ctx, s.ID); err != nil && !store.IsNotFound(err) {
				return removed, err
			}
			removed++
		}
		if len(sessions) < batchSize {
			return removed, nil
		}
	}
}
