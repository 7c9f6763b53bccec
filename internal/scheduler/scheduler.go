// Package scheduler runs named tasks on fixed periods until cancelled.
//
// Each task is single-flight: a tick that fires while the previous run is
// still in progress is dropped, so a task never overlaps itself. Different
// tasks run independently of one another.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Task is a unit of periodic work. Run errors are logged, never fatal.
type Task struct {
	Name       string
	Period     time.Duration
	RunAtStart bool
	Run        func(ctx context.Context) error
}

// Scheduler holds the tasks to run. Add every task before calling Run.
type Scheduler struct {
	mu    sync.Mutex
	tasks []Task
}

// New returns an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Add registers t. It returns an error for a task that cannot be scheduled.
func (s *Scheduler) Add(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task %q: no run function", t.Name)
	}
	if t.Period <= 0 {
		return fmt.Errorf("task %q: period must be positive, got %s", t.Name, t.Period)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
	return nil
}

// Run drives every task until ctx is cancelled, then waits for in-flight
// runs to return. It always returns nil once ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	tasks := append([]Task(nil), s.tasks...)
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		g.Go(func() error {
			loop(ctx, t)
			return nil
		})
	}
	return g.Wait()
}

// loop owns one task. Runs happen on a worker goroutine so the ticker keeps
// being drained; busy tracks whether a run is in flight.
func loop(ctx context.Context, t Task) {
	logger := zerolog.Ctx(ctx).With().Str("task", t.Name).Logger()
	ctx = logger.WithContext(ctx)

	done := make(chan struct{}, 1)
	busy := false
	start := func() {
		busy = true
		go func() {
			runOnce(ctx, t, &logger)
			done <- struct{}{}
		}()
	}

	if t.RunAtStart {
		start()
	}

	ticker := time.NewTicker(t.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if busy {
				<-done
			}
			return
		case <-done:
			busy = false
		case <-ticker.C:
			if busy {
				logger.Debug().Msg("Previous run still in flight, skipping tick")
				continue
			}
			start()
		}
	}
}

func runOnce(ctx context.Context, t Task, logger *zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Task panicked")
		}
	}()
	begin := time.Now()
	if err := t.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Warn().Err(err).Dur("elapsed", time.Since(begin)).Msg("Task failed")
		return
	}
	logger.Debug().Dur("elapsed", time.Since(begin)).Msg("Task finished")
}
