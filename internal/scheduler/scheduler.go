// Package scheduler runs the fixed-interval background tasks: daily
// storage maintenance, alert evaluation and the periodic throttle audit.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one periodic job. Errors are logged, never fatal.
type Task struct {
	Name     string
	Interval time.Duration
	// RunAtStart fires the task once immediately instead of waiting a
	// full interval. Storage maintenance needs this so partitions exist
	// before the first insert.
	RunAtStart bool
	Fn         func(ctx context.Context) error
}

// Scheduler owns one goroutine per task.
type Scheduler struct {
	tasks  []Task
	wg     sync.WaitGroup
	cancel context.CancelFunc
	logger *slog.Logger
}

func New() *Scheduler {
	return &Scheduler{logger: slog.With("component", "scheduler")}
}

func (s *Scheduler) Add(t Task) {
	s.tasks = append(s.tasks, t)
}

// Start launches every task loop. Stop cancels them.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.run(ctx, t)
	}
	s.logger.Info("scheduler started", "tasks", len(s.tasks))
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, t Task) {
	defer s.wg.Done()

	exec := func() {
		start := time.Now()
		if err := t.Fn(ctx); err != nil {
			s.logger.Error("task failed", "task", t.Name, "error", err)
			return
		}
		s.logger.Debug("task finished", "task", t.Name, "took", time.Since(start))
	}

	if t.RunAtStart {
		exec()
	}
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			exec()
		}
	}
}
