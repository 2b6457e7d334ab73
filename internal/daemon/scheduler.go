package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wiremesh/internal/telemetry"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// TaskFunc runs one iteration of a scheduled task.
type TaskFunc func(ctx context.Context, cycle *telemetry.Cycle) error

// Task is a named fixed-interval job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      TaskFunc
}

// Scheduler runs tasks on fixed intervals. Each task iterates in its own
// goroutine; a failed iteration is logged and retried on the next tick.
type Scheduler struct {
	tracer trace.Tracer
	log    *slog.Logger
	tasks  []Task
}

func NewScheduler(tracer trace.Tracer, log *slog.Logger) *Scheduler {
	if tracer == nil {
		tracer = telemetry.Tracer(telemetry.TracerName)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{tracer: tracer, log: log.With("component", "scheduler")}
}

func (s *Scheduler) Add(task Task) error {
	task.Name = strings.TrimSpace(task.Name)
	if task.Name == "" {
		return fmt.Errorf("add task: name is required")
	}
	if task.Interval <= 0 {
		return fmt.Errorf("add task %q: interval must be positive", task.Name)
	}
	if task.Run == nil {
		return fmt.Errorf("add task %q: run func is required", task.Name)
	}
	s.tasks = append(s.tasks, task)
	return nil
}

// Run blocks until ctx is cancelled. Iterations are never interrupted:
// cancellation is observed between them.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range s.tasks {
		g.Go(func() error {
			s.loop(gctx, task)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	log := s.log.With("task", task.Name)
	log.Debug("task started", "interval", task.Interval)

	for iteration := int64(1); ; iteration++ {
		if ctx.Err() != nil {
			return
		}
		s.iterate(context.WithoutCancel(ctx), task, iteration, log)

		select {
		case <-ctx.Done():
			log.Debug("task stopped", "iterations", iteration)
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) iterate(ctx context.Context, task Task, iteration int64, log *slog.Logger) {
	cycle := telemetry.StartCycle(ctx, s.tracer, task.Name, iteration)
	err := task.Run(cycle.Context(), cycle)
	cycle.End(err)
	if err != nil {
		// Failed cycles are reported at warn level by the span log processor.
		log.Debug("task iteration failed", "iteration", iteration, "err", err)
	}
}
