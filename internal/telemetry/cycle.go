package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	TaskKey      = "wiremesh.task"
	IterationKey = "wiremesh.iteration"
	ActionsKey   = "wiremesh.actions"
	InterfaceKey = "wiremesh.iface"

	TracerName = "wiremesh"

	defaultTaskName = "task"
)

// Cycle is one scheduled iteration of a named task.
type Cycle struct {
	ctx    context.Context
	tracer trace.Tracer
	span   trace.Span
}

// Tracer returns the named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	if strings.TrimSpace(name) == "" {
		name = TracerName
	}
	return otel.Tracer(name)
}

func StartCycle(ctx context.Context, tracer trace.Tracer, task string, iteration int64) *Cycle {
	if ctx == nil {
		ctx = context.Background()
	}
	if tracer == nil {
		tracer = Tracer(TracerName)
	}
	task = strings.TrimSpace(task)
	if task == "" {
		task = defaultTaskName
	}

	spanCtx, span := tracer.Start(ctx, task, trace.WithAttributes(
		attribute.String(TaskKey, task),
		attribute.Int64(IterationKey, iteration),
	))
	return &Cycle{ctx: spanCtx, tracer: tracer, span: span}
}

func (c *Cycle) Context() context.Context {
	if c == nil {
		return context.Background()
	}
	return c.ctx
}

// RunStep runs fn inside a child span named id.
func (c *Cycle) RunStep(ctx context.Context, id string, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}

	stepID := strings.TrimSpace(id)
	if stepID == "" {
		return fmt.Errorf("run cycle step: step id is required")
	}
	if c == nil || c.tracer == nil {
		return fn(ctx)
	}
	if ctx == nil {
		ctx = c.ctx
	}

	stepCtx, span := c.tracer.Start(ctx, stepID)
	defer span.End()

	if err := fn(stepCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
		return err
	}
	return nil
}

func (c *Cycle) SetActions(n int) {
	if c == nil || c.span == nil {
		return
	}
	c.span.SetAttributes(attribute.Int(ActionsKey, n))
}

func (c *Cycle) SetAttributes(attrs ...attribute.KeyValue) {
	if c == nil || c.span == nil {
		return
	}
	c.span.SetAttributes(attrs...)
}

func (c *Cycle) End(err error) {
	if c == nil || c.span == nil {
		return
	}
	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	}
	c.span.End()
}
