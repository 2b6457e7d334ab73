package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Provider exports finished spans to a slog logger.
type Provider struct {
	provider *sdktrace.TracerProvider
}

func NewProvider(log *slog.Logger) *Provider {
	if log == nil {
		log = slog.Default()
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(&logSpanProcessor{log: log}))
	return &Provider{provider: provider}
}

// Install makes p the global tracer provider.
func (p *Provider) Install() {
	if p == nil || p.provider == nil {
		return
	}
	otel.SetTracerProvider(p.provider)
}

func (p *Provider) Tracer(name string) trace.Tracer {
	if p == nil || p.provider == nil {
		return Tracer(name)
	}
	return p.provider.Tracer(name)
}

func (p *Provider) Close() {
	if p == nil || p.provider == nil {
		return
	}
	_ = p.provider.Shutdown(context.Background())
}

type logSpanProcessor struct {
	log *slog.Logger
}

func (p *logSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	if p == nil || p.log == nil {
		return
	}

	attrs := []any{
		"span", span.Name(),
		"duration", span.EndTime().Sub(span.StartTime()),
	}
	for _, kv := range span.Attributes() {
		attrs = append(attrs, string(kv.Key), attributeString(kv))
	}

	status := span.Status()
	if status.Code == codes.Error {
		p.log.Warn("cycle failed", append(attrs, "err", status.Description)...)
		return
	}
	p.log.Debug("cycle done", attrs...)
}

func (p *logSpanProcessor) Shutdown(context.Context) error { return nil }

func (p *logSpanProcessor) ForceFlush(context.Context) error { return nil }

func attributeString(kv attribute.KeyValue) string {
	return kv.Value.Emit()
}
