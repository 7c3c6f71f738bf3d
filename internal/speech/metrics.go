package speech

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName scopes the tracer and meter of the speech controller.
const InstrumentationName = "github.com/loqalabs/loqa-speech/speech"

// MetricSessionDuration is the listening-time histogram, in seconds.
const MetricSessionDuration = "loqa.speech.session.duration"

// SessionDurationBuckets covers a short command through a long dictation.
var SessionDurationBuckets = []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

type instruments struct {
	started  metric.Int64Counter
	rejected metric.Int64Counter
	events   metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
}

func newInstruments(log *slog.Logger) *instruments {
	meter := otel.Meter(InstrumentationName)
	ins := &instruments{}
	var err error
	if ins.started, err = meter.Int64Counter("loqa.speech.sessions.started",
		metric.WithDescription("Recognition sessions that reached listening")); err != nil {
		log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if ins.rejected, err = meter.Int64Counter("loqa.speech.sessions.rejected",
		metric.WithDescription("Start attempts that returned false, by reason")); err != nil {
		log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if ins.events, err = meter.Int64Counter("loqa.speech.events",
		metric.WithDescription("Recognition events delivered to the event stream")); err != nil {
		log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if ins.errors, err = meter.Int64Counter("loqa.speech.errors",
		metric.WithDescription("Recognition errors by engine code")); err != nil {
		log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if ins.duration, err = meter.Float64Histogram(MetricSessionDuration,
		metric.WithDescription("Listening time per session"), metric.WithUnit("s")); err != nil {
		log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	return ins
}

func (i *instruments) sessionStarted(ctx context.Context, engine string) {
	if i.started != nil {
		i.started.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", engine)))
	}
}

func (i *instruments) startRejected(ctx context.Context, engine string, outcome Outcome) {
	if i.rejected != nil {
		i.rejected.Add(ctx, 1, metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.String("reason", outcome.String()),
		))
	}
}

func (i *instruments) eventDelivered(ctx context.Context, engine string, final bool) {
	if i.events != nil {
		i.events.Add(ctx, 1, metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.Bool("final", final),
		))
	}
}

func (i *instruments) errorDelivered(ctx context.Context, engine string, code int) {
	if i.errors != nil {
		i.errors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.Int("code", code),
		))
	}
}

func (i *instruments) sessionEnded(ctx context.Context, engine string, seconds float64) {
	if i.duration != nil {
		i.duration.Record(ctx, seconds, metric.WithAttributes(attribute.String("engine", engine)))
	}
}
