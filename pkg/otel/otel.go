// Package otel wires OpenTelemetry tracing for the decision service and
// holds the span attribute vocabulary shared by the engine, forecast adapter
// and tracker.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer names, one per component.
const (
	TracerEngine   = "guardian/engine"
	TracerForecast = "guardian/forecast"
	TracerTracker  = "guardian/tracker"
)

const shutdownTimeout = 10 * time.Second

type Config struct {
	ServiceName       string
	ServiceVersion    string
	Environment       string
	CollectorEndpoint string
	CollectorInsecure bool
	// SamplingRate is the fraction of root spans kept. Child spans follow
	// their parent.
	SamplingRate float64
	SpanLimit    int // max events and attributes per span
}

func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:       serviceName,
		ServiceVersion:    "0.1.0",
		Environment:       "production",
		CollectorEndpoint: "localhost:4317",
		CollectorInsecure: true,
		SamplingRate:      1.0,
		SpanLimit:         128,
	}
}

// InitTracer exports spans over OTLP/gRPC and installs the provider and a
// W3C trace-context propagator globally. Callers must Shutdown the returned
// provider to flush buffered spans.
func InitTracer(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "guardian"
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.CollectorEndpoint)}
	if cfg.CollectorInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	limits := sdktrace.NewSpanLimits()
	if cfg.SpanLimit > 0 {
		limits.EventCountLimit = cfg.SpanLimit
		limits.AttributeCountLimit = cfg.SpanLimit
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(SamplerFor(cfg.SamplingRate)),
		sdktrace.WithSpanLimits(limits),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

// SamplerFor maps a sampling rate onto a parent-based sampler. Rates at or
// outside the bounds collapse to always/never.
func SamplerFor(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case rate >= 1:
		root = sdktrace.AlwaysSample()
	case rate <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

// Shutdown flushes tp, giving up after ten seconds. nil is a no-op.
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return tp.Shutdown(ctx)
}

func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError marks span failed. message, when set, is attached to the
// exception event.
func RecordError(span trace.Span, err error, message string) {
	if span == nil || err == nil {
		return
	}
	var opts []trace.EventOption
	if message != "" {
		opts = append(opts, trace.WithAttributes(attribute.String("error.message", message)))
	}
	span.RecordError(err, opts...)
	span.SetStatus(codes.Error, err.Error())
}

func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

const (
	AttrProblemID   = attribute.Key("problem.id")
	AttrProblemType = attribute.Key("problem.type")
	AttrUserID      = attribute.Key("user.id")

	AttrAction     = attribute.Key("decision.action")
	AttrGuarantee  = attribute.Key("decision.guarantee")
	AttrTrustLevel = attribute.Key("decision.trust_level")
	AttrStep       = attribute.Key("decision.step")
	AttrDegraded   = attribute.Key("decision.degraded")

	AttrPrediction  = attribute.Key("forecast.prediction")
	AttrUncertainty = attribute.Key("forecast.uncertainty")
	AttrHistoryLen  = attribute.Key("forecast.history_len")

	AttrAlgorithmCost = attribute.Key("outcome.algorithm_cost")
	AttrOptimalCost   = attribute.Key("outcome.optimal_cost")
)

// ProblemAttributes omits user.id when userID is empty.
func ProblemAttributes(problemID, problemType, userID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrProblemID.String(problemID), AttrProblemType.String(problemType)}
	if userID != "" {
		attrs = append(attrs, AttrUserID.String(userID))
	}
	return attrs
}

func DecisionAttributes(action string, guarantee, trust float64, step int64, degraded bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAction.String(action),
		AttrGuarantee.Float64(guarantee),
		AttrTrustLevel.Float64(trust),
		AttrStep.Int64(step),
		AttrDegraded.Bool(degraded),
	}
}

func ForecastAttributes(prediction, uncertainty float64) []attribute.KeyValue {
	return []attribute.KeyValue{AttrPrediction.Float64(prediction), AttrUncertainty.Float64(uncertainty)}
}

func OutcomeAttributes(algorithmCost, optimalCost float64) []attribute.KeyValue {
	return []attribute.KeyValue{AttrAlgorithmCost.Float64(algorithmCost), AttrOptimalCost.Float64(optimalCost)}
}
