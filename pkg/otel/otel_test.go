package otel

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("guardian-test")

	if cfg.ServiceName != "guardian-test" {
		t.Errorf("ServiceName = %q", cfg.ServiceName)
	}
	if cfg.CollectorEndpoint == "" || cfg.ServiceVersion == "" {
		t.Errorf("incomplete defaults: %+v", cfg)
	}
	if cfg.SamplingRate != 1.0 {
		t.Errorf("SamplingRate = %v, want 1", cfg.SamplingRate)
	}
}

func TestSamplerFor(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{-1, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		desc := SamplerFor(tt.rate).Description()
		if !strings.Contains(desc, "ParentBased") || !strings.Contains(desc, "root:"+tt.want) {
			t.Errorf("SamplerFor(%v) = %s, want root %s", tt.rate, desc, tt.want)
		}
	}
}

func TestProblemAttributes(t *testing.T) {
	attrs := ProblemAttributes("p-1", "ski_rental", "user-9")
	if len(attrs) != 3 {
		t.Fatalf("Expected 3 attributes with userID, got %d", len(attrs))
	}
	if attrs[0].Key != AttrProblemID || attrs[0].Value.AsString() != "p-1" {
		t.Errorf("problem id attribute = %v", attrs[0])
	}

	attrs = ProblemAttributes("p-1", "ski_rental", "")
	if len(attrs) != 2 {
		t.Errorf("Expected 2 attributes without userID, got %d", len(attrs))
	}
}

func TestDecisionAttributes(t *testing.T) {
	attrs := DecisionAttributes("commit", 2.0, 0.8, 50, false)
	if len(attrs) != 5 {
		t.Fatalf("Expected 5 attributes, got %d", len(attrs))
	}
	if attrs[3].Value.AsInt64() != 50 {
		t.Errorf("step attribute = %d, want 50", attrs[3].Value.AsInt64())
	}
}

func TestForecastAndOutcomeAttributes(t *testing.T) {
	if got := len(ForecastAttributes(720, 50)); got != 2 {
		t.Errorf("Expected 2 forecast attributes, got %d", got)
	}
	if got := len(OutcomeAttributes(500, 450)); got != 2 {
		t.Errorf("Expected 2 outcome attributes, got %d", got)
	}
}

func TestStartSpanRecordsAttributesAndErrors(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	_, span := StartSpan(context.Background(), TracerEngine, "engine.decide",
		attribute.String("test.key", "test.value"),
	)
	AddEvent(span, "forecast.fallback", AttrDegraded.Bool(true))
	RecordError(span, errors.New("boom"), "decide failed")
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("Expected 1 ended span, got %d", len(ended))
	}
	s := ended[0]
	if s.Name() != "engine.decide" {
		t.Errorf("span name = %q", s.Name())
	}
	if s.Status().Code != codes.Error {
		t.Errorf("span status = %v, want Error", s.Status().Code)
	}
	if len(s.Events()) != 2 {
		t.Errorf("Expected 2 events (fallback + exception), got %d", len(s.Events()))
	}
}

func TestNilSafety(t *testing.T) {
	RecordError(nil, errors.New("x"), "")
	AddEvent(nil, "x")
	if err := Shutdown(context.Background(), nil); err != nil {
		t.Errorf("Shutdown(nil) = %v", err)
	}
}
