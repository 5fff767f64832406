package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

func TestInitExportsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	p, err := Init(context.Background(), Config{ServiceName: "sitecrawler", Version: "test", SampleRatio: 1}, exporter)
	require.NoError(t, err)

	ctx, span := otel.Tracer("test").Start(context.Background(), "work")
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Contains(t, carrier, "traceparent")
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "work", spans[0].Name)
	assert.Contains(t, spans[0].Resource.Attributes(), semconv.ServiceName("sitecrawler"))
}

func TestInitSamplesNothingAtZero(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	p, err := Init(context.Background(), Config{ServiceName: "sitecrawler"}, exporter)
	require.NoError(t, err)

	_, span := p.TracerProvider().Tracer("test").Start(context.Background(), "dropped")
	assert.False(t, span.SpanContext().IsSampled())
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Empty(t, exporter.GetSpans())
}

func TestInitRejectsBadRatio(t *testing.T) {
	_, err := Init(context.Background(), Config{SampleRatio: 1.5})
	require.Error(t, err)
}

func TestNilProviderShutdown(t *testing.T) {
	var p *Provider
	require.NoError(t, p.Shutdown(context.Background()))
}
