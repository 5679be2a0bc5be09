package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/listing-archiver/internal/config"
)

func TestInitTracerProviderInstallsPropagators(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), config.TelemetryConfig{Version: "1.2.3"})
	require.NoError(t, err)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	require.ElementsMatch(t, []string{"traceparent", "tracestate", "baggage"}, otel.GetTextMapPropagator().Fields())

	ctx, span := otel.Tracer("test").Start(context.Background(), "archive")
	defer span.End()
	require.True(t, span.SpanContext().IsValid())
	carrier := map[string]string{}
	otel.GetTextMapPropagator().Inject(ctx, mapCarrier(carrier))
	require.NotEmpty(t, carrier["traceparent"])
}

type mapCarrier map[string]string

func (c mapCarrier) Get(key string) string { return c[key] }

func (c mapCarrier) Set(key, value string) { c[key] = value }

func (c mapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
