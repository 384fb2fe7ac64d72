package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/config"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/types"
)

func TestNew_DisabledIsNoop(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{Enabled: false})
	require.NoError(t, err)
	assert.IsType(t, &noopTelemetry{}, tel)

	ctx := context.Background()
	tel.RecordBruteforce(ctx, "HS256", "found", 3, time.Second)
	tel.RecordProbe(ctx, "json_post", "data")
	tel.RecordFinding(ctx, types.SeverityHigh)
	assert.NoError(t, tel.Close())
}

func TestNew_UnsupportedExporter(t *testing.T) {
	_, err := New(context.Background(), config.TelemetryConfig{
		Enabled:      true,
		ServiceName:  "gqlcrack",
		ExporterType: "carrier-pigeon",
		SampleRate:   1,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported exporter type")
}

func TestInstruments(t *testing.T) {
	tel, err := newInstruments(noop.NewMeterProvider().Meter("test"), nil)
	require.NoError(t, err)

	ctx := context.Background()
	tel.RecordBruteforce(ctx, "HS512", "exhausted", 1000, 2*time.Second)
	tel.RecordProbe(ctx, "get_query", "unreachable")
	tel.RecordFinding(ctx, types.SeverityCritical)
	assert.NoError(t, tel.Close())
}
