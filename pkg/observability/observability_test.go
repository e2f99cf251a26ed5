package observability_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/synqualis/synq/pkg/config"
	"github.com/synqualis/synq/pkg/observability"
)

func TestNew_DisabledWithoutEndpoint(t *testing.T) {
	p, err := observability.New(context.Background(), observability.ConfigFrom(&config.Config{}))
	require.NoError(t, err)

	_, done := p.TrackOperation(context.Background(), "guard")
	done(errors.New("boom"))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperation_RecordsSpanAndMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	p, err := observability.NewWithProviders(tp, mp)
	require.NoError(t, err)

	ctx := context.Background()
	_, done := p.TrackOperation(ctx, "route")
	done(nil)
	_, done = p.TrackOperation(ctx, "route")
	done(errors.New("upstream down"))

	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "synq.route", ended[0].Name())
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
	assert.Equal(t, codes.Error, ended[1].Status().Code)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	assert.Equal(t, int64(2), counter(t, rm, "synq.stage.requests"))
	assert.Equal(t, int64(1), counter(t, rm, "synq.stage.errors"))

	hist := find(t, rm, "synq.stage.duration").Data.(metricdata.Histogram[float64])
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)
}

func find(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Metrics {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m
			}
		}
	}
	t.Fatalf("metric %s not collected", name)
	return metricdata.Metrics{}
}

func counter(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	sum, ok := find(t, rm, name).Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}
