package otelcol

import (
	"context"
	"testing"

	"promotions-ledger/pkg/config"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/fx/fxtest"
)

func TestProvideTracerProvider_Disabled(t *testing.T) {
	lc := fxtest.NewLifecycle(t)

	tp, err := ProvideTracerProvider(lc, &config.Config{})
	require.NoError(t, err)
	require.Equal(t, otel.GetTracerProvider(), tp)
}

func TestResource_CarriesServiceName(t *testing.T) {
	cfg := &config.Config{AppName: "promotions-ledger", AppEnv: "test"}

	res := Resource(cfg)
	found := false
	for _, kv := range res.Attributes() {
		if string(kv.Key) == "service.name" {
			found = true
			require.Equal(t, "promotions-ledger", kv.Value.AsString())
		}
	}
	require.True(t, found)
}

func TestProvideMeterProvider_Disabled(t *testing.T) {
	lc := fxtest.NewLifecycle(t)

	mp, err := ProvideMeterProvider(lc, &config.Config{})
	require.NoError(t, err)
	require.Equal(t, otel.GetMeterProvider(), mp)
}

func TestProvideMetric_ExportsThroughReader(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := ProvideMetric(reader, sdkmetric.WithResource(Resource(&config.Config{AppName: "promotions-ledger"})))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	counter, err := mp.Meter("test").Int64Counter("voucher.applied")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Equal(t, "voucher.applied", rm.ScopeMetrics[0].Metrics[0].Name)

	sum := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	require.Equal(t, int64(3), sum.DataPoints[0].Value)
}
