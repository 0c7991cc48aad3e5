package giftcard

import (
	"context"
	"testing"
	"time"

	"promotions-ledger/pkg/sequence"
	"promotions-ledger/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/crypto/bcrypt"
)

func counterValue(t *testing.T, reader sdkmetric.Reader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestMetrics_IssuedAndRedeemed(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	db := testutil.NewTestDB(t, Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParams{
		DB:        db,
		Node:      node,
		Generator: sequence.NewCryptoGenerator(6, bcrypt.MinCost),
		Meter:     sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	})
	svc.now = func() time.Time { return fixedNow }

	tmpl := seedTemplate(t, svc, "100")
	card, pin := issueActive(t, svc, tmpl, "user-1")
	require.Equal(t, int64(1), counterValue(t, reader, "giftcard.issued"))

	ctx := context.Background()
	_, err = svc.Redeem(ctx, redeemReq(card, pin, "30", "ORD-1"))
	require.NoError(t, err)
	_, err = svc.Redeem(ctx, redeemReq(card, pin, "30", "ORD-1"))
	require.NoError(t, err)
	require.Equal(t, int64(1), counterValue(t, reader, "giftcard.redeemed"))
}
