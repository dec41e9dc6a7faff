package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

func TestNewGovernanceMetrics(t *testing.T) {
	t.Run("rejects nil meter", func(t *testing.T) {
		_, err := NewGovernanceMetrics(nil, zap.NewNop())
		assert.ErrorIs(t, err, ErrMeterNil)
	})

	t.Run("creates all instruments", func(t *testing.T) {
		gm, err := NewGovernanceMetrics(noop.NewMeterProvider().Meter("test"), nil)
		require.NoError(t, err)
		require.NotNil(t, gm)

		// Recording against a no-op meter must not panic.
		ctx := context.Background()
		gm.RecordAdmitted(ctx, "lead.create")
		gm.RecordDenied(ctx, "lead.create", "RATE_LIMITED")
		gm.RecordQuotaWarning(ctx, "LEADS")
		gm.RecordCheckDuration(ctx, 3*time.Millisecond, "lead.create")
	})
}

func TestMeterProviderDisabled(t *testing.T) {
	mp, err := NewMeterProvider(context.Background(), MetricsConfig{Enabled: false}, zap.NewNop())
	require.NoError(t, err)

	assert.False(t, mp.IsEnabled())
	assert.NotNil(t, mp.Meter("test"))
	assert.NoError(t, mp.ForceFlush(context.Background()))
	assert.NoError(t, mp.Shutdown(context.Background()))
}
