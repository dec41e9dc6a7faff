package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// GovernanceMetrics tracks admission outcomes across the governance
// pipeline: admits and denials per action and reason, plus check
// latency.
type GovernanceMetrics struct {
	meter  metric.Meter
	logger *zap.Logger

	admittedTotal *Counter
	deniedTotal   *Counter
	quotaWarnings *Counter
	checkDuration *Histogram
}

// ErrMeterNil is returned when meter is nil.
var ErrMeterNil = &MetricsError{Op: "NewGovernanceMetrics", Err: "meter cannot be nil"}

// MetricsError describes a metrics initialization failure.
type MetricsError struct {
	Op  string
	Err string
}

func (e *MetricsError) Error() string {
	return e.Op + ": " + e.Err
}

// NewGovernanceMetrics creates the governance metric set on the meter.
func NewGovernanceMetrics(meter metric.Meter, logger *zap.Logger) (*GovernanceMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	gm := &GovernanceMetrics{
		meter:  meter,
		logger: logger,
	}

	var err error
	gm.admittedTotal, err = NewCounter(meter,
		"governance_admitted_total",
		"Total operations admitted by the governance pipeline",
		"{operations}")
	if err != nil {
		return nil, err
	}

	gm.deniedTotal, err = NewCounter(meter,
		"governance_denied_total",
		"Total operations denied by the governance pipeline",
		"{operations}")
	if err != nil {
		return nil, err
	}

	gm.quotaWarnings, err = NewCounter(meter,
		"governance_quota_warnings_total",
		"Total soft-limit warnings issued",
		"{warnings}")
	if err != nil {
		return nil, err
	}

	gm.checkDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "governance_check_duration_seconds",
		Description: "Latency of full admission checks",
		Unit:        "s",
		Boundaries:  HTTPDurationBuckets,
	})
	if err != nil {
		return nil, err
	}

	return gm, nil
}

// RecordAdmitted counts one admitted operation.
func (gm *GovernanceMetrics) RecordAdmitted(ctx context.Context, action string) {
	gm.admittedTotal.Inc(ctx, AttrAction.String(action))
}

// RecordDenied counts one denied operation with its reason.
func (gm *GovernanceMetrics) RecordDenied(ctx context.Context, action, reason string) {
	gm.deniedTotal.Inc(ctx, AttrAction.String(action), AttrReason.String(reason))
}

// RecordQuotaWarning counts one soft-limit warning.
func (gm *GovernanceMetrics) RecordQuotaWarning(ctx context.Context, category string) {
	gm.quotaWarnings.Inc(ctx, AttrCategory.String(category))
}

// RecordCheckDuration records the latency of one admission check.
func (gm *GovernanceMetrics) RecordCheckDuration(ctx context.Context, d time.Duration, action string) {
	gm.checkDuration.RecordDuration(ctx, d, AttrAction.String(action))
}
