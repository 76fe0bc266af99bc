// Package metrics emits engine telemetry to CloudWatch. Emission is
// fire-and-forget: a failed put is logged and dropped, never surfaced to the
// scheduling path.
package metrics

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwTypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"growmate/internal/types"
)

// CloudWatchAPI abstracts the PutMetricData operation for testability.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics implements types.EngineMetrics over the CloudWatch
// PutMetricData API.
type CloudWatchMetrics struct {
	client    CloudWatchAPI
	namespace string
	clock     types.Clock
	logger    types.Logger
}

var _ types.EngineMetrics = (*CloudWatchMetrics)(nil)

// NewCloudWatchMetrics creates a metrics emitter publishing under the given
// namespace.
func NewCloudWatchMetrics(client CloudWatchAPI, namespace string, clock types.Clock, logger types.Logger) *CloudWatchMetrics {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		clock:     clock,
		logger:    logger,
	}
}

// RecordDelivery counts a delivery outcome ("sent" or "failed").
func (m *CloudWatchMetrics) RecordDelivery(ctx context.Context, result string) {
	m.put(ctx, "DeliveryCount", 1, cwTypes.StandardUnitCount, map[string]string{
		"Result": result,
	})
}

// RecordEscalation counts an overdue escalation by severity.
func (m *CloudWatchMetrics) RecordEscalation(ctx context.Context, severity types.EscalationSeverity) {
	m.put(ctx, "EscalationCount", 1, cwTypes.StandardUnitCount, map[string]string{
		"Severity": string(severity),
	})
}

// RecordScheduleLatency records end-to-end latency of one schedule call.
func (m *CloudWatchMetrics) RecordScheduleLatency(ctx context.Context, d time.Duration) {
	m.put(ctx, "ScheduleLatency", float64(d.Milliseconds()), cwTypes.StandardUnitMilliseconds, nil)
}

func (m *CloudWatchMetrics) put(ctx context.Context, name string, value float64, unit cwTypes.StandardUnit, dims map[string]string) {
	datum := cwTypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
		Timestamp:  aws.Time(m.clock.Now()),
	}
	for k, v := range dims {
		datum.Dimensions = append(datum.Dimensions, cwTypes.Dimension{
			Name:  aws.String(k),
			Value: aws.String(v),
		})
	}

	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwTypes.MetricDatum{datum},
	})
	if err != nil {
		m.logger.Warn("failed to emit metric",
			"metric", name,
			"error", err.Error(),
		)
	}
}
