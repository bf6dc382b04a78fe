package renewal

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"renewalhub/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchRunMetrics implements RunMetrics by emitting per-run counters to
// AWS CloudWatch.
//
// Metrics emitted, all with a Status dimension (success/failed):
//   - MembersProcessed, MembersNotified, MembersDeactivated, MemberErrors
//   - RunDuration (milliseconds)
//
// Emission failures are logged and swallowed; metrics never fail a run.
type CloudWatchRunMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// Compile-time assertion that CloudWatchRunMetrics implements RunMetrics.
var _ RunMetrics = (*CloudWatchRunMetrics)(nil)

// NewCloudWatchRunMetrics creates a metrics emitter publishing to the given
// CloudWatch namespace.
func NewCloudWatchRunMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchRunMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchRunMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordRun emits the run's aggregate counters and duration.
func (m *CloudWatchRunMetrics) RecordRun(ctx context.Context, result *types.ProcessingResult, duration time.Duration) {
	statusDim := cwtypes.Dimension{
		Name:  aws.String("Status"),
		Value: aws.String(string(result.Status)),
	}

	counter := func(name string, value int) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Value:      aws.Float64(float64(value)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{statusDim},
		}
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			counter("MembersProcessed", result.Processed),
			counter("MembersNotified", result.Notified),
			counter("MembersDeactivated", result.Deactivated),
			counter("MemberErrors", result.ErrorCount()),
			{
				MetricName: aws.String("RunDuration"),
				Value:      aws.Float64(float64(duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: []cwtypes.Dimension{statusDim},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to emit run metrics",
			"run_id", result.RunID,
			"error", err,
		)
	}
}
