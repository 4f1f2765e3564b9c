// Package metrics emits pipeline counters to CloudWatch. Emission is
// best-effort: a metrics failure is logged and never fails the operation
// that produced it.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwTypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

const namespace = "Wellwisher/Pipeline"

// PipelineMetrics is the recorder interface the pipeline components use.
type PipelineMetrics interface {
	// Count records a unitless counter increment with optional dimensions
	// given as alternating name/value pairs.
	Count(ctx context.Context, name string, value float64, dims ...string)

	// Duration records a timing in milliseconds.
	Duration(ctx context.Context, name string, d time.Duration, dims ...string)
}

// CloudWatchAPI is the subset of the CloudWatch client used here.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Recorder publishes metrics to CloudWatch with an environment dimension.
type Recorder struct {
	client      CloudWatchAPI
	environment string
	logger      *slog.Logger
}

// NewRecorder creates a CloudWatch-backed recorder.
func NewRecorder(client CloudWatchAPI, environment string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{client: client, environment: environment, logger: logger}
}

// Count implements PipelineMetrics.
func (r *Recorder) Count(ctx context.Context, name string, value float64, dims ...string) {
	r.put(ctx, name, value, cwTypes.StandardUnitCount, dims)
}

// Duration implements PipelineMetrics.
func (r *Recorder) Duration(ctx context.Context, name string, d time.Duration, dims ...string) {
	r.put(ctx, name, float64(d.Milliseconds()), cwTypes.StandardUnitMilliseconds, dims)
}

func (r *Recorder) put(ctx context.Context, name string, value float64, unit cwTypes.StandardUnit, dims []string) {
	dimensions := []cwTypes.Dimension{
		{Name: aws.String("Environment"), Value: aws.String(r.environment)},
	}
	for i := 0; i+1 < len(dims); i += 2 {
		dimensions = append(dimensions, cwTypes.Dimension{
			Name:  aws.String(dims[i]),
			Value: aws.String(dims[i+1]),
		})
	}

	_, err := r.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(namespace),
		MetricData: []cwTypes.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(value),
				Unit:       unit,
				Timestamp:  aws.Time(time.Now().UTC()),
				Dimensions: dimensions,
			},
		},
	})
	if err != nil {
		r.logger.WarnContext(ctx, "failed to publish metric",
			"metric", name,
			"error", err,
		)
	}
}

// Noop discards all metrics. Used in tests and local development where no
// CloudWatch endpoint is available.
type Noop struct{}

// Count implements PipelineMetrics.
func (Noop) Count(ctx context.Context, name string, value float64, dims ...string) {}

// Duration implements PipelineMetrics.
func (Noop) Duration(ctx context.Context, name string, d time.Duration, dims ...string) {}

var (
	_ PipelineMetrics = (*Recorder)(nil)
	_ PipelineMetrics = Noop{}
)
