package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ReplicationMetrics holds pull/push protocol metrics
type ReplicationMetrics struct {
	pullCounter   metric.Int64Counter
	pullBatchSize metric.Int64Histogram
	pushCounter   metric.Int64Counter
	pushAccepted  metric.Int64Counter
	pushConflicts metric.Int64Counter
}

// NewReplicationMetrics creates replication metric instruments
func NewReplicationMetrics() (*ReplicationMetrics, error) {
	meter := otel.Meter(instrumentationName)

	pullCounter, err := meter.Int64Counter(
		"replication.pull.request_count",
		metric.WithDescription("Total number of pull requests"),
		metric.WithUnit("{requests}"),
	)
	if err != nil {
		return nil, err
	}

	pullBatchSize, err := meter.Int64Histogram(
		"replication.pull.batch_size",
		metric.WithDescription("Documents returned per pull"),
		metric.WithUnit("{documents}"),
	)
	if err != nil {
		return nil, err
	}

	pushCounter, err := meter.Int64Counter(
		"replication.push.request_count",
		metric.WithDescription("Total number of push requests"),
		metric.WithUnit("{requests}"),
	)
	if err != nil {
		return nil, err
	}

	pushAccepted, err := meter.Int64Counter(
		"replication.push.accepted_rows",
		metric.WithDescription("Push rows committed"),
		metric.WithUnit("{documents}"),
	)
	if err != nil {
		return nil, err
	}

	pushConflicts, err := meter.Int64Counter(
		"replication.push.conflict_rows",
		metric.WithDescription("Push rows rejected as conflicts"),
		metric.WithUnit("{documents}"),
	)
	if err != nil {
		return nil, err
	}

	return &ReplicationMetrics{
		pullCounter:   pullCounter,
		pullBatchSize: pullBatchSize,
		pushCounter:   pushCounter,
		pushAccepted:  pushAccepted,
		pushConflicts: pushConflicts,
	}, nil
}

// RecordPull records one pull request
func (m *ReplicationMetrics) RecordPull(ctx context.Context, collection string, returned int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("collection", collection))
	m.pullCounter.Add(ctx, 1, attrs)
	m.pullBatchSize.Record(ctx, int64(returned), attrs)
}

// RecordPush records one push request
func (m *ReplicationMetrics) RecordPush(ctx context.Context, collection string, accepted, conflicts int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("collection", collection))
	m.pushCounter.Add(ctx, 1, attrs)
	m.pushAccepted.Add(ctx, int64(accepted), attrs)
	m.pushConflicts.Add(ctx, int64(conflicts), attrs)
}
