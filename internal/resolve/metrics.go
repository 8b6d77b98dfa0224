package resolve

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/rcliao/memory-mesh/internal/resolve")

var (
	aiMergeAttempts metric.Int64Counter
	aiMergeDegraded metric.Int64Counter
)

func init() {
	var err error
	aiMergeAttempts, err = meter.Int64Counter("memory.aimerge.attempts",
		metric.WithDescription("AI merge provider calls"))
	if err != nil {
		aiMergeAttempts, _ = meter.Int64Counter("memory.aimerge.attempts.fallback")
	}

	aiMergeDegraded, err = meter.Int64Counter("memory.aimerge.degraded",
		metric.WithDescription("AI merges that fell back to keeping the local version"))
	if err != nil {
		aiMergeDegraded, _ = meter.Int64Counter("memory.aimerge.degraded.fallback")
	}
}
