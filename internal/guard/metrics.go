package guard

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rcliao/memory-mesh/internal/model"
)

const instrumentationName = "github.com/rcliao/memory-mesh/internal/guard"

var (
	tracer = otel.Tracer(instrumentationName)
	meter  = otel.Meter(instrumentationName)
)

var (
	conflictsDetected metric.Int64Counter
	conflictsResolved metric.Int64Counter
	contextMinted     metric.Int64Counter
	contextBlocked    metric.Int64Counter
)

func init() {
	var err error
	conflictsDetected, err = meter.Int64Counter("memory.conflicts.detected",
		metric.WithDescription("Conflict records created"))
	if err != nil {
		conflictsDetected, _ = meter.Int64Counter("memory.conflicts.detected.fallback")
	}

	conflictsResolved, err = meter.Int64Counter("memory.conflicts.resolved",
		metric.WithDescription("Conflict records resolved, by applied policy"))
	if err != nil {
		conflictsResolved, _ = meter.Int64Counter("memory.conflicts.resolved.fallback")
	}

	contextMinted, err = meter.Int64Counter("memory.context.minted",
		metric.WithDescription("Memory contexts handed to tasks"))
	if err != nil {
		contextMinted, _ = meter.Int64Counter("memory.context.minted.fallback")
	}

	contextBlocked, err = meter.Int64Counter("memory.context.blocked",
		metric.WithDescription("Memory contexts refused because of open conflicts"))
	if err != nil {
		contextBlocked, _ = meter.Int64Counter("memory.context.blocked.fallback")
	}
}

func metricAttrs(kind model.ChoiceKind) metric.AddOption {
	return metric.WithAttributes(attribute.String("policy", kind.String()))
}
