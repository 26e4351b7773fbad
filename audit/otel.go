package audit

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// otelAttributes converts a span's resource and attribute map into OTEL
// attributes. Unsupported value types are stringified.
func otelAttributes(res Resource, attrs map[string]any) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs)+3)
	kvs = append(kvs,
		attribute.String("resource.kind", string(res.Kind)),
		attribute.String("resource.id", res.ID),
	)
	if res.Name != "" {
		kvs = append(kvs, attribute.String("resource.name", res.Name))
	}
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			kvs = append(kvs, attribute.String(k, val))
		case int:
			kvs = append(kvs, attribute.Int(k, val))
		case int64:
			kvs = append(kvs, attribute.Int64(k, val))
		case float64:
			kvs = append(kvs, attribute.Float64(k, val))
		case bool:
			kvs = append(kvs, attribute.Bool(k, val))
		default:
			kvs = append(kvs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	return kvs
}

func finishOtelSpan(span trace.Span, state string, end time.Time) {
	switch state {
	case "failed":
		span.SetStatus(codes.Error, state)
	default:
		span.SetStatus(codes.Ok, state)
	}
	if state != "" {
		span.SetAttributes(attribute.String(AttrState, state))
	}
	span.End(trace.WithTimestamp(end))
}
