package tracing

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/libagent/pkg/models"
)

// OTelExporter replays finished sessions as OpenTelemetry spans, keeping
// the recorded timestamps.
type OTelExporter struct {
	tracer trace.Tracer
}

// NewOTelExporter exports through tracer.
func NewOTelExporter(tracer trace.Tracer) *OTelExporter {
	return &OTelExporter{tracer: tracer}
}

// Export implements Exporter.
func (e *OTelExporter) Export(ctx context.Context, t *models.AgentTrace) error {
	ctx, root := e.tracer.Start(ctx, "agent.session",
		trace.WithTimestamp(t.StartTime),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("session.id", t.SessionID),
			attribute.String("conversation.id", t.ConversationID),
			attribute.String("agent.outcome", string(t.Outcome)),
			attribute.Int("agent.iterations", len(t.Iterations)),
			attribute.Int("agent.tool_calls", t.TotalToolCalls),
			attribute.Int("agent.failed_tool_calls", t.FailedToolCalls),
		))
	if !t.FinalSuccess {
		root.SetStatus(codes.Error, string(t.Outcome))
	}

	for _, iter := range t.Iterations {
		iterCtx, span := e.tracer.Start(ctx, "agent.iteration "+strconv.Itoa(iter.Index),
			trace.WithTimestamp(iter.StartTime),
			trace.WithAttributes(attribute.Int("agent.iteration", iter.Index)))
		for _, ts := range iter.ToolSpans {
			_, toolSpan := e.tracer.Start(iterCtx, "tool."+ts.ToolName,
				trace.WithTimestamp(ts.StartTime),
				trace.WithAttributes(
					attribute.String("tool.name", ts.ToolName),
					attribute.String("tool.call_id", ts.ToolCallID),
					attribute.Int("tool.attempt", ts.Attempt),
				))
			if ts.Result != nil && !ts.Result.Success {
				toolSpan.SetStatus(codes.Error, ts.Result.Error)
			}
			toolSpan.End(trace.WithTimestamp(endOr(ts.EndTime, ts.StartTime)))
		}
		span.End(trace.WithTimestamp(endOr(iter.EndTime, iter.StartTime)))
	}

	root.End(trace.WithTimestamp(endOr(t.EndTime, t.StartTime)))
	return nil
}

func endOr(end, start time.Time) time.Time {
	if end.IsZero() {
		return start
	}
	return end
}
