package tracing

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestNewFileExporter_AppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"existing":"data"}`+"\n"), 0o600))

	exp, err := NewFileExporter(path)
	require.NoError(t, err)

	start := time.Now()
	stub := tracetest.SpanStub{Name: "coordinator.start", StartTime: start, EndTime: start.Add(50 * time.Millisecond)}
	require.NoError(t, exp.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}))
	require.NoError(t, exp.Shutdown(context.Background()))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[1], `"name":"coordinator.start"`)
	require.Contains(t, lines[1], `"duration_ms":50`)
}

func TestFileExporter_ExportAfterShutdown(t *testing.T) {
	exp, err := NewFileExporter(filepath.Join(t.TempDir(), "t.jsonl"))
	require.NoError(t, err)
	require.NoError(t, exp.Shutdown(context.Background()))
	require.NoError(t, exp.Shutdown(context.Background()))

	stub := tracetest.SpanStub{Name: "late"}
	require.NoError(t, exp.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}))
}

func TestNewSpanRecord(t *testing.T) {
	traceID := trace.TraceID{1}
	parent := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: trace.SpanID{2}})
	self := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: trace.SpanID{3}})

	now := time.Now()
	stub := tracetest.SpanStub{
		Name:        "coordinator.send",
		SpanContext: self,
		Parent:      parent,
		StartTime:   now,
		EndTime:     now.Add(time.Millisecond),
		Status:      sdktrace.Status{Code: codes.Error, Description: "unknown target"},
		Attributes:  []attribute.KeyValue{attribute.Int(AttrProcessID, 4)},
		Events: []sdktrace.Event{{
			Name:       EventTargetResolved,
			Time:       now,
			Attributes: []attribute.KeyValue{attribute.String(AttrTarget, "w")},
		}},
	}

	rec := newSpanRecord(stub.Snapshot())
	require.Equal(t, traceID.String(), rec.TraceID)
	require.Equal(t, parent.SpanID().String(), rec.ParentID)
	require.Equal(t, "ERROR", rec.Status)
	require.Equal(t, "unknown target", rec.StatusMsg)
	require.Equal(t, int64(4), rec.Attributes[AttrProcessID])
	require.Len(t, rec.Events, 1)
	require.Equal(t, "w", rec.Events[0].Attributes[AttrTarget])
	require.Equal(t, 1.0, rec.DurationMs)
}
