package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestContextFields_Trace(t *testing.T) {
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(tracetest.NewInMemoryExporter()))
	ctx, span := provider.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	keys := map[string]bool{}
	for _, f := range ContextFields(ctx) {
		keys[f.Key] = true
	}
	assert.True(t, keys["trace_id"])
	assert.True(t, keys["span_id"])
}

func TestContextFields_SessionAndAgent(t *testing.T) {
	ctx := WithSessionID(context.Background(), "sess-42")
	ctx = WithAgent(ctx, "planner", 1)

	fields := ContextFields(ctx)
	require.Len(t, fields, 3)
	assert.Equal(t, "session.id", fields[0].Key)
	assert.Equal(t, "sess-42", fields[0].String)
	assert.Equal(t, "planner", fields[1].String)
	assert.EqualValues(t, 1, fields[2].Integer)
	assert.Equal(t, "sess-42", SessionIDFromContext(ctx))
}

func TestWithAgent_DoesNotLeakToParent(t *testing.T) {
	parent := WithAgent(WithSessionID(context.Background(), "s1"), "supervisor", 2)
	child := WithAgent(parent, "coder", 2)

	assert.Equal(t, "coder", ContextFields(child)[1].String)
	assert.Equal(t, "supervisor", ContextFields(parent)[1].String)
	assert.Equal(t, "s1", SessionIDFromContext(child))
}

func TestValidateSessionID(t *testing.T) {
	assert.NoError(t, ValidateSessionID("6f1c_run-2"))
	for _, id := range []string{"", "has space", "slash/id", "naïve", strings.Repeat("a", maxSessionIDLen+1)} {
		assert.Error(t, ValidateSessionID(id), id)
		assert.Panics(t, func() { WithSessionID(context.Background(), id) }, id)
	}
}
