package logging

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// scope is the per-session correlation carried in a context. Each With*
// call stores a modified copy, so parents never see a child's node.
type scope struct {
	session string
	node    string
	turn    int
	hasNode bool
}

type scopeKey struct{}

func scopeFrom(ctx context.Context) scope {
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

// ContextFields returns the trace, session and agent fields found in ctx.
func ContextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	s := scopeFrom(ctx)
	if s.session != "" {
		fields = append(fields, zap.String("session.id", s.session))
	}
	if s.hasNode {
		fields = append(fields, zap.String("agent.node", s.node), zap.Int("agent.turn", s.turn))
	}
	return fields
}

const maxSessionIDLen = 128

// ValidateSessionID reports whether id is accepted by WithSessionID: 1 to 128
// ASCII letters, digits, hyphens or underscores.
func ValidateSessionID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("session id cannot be empty")
	case len(id) > maxSessionIDLen:
		return fmt.Errorf("session id exceeds max length %d", maxSessionIDLen)
	}
	if i := strings.IndexFunc(id, func(r rune) bool {
		return r > unicode.MaxASCII || !(r == '-' || r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r))
	}); i >= 0 {
		return fmt.Errorf("session id has invalid character %q at %d (want letters, digits, '-' or '_')", id[i], i)
	}
	return nil
}

// WithSessionID tags ctx with a session ID. It panics on an ID that
// ValidateSessionID rejects; callers validate user input first.
func WithSessionID(ctx context.Context, id string) context.Context {
	if err := ValidateSessionID(id); err != nil {
		panic("logging: " + err.Error())
	}
	s := scopeFrom(ctx)
	s.session = id
	return context.WithValue(ctx, scopeKey{}, s)
}

// SessionIDFromContext returns the session ID set by WithSessionID.
func SessionIDFromContext(ctx context.Context) string {
	return scopeFrom(ctx).session
}

// WithAgent records the graph node currently executing and the supervisor turn.
func WithAgent(ctx context.Context, node string, turn int) context.Context {
	s := scopeFrom(ctx)
	s.node, s.turn, s.hasNode = node, turn, true
	return context.WithValue(ctx, scopeKey{}, s)
}
