// Package logging provides structured logging for devcrew on top of Zap.
//
// Loggers are context-aware: every method takes a context.Context and adds the
// trace, session, agent node and turn found there, so a single session's run
// can be followed across the supervisor and specialist nodes:
//
//	ctx = logging.WithSessionID(ctx, "sess_123")
//	ctx = logging.WithAgent(ctx, "coder", 4)
//	logger.Info(ctx, "specialist finished", zap.Int("tool_calls", 3))
//
// Output can go to stdout, to the OpenTelemetry log pipeline, or both.
// Stdout output passes through a redacting encoder, which masks sensitive keys and
// token-shaped values. Below Error, entries are sampled; errors never are.
//
// Tests use NewTestLogger and its Assert helpers.
package logging
