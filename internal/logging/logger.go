package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"syscall"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const instrumentationName = "github.com/fyrsmithlabs/devcrew"

// stdout is swapped in tests.
var stdout io.Writer = os.Stdout

// Logger is a zap logger whose methods take a context and prepend the
// session, agent and trace fields found in it.
type Logger struct {
	zap *zap.Logger
}

// NewLogger builds a logger from cfg. A nil otelProvider turns the OTEL sink
// off even when cfg asks for it.
func NewLogger(cfg *Config, otelProvider log.LoggerProvider) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	core, err := buildCore(cfg, otelProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create core: %w", err)
	}

	opts := []zap.Option{zap.AddStacktrace(cfg.Stacktrace)}
	if cfg.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(2))
	}

	keys := make([]string, 0, len(cfg.Fields))
	for k := range cfg.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	constant := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		constant = append(constant, zap.String(k, cfg.Fields[k]))
	}

	return &Logger{zap: zap.New(core, opts...).With(constant...)}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger { return &Logger{zap: zap.NewNop()} }

// NewFromZap wraps an existing zap logger.
func NewFromZap(z *zap.Logger) *Logger { return &Logger{zap: z} }

// buildCore tees the stdout and OTEL sinks and applies sampling on top.
func buildCore(cfg *Config, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	var cores []zapcore.Core

	if cfg.Output.Stdout {
		enc, err := newRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, fmt.Errorf("failed to create redacting encoder: %w", err)
		}
		w := cfg.Output.Writer
		if w == nil {
			w = stdout
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(w), cfg.Level))
	}
	if cfg.Output.OTEL && otelProvider != nil {
		cores = append(cores, otelzap.NewCore(instrumentationName, otelzap.WithLoggerProvider(otelProvider)))
	}

	switch len(cores) {
	case 0:
		return nil, errors.New("at least one output must be enabled and available")
	case 1:
		return newSampledCore(cores[0], cfg.Sampling), nil
	default:
		return newSampledCore(zapcore.NewTee(cores...), cfg.Sampling), nil
	}
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		if l == TraceLevel {
			enc.AppendString("trace")
			return
		}
		zapcore.LowercaseLevelEncoder(l, enc)
	}
	if format == "console" {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

func (l *Logger) write(ctx context.Context, lvl zapcore.Level, msg string, fields []zap.Field) {
	ce := l.zap.Check(lvl, msg)
	if ce == nil {
		return
	}
	ce.Write(append(ContextFields(ctx), fields...)...)
}

func (l *Logger) Trace(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, TraceLevel, msg, fields)
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, zapcore.DebugLevel, msg, fields)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, zapcore.InfoLevel, msg, fields)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, zapcore.WarnLevel, msg, fields)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, zapcore.ErrorLevel, msg, fields)
}

// With returns a child logger carrying fields.
func (l *Logger) With(fields ...zap.Field) *Logger { return &Logger{zap: l.zap.With(fields...)} }

// Named returns a child logger with name appended to the logger name.
func (l *Logger) Named(name string) *Logger { return &Logger{zap: l.zap.Named(name)} }

// Underlying returns the zap logger for packages that take one directly.
func (l *Logger) Underlying() *zap.Logger { return l.zap }

// Sync flushes buffered entries. Terminals and pipes reject fsync with
// EINVAL or ENOTTY; those are not failures.
func (l *Logger) Sync() error {
	err := l.zap.Sync()
	var errno syscall.Errno
	if errors.As(err, &errno) && (errno == syscall.EINVAL || errno == syscall.ENOTTY) {
		return nil
	}
	return err
}
