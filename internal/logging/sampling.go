package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore thins entries below Error. Error and above bypass the
// sampler so failures are never dropped.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	chatty := bandCore{Core: core, allow: func(l zapcore.Level) bool { return l < zapcore.ErrorLevel }}
	severe := bandCore{Core: core, allow: func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel }}
	return zapcore.NewTee(
		severe,
		zapcore.NewSamplerWithOptions(chatty, cfg.Tick, cfg.Initial, cfg.Thereafter),
	)
}

// bandCore passes only the levels allow accepts.
type bandCore struct {
	zapcore.Core
	allow func(zapcore.Level) bool
}

func (c bandCore) Enabled(l zapcore.Level) bool {
	return c.allow(l) && c.Core.Enabled(l)
}

func (c bandCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.allow(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c bandCore) With(fields []zapcore.Field) zapcore.Core {
	return bandCore{Core: c.Core.With(fields), allow: c.allow}
}
