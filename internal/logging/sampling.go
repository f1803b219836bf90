package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newSampledCore samples entries below Error. A revision loop that keeps
// failing the same way logs the same lines every iteration; errors always
// pass.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	loud := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel })
	quiet := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l < zapcore.ErrorLevel })

	return zapcore.NewTee(
		bandCore{Core: core, band: loud},
		zapcore.NewSamplerWithOptions(bandCore{Core: core, band: quiet}, cfg.Tick, cfg.Initial, cfg.Thereafter),
	)
}

// bandCore restricts core to the levels band enables.
type bandCore struct {
	zapcore.Core
	band zapcore.LevelEnabler
}

func (c bandCore) Enabled(l zapcore.Level) bool {
	return c.band.Enabled(l) && c.Core.Enabled(l)
}

func (c bandCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.band.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c bandCore) With(fields []zapcore.Field) zapcore.Core {
	return bandCore{Core: c.Core.With(fields), band: c.band}
}
