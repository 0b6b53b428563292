package logger

import (
	"fmt"

	"github.com/pion/logging"
	"go.uber.org/zap"
)

// PionFactory routes pion's scoped loggers into zap. Pion's trace level is
// folded into debug.
type PionFactory struct {
	Base *zap.Logger
}

// NewPionFactory returns a factory writing through base, or the global
// logger when base is nil.
func NewPionFactory(base *zap.Logger) *PionFactory {
	if base == nil {
		if Lg == nil {
			initDefaultLogger()
		}
		base = Lg
	}
	return &PionFactory{Base: base}
}

// NewLogger implements logging.LoggerFactory.
func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{l: f.Base.WithOptions(zap.AddCallerSkip(1)).With(zap.String("pion", scope)).Sugar()}
}

type pionLogger struct {
	l *zap.SugaredLogger
}

func (p *pionLogger) Trace(msg string)                          { p.l.Debug(msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) { p.l.Debug(fmt.Sprintf(format, args...)) }
func (p *pionLogger) Debug(msg string)                          { p.l.Debug(msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) { p.l.Debugf(format, args...) }
func (p *pionLogger) Info(msg string)                           { p.l.Info(msg) }
func (p *pionLogger) Infof(format string, args ...interface{})  { p.l.Infof(format, args...) }
func (p *pionLogger) Warn(msg string)                           { p.l.Warn(msg) }
func (p *pionLogger) Warnf(format string, args ...interface{})  { p.l.Warnf(format, args...) }
func (p *pionLogger) Error(msg string)                          { p.l.Error(msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) { p.l.Errorf(format, args...) }
