package logger

import (
	"github.com/teranos/tock/sym"
	"go.uber.org/zap"
)

// Symbol-aware logging helpers.
// The symbol is a structured field, not part of the message, so logs stay
// queryable by symbol:
//
//	t.pulseLog = logger.AddPulseSymbol(baseLogger)
//	t.pulseLog.Infow("Ticker started", "interval", interval)

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Pulse)
}

// AddPulseOpenSymbol wraps a logger with the PulseOpen symbol (✿)
func AddPulseOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseOpen)
}

// AddPulseCloseSymbol wraps a logger with the PulseClose symbol (❀)
func AddPulseCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseClose)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.DB)
}

// AddCalendarSymbol wraps a logger with the Calendar symbol (▦)
func AddCalendarSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Calendar)
}

// AddWorkerSymbol wraps a logger with the Worker symbol (⚙)
func AddWorkerSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Worker)
}

// PulseInfow logs an info message with the Pulse symbol on the global logger
func PulseInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		AddPulseSymbol(Logger).Infow(msg, keysAndValues...)
	}
}

// PulseWarnw logs a warning with the Pulse symbol on the global logger
func PulseWarnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		AddPulseSymbol(Logger).Warnw(msg, keysAndValues...)
	}
}
