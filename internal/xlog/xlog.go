// Package xlog provides the module-scoped structured logger used across
// the service, in the same spirit as the teacher's log.NewModuleLogger:
// every package gets its own named logger and calls it with key/value
// pairs rather than formatted strings.
package xlog

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Module tags, mirroring the teacher's enumerated logger tags
// (log.Common, log.API, log.StorageDatabase, ...).
const (
	ChainClient  = "chainclient"
	EventParser  = "eventparser"
	OpExtractor  = "opextractor"
	StateEngine  = "stateengine"
	Recovery     = "recovery"
	Store        = "store"
	JobQueue     = "jobqueue"
	Prover       = "prover"
	ExitService  = "exitservice"
	Config       = "config"
	Common       = "common"
)

var (
	baseOnce sync.Once
	base     *zap.Logger
)

func root() *zap.Logger {
	baseOnce.Do(func() {
		level := zapcore.InfoLevel
		if os.Getenv("LOG_LEVEL") != "" {
			_ = level.UnmarshalText([]byte(os.Getenv("LOG_LEVEL")))
		}
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		l, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			l = zap.NewNop()
		}
		base = l
	})
	return base
}

// Logger is a named, leveled, key/value logger.
type Logger struct {
	z *zap.SugaredLogger
}

// NewModuleLogger returns the logger for a given module tag, the way the
// teacher's log.NewModuleLogger(log.XXX) does.
func NewModuleLogger(module string) *Logger {
	return &Logger{z: root().Sugar().With("module", module)}
}

func kvToZap(keyvals []interface{}) []interface{} { return keyvals }

func (l *Logger) Trace(msg string, keyvals ...interface{}) { l.z.Debugw(msg, kvToZap(keyvals)...) }
func (l *Logger) Debug(msg string, keyvals ...interface{}) { l.z.Debugw(msg, kvToZap(keyvals)...) }
func (l *Logger) Info(msg string, keyvals ...interface{})  { l.z.Infow(msg, kvToZap(keyvals)...) }
func (l *Logger) Warn(msg string, keyvals ...interface{})  { l.z.Warnw(msg, kvToZap(keyvals)...) }
func (l *Logger) Error(msg string, keyvals ...interface{}) { l.z.Errorw(msg, kvToZap(keyvals)...) }

// Crit logs at error level and terminates the process, matching the
// teacher's logger.Crit semantics for unrecoverable startup failures.
func (l *Logger) Crit(msg string, keyvals ...interface{}) {
	l.z.Errorw(msg, kvToZap(keyvals)...)
	os.Exit(1)
}

// Sync flushes buffered log entries; call from main() on shutdown.
func Sync() {
	if base != nil {
		_ = base.Sync()
	}
}
