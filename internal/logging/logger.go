// Package logging builds the process-wide zap logger.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.Mutex
	logger *zap.Logger
)

// Init builds a JSON logger for production or a console logger for development.
// Caller information is only encoded for Error and above.
func Init(production bool) *zap.Logger {
	var base zap.Config
	if production {
		base = zap.NewProductionConfig()
	} else {
		base = zap.NewDevelopmentConfig()
	}

	enc := base.EncoderConfig
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	enc.EncodeCaller = zapcore.ShortCallerEncoder

	encNoCaller := enc
	encNoCaller.CallerKey = ""
	encWithCaller := enc
	encWithCaller.CallerKey = "caller"

	newEncoder := zapcore.NewConsoleEncoder
	if production {
		newEncoder = zapcore.NewJSONEncoder
	}

	ws := zapcore.Lock(zapcore.AddSync(os.Stdout))
	core := zapcore.NewTee(
		zapcore.NewCore(newEncoder(encNoCaller), ws,
			zap.LevelEnablerFunc(func(lvl zapcore.Level) bool { return lvl < zapcore.ErrorLevel })),
		zapcore.NewCore(newEncoder(encWithCaller), ws,
			zap.LevelEnablerFunc(func(lvl zapcore.Level) bool { return lvl >= zapcore.ErrorLevel })),
	)

	l := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	mu.Lock()
	logger = l
	mu.Unlock()
	return l
}

// L returns the process logger, initialising a development logger on first use
func L() *zap.Logger {
	mu.Lock()
	l := logger
	mu.Unlock()
	if l == nil {
		return Init(false)
	}
	return l
}

// Sync flushes buffered log entries
func Sync() { _ = L().Sync() }
