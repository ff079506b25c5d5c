package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global *zap.SugaredLogger
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Init builds the process-wide logger writing to stderr at the given level.
func Init(lvl string) error {
	if err := SetLogLevel(lvl); err != nil {
		return err
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	global = zap.New(core).Sugar()
	return nil
}

// SetLogLevel changes the level of the already-built logger.
func SetLogLevel(lvl string) error {
	if lvl == "" {
		return nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(lvl))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", lvl, err)
	}
	level.SetLevel(l)
	return nil
}

// Level returns the current level name.
func Level() string {
	return level.Level().String()
}

// With returns a child logger carrying the given key/value pairs and
// installs it as the process-wide logger.
func With(args ...interface{}) *zap.SugaredLogger {
	global = Logger().With(args...)
	return global
}

// Logger returns the process-wide logger. Before Init it is a no-op logger.
func Logger() *zap.SugaredLogger {
	if global == nil {
		return zap.NewNop().Sugar()
	}
	return global
}

// Sync flushes buffered log entries.
func Sync() {
	if global != nil {
		_ = global.Sync()
	}
}
