// Package logging builds the zap loggers used across graphstore and adapts
// them to the interfaces of embedded libraries.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and destination.
type Config struct {
	// Level is debug, info, warn or error. Unknown levels fall back to info.
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
	// Output is "stderr", "stdout" or a file path.
	Output string `yaml:"output"`
	// Name is attached to every entry.
	Name string `yaml:"name"`
}

// New builds a logger from cfg. The returned close func releases the output
// opened for cfg.Output; call it after the final Sync.
func New(cfg Config) (*zap.Logger, func(), error) {
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	w, closeOutput, err := zap.Open(output)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log output %q: %w", output, err)
	}
	return NewWithWriter(cfg, w), closeOutput, nil
}

// NewWithWriter builds a logger from cfg that writes to w, ignoring
// cfg.Output.
func NewWithWriter(cfg Config, w io.Writer) *zap.Logger {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	core := zapcore.NewCore(encoder(cfg.Format), zapcore.Lock(zapcore.AddSync(w)), level)
	logger := zap.New(core, zap.AddStacktrace(zap.ErrorLevel))
	if cfg.Name != "" {
		logger = logger.Named(cfg.Name)
	}
	return logger
}

func encoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}

// badgerLogger forwards Badger's printf-style logs to zap. Badger is chatty
// at INFO, so its info messages are logged at debug.
type badgerLogger struct {
	sugar *zap.SugaredLogger
}

// NewBadgerLogger adapts l to badger.Logger. A nil logger returns nil, which
// keeps Badger silent.
func NewBadgerLogger(l *zap.Logger) badger.Logger {
	if l == nil {
		return nil
	}
	return &badgerLogger{sugar: l.Named("badger").WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (b *badgerLogger) Errorf(format string, args ...interface{}) {
	b.sugar.Errorf(strings.TrimSpace(format), args...)
}

func (b *badgerLogger) Warningf(format string, args ...interface{}) {
	b.sugar.Warnf(strings.TrimSpace(format), args...)
}

func (b *badgerLogger) Infof(format string, args ...interface{}) {
	b.sugar.Debugf(strings.TrimSpace(format), args...)
}

func (b *badgerLogger) Debugf(format string, args ...interface{}) {
	b.sugar.Debugf(strings.TrimSpace(format), args...)
}
