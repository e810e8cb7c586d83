package logger

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/lumberjack.v3"
)

type Config struct {
	Level string
	// Filename enables the rotating json file core.
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// Console writes colored output to stdout.
	Console bool
}

// New builds a logger teeing a console core and an optional rotating file core. The
// returned close function flushes and closes the file.
func New(cfg Config) (*zap.Logger, func() error, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	atomic := zap.NewAtomicLevelAt(level)

	var cores []zapcore.Core
	closeFn := func() error { return nil }

	if cfg.Console {
		developmentCfg := zap.NewDevelopmentEncoderConfig()
		developmentCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(developmentCfg), zapcore.Lock(os.Stdout), atomic))
	}

	if cfg.Filename != "" {
		roller, err := newRoller(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create file handler: %w", err)
		}
		closeFn = roller.Close

		productionCfg := zap.NewProductionEncoderConfig()
		productionCfg.TimeKey = "timestamp"
		productionCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(productionCfg), zapcore.AddSync(roller), atomic))
	}

	if len(cores) == 0 {
		return zap.NewNop(), closeFn, nil
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return logger, func() error {
		_ = logger.Sync()
		return closeFn()
	}, nil
}

func newRoller(cfg Config) (io.WriteCloser, error) {
	if cfg.Compress {
		return lumberjack.New(
			lumberjack.WithFileName(cfg.Filename),
			lumberjack.WithMaxBytes(int64(cfg.MaxSizeMB)*1024*1024),
			lumberjack.WithMaxBackups(cfg.MaxBackups),
			lumberjack.WithMaxDays(cfg.MaxAgeDays),
			lumberjack.WithCompress(),
		)
	}
	return lumberjack.New(
		lumberjack.WithFileName(cfg.Filename),
		lumberjack.WithMaxBytes(int64(cfg.MaxSizeMB)*1024*1024),
		lumberjack.WithMaxBackups(cfg.MaxBackups),
		lumberjack.WithMaxDays(cfg.MaxAgeDays),
	)
}

// ParseLevel defaults to info for an empty string.
func ParseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
