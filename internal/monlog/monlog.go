// Package monlog builds the structured logger shared by every monitor
// subsystem. No component reaches for a package-level logger singleton;
// each constructor is handed a *zap.Logger explicitly and narrows it with
// Named.
package monlog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where and how verbosely the monitor logs.
type Options struct {
	// Path is the log file destination. Empty means stderr only.
	Path string
	// Debug enables debug-level logging.
	Debug bool
	// MaxSizeMB is the lumberjack rotation threshold.
	MaxSizeMB int
	// MaxBackups is the number of rotated files to retain.
	MaxBackups int
}

// New builds a production-style zap.Logger. When Options.Path is set the
// logger writes to a lumberjack-rotated file in addition to stderr.
func New(name string, opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), level),
	}

	if opts.Path != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    nonZero(opts.MaxSizeMB, 100),
			MaxBackups: nonZero(opts.MaxBackups, 5),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}

	core := zapcore.NewTee(cores...)
	lg := zap.New(core, zap.AddCaller())
	return lg.Named(name), nil
}

func nonZero(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
