// Package logging builds the process zap logger.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/and161185/notesync/internal/config"
)

// New returns a JSON logger at cfg.Level. With cfg.File set, output goes to a
// size-rotated file instead of stderr. The returned func flushes and closes it.
func New(cfg config.LogConfig) (*zap.Logger, func() error, error) {
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}

	var (
		ws     zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
		closer                     = func() error { return nil }
	)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: 3,
			MaxAge:     28,
		}
		ws = zapcore.AddSync(lj)
		closer = lj.Close
	}

	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), ws, lvl)
	log := zap.New(core, zap.AddCaller())
	return log, func() error {
		_ = log.Sync()
		return closer()
	}, nil
}
