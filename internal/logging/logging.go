// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.elastic.co/ecszap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"focus-room-backend/config"
)

// New builds a logger writing ECS JSON to w, or a human-readable console
// log when cfg.Development is set.
func New(cfg config.LogConfig, w io.Writer) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	ws := zapcore.AddSync(w)
	var core zapcore.Core
	if cfg.Development {
		core = zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), ws, level)
	} else {
		core = ecszap.NewCore(ecszap.NewDefaultEncoderConfig(), ws, level)
	}
	return zap.New(core, zap.AddCaller()), nil
}

// Setup installs a stdout logger as the zap globals and returns it so the
// caller can Sync it on exit.
func Setup(cfg config.LogConfig) (*zap.Logger, error) {
	logger, err := New(cfg, os.Stdout)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}
