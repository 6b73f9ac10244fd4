package commands

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/scrypster/conclave/internal/config"
)

// newLogger builds the process logger. Output always goes to stderr.
func newLogger(c config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if c.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		zc.DisableStacktrace = true
	}
	if c.Level != "" {
		lvl, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid log level %q", c.Level)
		}
		zc.Level = lvl
	}
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}
