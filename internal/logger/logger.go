package logger

import (
	"github.com/richardliu001/custody-ledger/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. An audit path adds a file sink so the
// per-transaction settlement lines are kept alongside stdout.
func NewLogger(cfg config.LogConfig) (*zap.SugaredLogger, error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, err
		}
	}
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "json"
	}
	outputs := []string{"stdout"}
	if cfg.AuditPath != "" {
		outputs = append(outputs, cfg.AuditPath)
	}

	zc := zap.Config{
		Level:            level,
		Encoding:         encoding,
		EncoderConfig:    encCfg,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	l, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// NewNop is used by tests that do not care about log output.
func NewNop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
