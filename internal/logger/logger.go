package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field names for structured logging across the bridge.
const (
	FieldJobID     = "job_id"
	FieldState     = "state"
	FieldKind      = "kind"
	FieldClient    = "client"
	FieldCommand   = "command"
	FieldComponent = "component"
	FieldEndpoint  = "endpoint"
	FieldAddress   = "address"
	FieldEpoch     = "epoch"
	FieldBackoff   = "backoff"
	FieldCount     = "count"
	FieldError     = "error"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldReason    = "reason"
)

// Logger is the process-wide logger. It is a no-op until Initialize runs so
// that packages may log during init without nil checks.
var Logger = zap.NewNop().Sugar()

// Initialize builds the process logger. JSON output uses zap's production
// encoder; otherwise a console encoder writes to stdout. Unknown levels fall
// back to info.
func Initialize(jsonOutput bool, level string) (*zap.SugaredLogger, error) {
	lvl := parseLevel(level)

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(lvl)
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}
		zapLogger, err = config.Build()
		if err != nil {
			return nil, err
		}
	} else {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zapLogger = zap.New(
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(encoderConfig),
				zapcore.AddSync(os.Stdout),
				lvl,
			),
		)
	}

	Logger = zapLogger.Sugar()
	return Logger, nil
}

// Named returns a child of the process logger tagged with a component name.
func Named(component string) *zap.SugaredLogger {
	return Logger.Named(component)
}

func parseLevel(level string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
