package logger

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LoggerConfig struct {
	ServiceName string
	// CommitSHA is attached to every record when set.
	CommitSHA string
	IsDebug   bool
	// ExportOtel tees the records into the global otel logger provider.
	ExportOtel bool
	// OutputPath is a zap sink URL or file path, stdout when empty.
	OutputPath    string
	InitialFields []zap.Field

	Cores []zapcore.Core
}

// NewLogger builds a json logger tagged with the service and the process.
func NewLogger(_ context.Context, loggerConfig LoggerConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if loggerConfig.IsDebug {
		level.SetLevel(zap.DebugLevel)
	}

	outputPath := loggerConfig.OutputPath
	if outputPath == "" {
		outputPath = "stdout"
	}

	sink, closeSink, err := zap.Open(outputPath)
	if err != nil {
		return nil, fmt.Errorf("error opening log output %q: %w", outputPath, err)
	}

	errSink, _, err := zap.Open("stderr")
	if err != nil {
		closeSink()

		return nil, fmt.Errorf("error opening log error output: %w", err)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(GetEncoderConfig(zapcore.DefaultLineEnding)), sink, level),
	}

	if loggerConfig.ExportOtel {
		cores = append(cores, otelzap.NewCore(loggerConfig.ServiceName, otelzap.WithLoggerProvider(global.GetLoggerProvider())))
	}

	cores = append(cores, loggerConfig.Cores...)

	fields := []zap.Field{
		zap.String("service", loggerConfig.ServiceName),
		zap.Int("pid", os.Getpid()),
	}

	if loggerConfig.CommitSHA != "" {
		fields = append(fields, zap.String("commit", loggerConfig.CommitSHA))
	}

	return zap.New(zapcore.NewTee(cores...),
		zap.ErrorOutput(errSink),
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
		zap.Fields(fields...),
		zap.Fields(loggerConfig.InitialFields...),
	), nil
}

func GetEncoderConfig(lineEnding string) zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		MessageKey:     "message",
		LevelKey:       "level",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		NameKey:        "logger",
		CallerKey:      "caller",
		EncodeCaller:   zapcore.ShortCallerEncoder,
		StacktraceKey:  "stacktrace",
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		LineEnding:     lineEnding,
	}
}
