// Package logger builds the zap loggers used by the pagejournal store and
// its command line tools.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is attached to every entry as the "service" field.
const ServiceName = "pagejournal"

// Config holds all the configuration for the logger.
type Config struct {
	// Level is the minimum level ("debug", "info", "warn", "error").
	// Unparseable levels fall back to info.
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
	// OutputFile is a path, or "stdout"/"stderr".
	OutputFile string `yaml:"output_file"`
}

// DefaultConfig logs info and above as JSON to stderr, leaving stdout to
// command output.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", OutputFile: "stderr"}
}

// New creates a zap.Logger from config. The returned close func releases the
// output file, if one was opened.
func New(config Config) (*zap.Logger, func() error, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	sink, closeSink, err := openSink(config.OutputFile)
	if err != nil {
		return nil, nil, err
	}

	core := zapcore.NewCore(newEncoder(config.Format), sink, level)
	logger := zap.New(core, zap.AddCaller()).
		With(zap.String("service", ServiceName))

	release := func() error {
		_ = logger.Sync()
		return closeSink()
	}
	return logger, release, nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.EqualFold(format, "console") {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

func openSink(outputFile string) (zapcore.WriteSyncer, func() error, error) {
	noClose := func() error { return nil }
	switch strings.ToLower(outputFile) {
	case "stderr", "":
		return zapcore.Lock(os.Stderr), noClose, nil
	case "stdout":
		return zapcore.Lock(os.Stdout), noClose, nil
	}
	file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
	}
	return zapcore.AddSync(file), file.Close, nil
}
