// Package logger provides a standardized, high-performance logging setup
// for gojodoc, built on top of Zap.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format specifies the log output format ("json" or "console").
	Format string `yaml:"format"`
	// OutputFile specifies the file to write logs to. "stdout" or "stderr"
	// can be used to log to the console.
	OutputFile string `yaml:"output_file"`
	// Service is attached to every entry. Defaults to "gojodoc".
	Service string `yaml:"service"`
	// Components overrides Level for named engine loggers, e.g. "locker: debug"
	// or "disk_service: warn". A dotted name also matches its children.
	Components map[string]string `yaml:"components"`
}

// New creates a new zap.Logger based on the provided configuration.
// It's designed to be called once at application startup.
func New(config Config) (*zap.Logger, error) {
	// Parse and set the log level. Defaults to "info".
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(config.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	// Configure the output writer (WriteSyncer).
	writeSyncer, err := getWriteSyncer(config.OutputFile)
	if err != nil {
		return nil, err
	}

	// Configure the encoder (how logs are formatted).
	encoder := getEncoder(config.Format)

	// Create the logger core which combines level, encoder, and writer.
	var core zapcore.Core
	if len(config.Components) == 0 {
		core = zapcore.NewCore(encoder, writeSyncer, logLevel)
	} else {
		levels := make(map[string]zapcore.Level, len(config.Components))
		for name, text := range config.Components {
			level, err := zapcore.ParseLevel(text)
			if err != nil {
				return nil, fmt.Errorf("invalid level for component %s: %w", name, err)
			}
			levels[name] = level
		}
		core = &componentCore{
			Core:   zapcore.NewCore(encoder, writeSyncer, zapcore.DebugLevel),
			base:   logLevel,
			levels: levels,
		}
	}

	// Create the final logger, adding the initial "service" field.
	service := config.Service
	if service == "" {
		service = "gojodoc"
	}
	logger := zap.New(core, zap.AddCaller()).
		WithOptions(zap.Fields(zap.String("service", service)))

	return logger, nil
}

// getEncoder selects the log encoder based on the configured format.
func getEncoder(format string) zapcore.Encoder {
	// Use a production-ready encoder configuration.
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	// Return a JSON encoder for production or a human-friendly console encoder.
	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// getWriteSyncer selects the output destination for the logs.
func getWriteSyncer(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		// Append to the file if it exists, or create it.
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}

// componentCore filters entries by the level of the named logger that wrote them.
// The engine names its loggers after components such as disk_service or locker.
type componentCore struct {
	zapcore.Core
	base   zapcore.LevelEnabler
	levels map[string]zapcore.Level
}

func (c *componentCore) Enabled(level zapcore.Level) bool {
	if c.base.Enabled(level) {
		return true
	}
	for _, l := range c.levels {
		if level >= l {
			return true
		}
	}
	return false
}

func (c *componentCore) levelFor(name string) zapcore.LevelEnabler {
	for name != "" {
		if level, ok := c.levels[name]; ok {
			return level
		}
		i := strings.LastIndexByte(name, '.')
		if i < 0 {
			break
		}
		name = name[:i]
	}
	return c.base
}

func (c *componentCore) With(fields []zapcore.Field) zapcore.Core {
	return &componentCore{Core: c.Core.With(fields), base: c.base, levels: c.levels}
}

func (c *componentCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.levelFor(entry.LoggerName).Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}
