// Package logging builds the process logger.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Formats accepted by Config.Format.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config selects the level and encoding of the logger.
type Config struct {
	Level  string
	Format string
}

// FromEnv reads LOG_LEVEL and LOG_FORMAT, defaulting to info and
// console.
func FromEnv() Config {
	cfg := Config{Level: os.Getenv("LOG_LEVEL"), Format: os.Getenv("LOG_FORMAT")}
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = FormatConsole
	}

	return cfg
}

// ZapConfig translates cfg. Unknown levels fall back to info.
func ZapConfig(cfg Config) (zap.Config, error) {
	config := zap.NewProductionConfig()

	switch strings.ToLower(cfg.Level) {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	switch strings.ToLower(cfg.Format) {
	case "", FormatConsole:
		config.Development = true
		config.Encoding = FormatConsole
		config.EncoderConfig.TimeKey = ""
		config.EncoderConfig.CallerKey = ""
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	case FormatJSON:
		config.Encoding = FormatJSON
	default:
		return config, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	return config, nil
}

// New builds a logger writing to stderr, keeping stdout free for
// results.
func New(cfg Config) (*zap.Logger, error) {
	config, err := ZapConfig(cfg)
	if err != nil {
		return nil, err
	}

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return logger, nil
}
