package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config describes logger runtime configuration.
type Config struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	TimeFormat  string `mapstructure:"time_format"`
	Caller      bool   `mapstructure:"caller"`
	PrettyPrint bool   `mapstructure:"pretty"`
	File        string `mapstructure:"file"`
}

// NewLogger constructs a zerolog logger from config. The returned closer
// releases the log file when one is configured and may be nil.
func NewLogger(cfg Config) (zerolog.Logger, func(), error) {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	writer, closer, err := logWriter(cfg)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	// Level filtering goes through the global level so a config reload can
	// adjust verbosity without rebuilding every component logger.
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	logger := zerolog.New(writer)
	builder := logger.With().Timestamp()
	if cfg.Caller {
		builder = builder.Caller()
	}

	return builder.Logger(), closer, nil
}

// ParseLevel maps a config string onto a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level))); err == nil {
		return parsed
	}
	return zerolog.InfoLevel
}

func logWriter(cfg Config) (io.Writer, func(), error) {
	var console io.Writer = os.Stdout
	if cfg.PrettyPrint || strings.EqualFold(cfg.Format, "console") {
		console = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: zerolog.TimeFieldFormat,
		}
	}

	path := strings.TrimSpace(cfg.File)
	if path == "" {
		return console, nil, nil
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	closer := func() { _ = file.Close() }
	return io.MultiWriter(console, file), closer, nil
}
