package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mcoops/go-cve2attack/internal/config"
)

// Setup configures the global zerolog logger. Console output goes to stderr,
// and when cfg.File is set a rotated JSON copy is written there as well.
func Setup(cfg config.LoggerConfig) zerolog.Logger {
	return New(cfg, os.Stderr)
}

// New builds a logger writing to console and, optionally, the rotated log
// file, and installs it as the global logger.
func New(cfg config.LoggerConfig, console io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = console
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: console, TimeFormat: "2006-01-02T15:04:05"}
	}

	writers := []io.Writer{out}
	if cfg.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	log.Logger = logger
	return logger
}
