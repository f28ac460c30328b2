package logger

import (
	"io"
	"os"
	"strings"

	"ratings-tracker/internal/config"

	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

// New builds the process logger at the level from cfg, which already reflects .env.
func New(cfg *config.Config) zerolog.Logger {
	return SetLevel(ParseLevel(cfg.LogLevel))
}

func SetLevel(level zerolog.Level) zerolog.Logger {
	return newWithWriter(os.Stdout, level)
}

func newWithWriter(w io.Writer, level zerolog.Level) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(w).
		With().
		Timestamp().
		Caller().
		Logger()

	logger = logger.Level(level)

	return logger
}

// ParseLevel maps LOG_LEVEL values onto zerolog levels, falling back to info.
func ParseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return level
}

var Module = fx.Provide(New)
