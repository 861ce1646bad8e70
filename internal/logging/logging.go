// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Format    string // "json" 或 "console"
	Level     string // debug | info | warn | error
	Component string
}

// Init 设置全局日志级别与输出格式，并返回基础 logger
func Init(cfg Config) zerolog.Logger {
	return InitWithWriter(cfg, os.Stderr)
}

func InitWithWriter(cfg Config, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	writer := out
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "console") {
		writer = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	builder := zerolog.New(writer).With().Timestamp()
	if component := strings.TrimSpace(cfg.Component); component != "" {
		builder = builder.Str("component", component)
	}
	logger := builder.Logger()
	log.Logger = logger
	return logger
}

// ParseLevel 无法识别时回退到 info
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
