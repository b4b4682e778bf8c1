package logger

import (
	"os"

	"github.com/kbgateway/gateway/config"
	"github.com/rs/zerolog"
)

// New returns a configured zerolog.Logger for the process.
func New(cfg *config.Config) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr}
	lvl := zerolog.InfoLevel
	if cfg.Env == "development" {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(out).With().Timestamp().Logger()
}
