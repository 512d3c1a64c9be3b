package observability

import (
	"io"
	"os"
	"time"

	"github.com/danmuck/adbctl/internal/logging"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger moves the global logger to stderr tagged with app, keeping
// stdout free for command output. Level and bypass come from logging.
func InitLogger(app string) zerolog.Logger {
	cfg := logging.Applied()
	if cfg.Bypass {
		logger := zerolog.New(io.Discard)
		log.Logger = logger
		return logger
	}
	output := zerolog.ConsoleWriter{
		Out:        colorable.NewColorableStderr(),
		NoColor:    cfg.NoColor || !isatty.IsTerminal(os.Stderr.Fd()),
		TimeFormat: time.RFC3339,
	}
	ctx := zerolog.New(output).With().Str("app", app)
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	logger := ctx.Logger()
	log.Logger = logger
	return logger
}
