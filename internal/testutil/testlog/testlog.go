// Package testlog applies the test logging profile.
package testlog

import (
	"testing"

	"github.com/danmuck/adbctl/internal/logging"
	"github.com/rs/zerolog/log"
)

// Start configures test logging once and marks the beginning of t in the log.
func Start(t testing.TB) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("testlog.Start")
}
