// Package logging sets up the client logger. The terminal UI owns stdout,
// so logs go to a per-instance file next to the state file.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New opens veia<instance>.log and returns a logger writing to it along
// with a close func. If the file cannot be opened, logs are discarded
// rather than corrupting the UI.
func New(instance int, debug bool) (zerolog.Logger, func()) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	f, err := os.OpenFile(fmt.Sprintf("veia%d.log", instance), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return zerolog.New(io.Discard), func() {}
	}

	logger := zerolog.New(f).Level(level).With().Timestamp().Logger()
	return logger, func() { f.Close() }
}
