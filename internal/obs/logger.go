// Package obs carries the ambient operational stack shared by agent and
// broker: structured logging, health/readiness endpoints, and a metrics
// exposition, none of which are part of the transport's security contract
// but all of which the teacher corpus treats as first-class.
package obs

import (
	"log/slog"
	"os"
)

func newLogger(component string, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("component", component)
}

// NewAgentLogger builds the agent's process-wide slog.Logger.
func NewAgentLogger(debug bool) *slog.Logger { return newLogger("agent", debug) }

// NewBrokerLogger builds the broker's process-wide slog.Logger.
func NewBrokerLogger(debug bool) *slog.Logger { return newLogger("broker", debug) }
