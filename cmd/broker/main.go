// Command broker runs the event broker: it authenticates agents over mTLS,
// verifies envelope signatures, deduplicates by idempotency key, and persists
// accepted events to a durable log (spec.md §4's EB role).
package main

import (
	"fmt"
	"os"

	"github.com/karasz/telemetry-core/internal/cliutil"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cliutil.ExitCode(err))
	}
}
