// Command agent runs the sensor publish agent: it signs captured telemetry,
// publishes it to the broker, and falls back to a local write-ahead log
// across outages (spec.md §4's AP role).
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
