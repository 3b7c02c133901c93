package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/karasz/telemetry-core/internal/auditchain"
	"github.com/karasz/telemetry-core/internal/cliutil"
	"github.com/karasz/telemetry-core/internal/config"
	"github.com/karasz/telemetry-core/internal/durablelog"
	"github.com/karasz/telemetry-core/internal/wire"
)

// newAuditCommand adds an offline "broker audit" subcommand that walks the
// durable log's prev_sig chain per signer and reports any gaps. It never
// runs on the publish hot path: a broken chain is advisory, surfaced here
// for operators, not grounds for the broker to reject traffic.
func newAuditCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "audit",
		Short:         "check prev_sig chain continuity per source across the durable log",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd, opts)
		},
	}
}

func runAudit(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := config.LoadBrokerConfig(opts.ConfigPath)
	if err != nil {
		return cliutil.WrapExitError(cliutil.ExitConfigError, "load broker config", err)
	}

	dlog, err := durablelog.Open(cfg.DurableLogPath)
	if err != nil {
		return cliutil.WrapExitError(cliutil.ExitStorageError, "open durable log", err)
	}
	defer dlog.Close()

	ctx := cmd.Context()
	cns, err := dlog.SourceCNs(ctx)
	if err != nil {
		return cliutil.WrapExitError(cliutil.ExitFailure, "list source CNs", err)
	}

	totalGaps := 0
	for _, cn := range cns {
		gaps, err := auditSourceCN(ctx, dlog, cn)
		if err != nil {
			return cliutil.WrapExitError(cliutil.ExitFailure, fmt.Sprintf("audit %s", cn), err)
		}
		totalGaps += gaps
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d gap(s)\n", cn, gaps)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "total: %d gap(s) across %d source(s)\n", totalGaps, len(cns))
	return nil
}

func auditSourceCN(ctx context.Context, dlog *durablelog.Log, cn string) (int, error) {
	bodies, err := dlog.EnvelopesBySourceCN(ctx, cn)
	if err != nil {
		return 0, err
	}
	checker := auditchain.NewChecker()
	for _, body := range bodies {
		var env wire.Envelope
		if err := env.Unmarshal(body); err != nil {
			return 0, fmt.Errorf("unmarshal envelope: %w", err)
		}
		_ = checker.Observe(auditchain.Link{Sig: env.Sig, PrevSig: env.PrevSig})
	}
	return checker.Gaps(), nil
}
