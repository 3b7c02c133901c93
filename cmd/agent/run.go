package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/karasz/telemetry-core/internal/agentpub"
	"github.com/karasz/telemetry-core/internal/cliutil"
	"github.com/karasz/telemetry-core/internal/config"
	"github.com/karasz/telemetry-core/internal/obs"
	"github.com/karasz/telemetry-core/internal/ratelimit"
	"github.com/karasz/telemetry-core/internal/scl"
	"github.com/karasz/telemetry-core/internal/wal"
)

// rootOptions holds global flags for the agent CLI.
type rootOptions struct {
	ConfigPath string
	Debug      bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "telemetry-core sensor agent",
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to agent config YAML (required)")
	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "enable debug logging")
	_ = cmd.MarkPersistentFlagRequired("config")

	cmd.AddCommand(newRunCommand(opts))
	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "run",
		Short:         "start the agent's submit and drain loops",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, opts)
		},
	}
}

func runAgent(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := config.LoadAgentConfig(opts.ConfigPath)
	if err != nil {
		return cliutil.WrapExitError(cliutil.ExitConfigError, "load agent config", err)
	}

	log := obs.NewAgentLogger(cfg.Debug || opts.Debug)

	priv, err := scl.LoadPrivateKey(cfg.SigningPrivateKeyPath)
	if err != nil {
		return cliutil.WrapExitError(cliutil.ExitKeyLoadError, "load signing key", err)
	}

	tlsConfig, err := clientTLSConfig(cfg)
	if err != nil {
		return cliutil.WrapExitError(cliutil.ExitTLSError, "build TLS config", err)
	}

	w, err := wal.Open(cfg.WALPath, cfg.WALMaxBytes)
	if err != nil {
		return cliutil.WrapExitError(cliutil.ExitStorageError, "open WAL", err)
	}
	defer func() {
		if cerr := w.Close(); cerr != nil {
			log.Error("wal close failed", "error", cerr)
		}
	}()

	reg := obs.NewRegistry()
	ready := &obs.Readiness{}

	var limiter *ratelimit.Bucket
	if cfg.SendRateEps > 0 {
		// send_rate_eps of 0 means unbounded (spec.md §4.3's explicit
		// default); a nil limiter short-circuits the rate-limit check.
		limiter = ratelimit.New(cfg.SendRateEps, cfg.SendRateEps)
	}

	pub := agentpub.New(agentpub.Config{
		Client:       &http.Client{Transport: &http.Transport{TLSClientConfig: tlsConfig}, Timeout: time.Duration(cfg.RetryTimeoutS) * time.Second},
		BrokerURL:    "https://" + cfg.BrokerAddress,
		PrivateKey:   priv,
		Limiter:      limiter,
		WAL:          w,
		MaxEnvBytes:  cfg.MaxEnvBytes,
		RetryMax:     cfg.RetryMaxAttempts,
		RetryTimeout: time.Duration(cfg.RetryTimeoutS) * time.Second,
		Logger:       log,
		Registry:     reg,
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	restart := notifySignals(ctx, cancel, log)

	drain := agentpub.NewDrainLoop(pub, cfg.DrainingBatchSize, 200*time.Millisecond, log)
	go drain.Run(ctx)

	ready.SetReady(true)
	mux := obs.Handler(reg, ready)
	srv := &http.Server{Addr: "127.0.0.1:9090", Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	log.Info("agent started", "broker_address", cfg.BrokerAddress)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return cliutil.WrapExitError(cliutil.ExitFailure, "internal http server", err)
	}
	if restart.Load() {
		return cliutil.NewExitError(cliutil.ExitRestartRequest, "restart requested via SIGHUP")
	}
	log.Info("agent stopped gracefully")
	return nil
}

func clientTLSConfig(cfg *config.AgentConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSClientCert, cfg.TLSClientKey)
	if err != nil {
		return nil, err
	}
	caBytes, err := os.ReadFile(cfg.TLSCA)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
	}, nil
}

// notifySignals cancels ctx on SIGINT/SIGTERM/SIGHUP. It returns a flag that
// reports whether the eventual shutdown was triggered by SIGHUP, which the
// caller maps to a distinct restart-requested exit code so an external
// supervisor knows to restart rather than leave the agent down.
func notifySignals(ctx context.Context, cancel context.CancelFunc, log interface {
	Info(string, ...any)
}) *atomic.Bool {
	restart := &atomic.Bool{}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				restart.Store(true)
			}
			log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return restart
}
