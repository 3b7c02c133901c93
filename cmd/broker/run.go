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

	"github.com/karasz/telemetry-core/internal/broker"
	"github.com/karasz/telemetry-core/internal/cliutil"
	"github.com/karasz/telemetry-core/internal/config"
	"github.com/karasz/telemetry-core/internal/durablelog"
	"github.com/karasz/telemetry-core/internal/obs"
	"github.com/karasz/telemetry-core/internal/scl"
)

type rootOptions struct {
	ConfigPath string
	Debug      bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "broker",
		Short: "telemetry-core event broker",
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to broker config YAML (required)")
	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "enable debug logging")
	_ = cmd.MarkPersistentFlagRequired("config")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newAuditCommand(opts))
	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "run",
		Short:         "start the broker's listener",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroker(cmd, opts)
		},
	}
}

func runBroker(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := config.LoadBrokerConfig(opts.ConfigPath)
	if err != nil {
		return cliutil.WrapExitError(cliutil.ExitConfigError, "load broker config", err)
	}

	log := obs.NewBrokerLogger(cfg.Debug || opts.Debug)

	trustMap, err := loadTrustMap(cfg.TrustMapPath)
	if err != nil {
		return cliutil.WrapExitError(cliutil.ExitKeyLoadError, "load trust map", err)
	}

	tlsConfig, err := serverTLSConfig(cfg)
	if err != nil {
		return cliutil.WrapExitError(cliutil.ExitTLSError, "build TLS config", err)
	}

	dlog, err := durablelog.Open(cfg.DurableLogPath)
	if err != nil {
		return cliutil.WrapExitError(cliutil.ExitStorageError, "open durable log", err)
	}
	defer dlog.Close()

	reg := obs.NewRegistry()
	ready := &obs.Readiness{}
	overload := &atomic.Bool{}
	overload.Store(cfg.OverloadMode)

	b := broker.New(broker.Config{
		TrustMap:        trustMap,
		MaxEnvBytes:     cfg.MaxEnvBytes,
		MaxInflight:     int64(cfg.MaxInflight),
		HardMaxInflight: int64(cfg.HardMaxInflight),
		DedupTTLNs:      cfg.DedupTTLSeconds * int64(time.Second),
		OverloadMode:    overload,
		Log:             dlog,
		Logger:          log,
		Registry:        reg,
	}, ready)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	restart := notifySignals(ctx, cancel, log)

	go sweepExpiredLoop(ctx, dlog, cfg.DedupTTLSeconds*int64(time.Second), cfg.DedupTTLSeconds, log)

	obsMux := obs.Handler(reg, ready)
	obsSrv := &http.Server{Addr: "127.0.0.1:9091", Handler: obsMux}
	go func() {
		<-ctx.Done()
		_ = obsSrv.Close()
	}()
	go func() {
		if err := obsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("obs server failed", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:      cfg.ListenAddress,
		Handler:   b.Mux(),
		TLSConfig: tlsConfig,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	ready.SetReady(true)
	log.Info("broker started", "listen_address", cfg.ListenAddress)
	if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		return cliutil.WrapExitError(cliutil.ExitFailure, "broker listener", err)
	}
	if restart.Load() {
		return cliutil.NewExitError(cliutil.ExitRestartRequest, "restart requested via SIGHUP")
	}
	log.Info("broker stopped gracefully")
	return nil
}

func loadTrustMap(path string) (broker.TrustMap, error) {
	tm, err := config.LoadTrustMapFile(path)
	if err != nil {
		return nil, err
	}
	out := make(broker.TrustMap, len(tm.Peers))
	for _, peer := range tm.Peers {
		pub, err := scl.LoadPublicKey(peer.PublicKeyPath)
		if err != nil {
			return nil, err
		}
		out[peer.CN] = pub
	}
	return out, nil
}

func serverTLSConfig(cfg *config.BrokerConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSServerCert, cfg.TLSServerKey)
	if err != nil {
		return nil, err
	}
	caBytes, err := os.ReadFile(cfg.TLSClientCABundle)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return broker.TLSConfig(cert, pool), nil
}

// sweepExpiredLoop runs the dedup sweep every dedup_ttl_s/4 seconds, floored
// at 5s, so the index is trimmed on a cadence tied to how fast it can grow
// stale rather than on a fixed one-size-fits-all ticker.
func sweepExpiredLoop(ctx context.Context, dlog *durablelog.Log, ttlNs, ttlSeconds int64, log interface {
	Error(string, ...any)
}) {
	interval := time.Duration(ttlSeconds/4) * time.Second
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := dlog.SweepExpired(ctx, time.Now().UnixNano(), ttlNs); err != nil {
				log.Error("dedup sweep failed", "error", err)
			}
		}
	}
}

// notifySignals cancels ctx on SIGINT/SIGTERM/SIGHUP and reports whether the
// shutdown was SIGHUP-triggered, which the caller maps to a distinct
// restart-requested exit code for an external supervisor.
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
