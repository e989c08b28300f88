// tapbridge is the local browser-debug bridge: it ingests telemetry from
// the browser extension over a loopback WebSocket, persists it in SQLite,
// and serves MCP tools over standard streams. Stdout carries nothing but
// MCP protocol frames; all logging goes to stderr.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/tapbridge/tapbridge/bridgecfg"
	"github.com/tapbridge/tapbridge/capture"
	"github.com/tapbridge/tapbridge/dbopen"
	"github.com/tapbridge/tapbridge/ingest"
	"github.com/tapbridge/tapbridge/launch"
	"github.com/tapbridge/tapbridge/observability"
	"github.com/tapbridge/tapbridge/redact"
	"github.com/tapbridge/tapbridge/store"
	"github.com/tapbridge/tapbridge/tools"
	"github.com/tapbridge/tapbridge/trace"
)

const version = "1.0.0"

const retentionSweepInterval = 6 * time.Hour

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type cliFlags struct {
	mode       string
	dryRun     bool
	standalone bool
	stop       bool
}

func rootCmd() *cobra.Command {
	var flags cliFlags
	cmd := &cobra.Command{
		Use:           "tapbridge",
		Short:         "Local browser-debug bridge: telemetry ingest plus MCP tools",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags)
		},
	}
	cmd.Flags().StringVar(&flags.mode, "mode", "dist",
		"launch profile: tsx, dist or nx (accepted for launcher compatibility)")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false,
		"print the resolved configuration and exit")
	cmd.Flags().BoolVar(&flags.standalone, "standalone", false,
		"run the ingest server without the MCP stdio runtime")
	cmd.Flags().BoolVar(&flags.stop, "stop", false,
		"stop a running bridge and exit")
	return cmd
}

func run(flags cliFlags) error {
	switch flags.mode {
	case "tsx", "dist", "nx":
	default:
		return fmt.Errorf("invalid --mode %q: must be tsx, dist or nx", flags.mode)
	}

	cfg, err := bridgecfg.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if flags.stop {
		code, err := launch.Stop(cfg.DataDir, logger)
		fmt.Fprintln(os.Stderr, code)
		return err
	}

	if flags.dryRun {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "mode: %s\n%s", flags.mode, out)
		return nil
	}

	if cfg.RedactionRulesPath != "" {
		if err := redact.LoadExtraRules(cfg.RedactionRulesPath); err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Single-instance lock, then the port. Startup errors carry their
	// stable MCP_STARTUP_* code in the message, printed by main.
	lock, serr := launch.AcquireLock(cfg.DataDir, logger)
	if serr != nil {
		return serr
	}
	defer lock.Release()

	if serr := launch.EnsurePort(cfg.Port, cfg.DataDir, logger); serr != nil {
		return serr
	}

	driver := "sqlite"
	if cfg.LogLevel == "debug" {
		driver = trace.DriverName
	}
	db, err := dbopen.Open(cfg.DatabasePath(), dbopen.WithMkdirAll(), dbopen.WithDriver(driver))
	if err != nil {
		return fmt.Errorf("%s: %w", launch.CodeStartupFailed, err)
	}
	st, err := store.New(db, store.WithLogger(logger))
	if err != nil {
		db.Close()
		return fmt.Errorf("%s: %w", launch.CodeStartupFailed, err)
	}
	defer st.Close()

	metrics := observability.NewTransportMetrics(nil)
	dispatcher := capture.NewDispatcher(capture.WithLogger(logger))

	ingestOpts := []ingest.Option{
		ingest.WithLogger(logger),
		ingest.WithMetrics(metrics),
		ingest.WithMaxDomBytes(cfg.MaxDomBytes),
	}
	if cfg.StdioMode {
		ingestOpts = append(ingestOpts, ingest.WithQuietLogging())
	}
	srv := ingest.NewServer(st, dispatcher, ingestOpts...)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Listen(ctx, cfg.Port) }()

	if serr := launch.WaitReady(ctx, cfg.Port, cfg.StartupTimeout); serr != nil {
		cancel()
		<-serveErr
		return serr
	}
	logger.Info("bridge ready", "port", cfg.Port, "data_dir", cfg.DataDir)

	go retentionSweep(ctx, st, cfg.RetentionDays, logger)

	registry := tools.New(st, dispatcher,
		tools.WithLogger(logger),
		tools.WithCaptureTimeout(cfg.CaptureTimeout),
	)

	if flags.standalone {
		logger.Info("standalone mode, MCP stdio runtime disabled")
		// Launchers supervise the bridge through a stdin pipe; closing it
		// shuts the bridge down. Terminals and /dev/null are char devices
		// and are left alone.
		if fi, err := os.Stdin.Stat(); err == nil && fi.Mode()&os.ModeCharDevice == 0 {
			go launch.WatchStdin(os.Stdin, logger, cancel)
		}
		<-ctx.Done()
		return <-serveErr
	}

	mcpSrv := mcp.NewServer(&mcp.Implementation{
		Name:    "tapbridge",
		Version: version,
	}, nil)
	registry.RegisterMCP(mcpSrv)

	// Run blocks until the MCP host disconnects (stdin closes) or the
	// signal context fires; either way the ingest server follows it down.
	runErr := mcpSrv.Run(ctx, &mcp.StdioTransport{})
	cancel()
	if err := <-serveErr; err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil && ctx.Err() != nil {
		// Shutdown by signal or host disconnect is a clean exit.
		runErr = nil
	}
	return runErr
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// retentionSweep trims aged rows on startup and every sweep interval.
func retentionSweep(ctx context.Context, st *store.Store, retentionDays int, logger *slog.Logger) {
	if retentionDays <= 0 {
		return
	}
	sweep := func() {
		sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := st.Cleanup(sweepCtx, retentionDays); err != nil {
			logger.Warn("retention sweep failed", "error", err)
		}
	}
	sweep()
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
