package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/daprelay/daprelay/internal/config"
	"github.com/daprelay/daprelay/internal/dap"
	"github.com/daprelay/daprelay/internal/logger"
	"github.com/daprelay/daprelay/internal/mcpserver"
	"github.com/daprelay/daprelay/internal/session"
	"github.com/daprelay/daprelay/internal/web"
)

// shutdownGrace bounds how long shutdown waits for sessions to disconnect.
const shutdownGrace = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "daprelay",
		Short: "Long-lived DAP debug relay for agents and HTTP clients",
	}

	f := rootCmd.PersistentFlags()
	f.String("host", "127.0.0.1", "address the REST API binds to")
	f.Int("port", 4711, "port the REST API listens on")
	f.Int("max-sessions", 8, "maximum concurrent debug sessions")
	f.Int("session-timeout-seconds", 1800, "evict a session idle this long")
	f.Int("session-max-lifetime-seconds", 14400, "evict a session older than this regardless of activity")
	f.Int("output-buffer-max-bytes", 1048576, "per-session output buffer cap in bytes")
	f.Int("event-queue-max", 1000, "per-session event queue cap")
	f.Int("dap-timeout-seconds", 30, "deadline for one adapter request")
	f.Int("dap-launch-timeout-seconds", 60, "deadline for launch and attach")
	f.String("data-dir", "", "state directory (default: ~/.daprelay)")
	f.String("log-level", "info", "log level: debug, info, warn, error")
	f.String("python-path", "python3", "Python interpreter that runs the debugpy adapter")

	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("host", "host")
	bindFlag("port", "port")
	bindFlag("max_sessions", "max-sessions")
	bindFlag("session_timeout_seconds", "session-timeout-seconds")
	bindFlag("session_max_lifetime_seconds", "session-max-lifetime-seconds")
	bindFlag("output_buffer_max_bytes", "output-buffer-max-bytes")
	bindFlag("event_queue_max", "event-queue-max")
	bindFlag("dap_timeout_seconds", "dap-timeout-seconds")
	bindFlag("dap_launch_timeout_seconds", "dap-launch-timeout-seconds")
	bindFlag("data_dir", "data-dir")
	bindFlag("log_level", "log-level")
	bindFlag("python_path", "python-path")

	// DAPRELAY_PORT -> "port", DAPRELAY_MAX_SESSIONS -> "max_sessions".
	viper.SetEnvPrefix("DAPRELAY")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the REST API server",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "mcp",
			Short: "Run the MCP stdio server",
			RunE:  runMCP,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(config.Version)
			},
		},
	)
	return rootCmd
}

// newManager builds the session manager on the production adapter factory.
func newManager(cfg config.Config) *session.Manager {
	return session.NewManager(session.ManagerOptions{
		MaxSessions:    cfg.MaxSessions,
		IdleTimeout:    cfg.SessionTimeout,
		MaxLifetime:    cfg.SessionMaxLifetime,
		OutputMaxBytes: cfg.OutputBufferMaxBytes,
		EventQueueMax:  cfg.EventQueueMax,
		DataDir:        cfg.DataDir,
		NewAdapter: func(sink dap.EventSink) session.Adapter {
			return dap.NewAdapter(cfg.PythonPath, cfg.DAPTimeout, cfg.DAPLaunchTimeout, sink)
		},
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger.Setup(cfg.LogLevel, os.Stderr)

	mgr := newManager(cfg)
	mgr.Start()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: web.NewRouter(mgr, config.Version),
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("daprelay listening", "addr", addr, "version", config.Version, "data_dir", cfg.DataDir)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown", "error", err)
	}
	return nil
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	// Logs go to stderr so stdout stays clean for the JSON-RPC stream.
	logger.Setup(cfg.LogLevel, os.Stderr)

	mgr := newManager(cfg)
	mgr.Start()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	err := mcpserver.Run(ctx, mgr)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if serr := mgr.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("session shutdown", "error", serr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
