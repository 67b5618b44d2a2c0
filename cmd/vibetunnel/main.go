// VibeTunnel - terminal session proxy.
//
// This is the main entry point for the vibetunnel CLI. It serves local
// PTY sessions to remote clients over HTTP and WebSocket, records every
// session to disk, and optionally federates with an HQ server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/vibetunnel/vibetunnel/internal/buffers"
	"github.com/vibetunnel/vibetunnel/internal/config"
	"github.com/vibetunnel/vibetunnel/internal/hq"
	"github.com/vibetunnel/vibetunnel/internal/server"
	"github.com/vibetunnel/vibetunnel/internal/session"
	"github.com/vibetunnel/vibetunnel/internal/watcher"
)

// Version is set at build time via ldflags.
var Version = "dev"

func nowUTC() time.Time { return time.Now().UTC() }

// commandRan distinguishes runtime failures (exit 1) from usage errors
// that never reached a RunE (exit 2).
var commandRan bool

func main() {
	rootCmd := &cobra.Command{
		Use:           "vibetunnel",
		Short:         "Proxy terminal sessions to remote clients",
		Version:       Version,
		SilenceErrors: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().Int("port", 0, "HTTP listen port")
	serveCmd.Flags().String("bind", "", "Listen address")
	serveCmd.Flags().String("control-dir", "", "Control directory root")
	serveCmd.Flags().String("hq", "", "HQ base URL (enables remote mode)")
	serveCmd.Flags().String("hq-token", "", "Bearer credential for HQ")
	serveCmd.Flags().String("name", "", "This server's name at HQ")
	serveCmd.Flags().Bool("hq-mode", false, "Accept remote registrations (HQ mode)")
	serveCmd.Flags().String("token", "", "Require this bearer token on requests")
	serveCmd.Flags().Bool("no-auth", false, "Disable request authentication")
	rootCmd.AddCommand(serveCmd)

	fwdCmd := &cobra.Command{
		Use:   "fwd <session-id> <command...>",
		Short: "Run a command in the current terminal as an external session",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runFwd,
	}
	fwdCmd.Flags().String("control-dir", "", "Control directory root")
	fwdCmd.Flags().Bool("record-input", false, "Also record stdin")
	rootCmd.AddCommand(fwdCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			commandRan = true
			fmt.Println(Version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if commandRan {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

// loadConfig merges file, environment, and flag configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if dir, _ := cmd.Flags().GetString("control-dir"); dir != "" {
		os.Setenv("VIBETUNNEL_CONTROL_DIR", dir)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("bind") {
		cfg.Bind, _ = cmd.Flags().GetString("bind")
	}
	if v, _ := cmd.Flags().GetString("hq"); v != "" {
		cfg.HQURL = v
	}
	if v, _ := cmd.Flags().GetString("hq-token"); v != "" {
		cfg.HQAuth = v
	}
	if v, _ := cmd.Flags().GetString("name"); v != "" {
		cfg.RemoteName = v
	}
	if v, _ := cmd.Flags().GetBool("no-auth"); v {
		cfg.NoAuth = true
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func runServe(cmd *cobra.Command, args []string) error {
	commandRan = true
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(cfg)

	if err := os.MkdirAll(cfg.ControlDir, 0o755); err != nil {
		return fmt.Errorf("creating control directory: %w", err)
	}

	// One server per control directory.
	lock := flock.New(filepath.Join(cfg.ControlDir, "vibetunnel.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring control directory lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another server already owns %s", cfg.ControlDir)
	}
	defer lock.Unlock()

	mgr, err := session.NewManager(cfg.ControlDir, Version, logger, nil)
	if err != nil {
		return err
	}
	agg := buffers.New(mgr.Snapshot, logger, nil)
	mgr.OnOutput = agg.Notify
	mgr.Subscribers = agg.Subscribers
	agg.OnZero = mgr.MaybeReap

	var registry *hq.Registry
	if hqMode, _ := cmd.Flags().GetBool("hq-mode"); hqMode {
		registry = hq.NewRegistry(logger, nil)
		registry.StartHealthLoop()
	}

	var hqClient *hq.Client
	if cfg.HQURL != "" {
		name := cfg.RemoteName
		if name == "" {
			name, _ = os.Hostname()
		}
		hqClient = hq.NewClient(hq.ClientConfig{
			HQURL: cfg.HQURL,
			Token: cfg.HQAuth,
			Name:  name,
			MyURL: fmt.Sprintf("http://%s:%d", cfg.Bind, cfg.Port),
		}, logger)
		mgr.OnChanged = hqClient.NotifySessionsChanged

		regCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := hqClient.Register(regCtx); err != nil {
			logger.Warn("HQ registration failed, continuing standalone", "error", err)
		}
		cancel()
	}

	auth := server.AllowAll
	if !cfg.NoAuth {
		if token, _ := cmd.Flags().GetString("token"); token != "" {
			auth = server.BearerAuth(token)
		} else if cfg.HQAuth != "" {
			auth = server.BearerAuth(cfg.HQAuth)
		}
	}

	srv := server.New(server.Options{
		Config:   cfg,
		Version:  Version,
		Manager:  mgr,
		Buffers:  agg,
		Registry: registry,
		HQClient: hqClient,
		Auth:     auth,
		Logger:   logger,
	})

	w, err := watcher.New(mgr, logger)
	if err != nil {
		return fmt.Errorf("watching control directory: %w", err)
	}
	w.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case err := <-errCh:
		w.Stop()
		return err
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", "signal", sig.String())
	}

	w.Stop()
	srv.Shutdown(context.Background())
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	commandRan = true
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s:%d/api/health", cfg.Bind, cfg.Port)
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Printf("Server not running at %s\n", url)
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	var health struct {
		OK      bool   `json:"ok"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &health); err != nil || !health.OK {
		fmt.Printf("Server at %s answered abnormally: %s\n", url, string(body))
		return nil
	}
	fmt.Printf("Server running at %s (version %s)\n", url, health.Version)
	return nil
}
