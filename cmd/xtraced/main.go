// Command xtraced runs the X-Trace report store server.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"xtrace/internal/config"
	"xtrace/internal/reportstore"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	rootCmd := &cobra.Command{
		Use:   "xtraced",
		Short: "X-Trace report store server",
	}
	rootCmd.PersistentFlags().String("home", "", "config directory (default: platform config dir)/xtraced")

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the report store and replay ingester",
		RunE: func(cmd *cobra.Command, args []string) error {
			homeFlag, _ := cmd.Flags().GetString("home")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return runServer(ctx, logger, homeFlag)
		},
	}

	replayCmd := &cobra.Command{
		Use:   "replay [file]",
		Short: "Ingest a file of framed reports into an already-running store's root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			homeFlag, _ := cmd.Flags().GetString("home")
			return runReplay(logger, homeFlag, args[0])
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serverCmd, replayCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveHome(homeFlag string) (string, error) {
	if homeFlag != "" {
		return homeFlag, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "xtraced"), nil
}

func runServer(ctx context.Context, logger *slog.Logger, homeFlag string) error {
	home, err := resolveHome(homeFlag)
	if err != nil {
		return err
	}

	cfg, err := config.Load(home)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := parseLevel(cfg.LogLevel)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store, err := reportstore.Open(reportstore.Config{
		Root:           cfg.Root,
		HandleValidFor: cfg.HandleValidFor,
		UpdaterSleep:   cfg.UpdaterSleep,
	}, logger)
	if err != nil {
		return fmt.Errorf("open report store: %w", err)
	}

	store.Start(ctx)
	defer store.Stop()

	logger.Info("xtraced listening", "addr", cfg.ListenAddr, "root", cfg.Root)
	return serveReplay(ctx, cfg.ListenAddr, store, logger)
}

func runReplay(logger *slog.Logger, homeFlag, path string) error {
	home, err := resolveHome(homeFlag)
	if err != nil {
		return err
	}

	cfg, err := config.Load(home)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := reportstore.Open(reportstore.Config{
		Root:           cfg.Root,
		HandleValidFor: cfg.HandleValidFor,
		UpdaterSleep:   cfg.UpdaterSleep,
	}, logger)
	if err != nil {
		return fmt.Errorf("open report store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.Start(ctx)
	defer store.Stop()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()

	frameReports(f, store)
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
