// transcriptd watches Claude Code transcript directories, persists every
// message durably, and streams live events to WebSocket subscribers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"transcriptd/internal/config"
	"transcriptd/internal/daemon"
	"transcriptd/internal/persist"
	"transcriptd/internal/store"
)

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:           "transcriptd",
		Short:         "Transcript ingestion pipeline for Claude Code session logs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.config/transcriptd/config.toml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(serveCmd(), checkCmd(), replayCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := newLogger()
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return daemon.Run(ctx, cfg, logger)
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}

			st, err := store.Open(cfg.Persist.DBPath)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer st.Close()

			letters, err := st.DeadLetters(cmd.Context())
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}

			fmt.Printf("watch root:    %s\n", cfg.Watch.Root)
			fmt.Printf("database:      %s\n", cfg.Persist.DBPath)
			fmt.Printf("listen:        %s\n", cfg.Server.Listen)
			fmt.Printf("dead letters:  %d\n", len(letters))
			fmt.Println("ok")
			return nil
		},
	}
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Re-attempt dead-lettered batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := newLogger()

			st, err := store.Open(cfg.Persist.DBPath)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer st.Close()

			writer := persist.NewWriter(st, persist.Options{Logger: logger})
			replayed, err := writer.ReplayDeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("replayed %d batch(es)\n", replayed)
			return nil
		},
	}
}
