// Command isolate boots the core session/workspace orchestrator: the
// shell-facing command surface (subcommand ergonomics, JSON envelope
// rendering) is explicitly out of scope, but a minimal cobra root that
// opens the store and runs the worker pipeline is carried as the
// ambient "how a shell drives the core" wiring, the way cuemby-warren's
// cmd/warren/main.go boots its Manager.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lprior-repo/isolate/pkg/config"
	"github.com/lprior-repo/isolate/pkg/log"
	"github.com/lprior-repo/isolate/pkg/orchestrator"
)

var (
	logLevel string
	logJSON  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "isolate",
	Short: "isolate manages isolated DVCS workspaces and their merge queue",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(doctorCmd)
}

func initLogging() {
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the store and run the worker pipeline until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectDir, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to determine working directory: %w", err)
		}

		cfg, err := config.Load(projectDir)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		orch, err := orchestrator.Open(context.Background(), cfg, projectDir)
		if err != nil {
			return fmt.Errorf("failed to open orchestrator: %w", err)
		}

		orch.Start()
		fmt.Println("isolate serve: worker pipeline running, press Ctrl+C to stop")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		if err := orch.Close(); err != nil {
			return fmt.Errorf("failed to shut down cleanly: %w", err)
		}
		fmt.Println("✓ shutdown complete")
		return nil
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Open the store, print the state db path and session/lock counts, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectDir, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to determine working directory: %w", err)
		}

		cfg, err := config.Load(projectDir)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		ctx := context.Background()
		orch, err := orchestrator.Open(ctx, cfg, projectDir)
		if err != nil {
			return fmt.Errorf("failed to open orchestrator: %w", err)
		}
		defer orch.Close()

		if err := orch.RefreshGauges(ctx); err != nil {
			return fmt.Errorf("failed to collect state: %w", err)
		}

		sessions, err := orch.Registry().List(ctx, nil, true)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		locks, err := orch.Locks().Locks(ctx)
		if err != nil {
			return fmt.Errorf("failed to list locks: %w", err)
		}

		fmt.Printf("state db:  %s\n", cfg.StateDB)
		fmt.Printf("sessions:  %d\n", len(sessions))
		fmt.Printf("locks:     %d\n", len(locks))
		return nil
	},
}
