// Package cmd is the operational CLI over the memory core. Thin glue only:
// every behaviour lives in internal/.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hculap/openclaw-omg/internal/config"
	"github.com/hculap/openclaw-omg/internal/core"
	"github.com/hculap/openclaw-omg/internal/telemetry"
)

// Version is set at build time via -ldflags "-X github.com/hculap/openclaw-omg/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "omg",
	Short: "omg — observational memory graph for OpenClaw agents",
	Long:  "omg maintains a long-lived knowledge graph distilled from agent conversations: observation, reflection, semantic dedup, and historical bootstrap.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: omg.json or $OMG_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(observeCmd())
	rootCmd.AddCommand(reflectCmd())
	rootCmd.AddCommand(dedupCmd())
	rootCmd.AddCommand(bootstrapCmd())
}

// telemetryShutdown flushes the OTLP exporter installed by loadCore; nil
// until a command loads a config with telemetry enabled.
var telemetryShutdown func(context.Context) error

// Execute runs the CLI, flushing telemetry before exiting.
func Execute() {
	err := rootCmd.Execute()

	if telemetryShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if shutdownErr := telemetryShutdown(ctx); shutdownErr != nil {
			slog.Warn("telemetry: shutdown failed", "error", shutdownErr)
		}
		cancel()
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("omg %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("OMG_CONFIG"); v != "" {
		return v
	}
	if _, err := os.Stat("omg.json"); err == nil {
		return "omg.json"
	}
	return ""
}

func loadCore() (*core.Core, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}

	if telemetryShutdown == nil {
		shutdown, err := telemetry.Setup(context.Background(), cfg.Telemetry)
		if err != nil {
			slog.Warn("telemetry: setup failed, continuing without export", "error", err)
		} else {
			telemetryShutdown = shutdown
		}
	}

	return core.New(cfg)
}
