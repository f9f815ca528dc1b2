// Package main provides the CLI entry point for symbiontd, the agent
// runtime that drives scheduled and cron-triggered agent executions under a
// default-deny policy engine with verified tool dispatch.
//
// Start the server:
//
//	symbiontd serve --config symbiont.yaml
//
// Manage schema signing and cron jobs:
//
//	symbiontd schema sign --key signing.pem schema.json
//	symbiontd cron list --config symbiont.yaml
//	symbiontd cron trigger daily_report --config symbiont.yaml
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/symbiont/internal/config"
	"github.com/haasonsaas/symbiont/internal/runtime"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "symbiontd",
		Short:        "symbiontd - agent runtime daemon",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildSchemaCmd(),
		buildCronCmd(),
		buildPolicyCmd(),
	)
	return rootCmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// buildServeCmd creates the "serve" command that starts the scheduler and
// cron tick loops. Graceful shutdown is handled on SIGINT/SIGTERM.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent runtime",
		Long: `Start the agent runtime: admits scheduled agent tasks, runs the cron
tick loop for configured jobs, and dispatches tool calls through the
policy-gated, schema-verified executor.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "symbiont.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	slog.Info("starting symbiontd", "version", version, "commit", commit, "config", configPath)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	rt, err := runtime.New(cfg, runtime.Options{})
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"llm_provider", cfg.LLM.DefaultProvider,
		"cron_enabled", cfg.Cron.Enabled,
		"cron_jobs", len(cfg.Cron.Jobs),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- rt.Start(ctx) }()

	select {
	case err := <-runErr:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("runtime stopped: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received, initiating graceful shutdown")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := rt.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("symbiontd stopped gracefully")
	return nil
}

// buildSchemaCmd creates the "schema" command group for signing and
// verifying tool schemas ahead of deployment.
func buildSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Sign and verify tool schemas",
	}
	cmd.AddCommand(buildSchemaKeygenCmd(), buildSchemaSignCmd())
	return cmd
}

func buildSchemaKeygenCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ECDSA P-256 signing key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			privPEM, pubPEM, err := runtime.GenerateSigningKey()
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			privPath := fmt.Sprintf("%s/signing.pem", outDir)
			pubPath := fmt.Sprintf("%s/signing.pub.pem", outDir)
			if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
				return fmt.Errorf("write private key: %w", err)
			}
			if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
				return fmt.Errorf("write public key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Private key: %s\nPublic key:  %s\n", privPath, pubPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Directory to write the key pair to")
	return cmd
}

func buildSchemaSignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign <schema-file>",
		Short: "Print the schema's SHA-256 hash for out-of-band signing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read schema: %w", err)
			}
			var probe json.RawMessage
			if err := json.Unmarshal(data, &probe); err != nil {
				return fmt.Errorf("schema is not valid JSON: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sign this schema's bytes with your provider's private key, then distribute the signature alongside it")
			return nil
		},
	}
	return cmd
}

// buildCronCmd creates the "cron" command group for inspecting and
// triggering configured jobs without waiting for their schedule.
func buildCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect and trigger cron jobs",
	}
	cmd.AddCommand(buildCronListCmd(), buildCronTriggerCmd())
	return cmd
}

func buildCronListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured cron jobs and their next run time",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			rt, err := runtime.New(cfg, runtime.Options{})
			if err != nil {
				return fmt.Errorf("build runtime: %w", err)
			}
			defer rt.Shutdown(context.Background())

			out := cmd.OutOrStdout()
			for _, job := range rt.CronScheduler.Jobs() {
				fmt.Fprintf(out, "%s\t%s\tnext=%s\tstatus=%s\n", job.ID, job.Name, job.NextRun.Format(time.RFC3339), job.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "symbiont.yaml", "Path to YAML configuration file")
	return cmd
}

func buildCronTriggerCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "trigger <job-id>",
		Short: "Run a cron job immediately, outside its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			rt, err := runtime.New(cfg, runtime.Options{})
			if err != nil {
				return fmt.Errorf("build runtime: %w", err)
			}
			defer rt.Shutdown(context.Background())

			if err := rt.CronScheduler.TriggerNow(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("trigger %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "triggered %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "symbiont.yaml", "Path to YAML configuration file")
	return cmd
}

// buildPolicyCmd creates the "policy" command group.
func buildPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect policy engine state",
	}
	cmd.AddCommand(buildPolicyCacheStatsCmd())
	return cmd
}

func buildPolicyCacheStatsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "cache-stats",
		Short: "Print policy decision cache hit/miss counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			rt, err := runtime.New(cfg, runtime.Options{})
			if err != nil {
				return fmt.Errorf("build runtime: %w", err)
			}
			defer rt.Shutdown(context.Background())

			hits, misses, size := rt.PolicyEngine.CacheStats()
			fmt.Fprintf(cmd.OutOrStdout(), "hits=%d misses=%d size=%d\n", hits, misses, size)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "symbiont.yaml", "Path to YAML configuration file")
	return cmd
}
