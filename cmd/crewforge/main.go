// CrewForge orchestrator binary. `serve` runs the HTTP API and background
// loops; the team, workflow, role and history subcommands drive the same
// composed services directly.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/crewforge/crewforge/pkg/version"
)

const appName = version.AppName

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	if err := rootCmd().Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.msg != "" {
				fmt.Fprintln(os.Stderr, "Error:", ee.msg)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}
}

// cliOptions are the persistent flags shared by every subcommand.
type cliOptions struct {
	configPath string
	envFile    string
	logLevel   string
	agentID    string
	roleID     string
}

func rootCmd() *cobra.Command {
	opts := &cliOptions{}

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Multi-agent software delivery orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "crewforge.yaml", "Path to the configuration file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Path to an optional .env file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.agentID, "agent", "cli", "Acting agent identity for access checks")
	cmd.PersistentFlags().StringVar(&opts.roleID, "role", "tech_lead", "Acting role for access checks")

	cmd.AddCommand(
		serveCmd(opts),
		teamCmd(opts),
		workflowCmd(opts),
		roleCmd(opts),
		historyCmd(opts),
		versionCmd(),
	)
	return cmd
}

// setup configures logging and loads the optional .env file before any
// subcommand runs.
func (o *cliOptions) setup() error {
	level := slog.LevelInfo
	switch strings.ToLower(o.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := godotenv.Load(o.envFile); err != nil {
		slog.Debug("No .env file loaded", "path", o.envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", o.envFile)
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Full())
		},
	}
}
