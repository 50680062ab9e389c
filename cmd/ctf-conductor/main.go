package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/terra-clan/ctf-conductor/internal/config"
)

// Set by ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "ctf-conductor",
	Short: "Coordinate a team's CTF competitions on Discord",
	Long: `ctf-conductor tracks upcoming CTF competitions, schedules them as Discord
events, registers the team on the competition platform, mirrors its
challenges into per-task channels and keeps a live scoreboard.

Run "ctf-conductor serve" for the long-running service. The sessions
commands talk to a running service through its operator API.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "ctf-conductor %s\ncommit: %s\nbuilt:  %s\n", version, commit, date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "directory containing ctf-conductor.yaml")
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads configuration and installs the JSON logger at the configured level
func loadConfig() (*config.Config, error) {
	var paths []string
	if configDir != "" {
		paths = append(paths, configDir)
	}

	cfg, err := config.Load(paths...)
	if err != nil {
		return nil, err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Log.Level))); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))

	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
