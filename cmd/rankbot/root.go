package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yanizio/rankbot/internal/config"
	"github.com/yanizio/rankbot/internal/logger"
)

var (
	// Set during PersistentPreRunE.
	cfg *config.Config

	// Persistent flags
	rootFlag  string
	levelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "rankbot",
	Short: "Position and permission engine for guild bots",
	Long: `rankbot - position and permission engine for guild bots

rankbot keeps a catalogue of positions, binds them to guild roles, and
decides who may run which command.  Roles follow positions across every
guild the bot is in.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.LoadWith(cmd.Context(), config.Options{Root: rootFlag})
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}

		level := resolveString(levelFlag, cfg.Log.Level)
		if _, err := logger.New(cfg.LogDir(), level, cfg.Log.Console || logger.RunningInTTY()); err != nil {
			return fmt.Errorf("starting logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Command group IDs
const (
	groupBot     = "bot"
	groupInspect = "inspect"
)

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlag, "root", "", "root directory holding conf/rankbot.yaml (default: auto-discover)")
	rootCmd.PersistentFlags().StringVar(&levelFlag, "log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddGroup(
		&cobra.Group{ID: groupBot, Title: "Bot:"},
		&cobra.Group{ID: groupInspect, Title: "Inspect:"},
	)

	runCmd.GroupID = groupBot
	rootCmd.AddCommand(runCmd)

	positionsCmd.GroupID = groupInspect
	schemaCmd.GroupID = groupInspect
	versionCmd.GroupID = groupInspect
	rootCmd.AddCommand(positionsCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "rankbot:", err)
		os.Exit(1)
	}
}

// resolveString returns the first non-empty string.  Flags come first, then
// configuration.
func resolveString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
