package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yanizio/rankbot/internal/bot"
	"github.com/yanizio/rankbot/internal/discord"
	"github.com/yanizio/rankbot/internal/guild"
	"github.com/yanizio/rankbot/internal/server"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the gateway and serve commands",
	Long: `Connect to the gateway, keep roles in sync with positions, and answer
slash commands until interrupted.`,
	Example: `  # Run with conf/rankbot.yaml from the current tree
  rankbot run

  # Run against another root with debug logging
  rankbot run --root /usr/local/rankbot --log-level debug`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx)
	},
}

// run wires the gateway to the bot.  Hooks are bound before the session
// opens so no interaction arrives without a dispatcher.
func run(ctx context.Context) error {
	state := guild.NewState("")
	gw, err := discord.New(cfg.Bot.Token, state)
	if err != nil {
		return err
	}

	b, err := bot.New(ctx, cfg, bot.Deps{
		State:  state,
		Roles:  gw,
		Checks: []server.Check{{Name: "gateway", Fn: gw.Check}},
	})
	if err != nil {
		return err
	}
	defer b.Close()

	gw.Bind(discord.Hooks{
		Perms:        b.Perms,
		Sync:         b.Sync,
		Host:         b.Host,
		Dispatcher:   b.Dispatcher,
		Commands:     b.Commands,
		OnGuildReady: b.OnGuildReady,
	})
	if err := gw.Open(ctx); err != nil {
		return err
	}
	defer gw.Close()

	zap.S().Infow("rankbot online", "version", version, "host_guild", cfg.Bot.HostGuildID)
	err = b.Start(ctx)
	zap.S().Infow("rankbot stopping", "error", err)
	return err
}
