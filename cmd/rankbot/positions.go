package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yanizio/rankbot/internal/bot"
	"github.com/yanizio/rankbot/internal/position"
)

var positionsGuild string

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "List the position catalogue",
	Long: `List every position ordered by level, with the roles each one is bound
to in one guild.`,
	Example: `  # Bindings in the host guild
  rankbot positions

  # Bindings in another guild
  rankbot positions --guild 123456789012345678`,
	RunE: func(cmd *cobra.Command, args []string) error {
		guildID := resolveString(positionsGuild, cfg.Bot.HostGuildID)
		return runPositions(cmd.Context(), cmd.OutOrStdout(), guildID)
	},
}

func init() {
	positionsCmd.Flags().StringVar(&positionsGuild, "guild", "", "guild whose role bindings are shown (default: bot.host_guild_id)")
}

func runPositions(ctx context.Context, out io.Writer, guildID string) error {
	b, err := bot.Open(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.Positions.Load(ctx); err != nil {
		return err
	}
	return printPositions(out, b.Positions.Catalog(), guildID)
}

func printPositions(out io.Writer, c *position.Catalog, guildID string) error {
	ps := c.Positions()
	if len(ps) == 0 {
		_, err := fmt.Fprintln(out, "No positions defined.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tLEVEL\tSTICKY\tROLES")
	for _, p := range ps {
		level := "-"
		if p.Ranked {
			level = fmt.Sprint(p.Level)
		}
		roles := "-"
		if guildID != "" {
			if ids := c.ConnectedRoles(guildID, p); len(ids) > 0 {
				roles = strings.Join(ids, ",")
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\n", p.ID, p.Name, level, p.Sticky, roles)
	}
	return w.Flush()
}
