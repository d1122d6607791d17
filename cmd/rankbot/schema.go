package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yanizio/rankbot/internal/bot"
	"github.com/yanizio/rankbot/internal/row"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Show the table layout read from the database",
	Long: `Read columns and primary keys from information_schema the way the bot
does at start-up and print them, together with every other table in the
current schema.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSchema(cmd.Context(), cmd.OutOrStdout())
	},
}

func runSchema(ctx context.Context, out io.Writer) error {
	b, err := bot.Open(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer b.Close()
	return printSchema(out, b.Schemas)
}

func printSchema(out io.Writer, reg *row.Registry) error {
	for _, table := range reg.Tables() {
		s, err := reg.Lookup(table)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(out, "%s\n  columns: %s\n  key:     %s\n",
			table, strings.Join(s.Columns, ", "), strings.Join(s.UniqueKeys, ", ")); err != nil {
			return err
		}
	}
	return nil
}
