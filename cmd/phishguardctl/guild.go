// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bcem/phishguard/internal/config"
	"github.com/bcem/phishguard/internal/guildconfig"
	"github.com/bcem/phishguard/internal/models"
)

// guildStore is the store surface the guild subcommands use.
type guildStore interface {
	Get(ctx context.Context, guildID string) (*guildconfig.Record, error)
	Upsert(ctx context.Context, guildID string, action models.Action) error
	Delete(ctx context.Context, guildID string) error
	List(ctx context.Context) ([]guildconfig.Record, error)
}

type loader func() (*config.Config, error)

func guildCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guild",
		Short: "Inspect or change a guild's enforcement action",
	}

	// withStore loads config, connects, and runs fn against the store.
	withStore := func(fn func(ctx context.Context, cmd *cobra.Command, store guildStore, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			store, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer closeStore()

			return fn(ctx, cmd, store, args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <guild-id>",
		Short: "Show the configured action for a guild",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, cmd *cobra.Command, store guildStore, args []string) error {
			return runGet(ctx, cmd.OutOrStdout(), store, args[0])
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <guild-id> <delete|timeout|ban>",
		Short: "Set the action for a guild (enables filtering)",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(func(ctx context.Context, cmd *cobra.Command, store guildStore, args []string) error {
			return runSet(ctx, cmd.OutOrStdout(), store, args[0], args[1])
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear <guild-id>",
		Short: "Remove a guild's action (disables filtering)",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, cmd *cobra.Command, store guildStore, args []string) error {
			return runClear(ctx, cmd.OutOrStdout(), store, args[0])
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every guild with filtering enabled",
		Args:  cobra.NoArgs,
		RunE: withStore(func(ctx context.Context, cmd *cobra.Command, store guildStore, args []string) error {
			return runList(ctx, cmd.OutOrStdout(), store)
		}),
	})

	return cmd
}

func runGet(ctx context.Context, out io.Writer, store guildStore, guildID string) error {
	rec, err := store.Get(ctx, guildID)
	if err != nil {
		return err
	}
	if rec == nil {
		fmt.Fprintf(out, "%s: disabled\n", guildID)
		return nil
	}
	fmt.Fprintf(out, "%s: %s (%s)\n", guildID, rec.Action, rec.Action.Label())
	return nil
}

func runSet(ctx context.Context, out io.Writer, store guildStore, guildID, raw string) error {
	action, err := models.ParseAction(raw)
	if err != nil {
		return err
	}
	if err := store.Upsert(ctx, guildID, action); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %s (%s)\n", guildID, action, action.Label())
	return nil
}

func runClear(ctx context.Context, out io.Writer, store guildStore, guildID string) error {
	if err := store.Delete(ctx, guildID); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: disabled\n", guildID)
	return nil
}

func runList(ctx context.Context, out io.Writer, store guildStore) error {
	records, err := store.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GUILD\tACTION\tUPDATED")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.GuildID, r.Action, r.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}
