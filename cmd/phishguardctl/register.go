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
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bcem/phishguard/internal/commands"
	"github.com/bcem/phishguard/internal/discord"
)

func commandsCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commands",
		Short: "Manage the bot's slash commands",
	}

	var baseURL string
	register := &cobra.Command{
		Use:   "register",
		Short: "Overwrite the global slash commands with the current definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.ApplicationID == "" {
				return errors.New("application_id is not configured")
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			client := discord.NewClient(ctx, cfg.Token, baseURL)
			defs := commands.Definitions()
			if err := client.RegisterCommands(ctx, cfg.ApplicationID, defs); err != nil {
				return err
			}
			for _, d := range defs {
				fmt.Fprintf(cmd.OutOrStdout(), "registered /%s\n", d.Name)
			}
			return nil
		},
	}
	register.Flags().StringVar(&baseURL, "api-url", discord.DefaultBaseURL, "Discord REST API base URL")

	cmd.AddCommand(register)
	return cmd
}
