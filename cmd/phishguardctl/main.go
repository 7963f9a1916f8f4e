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

// PhishGuard operator CLI.
//
// Inspects and edits guild settings directly in Postgres and registers the
// bot's slash commands. Reads the same config.yaml as the service.
//
// Usage:
//
//	phishguardctl guild get <guild-id>
//	phishguardctl guild set <guild-id> <delete|timeout|ban>
//	phishguardctl guild clear <guild-id>
//	phishguardctl guild list
//	phishguardctl commands register
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bcem/phishguard/internal/config"
	"github.com/bcem/phishguard/internal/db"
	"github.com/bcem/phishguard/internal/guildconfig"
)

var Version = "dev"

func main() {
	// Logs go to stderr so command output stays clean.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "phishguardctl",
		Short:         "PhishGuard operator tool",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config.yaml (default $CONFIG_PATH)")

	load := func() (*config.Config, error) {
		if configPath != "" {
			return config.LoadFile(configPath)
		}
		return config.Load()
	}

	root.AddCommand(guildCmd(load))
	root.AddCommand(commandsCmd(load))
	return root
}

// openStore connects to Postgres and returns a store plus a cleanup func.
// The CLI makes a single connection attempt; retries are for the service.
func openStore(ctx context.Context, cfg *config.Config) (*guildconfig.Store, func(), error) {
	manager := db.NewManager(db.ManagerConfig{
		Connect:  db.Dial(cfg.Database.DSN(), 1, 2),
		Attempts: 1,
	})
	if err := manager.Init(ctx); err != nil {
		return nil, nil, err
	}
	guard := db.NewGuard(manager, cfg.Database.AcquireRetries, cfg.Database.AcquireRetryDelay)
	return guildconfig.NewStore(guard), manager.Close, nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}
