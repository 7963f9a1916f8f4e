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

// Package commands implements the slash commands guild admins use to turn
// phishing enforcement on and off.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bcem/phishguard/internal/discord"
	"github.com/bcem/phishguard/internal/guildconfig"
	"github.com/bcem/phishguard/internal/metrics"
	"github.com/bcem/phishguard/internal/models"
)

// Permission bits from the member's permission bitfield.
const (
	PermAdministrator int64 = 1 << 3
	PermManageGuild   int64 = 1 << 5
)

// DefaultTimeout keeps command handling inside the platform's 3s response
// window.
const DefaultTimeout = 2500 * time.Millisecond

// Command names.
const (
	CommandEnable  = "enable"
	CommandDisable = "disable"
	CommandStatus  = "status"
)

// Store is the guild config surface the commands mutate.
type Store interface {
	Get(ctx context.Context, guildID string) (*guildconfig.Record, error)
	Upsert(ctx context.Context, guildID string, action models.Action) error
	Delete(ctx context.Context, guildID string) error
}

// Handler answers slash-command interactions.
type Handler struct {
	store   Store
	timeout time.Duration
}

// NewHandler creates a command handler backed by the guild config store.
func NewHandler(store Store) *Handler {
	return &Handler{store: store, timeout: DefaultTimeout}
}

// Handle runs one command and returns the reply. It never returns an error;
// failures become a user-visible message.
func (h *Handler) Handle(ctx context.Context, in models.Interaction) models.Response {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	resp, result := h.handle(ctx, in)
	metrics.RecordCommand(in.Command, result)
	slog.Info("command handled",
		"command", in.Command,
		"guild", in.GuildID,
		"user", in.UserID,
		"result", result,
	)
	return resp
}

func (h *Handler) handle(ctx context.Context, in models.Interaction) (models.Response, string) {
	if in.GuildID == "" {
		return reply("This command can only be used in a server."), "denied"
	}

	switch in.Command {
	case CommandEnable:
		if !Authorized(in.Permissions) {
			return reply("You need the Manage Server permission to do that."), "denied"
		}
		action, err := models.ParseAction(in.Options["action"])
		if err != nil {
			return reply(fmt.Sprintf("Unknown action %q. Choose delete, timeout or ban.", in.Options["action"])), "invalid"
		}
		if err := h.store.Upsert(ctx, in.GuildID, action); err != nil {
			slog.Error("failed to save guild action", "guild", in.GuildID, "error", err)
			return reply("Something went wrong saving that setting. Please try again."), "error"
		}
		return reply(fmt.Sprintf("Alright, I'll %s when someone posts a phishing link.", strings.ToLower(action.Label()))), "ok"

	case CommandDisable:
		if !Authorized(in.Permissions) {
			return reply("You need the Manage Server permission to do that."), "denied"
		}
		if err := h.store.Delete(ctx, in.GuildID); err != nil {
			slog.Error("failed to clear guild action", "guild", in.GuildID, "error", err)
			return reply("Something went wrong clearing that setting. Please try again."), "error"
		}
		return reply("Phishing protection is now off for this server."), "ok"

	case CommandStatus:
		rec, err := h.store.Get(ctx, in.GuildID)
		if err != nil {
			slog.Error("failed to read guild action", "guild", in.GuildID, "error", err)
			return reply("Something went wrong reading the setting. Please try again."), "error"
		}
		if rec == nil {
			return reply("Phishing protection is off for this server."), "ok"
		}
		return reply(fmt.Sprintf("Phishing protection is on. Action: %s.", rec.Action.Label())), "ok"
	}

	return reply(fmt.Sprintf("Unknown command %q.", in.Command)), "unknown"
}

// Authorized reports whether the permission bitfield allows changing the
// guild's settings.
func Authorized(perms int64) bool {
	return perms&(PermAdministrator|PermManageGuild) != 0
}

func reply(content string) models.Response {
	return models.Response{Content: content, Ephemeral: true}
}

// Definitions returns the slash commands to register with the platform.
func Definitions() []discord.ApplicationCommand {
	choices := make([]discord.CommandOptionChoice, 0, len(models.Actions))
	for _, a := range models.Actions {
		choices = append(choices, discord.CommandOptionChoice{Name: a.Label(), Value: string(a)})
	}
	manage := strconv.FormatInt(PermManageGuild, 10)

	return []discord.ApplicationCommand{
		{
			Name:        CommandEnable,
			Description: "Turn on phishing protection and choose what happens to offenders",
			Options: []discord.CommandOption{{
				Type:        3, // string
				Name:        "action",
				Description: "What to do when someone posts a phishing link",
				Required:    true,
				Choices:     choices,
			}},
			DefaultMemberPermissions: manage,
		},
		{
			Name:                     CommandDisable,
			Description:              "Turn off phishing protection",
			DefaultMemberPermissions: manage,
		},
		{
			Name:        CommandStatus,
			Description: "Show the current phishing protection setting",
		},
	}
}
