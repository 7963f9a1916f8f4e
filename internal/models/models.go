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

// Package models defines the data structures shared across the moderation service.
package models

import (
	"fmt"
	"strings"
)

// Action is the enforcement response configured for a guild.
// The string value is what gets persisted.
type Action string

const (
	ActionDelete        Action = "delete"
	ActionDeleteTimeout Action = "timeout"
	ActionDeleteBan     Action = "ban"
)

// Actions lists every valid action, mildest first.
var Actions = []Action{ActionDelete, ActionDeleteTimeout, ActionDeleteBan}

// ParseAction accepts the persisted value, the long form used by older
// command payloads ("delete_timeout") and the human labels.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "delete":
		return ActionDelete, nil
	case "timeout", "delete_timeout", "delete & timeout":
		return ActionDeleteTimeout, nil
	case "ban", "delete_ban", "delete & ban":
		return ActionDeleteBan, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionDelete, ActionDeleteTimeout, ActionDeleteBan:
		return true
	}
	return false
}

// Label is the user-facing name of the action.
func (a Action) Label() string {
	switch a {
	case ActionDelete:
		return "Delete"
	case ActionDeleteTimeout:
		return "Delete & Timeout"
	case ActionDeleteBan:
		return "Delete & Ban"
	}
	return string(a)
}

// MessageEvent is one inbound chat message as delivered by the gateway.
type MessageEvent struct {
	GuildID     string `json:"guild_id"`
	ChannelID   string `json:"channel_id"`
	MessageID   string `json:"message_id"`
	AuthorID    string `json:"author_id"`
	AuthorIsBot bool   `json:"author_is_bot"`
	Content     string `json:"content"`
}

// InteractionType mirrors the platform's interaction type codes.
type InteractionType int

const (
	InteractionPing               InteractionType = 1
	InteractionApplicationCommand InteractionType = 2
)

// Interaction is a slash-command invocation.
type Interaction struct {
	ID          string
	Token       string
	Type        InteractionType
	GuildID     string
	UserID      string
	Permissions int64
	Command     string
	Options     map[string]string
}

// Response is the reply sent back for an interaction.
type Response struct {
	Content   string
	Ephemeral bool
}

// EnforcementStep records one moderation call made for a message.
type EnforcementStep struct {
	Name  string `json:"name"` // "delete", "timeout", "ban"
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// EnforcementEvent describes an action taken against a phishing message.
// Published to Redis for downstream consumers; never stored relationally.
type EnforcementEvent struct {
	ID        string            `json:"id"`
	GuildID   string            `json:"guild_id"`
	ChannelID string            `json:"channel_id"`
	MessageID string            `json:"message_id"`
	AuthorID  string            `json:"author_id"`
	Action    Action            `json:"action"`
	Steps     []EnforcementStep `json:"steps"`
	At        string            `json:"at"`
}
