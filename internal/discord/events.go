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

package discord

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/bcem/phishguard/internal/models"
)

type user struct {
	ID  string `json:"id"`
	Bot bool   `json:"bot"`
}

// messageCreate is the subset of a MESSAGE_CREATE payload we consume.
type messageCreate struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
	Content   string `json:"content"`
	Author    user   `json:"author"`
	WebhookID string `json:"webhook_id"`
}

// ParseMessage converts a MESSAGE_CREATE payload into a MessageEvent.
func ParseMessage(data []byte) (models.MessageEvent, error) {
	var m messageCreate
	if err := json.Unmarshal(data, &m); err != nil {
		return models.MessageEvent{}, fmt.Errorf("decode message: %w", err)
	}
	return models.MessageEvent{
		GuildID:     m.GuildID,
		ChannelID:   m.ChannelID,
		MessageID:   m.ID,
		AuthorID:    m.Author.ID,
		AuthorIsBot: m.Author.Bot || m.WebhookID != "",
		Content:     m.Content,
	}, nil
}

type interactionOption struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// interaction is the subset of an interaction payload we consume. It is the
// same over the gateway and the HTTP endpoint.
type interaction struct {
	ID      string `json:"id"`
	Type    int    `json:"type"`
	Token   string `json:"token"`
	GuildID string `json:"guild_id"`
	Member  *struct {
		User        user   `json:"user"`
		Permissions string `json:"permissions"`
	} `json:"member"`
	User *user `json:"user"`
	Data struct {
		Name    string              `json:"name"`
		Options []interactionOption `json:"options"`
	} `json:"data"`
}

// ParseInteraction converts an interaction payload into an Interaction.
func ParseInteraction(data []byte) (models.Interaction, error) {
	var in interaction
	if err := json.Unmarshal(data, &in); err != nil {
		return models.Interaction{}, fmt.Errorf("decode interaction: %w", err)
	}

	out := models.Interaction{
		ID:      in.ID,
		Token:   in.Token,
		Type:    models.InteractionType(in.Type),
		GuildID: in.GuildID,
		Command: in.Data.Name,
		Options: make(map[string]string, len(in.Data.Options)),
	}

	switch {
	case in.Member != nil:
		out.UserID = in.Member.User.ID
		if in.Member.Permissions != "" {
			perms, err := strconv.ParseInt(in.Member.Permissions, 10, 64)
			if err != nil {
				return models.Interaction{}, fmt.Errorf("parse member permissions %q: %w", in.Member.Permissions, err)
			}
			out.Permissions = perms
		}
	case in.User != nil:
		out.UserID = in.User.ID
	}

	for _, opt := range in.Data.Options {
		var s string
		if err := json.Unmarshal(opt.Value, &s); err != nil {
			s = string(opt.Value)
		}
		out.Options[opt.Name] = s
	}

	return out, nil
}
