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

// Package discord provides the REST client used for moderation calls and
// the gateway connection that delivers message and interaction events.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/bcem/phishguard/internal/models"
)

// DefaultBaseURL is the versioned REST API root.
const DefaultBaseURL = "https://discord.com/api/v10"

// APIError is a non-2xx REST response.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord %s %s returned HTTP %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Client calls the REST API with the bot token.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

// NewClient creates a REST client. The bot token is attached to every
// request as "Authorization: Bot <token>".
func NewClient(ctx context.Context, token, baseURL string) *Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token,
		TokenType:   "Bot",
	})
	return newClient(oauth2.NewClient(ctx, src), baseURL)
}

func newClient(httpClient *http.Client, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		// Global limit is 50 requests per second per bot.
		limiter: rate.NewLimiter(rate.Limit(45), 10),
	}
}

// DeleteMessage removes a message from a channel.
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID, reason string) error {
	path := fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID)
	return c.do(ctx, http.MethodDelete, path, reason, nil, nil)
}

// TimeoutMember disables communication for a member until the given time.
func (c *Client) TimeoutMember(ctx context.Context, guildID, userID string, until time.Time, reason string) error {
	path := fmt.Sprintf("/guilds/%s/members/%s", guildID, userID)
	body := map[string]string{
		"communication_disabled_until": until.UTC().Format(time.RFC3339),
	}
	return c.do(ctx, http.MethodPatch, path, reason, body, nil)
}

// BanMember bans a member from the guild.
func (c *Client) BanMember(ctx context.Context, guildID, userID, reason string) error {
	path := fmt.Sprintf("/guilds/%s/bans/%s", guildID, userID)
	body := map[string]int{"delete_message_seconds": 0}
	return c.do(ctx, http.MethodPut, path, reason, body, nil)
}

// InteractionCallback is the body of an interaction response.
type InteractionCallback struct {
	Type int                      `json:"type"`
	Data *InteractionCallbackData `json:"data,omitempty"`
}

// InteractionCallbackData carries the reply message.
type InteractionCallbackData struct {
	Content string `json:"content"`
	Flags   int    `json:"flags,omitempty"`
}

const (
	callbackPong           = 1
	callbackChannelMessage = 4
	flagEphemeral          = 1 << 6
)

// PongCallback answers a PING interaction.
func PongCallback() InteractionCallback {
	return InteractionCallback{Type: callbackPong}
}

// MessageCallback builds a channel-message reply from a command response.
func MessageCallback(resp models.Response) InteractionCallback {
	data := &InteractionCallbackData{Content: resp.Content}
	if resp.Ephemeral {
		data.Flags = flagEphemeral
	}
	return InteractionCallback{Type: callbackChannelMessage, Data: data}
}

// RespondInteraction replies to an interaction received over the gateway.
func (c *Client) RespondInteraction(ctx context.Context, interactionID, token string, resp models.Response) error {
	path := fmt.Sprintf("/interactions/%s/%s/callback", interactionID, token)
	return c.do(ctx, http.MethodPost, path, "", MessageCallback(resp), nil)
}

// CommandOptionChoice is a fixed choice of a string option.
type CommandOptionChoice struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CommandOption is a slash-command argument.
type CommandOption struct {
	Type        int                   `json:"type"`
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Required    bool                  `json:"required,omitempty"`
	Choices     []CommandOptionChoice `json:"choices,omitempty"`
}

// ApplicationCommand is a global slash-command definition.
type ApplicationCommand struct {
	Name                     string          `json:"name"`
	Description              string          `json:"description"`
	Options                  []CommandOption `json:"options,omitempty"`
	DefaultMemberPermissions string          `json:"default_member_permissions,omitempty"`
	DMPermission             bool            `json:"dm_permission"`
}

// RegisterCommands overwrites the application's global commands.
func (c *Client) RegisterCommands(ctx context.Context, applicationID string, commands []ApplicationCommand) error {
	path := fmt.Sprintf("/applications/%s/commands", applicationID)
	return c.do(ctx, http.MethodPut, path, "", commands, nil)
}

// GatewayURL asks the API which gateway URL the bot should connect to.
func (c *Client) GatewayURL(ctx context.Context) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodGet, "/gateway/bot", "", nil, &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", fmt.Errorf("discord /gateway/bot returned no url")
	}
	return out.URL, nil
}

// do sends one request. in is JSON-encoded when non-nil; out is decoded
// from a 2xx body when non-nil.
func (c *Client) do(ctx context.Context, method, path, reason string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s %s body: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "DiscordBot (https://github.com/bcem/phishguard, 1.0)")
	if reason != "" {
		req.Header.Set("X-Audit-Log-Reason", url.PathEscape(reason))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discord %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: string(msg)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}
