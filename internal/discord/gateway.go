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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bcem/phishguard/internal/models"
)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// Gateway intents.
const (
	IntentGuilds         = 1 << 0
	IntentGuildMessages  = 1 << 9
	IntentMessageContent = 1 << 15

	DefaultIntents = IntentGuilds | IntentGuildMessages | IntentMessageContent
)

const maxReconnectDelay = time.Minute

var (
	errReconnect      = errors.New("gateway requested reconnect")
	errInvalidSession = errors.New("gateway invalidated session")
	errZombie         = errors.New("heartbeat not acknowledged")
)

// Handlers receive gateway events. They run on the read loop and must not
// block; long work belongs in its own goroutine.
type Handlers struct {
	OnReady       func()
	OnMessage     func(models.MessageEvent)
	OnInteraction func(models.Interaction)
}

// GatewayConfig holds the configuration for the gateway connection.
type GatewayConfig struct {
	Token    string
	Intents  int
	Handlers Handlers

	// URL is the gateway URL. When empty it is resolved with Resolve.
	URL     string
	Resolve func(ctx context.Context) (string, error)

	Dialer *websocket.Dialer
}

type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// Gateway keeps one websocket session alive and dispatches events.
type Gateway struct {
	token    string
	intents  int
	handlers Handlers
	url      string
	resolve  func(ctx context.Context) (string, error)
	dialer   *websocket.Dialer

	// seq is the last dispatch sequence number, -1 before the first one.
	seq atomic.Int64

	// Touched only by the Run goroutine.
	sessionID string
	resumeURL string

	writeMu sync.Mutex
}

// NewGateway creates a gateway client. Nothing connects until Run.
func NewGateway(cfg GatewayConfig) *Gateway {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	intents := cfg.Intents
	if intents == 0 {
		intents = DefaultIntents
	}
	g := &Gateway{
		token:    cfg.Token,
		intents:  intents,
		handlers: cfg.Handlers,
		url:      cfg.URL,
		resolve:  cfg.Resolve,
		dialer:   dialer,
	}
	g.seq.Store(-1)
	return g
}

// Run connects and reconnects until ctx is cancelled. It returns an error
// only when the gateway rejects the bot outright (bad token, bad intents).
func (g *Gateway) Run(ctx context.Context) error {
	delay := time.Second
	for {
		ready, err := g.session(ctx)
		if ctx.Err() != nil {
			slog.Info("gateway stopped")
			return nil
		}
		if isFatalClose(err) {
			return fmt.Errorf("gateway closed the connection: %w", err)
		}
		if ready {
			delay = time.Second
		}

		slog.Warn("gateway session ended, reconnecting",
			"error", err,
			"retry_in", delay,
			"resumable", g.sessionID != "",
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// session runs one websocket connection. It reports whether the session
// reached READY or RESUMED.
func (g *Gateway) session(ctx context.Context) (bool, error) {
	base := g.resumeURL
	if g.sessionID == "" || base == "" {
		base = g.url
	}
	if base == "" {
		if g.resolve == nil {
			return false, errors.New("no gateway url configured")
		}
		resolved, err := g.resolve(ctx)
		if err != nil {
			return false, fmt.Errorf("resolve gateway url: %w", err)
		}
		g.url = resolved
		base = resolved
	}

	conn, _, err := g.dialer.DialContext(ctx, strings.TrimRight(base, "/")+"/?v=10&encoding=json", nil)
	if err != nil {
		return false, fmt.Errorf("dial gateway: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sctx.Done()
		conn.Close()
	}()

	var hello payload
	if err := conn.ReadJSON(&hello); err != nil {
		return false, fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return false, fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var helloData struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &helloData); err != nil || helloData.HeartbeatInterval <= 0 {
		return false, fmt.Errorf("bad hello payload: %s", hello.D)
	}

	if g.sessionID != "" {
		err = g.send(conn, opResume, map[string]any{
			"token":      g.token,
			"session_id": g.sessionID,
			"seq":        g.seq.Load(),
		})
	} else {
		err = g.send(conn, opIdentify, map[string]any{
			"token":   g.token,
			"intents": g.intents,
			"properties": map[string]string{
				"os":      runtime.GOOS,
				"browser": "phishguard",
				"device":  "phishguard",
			},
		})
	}
	if err != nil {
		return false, err
	}

	var acked atomic.Bool
	acked.Store(true)
	heartbeatErr := make(chan error, 1)
	go func() {
		heartbeatErr <- g.heartbeat(sctx, conn, time.Duration(helloData.HeartbeatInterval)*time.Millisecond, &acked)
	}()

	ready := false
	for {
		var p payload
		if err := conn.ReadJSON(&p); err != nil {
			select {
			case hbErr := <-heartbeatErr:
				if hbErr != nil {
					return ready, hbErr
				}
			default:
			}
			return ready, err
		}
		if p.S != nil {
			g.seq.Store(*p.S)
		}

		switch p.Op {
		case opDispatch:
			if g.dispatch(p.T, p.D) {
				ready = true
			}
		case opHeartbeat:
			if err := g.send(conn, opHeartbeat, g.seqValue()); err != nil {
				return ready, err
			}
		case opHeartbeatAck:
			acked.Store(true)
		case opReconnect:
			return ready, errReconnect
		case opInvalidSession:
			var resumable bool
			_ = json.Unmarshal(p.D, &resumable)
			if !resumable {
				g.sessionID, g.resumeURL = "", ""
				g.seq.Store(-1)
			}
			return ready, errInvalidSession
		}
	}
}

// heartbeat sends a beat every interval. A beat that was never acked means
// the connection is dead; closing it unblocks the read loop.
func (g *Gateway) heartbeat(ctx context.Context, conn *websocket.Conn, interval time.Duration, acked *atomic.Bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !acked.Swap(false) {
				conn.Close()
				return errZombie
			}
			if err := g.send(conn, opHeartbeat, g.seqValue()); err != nil {
				return err
			}
		}
	}
}

// dispatch routes one event. It reports whether the session is now ready.
func (g *Gateway) dispatch(eventType string, data json.RawMessage) bool {
	switch eventType {
	case "READY":
		var r struct {
			SessionID        string `json:"session_id"`
			ResumeGatewayURL string `json:"resume_gateway_url"`
			User             user   `json:"user"`
		}
		if err := json.Unmarshal(data, &r); err != nil {
			slog.Error("failed to decode READY", "error", err)
			return false
		}
		g.sessionID, g.resumeURL = r.SessionID, r.ResumeGatewayURL
		slog.Info("gateway ready", "user_id", r.User.ID, "session_id", r.SessionID)
		if g.handlers.OnReady != nil {
			g.handlers.OnReady()
		}
		return true

	case "RESUMED":
		slog.Info("gateway session resumed", "session_id", g.sessionID)
		if g.handlers.OnReady != nil {
			g.handlers.OnReady()
		}
		return true

	case "MESSAGE_CREATE":
		if g.handlers.OnMessage == nil {
			return false
		}
		ev, err := ParseMessage(data)
		if err != nil {
			slog.Warn("failed to decode MESSAGE_CREATE", "error", err)
			return false
		}
		if ev.GuildID == "" {
			return false
		}
		g.handlers.OnMessage(ev)

	case "INTERACTION_CREATE":
		if g.handlers.OnInteraction == nil {
			return false
		}
		in, err := ParseInteraction(data)
		if err != nil {
			slog.Warn("failed to decode INTERACTION_CREATE", "error", err)
			return false
		}
		g.handlers.OnInteraction(in)
	}
	return false
}

func (g *Gateway) send(conn *websocket.Conn, op int, d any) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal op %d: %w", op, err)
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := conn.WriteJSON(payload{Op: op, D: raw}); err != nil {
		return fmt.Errorf("write op %d: %w", op, err)
	}
	return nil
}

// seqValue is the heartbeat payload: the last sequence or null.
func (g *Gateway) seqValue() any {
	if s := g.seq.Load(); s >= 0 {
		return s
	}
	return nil
}

// isFatalClose reports close codes after which reconnecting cannot help.
func isFatalClose(err error) bool {
	return websocket.IsCloseError(err,
		4004, // authentication failed
		4010, // invalid shard
		4011, // sharding required
		4012, // invalid API version
		4013, // invalid intents
		4014, // disallowed intents
	)
}
