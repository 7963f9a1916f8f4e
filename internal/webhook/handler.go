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

// Package webhook serves the HTTP interactions endpoint. When an
// interactions endpoint URL is configured for the application, the platform
// POSTs slash-command invocations here instead of sending them over the
// gateway. Every request is signed with the application's Ed25519 key.
package webhook

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/bcem/phishguard/internal/discord"
	"github.com/bcem/phishguard/internal/models"
)

// maxBodyBytes bounds an interaction payload.
const maxBodyBytes = 1 << 20

// CommandHandler answers one slash command.
type CommandHandler interface {
	Handle(ctx context.Context, in models.Interaction) models.Response
}

// Handler verifies and answers interaction requests.
type Handler struct {
	publicKey ed25519.PublicKey
	commands  CommandHandler
}

// NewHandler creates an interactions handler. publicKeyHex is the
// application's public key as shown in the developer portal.
func NewHandler(publicKeyHex string, commands CommandHandler) (*Handler, error) {
	key, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(key), ed25519.PublicKeySize)
	}
	return &Handler{
		publicKey: ed25519.PublicKey(key),
		commands:  commands,
	}, nil
}

// ServeInteraction handles one interaction request.
//
// Interaction flow:
//   - Verify X-Signature-Ed25519 over X-Signature-Timestamp + body; reject with 401 otherwise
//   - PING is answered with PONG (the platform probes the endpoint this way)
//   - Application commands are answered inline with an ephemeral message
func (h *Handler) ServeInteraction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		slog.Error("failed to read interaction body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !h.verify(r.Header.Get("X-Signature-Ed25519"), r.Header.Get("X-Signature-Timestamp"), body) {
		slog.Warn("rejected interaction with bad signature", "remote", r.RemoteAddr)
		http.Error(w, "invalid request signature", http.StatusUnauthorized)
		return
	}

	in, err := discord.ParseInteraction(body)
	if err != nil {
		slog.Warn("interaction body not valid", "error", err, "body_len", len(body))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch in.Type {
	case models.InteractionPing:
		writeJSON(w, discord.PongCallback())
	case models.InteractionApplicationCommand:
		resp := h.commands.Handle(r.Context(), in)
		writeJSON(w, discord.MessageCallback(resp))
	default:
		slog.Debug("ignoring interaction type", "type", in.Type)
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (h *Handler) verify(sigHex, timestamp string, body []byte) bool {
	if sigHex == "" || timestamp == "" {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	msg := make([]byte, 0, len(timestamp)+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, body...)
	return ed25519.Verify(h.publicKey, msg, sig)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write interaction response", "error", err)
	}
}

// Serve starts the interactions HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned channel
// before starting to accept connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/interactions", handler.ServeInteraction)

	server := &http.Server{
		Handler: mux,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind interactions port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("interactions server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("interactions server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("interactions server error", "error", err)
		}
	}()

	return ready, nil
}
