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

// Package pipeline runs the per-message enforcement flow: prefilter for
// links, look up the guild's action, classify, then moderate.
//
// Each message runs in its own goroutine. Stages inside one message run in
// order; different messages are not ordered relative to each other.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bcem/phishguard/internal/guildconfig"
	"github.com/bcem/phishguard/internal/metrics"
	"github.com/bcem/phishguard/internal/models"
)

// State is the last stage a message reached.
type State string

const (
	StateReceived     State = "received"
	StatePrefiltered  State = "prefiltered"
	StateConfigLookup State = "config_lookup"
	StateClassifying  State = "classifying"
	StateDeciding     State = "deciding"
	StateActed        State = "acted"
	StateSkipped      State = "skipped"
)

// Reasons attached to a Result.
const (
	ReasonNoContent             = "no_content"
	ReasonBotAuthor             = "bot_author"
	ReasonNotReady              = "not_ready"
	ReasonPoolNotReady          = "pool_not_ready"
	ReasonNoLink                = "no_link"
	ReasonDuplicate             = "duplicate"
	ReasonNotConfigured         = "not_configured"
	ReasonStoreError            = "store_error"
	ReasonBenign                = "benign"
	ReasonClassifierUnavailable = "classifier_unavailable"
	ReasonPhishing              = "phishing"
)

// auditReason is shown in the guild's audit log for every moderation call.
const auditReason = "Phishing link detected"

// Result is the outcome of one message's pipeline. State is Acted or
// Skipped; Stage is the stage that produced it.
type Result struct {
	State  State
	Stage  State
	Reason string
	Action models.Action
	Steps  []models.EnforcementStep
	// Err is the failure that ended the pipeline, or for Acted results the
	// first failed moderation call.
	Err error
}

// ActionStore looks up a guild's configured action.
type ActionStore interface {
	Get(ctx context.Context, guildID string) (*guildconfig.Record, error)
}

// Classifier decides whether text is phishing.
type Classifier interface {
	Classify(ctx context.Context, text string) (bool, error)
}

// Moderator performs platform moderation calls.
type Moderator interface {
	DeleteMessage(ctx context.Context, channelID, messageID, reason string) error
	TimeoutMember(ctx context.Context, guildID, userID string, until time.Time, reason string) error
	BanMember(ctx context.Context, guildID, userID, reason string) error
}

// LinkDetector is the cheap prefilter in front of the classifier.
type LinkDetector interface {
	ContainsLink(text string) bool
}

// Readiness reports whether the store's pool is usable.
type Readiness interface {
	Ready() bool
}

// Deduper reports whether a message id is seen for the first time.
type Deduper interface {
	IsNew(ctx context.Context, messageID string) (bool, error)
}

// Publisher records enforcement events for downstream consumers.
type Publisher interface {
	PublishEnforcement(ctx context.Context, event *models.EnforcementEvent) error
}

// Config wires the enforcer's collaborators. Dedup and Publisher are
// optional.
type Config struct {
	Store      ActionStore
	Classifier Classifier
	Moderator  Moderator
	Links      LinkDetector
	Pool       Readiness
	Dedup      Deduper
	Publisher  Publisher

	TimeoutDuration time.Duration
	CallTimeout     time.Duration
}

// Enforcer runs the pipeline for inbound messages.
type Enforcer struct {
	cfg   Config
	ready atomic.Bool
	wg    sync.WaitGroup

	// punish collapses concurrent timeouts/bans of the same author.
	punish singleflight.Group

	now func() time.Time
}

// NewEnforcer creates an enforcer. It skips every message until SetReady.
func NewEnforcer(cfg Config) *Enforcer {
	if cfg.TimeoutDuration <= 0 {
		cfg.TimeoutDuration = 24 * time.Hour
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Enforcer{cfg: cfg, now: time.Now}
}

// SetReady marks the service as connected to the platform.
func (e *Enforcer) SetReady(ready bool) {
	e.ready.Store(ready)
}

// Dispatch processes ev on its own goroutine and returns at once.
func (e *Enforcer) Dispatch(ev models.MessageEvent) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("pipeline panicked",
					"guild", ev.GuildID,
					"message_id", ev.MessageID,
					"panic", r,
				)
			}
		}()
		e.Process(context.Background(), ev)
	}()
}

// Wait blocks until every dispatched pipeline has finished.
func (e *Enforcer) Wait() {
	e.wg.Wait()
}

// Process runs the pipeline for one message and logs the outcome.
func (e *Enforcer) Process(ctx context.Context, ev models.MessageEvent) Result {
	res := e.run(ctx, ev)
	metrics.RecordPipelineResult(string(res.State), res.Reason)

	attrs := []any{
		"guild", ev.GuildID,
		"channel", ev.ChannelID,
		"message_id", ev.MessageID,
		"author", ev.AuthorID,
		"state", res.State,
		"stage", res.Stage,
		"reason", res.Reason,
	}
	switch {
	case res.State == StateActed && res.Err != nil:
		slog.Warn("phishing message partially enforced", append(attrs, "action", res.Action, "error", res.Err)...)
	case res.State == StateActed:
		slog.Info("phishing message enforced", append(attrs, "action", res.Action)...)
	case res.Err != nil:
		slog.Warn("message skipped", append(attrs, "error", res.Err)...)
	default:
		slog.Debug("message skipped", attrs...)
	}
	return res
}

func (e *Enforcer) run(ctx context.Context, ev models.MessageEvent) Result {
	if strings.TrimSpace(ev.Content) == "" {
		return skipped(StateReceived, ReasonNoContent, nil)
	}
	if ev.AuthorIsBot {
		return skipped(StateReceived, ReasonBotAuthor, nil)
	}
	if !e.ready.Load() {
		return skipped(StateReceived, ReasonNotReady, nil)
	}
	if e.cfg.Pool != nil && !e.cfg.Pool.Ready() {
		return skipped(StateReceived, ReasonPoolNotReady, nil)
	}

	if !e.cfg.Links.ContainsLink(ev.Content) {
		return skipped(StatePrefiltered, ReasonNoLink, nil)
	}

	rec, err := e.cfg.Store.Get(ctx, ev.GuildID)
	if err != nil {
		return skipped(StateConfigLookup, ReasonStoreError, err)
	}
	if rec == nil {
		return skipped(StateConfigLookup, ReasonNotConfigured, nil)
	}

	// Marked seen only once the lookup succeeded, so a replay of a message
	// that hit a store error is still processed.
	if e.cfg.Dedup != nil {
		isNew, err := e.cfg.Dedup.IsNew(ctx, ev.MessageID)
		if err != nil {
			slog.Warn("dedup check failed, proceeding", "message_id", ev.MessageID, "error", err)
		} else if !isNew {
			return skipped(StateConfigLookup, ReasonDuplicate, nil)
		}
	}

	malicious, err := e.cfg.Classifier.Classify(ctx, ev.Content)
	if err != nil {
		return skipped(StateClassifying, ReasonClassifierUnavailable, err)
	}
	if !malicious {
		return skipped(StateClassifying, ReasonBenign, nil)
	}

	res := e.enforce(ctx, ev, rec.Action)
	e.publish(ctx, ev, res)
	return res
}

// enforce deletes the message, then applies the secondary action. A failed
// delete does not stop the secondary action, and a failed secondary action
// leaves the deletion in place.
func (e *Enforcer) enforce(ctx context.Context, ev models.MessageEvent, action models.Action) Result {
	res := Result{State: StateActed, Stage: StateActed, Reason: ReasonPhishing, Action: action}

	record := func(name string, err error) {
		metrics.RecordModerationCall(name, err)
		step := models.EnforcementStep{Name: name, OK: err == nil}
		if err != nil {
			step.Error = err.Error()
			if res.Err == nil {
				res.Err = fmt.Errorf("%s: %w", name, err)
			}
		}
		res.Steps = append(res.Steps, step)
	}

	record("delete", e.call(ctx, func(ctx context.Context) error {
		return e.cfg.Moderator.DeleteMessage(ctx, ev.ChannelID, ev.MessageID, auditReason)
	}))

	switch action {
	case models.ActionDeleteTimeout:
		until := e.now().Add(e.cfg.TimeoutDuration)
		record("timeout", e.once(ev, "timeout", func(ctx context.Context) error {
			return e.cfg.Moderator.TimeoutMember(ctx, ev.GuildID, ev.AuthorID, until, auditReason)
		}))
	case models.ActionDeleteBan:
		record("ban", e.once(ev, "ban", func(ctx context.Context) error {
			return e.cfg.Moderator.BanMember(ctx, ev.GuildID, ev.AuthorID, auditReason)
		}))
	}

	return res
}

// once runs a punitive call, sharing one in-flight call between concurrent
// pipelines for the same guild and author.
func (e *Enforcer) once(ev models.MessageEvent, step string, fn func(ctx context.Context) error) error {
	key := step + ":" + ev.GuildID + ":" + ev.AuthorID
	_, err, shared := e.punish.Do(key, func() (any, error) {
		return nil, e.call(context.Background(), fn)
	})
	if shared {
		slog.Debug("punitive call shared with a concurrent pipeline", "step", step, "guild", ev.GuildID, "author", ev.AuthorID)
	}
	return err
}

// call bounds one platform call with its own timeout.
func (e *Enforcer) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	err := fn(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("call timed out after %s: %w", e.cfg.CallTimeout, err)
	}
	return err
}

func (e *Enforcer) publish(ctx context.Context, ev models.MessageEvent, res Result) {
	if e.cfg.Publisher == nil {
		return
	}
	event := &models.EnforcementEvent{
		GuildID:   ev.GuildID,
		ChannelID: ev.ChannelID,
		MessageID: ev.MessageID,
		AuthorID:  ev.AuthorID,
		Action:    res.Action,
		Steps:     res.Steps,
		At:        e.now().UTC().Format(time.RFC3339),
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	if err := e.cfg.Publisher.PublishEnforcement(ctx, event); err != nil {
		slog.Warn("failed to publish enforcement event", "message_id", ev.MessageID, "error", err)
	}
}

func skipped(state State, reason string, err error) Result {
	return Result{State: StateSkipped, Stage: state, Reason: reason, Err: err}
}
