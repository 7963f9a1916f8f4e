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

package db

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bcem/phishguard/internal/metrics"
)

// State is the readiness of the process-wide pool.
type State int32

const (
	StateUninitialized State = iota
	StateConnecting
	StateReady
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ManagerConfig holds the configuration for the pool lifecycle manager.
type ManagerConfig struct {
	Connect    ConnectFunc
	Attempts   int
	RetryDelay time.Duration

	// OnFatal is called once when the pool cannot be established.
	// Wired by main.go to begin an orderly shutdown.
	OnFatal func(err error)
}

// Manager owns the pool. It is created once at startup and torn down on
// fatal failure or process shutdown.
type Manager struct {
	connect    ConnectFunc
	attempts   int
	retryDelay time.Duration
	onFatal    func(err error)

	mu    sync.RWMutex
	state State
	pool  Pool
	err   error

	// settled is closed once the state leaves Connecting for good.
	settled    chan struct{}
	settleOnce sync.Once
}

// NewManager creates a pool lifecycle manager. Nothing connects until Init.
func NewManager(cfg ManagerConfig) *Manager {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	metrics.SetPoolState(int(StateUninitialized))
	return &Manager{
		connect:    cfg.Connect,
		attempts:   attempts,
		retryDelay: cfg.RetryDelay,
		onFatal:    cfg.OnFatal,
		settled:    make(chan struct{}),
	}
}

// Init builds the pool, retrying connection-refused and operational errors
// up to the configured number of attempts. Any other error, or running out
// of attempts, marks the pool failed and triggers OnFatal. Cancelling ctx
// marks the pool failed without OnFatal.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateUninitialized {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("database pool already initialised (state %s)", state)
	}
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		slog.Info("connecting to database",
			"attempt", attempt,
			"max_attempts", m.attempts,
		)

		pool, err := m.connect(ctx)
		if err == nil {
			return m.ready(pool, attempt)
		}
		if ctx.Err() != nil {
			return m.abandon(fmt.Errorf("connect database: %w", ctx.Err()))
		}

		if !IsTransient(err) {
			metrics.RecordPoolInitAttempt("fatal")
			return m.fail(fmt.Errorf("connect database: %w", err))
		}

		metrics.RecordPoolInitAttempt("transient")
		lastErr = err

		if attempt == m.attempts {
			break
		}

		slog.Warn("couldn't connect to database, retrying",
			"attempt", attempt,
			"retry_in", m.retryDelay,
			"error", err,
		)
		if err := sleep(ctx, m.retryDelay); err != nil {
			return m.abandon(fmt.Errorf("connect database: %w", err))
		}
	}

	return m.fail(fmt.Errorf("%w: reached max attempts (%d): %w", ErrPoolUnavailable, m.attempts, lastErr))
}

func (m *Manager) ready(pool Pool, attempt int) error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		pool.Close()
		return ErrPoolClosed
	}
	m.pool = pool
	m.setStateLocked(StateReady)
	m.mu.Unlock()
	m.settle()

	metrics.RecordPoolInitAttempt("ok")
	slog.Info("database pool ready", "attempt", attempt)
	return nil
}

func (m *Manager) fail(err error) error {
	m.markFailed(err)
	slog.Error("database pool unavailable, shutting down", "error", err)
	if m.onFatal != nil {
		m.onFatal(err)
	}
	return err
}

// abandon ends an Init whose context was cancelled. The caller is already
// shutting down, so OnFatal is not called.
func (m *Manager) abandon(err error) error {
	m.markFailed(err)
	slog.Info("database connect abandoned", "error", err)
	return err
}

func (m *Manager) markFailed(err error) {
	m.mu.Lock()
	if m.state != StateClosed {
		m.setStateLocked(StateFailed)
	}
	m.err = err
	m.mu.Unlock()
	m.settle()
}

// Ready reports whether connections can be leased.
func (m *Manager) Ready() bool {
	return m.State() == StateReady
}

// State returns the current pool state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Wait blocks until the pool is ready, has failed, or ctx ends. It returns
// the pool only in the ready state.
func (m *Manager) Wait(ctx context.Context) (Pool, error) {
	select {
	case <-m.settled:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.state {
	case StateReady:
		return m.pool, nil
	case StateClosed:
		return nil, ErrPoolClosed
	}
	if m.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoolUnavailable, m.err)
	}
	return nil, ErrPoolUnavailable
}

// Ping checks the backend through the pool. Used by the health endpoint.
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	pool, state := m.pool, m.state
	m.mu.RUnlock()

	if state != StateReady {
		return fmt.Errorf("%w (state %s)", ErrPoolUnavailable, state)
	}
	return pool.Ping(ctx)
}

// Close tears the pool down. Outstanding handles may still be released.
func (m *Manager) Close() {
	m.mu.Lock()
	pool := m.pool
	m.pool = nil
	m.setStateLocked(StateClosed)
	m.mu.Unlock()
	m.settle()

	if pool != nil {
		pool.Close()
		slog.Info("database pool closed")
	}
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	metrics.SetPoolState(int(s))
}

func (m *Manager) settle() {
	m.settleOnce.Do(func() { close(m.settled) })
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
