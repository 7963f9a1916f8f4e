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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/puddle/v2"

	"github.com/bcem/phishguard/internal/metrics"
)

// Guard leases one connection per logical operation with bounded retries.
type Guard struct {
	manager    *Manager
	retries    int
	retryDelay time.Duration
}

// NewGuard creates a guard over the manager's pool.
func NewGuard(manager *Manager, retries int, retryDelay time.Duration) *Guard {
	if retries < 1 {
		retries = 1
	}
	return &Guard{
		manager:    manager,
		retries:    retries,
		retryDelay: retryDelay,
	}
}

// Do leases a connection, runs fn with it and releases it on every exit
// path, including a panic inside fn. fn's error is returned unchanged.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context, q Querier) error) error {
	h, err := g.acquire(ctx)
	if err != nil {
		return err
	}
	defer g.release(h)

	return fn(ctx, h)
}

func (g *Guard) acquire(ctx context.Context) (Handle, error) {
	// Tolerates callers that start before the pool finishes connecting.
	pool, err := g.manager.Wait(ctx)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= g.retries; attempt++ {
		if g.manager.State() == StateClosed {
			return nil, ErrPoolClosed
		}

		h, err := pool.Acquire(ctx)
		if err == nil {
			metrics.RecordAcquireAttempt("ok")
			return h, nil
		}

		if !IsTransient(err) {
			metrics.RecordAcquireAttempt("error")
			return nil, fmt.Errorf("acquire connection: %w", err)
		}

		metrics.RecordAcquireAttempt("transient")
		lastErr = err

		if attempt == g.retries {
			break
		}

		slog.Debug("connection lease failed, retrying",
			"attempt", attempt,
			"max_attempts", g.retries,
			"error", err,
		)
		if err := sleep(ctx, g.retryDelay); err != nil {
			return nil, fmt.Errorf("acquire connection: %w", err)
		}
	}

	metrics.RecordAcquireFailure()
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrAcquireFailed, g.retries, lastErr)
}

// release is best effort: a pool that is already torn down is expected
// during shutdown; anything else is logged and never masks the result of
// the operation.
func (g *Guard) release(h Handle) {
	err := h.Release()
	switch {
	case err == nil:
		metrics.RecordRelease("ok")
	case errors.Is(err, ErrPoolClosed), errors.Is(err, puddle.ErrClosedPool), g.manager.State() == StateClosed:
		metrics.RecordRelease("pool_closed")
	default:
		metrics.RecordRelease("error")
		slog.Warn("failed to release database connection", "error", err)
	}
}
