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
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/puddle/v2"
)

// TestManager_RetriesThenReady verifies transient connect errors are retried
// and the pool becomes ready on the first success.
func TestManager_RetriesThenReady(t *testing.T) {
	var calls atomic.Int32
	pool := newFakePool(1)

	m := NewManager(ManagerConfig{
		Connect: func(context.Context) (Pool, error) {
			if calls.Add(1) < 3 {
				return nil, refused()
			}
			return pool, nil
		},
		Attempts:   5,
		RetryDelay: time.Millisecond,
		OnFatal:    func(error) { t.Error("OnFatal should not be called") },
	})

	if m.Ready() {
		t.Fatal("manager should not be ready before Init")
	}
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := calls.Load(); got != 3 {
		t.Errorf("connect calls = %d, want 3", got)
	}
	if !m.Ready() {
		t.Errorf("state = %s, want ready", m.State())
	}
}

// TestManager_ExhaustsAttempts verifies the bounded retry ends in a fatal
// failure that is reported to waiters and to OnFatal.
func TestManager_ExhaustsAttempts(t *testing.T) {
	var calls, fatals atomic.Int32

	m := NewManager(ManagerConfig{
		Connect: func(context.Context) (Pool, error) {
			calls.Add(1)
			return nil, refused()
		},
		Attempts:   5,
		RetryDelay: time.Millisecond,
		OnFatal:    func(error) { fatals.Add(1) },
	})

	err := m.Init(context.Background())
	if !errors.Is(err, ErrPoolUnavailable) {
		t.Fatalf("err = %v, want ErrPoolUnavailable", err)
	}
	if got := calls.Load(); got != 5 {
		t.Errorf("connect calls = %d, want 5", got)
	}
	if got := fatals.Load(); got != 1 {
		t.Errorf("OnFatal calls = %d, want 1", got)
	}
	if m.State() != StateFailed {
		t.Errorf("state = %s, want failed", m.State())
	}

	if _, err := m.Wait(context.Background()); !errors.Is(err, ErrPoolUnavailable) {
		t.Errorf("Wait err = %v, want ErrPoolUnavailable", err)
	}
}

// TestManager_NonTransientIsFatal verifies other errors are not retried.
func TestManager_NonTransientIsFatal(t *testing.T) {
	var calls atomic.Int32
	var fatalErr error

	m := NewManager(ManagerConfig{
		Connect: func(context.Context) (Pool, error) {
			calls.Add(1)
			return nil, fmt.Errorf("parse database DSN: %w", errBoom)
		},
		Attempts:   5,
		RetryDelay: time.Millisecond,
		OnFatal:    func(err error) { fatalErr = err },
	})

	err := m.Init(context.Background())
	if !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want errBoom", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("connect calls = %d, want 1", got)
	}
	if !errors.Is(fatalErr, errBoom) {
		t.Errorf("OnFatal err = %v", fatalErr)
	}
}

// TestManager_WaitBlocksUntilReady verifies waiters are released by Init.
func TestManager_WaitBlocksUntilReady(t *testing.T) {
	pool := newFakePool(1)
	release := make(chan struct{})

	m := NewManager(ManagerConfig{
		Connect: func(context.Context) (Pool, error) {
			<-release
			return pool, nil
		},
		Attempts: 1,
	})

	go m.Init(context.Background())

	got := make(chan Pool, 1)
	go func() {
		p, err := m.Wait(context.Background())
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		got <- p
	}()

	select {
	case <-got:
		t.Fatal("Wait returned before the pool was ready")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)

	select {
	case p := <-got:
		if p != Pool(pool) {
			t.Error("Wait returned a different pool")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Init")
	}
}

// TestManager_WaitHonoursContext verifies waiting can be abandoned.
func TestManager_WaitHonoursContext(t *testing.T) {
	m := NewManager(ManagerConfig{Attempts: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := m.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

// TestManager_Close verifies Close tears down the pool and rejects waiters.
func TestManager_Close(t *testing.T) {
	pool := newFakePool(1)
	m, err := readyManager(pool)
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	m.Close()

	if !pool.closed {
		t.Error("pool should be closed")
	}
	if m.State() != StateClosed {
		t.Errorf("state = %s, want closed", m.State())
	}
	if _, err := m.Wait(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Wait err = %v, want ErrPoolClosed", err)
	}
	if err := m.Ping(context.Background()); !errors.Is(err, ErrPoolUnavailable) {
		t.Errorf("Ping err = %v, want ErrPoolUnavailable", err)
	}
}

// TestManager_InitTwice verifies Init runs only once.
func TestManager_InitTwice(t *testing.T) {
	m, err := readyManager(newFakePool(1))
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := m.Init(context.Background()); err == nil {
		t.Error("second Init should fail")
	}
}

// TestIsTransient verifies error classification.
func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "connection refused", err: refused(), want: true},
		{name: "wrapped refused", err: fmt.Errorf("ping: %w", refused()), want: true},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, want: true},
		{name: "closed puddle", err: puddle.ErrClosedPool, want: true},
		{name: "closed pool", err: ErrPoolClosed, want: true},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, want: true},
		{name: "connection exception", err: &pgconn.PgError{Code: "08006"}, want: true},
		{name: "too many connections", err: &pgconn.PgError{Code: "53300"}, want: true},
		{name: "syntax error", err: &pgconn.PgError{Code: "42601"}, want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: false},
		{name: "other", err: errBoom, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// TestIsTransient_ServerRejectsConnect verifies that a server error
// wrapped in a ConnectError is classified by its SQLSTATE.
func TestIsTransient_ServerRejectsConnect(t *testing.T) {
	tests := []struct {
		name string
		code string
		want bool
	}{
		{name: "bad password", code: "28P01", want: false},
		{name: "unknown database", code: "3D000", want: false},
		{name: "cannot connect now", code: "57P03", want: true},
		{name: "too many connections", code: "53300", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn, _ := rejectingServer(t, tt.code)

			_, err := pgconn.Connect(context.Background(), dsn)
			var connectErr *pgconn.ConnectError
			if !errors.As(err, &connectErr) {
				t.Fatalf("err = %v, want a ConnectError", err)
			}
			if got := IsTransient(err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", err, got, tt.want)
			}
		})
	}
}

// TestManager_AuthFailureIsFatal verifies bad credentials end Init after
// one attempt.
func TestManager_AuthFailureIsFatal(t *testing.T) {
	dsn, conns := rejectingServer(t, "28P01")
	dial := Dial(dsn, 0, 2)

	var calls, fatals atomic.Int32
	m := NewManager(ManagerConfig{
		Connect: func(ctx context.Context) (Pool, error) {
			calls.Add(1)
			return dial(ctx)
		},
		Attempts:   5,
		RetryDelay: time.Millisecond,
		OnFatal:    func(error) { fatals.Add(1) },
	})

	err := m.Init(context.Background())
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "28P01" {
		t.Fatalf("err = %v, want SQLSTATE 28P01", err)
	}
	if errors.Is(err, ErrPoolUnavailable) {
		t.Errorf("err = %v, should fail before exhausting attempts", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("connect calls = %d, want 1", got)
	}
	if got := conns.Load(); got != 1 {
		t.Errorf("server connections = %d, want 1", got)
	}
	if got := fatals.Load(); got != 1 {
		t.Errorf("OnFatal calls = %d, want 1", got)
	}
	if m.State() != StateFailed {
		t.Errorf("state = %s, want failed", m.State())
	}
}

// TestManager_CancelDuringRetryIsNotFatal verifies shutting down while
// waiting to retry does not report a fatal database failure.
func TestManager_CancelDuringRetryIsNotFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	m := NewManager(ManagerConfig{
		Connect: func(context.Context) (Pool, error) {
			calls.Add(1)
			cancel()
			return nil, refused()
		},
		Attempts:   5,
		RetryDelay: time.Hour,
		OnFatal:    func(error) { t.Error("OnFatal should not be called after cancel") },
	})

	err := m.Init(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("connect calls = %d, want 1", got)
	}
	if m.Ready() {
		t.Error("manager should not be ready")
	}
	if _, err := m.Wait(context.Background()); err == nil {
		t.Error("Wait should fail after an abandoned Init")
	}
}

// TestState_String verifies state names used in logs.
func TestState_String(t *testing.T) {
	if StateReady.String() != "ready" || StateFailed.String() != "failed" {
		t.Errorf("unexpected names: %s, %s", StateReady, StateFailed)
	}
}
