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

// Package db owns the process-wide Postgres pool. The Manager establishes
// the pool with bounded retries and reports readiness; the Guard leases one
// connection per logical operation and always returns it.
package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"
)

var (
	// ErrPoolUnavailable means the pool never became ready.
	ErrPoolUnavailable = errors.New("database pool unavailable")

	// ErrPoolClosed means the pool has been torn down.
	ErrPoolClosed = errors.New("database pool closed")

	// ErrAcquireFailed means every lease attempt for one operation failed.
	ErrAcquireFailed = errors.New("can't acquire database connection")

	errAlreadyReleased = errors.New("connection already released")
)

// Querier is the session surface handed to a guarded operation.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Handle is a leased connection. Release must be called exactly once.
type Handle interface {
	Querier
	Release() error
}

// Pool hands out connections. Implementations must never lease the same
// connection to two callers at once.
type Pool interface {
	Acquire(ctx context.Context) (Handle, error)
	Ping(ctx context.Context) error
	Close()
}

// ConnectFunc builds a ready-to-use pool.
type ConnectFunc func(ctx context.Context) (Pool, error)

// Dial returns a ConnectFunc that builds a pgxpool and verifies it with a ping.
func Dial(dsn string, minConns, maxConns int32) ConnectFunc {
	return func(ctx context.Context) (Pool, error) {
		cfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse database DSN: %w", err)
		}
		cfg.MinConns = minConns
		cfg.MaxConns = maxConns

		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return &pgPool{pool: pool}, nil
	}
}

type pgPool struct {
	pool *pgxpool.Pool
}

func (p *pgPool) Acquire(ctx context.Context) (Handle, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgHandle{conn: conn}, nil
}

func (p *pgPool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *pgPool) Close() {
	p.pool.Close()
}

type pgHandle struct {
	conn     *pgxpool.Conn
	released atomic.Bool
}

func (h *pgHandle) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return h.conn.Exec(ctx, sql, args...)
}

func (h *pgHandle) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return h.conn.QueryRow(ctx, sql, args...)
}

func (h *pgHandle) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return h.conn.Query(ctx, sql, args...)
}

func (h *pgHandle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return errAlreadyReleased
	}
	h.conn.Release()
	return nil
}

// IsTransient reports whether err looks like a backend that is down or
// restarting (connection refused, dropped sockets, Postgres connection
// exceptions) or a pool in an invalid state. Context cancellation is never
// transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrPoolClosed) || errors.Is(err, puddle.ErrClosedPool) {
		return true
	}

	// A server error decides, even when wrapped in a ConnectError.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08: connection exception, 53: insufficient resources,
		// 57P01-03: admin shutdown / crash shutdown / cannot connect now.
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"):
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return true
		}
		return false
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	return pgconn.SafeToRetry(err)
}
