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
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

// refused is what a dial to a stopped backend looks like.
func refused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
}

// fakeHandle is a leased slot of fakePool.
type fakeHandle struct {
	id         int
	pool       *fakePool
	busy       atomic.Int32
	releases   atomic.Int32
	releaseErr error
}

func (h *fakeHandle) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (h *fakeHandle) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func (h *fakeHandle) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }

func (h *fakeHandle) Release() error {
	h.releases.Add(1)
	h.pool.slots <- h
	return h.releaseErr
}

// fakePool leases a fixed set of handles. The first `failures` Acquire
// calls return failErr without leasing anything.
type fakePool struct {
	mu       sync.Mutex
	failures int
	failErr  error
	attempts int
	leases   int
	closed   bool

	handles []*fakeHandle
	slots   chan *fakeHandle
}

func newFakePool(size int) *fakePool {
	p := &fakePool{slots: make(chan *fakeHandle, size)}
	for i := 0; i < size; i++ {
		h := &fakeHandle{id: i, pool: p}
		p.handles = append(p.handles, h)
		p.slots <- h
	}
	return p
}

func (p *fakePool) Acquire(ctx context.Context) (Handle, error) {
	p.mu.Lock()
	p.attempts++
	if p.attempts <= p.failures {
		p.mu.Unlock()
		return nil, p.failErr
	}
	p.mu.Unlock()

	select {
	case h := <-p.slots:
		p.mu.Lock()
		p.leases++
		p.mu.Unlock()
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *fakePool) Ping(context.Context) error { return nil }

func (p *fakePool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakePool) counts() (attempts, leases int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts, p.leases
}

func (p *fakePool) totalReleases() int {
	n := 0
	for _, h := range p.handles {
		n += int(h.releases.Load())
	}
	return n
}

// readyManager returns a manager that has already connected to pool.
func readyManager(pool Pool) (*Manager, error) {
	m := NewManager(ManagerConfig{
		Connect:  func(context.Context) (Pool, error) { return pool, nil },
		Attempts: 1,
	})
	return m, m.Init(context.Background())
}

var errBoom = errors.New("boom")

// rejectingServer speaks just enough of the Postgres protocol to answer
// every startup message with ErrorResponse code. It returns a DSN for it and
// the number of connections accepted.
func rejectingServer(t *testing.T, code string) (string, *atomic.Int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	var conns atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns.Add(1)
			go func(conn net.Conn) {
				defer conn.Close()
				backend := pgproto3.NewBackend(conn, conn)
				if _, err := backend.ReceiveStartupMessage(); err != nil {
					return
				}
				backend.Send(&pgproto3.ErrorResponse{
					Severity: "FATAL",
					Code:     code,
					Message:  "rejected by test server",
				})
				_ = backend.Flush()
			}(conn)
		}
	}()

	return fmt.Sprintf("postgres://bot:wrong@%s/phishguard?sslmode=disable&connect_timeout=5", ln.Addr()), &conns
}
