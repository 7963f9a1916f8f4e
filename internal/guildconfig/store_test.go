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

package guildconfig

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bcem/phishguard/internal/db"
	"github.com/bcem/phishguard/internal/models"
)

// memTable is an in-memory stand-in for the phishing table. It understands
// exactly the statements the store issues.
type memTable struct {
	mu      sync.Mutex
	rows    map[string]string
	lastSQL string
	lastArg []any
	ops     int
}

func newMemTable() *memTable {
	return &memTable{rows: make(map[string]string)}
}

func (m *memTable) Do(ctx context.Context, fn func(ctx context.Context, q db.Querier) error) error {
	m.mu.Lock()
	m.ops++
	m.mu.Unlock()
	return fn(ctx, m)
}

func (m *memTable) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSQL, m.lastArg = sql, args

	switch {
	case strings.Contains(sql, "CREATE TABLE"):
		return pgconn.NewCommandTag("CREATE TABLE"), nil
	case strings.Contains(sql, "INSERT INTO phishing"):
		m.rows[args[0].(string)] = args[1].(string)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "DELETE FROM phishing"):
		id := args[0].(string)
		if _, ok := m.rows[id]; !ok {
			return pgconn.NewCommandTag("DELETE 0"), nil
		}
		delete(m.rows, id)
		return pgconn.NewCommandTag("DELETE 1"), nil
	}
	return pgconn.CommandTag{}, errors.New("unexpected statement: " + sql)
}

func (m *memTable) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSQL, m.lastArg = sql, args

	id := args[0].(string)
	action, ok := m.rows[id]
	if !ok {
		return memRow{err: pgx.ErrNoRows}
	}
	return memRow{values: []any{id, action, time.Unix(0, 0)}}
}

func (m *memTable) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := &memRows{}
	for _, id := range ids {
		rows.data = append(rows.data, []any{id, m.rows[id], time.Unix(0, 0)})
	}
	return rows, nil
}

type memRow struct {
	values []any
	err    error
}

func (r memRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(r.values, dest)
}

type memRows struct {
	data [][]any
	pos  int
}

func (r *memRows) Close()                                       {}
func (r *memRows) Err() error                                   { return nil }
func (r *memRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *memRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *memRows) Values() ([]any, error)                       { return r.data[r.pos-1], nil }
func (r *memRows) RawValues() [][]byte                          { return nil }
func (r *memRows) Conn() *pgx.Conn                              { return nil }

func (r *memRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *memRows) Scan(dest ...any) error {
	return assign(r.data[r.pos-1], dest)
}

func assign(values, dest []any) error {
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = values[i].(string)
		case *time.Time:
			*p = values[i].(time.Time)
		default:
			return errors.New("unsupported scan target")
		}
	}
	return nil
}

// failingRunner simulates the guard giving up.
type failingRunner struct{ err error }

func (f failingRunner) Do(context.Context, func(context.Context, db.Querier) error) error {
	return f.err
}

// TestStore_UpsertThenGet verifies upsert is idempotent and last write wins.
func TestStore_UpsertThenGet(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newMemTable())

	if err := s.Upsert(ctx, "g1", models.ActionDeleteTimeout); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rec, err := s.Get(ctx, "g1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil || rec.Action != models.ActionDeleteTimeout {
		t.Fatalf("record = %+v, want timeout", rec)
	}

	if err := s.Upsert(ctx, "g1", models.ActionDeleteBan); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rec, err = s.Get(ctx, "g1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil || rec.Action != models.ActionDeleteBan {
		t.Fatalf("record = %+v, want ban", rec)
	}
}

// TestStore_DeleteThenGet verifies cleared guilds read back as absent.
func TestStore_DeleteThenGet(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newMemTable())

	if err := s.Upsert(ctx, "g1", models.ActionDelete); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Delete(ctx, "g1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rec, err := s.Get(ctx, "g1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec != nil {
		t.Errorf("record = %+v, want nil", rec)
	}

	// Deleting again is a no-op.
	if err := s.Delete(ctx, "g1"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

// TestStore_ParameterizedQueries verifies ids are passed as arguments, never
// interpolated into SQL.
func TestStore_ParameterizedQueries(t *testing.T) {
	ctx := context.Background()
	table := newMemTable()
	s := NewStore(table)

	hostile := "1; DROP TABLE phishing"
	if err := s.Upsert(ctx, hostile, models.ActionDelete); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if strings.Contains(table.lastSQL, hostile) {
		t.Error("guild id was interpolated into SQL")
	}
	if table.lastArg[0] != hostile || table.lastArg[1] != "delete" {
		t.Errorf("args = %v", table.lastArg)
	}
}

// TestStore_InvalidAction verifies unknown actions never reach the database.
func TestStore_InvalidAction(t *testing.T) {
	table := newMemTable()
	s := NewStore(table)

	if err := s.Upsert(context.Background(), "g1", models.Action("kick")); err == nil {
		t.Fatal("expected error for invalid action")
	}
	if table.ops != 0 {
		t.Errorf("database touched %d times, want 0", table.ops)
	}
}

// TestStore_PropagatesErrors verifies store failures are not reported as
// "not configured".
func TestStore_PropagatesErrors(t *testing.T) {
	ctx := context.Background()
	s := NewStore(failingRunner{err: db.ErrAcquireFailed})

	rec, err := s.Get(ctx, "g1")
	if !errors.Is(err, db.ErrAcquireFailed) {
		t.Errorf("Get err = %v, want ErrAcquireFailed", err)
	}
	if rec != nil {
		t.Error("Get returned a record alongside an error")
	}
	if err := s.Upsert(ctx, "g1", models.ActionDelete); !errors.Is(err, db.ErrAcquireFailed) {
		t.Errorf("Upsert err = %v", err)
	}
	if err := s.Delete(ctx, "g1"); !errors.Is(err, db.ErrAcquireFailed) {
		t.Errorf("Delete err = %v", err)
	}
	if _, err := s.List(ctx); !errors.Is(err, db.ErrAcquireFailed) {
		t.Errorf("List err = %v", err)
	}
	if err := s.EnsureSchema(ctx); !errors.Is(err, db.ErrAcquireFailed) {
		t.Errorf("EnsureSchema err = %v", err)
	}
}

// TestStore_List verifies ordered listing.
func TestStore_List(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newMemTable())

	_ = s.EnsureSchema(ctx)
	_ = s.Upsert(ctx, "b", models.ActionDeleteBan)
	_ = s.Upsert(ctx, "a", models.ActionDelete)

	records, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].GuildID != "a" || records[1].Action != models.ActionDeleteBan {
		t.Errorf("records = %+v", records)
	}
}
