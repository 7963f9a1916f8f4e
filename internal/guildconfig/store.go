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

// Package guildconfig provides a Postgres-backed store mapping each guild
// to its configured enforcement action. No row means filtering is disabled
// for that guild.
package guildconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bcem/phishguard/internal/db"
	"github.com/bcem/phishguard/internal/models"
)

// Record is one guild's enforcement setting.
type Record struct {
	GuildID   string
	Action    models.Action
	UpdatedAt time.Time
}

// Runner executes one operation on a leased connection. Implemented by
// db.Guard.
type Runner interface {
	Do(ctx context.Context, fn func(ctx context.Context, q db.Querier) error) error
}

// Store provides CRUD operations for guild settings. Every call makes a
// single round trip through the Runner; errors are returned as-is and are
// never turned into "not configured".
type Store struct {
	runner Runner
}

// NewStore creates a guild settings store backed by the given runner.
func NewStore(runner Runner) *Store {
	return &Store{runner: runner}
}

// EnsureSchema creates the phishing table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	err := s.runner.Do(ctx, func(ctx context.Context, q db.Querier) error {
		_, err := q.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS phishing (
				guild_id   TEXT PRIMARY KEY,
				action     TEXT NOT NULL CHECK (action IN ('delete', 'timeout', 'ban')),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`)
		return err
	})
	if err != nil {
		return fmt.Errorf("ensure phishing schema: %w", err)
	}
	slog.Info("guild config store initialised")
	return nil
}

// Get retrieves the setting for a guild. It returns (nil, nil) when the
// guild has none.
func (s *Store) Get(ctx context.Context, guildID string) (*Record, error) {
	var rec *Record
	err := s.runner.Do(ctx, func(ctx context.Context, q db.Querier) error {
		row := q.QueryRow(ctx, `
			SELECT guild_id, action, updated_at
			FROM phishing
			WHERE guild_id = $1
		`, guildID)
		r, err := scanRecord(row)
		rec = r
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get guild %s: %w", guildID, err)
	}
	return rec, nil
}

// Upsert inserts or replaces the action for a guild. Last writer wins.
func (s *Store) Upsert(ctx context.Context, guildID string, action models.Action) error {
	if !action.Valid() {
		return fmt.Errorf("upsert guild %s: invalid action %q", guildID, action)
	}
	err := s.runner.Do(ctx, func(ctx context.Context, q db.Querier) error {
		_, err := q.Exec(ctx, `
			INSERT INTO phishing (guild_id, action)
			VALUES ($1, $2)
			ON CONFLICT (guild_id) DO UPDATE SET
				action     = EXCLUDED.action,
				updated_at = NOW()
		`, guildID, string(action))
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert guild %s: %w", guildID, err)
	}
	return nil
}

// Delete removes a guild's setting. Deleting a missing row is not an error.
func (s *Store) Delete(ctx context.Context, guildID string) error {
	err := s.runner.Do(ctx, func(ctx context.Context, q db.Querier) error {
		_, err := q.Exec(ctx, `DELETE FROM phishing WHERE guild_id = $1`, guildID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete guild %s: %w", guildID, err)
	}
	return nil
}

// List returns every configured guild ordered by id.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	var records []Record
	err := s.runner.Do(ctx, func(ctx context.Context, q db.Querier) error {
		rows, err := q.Query(ctx, `
			SELECT guild_id, action, updated_at
			FROM phishing
			ORDER BY guild_id
		`)
		if err != nil {
			return err
		}
		defer rows.Close()
		records, err = collectRecords(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list guilds: %w", err)
	}
	return records, nil
}

// scanRecord scans a single row into a Record.
func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var action string
	err := row.Scan(&r.GuildID, &action, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Action = models.Action(action)
	return &r, nil
}

// collectRecords scans multiple rows into a slice of Records.
func collectRecords(rows pgx.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		var action string
		if err := rows.Scan(&r.GuildID, &action, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Action = models.Action(action)
		records = append(records, r)
	}
	return records, rows.Err()
}
