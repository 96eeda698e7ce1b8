// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"fmt"
)

type upgrade struct {
	message string
	query   string
}

// upgrades are applied in order and never edited once released. Version N
// means the first N entries have been applied.
var upgrades = []upgrade{
	{"initial schema", `
		CREATE TABLE account (
			principal    TEXT PRIMARY KEY,
			handle       TEXT NOT NULL,
			instance_url TEXT NOT NULL,
			token        TEXT NOT NULL,
			home_room    TEXT NOT NULL,
			notif_room   TEXT NOT NULL,
			last_home    TEXT,
			last_notif   TEXT,
			muted_home   BOOLEAN NOT NULL DEFAULT false,
			muted_notif  BOOLEAN NOT NULL DEFAULT false
		);
		CREATE TABLE direct_thread (
			room          TEXT PRIMARY KEY,
			principal     TEXT NOT NULL REFERENCES account(principal) ON DELETE CASCADE,
			correspondent TEXT NOT NULL,
			UNIQUE (principal, correspondent)
		);
		CREATE TABLE pending_auth (
			principal     TEXT PRIMARY KEY,
			instance_url  TEXT NOT NULL,
			prior_handle  TEXT NOT NULL DEFAULT '',
			client_id     TEXT NOT NULL,
			client_secret TEXT NOT NULL
		);
		CREATE TABLE instance_client (
			url           TEXT PRIMARY KEY,
			client_id     TEXT NOT NULL DEFAULT '',
			client_secret TEXT NOT NULL DEFAULT ''
		);
	`},
	{"add hashtag watches", `
		CREATE TABLE hashtag_watch (
			room      TEXT PRIMARY KEY,
			principal TEXT NOT NULL REFERENCES account(principal) ON DELETE CASCADE,
			cursors   TEXT
		);
		CREATE INDEX hashtag_watch_principal_idx ON hashtag_watch (principal);
	`},
	{"index account rooms", `
		CREATE INDEX account_home_room_idx ON account (home_room);
		CREATE INDEX account_notif_room_idx ON account (notif_room);
	`},
}

// LatestVersion is the schema version this build writes.
var LatestVersion = len(upgrades)

func (s *Store) upgrade(ctx context.Context) error {
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		if _, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS version (version INTEGER NOT NULL)`); err != nil {
			return fmt.Errorf("failed to create version table: %w", err)
		}
		var current int
		err := s.db.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM version`).Scan(&current)
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
		if current > len(upgrades) {
			return fmt.Errorf("database schema v%d is newer than supported v%d", current, len(upgrades))
		}
		for i := current; i < len(upgrades); i++ {
			s.log.Info().Int("version", i+1).Str("upgrade", upgrades[i].message).Msg("Upgrading database schema")
			if _, err := s.db.Exec(ctx, upgrades[i].query); err != nil {
				return fmt.Errorf("failed to apply schema upgrade %d (%s): %w", i+1, upgrades[i].message, err)
			}
		}
		if current == len(upgrades) {
			return nil
		}
		if _, err := s.db.Exec(ctx, `DELETE FROM version`); err != nil {
			return fmt.Errorf("failed to clear schema version: %w", err)
		}
		if _, err := s.db.Exec(ctx, `INSERT INTO version (version) VALUES ($1)`, len(upgrades)); err != nil {
			return fmt.Errorf("failed to store schema version: %w", err)
		}
		return nil
	})
}

// Version returns the schema version recorded in the database.
func (s *Store) Version(ctx context.Context) (int, error) {
	var v int
	err := s.Txn(ctx, func(ctx context.Context, _ *Tx) error {
		return s.db.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM version`).Scan(&v)
	})
	return v, err
}
