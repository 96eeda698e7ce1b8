// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// HashtagWatch follows the hashtags named by a room's name. Cursors holds the
// JSON object of tag to last seen status id, nil before the first poll.
type HashtagWatch struct {
	Room      id.RoomID
	Principal id.UserID
	Cursors   *string
}

// GetWatch returns the watch bound to room, or nil.
func (tx *Tx) GetWatch(ctx context.Context, room id.RoomID) (*HashtagWatch, error) {
	var w HashtagWatch
	err := tx.s.db.QueryRow(ctx, `SELECT room, principal, cursors FROM hashtag_watch WHERE room=$1`, room).
		Scan(&w.Room, &w.Principal, &w.Cursors)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get hashtag watch: %w", err)
	}
	return &w, nil
}

// ListWatches returns all watches owned by principal.
func (tx *Tx) ListWatches(ctx context.Context, principal id.UserID) ([]*HashtagWatch, error) {
	rows, err := tx.s.db.Query(ctx, `SELECT room, principal, cursors FROM hashtag_watch WHERE principal=$1 ORDER BY room`, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to list hashtag watches: %w", err)
	}
	defer rows.Close()
	var out []*HashtagWatch
	for rows.Next() {
		var w HashtagWatch
		if err := rows.Scan(&w.Room, &w.Principal, &w.Cursors); err != nil {
			return nil, fmt.Errorf("failed to scan hashtag watch: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// PutWatch inserts or replaces w.
func (tx *Tx) PutWatch(ctx context.Context, w *HashtagWatch) error {
	err := tx.exec(ctx, `
		INSERT INTO hashtag_watch (room, principal, cursors) VALUES ($1, $2, $3)
		ON CONFLICT (room) DO UPDATE SET principal=excluded.principal, cursors=excluded.cursors
	`, w.Room, w.Principal, w.Cursors)
	if err != nil {
		return fmt.Errorf("failed to put hashtag watch: %w", err)
	}
	return nil
}

// SetWatchCursors replaces the cursor blob of the watch bound to room. It is
// a no-op if the watch was deleted in the meantime.
func (tx *Tx) SetWatchCursors(ctx context.Context, room id.RoomID, cursors *string) error {
	if err := tx.exec(ctx, `UPDATE hashtag_watch SET cursors=$2 WHERE room=$1`, room, cursors); err != nil {
		return fmt.Errorf("failed to set hashtag cursors: %w", err)
	}
	return nil
}

// DeleteWatch removes the watch bound to room.
func (tx *Tx) DeleteWatch(ctx context.Context, room id.RoomID) error {
	if err := tx.exec(ctx, `DELETE FROM hashtag_watch WHERE room=$1`, room); err != nil {
		return fmt.Errorf("failed to delete hashtag watch: %w", err)
	}
	return nil
}
