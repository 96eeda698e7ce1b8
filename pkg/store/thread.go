// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// DirectThread binds a private conversation with one remote correspondent to
// a Matrix room.
type DirectThread struct {
	Room          id.RoomID
	Principal     id.UserID
	Correspondent string
}

func (tx *Tx) getThread(ctx context.Context, query string, args ...any) (*DirectThread, error) {
	var th DirectThread
	err := tx.s.db.QueryRow(ctx, query, args...).Scan(&th.Room, &th.Principal, &th.Correspondent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get direct thread: %w", err)
	}
	return &th, nil
}

// GetThread returns the thread of principal with correspondent, or nil.
func (tx *Tx) GetThread(ctx context.Context, principal id.UserID, correspondent string) (*DirectThread, error) {
	return tx.getThread(ctx, `SELECT room, principal, correspondent FROM direct_thread WHERE principal=$1 AND correspondent=$2`,
		principal, correspondent)
}

// GetThreadByRoom returns the thread bound to room, or nil.
func (tx *Tx) GetThreadByRoom(ctx context.Context, room id.RoomID) (*DirectThread, error) {
	return tx.getThread(ctx, `SELECT room, principal, correspondent FROM direct_thread WHERE room=$1`, room)
}

// ListThreads returns all threads owned by principal.
func (tx *Tx) ListThreads(ctx context.Context, principal id.UserID) ([]*DirectThread, error) {
	rows, err := tx.s.db.Query(ctx, `SELECT room, principal, correspondent FROM direct_thread WHERE principal=$1 ORDER BY room`, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to list direct threads: %w", err)
	}
	defer rows.Close()
	var out []*DirectThread
	for rows.Next() {
		var th DirectThread
		if err := rows.Scan(&th.Room, &th.Principal, &th.Correspondent); err != nil {
			return nil, fmt.Errorf("failed to scan direct thread: %w", err)
		}
		out = append(out, &th)
	}
	return out, rows.Err()
}

// PutThread stores th. A second thread for the same principal and
// correspondent violates the unique constraint and fails.
func (tx *Tx) PutThread(ctx context.Context, th *DirectThread) error {
	err := tx.exec(ctx, `INSERT INTO direct_thread (room, principal, correspondent) VALUES ($1, $2, $3)`,
		th.Room, th.Principal, th.Correspondent)
	if err != nil {
		return fmt.Errorf("failed to put direct thread: %w", err)
	}
	return nil
}

// DeleteThread removes the thread bound to room.
func (tx *Tx) DeleteThread(ctx context.Context, room id.RoomID) error {
	if err := tx.exec(ctx, `DELETE FROM direct_thread WHERE room=$1`, room); err != nil {
		return fmt.Errorf("failed to delete direct thread: %w", err)
	}
	return nil
}
