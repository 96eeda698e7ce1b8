// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// ErrAlreadyLinked is returned when a principal that already has an account
// tries to link a different one.
var ErrAlreadyLinked = errors.New("principal already has a linked account")

// Feed selects one of the two per-account cursors.
type Feed int

const (
	FeedHome Feed = iota
	FeedNotifications
)

func (f Feed) String() string {
	switch f {
	case FeedHome:
		return "home"
	case FeedNotifications:
		return "notifications"
	default:
		return fmt.Sprintf("Feed(%d)", int(f))
	}
}

// Account links one Matrix user to one remote social account.
type Account struct {
	Principal   id.UserID
	Handle      string
	InstanceURL string
	Token       string
	HomeRoom    id.RoomID
	NotifRoom   id.RoomID
	LastHome    *string
	LastNotif   *string
	MutedHome   bool
	MutedNotif  bool
}

// Cursor returns the stored cursor for feed.
func (a *Account) Cursor(feed Feed) *string {
	if feed == FeedHome {
		return a.LastHome
	}
	return a.LastNotif
}

// Muted reports the mute flag for feed.
func (a *Account) Muted(feed Feed) bool {
	if feed == FeedHome {
		return a.MutedHome
	}
	return a.MutedNotif
}

const accountColumns = `principal, handle, instance_url, token, home_room, notif_room, last_home, last_notif, muted_home, muted_notif`

func (tx *Tx) scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var acc Account
	err := row.Scan(
		&acc.Principal, &acc.Handle, &acc.InstanceURL, &acc.Token,
		&acc.HomeRoom, &acc.NotifRoom, &acc.LastHome, &acc.LastNotif,
		&acc.MutedHome, &acc.MutedNotif,
	)
	if err != nil {
		return nil, err
	}
	acc.Token, err = tx.s.sealer.Open(acc.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal token of %s: %w", acc.Principal, err)
	}
	return &acc, nil
}

func (tx *Tx) getAccount(ctx context.Context, query string, args ...any) (*Account, error) {
	acc, err := tx.scanAccount(tx.s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acc, nil
}

// GetAccount returns the account of principal, or nil.
func (tx *Tx) GetAccount(ctx context.Context, principal id.UserID) (*Account, error) {
	return tx.getAccount(ctx, `SELECT `+accountColumns+` FROM account WHERE principal=$1`, principal)
}

// GetAccountByRoom returns the account whose Home or Notifications room is room.
func (tx *Tx) GetAccountByRoom(ctx context.Context, room id.RoomID) (*Account, error) {
	return tx.getAccount(ctx, `SELECT `+accountColumns+` FROM account WHERE home_room=$1 OR notif_room=$1`, room)
}

// ListAccounts returns every linked account.
func (tx *Tx) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := tx.s.db.Query(ctx, `SELECT `+accountColumns+` FROM account ORDER BY principal`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()
	var out []*Account
	for rows.Next() {
		acc, err := tx.scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

// PutAccount inserts or replaces acc.
func (tx *Tx) PutAccount(ctx context.Context, acc *Account) error {
	token, err := tx.s.sealer.Seal(acc.Token)
	if err != nil {
		return fmt.Errorf("failed to seal token: %w", err)
	}
	err = tx.exec(ctx, `
		INSERT INTO account (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (principal) DO UPDATE SET
			handle=excluded.handle, instance_url=excluded.instance_url, token=excluded.token,
			home_room=excluded.home_room, notif_room=excluded.notif_room,
			last_home=excluded.last_home, last_notif=excluded.last_notif,
			muted_home=excluded.muted_home, muted_notif=excluded.muted_notif
	`, acc.Principal, acc.Handle, acc.InstanceURL, token, acc.HomeRoom, acc.NotifRoom,
		acc.LastHome, acc.LastNotif, acc.MutedHome, acc.MutedNotif)
	if err != nil {
		return fmt.Errorf("failed to put account: %w", err)
	}
	return nil
}

// LinkAccount stores acc unless principal already has an account. Linking
// the same handle on the same instance again only replaces the token and
// reports refreshed. Any other existing account yields ErrAlreadyLinked.
func (tx *Tx) LinkAccount(ctx context.Context, acc *Account) (refreshed bool, err error) {
	existing, err := tx.GetAccount(ctx, acc.Principal)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, tx.PutAccount(ctx, acc)
	}
	if existing.Handle != acc.Handle || existing.InstanceURL != acc.InstanceURL {
		return false, ErrAlreadyLinked
	}
	existing.Token = acc.Token
	return true, tx.PutAccount(ctx, existing)
}

// SetMuted updates one mute flag of principal.
func (tx *Tx) SetMuted(ctx context.Context, principal id.UserID, feed Feed, muted bool) error {
	query := `UPDATE account SET muted_notif=$2 WHERE principal=$1`
	if feed == FeedHome {
		query = `UPDATE account SET muted_home=$2 WHERE principal=$1`
	}
	if err := tx.exec(ctx, query, principal, muted); err != nil {
		return fmt.Errorf("failed to set %s mute: %w", feed, err)
	}
	return nil
}

// SetCursor updates one feed cursor of principal without touching the rest
// of the row. A nil cursor clears it.
func (tx *Tx) SetCursor(ctx context.Context, principal id.UserID, feed Feed, cursor *string) error {
	query := `UPDATE account SET last_notif=$2 WHERE principal=$1`
	if feed == FeedHome {
		query = `UPDATE account SET last_home=$2 WHERE principal=$1`
	}
	if err := tx.exec(ctx, query, principal, cursor); err != nil {
		return fmt.Errorf("failed to set %s cursor: %w", feed, err)
	}
	return nil
}

// DeleteAccount removes the account of principal together with its direct
// threads, hashtag watches and any pending authorization.
func (tx *Tx) DeleteAccount(ctx context.Context, principal id.UserID) error {
	for _, q := range []string{
		`DELETE FROM direct_thread WHERE principal=$1`,
		`DELETE FROM hashtag_watch WHERE principal=$1`,
		`DELETE FROM pending_auth WHERE principal=$1`,
		`DELETE FROM account WHERE principal=$1`,
	} {
		if err := tx.exec(ctx, q, principal); err != nil {
			return fmt.Errorf("failed to delete account: %w", err)
		}
	}
	return nil
}
