// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// PendingAuth is an OAuth handshake waiting for the user to paste the code.
type PendingAuth struct {
	Principal    id.UserID
	InstanceURL  string
	PriorHandle  string
	ClientID     string
	ClientSecret string
}

// InstanceClient is the app registration of the bridge on one instance. Empty
// credentials mean the instance refused registration.
type InstanceClient struct {
	URL          string
	ClientID     string
	ClientSecret string
}

// Registered reports whether the instance accepted the app registration.
func (c *InstanceClient) Registered() bool {
	return c.ClientID != ""
}

func (tx *Tx) GetPendingAuth(ctx context.Context, principal id.UserID) (*PendingAuth, error) {
	var pa PendingAuth
	err := tx.s.db.QueryRow(ctx, `
		SELECT principal, instance_url, prior_handle, client_id, client_secret
		FROM pending_auth WHERE principal=$1
	`, principal).Scan(&pa.Principal, &pa.InstanceURL, &pa.PriorHandle, &pa.ClientID, &pa.ClientSecret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get pending auth: %w", err)
	}
	if pa.ClientSecret, err = tx.s.sealer.Open(pa.ClientSecret); err != nil {
		return nil, fmt.Errorf("failed to unseal client secret: %w", err)
	}
	return &pa, nil
}

// PutPendingAuth stores pa, superseding any earlier handshake of the same
// principal.
func (tx *Tx) PutPendingAuth(ctx context.Context, pa *PendingAuth) error {
	secret, err := tx.s.sealer.Seal(pa.ClientSecret)
	if err != nil {
		return fmt.Errorf("failed to seal client secret: %w", err)
	}
	err = tx.exec(ctx, `
		INSERT INTO pending_auth (principal, instance_url, prior_handle, client_id, client_secret)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (principal) DO UPDATE SET
			instance_url=excluded.instance_url, prior_handle=excluded.prior_handle,
			client_id=excluded.client_id, client_secret=excluded.client_secret
	`, pa.Principal, pa.InstanceURL, pa.PriorHandle, pa.ClientID, secret)
	if err != nil {
		return fmt.Errorf("failed to put pending auth: %w", err)
	}
	return nil
}

func (tx *Tx) DeletePendingAuth(ctx context.Context, principal id.UserID) error {
	if err := tx.exec(ctx, `DELETE FROM pending_auth WHERE principal=$1`, principal); err != nil {
		return fmt.Errorf("failed to delete pending auth: %w", err)
	}
	return nil
}

func (tx *Tx) GetInstanceClient(ctx context.Context, url string) (*InstanceClient, error) {
	var c InstanceClient
	err := tx.s.db.QueryRow(ctx, `SELECT url, client_id, client_secret FROM instance_client WHERE url=$1`, url).
		Scan(&c.URL, &c.ClientID, &c.ClientSecret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get instance client: %w", err)
	}
	if c.ClientSecret, err = tx.s.sealer.Open(c.ClientSecret); err != nil {
		return nil, fmt.Errorf("failed to unseal client secret: %w", err)
	}
	return &c, nil
}

// PutInstanceClient caches the app registration for c.URL. Existing rows are
// kept, the first registration wins.
func (tx *Tx) PutInstanceClient(ctx context.Context, c *InstanceClient) error {
	secret, err := tx.s.sealer.Seal(c.ClientSecret)
	if err != nil {
		return fmt.Errorf("failed to seal client secret: %w", err)
	}
	err = tx.exec(ctx, `
		INSERT INTO instance_client (url, client_id, client_secret) VALUES ($1, $2, $3)
		ON CONFLICT (url) DO NOTHING
	`, c.URL, c.ClientID, secret)
	if err != nil {
		return fmt.Errorf("failed to put instance client: %w", err)
	}
	return nil
}
