// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mastodon/pkg/chat"
	"github.com/aiku/mautrix-mastodon/pkg/social"
	"github.com/aiku/mautrix-mastodon/pkg/store"
)

var errAccountGone = errors.New("account was logged out")

// Resolver maps a remote correspondent to the private room of a linked
// account, creating the room the first time.
type Resolver struct {
	bridge *Bridge
	group  singleflight.Group
	log    zerolog.Logger
}

func NewResolver(b *Bridge) *Resolver {
	return &Resolver{bridge: b, log: b.Log.With().Str("component", "resolver").Logger()}
}

type resolution struct {
	room    id.RoomID
	created bool
}

func (r *Resolver) lookup(ctx context.Context, principal id.UserID, handle string) (*store.DirectThread, error) {
	return store.View(ctx, r.bridge.Store, func(ctx context.Context, tx *store.Tx) (*store.DirectThread, error) {
		return tx.GetThread(ctx, principal, handle)
	})
}

// ResolveDirect returns the room of acc's private conversation with
// correspondent and whether it was created by this call. Concurrent calls
// for the same pair share one creation.
func (r *Resolver) ResolveDirect(ctx context.Context, acc *store.Account, correspondent *social.Account, client social.Client) (id.RoomID, bool, error) {
	handle := normalizeHandle(correspondent.Acct)
	th, err := r.lookup(ctx, acc.Principal, handle)
	if err != nil {
		return "", false, err
	} else if th != nil {
		return th.Room, false, nil
	}
	key := acc.Principal.String() + "\x00" + handle
	res, err, _ := r.group.Do(key, func() (any, error) {
		return r.create(ctx, acc, handle, correspondent, client)
	})
	if err != nil {
		return "", false, err
	}
	out := res.(*resolution)
	return out.room, out.created, nil
}

func (r *Resolver) create(ctx context.Context, acc *store.Account, handle string, correspondent *social.Account, client social.Client) (*resolution, error) {
	// A call that finished just before this one joined the group.
	if th, err := r.lookup(ctx, acc.Principal, handle); err != nil {
		return nil, err
	} else if th != nil {
		return &resolution{room: th.Room}, nil
	}
	log := r.log.With().Str("user_id", acc.Principal.String()).Str("correspondent", handle).Logger()

	members, err := r.bridge.Chat.Members(ctx, acc.NotifRoom)
	if err != nil {
		return nil, fmt.Errorf("failed to list notification room members: %w", err)
	}
	room, err := r.bridge.Chat.CreateGroupConversation(ctx, correspondent.Acct)
	if err != nil {
		return nil, fmt.Errorf("failed to create direct thread room: %w", err)
	}
	self := r.bridge.Chat.Self()
	for _, member := range members {
		if member == self {
			continue
		}
		if err = r.bridge.Chat.AddMember(ctx, room, member); err != nil {
			log.Warn().Err(err).Str("member", member.String()).Msg("Failed to add member to direct thread")
		}
	}

	var existing id.RoomID
	err = r.bridge.Store.Txn(ctx, func(ctx context.Context, tx *store.Tx) error {
		if owner, err := tx.GetAccount(ctx, acc.Principal); err != nil {
			return err
		} else if owner == nil {
			return errAccountGone
		}
		th, err := tx.GetThread(ctx, acc.Principal, handle)
		if err != nil {
			return err
		} else if th != nil {
			existing = th.Room
			return nil
		}
		return tx.PutThread(ctx, &store.DirectThread{Room: room, Principal: acc.Principal, Correspondent: handle})
	})
	if err != nil || existing != "" {
		if lerr := r.bridge.Chat.Leave(ctx, room); lerr != nil {
			log.Warn().Err(lerr).Str("room_id", room.String()).Msg("Failed to leave surplus room")
		}
		if err != nil {
			return nil, err
		}
		return &resolution{room: existing}, nil
	}
	log.Info().Str("room_id", room.String()).Msg("Created direct thread")
	r.setAvatar(ctx, room, correspondent, client, log)
	return &resolution{room: room, created: true}, nil
}

// setAvatar copies the correspondent's avatar to room. Failures only get
// logged.
func (r *Resolver) setAvatar(ctx context.Context, room id.RoomID, correspondent *social.Account, client social.Client, log zerolog.Logger) {
	avatar := correspondent.AvatarStatic
	if avatar == "" {
		avatar = correspondent.Avatar
	}
	if avatar == "" || client == nil {
		return
	}
	media, err := client.Download(ctx, avatar)
	if err == nil {
		err = r.bridge.Chat.SetProfileImage(ctx, room, &chat.Attachment{
			Data:        media.Data,
			FileName:    media.FileName,
			ContentType: media.ContentType,
		})
	}
	if err != nil {
		log.Warn().Err(err).Msg("Failed to set direct thread avatar")
	}
}
