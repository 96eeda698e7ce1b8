// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mastodon/pkg/chat"
	"github.com/aiku/mautrix-mastodon/pkg/connector/matrixfmt"
	"github.com/aiku/mautrix-mastodon/pkg/social"
	"github.com/aiku/mautrix-mastodon/pkg/store"
)

// HandleMessage handles a message sent from Matrix: a command, an
// authorization code in the direct room, or a toot to publish.
func (b *Bridge) HandleMessage(ctx context.Context, msg *chat.InboundMessage) {
	log := b.Log.With().
		Str("room_id", msg.Room.String()).
		Str("sender", msg.Sender.String()).
		Str("event_id", msg.EventID.String()).
		Logger()
	ctx = log.WithContext(ctx)

	if name, payload, ok := parseCommand(msg.Text); ok {
		log.Debug().Str("command", name).Msg("Handling command")
		commands[name](b, ctx, msg, payload)
		return
	}

	info, err := b.Chat.ConversationInfo(ctx, msg.Room)
	if err != nil {
		log.Err(err).Msg("Failed to get room info")
		return
	}
	if info.Kind == chat.KindDirect {
		b.finishOAuth(ctx, msg)
		return
	}
	if err = b.handleOutbound(ctx, msg); err != nil {
		log.Err(err).Msg("Failed to publish message")
		b.reply(ctx, msg, fmt.Sprintf("❌ ERROR: %v", err))
	}
}

// handleOutbound publishes messages from the Home room as toots and messages
// from a direct thread as direct toots to its correspondent. Anything else,
// including the Notifications room, is ignored.
func (b *Bridge) handleOutbound(ctx context.Context, msg *chat.InboundMessage) error {
	var thread *store.DirectThread
	acc, err := store.View(ctx, b.Store, func(ctx context.Context, tx *store.Tx) (*store.Account, error) {
		acc, err := tx.GetAccountByRoom(ctx, msg.Room)
		if err != nil || acc != nil {
			return acc, err
		}
		if thread, err = tx.GetThreadByRoom(ctx, msg.Room); err != nil || thread == nil {
			return nil, err
		}
		return tx.GetAccount(ctx, thread.Principal)
	})
	if err != nil || acc == nil {
		return err
	}

	text := msg.Text
	if msg.Media == nil {
		text = matrixfmt.Parse(msg.Content)
	}
	client := b.client(acc)
	switch {
	case thread != nil:
		members, err := b.Chat.Members(ctx, msg.Room)
		if err != nil {
			return fmt.Errorf("failed to list thread members: %w", err)
		}
		// Threads shared with more people are for discussing, not replying.
		if len(members) > 2 {
			return nil
		}
		return b.publish(ctx, client, &social.PostParams{
			Text:       "@" + thread.Correspondent + " " + text,
			Visibility: social.VisibilityDirect,
		}, msg.Media)
	case msg.Room == acc.HomeRoom:
		return b.publish(ctx, client, &social.PostParams{Text: text}, msg.Media)
	default:
		return nil
	}
}

// HandleMembership handles joins and departures in rooms the bot is in.
func (b *Bridge) HandleMembership(ctx context.Context, change *chat.MembershipChange) {
	log := b.Log.With().
		Str("room_id", change.Room.String()).
		Str("user_id", change.User.String()).
		Bool("joined", change.Joined).
		Logger()
	ctx = log.WithContext(ctx)
	if change.Joined {
		b.maybeWatch(ctx, change.Room)
		return
	}
	if change.User != b.Chat.Self() {
		members, err := b.Chat.Members(ctx, change.Room)
		if err != nil {
			log.Err(err).Msg("Failed to list room members")
			return
		}
		if len(members) > 1 {
			return
		}
	}
	b.abandonRoom(ctx, change.Room)
}

// abandonRoom cleans up a bridge room nobody but the bot is left in. Leaving
// the Home or Notifications room logs the account out.
func (b *Bridge) abandonRoom(ctx context.Context, room id.RoomID) {
	log := zerolog.Ctx(ctx)
	var (
		acc    *store.Account
		thread *store.DirectThread
		watch  *store.HashtagWatch
	)
	err := b.Store.Txn(ctx, func(ctx context.Context, tx *store.Tx) (err error) {
		if acc, err = tx.GetAccountByRoom(ctx, room); err != nil || acc != nil {
			return err
		}
		if thread, err = tx.GetThreadByRoom(ctx, room); err != nil {
			return err
		} else if thread != nil {
			return tx.DeleteThread(ctx, room)
		}
		if watch, err = tx.GetWatch(ctx, room); err != nil {
			return err
		} else if watch != nil {
			return tx.DeleteWatch(ctx, room)
		}
		return nil
	})
	if err != nil {
		log.Err(err).Msg("Failed to clean up abandoned room")
		return
	}
	switch {
	case acc != nil:
		instanceURL, err := b.unlink(ctx, acc.Principal)
		if err != nil {
			log.Err(err).Msg("Failed to log out account of abandoned room")
			return
		}
		if instanceURL != "" {
			b.notifyPrincipal(ctx, acc.Principal, "✔️ You logged out from: "+instanceURL)
		}
	case thread != nil, watch != nil:
		log.Info().Msg("Room abandoned, leaving")
		b.leaveAll(ctx, room)
	}
}

// HandleRename re-checks a renamed room, which may now follow hashtags.
func (b *Bridge) HandleRename(ctx context.Context, room id.RoomID, name string) {
	log := b.Log.With().Str("room_id", room.String()).Str("name", name).Logger()
	b.maybeWatch(log.WithContext(ctx), room)
}

// maybeWatch starts following hashtags in room when it is a group room
// shared by the bot and one linked user, named only with #tags, and not
// already used by the bridge.
func (b *Bridge) maybeWatch(ctx context.Context, room id.RoomID) {
	log := zerolog.Ctx(ctx)
	members, err := b.Chat.Members(ctx, room)
	if err != nil {
		log.Err(err).Msg("Failed to list room members")
		return
	}
	self := b.Chat.Self()
	var owner id.UserID
	for _, member := range members {
		if member == self {
			continue
		} else if owner != "" {
			return
		}
		owner = member
	}
	if owner == "" {
		return
	}
	info, err := b.Chat.ConversationInfo(ctx, room)
	if err != nil {
		log.Err(err).Msg("Failed to get room info")
		return
	}
	if info.Kind == chat.KindDirect || info.Name == "" || !isHashtagRoomName(info.Name) {
		return
	}

	created := false
	err = b.Store.Txn(ctx, func(ctx context.Context, tx *store.Tx) error {
		if acc, err := tx.GetAccount(ctx, owner); err != nil || acc == nil {
			return err
		} else if acc.HomeRoom == room || acc.NotifRoom == room {
			return nil
		}
		if th, err := tx.GetThreadByRoom(ctx, room); err != nil || th != nil {
			return err
		}
		if w, err := tx.GetWatch(ctx, room); err != nil || w != nil {
			return err
		}
		created = true
		return tx.PutWatch(ctx, &store.HashtagWatch{Room: room, Principal: owner})
	})
	if err != nil {
		log.Err(err).Msg("Failed to store hashtag watch")
	} else if created {
		log.Info().Strs("tags", tagsFromRoomName(info.Name)).Str("user_id", owner.String()).Msg("Following hashtags")
	}
}
