// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-mastodon/pkg/social"
	"github.com/aiku/mautrix-mastodon/pkg/store"
)

// pollAccount checks the notifications, the home timeline and the hashtag
// watches of acc, delivering whatever is new. Delivery failures are logged;
// only fetch and store errors are returned.
func (b *Bridge) pollAccount(ctx context.Context, acc *store.Account, watches []*store.HashtagWatch) error {
	log := zerolog.Ctx(ctx)
	current, err := store.View(ctx, b.Store, func(ctx context.Context, tx *store.Tx) (*store.Account, error) {
		return tx.GetAccount(ctx, acc.Principal)
	})
	if err != nil {
		return err
	} else if current == nil || current.Token != acc.Token {
		log.Debug().Msg("Account changed since the sweep started, skipping")
		return nil
	}

	sess := b.sessions.get(acc)
	notifications, err := b.tracker.Notifications(ctx, acc, sess.client)
	if err != nil {
		return err
	}
	groups := Classify(notifications, acc.MutedNotif, b.Config.SpamBlocklist)
	log.Debug().Int("count", len(notifications)).Msg("Fetched notifications")
	b.deliverNotifications(ctx, acc, sess.client, groups)

	if acc.MutedHome {
		log.Debug().Msg("Home timeline muted")
	} else {
		me, err := sess.self(ctx)
		if err != nil {
			return err
		}
		statuses, err := b.tracker.Home(ctx, acc, sess.client)
		if err != nil {
			return err
		}
		log.Debug().Int("count", len(statuses)).Msg("Fetched home timeline")
		for _, st := range statuses {
			// Those arrive as notifications already.
			if st.MentionsAccount(me) {
				continue
			}
			b.send(ctx, acc.HomeRoom, b.statusMessage(ctx, st, sess.client))
		}
	}

	for _, w := range watches {
		if err = b.pollWatch(ctx, w, sess.client); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) pollWatch(ctx context.Context, w *store.HashtagWatch, client social.Client) error {
	info, err := b.Chat.ConversationInfo(ctx, w.Room)
	if err != nil {
		return fmt.Errorf("failed to get hashtag room name: %w", err)
	}
	tags := tagsFromRoomName(info.Name)
	statuses, err := b.tracker.Hashtags(ctx, w, tags, client)
	if err != nil {
		return err
	}
	zerolog.Ctx(ctx).Debug().
		Str("room_id", w.Room.String()).
		Strs("tags", tags).
		Int("count", len(statuses)).
		Msg("Fetched hashtag timelines")
	for _, st := range statuses {
		b.send(ctx, w.Room, b.statusMessage(ctx, st, client))
	}
	return nil
}

// deliverNotifications sends direct messages to their threads, then the
// grouped boosts, favorites and follows, then plain mentions, to the
// notifications room.
func (b *Bridge) deliverNotifications(ctx context.Context, acc *store.Account, client social.Client, groups *Groups) {
	for _, n := range groups.Direct {
		b.deliverDirect(ctx, acc, client, n.Status)
	}
	for _, g := range groups.Reblogs {
		b.send(ctx, acc.NotifRoom, groupMessage(fmt.Sprintf("🔁 %s boosted your toot.", b.accountNames(g.Accounts)), g))
	}
	for _, g := range groups.Favourites {
		b.send(ctx, acc.NotifRoom, groupMessage(fmt.Sprintf("⭐ %s favorited your toot.", b.accountNames(g.Accounts)), g))
	}
	if len(groups.Follows) > 0 {
		b.send(ctx, acc.NotifRoom, followMessage(b.accountNames(groups.Follows)))
	}
	for _, n := range groups.Mentions {
		b.send(ctx, acc.NotifRoom, b.statusMessage(ctx, n.Status, client))
	}
}

func (b *Bridge) deliverDirect(ctx context.Context, acc *store.Account, client social.Client, st *social.Status) {
	room, _, err := b.resolver.ResolveDirect(ctx, acc, &st.Account, client)
	if err != nil {
		zerolog.Ctx(ctx).Err(err).Str("correspondent", st.Account.Acct).Msg("Failed to resolve direct thread")
		return
	}
	b.send(ctx, room, b.statusMessage(ctx, st, client))
}
