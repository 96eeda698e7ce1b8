// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mastodon/pkg/chat"
	"github.com/aiku/mautrix-mastodon/pkg/social"
	"github.com/aiku/mautrix-mastodon/pkg/store"
)

const (
	textAlreadyLoggedIn = "❌ You are already logged in."
	textNotLoggedIn     = "❌ You are not logged in"
	textWrongUsage      = "❌ Wrong usage"
	textNoOAuth         = "❌ Server doesn't seem to support OAuth."
	textAuthFailed      = "❌ Authentication failed, generate another authorization code and send it here"
	textPublishHere     = "❌ To publish messages you must send them in your Home chat."
)

// instanceApp returns the app registration of the bridge on instanceURL,
// registering it on first use. A refused registration is remembered so the
// instance is not asked again.
func (b *Bridge) instanceApp(ctx context.Context, instanceURL string) (*store.InstanceClient, error) {
	cached, err := store.View(ctx, b.Store, func(ctx context.Context, tx *store.Tx) (*store.InstanceClient, error) {
		return tx.GetInstanceClient(ctx, instanceURL)
	})
	if err != nil || cached != nil {
		return cached, err
	}
	ic := &store.InstanceClient{URL: instanceURL}
	if app, err := b.Social.RegisterApp(ctx, instanceURL); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("instance", instanceURL).Msg("Instance refused app registration")
	} else {
		ic.ClientID, ic.ClientSecret = app.ClientID, app.ClientSecret
	}
	err = b.Store.Txn(ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.PutInstanceClient(ctx, ic)
	})
	return ic, err
}

func appOf(ic *store.InstanceClient) *social.App {
	return &social.App{ClientID: ic.ClientID, ClientSecret: ic.ClientSecret}
}

// startLogin handles "/login <instance> [<email> <password>]".
func (b *Bridge) startLogin(ctx context.Context, msg *chat.InboundMessage, payload string) {
	args := splitArgs(payload, 3)
	if len(args) != 1 && len(args) != 3 {
		b.reply(ctx, msg, textWrongUsage)
		return
	}
	instanceURL := normalizeURL(args[0])
	existing, err := store.View(ctx, b.Store, func(ctx context.Context, tx *store.Tx) (*store.Account, error) {
		return tx.GetAccount(ctx, msg.Sender)
	})
	if err != nil {
		b.replyError(ctx, msg, err)
		return
	}
	priorHandle := ""
	if existing != nil {
		if existing.InstanceURL != instanceURL {
			b.sendText(ctx, msg.Room, textAlreadyLoggedIn)
			return
		}
		priorHandle = existing.Handle
	}
	ic, err := b.instanceApp(ctx, instanceURL)
	if err != nil {
		b.replyError(ctx, msg, err)
		return
	}
	if !ic.Registered() {
		b.reply(ctx, msg, textNoOAuth)
		return
	}

	if len(args) == 3 {
		token, err := b.Social.PasswordLogin(ctx, instanceURL, appOf(ic), args[1], args[2])
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Password login failed")
			b.reply(ctx, msg, fmt.Sprintf("❌ ERROR: %v", err))
			return
		}
		b.completeLogin(ctx, msg.Sender, msg.Room, instanceURL, token)
		return
	}

	err = b.Store.Txn(ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.PutPendingAuth(ctx, &store.PendingAuth{
			Principal:    msg.Sender,
			InstanceURL:  instanceURL,
			PriorHandle:  priorHandle,
			ClientID:     ic.ClientID,
			ClientSecret: ic.ClientSecret,
		})
	})
	if err != nil {
		b.replyError(ctx, msg, err)
		return
	}
	authURL := b.Social.AuthCodeURL(instanceURL, appOf(ic), uuid.NewString())
	b.reply(ctx, msg, fmt.Sprintf("To grant access to your account, open this URL:\n\n%s\n\n"+
		"You will get an authorization code, copy it and send it here", authURL))
}

// finishOAuth exchanges an authorization code pasted in the direct room.
func (b *Bridge) finishOAuth(ctx context.Context, msg *chat.InboundMessage) {
	if err := b.Chat.MarkSeen(ctx, msg.Room, msg.EventID); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("Failed to mark message as seen")
	}
	pending, err := store.View(ctx, b.Store, func(ctx context.Context, tx *store.Tx) (*store.PendingAuth, error) {
		return tx.GetPendingAuth(ctx, msg.Sender)
	})
	if err != nil {
		b.replyError(ctx, msg, err)
		return
	} else if pending == nil {
		b.reply(ctx, msg, textPublishHere)
		return
	}
	app := &social.App{ClientID: pending.ClientID, ClientSecret: pending.ClientSecret}
	token, err := b.Social.ExchangeCode(ctx, pending.InstanceURL, app, strings.TrimSpace(msg.Text))
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Authorization code exchange failed")
		b.reply(ctx, msg, textAuthFailed)
		return
	}
	if pending.PriorHandle != "" {
		zerolog.Ctx(ctx).Debug().Str("prior_handle", pending.PriorHandle).Msg("Refreshing credentials")
	}
	if b.completeLogin(ctx, msg.Sender, msg.Room, pending.InstanceURL, token) {
		err = b.Store.Txn(ctx, func(ctx context.Context, tx *store.Tx) error {
			return tx.DeletePendingAuth(ctx, msg.Sender)
		})
		if err != nil {
			zerolog.Ctx(ctx).Err(err).Msg("Failed to delete pending authorization")
		}
	}
}

// completeLogin links the remote account behind token to principal. An
// existing link to the same handle only gets the new token. It reports
// whether the handshake is over.
func (b *Bridge) completeLogin(ctx context.Context, principal id.UserID, replyRoom id.RoomID, instanceURL, token string) bool {
	log := zerolog.Ctx(ctx)
	client := b.Social.Client(instanceURL, token)
	me, err := client.VerifyCredentials(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to verify new credentials")
		b.sendText(ctx, replyRoom, textAuthFailed)
		return false
	}
	handle := normalizeHandle(me.Acct)

	existing, err := store.View(ctx, b.Store, func(ctx context.Context, tx *store.Tx) (*store.Account, error) {
		return tx.GetAccount(ctx, principal)
	})
	if err != nil {
		b.sendText(ctx, replyRoom, fmt.Sprintf("❌ ERROR: %v", err))
		return false
	}
	if existing != nil {
		refresh := *existing
		refresh.Handle, refresh.InstanceURL, refresh.Token = handle, instanceURL, token
		b.finishLink(ctx, &refresh, replyRoom)
		return true
	}

	lastNotif, err := newestNotification(ctx, client)
	if err != nil {
		b.sendText(ctx, replyRoom, fmt.Sprintf("❌ ERROR: %v", err))
		return false
	}
	lastHome, err := newestHomeStatus(ctx, client)
	if err != nil {
		b.sendText(ctx, replyRoom, fmt.Sprintf("❌ ERROR: %v", err))
		return false
	}

	acc := &store.Account{
		Principal:   principal,
		Handle:      handle,
		InstanceURL: instanceURL,
		Token:       token,
		LastHome:    lastHome,
		LastNotif:   lastNotif,
	}
	if acc.HomeRoom, err = b.Chat.CreateGroupConversation(ctx, homeRoomName(instanceURL)); err != nil {
		b.sendText(ctx, replyRoom, fmt.Sprintf("❌ ERROR: %v", err))
		return false
	}
	if acc.NotifRoom, err = b.Chat.CreateGroupConversation(ctx, notificationsRoomName(instanceURL)); err != nil {
		b.leaveAll(ctx, acc.HomeRoom)
		b.sendText(ctx, replyRoom, fmt.Sprintf("❌ ERROR: %v", err))
		return false
	}
	for _, room := range []id.RoomID{acc.HomeRoom, acc.NotifRoom} {
		if err = b.Chat.AddMember(ctx, room, principal); err != nil {
			log.Err(err).Str("room_id", room.String()).Msg("Failed to invite user to account room")
		}
	}
	if !b.finishLink(ctx, acc, replyRoom) {
		b.leaveAll(ctx, acc.HomeRoom, acc.NotifRoom)
		return true
	}

	address := "@" + handle + "@" + instanceHost(instanceURL)
	b.sendText(ctx, acc.HomeRoom, "ℹ️ Messages sent here will be published in "+address+"\n\n"+
		"If your Home timeline is too noisy and you would like to disable incoming toots, send /mute here.")
	b.sendText(ctx, acc.NotifRoom, "ℹ️ Here you will receive notifications for "+address+"\n\n"+
		"To mute follows, boosts and favorites, send /mute here.")
	log.Info().Str("handle", handle).Str("instance", instanceURL).Msg("Linked account")
	return true
}

// finishLink stores acc and tells the user how it went. It reports whether
// acc was stored as a new account.
func (b *Bridge) finishLink(ctx context.Context, acc *store.Account, replyRoom id.RoomID) (created bool) {
	var refreshed bool
	err := b.Store.Txn(ctx, func(ctx context.Context, tx *store.Tx) (err error) {
		refreshed, err = tx.LinkAccount(ctx, acc)
		return err
	})
	switch {
	case errors.Is(err, store.ErrAlreadyLinked):
		b.sendText(ctx, replyRoom, textAlreadyLoggedIn)
		return false
	case err != nil:
		b.sendText(ctx, replyRoom, fmt.Sprintf("❌ ERROR: %v", err))
		return false
	case refreshed:
		b.sessions.forget(acc.Principal)
		b.sendText(ctx, replyRoom, "✔️ You refreshed your credentials.")
		return false
	}
	return true
}

// leaveAll leaves every room, ignoring failures.
func (b *Bridge) leaveAll(ctx context.Context, rooms ...id.RoomID) {
	for _, room := range rooms {
		if room == "" {
			continue
		}
		if err := b.Chat.Leave(ctx, room); err != nil {
			zerolog.Ctx(ctx).Debug().Err(err).Str("room_id", room.String()).Msg("Failed to leave room")
		}
	}
}

// unlink deletes the account of principal with everything attached to it
// and leaves its rooms. It returns the instance URL of the deleted account,
// or "" if principal had none.
func (b *Bridge) unlink(ctx context.Context, principal id.UserID) (string, error) {
	var instanceURL string
	var rooms []id.RoomID
	err := b.Store.Txn(ctx, func(ctx context.Context, tx *store.Tx) error {
		acc, err := tx.GetAccount(ctx, principal)
		if err != nil || acc == nil {
			return err
		}
		threads, err := tx.ListThreads(ctx, principal)
		if err != nil {
			return err
		}
		watches, err := tx.ListWatches(ctx, principal)
		if err != nil {
			return err
		}
		instanceURL = acc.InstanceURL
		rooms = append(rooms, acc.HomeRoom, acc.NotifRoom)
		for _, th := range threads {
			rooms = append(rooms, th.Room)
		}
		for _, w := range watches {
			rooms = append(rooms, w.Room)
		}
		return tx.DeleteAccount(ctx, principal)
	})
	if err != nil {
		return "", fmt.Errorf("failed to delete account: %w", err)
	}
	b.leaveAll(ctx, rooms...)
	b.sessions.forget(principal)
	b.poller.clearNotice(principal)
	if instanceURL != "" {
		zerolog.Ctx(ctx).Info().Str("user_id", principal.String()).Str("instance", instanceURL).Msg("Unlinked account")
	}
	return instanceURL, nil
}

// teardown unlinks principal and, if notice is set, tells them why.
func (b *Bridge) teardown(ctx context.Context, principal id.UserID, notice string) error {
	if _, err := b.unlink(ctx, principal); err != nil {
		return err
	}
	if notice != "" {
		b.notifyPrincipal(ctx, principal, notice)
	}
	return nil
}

func (b *Bridge) cmdLogout(ctx context.Context, msg *chat.InboundMessage, _ string) {
	instanceURL, err := b.unlink(ctx, msg.Sender)
	switch {
	case err != nil:
		b.replyError(ctx, msg, err)
	case instanceURL == "":
		b.notifyPrincipal(ctx, msg.Sender, textNotLoggedIn)
	default:
		b.notifyPrincipal(ctx, msg.Sender, "✔️ You logged out from: "+instanceURL)
	}
}

// setFeedMuted handles /mute and /unmute without arguments, which must be
// sent in the Home or Notifications room.
func (b *Bridge) setFeedMuted(ctx context.Context, msg *chat.InboundMessage, muted bool) {
	acc, err := store.View(ctx, b.Store, func(ctx context.Context, tx *store.Tx) (*store.Account, error) {
		return tx.GetAccountByRoom(ctx, msg.Room)
	})
	if err != nil {
		b.replyError(ctx, msg, err)
		return
	}
	if acc == nil {
		verb := "mute"
		if !muted {
			verb = "unmute"
		}
		b.reply(ctx, msg, "❌ Wrong usage, you must send that command in the Home or Notifications chat to "+verb+" them")
		return
	}
	feed := store.FeedNotifications
	if msg.Room == acc.HomeRoom {
		feed = store.FeedHome
	}
	err = b.Store.Txn(ctx, func(ctx context.Context, tx *store.Tx) error {
		if err := tx.SetMuted(ctx, acc.Principal, feed, muted); err != nil {
			return err
		}
		if feed == store.FeedHome {
			return tx.SetCursor(ctx, acc.Principal, feed, nil)
		}
		return nil
	})
	if err != nil {
		b.replyError(ctx, msg, err)
		return
	}
	if feed == store.FeedHome && !muted {
		acc.LastHome = nil
		if err = b.tracker.Seed(ctx, acc, store.FeedHome, b.client(acc)); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to seed home cursor, the next sweep starts from the latest page")
		}
	}
	var text string
	switch {
	case feed == store.FeedHome && muted:
		text = "✔️ Home timeline muted"
	case feed == store.FeedHome:
		text = "✔️ Home timeline unmuted"
	case muted:
		text = "✔️ Notifications timeline muted: follows, favorites and boosts will not be notified"
	default:
		text = "✔️ Notifications timeline unmuted"
	}
	b.reply(ctx, msg, text)
}
