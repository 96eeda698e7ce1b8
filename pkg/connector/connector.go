// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mastodon/pkg/chat"
	"github.com/aiku/mautrix-mastodon/pkg/social"
	"github.com/aiku/mautrix-mastodon/pkg/store"
)

// Bridge ties the account store, the chat bot and the social network
// together. It receives chat events through its chat.EventHandler methods
// and polls every linked account in the background.
type Bridge struct {
	Config *Config
	Store  *store.Store
	Chat   chat.Service
	Social SocialProvider
	Log    zerolog.Logger

	sessions *sessions
	tracker  *Tracker
	resolver *Resolver
	poller   *Poller
	admin    *adminServer
}

var _ chat.EventHandler = (*Bridge)(nil)

// NewBridge wires the bridge components. cfg must already be post-processed.
func NewBridge(cfg *Config, st *store.Store, chatSvc chat.Service, provider SocialProvider, log zerolog.Logger) *Bridge {
	b := &Bridge{
		Config:   cfg,
		Store:    st,
		Chat:     chatSvc,
		Social:   provider,
		Log:      log,
		sessions: newSessions(provider),
		tracker:  NewTracker(st, cfg.Mastodon.FetchLimit, log),
	}
	b.resolver = NewResolver(b)
	b.poller = NewPoller(b, cfg.Poller, realClock{})
	return b
}

// Start launches the poller and, if configured, the admin API.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.poller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start poller: %w", err)
	}
	if b.Config.AdminAPIAddr != "" {
		b.admin = newAdminServer(b, b.Config.AdminAPIAddr)
		b.admin.start()
	}
	return nil
}

// Stop halts the poller and waits for the running sweep to finish.
func (b *Bridge) Stop(ctx context.Context) {
	if b.admin != nil {
		b.admin.stop(ctx)
	}
	if err := b.poller.Stop(); err != nil {
		b.Log.Debug().Err(err).Msg("Poller was not running")
	}
}

func (b *Bridge) client(acc *store.Account) social.Client {
	return b.sessions.get(acc).client
}

// sendText posts a plain notice to room, logging failures.
func (b *Bridge) sendText(ctx context.Context, room id.RoomID, text string) {
	b.send(ctx, room, &chat.Message{Text: text})
}

// send delivers msg to room. Failures are logged and do not stop the caller
// from sending the next message.
func (b *Bridge) send(ctx context.Context, room id.RoomID, msg *chat.Message) {
	if _, err := b.Chat.Send(ctx, room, msg); err != nil {
		b.Log.Err(err).Str("room_id", room.String()).Msg("Failed to send message")
	}
}

// notifyPrincipal sends text in the one-to-one room with principal.
func (b *Bridge) notifyPrincipal(ctx context.Context, principal id.UserID, text string) {
	room, err := b.Chat.CreateDirectConversation(ctx, principal)
	if err != nil {
		b.Log.Err(err).Str("user_id", principal.String()).Msg("Failed to open direct room")
		return
	}
	b.sendText(ctx, room, text)
}
