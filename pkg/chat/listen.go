// Copyright 2024-2026 Aiku AI

package chat

import (
	"context"
	"fmt"
	"runtime/debug"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Listen syncs with the homeserver and feeds room activity to handler until
// ctx ends. Events that happened before the first sync are skipped.
func (m *Matrix) Listen(ctx context.Context, handler EventHandler) error {
	syncer, ok := m.client.Syncer.(mautrix.ExtensibleSyncer)
	if !ok {
		return fmt.Errorf("unsupported syncer %T", m.client.Syncer)
	}
	syncer.OnSync(m.client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		m.dispatch(ctx, handler, evt)
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		m.dispatch(ctx, handler, evt)
	})
	syncer.OnEventType(event.StateRoomName, func(ctx context.Context, evt *event.Event) {
		m.dispatch(ctx, handler, evt)
	})
	m.log.Info().Stringer("user_id", m.Self()).Msg("Starting sync")
	err := m.client.SyncWithContext(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (m *Matrix) dispatch(ctx context.Context, handler EventHandler, evt *event.Event) {
	log := m.log.With().
		Stringer("room_id", evt.RoomID).
		Stringer("event_id", evt.ID).
		Stringer("event_type", &evt.Type).
		Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Str("stack", string(debug.Stack())).Msg("Panic while handling event")
		}
	}()
	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			log.Warn().Err(err).Msg("Failed to parse event content")
			return
		}
	}
	ctx = log.WithContext(ctx)
	switch evt.Type.Type {
	case event.EventMessage.Type:
		if evt.Sender == m.Self() {
			return
		}
		if msg := inboundMessage(evt); msg != nil {
			handler.HandleMessage(ctx, msg)
		}
	case event.StateMember.Type:
		m.handleMember(ctx, handler, evt)
	case event.StateRoomName.Type:
		handler.HandleRename(ctx, evt.RoomID, evt.Content.AsRoomName().Name)
	}
}

func inboundMessage(evt *event.Event) *InboundMessage {
	content := evt.Content.AsMessage()
	if content.RelatesTo != nil && content.RelatesTo.GetReplaceID() != "" {
		// Edits cannot be carried over to a toot that was already published.
		return nil
	}
	msg := &InboundMessage{
		Room:    evt.RoomID,
		Sender:  evt.Sender,
		EventID: evt.ID,
		Content: content,
	}
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		msg.Text = content.Body
	case event.MsgImage, event.MsgFile, event.MsgVideo, event.MsgAudio:
		fileName := content.FileName
		if fileName == "" {
			fileName = content.Body
		} else if content.Body != fileName {
			msg.Text = content.Body
		}
		msg.Media = &InboundMedia{URI: content.URL, FileName: fileName}
		if content.Info != nil {
			msg.Media.ContentType = content.Info.MimeType
		}
	default:
		return nil
	}
	return msg
}

func (m *Matrix) handleMember(ctx context.Context, handler EventHandler, evt *event.Event) {
	if evt.StateKey == nil {
		return
	}
	user := id.UserID(*evt.StateKey)
	member := evt.Content.AsMember()
	switch member.Membership {
	case event.MembershipInvite:
		if user != m.Self() {
			return
		}
		if _, err := m.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
			m.log.Warn().Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to accept invite")
			return
		}
		if member.IsDirect {
			m.directMu.Lock()
			if err := m.loadDirect(ctx); err == nil {
				err = m.rememberDirect(ctx, evt.Sender, evt.RoomID)
				if err != nil {
					m.log.Warn().Err(err).Msg("Failed to record direct room")
				}
			}
			m.directMu.Unlock()
		}
	case event.MembershipJoin:
		if prev := evt.Unsigned.PrevContent; prev != nil {
			if prev.Parsed == nil {
				_ = prev.ParseRaw(event.StateMember)
			}
			if prev.AsMember().Membership == event.MembershipJoin {
				// Profile change.
				return
			}
		}
		handler.HandleMembership(ctx, &MembershipChange{Room: evt.RoomID, User: user, Joined: true})
	case event.MembershipLeave, event.MembershipBan:
		m.dropDirect(ctx, user, evt.RoomID)
		handler.HandleMembership(ctx, &MembershipChange{Room: evt.RoomID, User: user})
	}
}

// dropDirect stops using a one-to-one room once either side is gone from it.
// The next notice for that user opens a fresh room.
func (m *Matrix) dropDirect(ctx context.Context, user id.UserID, room id.RoomID) {
	if user == m.Self() {
		m.unlistDirect(ctx, room)
		return
	}
	if !m.isDirectWith(ctx, user, room) {
		return
	}
	if err := m.Leave(ctx, room); err != nil {
		m.log.Warn().Err(err).Stringer("room_id", room).Msg("Failed to leave abandoned direct room")
	}
}
