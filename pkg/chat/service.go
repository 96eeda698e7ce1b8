// Copyright 2024-2026 Aiku AI

// Package chat is the bridge's view of the chat network: a bot account that
// can create rooms, invite people, send messages and report what happens in
// the rooms it is in.
package chat

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// RoomKind tells one-to-one rooms with the bot apart from group rooms.
type RoomKind int

const (
	KindGroup RoomKind = iota
	KindDirect
)

func (k RoomKind) String() string {
	if k == KindDirect {
		return "direct"
	}
	return "group"
}

// RoomInfo is the subset of room state the bridge cares about.
type RoomInfo struct {
	Name string
	Kind RoomKind
}

// Attachment is a file sent along with a message or used as a room avatar.
type Attachment struct {
	Data        []byte
	FileName    string
	ContentType string
}

// Message is an outgoing message. SenderName, when set, is shown as the
// author of the content instead of the bot.
type Message struct {
	Text       string
	HTML       string
	Attachment *Attachment
	QuotedID   id.EventID
	SenderName string
}

// Service is implemented by the chat network adapter.
type Service interface {
	Self() id.UserID
	// CreateDirectConversation returns the one-to-one room with principal,
	// creating it if there is none yet.
	CreateDirectConversation(ctx context.Context, principal id.UserID) (id.RoomID, error)
	CreateGroupConversation(ctx context.Context, name string) (id.RoomID, error)
	AddMember(ctx context.Context, room id.RoomID, user id.UserID) error
	Leave(ctx context.Context, room id.RoomID) error
	Send(ctx context.Context, room id.RoomID, msg *Message) (id.EventID, error)
	SetProfileImage(ctx context.Context, room id.RoomID, img *Attachment) error
	// Members lists joined members, the bot included.
	Members(ctx context.Context, room id.RoomID) ([]id.UserID, error)
	ConversationInfo(ctx context.Context, room id.RoomID) (*RoomInfo, error)
	MarkSeen(ctx context.Context, room id.RoomID, evt id.EventID) error
	Download(ctx context.Context, uri id.ContentURIString) ([]byte, error)
}

// InboundMessage is a message someone other than the bot sent.
type InboundMessage struct {
	Room    id.RoomID
	Sender  id.UserID
	EventID id.EventID
	// Text is the plain body, or the caption of a media message.
	Text string
	// Content is the original event content, used to render formatted text.
	Content *event.MessageEventContent
	// Media is set for file, image, audio and video messages.
	Media *InboundMedia
}

type InboundMedia struct {
	URI         id.ContentURIString
	FileName    string
	ContentType string
}

// MembershipChange reports a join or departure. Departures include kicks
// and bans.
type MembershipChange struct {
	Room   id.RoomID
	User   id.UserID
	Joined bool
}

// EventHandler receives room activity. Calls for one room arrive in order.
type EventHandler interface {
	HandleMessage(ctx context.Context, msg *InboundMessage)
	HandleMembership(ctx context.Context, change *MembershipChange)
	HandleRename(ctx context.Context, room id.RoomID, name string)
}
