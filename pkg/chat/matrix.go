// Copyright 2024-2026 Aiku AI

package chat

import (
	"context"
	"errors"
	"fmt"
	"html"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const directAccountData = "m.direct"

// Matrix is the Service backed by a bot account on a Matrix homeserver.
type Matrix struct {
	client *mautrix.Client
	log    zerolog.Logger

	// directMu guards direct and serialises one-to-one room creation.
	directMu     sync.Mutex
	direct       map[id.UserID][]id.RoomID
	directLoaded bool
}

var _ Service = (*Matrix)(nil)

// NewMatrix logs in with an existing access token.
func NewMatrix(homeserverURL string, userID id.UserID, accessToken string, log zerolog.Logger) (*Matrix, error) {
	client, err := mautrix.NewClient(homeserverURL, userID, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	client.Log = log.With().Str("component", "mautrix").Logger()
	return &Matrix{
		client: client,
		log:    log.With().Str("component", "chat").Logger(),
		direct: make(map[id.UserID][]id.RoomID),
	}, nil
}

func (m *Matrix) Self() id.UserID {
	return m.client.UserID
}

func (m *Matrix) loadDirect(ctx context.Context) error {
	if m.directLoaded {
		return nil
	}
	var data map[id.UserID][]id.RoomID
	err := m.client.GetAccountData(ctx, directAccountData, &data)
	if err != nil && !errors.Is(err, mautrix.MNotFound) {
		return fmt.Errorf("failed to read direct rooms: %w", err)
	}
	for user, rooms := range data {
		m.direct[user] = rooms
	}
	m.directLoaded = true
	return nil
}

func (m *Matrix) rememberDirect(ctx context.Context, user id.UserID, room id.RoomID) error {
	if slices.Contains(m.direct[user], room) {
		return nil
	}
	m.direct[user] = append([]id.RoomID{room}, m.direct[user]...)
	if err := m.client.SetAccountData(ctx, directAccountData, m.direct); err != nil {
		return fmt.Errorf("failed to store direct rooms: %w", err)
	}
	return nil
}

// forgetDirect drops room from the direct room list. directMu must be held.
func (m *Matrix) forgetDirect(ctx context.Context, room id.RoomID) error {
	changed := false
	for user, rooms := range m.direct {
		if i := slices.Index(rooms, room); i >= 0 {
			changed = true
			if len(rooms) == 1 {
				delete(m.direct, user)
			} else {
				m.direct[user] = slices.Delete(slices.Clone(rooms), i, i+1)
			}
		}
	}
	if !changed {
		return nil
	}
	if err := m.client.SetAccountData(ctx, directAccountData, m.direct); err != nil {
		return fmt.Errorf("failed to store direct rooms: %w", err)
	}
	return nil
}

func (m *Matrix) unlistDirect(ctx context.Context, room id.RoomID) {
	m.directMu.Lock()
	defer m.directMu.Unlock()
	err := m.loadDirect(ctx)
	if err == nil {
		err = m.forgetDirect(ctx, room)
	}
	if err != nil {
		m.log.Warn().Err(err).Stringer("room_id", room).Msg("Failed to drop direct room")
	}
}

// isDirectWith reports whether room is the one-to-one room of user.
func (m *Matrix) isDirectWith(ctx context.Context, user id.UserID, room id.RoomID) bool {
	m.directMu.Lock()
	defer m.directMu.Unlock()
	if err := m.loadDirect(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Direct room list unavailable")
	}
	return slices.Contains(m.direct[user], room)
}

func (m *Matrix) isDirect(ctx context.Context, room id.RoomID) bool {
	m.directMu.Lock()
	defer m.directMu.Unlock()
	if err := m.loadDirect(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Direct room list unavailable")
	}
	for _, rooms := range m.direct {
		if slices.Contains(rooms, room) {
			return true
		}
	}
	return false
}

func (m *Matrix) CreateDirectConversation(ctx context.Context, principal id.UserID) (id.RoomID, error) {
	m.directMu.Lock()
	defer m.directMu.Unlock()
	if err := m.loadDirect(ctx); err != nil {
		return "", err
	}
	if rooms := m.direct[principal]; len(rooms) > 0 {
		return rooms[0], nil
	}
	resp, err := m.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Invite:   []id.UserID{principal},
		IsDirect: true,
		Preset:   "trusted_private_chat",
	})
	if err != nil {
		return "", fmt.Errorf("failed to create direct room: %w", err)
	}
	if err = m.rememberDirect(ctx, principal, resp.RoomID); err != nil {
		m.log.Warn().Err(err).Stringer("room_id", resp.RoomID).Msg("Created direct room but failed to record it")
	}
	return resp.RoomID, nil
}

func (m *Matrix) CreateGroupConversation(ctx context.Context, name string) (id.RoomID, error) {
	resp, err := m.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:   name,
		Preset: "private_chat",
	})
	if err != nil {
		return "", fmt.Errorf("failed to create room %q: %w", name, err)
	}
	return resp.RoomID, nil
}

func (m *Matrix) AddMember(ctx context.Context, room id.RoomID, user id.UserID) error {
	_, err := m.client.InviteUser(ctx, room, &mautrix.ReqInviteUser{UserID: user})
	if err != nil {
		return fmt.Errorf("failed to invite %s: %w", user, err)
	}
	return nil
}

// Leave leaves room. A one-to-one room is dropped from the direct room list
// even when leaving fails, so that it is never reused.
func (m *Matrix) Leave(ctx context.Context, room id.RoomID) error {
	m.unlistDirect(ctx, room)
	if _, err := m.client.LeaveRoom(ctx, room); err != nil {
		return fmt.Errorf("failed to leave %s: %w", room, err)
	}
	return nil
}

func (m *Matrix) upload(ctx context.Context, att *Attachment) (id.ContentURIString, error) {
	resp, err := m.client.UploadBytesWithName(ctx, att.Data, att.ContentType, att.FileName)
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", att.FileName, err)
	}
	return id.ContentURIString(resp.ContentURI.String()), nil
}

func (m *Matrix) Send(ctx context.Context, room id.RoomID, msg *Message) (id.EventID, error) {
	content := renderContent(msg)
	if msg.Attachment != nil {
		uri, err := m.upload(ctx, msg.Attachment)
		if err != nil {
			return "", err
		}
		media := mediaContent(msg.Attachment, uri)
		if content.Body != "" {
			// Captions go in a separate event so clients without caption
			// support still show the text.
			if _, err = m.client.SendMessageEvent(ctx, room, event.EventMessage, media); err != nil {
				return "", fmt.Errorf("failed to send attachment: %w", err)
			}
		} else {
			content = media
		}
	}
	resp, err := m.client.SendMessageEvent(ctx, room, event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return resp.EventID, nil
}

func renderContent(msg *Message) *event.MessageEventContent {
	text, formatted := msg.Text, msg.HTML
	if msg.SenderName != "" && text != "" {
		if formatted == "" {
			formatted = html.EscapeString(text)
		}
		text = msg.SenderName + ":\n" + text
		formatted = "<strong>" + html.EscapeString(msg.SenderName) + "</strong>:<br>" + formatted
	}
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if formatted != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = strings.ReplaceAll(formatted, "\n", "<br>")
	}
	if msg.QuotedID != "" {
		content.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: msg.QuotedID}}
	}
	return content
}

func mediaContent(att *Attachment, uri id.ContentURIString) *event.MessageEventContent {
	msgType := event.MsgFile
	switch {
	case strings.HasPrefix(att.ContentType, "image/"):
		msgType = event.MsgImage
	case strings.HasPrefix(att.ContentType, "video/"):
		msgType = event.MsgVideo
	case strings.HasPrefix(att.ContentType, "audio/"):
		msgType = event.MsgAudio
	}
	return &event.MessageEventContent{
		MsgType: msgType,
		Body:    att.FileName,
		URL:     uri,
		Info: &event.FileInfo{
			MimeType: att.ContentType,
			Size:     len(att.Data),
		},
	}
}

func (m *Matrix) SetProfileImage(ctx context.Context, room id.RoomID, img *Attachment) error {
	uri, err := m.upload(ctx, img)
	if err != nil {
		return err
	}
	_, err = m.client.SendStateEvent(ctx, room, event.StateRoomAvatar, "", map[string]any{"url": uri})
	if err != nil {
		return fmt.Errorf("failed to set room avatar: %w", err)
	}
	return nil
}

func (m *Matrix) Members(ctx context.Context, room id.RoomID) ([]id.UserID, error) {
	resp, err := m.client.JoinedMembers(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("failed to list members of %s: %w", room, err)
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for user := range resp.Joined {
		members = append(members, user)
	}
	return members, nil
}

func (m *Matrix) ConversationInfo(ctx context.Context, room id.RoomID) (*RoomInfo, error) {
	var name event.RoomNameEventContent
	err := m.client.StateEvent(ctx, room, event.StateRoomName, "", &name)
	if err != nil && !errors.Is(err, mautrix.MNotFound) {
		return nil, fmt.Errorf("failed to read name of %s: %w", room, err)
	}
	info := &RoomInfo{Name: name.Name, Kind: KindGroup}
	if m.isDirect(ctx, room) {
		info.Kind = KindDirect
	}
	return info, nil
}

func (m *Matrix) MarkSeen(ctx context.Context, room id.RoomID, evt id.EventID) error {
	return m.client.MarkRead(ctx, room, evt)
}

func (m *Matrix) Download(ctx context.Context, uri id.ContentURIString) ([]byte, error) {
	parsed, err := uri.Parse()
	if err != nil {
		return nil, fmt.Errorf("invalid content uri %q: %w", uri, err)
	}
	data, err := m.client.DownloadBytes(ctx, parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", uri, err)
	}
	return data, nil
}
