// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mastodon/pkg/chat"
	"github.com/aiku/mautrix-mastodon/pkg/social"
	"github.com/aiku/mautrix-mastodon/pkg/store"
)

func (e *testEnv) directRoom(user id.UserID) id.RoomID {
	e.t.Helper()
	room, err := e.chat.CreateDirectConversation(e.ctx, user)
	require.NoError(e.t, err)
	return room
}

func (e *testEnv) lastText(room id.RoomID) string {
	e.t.Helper()
	texts := e.chat.Texts(room)
	require.NotEmpty(e.t, texts, "no message in %s", room)
	return texts[len(texts)-1]
}

func (e *testEnv) pendingAuth(user id.UserID) *store.PendingAuth {
	e.t.Helper()
	pa, err := store.View(e.ctx, e.store, func(ctx context.Context, tx *store.Tx) (*store.PendingAuth, error) {
		return tx.GetPendingAuth(ctx, user)
	})
	require.NoError(e.t, err)
	return pa
}

func TestLoginOAuthFlow(t *testing.T) {
	env := newTestEnv(t)
	dm := env.directRoom(testUser)
	client := env.provider.client(testToken)
	client.NotifFeed = []*social.Notification{testNotification("50", social.KindFollow, "bob", nil)}
	client.HomeFeed = []*social.Status{testStatus("70", "bob"), testStatus("69", "bob")}
	env.provider.Codes["the-code"] = testToken

	env.bridge.HandleMessage(env.ctx, message(dm, testUser, "/login social.example/"))
	prompt := env.lastText(dm)
	assert.True(t, strings.HasPrefix(prompt, "To grant access to your account, open this URL:\n\nhttps://social.example/oauth/authorize?client_id=client-id"), prompt)
	pending := env.pendingAuth(testUser)
	require.NotNil(t, pending)
	assert.Equal(t, testInstance, pending.InstanceURL)
	assert.Empty(t, pending.PriorHandle)

	env.bridge.HandleMessage(env.ctx, message(dm, testUser, " the-code \n"))

	acc := env.account(testUser)
	require.NotNil(t, acc)
	assert.Equal(t, "alice", acc.Handle)
	assert.Equal(t, testToken, acc.Token)
	assert.Equal(t, "50", ptr.Val(acc.LastNotif))
	assert.Equal(t, "70", ptr.Val(acc.LastHome))
	assert.Nil(t, env.pendingAuth(testUser))

	home, err := env.chat.ConversationInfo(env.ctx, acc.HomeRoom)
	require.NoError(t, err)
	assert.Equal(t, "Home (social.example)", home.Name)
	members, err := env.chat.Members(env.ctx, acc.NotifRoom)
	require.NoError(t, err)
	assert.Contains(t, members, testUser)
	assert.Contains(t, env.lastText(acc.HomeRoom), "@alice@social.example")
	assert.Contains(t, env.lastText(acc.NotifRoom), "/mute")
}

func TestLoginRegistersAppOncePerInstance(t *testing.T) {
	env := newTestEnv(t)
	dm := env.directRoom(testUser)
	env.bridge.HandleMessage(env.ctx, message(dm, testUser, "/login social.example"))
	env.bridge.HandleMessage(env.ctx, message(dm, "@bob:example.org", "/login https://social.example"))
	assert.Equal(t, 1, env.provider.registrations())
}

func TestLoginRefusedRegistrationIsRemembered(t *testing.T) {
	env := newTestEnv(t)
	env.provider.RegErr = social.ErrNotFound
	dm := env.directRoom(testUser)

	env.bridge.HandleMessage(env.ctx, message(dm, testUser, "/login social.example"))
	assert.Equal(t, textNoOAuth, env.lastText(dm))
	env.bridge.HandleMessage(env.ctx, message(dm, testUser, "/login social.example"))
	assert.Equal(t, textNoOAuth, env.lastText(dm))
	assert.Equal(t, 1, env.provider.registrations())
	assert.Nil(t, env.pendingAuth(testUser))
}

func TestLoginAlreadyLoggedInElsewhere(t *testing.T) {
	env := newTestEnv(t)
	env.link(testUser, testToken)
	dm := env.directRoom(testUser)

	env.bridge.HandleMessage(env.ctx, message(dm, testUser, "/login other.example"))
	assert.Equal(t, textAlreadyLoggedIn, env.lastText(dm))
	assert.Nil(t, env.pendingAuth(testUser))
}

func TestLoginRefreshesCredentials(t *testing.T) {
	env := newTestEnv(t)
	acc, _ := env.link(testUser, testToken)
	dm := env.directRoom(testUser)
	env.provider.Codes["fresh"] = "token-new"

	env.bridge.HandleMessage(env.ctx, message(dm, testUser, "/login social.example"))
	require.Equal(t, "alice", env.pendingAuth(testUser).PriorHandle)
	env.bridge.HandleMessage(env.ctx, message(dm, testUser, "fresh"))

	assert.Equal(t, "✔️ You refreshed your credentials.", env.lastText(dm))
	stored := env.account(testUser)
	assert.Equal(t, "token-new", stored.Token)
	assert.Equal(t, acc.HomeRoom, stored.HomeRoom)
	assert.Empty(t, env.chat.roomsNamed("Home (social.example)")[1:], "no new Home room")
}

func TestLoginDifferentHandleIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.link(testUser, testToken)
	dm := env.directRoom(testUser)
	env.provider.Codes["other"] = "token-other"
	env.provider.client("token-other").Me = &social.Account{ID: "9", Acct: "mallory"}

	env.bridge.HandleMessage(env.ctx, message(dm, testUser, "/login social.example"))
	env.bridge.HandleMessage(env.ctx, message(dm, testUser, "other"))

	assert.Equal(t, textAlreadyLoggedIn, env.lastText(dm))
	assert.Equal(t, testToken, env.account(testUser).Token)
}

func TestLoginBadCode(t *testing.T) {
	env := newTestEnv(t)
	dm := env.directRoom(testUser)
	env.bridge.HandleMessage(env.ctx, message(dm, testUser, "/login social.example"))
	env.bridge.HandleMessage(env.ctx, message(dm, testUser, "nope"))

	assert.Equal(t, textAuthFailed, env.lastText(dm))
	assert.Nil(t, env.account(testUser))
	assert.NotNil(t, env.pendingAuth(testUser), "the user may paste another code")
}

func TestDirectRoomMessageWithoutLogin(t *testing.T) {
	env := newTestEnv(t)
	dm := env.directRoom(testUser)
	env.bridge.HandleMessage(env.ctx, message(dm, testUser, "hello"))
	assert.Equal(t, textPublishHere, env.lastText(dm))
}

func TestLoginWithPassword(t *testing.T) {
	env := newTestEnv(t)
	dm := env.directRoom(testUser)
	env.provider.Passwords["alice@example.org:hunter2"] = testToken

	env.bridge.HandleMessage(env.ctx, message(dm, testUser, "/login social.example alice@example.org hunter2"))
	acc := env.account(testUser)
	require.NotNil(t, acc)
	assert.Equal(t, testToken, acc.Token)
	assert.Nil(t, env.pendingAuth(testUser))
}

func TestLoginWrongUsage(t *testing.T) {
	env := newTestEnv(t)
	dm := env.directRoom(testUser)
	for _, text := range []string{"/login", "/login social.example alice@example.org"} {
		env.bridge.HandleMessage(env.ctx, message(dm, testUser, text))
		assert.Equal(t, textWrongUsage, env.lastText(dm), text)
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	acc, _ := env.link(testUser, testToken)
	thread := env.chat.addRoom("bob", chat.KindGroup, testUser)
	require.NoError(t, env.store.Txn(env.ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.PutThread(ctx, &store.DirectThread{Room: thread, Principal: testUser, Correspondent: "bob"})
	}))

	env.bridge.HandleMessage(env.ctx, message(acc.HomeRoom, testUser, "/logout"))

	assert.Nil(t, env.account(testUser))
	assert.ElementsMatch(t, []id.RoomID{acc.HomeRoom, acc.NotifRoom, thread}, env.chat.Left())
	assert.Equal(t, "✔️ You logged out from: https://social.example", env.lastText(env.directRoom(testUser)))

	env.bridge.HandleMessage(env.ctx, message(acc.HomeRoom, testUser, "/logout"))
	assert.Equal(t, textNotLoggedIn, env.lastText(env.directRoom(testUser)))
}

func TestMuteAndUnmuteFeeds(t *testing.T) {
	env := newTestEnv(t)
	acc, client := env.link(testUser, testToken)
	require.NoError(t, env.store.Txn(env.ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.SetCursor(ctx, testUser, store.FeedHome, ptr.Ptr("10"))
	}))

	env.bridge.HandleMessage(env.ctx, message(acc.HomeRoom, testUser, "/mute"))
	assert.Equal(t, "✔️ Home timeline muted", env.lastText(acc.HomeRoom))
	stored := env.account(testUser)
	assert.True(t, stored.MutedHome)
	assert.Nil(t, stored.LastHome)

	client.HomeFeed = []*social.Status{testStatus("30", "bob"), testStatus("20", "bob")}
	env.bridge.HandleMessage(env.ctx, message(acc.HomeRoom, testUser, "/unmute"))
	assert.Equal(t, "✔️ Home timeline unmuted", env.lastText(acc.HomeRoom))
	stored = env.account(testUser)
	assert.False(t, stored.MutedHome)
	assert.Equal(t, "30", ptr.Val(stored.LastHome))

	env.bridge.HandleMessage(env.ctx, message(acc.NotifRoom, testUser, "/mute"))
	assert.Equal(t, "✔️ Notifications timeline muted: follows, favorites and boosts will not be notified", env.lastText(acc.NotifRoom))
	assert.True(t, env.account(testUser).MutedNotif)
	env.bridge.HandleMessage(env.ctx, message(acc.NotifRoom, testUser, "/unmute"))
	assert.Equal(t, "✔️ Notifications timeline unmuted", env.lastText(acc.NotifRoom))
	assert.False(t, env.account(testUser).MutedNotif)
}

func TestMuteOutsideFeedRoom(t *testing.T) {
	env := newTestEnv(t)
	env.link(testUser, testToken)
	room := env.chat.addRoom("random", chat.KindGroup, testUser)
	env.bridge.HandleMessage(env.ctx, message(room, testUser, "/unmute"))
	assert.Equal(t, "❌ Wrong usage, you must send that command in the Home or Notifications chat to unmute them", env.lastText(room))
}
