// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/ptr"

	"github.com/aiku/mautrix-mastodon/pkg/social"
	"github.com/aiku/mautrix-mastodon/pkg/store"
)

func TestPollAccountNotificationOrder(t *testing.T) {
	env := newTestEnv(t)
	acc, client := env.link(testUser, testToken)
	mine := testStatus("500", "alice")
	client.NotifFeed = []*social.Notification{
		testNotification("6", social.KindMention, "erin", testStatus("601", "erin")),
		testNotification("5", social.KindFollow, "dave", nil),
		testNotification("4", social.KindFavourite, "carol", mine),
		testNotification("3", social.KindReblog, "carol", mine),
		testNotification("2", social.KindReblog, "bob", mine),
		testNotification("1", social.KindFollow, "zed", nil),
	}

	require.NoError(t, env.bridge.pollAccount(env.ctx, acc, nil))

	texts := env.chat.Texts(acc.NotifRoom)
	require.Len(t, texts, 4)
	assert.True(t, strings.HasPrefix(texts[0], "🔁 bob, carol boosted your toot.\n\n[🌎 2024-01-02 15:04]("), texts[0])
	assert.True(t, strings.HasPrefix(texts[1], "⭐ carol favorited your toot."), texts[1])
	assert.Equal(t, "👤 zed, dave followed you.", texts[2])
	assert.True(t, strings.HasPrefix(texts[3], "toot 601"), texts[3])
	assert.Equal(t, "erin", env.chat.Sent(acc.NotifRoom)[3].SenderName)
	assert.Contains(t, env.chat.Sent(acc.NotifRoom)[0].HTML, "<blockquote><p>toot 500</p></blockquote>")
}

func TestPollAccountDirectMessageGoesToThread(t *testing.T) {
	env := newTestEnv(t)
	acc, client := env.link(testUser, testToken)
	dm := testStatus("700", "bob")
	dm.Visibility = social.VisibilityDirect
	dm.Mentions = []social.Mention{{ID: "1", Acct: "alice"}}
	dm.Content = "<p>psst</p>"
	client.NotifFeed = []*social.Notification{testNotification("9", social.KindMention, "bob", dm)}
	// The same toot on the home timeline must not be delivered twice.
	client.HomeFeed = []*social.Status{testStatus("701", "carol"), dm}

	require.NoError(t, env.bridge.pollAccount(env.ctx, acc, nil))

	rooms := env.chat.roomsNamed("bob")
	require.Len(t, rooms, 1)
	texts := env.chat.Texts(rooms[0])
	require.Len(t, texts, 1)
	assert.True(t, strings.HasPrefix(texts[0], "psst\n\n[✉ 2024-01-02 15:04]"), texts[0])
	assert.NotContains(t, texts[0], "/boost_")
	assert.Empty(t, env.chat.Texts(acc.NotifRoom))

	home := env.chat.Texts(acc.HomeRoom)
	require.Len(t, home, 1)
	assert.Contains(t, home[0], "toot 701")
}

func TestPollAccountAttachments(t *testing.T) {
	env := newTestEnv(t)
	acc, client := env.link(testUser, testToken)
	withPic := testStatus("11", "bob")
	withPic.Media = []social.MediaAttachment{{URL: "https://files.example/a.png"}}
	broken := testStatus("12", "bob")
	broken.Media = []social.MediaAttachment{{URL: "https://files.example/gone.png"}}
	client.Media["https://files.example/a.png"] = &social.Media{Data: []byte("png"), ContentType: "image/png", FileName: "a.png"}
	client.HomeFeed = []*social.Status{broken, withPic}

	require.NoError(t, env.bridge.pollAccount(env.ctx, acc, nil))

	sent := env.chat.Sent(acc.HomeRoom)
	require.Len(t, sent, 2)
	require.NotNil(t, sent[0].Attachment)
	assert.Equal(t, "a.png", sent[0].Attachment.FileName)
	assert.Nil(t, sent[1].Attachment)
	assert.True(t, strings.HasPrefix(sent[1].Text, "https://files.example/gone.png\n\ntoot 12"), sent[1].Text)
}

func TestPollAccountHashtagWatch(t *testing.T) {
	env := newTestEnv(t)
	acc, client := env.link(testUser, testToken)
	w := newTestWatch(t, env)
	client.Tags["go"] = []*social.Status{taggedStatus("31", 31), taggedStatus("30", 30)}
	for _, st := range client.Tags["go"] {
		st.Content = "<p>tagged " + st.ID + "</p>"
	}
	client.Tags["rust"] = client.Tags["go"][1:]

	require.NoError(t, env.bridge.pollAccount(env.ctx, acc, []*store.HashtagWatch{w}))

	texts := env.chat.Texts(w.Room)
	require.Len(t, texts, 2)
	assert.True(t, strings.HasPrefix(texts[0], "tagged 30"), texts[0])
	assert.True(t, strings.HasPrefix(texts[1], "tagged 31"), texts[1])
}

func TestPollAccountSkipsRelinkedAccount(t *testing.T) {
	env := newTestEnv(t)
	acc, client := env.link(testUser, testToken)
	client.HomeFeed = []*social.Status{testStatus("1", "bob")}
	stale := *acc
	stale.Token = "old-token"

	require.NoError(t, env.bridge.pollAccount(env.ctx, &stale, nil))
	assert.Empty(t, env.chat.AllSent())
	assert.Empty(t, client.Calls())
}

func TestPollAccountDropsSpam(t *testing.T) {
	env := newTestEnv(t)
	acc, client := env.link(testUser, testToken)
	spam := testStatus("800", "spammer")
	spam.Visibility = social.VisibilityDirect
	spam.Mentions = []social.Mention{{ID: "1", Acct: "alice"}}
	spam.Content = `<p>free nitro https://discord.gg/83CnebyzXh</p>`
	client.NotifFeed = []*social.Notification{testNotification("1", social.KindMention, "spammer", spam)}

	require.NoError(t, env.bridge.pollAccount(env.ctx, acc, nil))
	assert.Empty(t, env.chat.roomsNamed("spammer"))
	assert.Equal(t, "1", ptr.Val(env.account(testUser).LastNotif))
}

func TestDeliverDirectKeepsThreadAcrossSweeps(t *testing.T) {
	env := newTestEnv(t)
	acc, client := env.link(testUser, testToken)
	first := testStatus("1", "bob")
	first.Visibility = social.VisibilityDirect
	second := testStatus("2", "bob")
	second.Visibility = social.VisibilityDirect

	env.bridge.deliverDirect(env.ctx, acc, client, first)
	env.bridge.deliverDirect(env.ctx, acc, client, second)

	rooms := env.chat.roomsNamed("bob")
	require.Len(t, rooms, 1)
	assert.Len(t, env.chat.Texts(rooms[0]), 2)
	members, err := env.chat.Members(context.Background(), rooms[0])
	require.NoError(t, err)
	assert.Contains(t, members, testUser)
	assert.Empty(t, env.chat.Sent(acc.NotifRoom))
}
