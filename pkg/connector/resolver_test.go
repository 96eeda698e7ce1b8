// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mastodon/pkg/social"
	"github.com/aiku/mautrix-mastodon/pkg/store"
)

func TestResolveDirectCreatesThreadOnce(t *testing.T) {
	env := newTestEnv(t)
	acc, client := env.link(testUser, testToken)
	bob := &social.Account{ID: "2", Acct: "Bob@Remote.example", AvatarStatic: "https://remote.example/bob.png"}
	client.Media[bob.AvatarStatic] = &social.Media{Data: []byte("png"), ContentType: "image/png", FileName: "bob.png"}
	env.chat.creating = 20 * time.Millisecond

	const callers = 8
	rooms := make([]id.RoomID, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			room, _, err := env.bridge.resolver.ResolveDirect(env.ctx, acc, bob, client)
			assert.NoError(t, err)
			rooms[i] = room
		}()
	}
	wg.Wait()

	for _, room := range rooms[1:] {
		assert.Equal(t, rooms[0], room)
	}
	assert.Len(t, env.chat.roomsNamed(bob.Acct), 1)

	threads, err := store.View(env.ctx, env.store, func(ctx context.Context, tx *store.Tx) ([]*store.DirectThread, error) {
		return tx.ListThreads(ctx, testUser)
	})
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "bob@remote.example", threads[0].Correspondent)
	assert.Equal(t, rooms[0], threads[0].Room)

	members, err := env.chat.Members(env.ctx, rooms[0])
	require.NoError(t, err)
	assert.ElementsMatch(t, []id.UserID{testBot, testUser}, members)
	assert.NotNil(t, env.chat.avatars[rooms[0]])

	room, created, err := env.bridge.resolver.ResolveDirect(env.ctx, acc, bob, client)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, rooms[0], room)
}

func TestResolveDirectInvitesNotificationRoomMembers(t *testing.T) {
	env := newTestEnv(t)
	acc, client := env.link(testUser, testToken)
	const teammate id.UserID = "@carol:example.org"
	require.NoError(t, env.chat.AddMember(env.ctx, acc.NotifRoom, teammate))

	room, created, err := env.bridge.resolver.ResolveDirect(env.ctx, acc, &social.Account{ID: "2", Acct: "bob"}, client)
	require.NoError(t, err)
	assert.True(t, created)
	members, err := env.chat.Members(env.ctx, room)
	require.NoError(t, err)
	assert.ElementsMatch(t, []id.UserID{testBot, testUser, teammate}, members)
}

func TestResolveDirectAccountGone(t *testing.T) {
	env := newTestEnv(t)
	acc, client := env.link(testUser, testToken)
	require.NoError(t, env.store.Txn(env.ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.DeleteAccount(ctx, testUser)
	}))

	_, _, err := env.bridge.resolver.ResolveDirect(env.ctx, acc, &social.Account{ID: "2", Acct: "bob"}, client)
	assert.ErrorIs(t, err, errAccountGone)
	created := env.chat.roomsNamed("bob")
	require.Len(t, created, 1)
	assert.Contains(t, env.chat.Left(), created[0])
}
