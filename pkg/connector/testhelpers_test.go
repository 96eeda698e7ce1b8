// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mastodon/pkg/chat"
	"github.com/aiku/mautrix-mastodon/pkg/social"
	"github.com/aiku/mautrix-mastodon/pkg/store"
)

const (
	testInstance = "https://social.example"
	testToken    = "token-alice"
)

const (
	testBot  id.UserID = "@bot:example.org"
	testUser id.UserID = "@alice:example.org"
)

// sentMessage is one message the fake chat service delivered.
type sentMessage struct {
	Room id.RoomID
	Msg  *chat.Message
}

type fakeRoom struct {
	name    string
	kind    chat.RoomKind
	members []id.UserID
}

// fakeChat is an in-memory chat.Service. Invited users count as joined.
type fakeChat struct {
	mu       sync.Mutex
	rooms    map[id.RoomID]*fakeRoom
	direct   map[id.UserID]id.RoomID
	sent     []sentMessage
	left     []id.RoomID
	avatars  map[id.RoomID]*chat.Attachment
	media    map[id.ContentURIString][]byte
	seen     []id.EventID
	nextID   int
	creating time.Duration

	// FailCreate makes CreateGroupConversation fail.
	FailCreate error
}

var _ chat.Service = (*fakeChat)(nil)

func newFakeChat() *fakeChat {
	return &fakeChat{
		rooms:   make(map[id.RoomID]*fakeRoom),
		direct:  make(map[id.UserID]id.RoomID),
		avatars: make(map[id.RoomID]*chat.Attachment),
		media:   make(map[id.ContentURIString][]byte),
	}
}

func (c *fakeChat) Self() id.UserID { return testBot }

// addRoom creates a room the bot is in, with extra members.
func (c *fakeChat) addRoom(name string, kind chat.RoomKind, members ...id.UserID) id.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addRoomLocked(name, kind, members...)
}

func (c *fakeChat) addRoomLocked(name string, kind chat.RoomKind, members ...id.UserID) id.RoomID {
	c.nextID++
	room := id.RoomID(fmt.Sprintf("!room%d:example.org", c.nextID))
	c.rooms[room] = &fakeRoom{name: name, kind: kind, members: append([]id.UserID{testBot}, members...)}
	return room
}

func (c *fakeChat) CreateDirectConversation(_ context.Context, principal id.UserID) (id.RoomID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room, ok := c.direct[principal]; ok {
		return room, nil
	}
	room := c.addRoomLocked("", chat.KindDirect, principal)
	c.direct[principal] = room
	return room, nil
}

func (c *fakeChat) CreateGroupConversation(_ context.Context, name string) (id.RoomID, error) {
	if c.creating > 0 {
		time.Sleep(c.creating)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailCreate != nil {
		return "", c.FailCreate
	}
	return c.addRoomLocked(name, chat.KindGroup), nil
}

func (c *fakeChat) AddMember(_ context.Context, room id.RoomID, user id.UserID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[room]
	if !ok {
		return fmt.Errorf("unknown room %s", room)
	}
	r.members = append(r.members, user)
	return nil
}

// removeMember simulates a user leaving room.
func (c *fakeChat) removeMember(room id.RoomID, user id.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rooms[room]; ok {
		for i, m := range r.members {
			if m == user {
				r.members = append(r.members[:i], r.members[i+1:]...)
				break
			}
		}
	}
}

func (c *fakeChat) Leave(_ context.Context, room id.RoomID) error {
	c.mu.Lock()
	c.left = append(c.left, room)
	c.mu.Unlock()
	c.removeMember(room, testBot)
	return nil
}

func (c *fakeChat) Send(_ context.Context, room id.RoomID, msg *chat.Message) (id.EventID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMessage{Room: room, Msg: msg})
	return id.EventID(fmt.Sprintf("$evt%d", len(c.sent))), nil
}

func (c *fakeChat) SetProfileImage(_ context.Context, room id.RoomID, img *chat.Attachment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.avatars[room] = img
	return nil
}

func (c *fakeChat) Members(_ context.Context, room id.RoomID) ([]id.UserID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[room]
	if !ok {
		return nil, fmt.Errorf("unknown room %s", room)
	}
	return append([]id.UserID(nil), r.members...), nil
}

func (c *fakeChat) ConversationInfo(_ context.Context, room id.RoomID) (*chat.RoomInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[room]
	if !ok {
		return nil, fmt.Errorf("unknown room %s", room)
	}
	return &chat.RoomInfo{Name: r.name, Kind: r.kind}, nil
}

func (c *fakeChat) rename(room id.RoomID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room].name = name
}

func (c *fakeChat) MarkSeen(_ context.Context, _ id.RoomID, evt id.EventID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, evt)
	return nil
}

func (c *fakeChat) Download(_ context.Context, uri id.ContentURIString) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.media[uri]
	if !ok {
		return nil, fmt.Errorf("no media at %s", uri)
	}
	return data, nil
}

// Sent returns the messages delivered to room, in order.
func (c *fakeChat) Sent(room id.RoomID) []*chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*chat.Message
	for _, s := range c.sent {
		if s.Room == room {
			out = append(out, s.Msg)
		}
	}
	return out
}

// Texts returns the text of every message delivered to room.
func (c *fakeChat) Texts(room id.RoomID) []string {
	var out []string
	for _, msg := range c.Sent(room) {
		out = append(out, msg.Text)
	}
	return out
}

// AllSent returns every delivered message across rooms.
func (c *fakeChat) AllSent() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}

// Left returns the rooms the bot left.
func (c *fakeChat) Left() []id.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]id.RoomID(nil), c.left...)
}

// roomsNamed returns the rooms created with name.
func (c *fakeChat) roomsNamed(name string) []id.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []id.RoomID
	for room, r := range c.rooms {
		if r.name == name {
			out = append(out, room)
		}
	}
	return out
}

// fakeSocial is a scriptable social.Client. Feeds are kept newest-first like
// the server sends them.
type fakeSocial struct {
	mu    sync.Mutex
	calls []string

	Me            *social.Account
	NotifFeed     []*social.Notification
	HomeFeed      []*social.Status
	Tags          map[string][]*social.Status
	Public        []*social.Status
	Statuses      map[string]*social.Status
	Contexts      map[string]*social.Thread
	Accounts      map[string]*social.Account
	Relationships map[string]*social.Relationship
	AccountFeeds  map[string][]*social.Status
	SearchResults *social.SearchResults
	Media         map[string]*social.Media

	Posted     []*social.PostParams
	Uploaded   []*social.Media
	Favourited []string
	Reblogged  []string
	Related    []string
	Notes      []string

	// Errs makes the named method fail with the given error.
	Errs map[string]error
	// Panics makes the named method panic.
	Panics map[string]bool
	// hook, when set, sees every call.
	hook func(method string)
}

var _ social.Client = (*fakeSocial)(nil)

func newFakeSocial() *fakeSocial {
	return &fakeSocial{
		Me:            &social.Account{ID: "1", Username: "alice", Acct: "alice"},
		Tags:          make(map[string][]*social.Status),
		Statuses:      make(map[string]*social.Status),
		Contexts:      make(map[string]*social.Thread),
		Accounts:      make(map[string]*social.Account),
		Relationships: make(map[string]*social.Relationship),
		AccountFeeds:  make(map[string][]*social.Status),
		Media:         make(map[string]*social.Media),
		Errs:          make(map[string]error),
		Panics:        make(map[string]bool),
	}
}

// enter records a call and returns the scripted failure for it. The lock is
// held until the returned func runs.
func (f *fakeSocial) enter(method string) (func(), error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	if f.hook != nil {
		f.hook(method)
	}
	if f.Panics[method] {
		f.mu.Unlock()
		panic("scripted panic in " + method)
	}
	return f.mu.Unlock, f.Errs[method]
}

// Calls returns the names of the called methods, in order.
func (f *fakeSocial) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSocial) called(method string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == method {
			n++
		}
	}
	return n
}

func (f *fakeSocial) setErr(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errs[method] = err
}

// page mimics min_id paging: with a cursor it returns the oldest limit items
// newer than it, without one the newest limit items.
func page[T any](items []T, idOf func(T) string, minID string, limit int) []T {
	var out []T
	for _, item := range items {
		if minID != "" {
			if c, ok := compareIDs(idOf(item), minID); ok && c <= 0 {
				continue
			}
		}
		out = append(out, item)
	}
	if limit > 0 && len(out) > limit {
		if minID != "" {
			out = out[len(out)-limit:]
		} else {
			out = out[:limit]
		}
	}
	return out
}

func (f *fakeSocial) VerifyCredentials(context.Context) (*social.Account, error) {
	done, err := f.enter("VerifyCredentials")
	defer done()
	if err != nil {
		return nil, err
	}
	me := *f.Me
	return &me, nil
}

func (f *fakeSocial) Notifications(_ context.Context, minID string, limit int) ([]*social.Notification, error) {
	done, err := f.enter("Notifications")
	defer done()
	if err != nil {
		return nil, err
	}
	return page(f.NotifFeed, notificationID, minID, limit), nil
}

func (f *fakeSocial) HomeTimeline(_ context.Context, minID string, limit int) ([]*social.Status, error) {
	done, err := f.enter("HomeTimeline")
	defer done()
	if err != nil {
		return nil, err
	}
	return page(f.HomeFeed, statusID, minID, limit), nil
}

func (f *fakeSocial) HashtagTimeline(_ context.Context, tag, minID string, limit int) ([]*social.Status, error) {
	done, err := f.enter("HashtagTimeline")
	defer done()
	if err != nil {
		return nil, err
	}
	if err = f.Errs["HashtagTimeline:"+tag]; err != nil {
		return nil, err
	}
	return page(f.Tags[tag], statusID, minID, limit), nil
}

func (f *fakeSocial) PublicTimeline(_ context.Context, local bool, limit int) ([]*social.Status, error) {
	done, err := f.enter(fmt.Sprintf("PublicTimeline(local=%t)", local))
	defer done()
	if err != nil {
		return nil, err
	}
	return page(f.Public, statusID, "", limit), nil
}

func (f *fakeSocial) Status(_ context.Context, statusID string) (*social.Status, error) {
	done, err := f.enter("Status")
	defer done()
	if err != nil {
		return nil, err
	}
	st, ok := f.Statuses[statusID]
	if !ok {
		return nil, fmt.Errorf("%w: status %s", social.ErrNotFound, statusID)
	}
	return st, nil
}

func (f *fakeSocial) StatusContext(_ context.Context, statusID string) (*social.Thread, error) {
	done, err := f.enter("StatusContext")
	defer done()
	if err != nil {
		return nil, err
	}
	if th, ok := f.Contexts[statusID]; ok {
		return th, nil
	}
	return &social.Thread{}, nil
}

func (f *fakeSocial) PostStatus(_ context.Context, params *social.PostParams) (*social.Status, error) {
	done, err := f.enter("PostStatus")
	defer done()
	if err != nil {
		return nil, err
	}
	f.Posted = append(f.Posted, params)
	return &social.Status{ID: fmt.Sprintf("9%03d", len(f.Posted)), Visibility: params.Visibility}, nil
}

func (f *fakeSocial) UploadMedia(_ context.Context, media *social.Media) (string, error) {
	done, err := f.enter("UploadMedia")
	defer done()
	if err != nil {
		return "", err
	}
	f.Uploaded = append(f.Uploaded, media)
	return fmt.Sprintf("media%d", len(f.Uploaded)), nil
}

func (f *fakeSocial) Favourite(_ context.Context, statusID string) error {
	done, err := f.enter("Favourite")
	defer done()
	if err == nil {
		f.Favourited = append(f.Favourited, statusID)
	}
	return err
}

func (f *fakeSocial) Reblog(_ context.Context, statusID string) error {
	done, err := f.enter("Reblog")
	defer done()
	if err == nil {
		f.Reblogged = append(f.Reblogged, statusID)
	}
	return err
}

func (f *fakeSocial) LookupAccount(_ context.Context, query string) (*social.Account, error) {
	done, err := f.enter("LookupAccount")
	defer done()
	if err != nil {
		return nil, err
	}
	if acc, ok := f.Accounts[query]; ok {
		return acc, nil
	}
	for _, acc := range f.Accounts {
		if acc.ID == query {
			return acc, nil
		}
	}
	return nil, nil
}

func (f *fakeSocial) AccountStatuses(_ context.Context, accountID string, limit int) ([]*social.Status, error) {
	done, err := f.enter("AccountStatuses")
	defer done()
	if err != nil {
		return nil, err
	}
	return page(f.AccountFeeds[accountID], statusID, "", limit), nil
}

func (f *fakeSocial) Relationship(_ context.Context, accountID string) (*social.Relationship, error) {
	done, err := f.enter("Relationship")
	defer done()
	if err != nil {
		return nil, err
	}
	if rel, ok := f.Relationships[accountID]; ok {
		return rel, nil
	}
	return &social.Relationship{ID: accountID}, nil
}

func (f *fakeSocial) Relate(_ context.Context, action social.RelationshipAction, accountID string) error {
	done, err := f.enter("Relate")
	defer done()
	if err == nil {
		f.Related = append(f.Related, action.String()+":"+accountID)
	}
	return err
}

func (f *fakeSocial) UpdateNote(_ context.Context, note string) error {
	done, err := f.enter("UpdateNote")
	defer done()
	if err == nil {
		f.Notes = append(f.Notes, note)
	}
	return err
}

func (f *fakeSocial) Search(_ context.Context, _ string) (*social.SearchResults, error) {
	done, err := f.enter("Search")
	defer done()
	if err != nil {
		return nil, err
	}
	if f.SearchResults == nil {
		return &social.SearchResults{}, nil
	}
	return f.SearchResults, nil
}

func (f *fakeSocial) Download(_ context.Context, mediaURL string) (*social.Media, error) {
	done, err := f.enter("Download")
	defer done()
	if err != nil {
		return nil, err
	}
	m, ok := f.Media[mediaURL]
	if !ok {
		return nil, fmt.Errorf("%w: %s", social.ErrNotFound, mediaURL)
	}
	return m, nil
}

// fakeProvider hands out fakeSocial clients by token.
type fakeProvider struct {
	mu        sync.Mutex
	clients   map[string]*fakeSocial
	App       *social.App
	RegErr    error
	Codes     map[string]string
	Passwords map[string]string
	regs      int
}

var _ SocialProvider = (*fakeProvider)(nil)

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		clients:   make(map[string]*fakeSocial),
		App:       &social.App{ClientID: "client-id", ClientSecret: "client-secret"},
		Codes:     make(map[string]string),
		Passwords: make(map[string]string),
	}
}

// client returns the fake for token, creating it.
func (p *fakeProvider) client(token string) *fakeSocial {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[token]
	if !ok {
		c = newFakeSocial()
		p.clients[token] = c
	}
	return c
}

func (p *fakeProvider) Client(_, token string) social.Client {
	return p.client(token)
}

func (p *fakeProvider) RegisterApp(context.Context, string) (*social.App, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs++
	if p.RegErr != nil {
		return nil, p.RegErr
	}
	return p.App, nil
}

func (p *fakeProvider) registrations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.regs
}

func (p *fakeProvider) AuthCodeURL(instanceURL string, app *social.App, state string) string {
	return instanceURL + "/oauth/authorize?client_id=" + app.ClientID + "&state=" + state
}

func (p *fakeProvider) ExchangeCode(_ context.Context, _ string, _ *social.App, code string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if token, ok := p.Codes[code]; ok {
		return token, nil
	}
	return "", fmt.Errorf("invalid_grant")
}

func (p *fakeProvider) PasswordLogin(_ context.Context, _ string, _ *social.App, email, password string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if token, ok := p.Passwords[email+":"+password]; ok {
		return token, nil
	}
	return "", fmt.Errorf("invalid_grant")
}

// fakeClock never fires on its own. Advance fires every pending timer.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []chan time.Time
	// waits records every duration passed to After.
	waits []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 2, 15, 4, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.timers = append(c.timers, ch)
	c.waits = append(c.waits, d)
	return ch
}

func (c *fakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.waits)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	for _, ch := range c.timers {
		ch <- c.now
	}
	c.timers = nil
}

// testEnv is a bridge wired to fakes and a temporary database.
type testEnv struct {
	t        *testing.T
	ctx      context.Context
	bridge   *Bridge
	store    *store.Store
	chat     *fakeChat
	provider *fakeProvider
}

func newTestConfig() *Config {
	cfg := &Config{
		Homeserver: HomeserverConfig{URL: "https://matrix.example.org", UserID: testBot, AccessToken: "x"},
		Poller:     PollerConfig{Interval: time.Minute, BreakerThreshold: 3},
	}
	if err := cfg.PostProcess(); err != nil {
		panic(err)
	}
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "bridge.db"), nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	chatSvc := newFakeChat()
	provider := newFakeProvider()
	b := NewBridge(newTestConfig(), st, chatSvc, provider, zerolog.Nop())
	b.poller = NewPoller(b, b.Config.Poller, newFakeClock())
	return &testEnv{t: t, ctx: ctx, bridge: b, store: st, chat: chatSvc, provider: provider}
}

// link stores a linked account for principal with fresh Home and
// Notifications rooms and returns it together with its fake client.
func (e *testEnv) link(principal id.UserID, token string) (*store.Account, *fakeSocial) {
	e.t.Helper()
	return e.linkOn(testInstance, principal, token)
}

func (e *testEnv) linkOn(instanceURL string, principal id.UserID, token string) (*store.Account, *fakeSocial) {
	e.t.Helper()
	acc := &store.Account{
		Principal:   principal,
		Handle:      strings.TrimPrefix(strings.SplitN(string(principal), ":", 2)[0], "@"),
		InstanceURL: instanceURL,
		Token:       token,
		HomeRoom:    e.chat.addRoom(homeRoomName(instanceURL), chat.KindGroup, principal),
		NotifRoom:   e.chat.addRoom(notificationsRoomName(instanceURL), chat.KindGroup, principal),
	}
	err := e.store.Txn(e.ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.PutAccount(ctx, acc)
	})
	require.NoError(e.t, err)
	return acc, e.provider.client(token)
}

// account reads the stored account of principal.
func (e *testEnv) account(principal id.UserID) *store.Account {
	e.t.Helper()
	acc, err := store.View(e.ctx, e.store, func(ctx context.Context, tx *store.Tx) (*store.Account, error) {
		return tx.GetAccount(ctx, principal)
	})
	require.NoError(e.t, err)
	return acc
}

// message builds an inbound text message.
func message(room id.RoomID, sender id.UserID, text string) *chat.InboundMessage {
	return &chat.InboundMessage{
		Room:    room,
		Sender:  sender,
		EventID: "$in",
		Text:    text,
		Content: &event.MessageEventContent{MsgType: event.MsgText, Body: text},
	}
}

func testStatus(statusID string, author string) *social.Status {
	return &social.Status{
		ID:         statusID,
		URL:        testInstance + "/@" + author + "/" + statusID,
		Account:    social.Account{ID: "acct-" + author, Username: author, Acct: author},
		Content:    "<p>toot " + statusID + "</p>",
		Visibility: social.VisibilityPublic,
		CreatedAt:  time.Date(2024, 1, 2, 15, 4, 0, 0, time.UTC),
	}
}

func testNotification(notifID string, kind social.NotificationKind, from string, st *social.Status) *social.Notification {
	return &social.Notification{
		ID:      notifID,
		Kind:    kind,
		Account: social.Account{ID: "acct-" + from, Username: from, Acct: from},
		Status:  st,
	}
}
