// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mastodon/pkg/social"
	"github.com/aiku/mautrix-mastodon/pkg/store"
)

// SocialProvider hands out instance sessions and runs the OAuth handshake.
// *social.Factory is the production implementation.
type SocialProvider interface {
	Client(instanceURL, token string) social.Client
	RegisterApp(ctx context.Context, instanceURL string) (*social.App, error)
	AuthCodeURL(instanceURL string, app *social.App, state string) string
	ExchangeCode(ctx context.Context, instanceURL string, app *social.App, code string) (string, error)
	PasswordLogin(ctx context.Context, instanceURL string, app *social.App, email, password string) (string, error)
}

var _ SocialProvider = (*social.Factory)(nil)

// session is the cached remote side of one linked account.
type session struct {
	instanceURL string
	token       string
	client      social.Client

	mu sync.Mutex
	// selfID is the remote account id, resolved on first use.
	selfID string
}

// sessions keeps one session per principal so the remote account id is
// looked up once rather than on every sweep.
type sessions struct {
	provider SocialProvider

	mu     sync.Mutex
	byUser map[id.UserID]*session
}

func newSessions(provider SocialProvider) *sessions {
	return &sessions{provider: provider, byUser: make(map[id.UserID]*session)}
}

// get returns the session of acc, replacing a cached one whose credential or
// instance changed.
func (s *sessions) get(acc *store.Account) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byUser[acc.Principal]
	if ok && sess.token == acc.Token && sess.instanceURL == acc.InstanceURL {
		return sess
	}
	sess = &session{
		instanceURL: acc.InstanceURL,
		token:       acc.Token,
		client:      s.provider.Client(acc.InstanceURL, acc.Token),
	}
	s.byUser[acc.Principal] = sess
	return sess
}

func (s *sessions) forget(principal id.UserID) {
	s.mu.Lock()
	delete(s.byUser, principal)
	s.mu.Unlock()
}

// self returns the remote account id of the session owner.
func (sess *session) self(ctx context.Context) (string, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.selfID != "" {
		return sess.selfID, nil
	}
	me, err := sess.client.VerifyCredentials(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to verify credentials: %w", err)
	}
	sess.selfID = me.ID
	return sess.selfID, nil
}
