// Copyright 2024-2026 Aiku AI

package connector

import (
	"strings"

	"github.com/aiku/mautrix-mastodon/pkg/social"
)

// NotificationGroup is every account that boosted or favorited one status.
type NotificationGroup struct {
	Status   *social.Status
	Accounts []*social.Account
}

// Groups is a notification batch split by how it is delivered. Every slice
// keeps the oldest-first order of the input.
type Groups struct {
	Direct     []*social.Notification
	Reblogs    []*NotificationGroup
	Favourites []*NotificationGroup
	Follows    []*social.Account
	Mentions   []*social.Notification
}

// Empty reports whether nothing is left to deliver.
func (g *Groups) Empty() bool {
	return len(g.Direct) == 0 && len(g.Reblogs) == 0 && len(g.Favourites) == 0 &&
		len(g.Follows) == 0 && len(g.Mentions) == 0
}

func isDirectMessage(st *social.Status) bool {
	return st.Visibility == social.VisibilityDirect && len(st.Mentions) == 1
}

func isSpam(st *social.Status, blocklist []string) bool {
	for _, needle := range blocklist {
		if needle != "" && strings.Contains(st.Content, needle) {
			return true
		}
	}
	return false
}

// appendGrouped adds account to the group of st, creating it at the end of
// groups on first sight.
func appendGrouped(groups []*NotificationGroup, index map[string]*NotificationGroup, st *social.Status, account social.Account) []*NotificationGroup {
	group, ok := index[st.ID]
	if !ok {
		group = &NotificationGroup{Status: st}
		index[st.ID] = group
		groups = append(groups, group)
	}
	group.Accounts = append(group.Accounts, &account)
	return groups
}

// Classify partitions an oldest-first notification batch. Direct messages
// containing a blocklisted string are dropped. When muted, boosts,
// favorites and follows are dropped too. Unknown kinds are ignored.
func Classify(batch []*social.Notification, muted bool, blocklist []string) *Groups {
	groups := &Groups{}
	reblogs := make(map[string]*NotificationGroup)
	favourites := make(map[string]*NotificationGroup)
	for _, n := range batch {
		switch n.Kind {
		case social.KindMention:
			if n.Status == nil {
				continue
			}
			if isDirectMessage(n.Status) {
				if !isSpam(n.Status, blocklist) {
					groups.Direct = append(groups.Direct, n)
				}
				continue
			}
			groups.Mentions = append(groups.Mentions, n)
		case social.KindReblog:
			if muted || n.Status == nil {
				continue
			}
			groups.Reblogs = appendGrouped(groups.Reblogs, reblogs, n.Status, n.Account)
		case social.KindFavourite:
			if muted || n.Status == nil {
				continue
			}
			groups.Favourites = appendGrouped(groups.Favourites, favourites, n.Status, n.Account)
		case social.KindFollow:
			if muted {
				continue
			}
			account := n.Account
			groups.Follows = append(groups.Follows, &account)
		}
	}
	return groups
}
