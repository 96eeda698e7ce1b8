// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"

	"github.com/aiku/mautrix-mastodon/pkg/social"
	"github.com/aiku/mautrix-mastodon/pkg/store"
)

// Tracker reads a feed past its stored cursor, moves the cursor and returns
// the new items oldest-first. The cursor is persisted before the caller
// delivers anything, so a crash in between skips that batch.
type Tracker struct {
	store *store.Store
	limit int
	log   zerolog.Logger
}

func NewTracker(s *store.Store, limit int, log zerolog.Logger) *Tracker {
	return &Tracker{store: s, limit: limit, log: log.With().Str("component", "cursor").Logger()}
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// compareIDs orders two decimal ids by length, then lexically, so ids wider
// than int64 still compare. ok is false when either id is not decimal.
func compareIDs(a, b string) (cmp int, ok bool) {
	if !isDecimal(a) || !isDecimal(b) {
		return 0, false
	}
	a = trimZeros(a)
	b = trimZeros(b)
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1, true
		}
		return 1, true
	}
	switch {
	case a < b:
		return -1, true
	case a > b:
		return 1, true
	}
	return 0, true
}

func trimZeros(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}

// advance filters a newest-first batch against cursor. Duplicate ids keep
// their first occurrence and items not newer than cursor are dropped. The
// returned cursor is the first surviving id in response order, bumped by any
// later survivor that is comparably newer. The bump departs from taking the
// response order alone; it keeps an instance that returns items out of order
// from replaying the newer ones on the next poll. fresh is oldest-first.
func advance[T any](batch []T, idOf func(T) string, cursor string) (fresh []T, next string) {
	next = cursor
	seen := make(map[string]struct{}, len(batch))
	first := true
	for _, item := range batch {
		itemID := idOf(item)
		if itemID == "" {
			continue
		}
		if _, dup := seen[itemID]; dup {
			continue
		}
		seen[itemID] = struct{}{}
		if cursor != "" {
			if itemID == cursor {
				continue
			}
			if c, ok := compareIDs(itemID, cursor); ok && c <= 0 {
				continue
			}
		}
		fresh = append(fresh, item)
		if first {
			next = itemID
			first = false
		} else if c, ok := compareIDs(itemID, next); ok && c > 0 {
			next = itemID
		}
	}
	slices.Reverse(fresh)
	return fresh, next
}

func notificationID(n *social.Notification) string { return n.ID }
func statusID(s *social.Status) string             { return s.ID }

func (t *Tracker) saveCursor(ctx context.Context, acc *store.Account, feed store.Feed, next string) error {
	if next == "" || next == ptr.Val(acc.Cursor(feed)) {
		return nil
	}
	err := t.store.Txn(ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.SetCursor(ctx, acc.Principal, feed, &next)
	})
	if err != nil {
		return err
	}
	if feed == store.FeedHome {
		acc.LastHome = ptr.Ptr(next)
	} else {
		acc.LastNotif = ptr.Ptr(next)
	}
	t.log.Trace().
		Str("user_id", acc.Principal.String()).
		Stringer("feed", feed).
		Str("cursor", next).
		Msg("Advanced cursor")
	return nil
}

// Notifications returns the notifications of acc newer than its cursor.
func (t *Tracker) Notifications(ctx context.Context, acc *store.Account, client social.Client) ([]*social.Notification, error) {
	cursor := ptr.Val(acc.LastNotif)
	batch, err := client.Notifications(ctx, cursor, t.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch notifications: %w", err)
	}
	fresh, next := advance(batch, notificationID, cursor)
	if err = t.saveCursor(ctx, acc, store.FeedNotifications, next); err != nil {
		return nil, err
	}
	return fresh, nil
}

// Home returns the home timeline of acc newer than its cursor.
func (t *Tracker) Home(ctx context.Context, acc *store.Account, client social.Client) ([]*social.Status, error) {
	cursor := ptr.Val(acc.LastHome)
	batch, err := client.HomeTimeline(ctx, cursor, t.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch home timeline: %w", err)
	}
	fresh, next := advance(batch, statusID, cursor)
	if err = t.saveCursor(ctx, acc, store.FeedHome, next); err != nil {
		return nil, err
	}
	return fresh, nil
}

// newestNotification returns the id of the latest notification, or nil
// when there are none.
func newestNotification(ctx context.Context, client social.Client) (*string, error) {
	batch, err := client.Notifications(ctx, "", 1)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch notifications: %w", err)
	} else if len(batch) == 0 {
		return nil, nil
	}
	return &batch[0].ID, nil
}

func newestHomeStatus(ctx context.Context, client social.Client) (*string, error) {
	batch, err := client.HomeTimeline(ctx, "", 1)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch home timeline: %w", err)
	} else if len(batch) == 0 {
		return nil, nil
	}
	return &batch[0].ID, nil
}

// Seed sets the cursor of feed to the newest existing item so that unmuting
// a feed does not replay history.
func (t *Tracker) Seed(ctx context.Context, acc *store.Account, feed store.Feed, client social.Client) error {
	var newest *string
	var err error
	if feed == store.FeedHome {
		newest, err = newestHomeStatus(ctx, client)
	} else {
		newest, err = newestNotification(ctx, client)
	}
	if err != nil {
		return err
	}
	return t.saveCursor(ctx, acc, feed, ptr.Val(newest))
}

func decodeTagCursors(raw *string) (map[string]string, error) {
	cursors := make(map[string]string)
	if raw == nil || *raw == "" {
		return cursors, nil
	}
	if err := json.Unmarshal([]byte(*raw), &cursors); err != nil {
		return make(map[string]string), err
	}
	return cursors, nil
}

// Hashtags returns the statuses of every tag of w newer than that tag's
// cursor, merged into one chronological stream. Cursors of tags no longer in
// tags are forgotten. Nothing is persisted if any tag fails.
func (t *Tracker) Hashtags(ctx context.Context, w *store.HashtagWatch, tags []string, client social.Client) ([]*social.Status, error) {
	prev, err := decodeTagCursors(w.Cursors)
	if err != nil {
		t.log.Warn().Err(err).Str("room_id", w.Room.String()).Msg("Discarding unreadable hashtag cursors")
	}
	next := make(map[string]string, len(tags))
	batches := make([][]*social.Status, 0, len(tags))
	for _, tag := range tags {
		batch, err := client.HashtagTimeline(ctx, tag, prev[tag], t.limit)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch #%s: %w", tag, err)
		}
		fresh, cursor := advance(batch, statusID, prev[tag])
		if cursor != "" {
			next[tag] = cursor
		}
		batches = append(batches, fresh)
	}
	encoded, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("failed to encode hashtag cursors: %w", err)
	}
	if blob := string(encoded); blob != ptr.Val(w.Cursors) {
		err = t.store.Txn(ctx, func(ctx context.Context, tx *store.Tx) error {
			return tx.SetWatchCursors(ctx, w.Room, &blob)
		})
		if err != nil {
			return nil, err
		}
		w.Cursors = &blob
	}
	return mergeTagged(batches), nil
}

// mergeTagged joins per-tag batches, keeping the first occurrence of each
// status id, and orders the result by edit time, or creation time for
// statuses never edited.
func mergeTagged(batches [][]*social.Status) []*social.Status {
	var merged []*social.Status
	seen := make(map[string]struct{})
	for _, batch := range batches {
		for _, st := range batch {
			if _, dup := seen[st.ID]; dup {
				continue
			}
			seen[st.ID] = struct{}{}
			merged = append(merged, st)
		}
	}
	slices.SortStableFunc(merged, func(a, b *social.Status) int {
		return a.SortTime().Compare(b.SortTime())
	})
	return merged
}
