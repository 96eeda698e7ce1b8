// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-mastodon/pkg/chat"
	"github.com/aiku/mautrix-mastodon/pkg/connector/mastodonfmt"
	"github.com/aiku/mautrix-mastodon/pkg/social"
	"github.com/aiku/mautrix-mastodon/pkg/store"
)

// commandFunc handles one slash command. payload is everything after the
// command name.
type commandFunc func(b *Bridge, ctx context.Context, msg *chat.InboundMessage, payload string)

// commands maps command names to handlers. Handlers must not reach
// parseCommand, or the map would depend on itself during initialization.
var commands = map[string]commandFunc{
	"help":     (*Bridge).cmdHelp,
	"login":    (*Bridge).startLogin,
	"logout":   (*Bridge).cmdLogout,
	"bio":      (*Bridge).cmdBio,
	"dm":       (*Bridge).cmdDirect,
	"reply":    (*Bridge).cmdReply,
	"star":     (*Bridge).cmdStar,
	"boost":    (*Bridge).cmdBoost,
	"open":     (*Bridge).cmdOpen,
	"follow":   relationshipCommand(social.ActionFollow),
	"unfollow": relationshipCommand(social.ActionUnfollow),
	"block":    relationshipCommand(social.ActionBlock),
	"unblock":  relationshipCommand(social.ActionUnblock),
	"mute":     muteCommand(social.ActionMute, true),
	"unmute":   muteCommand(social.ActionUnmute, false),
	"profile":  (*Bridge).cmdProfile,
	"local":    (*Bridge).cmdLocal,
	"public":   (*Bridge).cmdPublic,
	"tag":      (*Bridge).cmdTag,
	"search":   (*Bridge).cmdSearch,
}

const (
	commandTimelineLimit = 20
	profileStatusLimit   = 10
	textNothingFound     = "❌ Nothing found"
	textInvalidUser      = "❌ Invalid user"
)

const helpText = `Mastodon Bridge

/login <instance>
Log in with OAuth. You will get a link to authorize the bridge and then send the code in this chat.

/login <instance> <email> <password>
Log in with your email and password, if your instance allows it.

/logout
Log out and leave all the bridge rooms of your account.

/bio <text>
Update your biography.

/dm <account>
Start a private chat with the given account.

/reply <id> <text>
Reply to the toot with the given id. Attach a file with the command as caption to reply with media.

/star <id>
Favorite a toot.

/boost <id>
Boost a toot.

/open <id>
Show a toot with its whole thread.

/follow <account>
/unfollow <account>
/mute <account>
/unmute <account>
/block <account>
/unblock <account>
Change your relationship with an account.

/mute
/unmute
In your Home or Notifications room, stop or resume delivering it.

/profile [account]
Show an account, or yours.

/local
/public
Show the latest toots of the local or federated timeline.

/tag <hashtag>
Show the latest toots with the given hashtag.

/search <text>
Search for accounts and hashtags.

To follow hashtags, create a room with only you and the bridge and name it with the hashtags, for example "#matrix #golang".`

func (b *Bridge) cmdHelp(ctx context.Context, msg *chat.InboundMessage, _ string) {
	b.reply(ctx, msg, helpText)
}

// reply answers msg in its room, quoting it.
func (b *Bridge) reply(ctx context.Context, msg *chat.InboundMessage, text string) {
	b.send(ctx, msg.Room, &chat.Message{Text: text, QuotedID: msg.EventID})
}

func (b *Bridge) replyError(ctx context.Context, msg *chat.InboundMessage, err error) {
	zerolog.Ctx(ctx).Err(err).Msg("Command failed")
	b.reply(ctx, msg, fmt.Sprintf("❌ ERROR: %v", err))
}

// accountFor finds the account a message acts on: the account owning the
// room, the account owning the direct thread, or the sender's own account.
func (b *Bridge) accountFor(ctx context.Context, msg *chat.InboundMessage) (*store.Account, error) {
	return store.View(ctx, b.Store, func(ctx context.Context, tx *store.Tx) (*store.Account, error) {
		if acc, err := tx.GetAccountByRoom(ctx, msg.Room); err != nil || acc != nil {
			return acc, err
		}
		if th, err := tx.GetThreadByRoom(ctx, msg.Room); err != nil {
			return nil, err
		} else if th != nil {
			return tx.GetAccount(ctx, th.Principal)
		}
		return tx.GetAccount(ctx, msg.Sender)
	})
}

// withAccount runs fn with the account msg acts on, or tells the sender they
// are not logged in.
func (b *Bridge) withAccount(ctx context.Context, msg *chat.InboundMessage, fn func(acc *store.Account, client social.Client)) {
	acc, err := b.accountFor(ctx, msg)
	if err != nil {
		b.replyError(ctx, msg, err)
		return
	} else if acc == nil {
		b.reply(ctx, msg, textNotLoggedIn)
		return
	}
	fn(acc, b.client(acc))
}

func (b *Bridge) cmdBio(ctx context.Context, msg *chat.InboundMessage, payload string) {
	b.withAccount(ctx, msg, func(acc *store.Account, client social.Client) {
		if err := client.UpdateNote(ctx, payload); err != nil {
			b.replyError(ctx, msg, err)
			return
		}
		b.reply(ctx, msg, "✔️ Biography updated")
	})
}

func (b *Bridge) cmdDirect(ctx context.Context, msg *chat.InboundMessage, payload string) {
	if payload == "" {
		b.reply(ctx, msg, textWrongUsage)
		return
	}
	b.withAccount(ctx, msg, func(acc *store.Account, client social.Client) {
		target, err := client.LookupAccount(ctx, normalizeHandle(payload))
		if err != nil {
			b.replyError(ctx, msg, err)
			return
		} else if target == nil {
			b.reply(ctx, msg, "❌ Account not found: "+payload)
			return
		}
		room, created, err := b.resolver.ResolveDirect(ctx, acc, target, client)
		if err != nil {
			b.replyError(ctx, msg, err)
			return
		}
		if !created {
			b.sendText(ctx, room, "❌ Chat already exists, send messages here")
			return
		}
		b.sendText(ctx, room, "ℹ️ Private chat with: "+target.Acct)
	})
}

func (b *Bridge) cmdReply(ctx context.Context, msg *chat.InboundMessage, payload string) {
	args := splitArgs(payload, 2)
	if len(args) == 0 || (len(args) == 1 && msg.Media == nil) {
		b.reply(ctx, msg, textWrongUsage)
		return
	}
	text := ""
	if len(args) == 2 {
		text = args[1]
	}
	b.withAccount(ctx, msg, func(acc *store.Account, client social.Client) {
		if err := b.replyToStatus(ctx, acc, args[0], text, msg.Media); err != nil {
			b.replyError(ctx, msg, err)
		}
	})
}

// replyToStatus publishes a reply mentioning the author and the accounts
// mentioned by the status, with the status's own visibility.
func (b *Bridge) replyToStatus(ctx context.Context, acc *store.Account, statusID, text string, media *chat.InboundMedia) error {
	sess := b.sessions.get(acc)
	orig, err := sess.client.Status(ctx, statusID)
	if err != nil {
		return err
	}
	me, err := sess.self(ctx)
	if err != nil {
		return err
	}
	var prefix strings.Builder
	seen := map[string]bool{me: true}
	mention := func(accountID, acct string) {
		if seen[accountID] {
			return
		}
		seen[accountID] = true
		prefix.WriteString("@" + acct + " ")
	}
	mention(orig.Account.ID, orig.Account.Acct)
	for _, m := range orig.Mentions {
		mention(m.ID, m.Acct)
	}
	return b.publish(ctx, sess.client, &social.PostParams{
		Text:       prefix.String() + text,
		Visibility: orig.Visibility,
		InReplyTo:  orig.ID,
	}, media)
}

// publish uploads media, if any, and posts params.
func (b *Bridge) publish(ctx context.Context, client social.Client, params *social.PostParams, media *chat.InboundMedia) error {
	if media != nil {
		data, err := b.Chat.Download(ctx, media.URI)
		if err != nil {
			return fmt.Errorf("failed to download attachment: %w", err)
		}
		mediaID, err := client.UploadMedia(ctx, &social.Media{Data: data, ContentType: media.ContentType, FileName: media.FileName})
		if err != nil {
			return fmt.Errorf("failed to upload attachment: %w", err)
		}
		params.MediaIDs = append(params.MediaIDs, mediaID)
	}
	if strings.TrimSpace(params.Text) == "" && len(params.MediaIDs) == 0 {
		return nil
	}
	st, err := client.PostStatus(ctx, params)
	if err != nil {
		return err
	}
	zerolog.Ctx(ctx).Debug().Str("status_id", st.ID).Str("visibility", string(st.Visibility)).Msg("Published status")
	return nil
}

func (b *Bridge) cmdStar(ctx context.Context, msg *chat.InboundMessage, payload string) {
	b.statusAction(ctx, msg, payload, social.Client.Favourite)
}

func (b *Bridge) cmdBoost(ctx context.Context, msg *chat.InboundMessage, payload string) {
	b.statusAction(ctx, msg, payload, social.Client.Reblog)
}

// statusAction runs a silent action on the status id in payload. Only
// failures are reported.
func (b *Bridge) statusAction(ctx context.Context, msg *chat.InboundMessage, payload string, action func(social.Client, context.Context, string) error) {
	if payload == "" {
		b.reply(ctx, msg, textWrongUsage)
		return
	}
	b.withAccount(ctx, msg, func(acc *store.Account, client social.Client) {
		if err := action(client, ctx, payload); err != nil {
			b.replyError(ctx, msg, err)
		}
	})
}

func (b *Bridge) cmdOpen(ctx context.Context, msg *chat.InboundMessage, payload string) {
	if payload == "" {
		b.reply(ctx, msg, textWrongUsage)
		return
	}
	b.withAccount(ctx, msg, func(acc *store.Account, client social.Client) {
		st, err := client.Status(ctx, payload)
		if social.IsNotFound(err) {
			b.reply(ctx, msg, textNothingFound)
			return
		} else if err != nil {
			b.replyError(ctx, msg, err)
			return
		}
		thread, err := client.StatusContext(ctx, payload)
		if err != nil {
			b.replyError(ctx, msg, err)
			return
		}
		statuses := append(append(thread.Ancestors, st), thread.Descendants...)
		b.reply(ctx, msg, b.statusesText(statuses))
	})
}

func relationshipCommand(action social.RelationshipAction) commandFunc {
	return func(b *Bridge, ctx context.Context, msg *chat.InboundMessage, payload string) {
		b.relate(ctx, msg, action, payload)
	}
}

// muteCommand mutes an account when given one and the current feed
// otherwise.
func muteCommand(action social.RelationshipAction, muted bool) commandFunc {
	return func(b *Bridge, ctx context.Context, msg *chat.InboundMessage, payload string) {
		if payload == "" {
			b.setFeedMuted(ctx, msg, muted)
			return
		}
		b.relate(ctx, msg, action, payload)
	}
}

func (b *Bridge) relate(ctx context.Context, msg *chat.InboundMessage, action social.RelationshipAction, payload string) {
	if payload == "" {
		b.reply(ctx, msg, textWrongUsage)
		return
	}
	b.withAccount(ctx, msg, func(acc *store.Account, client social.Client) {
		target, err := client.LookupAccount(ctx, normalizeHandle(payload))
		if err != nil && !social.IsNotFound(err) {
			b.replyError(ctx, msg, err)
			return
		} else if target == nil {
			b.reply(ctx, msg, textInvalidUser)
			return
		}
		if err = client.Relate(ctx, action, target.ID); err != nil {
			b.replyError(ctx, msg, err)
			return
		}
		b.reply(ctx, msg, "✔️ "+action.Confirmation())
	})
}

func (b *Bridge) cmdProfile(ctx context.Context, msg *chat.InboundMessage, payload string) {
	b.withAccount(ctx, msg, func(acc *store.Account, client social.Client) {
		text, err := b.profileText(ctx, acc, payload)
		if err != nil {
			b.replyError(ctx, msg, err)
			return
		}
		b.reply(ctx, msg, text)
	})
}

// profileText renders an account with its latest toots. Without query it
// renders the account of acc itself.
func (b *Bridge) profileText(ctx context.Context, acc *store.Account, query string) (string, error) {
	sess := b.sessions.get(acc)
	me, err := sess.self(ctx)
	if err != nil {
		return "", err
	}
	var user *social.Account
	if query == "" {
		user, err = sess.client.VerifyCredentials(ctx)
	} else {
		user, err = sess.client.LookupAccount(ctx, normalizeHandle(query))
	}
	if err != nil && !social.IsNotFound(err) {
		return "", err
	} else if user == nil {
		return textInvalidUser, nil
	}

	var text strings.Builder
	text.WriteString(b.accountName(user) + ":\n\n")
	for _, f := range user.Fields {
		fmt.Fprintf(&text, "%s: %s\n", mastodonfmt.ToText(f.Name, nil), mastodonfmt.ToText(f.Value, nil))
	}
	if len(user.Fields) > 0 {
		text.WriteString("\n\n")
	}
	text.WriteString(mastodonfmt.ToText(user.Note, nil))
	fmt.Fprintf(&text, "\n\nToots: %d\nFollowing: %d\nFollowers: %d", user.StatusesCount, user.FollowingCount, user.FollowersCount)

	if user.ID != me {
		rel, err := sess.client.Relationship(ctx, user.ID)
		if err != nil {
			return "", err
		}
		if rel.FollowedBy {
			text.WriteString("\n[follows you]")
		} else if rel.BlockedBy {
			text.WriteString("\n[blocked you]")
		}
		text.WriteString("\n")
		toggle := func(on bool, yes, no string) {
			if on {
				fmt.Fprintf(&text, "\n/%s_%s", no, user.ID)
			} else {
				fmt.Fprintf(&text, "\n/%s_%s", yes, user.ID)
			}
		}
		toggle(rel.Following || rel.Requested, "follow", "unfollow")
		toggle(rel.Muting, "mute", "unmute")
		toggle(rel.Blocking, "block", "unblock")
		fmt.Fprintf(&text, "\n/dm_%s", user.ID)
	}

	statuses, err := sess.client.AccountStatuses(ctx, user.ID, profileStatusLimit)
	if err != nil {
		return "", err
	}
	if len(statuses) > 0 {
		text.WriteString(tootSeparator)
		text.WriteString(b.statusesText(reversed(statuses)))
	}
	return text.String(), nil
}

func (b *Bridge) cmdLocal(ctx context.Context, msg *chat.InboundMessage, _ string) {
	b.publicTimeline(ctx, msg, true)
}

func (b *Bridge) cmdPublic(ctx context.Context, msg *chat.InboundMessage, _ string) {
	b.publicTimeline(ctx, msg, false)
}

func (b *Bridge) publicTimeline(ctx context.Context, msg *chat.InboundMessage, local bool) {
	b.withAccount(ctx, msg, func(acc *store.Account, client social.Client) {
		statuses, err := client.PublicTimeline(ctx, local, commandTimelineLimit)
		if err != nil {
			b.replyError(ctx, msg, err)
			return
		}
		b.replyStatuses(ctx, msg, statuses)
	})
}

func (b *Bridge) cmdTag(ctx context.Context, msg *chat.InboundMessage, payload string) {
	tag := strings.TrimPrefix(strings.TrimSpace(payload), "#")
	if tag == "" {
		b.reply(ctx, msg, textWrongUsage)
		return
	}
	b.withAccount(ctx, msg, func(acc *store.Account, client social.Client) {
		statuses, err := client.HashtagTimeline(ctx, tag, "", commandTimelineLimit)
		if err != nil {
			b.replyError(ctx, msg, err)
			return
		}
		b.replyStatuses(ctx, msg, statuses)
	})
}

// replyStatuses answers with a newest-first timeline, oldest toot on top.
func (b *Bridge) replyStatuses(ctx context.Context, msg *chat.InboundMessage, statuses []*social.Status) {
	if len(statuses) == 0 {
		b.reply(ctx, msg, textNothingFound)
		return
	}
	b.reply(ctx, msg, b.statusesText(reversed(statuses)))
}

func (b *Bridge) cmdSearch(ctx context.Context, msg *chat.InboundMessage, payload string) {
	if payload == "" {
		b.reply(ctx, msg, textWrongUsage)
		return
	}
	b.withAccount(ctx, msg, func(acc *store.Account, client social.Client) {
		results, err := client.Search(ctx, payload)
		if err != nil {
			b.replyError(ctx, msg, err)
			return
		}
		b.reply(ctx, msg, searchText(results))
	})
}

func searchText(results *social.SearchResults) string {
	if len(results.Accounts) == 0 && len(results.Hashtags) == 0 {
		return textNothingFound
	}
	var text strings.Builder
	if len(results.Accounts) > 0 {
		text.WriteString("👤 Accounts:")
		for _, a := range results.Accounts {
			fmt.Fprintf(&text, "\n@%s /profile_%s", a.Acct, a.ID)
		}
		text.WriteString("\n\n")
	}
	if len(results.Hashtags) > 0 {
		text.WriteString("#️⃣ Hashtags:")
		for _, tag := range results.Hashtags {
			fmt.Fprintf(&text, "\n#%s /tag_%s", tag.Name, tag.Name)
		}
	}
	return strings.TrimRight(text.String(), "\n")
}
