// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"html"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-mastodon/pkg/chat"
	"github.com/aiku/mautrix-mastodon/pkg/connector/mastodonfmt"
	"github.com/aiku/mautrix-mastodon/pkg/social"
)

const (
	tootSeparator = "\n\n―――――――――――――――\n\n"
	timeLayout    = "2006-01-02 15:04"
)

var visibilityEmoji = map[social.Visibility]string{
	social.VisibilityDirect:   "✉",
	social.VisibilityPrivate:  "🔒",
	social.VisibilityUnlisted: "🔓",
	social.VisibilityPublic:   "🌎",
}

func (b *Bridge) accountName(acc *social.Account) string {
	return b.Config.FormatDisplayname(DisplaynameParams{
		DisplayName: acc.DisplayName,
		Username:    acc.Username,
		Acct:        acc.Acct,
		Bot:         acc.Bot,
	})
}

func (b *Bridge) accountNames(accounts []*social.Account) string {
	names := make([]string, len(accounts))
	for i, acc := range accounts {
		names[i] = b.accountName(acc)
	}
	return strings.Join(names, ", ")
}

// renderedStatus is a status as chat text. The first attachment is kept
// apart so the caller can decide to download it.
type renderedStatus struct {
	sender   string
	text     string
	mediaURL string
}

func permalinkLabel(st *social.Status) string {
	emoji, ok := visibilityEmoji[st.Visibility]
	if !ok {
		emoji = visibilityEmoji[social.VisibilityPrivate]
	}
	return emoji + " " + st.CreatedAt.UTC().Format(timeLayout)
}

// permalink is the "[🌎 2024-01-02 15:04](url)" line under every status.
func permalink(st *social.Status) string {
	return "[" + permalinkLabel(st) + "](" + st.URL + ")"
}

// statusFooter lists the command shortcuts that act on st.
func statusFooter(st *social.Status) string {
	var b strings.Builder
	b.WriteString("\n\n")
	b.WriteString(permalink(st))
	b.WriteString("\n")
	fmt.Fprintf(&b, "↩️ /reply_%s\n", st.ID)
	fmt.Fprintf(&b, "⭐ /star_%s\n", st.ID)
	if st.Visibility.Boostable() {
		fmt.Fprintf(&b, "🔁 /boost_%s\n", st.ID)
	}
	fmt.Fprintf(&b, "⏫ /open_%s\n", st.ID)
	fmt.Fprintf(&b, "👤 /profile_%s\n", st.Account.ID)
	return b.String()
}

func (b *Bridge) renderStatus(st *social.Status) *renderedStatus {
	var text strings.Builder
	if st.Reblog != nil {
		fmt.Fprintf(&text, "🔁 %s\n\n", b.accountName(&st.Account))
		st = st.Reblog
	}
	out := &renderedStatus{sender: b.accountName(&st.Account)}
	if len(st.Media) > 0 {
		out.mediaURL = st.Media[0].URL
		if len(st.Media) > 1 {
			urls := make([]string, 0, len(st.Media)-1)
			for _, m := range st.Media[1:] {
				urls = append(urls, m.URL)
			}
			text.WriteString(strings.Join(urls, "\n"))
			text.WriteString("\n\n")
		}
	}
	if st.SpoilerText != "" {
		fmt.Fprintf(&text, "⚠️ %s\n\n", st.SpoilerText)
	}
	mentions := make(map[string]string, len(st.Mentions))
	for _, m := range st.Mentions {
		mentions[m.URL] = m.Acct
	}
	text.WriteString(mastodonfmt.ToText(st.Content, mentions))
	text.WriteString(statusFooter(st))
	out.text = text.String()
	return out
}

// withLink puts a media URL that could not be attached above the text.
func withLink(mediaURL, text string) string {
	if !strings.HasPrefix(text, "http") {
		text = "\n" + text
	}
	return mediaURL + "\n" + text
}

// statusMessage renders st with its first attachment downloaded. If the
// download fails, the attachment is linked instead.
func (b *Bridge) statusMessage(ctx context.Context, st *social.Status, client social.Client) *chat.Message {
	r := b.renderStatus(st)
	msg := &chat.Message{Text: r.text, SenderName: r.sender}
	if r.mediaURL == "" {
		return msg
	}
	media, err := client.Download(ctx, r.mediaURL)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("url", r.mediaURL).Msg("Failed to download attachment, linking it instead")
		msg.Text = withLink(r.mediaURL, r.text)
		return msg
	}
	msg.Attachment = &chat.Attachment{Data: media.Data, FileName: media.FileName, ContentType: media.ContentType}
	return msg
}

// statusesText renders statuses as one text without downloading anything,
// for command replies.
func (b *Bridge) statusesText(statuses []*social.Status) string {
	texts := make([]string, 0, len(statuses))
	for _, st := range statuses {
		r := b.renderStatus(st)
		text := r.text
		if r.mediaURL != "" {
			text = withLink(r.mediaURL, text)
		}
		if r.sender != "" {
			text = r.sender + ":\n" + text
		}
		texts = append(texts, text)
	}
	return strings.Join(texts, tootSeparator)
}

// reversed returns a newest-first list oldest-first without touching it.
func reversed(statuses []*social.Status) []*social.Status {
	out := slices.Clone(statuses)
	slices.Reverse(out)
	return out
}

func followMessage(names string) *chat.Message {
	return &chat.Message{Text: fmt.Sprintf("👤 %s followed you.", names)}
}

// groupMessage announces that the accounts of g boosted or favorited a
// status. The formatted body quotes the status.
func groupMessage(headline string, g *NotificationGroup) *chat.Message {
	return &chat.Message{
		Text: headline + "\n\n" + permalink(g.Status),
		HTML: html.EscapeString(headline) +
			"<blockquote>" + g.Status.Content + "</blockquote>" +
			`<a href="` + html.EscapeString(g.Status.URL) + `">` + html.EscapeString(permalinkLabel(g.Status)) + "</a>",
	}
}
