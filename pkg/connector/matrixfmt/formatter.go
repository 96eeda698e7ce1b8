// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts Matrix message content to the plain text body
// of a toot.
package matrixfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

var (
	replyRe      = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)
	preRe        = regexp.MustCompile(`(?s)<pre>(?:<code[^>]*>)?(.*?)(?:</code>)?</pre>`)
	linkRe       = regexp.MustCompile(`(?s)<a href="([^"]+)"[^>]*>(.*?)</a>`)
	brRe         = regexp.MustCompile(`<br\s*/?>`)
	blockquoteRe = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	headingRe    = regexp.MustCompile(`(?s)<h[1-6]>(.*?)</h[1-6]>`)
	ulRe         = regexp.MustCompile(`(?s)<ul>(.*?)</ul>`)
	olRe         = regexp.MustCompile(`(?s)<ol>(.*?)</ol>`)
	liRe         = regexp.MustCompile(`(?s)<li>(.*?)</li>`)
	pRe          = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// Parse returns the text to publish for content. Mastodon renders no markup,
// so formatting is dropped and links keep their target visible.
func Parse(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return stripReplyFallback(content.Body)
	}

	text := replyRe.ReplaceAllString(content.FormattedBody, "")

	text = preRe.ReplaceAllString(text, "$1\n")

	text = linkRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		href, label := parts[1], tagRe.ReplaceAllString(parts[2], "")
		// Matrix pills point at matrix.to and are meaningless on the fediverse.
		if strings.HasPrefix(href, "https://matrix.to/") {
			return label
		}
		if label == "" || label == href || "mailto:"+label == href {
			return href
		}
		return label + " (" + href + ")"
	})

	text = headingRe.ReplaceAllString(text, "$1\n\n")

	text = blockquoteRe.ReplaceAllStringFunc(text, func(match string) string {
		inner := blockquoteRe.FindStringSubmatch(match)[1]
		inner = brRe.ReplaceAllString(inner, "\n")
		inner = pRe.ReplaceAllString(inner, "$1\n")
		lines := strings.Split(strings.TrimSpace(tagRe.ReplaceAllString(inner, "")), "\n")
		for i, line := range lines {
			lines[i] = "> " + strings.TrimSpace(line)
		}
		return strings.Join(lines, "\n") + "\n\n"
	})

	text = ulRe.ReplaceAllStringFunc(text, func(match string) string {
		var items []string
		for _, item := range liRe.FindAllStringSubmatch(match, -1) {
			items = append(items, "• "+strings.TrimSpace(item[1]))
		}
		return strings.Join(items, "\n") + "\n\n"
	})

	text = olRe.ReplaceAllStringFunc(text, func(match string) string {
		var items []string
		for i, item := range liRe.FindAllStringSubmatch(match, -1) {
			items = append(items, strconv.Itoa(i+1)+". "+strings.TrimSpace(item[1]))
		}
		return strings.Join(items, "\n") + "\n\n"
	})

	text = pRe.ReplaceAllString(text, "$1\n\n")
	text = brRe.ReplaceAllString(text, "\n")
	text = tagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	text = blankLinesRe.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}

// stripReplyFallback removes the "> <@user> quoted" lines clients prepend to
// the plain body of a reply.
func stripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], "> ") {
		i++
	}
	if i < len(lines) && lines[i] == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}
