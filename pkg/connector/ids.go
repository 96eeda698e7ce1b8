// Copyright 2024-2026 Aiku AI

package connector

import (
	"regexp"
	"strings"
)

// normalizeURL turns user input such as "mastodon.social/" into the instance
// base URL "https://mastodon.social". Plain http is upgraded.
func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "http://"):
		raw = "https://" + raw[len("http://"):]
	case !strings.HasPrefix(raw, "https://"):
		raw = "https://" + raw
	}
	return strings.TrimRight(raw, "/")
}

// instanceHost strips the scheme from an instance URL.
func instanceHost(instanceURL string) string {
	if _, rest, ok := strings.Cut(instanceURL, "://"); ok {
		return rest
	}
	return instanceURL
}

// normalizeHandle lowercases an acct and drops a leading "@".
func normalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

func homeRoomName(instanceURL string) string {
	return "Home (" + instanceHost(instanceURL) + ")"
}

func notificationsRoomName(instanceURL string) string {
	return "Notifications (" + instanceHost(instanceURL) + ")"
}

var (
	hashtagNameSep = regexp.MustCompile(`[ ,]+`)
	hashtagTokenRe = regexp.MustCompile(`^#[\p{L}\p{N}_]`)
	nonWordRe      = regexp.MustCompile(`[^\p{L}\p{N}_]+`)
)

// isHashtagRoomName reports whether every token of name, split on spaces and
// commas, is a # followed by a word.
func isHashtagRoomName(name string) bool {
	for _, token := range hashtagNameSep.Split(name, -1) {
		if !hashtagTokenRe.MatchString(token) {
			return false
		}
	}
	return true
}

// tagsFromRoomName extracts the tags a hashtag room follows.
func tagsFromRoomName(name string) []string {
	var tags []string
	seen := make(map[string]struct{})
	for _, tag := range nonWordRe.Split(name, -1) {
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags
}

// parseCommand splits "/name payload" into its parts. The underscore form
// "/star_123" used by rendered shortcuts is accepted as "/star 123".
func parseCommand(text string) (name, payload string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", false
	}
	head, payload, _ := strings.Cut(text[1:], " ")
	if nl := strings.IndexByte(head, '\n'); nl >= 0 {
		payload = strings.TrimSpace(head[nl+1:] + " " + payload)
		head = head[:nl]
	}
	payload = strings.TrimSpace(payload)
	name = strings.ToLower(head)
	if _, known := commands[name]; !known {
		if base, arg, found := strings.Cut(name, "_"); found {
			if _, known = commands[base]; known {
				// Keep the argument's original case.
				return base, strings.TrimSpace(head[len(base)+1:] + " " + payload), arg != ""
			}
		}
		return name, payload, false
	}
	return name, payload, true
}

// splitArgs splits s on whitespace into at most n fields; the last field
// keeps its inner spaces.
func splitArgs(s string, n int) []string {
	var out []string
	s = strings.TrimSpace(s)
	for s != "" && len(out) < n-1 {
		i := strings.IndexAny(s, " \t\n")
		if i < 0 {
			break
		}
		out = append(out, s[:i])
		s = strings.TrimSpace(s[i:])
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
