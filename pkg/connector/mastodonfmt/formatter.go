// Copyright 2024-2026 Aiku AI

// Package mastodonfmt converts Mastodon status HTML to plain chat text.
package mastodonfmt

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ToText renders status HTML as text. Mention links whose href is a key of
// mentions are replaced by "@" and the mapped acct, so remote users keep
// their full handle. Paragraphs are separated by a blank line.
func ToText(content string, mentions map[string]string) string {
	if content == "" {
		return ""
	}
	parent := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(content), parent)
	if err != nil {
		return content
	}
	var b strings.Builder
	for _, n := range nodes {
		render(&b, n, mentions)
	}
	return strings.TrimSpace(b.String())
}

func render(b *strings.Builder, n *html.Node, mentions map[string]string) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Br:
			b.WriteByte('\n')
			return
		case atom.A:
			if hasClass(n, "u-url") {
				if acct, ok := mentions[attr(n, "href")]; ok {
					b.WriteString("@" + acct)
					return
				}
			}
		case atom.P:
			renderChildren(b, n, mentions)
			b.WriteString("\n\n")
			return
		}
	}
	renderChildren(b, n, mentions)
}

func renderChildren(b *strings.Builder, n *html.Node, mentions map[string]string) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		render(b, c, mentions)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}
