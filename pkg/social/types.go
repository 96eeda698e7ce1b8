// Copyright 2024-2026 Aiku AI

package social

import (
	"encoding/json"
	"time"
)

// Visibility is the audience of a status.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
	VisibilityDirect   Visibility = "direct"
)

// UnmarshalJSON maps unknown audiences (forks add things like "limited") to
// private, the narrowest one that is still not a direct message.
func (v *Visibility) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch Visibility(raw) {
	case VisibilityPublic, VisibilityUnlisted, VisibilityPrivate, VisibilityDirect:
		*v = Visibility(raw)
	default:
		*v = VisibilityPrivate
	}
	return nil
}

// Boostable reports whether statuses with this visibility can be reblogged.
func (v Visibility) Boostable() bool {
	return v == VisibilityPublic || v == VisibilityUnlisted
}

// NotificationKind is the closed set of notification types the bridge
// understands. Everything else parses as KindUnknown.
type NotificationKind int

const (
	KindUnknown NotificationKind = iota
	KindMention
	KindReblog
	KindFavourite
	KindFollow
)

var kindNames = map[string]NotificationKind{
	"mention":   KindMention,
	"reblog":    KindReblog,
	"favourite": KindFavourite,
	"follow":    KindFollow,
}

func (k NotificationKind) String() string {
	for name, kind := range kindNames {
		if kind == k {
			return name
		}
	}
	return "unknown"
}

func (k *NotificationKind) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*k = kindNames[raw]
	return nil
}

type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Account struct {
	ID             string  `json:"id"`
	Username       string  `json:"username"`
	Acct           string  `json:"acct"`
	DisplayName    string  `json:"display_name"`
	URL            string  `json:"url"`
	Avatar         string  `json:"avatar"`
	AvatarStatic   string  `json:"avatar_static"`
	Note           string  `json:"note"`
	Bot            bool    `json:"bot"`
	Fields         []Field `json:"fields"`
	StatusesCount  int     `json:"statuses_count"`
	FollowingCount int     `json:"following_count"`
	FollowersCount int     `json:"followers_count"`
}

type Mention struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Acct     string `json:"acct"`
	URL      string `json:"url"`
}

type MediaAttachment struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	URL         string `json:"url"`
	PreviewURL  string `json:"preview_url"`
	Description string `json:"description"`
}

type Status struct {
	ID          string            `json:"id"`
	URI         string            `json:"uri"`
	URL         string            `json:"url"`
	Account     Account           `json:"account"`
	Content     string            `json:"content"`
	SpoilerText string            `json:"spoiler_text"`
	Visibility  Visibility        `json:"visibility"`
	CreatedAt   time.Time         `json:"created_at"`
	EditedAt    *time.Time        `json:"edited_at"`
	InReplyToID *string           `json:"in_reply_to_id"`
	Reblog      *Status           `json:"reblog"`
	Mentions    []Mention         `json:"mentions"`
	Media       []MediaAttachment `json:"media_attachments"`
}

// SortTime is the edit time of s if it was edited, its creation time otherwise.
func (s *Status) SortTime() time.Time {
	if s.EditedAt != nil && !s.EditedAt.IsZero() {
		return *s.EditedAt
	}
	return s.CreatedAt
}

// MentionsAccount reports whether accountID is among the accounts s mentions.
func (s *Status) MentionsAccount(accountID string) bool {
	for _, m := range s.Mentions {
		if m.ID == accountID {
			return true
		}
	}
	return false
}

type Notification struct {
	ID        string           `json:"id"`
	Kind      NotificationKind `json:"type"`
	CreatedAt time.Time        `json:"created_at"`
	Account   Account          `json:"account"`
	Status    *Status          `json:"status"`
}

type Relationship struct {
	ID         string `json:"id"`
	Following  bool   `json:"following"`
	Requested  bool   `json:"requested"`
	FollowedBy bool   `json:"followed_by"`
	Blocking   bool   `json:"blocking"`
	BlockedBy  bool   `json:"blocked_by"`
	Muting     bool   `json:"muting"`
}

// Thread is a status with its ancestors and descendants.
type Thread struct {
	Ancestors   []*Status `json:"ancestors"`
	Descendants []*Status `json:"descendants"`
}

type Tag struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type SearchResults struct {
	Accounts []*Account `json:"accounts"`
	Hashtags []*Tag     `json:"hashtags"`
}

// App is the OAuth client registration of the bridge on an instance.
type App struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// PostParams describes a status to publish.
type PostParams struct {
	Text       string
	MediaIDs   []string
	Visibility Visibility
	InReplyTo  string
}

// Media is a downloaded remote file.
type Media struct {
	Data        []byte
	ContentType string
	FileName    string
}
