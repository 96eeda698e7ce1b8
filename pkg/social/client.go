// Copyright 2024-2026 Aiku AI

// Package social talks to Mastodon-compatible instances over their REST API.
//
// Responses are decoded into closed Go types at the boundary: notification
// kinds and visibilities are enums, and every error a [Client] returns either
// wraps one of the class sentinels ([ErrUnauthorized], [ErrRateLimited],
// [ErrServer], [ErrNetwork], [ErrNotFound]) or is unexpected.
package social

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Client is an authenticated session on one instance. Empty minID means no
// lower bound. Timelines are returned newest-first, as the server sends them.
type Client interface {
	VerifyCredentials(ctx context.Context) (*Account, error)
	Notifications(ctx context.Context, minID string, limit int) ([]*Notification, error)
	HomeTimeline(ctx context.Context, minID string, limit int) ([]*Status, error)
	HashtagTimeline(ctx context.Context, tag, minID string, limit int) ([]*Status, error)
	PublicTimeline(ctx context.Context, local bool, limit int) ([]*Status, error)
	Status(ctx context.Context, statusID string) (*Status, error)
	StatusContext(ctx context.Context, statusID string) (*Thread, error)
	PostStatus(ctx context.Context, params *PostParams) (*Status, error)
	UploadMedia(ctx context.Context, media *Media) (string, error)
	Favourite(ctx context.Context, statusID string) error
	Reblog(ctx context.Context, statusID string) error
	// LookupAccount resolves a numeric account id or an acct handle. It
	// returns nil without error when nothing matches.
	LookupAccount(ctx context.Context, query string) (*Account, error)
	AccountStatuses(ctx context.Context, accountID string, limit int) ([]*Status, error)
	Relationship(ctx context.Context, accountID string) (*Relationship, error)
	Relate(ctx context.Context, action RelationshipAction, accountID string) error
	UpdateNote(ctx context.Context, note string) error
	Search(ctx context.Context, query string) (*SearchResults, error)
	// Download fetches a media URL without sending credentials.
	Download(ctx context.Context, mediaURL string) (*Media, error)
}

type restClient struct {
	instanceURL string
	authed      *http.Client
	plain       *http.Client
	log         zerolog.Logger
}

var _ Client = (*restClient)(nil)

func (c *restClient) endpoint(p string, query url.Values) string {
	u := c.instanceURL + p
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *restClient) do(ctx context.Context, method, p string, query url.Values, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(p, query), body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.authed.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, p, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := newAPIError(resp)
		c.log.Debug().
			Str("method", method).
			Str("path", p).
			Int("status", resp.StatusCode).
			Str("error", apiErr.Message).
			Msg("Request failed")
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to decode %s response: %w", p, err)
	}
	return nil
}

func (c *restClient) get(ctx context.Context, p string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, p, query, nil, "", out)
}

func (c *restClient) post(ctx context.Context, p string, payload any, out any) error {
	if payload == nil {
		return c.do(ctx, http.MethodPost, p, nil, nil, "", out)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, p, nil, bytes.NewReader(data), "application/json", out)
}

func pageQuery(minID string, limit int) url.Values {
	q := url.Values{}
	if minID != "" {
		q.Set("min_id", minID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

func (c *restClient) VerifyCredentials(ctx context.Context) (*Account, error) {
	var acc Account
	if err := c.get(ctx, "/api/v1/accounts/verify_credentials", nil, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (c *restClient) Notifications(ctx context.Context, minID string, limit int) ([]*Notification, error) {
	var out []*Notification
	if err := c.get(ctx, "/api/v1/notifications", pageQuery(minID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *restClient) HomeTimeline(ctx context.Context, minID string, limit int) ([]*Status, error) {
	var out []*Status
	if err := c.get(ctx, "/api/v1/timelines/home", pageQuery(minID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *restClient) HashtagTimeline(ctx context.Context, tag, minID string, limit int) ([]*Status, error) {
	var out []*Status
	p := "/api/v1/timelines/tag/" + url.PathEscape(strings.TrimPrefix(tag, "#"))
	if err := c.get(ctx, p, pageQuery(minID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *restClient) PublicTimeline(ctx context.Context, local bool, limit int) ([]*Status, error) {
	q := pageQuery("", limit)
	if local {
		q.Set("local", "true")
	}
	var out []*Status
	if err := c.get(ctx, "/api/v1/timelines/public", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *restClient) Status(ctx context.Context, statusID string) (*Status, error) {
	var st Status
	if err := c.get(ctx, "/api/v1/statuses/"+url.PathEscape(statusID), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *restClient) StatusContext(ctx context.Context, statusID string) (*Thread, error) {
	var th Thread
	if err := c.get(ctx, "/api/v1/statuses/"+url.PathEscape(statusID)+"/context", nil, &th); err != nil {
		return nil, err
	}
	return &th, nil
}

func (c *restClient) PostStatus(ctx context.Context, params *PostParams) (*Status, error) {
	payload := struct {
		Status      string     `json:"status,omitempty"`
		MediaIDs    []string   `json:"media_ids,omitempty"`
		Visibility  Visibility `json:"visibility,omitempty"`
		InReplyToID string     `json:"in_reply_to_id,omitempty"`
	}{params.Text, params.MediaIDs, params.Visibility, params.InReplyTo}
	var st Status
	if err := c.post(ctx, "/api/v1/statuses", payload, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *restClient) UploadMedia(ctx context.Context, media *Media) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	name := media.FileName
	if name == "" {
		name = "file"
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err = part.Write(media.Data); err != nil {
		return "", fmt.Errorf("failed to write form file: %w", err)
	}
	if err = mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish form: %w", err)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v2/media", nil, &buf, mw.FormDataContentType(), &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *restClient) Favourite(ctx context.Context, statusID string) error {
	return c.post(ctx, "/api/v1/statuses/"+url.PathEscape(statusID)+"/favourite", nil, nil)
}

func (c *restClient) Reblog(ctx context.Context, statusID string) error {
	return c.post(ctx, "/api/v1/statuses/"+url.PathEscape(statusID)+"/reblog", nil, nil)
}

func isNumericID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (c *restClient) LookupAccount(ctx context.Context, query string) (*Account, error) {
	if isNumericID(query) {
		var acc Account
		err := c.get(ctx, "/api/v1/accounts/"+query, nil, &acc)
		if IsNotFound(err) {
			return nil, nil
		} else if err != nil {
			return nil, err
		}
		return &acc, nil
	}
	handle := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(query), "@"))
	if handle == "" {
		return nil, nil
	}
	local, _, _ := strings.Cut(handle, "@")
	var results []*Account
	q := url.Values{"q": {handle}, "resolve": {"true"}, "limit": {"10"}}
	if err := c.get(ctx, "/api/v1/accounts/search", q, &results); err != nil {
		return nil, err
	}
	for _, acc := range results {
		acct := strings.ToLower(acc.Acct)
		if acct == handle || acct == local {
			return acc, nil
		}
	}
	return nil, nil
}

func (c *restClient) AccountStatuses(ctx context.Context, accountID string, limit int) ([]*Status, error) {
	var out []*Status
	if err := c.get(ctx, "/api/v1/accounts/"+url.PathEscape(accountID)+"/statuses", pageQuery("", limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *restClient) Relationship(ctx context.Context, accountID string) (*Relationship, error) {
	var out []*Relationship
	if err := c.get(ctx, "/api/v1/accounts/relationships", url.Values{"id[]": {accountID}}, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no relationship returned for %s", accountID)
	}
	return out[0], nil
}

func (c *restClient) Relate(ctx context.Context, action RelationshipAction, accountID string) error {
	ep, err := action.endpoint()
	if err != nil {
		return err
	}
	return c.post(ctx, "/api/v1/accounts/"+url.PathEscape(accountID)+"/"+ep, nil, nil)
}

func (c *restClient) UpdateNote(ctx context.Context, note string) error {
	form := url.Values{"note": {note}}
	return c.do(ctx, http.MethodPatch, "/api/v1/accounts/update_credentials", nil,
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", nil)
}

func (c *restClient) Search(ctx context.Context, query string) (*SearchResults, error) {
	var out SearchResults
	q := url.Values{"q": {query}, "resolve": {"true"}, "limit": {"10"}}
	if err := c.get(ctx, "/api/v2/search", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

const maxDownloadSize = 64 << 20

func (c *restClient) Download(ctx context.Context, mediaURL string) (*Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.plain.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: download %s: %w", ErrNetwork, mediaURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrNetwork, mediaURL, err)
	}
	if len(data) > maxDownloadSize {
		return nil, fmt.Errorf("media %s exceeds %d bytes", mediaURL, maxDownloadSize)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return &Media{Data: data, ContentType: contentType, FileName: fileName(resp, contentType)}, nil
}

// fileName prefers the Content-Disposition filename, then the last path
// segment of the final URL, then a name derived from the content type.
func fileName(resp *http.Response, contentType string) string {
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	name := path.Base(resp.Request.URL.Path)
	if strings.Contains(name, ".") {
		return name
	}
	if name == "/" || name == "." {
		name = "file"
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
		return name + exts[0]
	}
	return name
}

// IsNotFound reports whether err is a 404 from the instance.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
