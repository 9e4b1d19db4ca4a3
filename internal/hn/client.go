// Package hn is the upstream client for the Hacker-News-like firebase feed:
// point reads of items/users, the running max item id, and the live update
// stream. Grounded on the Python original's fetch_item/fetch_user/
// get_max_item_id (api-server/dbsync.py, embeddings/updater.py).
package hn

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hnsearch/hnsearch/internal/storage"
)

const defaultBaseURL = "https://hacker-news.firebaseio.com/v0"

// Client talks to the upstream firebase-style HN API.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the upstream base URL, used by tests against a
// local fixture server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// rawItem mirrors the upstream JSON item shape exactly.
type rawItem struct {
	ID          int64   `json:"id"`
	Deleted     bool    `json:"deleted"`
	Type        string  `json:"type"`
	By          string  `json:"by"`
	Time        int64   `json:"time"`
	Text        string  `json:"text"`
	Dead        bool    `json:"dead"`
	Parent      *int64  `json:"parent"`
	Poll        *int64  `json:"poll"`
	Kids        []int64 `json:"kids"`
	URL         string  `json:"url"`
	Score       int     `json:"score"`
	Title       string  `json:"title"`
	Parts       []int64 `json:"parts"`
	Descendants int     `json:"descendants"`
}

func (r rawItem) toItem() storage.Item {
	return storage.Item{
		ID:          r.ID,
		Deleted:     r.Deleted,
		Type:        storage.ItemType(r.Type),
		By:          r.By,
		Time:        r.Time,
		Text:        r.Text,
		Dead:        r.Dead,
		Parent:      r.Parent,
		Poll:        r.Poll,
		URL:         r.URL,
		Score:       r.Score,
		Title:       r.Title,
		Parts:       r.Parts,
		Descendants: r.Descendants,
		Kids:        r.Kids,
	}
}

type rawUser struct {
	ID        string  `json:"id"`
	Created   int64   `json:"created"`
	Karma     int     `json:"karma"`
	About     string  `json:"about"`
	Submitted []int64 `json:"submitted"`
}

func (r rawUser) toUser() storage.User {
	return storage.User{
		ID:        r.ID,
		Created:   r.Created,
		Karma:     r.Karma,
		About:     r.About,
		Submitted: r.Submitted,
	}
}

func (c *Client) getJSON(ctx context.Context, path string, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hn: unexpected status %d for %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// MaxItemID returns the current max item id known to upstream.
func (c *Client) MaxItemID(ctx context.Context) (int64, error) {
	var id int64
	if err := c.getJSON(ctx, "/maxitem.json", &id); err != nil {
		return 0, fmt.Errorf("fetch maxitem: %w", err)
	}
	return id, nil
}

// GetItem fetches a single item. A nil item (no error) means upstream
// returned `null` — a gap, not a failure; the caller records it in the
// missing-ids set rather than retrying forever.
func (c *Client) GetItem(ctx context.Context, id int64) (*storage.Item, error) {
	var raw *rawItem
	path := "/item/" + strconv.FormatInt(id, 10) + ".json"
	if err := c.getJSONWithRetry(ctx, path, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	item := raw.toItem()
	return &item, nil
}

// GetUser fetches a single user profile. A nil result means upstream has
// no such user (deleted or never existed).
func (c *Client) GetUser(ctx context.Context, id string) (*storage.User, error) {
	var raw *rawUser
	path := "/user/" + id + ".json"
	if err := c.getJSONWithRetry(ctx, path, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	user := raw.toUser()
	return &user, nil
}

// getJSONWithRetry retries any failed fetch (network error, non-200 status
// or undecodable body) with a fixed 5s backoff, bounded at 5 retries after
// the first attempt — the policy fetch_and_insert_items uses around each
// batch in the Python original.
func (c *Client) getJSONWithRetry(ctx context.Context, path string, dst interface{}) error {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Second), 5)
	return backoff.Retry(func() error {
		err := c.getJSON(ctx, path, dst)
		if err != nil {
			log.Printf("hn: transient error fetching %s: %v", path, err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

// GetItems fetches a contiguous id range concurrently, one goroutine per
// id, matching the asyncio.gather fan-out in fetch_and_insert_items. nil
// entries in the result mean upstream returned null for that id.
func (c *Client) GetItems(ctx context.Context, ids []int64) ([]*storage.Item, error) {
	out := make([]*storage.Item, len(ids))
	errCh := make(chan error, len(ids))

	for i, id := range ids {
		go func(i int, id int64) {
			item, err := c.GetItem(ctx, id)
			if err != nil {
				errCh <- err
				return
			}
			out[i] = item
			errCh <- nil
		}(i, id)
	}

	var firstErr error
	for range ids {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return out, firstErr
}
