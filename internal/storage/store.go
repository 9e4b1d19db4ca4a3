// Package storage is the persisted catalog of items, parent/child edges and
// users. It upserts in batches and answers the ancestor-walk query that the
// ingestion and embedding engines both need.
package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ItemType mirrors the upstream "type" field.
type ItemType string

const (
	TypeStory   ItemType = "story"
	TypeComment ItemType = "comment"
	TypePoll    ItemType = "poll"
	TypePollOpt ItemType = "pollopt"
	TypeJob     ItemType = "job"
)

// Item is the tagged-variant record: most fields are optional depending on
// Type, matching the upstream item shape.
type Item struct {
	ID          int64
	Deleted     bool
	Type        ItemType
	By          string
	Time        int64
	Text        string
	Dead        bool
	Parent      *int64
	Poll        *int64
	URL         string
	Score       int
	Title       string
	Parts       []int64
	Descendants int
	Kids        []int64
}

// User is the string-keyed author record.
type User struct {
	ID        string
	Created   int64
	Karma     int
	About     string
	Submitted []int64
}

// AuthUser is the session-owning account used by the retained auth
// collaborator surface (Google OAuth login), distinct from the upstream
// forum User above.
type AuthUser struct {
	ID        string    `json:"id"`
	GoogleID  string    `json:"google_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	AvatarURL string    `json:"avatar_url"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Schema creates the tables if absent. The teacher repo has no migration
// tool, so the core keeps schema creation inline at startup.
func (s *Store) Schema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS items (
			id BIGINT PRIMARY KEY,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			type TEXT NOT NULL,
			by TEXT,
			time BIGINT,
			text TEXT,
			dead BOOLEAN NOT NULL DEFAULT FALSE,
			parent BIGINT,
			poll BIGINT,
			url TEXT,
			score INTEGER,
			title TEXT,
			parts TEXT,
			descendants INTEGER
		);
		CREATE INDEX IF NOT EXISTS items_parent_idx ON items (parent);
		CREATE INDEX IF NOT EXISTS items_eligible_idx ON items (type, score, descendants);

		CREATE TABLE IF NOT EXISTS kids (
			item BIGINT NOT NULL,
			kid BIGINT NOT NULL,
			display_order INTEGER NOT NULL,
			PRIMARY KEY (item, kid)
		);
		CREATE INDEX IF NOT EXISTS kids_item_order_idx ON kids (item, display_order);

		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			created BIGINT,
			karma INTEGER,
			about TEXT,
			submitted TEXT
		);

		CREATE TABLE IF NOT EXISTS auth_users (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			google_id TEXT UNIQUE NOT NULL,
			email TEXT NOT NULL,
			name TEXT,
			avatar_url TEXT,
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

// UpsertItems writes a batch of items and their kid edges as a unit (the
// caller has already dropped nil/gap entries before reaching here).
func (s *Store) UpsertItems(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin item batch: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, item := range items {
		parts := joinInt64(item.Parts)
		batch.Queue(`
			INSERT INTO items (id, deleted, type, by, time, text, dead, parent, poll, url, score, title, parts, descendants)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO UPDATE SET
				deleted = EXCLUDED.deleted,
				type = EXCLUDED.type,
				by = EXCLUDED.by,
				time = EXCLUDED.time,
				text = EXCLUDED.text,
				dead = EXCLUDED.dead,
				parent = EXCLUDED.parent,
				poll = EXCLUDED.poll,
				url = EXCLUDED.url,
				score = EXCLUDED.score,
				title = EXCLUDED.title,
				parts = EXCLUDED.parts,
				descendants = EXCLUDED.descendants
		`, item.ID, item.Deleted, string(item.Type), nullStr(item.By), item.Time, nullStr(item.Text),
			item.Dead, item.Parent, item.Poll, nullStr(item.URL), item.Score, nullStr(item.Title), parts, item.Descendants)

		// kids is logically replaced per item: clear then re-insert in order.
		batch.Queue(`DELETE FROM kids WHERE item = $1`, item.ID)
		for order, kid := range item.Kids {
			batch.Queue(`INSERT INTO kids (item, kid, display_order) VALUES ($1, $2, $3)
				ON CONFLICT (item, kid) DO UPDATE SET display_order = EXCLUDED.display_order`,
				item.ID, kid, order)
		}
	}

	br := tx.SendBatch(ctx, batch)
	if err := drainBatch(br, batch.Len()); err != nil {
		br.Close()
		return fmt.Errorf("upsert items batch: %w", err)
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close items batch: %w", err)
	}

	return tx.Commit(ctx)
}

func drainBatch(br pgx.BatchResults, n int) error {
	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// UpsertUsers writes a batch of users.
func (s *Store) UpsertUsers(ctx context.Context, users []User) error {
	if len(users) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, u := range users {
		batch.Queue(`
			INSERT INTO users (id, created, karma, about, submitted)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				created = EXCLUDED.created,
				karma = EXCLUDED.karma,
				about = EXCLUDED.about,
				submitted = EXCLUDED.submitted
		`, u.ID, u.Created, u.Karma, nullStr(u.About), joinInt64(u.Submitted))
	}
	br := s.db.SendBatch(ctx, batch)
	defer br.Close()
	return drainBatch(br, batch.Len())
}

// MaxItemID returns the locally-known maximum item id, or 0 if empty.
func (s *Store) MaxItemID(ctx context.Context) (int64, error) {
	var max *int64
	if err := s.db.QueryRow(ctx, `SELECT MAX(id) FROM items`).Scan(&max); err != nil {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

// RootStoryID climbs `parent` from itemID while type is comment or story,
// returning the root story id. Grounded on the recursive CTE in
// find_story_id_for_item from the original Python sync service.
func (s *Store) RootStoryID(ctx context.Context, itemID int64) (int64, bool, error) {
	const query = `
		WITH RECURSIVE item_hierarchy(id, parent, type) AS (
			SELECT i.id, i.parent, i.type FROM items i WHERE i.id = $1
			UNION ALL
			SELECT i.id, i.parent, i.type FROM items i
			JOIN item_hierarchy ih ON i.id = ih.parent
			WHERE i.type IN ('comment', 'story')
		)
		SELECT id FROM item_hierarchy WHERE parent IS NULL LIMIT 1
	`
	var id int64
	err := s.db.QueryRow(ctx, query, itemID).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// EligibleStoryIDs returns story ids meeting the embedding threshold
// (score >= minScore && descendants >= minDescendants), with id > after,
// ascending.
func (s *Store) EligibleStoryIDs(ctx context.Context, minScore, minDescendants int, after int64) ([]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM items
		WHERE type = 'story' AND score >= $1 AND descendants >= $2 AND id > $3
		ORDER BY id ASC
	`, minScore, minDescendants, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StoryIDOffsetBefore returns the id of the `offset`-th story strictly
// before `before`, ordered descending — the Go equivalent of the
// `SELECT id FROM (...) LIMIT 1 OFFSET offset-1` subquery in
// process_catchup_stories, used to rewind catchup further than the last
// processed story.
func (s *Store) StoryIDOffsetBefore(ctx context.Context, before int64, offset int) (int64, bool, error) {
	if offset <= 0 {
		return 0, false, nil
	}
	var id int64
	err := s.db.QueryRow(ctx, `
		SELECT id FROM (
			SELECT id FROM items WHERE id < $1 AND type = 'story' ORDER BY id DESC
		) AS subquery LIMIT 1 OFFSET $2
	`, before, offset-1).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// IsEligible reports whether a single story id currently meets the
// embedding threshold; used by the realtime path which re-checks each
// affected story individually rather than bulk-scanning.
func (s *Store) IsEligible(ctx context.Context, storyID int64, minScore, minDescendants int) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM items WHERE id = $1 AND type = 'story' AND score >= $2 AND descendants >= $3
		)
	`, storyID, minScore, minDescendants).Scan(&ok)
	return ok, err
}

// StoryDoc is the shape the document builder needs: the story row plus its
// full (already-fetched) comment subtree.
type StoryDoc struct {
	ID    int64
	Title string
	Text  string
	By    string
	Time  int64
	URL   string
}

// GetStory fetches a single story row by id.
func (s *Store) GetStory(ctx context.Context, id int64) (*StoryDoc, error) {
	var d StoryDoc
	var title, text, by, url *string
	err := s.db.QueryRow(ctx, `SELECT id, title, text, by, time, url FROM items WHERE id = $1 AND type = 'story'`, id).
		Scan(&d.ID, &title, &text, &by, &d.Time, &url)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if title != nil {
		d.Title = *title
	}
	if text != nil {
		d.Text = *text
	}
	if by != nil {
		d.By = *by
	}
	if url != nil {
		d.URL = *url
	}
	return &d, nil
}

// CommentNode is a single comment row used to reconstruct the discussion
// tree, excluding [dead]/[flagged] placeholders already filtered out by the
// document builder.
type CommentNode struct {
	ID     int64
	Parent int64
	Text   string
}

// CommentSubtree returns every comment descending from storyID (not just
// direct replies), ordered by each level's display_order so the document
// builder's BFS walk matches the upstream kids ordering, matching
// fetch_comment_data's recursive walk.
func (s *Store) CommentSubtree(ctx context.Context, storyID int64) ([]CommentNode, error) {
	rows, err := s.db.Query(ctx, `
		WITH RECURSIVE subtree(id, parent, text, depth, path) AS (
			SELECT i.id, i.parent, i.text, 0, ARRAY[COALESCE(k.display_order, 0)]
			FROM items i
			LEFT JOIN kids k ON k.item = $1 AND k.kid = i.id
			WHERE i.parent = $1 AND i.type = 'comment' AND i.text IS NOT NULL
			UNION ALL
			SELECT i.id, i.parent, i.text, subtree.depth + 1, subtree.path || COALESCE(k.display_order, 0)
			FROM items i
			JOIN subtree ON i.parent = subtree.id
			LEFT JOIN kids k ON k.item = subtree.id AND k.kid = i.id
			WHERE i.type = 'comment' AND i.text IS NOT NULL AND subtree.depth < 64
		)
		SELECT id, parent, text FROM subtree ORDER BY path
	`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommentNode
	for rows.Next() {
		var c CommentNode
		if err := rows.Scan(&c.ID, &c.Parent, &c.Text); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// StoryMeta is the subset of item fields the ranker needs.
type StoryMeta struct {
	ID    int64
	Title string
	Score int
	Time  int64
}

// StoryMetaByIDs fetches (title, score, time) for the given candidate ids.
// Entries with no title are omitted by the ranker, not here.
func (s *Store) StoryMetaByIDs(ctx context.Context, ids []int64) (map[int64]StoryMeta, error) {
	if len(ids) == 0 {
		return map[int64]StoryMeta{}, nil
	}
	rows, err := s.db.Query(ctx, `SELECT id, title, score, time FROM items WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]StoryMeta, len(ids))
	for rows.Next() {
		var m StoryMeta
		var title *string
		var score, t *int64
		if err := rows.Scan(&m.ID, &title, &score, &t); err != nil {
			return nil, err
		}
		if title != nil {
			m.Title = *title
		}
		if score != nil {
			m.Score = int(*score)
		}
		if t != nil {
			m.Time = *t
		}
		out[m.ID] = m
	}
	return out, rows.Err()
}

// FilterPredicate narrows a candidate id set by author/time/score/comment
// range, used by the ranker when filters or a non-relevance sort apply.
type FilterPredicate struct {
	By          string
	BeforeTime  *int64
	AfterTime   *int64
	MinScore    *int
	MaxScore    *int
	MinComments *int
	MaxComments *int
}

// SortBy enumerates the non-relevance sort columns.
type SortBy string

const (
	SortRelevance   SortBy = "relevance"
	SortTime        SortBy = "time"
	SortScore       SortBy = "score"
	SortDescendants SortBy = "descendants"
)

type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// FilterIDs intersects ids with the predicate and applies the requested
// sort. When sortBy is relevance, the caller re-sorts by original rank
// order; this only returns the surviving ids.
func (s *Store) FilterIDs(ctx context.Context, ids []int64, f FilterPredicate, sortBy SortBy, order SortOrder) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var b strings.Builder
	args := []interface{}{ids}
	b.WriteString(`SELECT id FROM items WHERE id = ANY($1)`)
	argIdx := 2

	addFilter := func(clause string, val interface{}) {
		fmt.Fprintf(&b, " AND %s $%d", clause, argIdx)
		args = append(args, val)
		argIdx++
	}

	if f.By != "" {
		addFilter("by =", f.By)
	}
	if f.BeforeTime != nil {
		addFilter("time <=", *f.BeforeTime)
	}
	if f.AfterTime != nil {
		addFilter("time >=", *f.AfterTime)
	}
	if f.MinScore != nil {
		addFilter("score >=", *f.MinScore)
	}
	if f.MaxScore != nil {
		addFilter("score <=", *f.MaxScore)
	}
	if f.MinComments != nil {
		addFilter("descendants >=", *f.MinComments)
	}
	if f.MaxComments != nil {
		addFilter("descendants <=", *f.MaxComments)
	}

	if sortBy != SortRelevance && sortBy != "" {
		dir := "ASC"
		if order == SortDesc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY %s %s", string(sortBy), dir)
	}

	rows, err := s.db.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpsertAuthUser creates or updates a user based on their Google ID.
func (s *Store) UpsertAuthUser(ctx context.Context, googleID, email, name, avatarURL string) (*AuthUser, error) {
	query := `
		INSERT INTO auth_users (google_id, email, name, avatar_url)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (google_id) DO UPDATE
		SET email = EXCLUDED.email,
			name = EXCLUDED.name,
			avatar_url = EXCLUDED.avatar_url
		RETURNING id, google_id, email, name, avatar_url, is_admin, created_at
	`
	var user AuthUser
	err := s.db.QueryRow(ctx, query, googleID, email, name, avatarURL).Scan(
		&user.ID, &user.GoogleID, &user.Email, &user.Name, &user.AvatarURL, &user.IsAdmin, &user.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetAuthUser fetches a user by their UUID.
func (s *Store) GetAuthUser(ctx context.Context, userID string) (*AuthUser, error) {
	query := `SELECT id, google_id, email, name, avatar_url, is_admin, created_at FROM auth_users WHERE id = $1`
	var user AuthUser
	err := s.db.QueryRow(ctx, query, userID).Scan(
		&user.ID, &user.GoogleID, &user.Email, &user.Name, &user.AvatarURL, &user.IsAdmin, &user.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func joinInt64(ids []int64) *string {
	if len(ids) == 0 {
		return nil
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	joined := strings.Join(parts, ",")
	return &joined
}

// ParseInt64List is the inverse of joinInt64, used when reading `parts`/
// `submitted` columns back into a slice.
func ParseInt64List(s *string) []int64 {
	if s == nil || *s == "" {
		return nil
	}
	fields := strings.Split(*s, ",")
	out := make([]int64, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if v, err := strconv.ParseInt(f, 10, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}
