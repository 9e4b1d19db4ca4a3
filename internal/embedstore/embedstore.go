// Package embedstore persists document embeddings keyed by (story,
// part_index) in Postgres via pgvector. Grounded on internal/storage's
// pgx/pgxpool idiom; the `embeddings` table mirrors the sqlite schema in
// embeddings/embedder.py's DocumentEmbedder constructor.
package embedstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Part is one embedded document part for a story.
type Part struct {
	Story     int64
	PartIndex int
	Embedding []float32
}

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Schema creates the embeddings table if absent, with the pgvector
// extension and a unique (story, part_index) constraint matching the
// sqlite UNIQUE(story, part_index) in the Python original.
func (s *Store) Schema(ctx context.Context, dim int) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS embeddings (
			id BIGSERIAL PRIMARY KEY,
			story BIGINT NOT NULL,
			part_index INTEGER NOT NULL,
			embedding vector(%d) NOT NULL,
			UNIQUE (story, part_index)
		);
		CREATE INDEX IF NOT EXISTS embeddings_story_idx ON embeddings (story);
	`, dim))
	return err
}

// UpsertParts writes a batch of parts for (possibly many) stories,
// replacing any existing part at the same (story, part_index), matching
// INSERT OR REPLACE in the Python original.
func (s *Store) UpsertParts(ctx context.Context, parts []Part) error {
	if len(parts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range parts {
		batch.Queue(`
			INSERT INTO embeddings (story, part_index, embedding)
			VALUES ($1, $2, $3)
			ON CONFLICT (story, part_index) DO UPDATE SET embedding = EXCLUDED.embedding
		`, p.Story, p.PartIndex, pgvector.NewVector(p.Embedding))
	}
	br := s.db.SendBatch(ctx, batch)
	defer br.Close()
	for range parts {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert embedding parts: %w", err)
		}
	}
	return nil
}

// DeleteStories removes every part belonging to the given story ids,
// used before every re-embed, catchup or realtime (remove-before-add at the
// embedstore layer mirrors the same ordering in the in-memory index).
func (s *Store) DeleteStories(ctx context.Context, storyIDs []int64) error {
	if len(storyIDs) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `DELETE FROM embeddings WHERE story = ANY($1)`, storyIDs)
	return err
}

// MaxStory returns the largest story id with at least one embedded part,
// used to seed catchup's last_processed_story.
func (s *Store) MaxStory(ctx context.Context) (int64, error) {
	var max *int64
	if err := s.db.QueryRow(ctx, `SELECT MAX(story) FROM embeddings`).Scan(&max); err != nil {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

// DistinctStories returns the set of story ids with at least one embedded
// part, used to compute catchup's missing set.
func (s *Store) DistinctStories(ctx context.Context) (map[int64]struct{}, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT story FROM embeddings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// LoadAll streams every embedded part, used to (re)build the in-memory
// vector index at startup, matching load_embeddings in vectors.py.
func (s *Store) LoadAll(ctx context.Context) ([]Part, error) {
	rows, err := s.db.Query(ctx, `SELECT story, part_index, embedding FROM embeddings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Part
	for rows.Next() {
		var p Part
		var vec pgvector.Vector
		if err := rows.Scan(&p.Story, &p.PartIndex, &vec); err != nil {
			return nil, err
		}
		p.Embedding = vec.Slice()
		out = append(out, p)
	}
	return out, rows.Err()
}
