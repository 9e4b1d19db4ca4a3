package embedder

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	_ "modernc.org/sqlite"
)

// sqliteCache mirrors embedding cache entries into a local sqlite
// side-table for offline inspection (e.g. `sqlite3 cache.db "select
// query from embedding_cache limit 10"`), independent of the
// newline-delimited JSON cache file used for fast startup loading.
type sqliteCache struct {
	db *sql.DB
}

func openSQLiteCache(path string) (*sqliteCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("embedder: open sqlite cache: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS embedding_cache (
			cache_key TEXT PRIMARY KEY,
			query TEXT NOT NULL,
			embedding BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("embedder: create sqlite cache table: %w", err)
	}
	return &sqliteCache{db: db}, nil
}

func (c *sqliteCache) put(key, query string, vector []float32) {
	blob, err := json.Marshal(vector)
	if err != nil {
		return
	}
	if _, err := c.db.Exec(`
		INSERT INTO embedding_cache (cache_key, query, embedding) VALUES (?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET embedding = excluded.embedding
	`, key, query, blob); err != nil {
		log.Printf("embedder: sqlite cache mirror write failed: %v", err)
	}
}

func (c *sqliteCache) close() error {
	return c.db.Close()
}
