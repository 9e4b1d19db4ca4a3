// Command catchup runs a single embedding catchup pass: every eligible
// story not yet embedded is built, embedded, and indexed, then the process
// exits. Grounded on embeddings/embedder.py's process_catchup_stories,
// invoked as a one-shot job the way the Python original's __main__ did.
package main

import (
	"context"
	"flag"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hnsearch/hnsearch/internal/config"
	"github.com/hnsearch/hnsearch/internal/content"
	"github.com/hnsearch/hnsearch/internal/docbuilder"
	"github.com/hnsearch/hnsearch/internal/embedder"
	"github.com/hnsearch/hnsearch/internal/embedengine"
	"github.com/hnsearch/hnsearch/internal/embedstore"
	"github.com/hnsearch/hnsearch/internal/storage"
	"github.com/hnsearch/hnsearch/internal/telemetry"
	"github.com/hnsearch/hnsearch/internal/vectorindex"
)

const embeddingDim = 768

func main() {
	offset := flag.Int("offset", 0, "rewind the catchup cursor by this many stories (counted over all stories, not only eligible ones)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("catchup: load config: %v", err)
	}
	if err := cfg.RequireDatabaseURL(); err != nil {
		log.Fatalf("catchup: %v", err)
	}
	if err := cfg.RequireGeminiAPIKey(); err != nil {
		log.Fatalf("catchup: %v", err)
	}
	if cfg.Opts.Offset != 0 {
		*offset = cfg.Opts.Offset
	}

	ctx := context.Background()
	dbpool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("catchup: create connection pool: %v", err)
	}
	defer dbpool.Close()

	items := storage.New(dbpool)
	if err := items.Schema(ctx); err != nil {
		log.Fatalf("catchup: item schema: %v", err)
	}

	embeds := embedstore.New(dbpool)
	if err := embeds.Schema(ctx, embeddingDim); err != nil {
		log.Fatalf("catchup: embedding schema: %v", err)
	}

	builder, err := docbuilder.NewBuilder(8000)
	if err != nil {
		log.Fatalf("catchup: create document builder: %v", err)
	}

	emb, err := embedder.New(cfg.GeminiAPIKey,
		embedder.WithCacheFile(cfg.DBPath+"/embedding-cache.ndjson"),
		embedder.WithSQLiteCacheMirror(cfg.DBPath+"/embedding-cache.sqlite"),
	)
	if err != nil {
		log.Fatalf("catchup: create embedder: %v", err)
	}
	defer emb.Close()

	index := vectorindex.New()
	existing, err := embeds.LoadAll(ctx)
	if err != nil {
		log.Fatalf("catchup: load existing embeddings: %v", err)
	}
	seedIndex(index, existing)

	engine := &embedengine.Engine{
		Items:     items,
		Builder:   builder,
		Embedder:  emb,
		Embeds:    embeds,
		Index:     index,
		Telemetry: telemetry.New(),
		Fetcher:   content.NewFetcher(),
	}

	log.Printf("catchup: starting embedding catchup pass (offset=%d)", *offset)
	if err := engine.RunCatchup(ctx, *offset); err != nil {
		log.Fatalf("catchup: run failed: %v", err)
	}
	log.Println("catchup: complete")
}

func seedIndex(index *vectorindex.Index, parts []embedstore.Part) {
	if len(parts) == 0 {
		return
	}
	vectors := make([]vectorindex.Vector, len(parts))
	for i, p := range parts {
		vectors[i] = vectorindex.Vector{StoryID: p.Story, Values: p.Embedding}
	}
	if err := index.Train(vectors); err != nil {
		log.Fatalf("catchup: train vector index: %v", err)
	}
}
