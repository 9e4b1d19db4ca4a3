// Command ingest runs the ingestion pipeline standalone: a historical
// backfill up to the upstream max item id, then a live tail of ongoing
// updates, persisting everything into the item store. Grounded on
// dbsync.py's run(), which performs the same backfill-then-tail sequence.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hnsearch/hnsearch/internal/config"
	"github.com/hnsearch/hnsearch/internal/hn"
	"github.com/hnsearch/hnsearch/internal/ingest"
	"github.com/hnsearch/hnsearch/internal/storage"
	"github.com/hnsearch/hnsearch/internal/telemetry"
)

func main() {
	offset := flag.Int64("offset", 0, "rewind the backfill start below the local max item id")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("ingest: load config: %v", err)
	}
	if err := cfg.RequireDatabaseURL(); err != nil {
		log.Fatalf("ingest: %v", err)
	}
	if cfg.Opts.NoSync {
		log.Println("ingest: OPTS=nosync set, nothing to do")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbpool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("ingest: create connection pool: %v", err)
	}
	defer dbpool.Close()

	store := storage.New(dbpool)
	if err := store.Schema(ctx); err != nil {
		log.Fatalf("ingest: schema: %v", err)
	}

	missing, err := ingest.OpenMissingSet(cfg.DBPath + "/missing-items.ndjson")
	if err != nil {
		log.Fatalf("ingest: open missing-id set: %v", err)
	}
	defer missing.Close()

	client := hn.NewClient()
	engine := ingest.New(client, store, missing, telemetry.New())
	tailer := hn.NewTailer("")

	if err := engine.RunBackfillThenTail(ctx, tailer, *offset); err != nil && ctx.Err() == nil {
		log.Fatalf("ingest: run failed: %v", err)
	}
	log.Println("ingest: shutting down")
}
