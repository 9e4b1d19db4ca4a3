// Command server runs the complete pipeline as a single process: live
// ingestion (backfill + tail), the realtime embedding pass, and the HTTP
// search façade, all as concurrent long-lived tasks sharing one database
// pool and in-memory vector index. Grounded on how dbsync.py/updater.py
// and the teacher's own cmd/server assembled their task sets with
// errgroup-style fan-out.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hnsearch/hnsearch/internal/answer"
	"github.com/hnsearch/hnsearch/internal/api"
	"github.com/hnsearch/hnsearch/internal/auth"
	"github.com/hnsearch/hnsearch/internal/config"
	"github.com/hnsearch/hnsearch/internal/content"
	"github.com/hnsearch/hnsearch/internal/docbuilder"
	"github.com/hnsearch/hnsearch/internal/embedder"
	"github.com/hnsearch/hnsearch/internal/embedengine"
	"github.com/hnsearch/hnsearch/internal/embedstore"
	"github.com/hnsearch/hnsearch/internal/hn"
	"github.com/hnsearch/hnsearch/internal/ingest"
	"github.com/hnsearch/hnsearch/internal/storage"
	"github.com/hnsearch/hnsearch/internal/telemetry"
	"github.com/hnsearch/hnsearch/internal/vectorindex"
)

const (
	embeddingDim   = 768
	documentTokens = 8000
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("server: load config: %v", err)
	}
	if err := cfg.RequireDatabaseURL(); err != nil {
		log.Fatalf("server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbpool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("server: create connection pool: %v", err)
	}
	defer dbpool.Close()

	items := storage.New(dbpool)
	if err := items.Schema(ctx); err != nil {
		log.Fatalf("server: item schema: %v", err)
	}

	embeds := embedstore.New(dbpool)
	if err := embeds.Schema(ctx, embeddingDim); err != nil {
		log.Fatalf("server: embedding schema: %v", err)
	}

	telemetryHub := telemetry.New()

	index := vectorindex.New()
	existing, err := embeds.LoadAll(ctx)
	if err != nil {
		log.Fatalf("server: load existing embeddings: %v", err)
	}
	if len(existing) > 0 {
		vectors := make([]vectorindex.Vector, len(existing))
		for i, p := range existing {
			vectors[i] = vectorindex.Vector{StoryID: p.Story, Values: p.Embedding}
		}
		if err := index.Train(vectors); err != nil {
			log.Fatalf("server: train vector index: %v", err)
		}
	}
	telemetryHub.VectorIndexSize.Set(float64(index.Len()))

	var emb *embedder.Embedder
	var aug *answer.Augmenter
	if cfg.GeminiAPIKey != "" {
		emb, err = embedder.New(cfg.GeminiAPIKey,
			embedder.WithCacheFile(cfg.DBPath+"/embedding-cache.ndjson"),
			embedder.WithSQLiteCacheMirror(cfg.DBPath+"/embedding-cache.sqlite"),
		)
		if err != nil {
			log.Fatalf("server: create embedder: %v", err)
		}
		defer emb.Close()

		aug, err = answer.New(cfg.GeminiAPIKey)
		if err != nil {
			log.Fatalf("server: create answer augmenter: %v", err)
		}
	} else {
		log.Println("server: GEMINI_API_KEY not set, search will fail until it is configured")
	}

	if aug == nil && cfg.OllamaURL != "" {
		aug, err = answer.NewOllama(cfg.OllamaURL)
		if err != nil {
			log.Fatalf("server: create ollama answer augmenter: %v", err)
		}
		log.Printf("server: answer augmentation falling back to ollama at %s", cfg.OllamaURL)
	}

	builder, err := docbuilder.NewBuilder(documentTokens)
	if err != nil {
		log.Fatalf("server: create document builder: %v", err)
	}

	missing, err := ingest.OpenMissingSet(cfg.DBPath + "/missing-items.ndjson")
	if err != nil {
		log.Fatalf("server: open missing-id set: %v", err)
	}
	defer missing.Close()

	client := hn.NewClient()
	ingestEngine := ingest.New(client, items, missing, telemetryHub)

	embedEngine := &embedengine.Engine{
		Items:     items,
		Builder:   builder,
		Embedder:  emb,
		Embeds:    embeds,
		Index:     index,
		Telemetry: telemetryHub,
		Fetcher:   content.NewFetcher(),
	}

	authCfg := auth.NewConfig()
	server := api.NewServer(items, authCfg, emb, index, aug, telemetryHub)
	httpServer := &http.Server{Addr: *addr, Handler: server}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: http shutdown: %v", err)
		}
	}()

	if !cfg.Opts.NoSync {
		tailer := hn.NewTailer("")
		go func() {
			if err := ingestEngine.RunBackfillThenTail(ctx, tailer, cfg.Opts.Offset); err != nil && ctx.Err() == nil {
				log.Printf("server: ingestion task exited: %v", err)
			}
		}()
	}

	if !cfg.Opts.NoEmbed && emb != nil {
		go func() {
			if err := embedEngine.RunCatchup(ctx, cfg.Opts.Offset); err != nil && ctx.Err() == nil {
				log.Printf("server: catchup task exited: %v", err)
			}
			embedEngine.RunRealtime(ctx, ingestEngine.Affected)
		}()
	}

	log.Printf("server: listening on %s", *addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: http server failed: %v", err)
	}
	<-done
	log.Println("server: shut down cleanly")
}
