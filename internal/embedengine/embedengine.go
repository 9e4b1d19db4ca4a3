// Package embedengine drives the two embedding passes described in
// embeddings/updater.py and embeddings/embedder.py: a one-shot catchup
// scan over all eligible stories, and a realtime loop that drains the
// affected-stories set on a fixed cadence.
package embedengine

import (
	"context"
	"log"
	"time"

	"github.com/hnsearch/hnsearch/internal/content"
	"github.com/hnsearch/hnsearch/internal/docbuilder"
	"github.com/hnsearch/hnsearch/internal/embedder"
	"github.com/hnsearch/hnsearch/internal/embedstore"
	"github.com/hnsearch/hnsearch/internal/storage"
	"github.com/hnsearch/hnsearch/internal/telemetry"
	"github.com/hnsearch/hnsearch/internal/vectorindex"
)

// articleExcerptLimit caps how much of a fetched article's text is folded
// into a link-only story's document, keeping a single external page from
// dominating the token budget of every part it ends up in.
const articleExcerptLimit = 4000

const (
	// MinScore and MinDescendants define the embedding eligibility
	// threshold, matching MIN_SCORE/MIN_DESCENDANTS in embeddings/embedder.py.
	MinScore       = 20
	MinDescendants = 3

	// BatchSize throttles how often RunCatchup logs progress while
	// walking eligible stories; the actual per-model-call batching of
	// document parts happens one level down, in
	// internal/embedder.DispatchBatchSize.
	BatchSize = 16

	// RealtimeFrequency is how often the realtime pass drains the
	// affected-stories set, matching EMBED_REALTIME_FREQ in updater.py.
	RealtimeFrequency = 900 * time.Second
)

// ItemStore is the subset of internal/storage.Store the embedding engine
// reads from, narrowed so tests can supply an in-memory fake.
type ItemStore interface {
	GetStory(ctx context.Context, id int64) (*storage.StoryDoc, error)
	CommentSubtree(ctx context.Context, storyID int64) ([]storage.CommentNode, error)
	EligibleStoryIDs(ctx context.Context, minScore, minDescendants int, after int64) ([]int64, error)
	IsEligible(ctx context.Context, storyID int64, minScore, minDescendants int) (bool, error)
	StoryIDOffsetBefore(ctx context.Context, before int64, offset int) (int64, bool, error)
}

// EmbedStore is the subset of internal/embedstore.Store the embedding
// engine writes to, narrowed so tests can supply an in-memory fake.
type EmbedStore interface {
	UpsertParts(ctx context.Context, parts []embedstore.Part) error
	DeleteStories(ctx context.Context, storyIDs []int64) error
	MaxStory(ctx context.Context) (int64, error)
	DistinctStories(ctx context.Context) (map[int64]struct{}, error)
}

// Engine ties the item store, document builder, embedder, embedding store
// and in-memory vector index together.
type Engine struct {
	Items     ItemStore
	Builder   *docbuilder.Builder
	Embedder  *embedder.Embedder
	Embeds    EmbedStore
	Index     *vectorindex.Index
	Telemetry *telemetry.Telemetry

	// Fetcher enriches link-only stories (no text of their own) with the
	// linked article's extracted text before building documents. Nil
	// disables enrichment entirely.
	Fetcher *content.Fetcher

	// RealtimeInterval overrides RealtimeFrequency when nonzero, letting
	// tests drive RunRealtime's ticker on a short cadence.
	RealtimeInterval time.Duration
}

// enrichStoryText folds a fetched article excerpt into a link-only story's
// text so the document builder has something to embed beyond the title.
func (e *Engine) enrichStoryText(story *storage.StoryDoc) {
	if e.Fetcher == nil || story.Text != "" || story.URL == "" {
		return
	}
	text, err := e.Fetcher.Extract(story.URL)
	if err != nil {
		log.Printf("embedengine: article extraction for story %d (%s): %v", story.ID, story.URL, err)
		return
	}
	if runes := []rune(text); len(runes) > articleExcerptLimit {
		text = string(runes[:articleExcerptLimit])
	}
	story.Text = text
}

// processStory builds and embeds every document part for one story,
// replacing any previously-stored parts. Returns false if the story has
// no documents (zero-parts edge case) and was skipped.
func (e *Engine) processStory(ctx context.Context, storyID int64) (bool, error) {
	story, err := e.Items.GetStory(ctx, storyID)
	if err != nil || story == nil {
		return false, err
	}
	e.enrichStoryText(story)

	comments, err := e.Items.CommentSubtree(ctx, storyID)
	if err != nil {
		return false, err
	}

	parts := e.Builder.BuildDocuments(*story, comments)
	if len(parts) == 0 {
		return false, nil
	}

	embedded := make([]embedstore.Part, 0, len(parts))
	for i, part := range parts {
		vec, err := e.Embedder.EmbedDocument(ctx, part)
		if err != nil {
			// A single failed part does not poison the whole story; it is
			// simply dropped, matching the embedder's "no vector" contract.
			log.Printf("embedengine: story %d part %d: %v", storyID, i, err)
			continue
		}
		embedded = append(embedded, embedstore.Part{Story: storyID, PartIndex: i, Embedding: vec})
	}
	if len(embedded) == 0 {
		return false, nil
	}

	// Stories can shrink (edited/deleted comments), so a re-embed may
	// produce fewer parts than last time; clear stale parts before
	// writing the new set rather than leaving orphaned indices behind.
	if err := e.Embeds.DeleteStories(ctx, []int64{storyID}); err != nil {
		return false, err
	}
	if err := e.Embeds.UpsertParts(ctx, embedded); err != nil {
		return false, err
	}

	vectors := make([]vectorindex.Vector, len(embedded))
	for i, p := range embedded {
		vectors[i] = vectorindex.Vector{StoryID: p.Story, Values: p.Embedding}
	}
	if err := e.Index.Update([]int64{storyID}, vectors); err != nil {
		return false, err
	}

	if e.Telemetry != nil {
		e.Telemetry.EmbeddedParts.Add(float64(len(embedded)))
		e.Telemetry.VectorIndexSize.Set(float64(e.Index.Len()))
	}
	return true, nil
}

// RunCatchup embeds every eligible story not yet embedded, resuming from
// the highest already-embedded story id (optionally rewound by offset
// stories), matching process_catchup_stories.
func (e *Engine) RunCatchup(ctx context.Context, offset int) error {
	itemIDs, err := e.Items.EligibleStoryIDs(ctx, MinScore, MinDescendants, 0)
	if err != nil {
		return err
	}
	itemSet := make(map[int64]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		itemSet[id] = struct{}{}
	}

	embeddedSet, err := e.Embeds.DistinctStories(ctx)
	if err != nil {
		return err
	}

	var missing []int64
	for id := range itemSet {
		if _, ok := embeddedSet[id]; !ok {
			missing = append(missing, id)
		}
	}

	lastProcessed, err := e.Embeds.MaxStory(ctx)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		min := missing[0]
		for _, id := range missing {
			if id < min {
				min = id
			}
		}
		if lastProcessed == 0 || min < lastProcessed {
			log.Printf("embedengine: found %d missing stories, resuming from story %d", len(missing), min)
			// The scan below is exclusive of its cursor, so step one below
			// the smallest missing id to include that story itself.
			lastProcessed = min - 1
		}
	}

	after := int64(0)
	if lastProcessed > 0 {
		after = lastProcessed
		if offset != 0 {
			log.Printf("embedengine: finding story at offset %d before %d", offset, lastProcessed)
			id, ok, err := e.Items.StoryIDOffsetBefore(ctx, lastProcessed, offset)
			if err != nil {
				return err
			}
			if ok {
				after = id
			}
		}
		log.Printf("embedengine: resuming catchup from story %d", after)
	}

	eligible, err := e.Items.EligibleStoryIDs(ctx, MinScore, MinDescendants, after)
	if err != nil {
		return err
	}
	log.Printf("embedengine: catchup found %d eligible stories", len(eligible))

	for i, id := range eligible {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := e.processStory(ctx, id); err != nil {
			log.Printf("embedengine: catchup story %d: %v", id, err)
		}
		if (i+1)%BatchSize == 0 {
			log.Printf("embedengine: catchup progress %d/%d", i+1, len(eligible))
		}
	}
	return nil
}

// AffectedDrainer is satisfied by internal/ingest's AffectedSet: a
// concurrency-safe accumulator of story ids touched since the last drain.
type AffectedDrainer interface {
	DrainAll() []int64
}

// RunRealtime drains affected on a fixed cadence, filtering to eligible
// stories and re-embedding each, matching process_affected_stories.
func (e *Engine) RunRealtime(ctx context.Context, affected AffectedDrainer) {
	interval := e.RealtimeInterval
	if interval == 0 {
		interval = RealtimeFrequency
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			toProcess := affected.DrainAll()
			if len(toProcess) == 0 {
				continue
			}
			if e.Telemetry != nil {
				e.Telemetry.TotalAffectedStories.Add(float64(len(toProcess)))
			}

			processed := 0
			for _, storyID := range toProcess {
				eligible, err := e.Items.IsEligible(ctx, storyID, MinScore, MinDescendants)
				if err != nil {
					log.Printf("embedengine: eligibility check for story %d: %v", storyID, err)
					continue
				}
				if !eligible {
					continue
				}
				ok, err := e.processStory(ctx, storyID)
				if err != nil {
					log.Printf("embedengine: realtime story %d: %v", storyID, err)
					continue
				}
				if ok {
					processed++
				}
			}
			if e.Telemetry != nil {
				e.Telemetry.TotalEmbeddedStories.Add(float64(processed))
			}
		}
	}
}
