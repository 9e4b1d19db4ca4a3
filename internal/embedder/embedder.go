// Package embedder turns text into vectors via Gemini's embedding model,
// batching requests through a two-priority queue and caching results by
// normalized input. Grounded on the Embedder/DocumentEmbedder classes in
// embeddings/embedder.py and the Gemini client idiom in
// internal/ai/client.go.
package embedder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/generative-ai-go/genai"
	lru "github.com/hashicorp/golang-lru/v2"
	"google.golang.org/api/option"
)

// Priority selects the queue a request is enqueued on. HIGH is for
// query-time embeddings (interactive search); NORMAL is for document-time
// embeddings (background catchup/realtime indexing).
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

const (
	// QueryInstruction prefixes query-time embedding requests, matching
	// INSTRUCTION in api-server/vectors.py.
	QueryInstruction = "Represent the question for retrieving supporting forum discussions:"
	// DocumentInstruction prefixes document-time embedding requests,
	// matching INSTRUCTION in embeddings/embedder.py.
	DocumentInstruction = "Represent the forum discussion on a topic:"

	cacheCapacity = 100_000
	geminiModel   = "text-embedding-004"

	// DispatchBatchSize is the most pending requests the consumer folds
	// into a single model call; it does not wait for a full batch, matching
	// process_batch's BATCH_SIZE in embeddings/embedder.py.
	DispatchBatchSize = 16
)

type request struct {
	text       string
	priority   Priority
	resultCh   chan result
}

type result struct {
	vector []float32
	err    error
}

// cacheEntry is the on-disk line shape: {"key": "...", "query": "...", "embedding": [...]}.
// Key is the internal cache key (instruction-prefixed, normalized) used to
// look the entry back up; Query is the original request text, kept for
// human inspection of the file.
type cacheEntry struct {
	Key       string    `json:"key"`
	Query     string    `json:"query"`
	Embedding []float32 `json:"embedding"`
}

// Embedder batches embedding requests through a single consumer goroutine,
// honoring PriorityHigh over PriorityNormal, and caches results by
// normalized input text.
type Embedder struct {
	apiKey      string
	cachePath   string
	sqlitePath  string

	cache *lru.Cache[string, []float32]

	highCh   chan request
	normalCh chan request
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu        sync.Mutex
	cacheFile *os.File
	sqlite    *sqliteCache

	// computeBatch defaults to callGeminiBatch; overridable in tests to
	// avoid network calls. Returns one vector/error pair per input,
	// aligned by index.
	computeBatch func(texts []string) ([][]float32, []error)
}

// Option configures an Embedder.
type Option func(*Embedder)

// WithCacheFile persists cache entries as newline-delimited JSON to path,
// loading any that already exist.
func WithCacheFile(path string) Option {
	return func(e *Embedder) { e.cachePath = path }
}

// WithSQLiteCacheMirror additionally mirrors every cached embedding into a
// local sqlite database for offline inspection.
func WithSQLiteCacheMirror(path string) Option {
	return func(e *Embedder) { e.sqlitePath = path }
}

// WithCompute overrides the batch embedding function, bypassing the real
// Gemini call. fn must return a vector/error pair per input text, aligned
// by index. Intended for tests in this package and in packages that
// depend on a live Embedder.
func WithCompute(fn func(texts []string) ([][]float32, []error)) Option {
	return func(e *Embedder) { e.computeBatch = fn }
}

func New(apiKey string, opts ...Option) (*Embedder, error) {
	cache, err := lru.New[string, []float32](cacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("embedder: create cache: %w", err)
	}

	e := &Embedder{
		apiKey:   apiKey,
		cache:    cache,
		highCh:   make(chan request, 256),
		normalCh: make(chan request, 4096),
		stopCh:   make(chan struct{}),
	}
	e.computeBatch = e.callGeminiBatch
	for _, opt := range opts {
		opt(e)
	}

	if e.cachePath != "" {
		if err := e.loadCache(); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(e.cachePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("embedder: open cache file: %w", err)
		}
		e.cacheFile = f
	}

	if e.sqlitePath != "" {
		sc, err := openSQLiteCache(e.sqlitePath)
		if err != nil {
			return nil, err
		}
		e.sqlite = sc
	}

	e.wg.Add(1)
	go e.run()
	return e, nil
}

func (e *Embedder) loadCache() error {
	f, err := os.Open(e.cachePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("embedder: load cache: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry cacheEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			log.Printf("embedder: skipping malformed cache line: %v", err)
			continue
		}
		e.cache.Add(entry.Key, entry.Embedding)
	}
	return scanner.Err()
}

func (e *Embedder) persistCacheEntry(key, query string, vector []float32) {
	if e.sqlite != nil {
		e.sqlite.put(key, query, vector)
	}

	if e.cacheFile == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	line, err := json.Marshal(cacheEntry{Key: key, Query: query, Embedding: vector})
	if err != nil {
		return
	}
	line = append(line, '\n')
	if _, err := e.cacheFile.Write(line); err != nil {
		log.Printf("embedder: failed to persist cache entry: %v", err)
	}
}

// normalize collapses whitespace and lowercases, so cache keys are stable
// across formatting differences in otherwise-identical inputs.
func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Close stops the consumer goroutine and flushes the cache file handle.
func (e *Embedder) Close() error {
	close(e.stopCh)
	e.wg.Wait()
	if e.sqlite != nil {
		e.sqlite.close()
	}
	if e.cacheFile != nil {
		return e.cacheFile.Close()
	}
	return nil
}

// EmbedQuery embeds a single query-time string at high priority, using the
// query instruction prefix.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, QueryInstruction, text, PriorityHigh)
}

// EmbedDocument embeds a single document-time string at normal priority,
// using the document instruction prefix.
func (e *Embedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, DocumentInstruction, text, PriorityNormal)
}

func (e *Embedder) embed(ctx context.Context, instruction, text string, priority Priority) ([]float32, error) {
	key := instruction + "\x00" + normalize(text)
	if v, ok := e.cache.Get(key); ok {
		return v, nil
	}

	req := request{text: instruction + " " + text, priority: priority, resultCh: make(chan result, 1)}
	ch := e.normalCh
	if priority == PriorityHigh {
		ch = e.highCh
	}

	select {
	case ch <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.resultCh:
		if res.err != nil {
			// Failures surface as "no vector", not a poisoned cache entry or
			// a fatal batch abort.
			return nil, res.err
		}
		e.cache.Add(key, res.vector)
		e.persistCacheEntry(key, text, res.vector)
		return res.vector, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run is the single consumer: it blocks for one request, then greedily
// drains up to DispatchBatchSize-1 more without blocking before issuing a
// single batched model call, always preferring highCh over normalCh at
// each step, matching the PriorityQueue ordering (0=high, 1=normal) and
// the batch-then-call shape of process_batch in the Python Embedder.
func (e *Embedder) run() {
	defer e.wg.Done()
	for {
		var first request
		select {
		case <-e.stopCh:
			return
		case first = <-e.highCh:
		default:
			select {
			case <-e.stopCh:
				return
			case first = <-e.highCh:
			case first = <-e.normalCh:
			}
		}

		batch := []request{first}
	drain:
		for len(batch) < DispatchBatchSize {
			select {
			case req := <-e.highCh:
				batch = append(batch, req)
				continue drain
			default:
			}
			select {
			case req := <-e.normalCh:
				batch = append(batch, req)
			default:
				break drain
			}
		}
		e.handleBatch(batch)
	}
}

func (e *Embedder) handleBatch(batch []request) {
	texts := make([]string, len(batch))
	for i, req := range batch {
		texts[i] = req.text
	}
	vectors, errs := e.computeBatch(texts)
	for i, req := range batch {
		req.resultCh <- result{vector: vectors[i], err: errs[i]}
	}
}

// callGeminiBatch embeds every text in one BatchEmbedContents call,
// matching process_batch's single model.embed_content(requests) call in
// the Python original.
func (e *Embedder) callGeminiBatch(texts []string) ([][]float32, []error) {
	vectors := make([][]float32, len(texts))
	errs := make([]error, len(texts))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := genai.NewClient(ctx, option.WithAPIKey(e.apiKey))
	if err != nil {
		fillErr(errs, fmt.Errorf("embedder: create gemini client: %w", err))
		return vectors, errs
	}
	defer client.Close()

	model := client.EmbeddingModel(geminiModel)
	batch := model.NewBatch()
	for _, text := range texts {
		batch.AddContent(genai.Text(text))
	}

	res, err := model.BatchEmbedContents(ctx, batch)
	if err != nil {
		fillErr(errs, fmt.Errorf("embedder: batch embed content: %w", err))
		return vectors, errs
	}
	if len(res.Embeddings) != len(texts) {
		fillErr(errs, fmt.Errorf("embedder: batch embed content: got %d embeddings for %d inputs", len(res.Embeddings), len(texts)))
		return vectors, errs
	}
	for i, emb := range res.Embeddings {
		if emb == nil {
			errs[i] = fmt.Errorf("embedder: empty embedding response")
			continue
		}
		vectors[i] = emb.Values
	}
	return vectors, errs
}

func fillErr(errs []error, err error) {
	for i := range errs {
		errs[i] = err
	}
}
