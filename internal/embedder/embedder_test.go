package embedder

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// perText adapts a per-string compute function into the batch shape
// computeBatch expects, for tests that don't care about batching itself.
func perText(fn func(text string) ([]float32, error)) func(texts []string) ([][]float32, []error) {
	return func(texts []string) ([][]float32, []error) {
		vectors := make([][]float32, len(texts))
		errs := make([]error, len(texts))
		for i, text := range texts {
			vectors[i], errs[i] = fn(text)
		}
		return vectors, errs
	}
}

func stubEmbedder(t *testing.T, opts ...Option) *Embedder {
	t.Helper()
	e, err := New("unused-api-key", opts...)
	require.NoError(t, err)
	e.computeBatch = perText(func(text string) ([]float32, error) {
		return []float32{float32(len(text)), 1, 2}, nil
	})
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEmbedQueryUsesInstructionPrefix(t *testing.T) {
	e := stubEmbedder(t)
	vec, err := e.EmbedQuery(context.Background(), "rust")
	require.NoError(t, err)
	assert.Equal(t, []float32{float32(len(QueryInstruction + " rust")), 1, 2}, vec)
}

func TestEmbedIsCachedByNormalizedInput(t *testing.T) {
	calls := 0
	e := stubEmbedder(t)
	e.computeBatch = perText(func(text string) ([]float32, error) {
		calls++
		return []float32{1}, nil
	})

	_, err := e.EmbedDocument(context.Background(), "Hello   World")
	require.NoError(t, err)
	_, err = e.EmbedDocument(context.Background(), "hello world")
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

func TestEmbedFailureDoesNotCache(t *testing.T) {
	attempts := 0
	e := stubEmbedder(t)
	e.computeBatch = perText(func(text string) ([]float32, error) {
		attempts++
		return nil, assert.AnError
	})

	_, err := e.EmbedDocument(context.Background(), "broken")
	assert.Error(t, err)

	_, err = e.EmbedDocument(context.Background(), "broken")
	assert.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestCacheFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "cache.jsonl")

	e1, err := New("key", WithCacheFile(cachePath))
	require.NoError(t, err)
	e1.computeBatch = perText(func(text string) ([]float32, error) { return []float32{9, 9}, nil })
	_, err = e1.EmbedDocument(context.Background(), "persisted")
	require.NoError(t, err)
	require.NoError(t, e1.Close())

	calls := 0
	e2, err := New("key", WithCacheFile(cachePath))
	require.NoError(t, err)
	defer e2.Close()
	e2.computeBatch = perText(func(text string) ([]float32, error) {
		calls++
		return nil, assert.AnError
	})

	vec, err := e2.EmbedDocument(context.Background(), "persisted")
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 9}, vec)
	assert.Equal(t, 0, calls)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "hello world", normalize("  Hello   WORLD  "))
}

// TestRunBatchesPendingRequests pre-loads several requests onto the
// normal-priority channel before the consumer ever starts, so the first
// drain is guaranteed to pick all of them up in one pass, and asserts
// computeBatch is invoked fewer times than there are requests — i.e. the
// consumer coalesces pending requests into a batched model call instead
// of calling the model once per request, matching spec §4.4's "calls the
// model once per batch".
func TestRunBatchesPendingRequests(t *testing.T) {
	e := &Embedder{
		highCh:   make(chan request, 16),
		normalCh: make(chan request, 16),
		stopCh:   make(chan struct{}),
	}

	var mu sync.Mutex
	var batchSizes []int
	e.computeBatch = func(texts []string) ([][]float32, []error) {
		mu.Lock()
		batchSizes = append(batchSizes, len(texts))
		mu.Unlock()
		return make([][]float32, len(texts)), make([]error, len(texts))
	}

	const n = 5
	resultChs := make([]chan result, n)
	for i := 0; i < n; i++ {
		resultChs[i] = make(chan result, 1)
		e.normalCh <- request{text: "doc", resultCh: resultChs[i]}
	}

	e.wg.Add(1)
	go e.run()
	t.Cleanup(func() {
		close(e.stopCh)
		e.wg.Wait()
	})

	for i := 0; i < n; i++ {
		select {
		case <-resultChs[i]:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for result %d", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, batchSizes)
	total := 0
	for _, size := range batchSizes {
		total += size
	}
	assert.Equal(t, n, total)
	assert.Lessf(t, len(batchSizes), n, "expected requests to be coalesced into fewer than %d batch calls, got sizes %v", n, batchSizes)
}
