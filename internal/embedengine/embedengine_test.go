package embedengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hnsearch/hnsearch/internal/docbuilder"
	"github.com/hnsearch/hnsearch/internal/embedder"
	"github.com/hnsearch/hnsearch/internal/embedstore"
	"github.com/hnsearch/hnsearch/internal/storage"
	"github.com/hnsearch/hnsearch/internal/vectorindex"
)

type fakeItemStore struct {
	stories  map[int64]*storage.StoryDoc
	comments map[int64][]storage.CommentNode
	eligible []int64
}

func (f *fakeItemStore) GetStory(ctx context.Context, id int64) (*storage.StoryDoc, error) {
	return f.stories[id], nil
}

func (f *fakeItemStore) CommentSubtree(ctx context.Context, storyID int64) ([]storage.CommentNode, error) {
	return f.comments[storyID], nil
}

func (f *fakeItemStore) EligibleStoryIDs(ctx context.Context, minScore, minDescendants int, after int64) ([]int64, error) {
	var out []int64
	for _, id := range f.eligible {
		if id > after {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeItemStore) IsEligible(ctx context.Context, storyID int64, minScore, minDescendants int) (bool, error) {
	for _, id := range f.eligible {
		if id == storyID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeItemStore) StoryIDOffsetBefore(ctx context.Context, before int64, offset int) (int64, bool, error) {
	idx := -1
	for i, id := range f.eligible {
		if id == before {
			idx = i
			break
		}
	}
	if idx-offset < 0 || idx == -1 {
		return 0, false, nil
	}
	return f.eligible[idx-offset], true, nil
}

type fakeEmbedStore struct {
	parts     map[int64][]embedstore.Part
	maxStory  int64
	distinct  map[int64]struct{}
}

func newFakeEmbedStore() *fakeEmbedStore {
	return &fakeEmbedStore{parts: make(map[int64][]embedstore.Part), distinct: make(map[int64]struct{})}
}

func (f *fakeEmbedStore) UpsertParts(ctx context.Context, parts []embedstore.Part) error {
	for _, p := range parts {
		f.parts[p.Story] = append(f.parts[p.Story], p)
		f.distinct[p.Story] = struct{}{}
		if p.Story > f.maxStory {
			f.maxStory = p.Story
		}
	}
	return nil
}

func (f *fakeEmbedStore) DeleteStories(ctx context.Context, storyIDs []int64) error {
	for _, id := range storyIDs {
		delete(f.parts, id)
		delete(f.distinct, id)
	}
	return nil
}

func (f *fakeEmbedStore) MaxStory(ctx context.Context) (int64, error) { return f.maxStory, nil }

func (f *fakeEmbedStore) DistinctStories(ctx context.Context) (map[int64]struct{}, error) {
	return f.distinct, nil
}

func newTestEngine(t *testing.T, items *fakeItemStore, embeds *fakeEmbedStore) *Engine {
	t.Helper()
	builder, err := docbuilder.NewBuilder(200)
	require.NoError(t, err)

	emb, err := embedder.New("unused-test-key", embedder.WithCompute(func(texts []string) ([][]float32, []error) {
		vectors := make([][]float32, len(texts))
		errs := make([]error, len(texts))
		for i, text := range texts {
			vectors[i] = []float32{float32(len(text)), 1, 2}
		}
		return vectors, errs
	}))
	require.NoError(t, err)
	t.Cleanup(func() { emb.Close() })

	idx := vectorindex.New()
	require.NoError(t, idx.Train([]vectorindex.Vector{
		{StoryID: 0, Values: []float32{0, 0, 0}},
		{StoryID: 0, Values: []float32{10, 10, 10}},
	}))

	return &Engine{Items: items, Builder: builder, Embedder: emb, Embeds: embeds, Index: idx}
}

func TestProcessStoryEmbedsAndIndexes(t *testing.T) {
	items := &fakeItemStore{
		stories: map[int64]*storage.StoryDoc{
			1: {ID: 1, Title: "Go generics", Text: "a story about generics", By: "alice", Time: 100},
		},
		comments: map[int64][]storage.CommentNode{
			1: {{ID: 2, Parent: 1, Text: "nice writeup"}},
		},
	}
	embeds := newFakeEmbedStore()
	e := newTestEngine(t, items, embeds)

	ok, err := e.processStory(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, embeds.parts[1])
	// The index already holds the two seed vectors from newTestEngine.
	require.Equal(t, 3, e.Index.Len())
}

func TestProcessStorySkipsWhenNoDocuments(t *testing.T) {
	items := &fakeItemStore{stories: map[int64]*storage.StoryDoc{1: {ID: 1}}}
	embeds := newFakeEmbedStore()
	e := newTestEngine(t, items, embeds)

	ok, err := e.processStory(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestProcessStoryMissingStoryIsNotAnError(t *testing.T) {
	items := &fakeItemStore{stories: map[int64]*storage.StoryDoc{}}
	embeds := newFakeEmbedStore()
	e := newTestEngine(t, items, embeds)

	ok, err := e.processStory(context.Background(), 999)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunCatchupEmbedsOnlyEligibleStories(t *testing.T) {
	items := &fakeItemStore{
		stories: map[int64]*storage.StoryDoc{
			1: {ID: 1, Title: "first", Text: "body one"},
			2: {ID: 2, Title: "second", Text: "body two"},
		},
		eligible: []int64{1, 2},
	}
	embeds := newFakeEmbedStore()
	e := newTestEngine(t, items, embeds)

	err := e.RunCatchup(context.Background(), 0)
	require.NoError(t, err)
	require.NotEmpty(t, embeds.parts[1])
	require.NotEmpty(t, embeds.parts[2])
}

type fakeAffectedDrainer struct {
	ids []int64
}

func (f *fakeAffectedDrainer) DrainAll() []int64 {
	out := f.ids
	f.ids = nil
	return out
}

func TestRunRealtimeProcessesEligibleAffectedStories(t *testing.T) {
	items := &fakeItemStore{
		stories: map[int64]*storage.StoryDoc{
			1: {ID: 1, Title: "first", Text: "body one"},
		},
		eligible: []int64{1},
	}
	embeds := newFakeEmbedStore()
	e := newTestEngine(t, items, embeds)
	e.RealtimeInterval = 5 * time.Millisecond

	affected := &fakeAffectedDrainer{ids: []int64{1, 2}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	e.RunRealtime(ctx, affected)

	require.NotEmpty(t, embeds.parts[1])
	require.Empty(t, embeds.parts[2])
}
