package ranker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hnsearch/hnsearch/internal/storage"
	"github.com/hnsearch/hnsearch/internal/vectorindex"
)

func TestNormalizeDegenerateForward(t *testing.T) {
	out := normalize([]float64{5, 5, 5}, false)
	assert.Equal(t, []float64{1, 1, 1}, out)
}

func TestNormalizeDegenerateReverse(t *testing.T) {
	out := normalize([]float64{5, 5, 5}, true)
	assert.Equal(t, []float64{0, 0, 0}, out)
}

func TestNormalizeRange(t *testing.T) {
	out := normalize([]float64{0, 5, 10}, false)
	assert.Equal(t, []float64{0, 0.5, 1}, out)
}

func TestTopicalityPositionWeighted(t *testing.T) {
	words := queryWordSet("rust compiler")
	// "rust" is first word: weight 1/1. "compiler" second title word here: 1/2.
	score := topicality(words, "Rust compiler internals")
	assert.InDelta(t, 1.5, score, 1e-9)
}

func TestTopicalityNoMatch(t *testing.T) {
	words := queryWordSet("golang")
	assert.Equal(t, 0.0, topicality(words, "Rust compiler internals"))
}

func TestRankDropsUntitledStories(t *testing.T) {
	hits := []vectorindex.Result{{StoryID: 1, Distance: 0.1}, {StoryID: 2, Distance: 0.2}}
	meta := map[int64]storage.StoryMeta{
		1: {ID: 1, Title: "Has a title", Score: 10, Time: 100},
	}
	ranked, err := Rank(context.Background(), nil, "title", hits, meta, 200, storage.FilterPredicate{}, "", "")
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, int64(1), ranked[0].StoryID)
}

func TestRankOrdersByDescendingRank(t *testing.T) {
	hits := []vectorindex.Result{
		{StoryID: 1, Distance: 0.9},
		{StoryID: 2, Distance: 0.1},
	}
	meta := map[int64]storage.StoryMeta{
		1: {ID: 1, Title: "Old far match", Score: 1, Time: 0},
		2: {ID: 2, Title: "Close match now", Score: 100, Time: 1000},
	}
	ranked, err := Rank(context.Background(), nil, "match", hits, meta, 1000, storage.FilterPredicate{}, "", "")
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, int64(2), ranked[0].StoryID)
}

func TestRankTieBreaksByAscendingStoryID(t *testing.T) {
	hits := []vectorindex.Result{
		{StoryID: 5, Distance: 0.5},
		{StoryID: 3, Distance: 0.5},
	}
	meta := map[int64]storage.StoryMeta{
		5: {ID: 5, Title: "same", Score: 10, Time: 10},
		3: {ID: 3, Title: "same", Score: 10, Time: 10},
	}
	ranked, err := Rank(context.Background(), nil, "same", hits, meta, 10, storage.FilterPredicate{}, "", "")
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, int64(3), ranked[0].StoryID)
}

func TestRankEmptyWhenNoCandidates(t *testing.T) {
	ranked, err := Rank(context.Background(), nil, "query", nil, map[int64]storage.StoryMeta{}, 0, storage.FilterPredicate{}, "", "")
	require.NoError(t, err)
	assert.Nil(t, ranked)
}

type fakeFilterStore struct {
	ids []int64
	err error
}

func (f *fakeFilterStore) FilterIDs(ctx context.Context, ids []int64, filter storage.FilterPredicate, sortBy storage.SortBy, order storage.SortOrder) ([]int64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ids, nil
}

func TestRankAppliesFilterPredicate(t *testing.T) {
	hits := []vectorindex.Result{
		{StoryID: 1, Distance: 0.1},
		{StoryID: 2, Distance: 0.1},
	}
	meta := map[int64]storage.StoryMeta{
		1: {ID: 1, Title: "alpha story", Score: 10, Time: 10},
		2: {ID: 2, Title: "beta story", Score: 10, Time: 10},
	}
	store := &fakeFilterStore{ids: []int64{2}}

	ranked, err := Rank(context.Background(), store, "story", hits, meta, 10,
		storage.FilterPredicate{By: "someone"}, "", "")
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, int64(2), ranked[0].StoryID)
}

func TestRankSortByTimeFollowsStoreOrder(t *testing.T) {
	hits := []vectorindex.Result{
		{StoryID: 1, Distance: 0.1},
		{StoryID: 2, Distance: 0.1},
	}
	meta := map[int64]storage.StoryMeta{
		1: {ID: 1, Title: "older story", Score: 10, Time: 10},
		2: {ID: 2, Title: "newer story", Score: 10, Time: 20},
	}
	store := &fakeFilterStore{ids: []int64{2, 1}}

	ranked, err := Rank(context.Background(), store, "story", hits, meta, 20,
		storage.FilterPredicate{}, storage.SortTime, storage.SortDesc)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, int64(2), ranked[0].StoryID)
	assert.Equal(t, int64(1), ranked[1].StoryID)
}

func TestRankErrorsWhenFilterRequestedWithoutStore(t *testing.T) {
	hits := []vectorindex.Result{{StoryID: 1, Distance: 0.1}}
	meta := map[int64]storage.StoryMeta{1: {ID: 1, Title: "story", Score: 10, Time: 10}}

	_, err := Rank(context.Background(), nil, "story", hits, meta, 10,
		storage.FilterPredicate{By: "someone"}, "", "")
	assert.Error(t, err)
}

func TestRankPropagatesFilterStoreError(t *testing.T) {
	hits := []vectorindex.Result{{StoryID: 1, Distance: 0.1}}
	meta := map[int64]storage.StoryMeta{1: {ID: 1, Title: "story", Score: 10, Time: 10}}
	store := &fakeFilterStore{err: assert.AnError}

	_, err := Rank(context.Background(), store, "story", hits, meta, 10,
		storage.FilterPredicate{By: "someone"}, "", "")
	assert.Error(t, err)
}
