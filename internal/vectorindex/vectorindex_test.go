package vectorindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleVectors() []Vector {
	return []Vector{
		{StoryID: 1, Values: []float32{1, 0, 0}},
		{StoryID: 2, Values: []float32{0, 1, 0}},
		{StoryID: 3, Values: []float32{0, 0, 1}},
		{StoryID: 4, Values: []float32{1, 1, 0}},
	}
}

func TestTrainAndSearch(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Train(sampleVectors()))
	assert.Equal(t, 4, idx.Len())

	results, err := idx.Search([]float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, int64(1), results[0].StoryID)
}

func TestSearchDimensionMismatch(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Train(sampleVectors()))

	_, err := idx.Search([]float32{1, 0}, 1)
	assert.Error(t, err)
}

func TestTrainDimensionMismatch(t *testing.T) {
	idx := New()
	err := idx.Train([]Vector{
		{StoryID: 1, Values: []float32{1, 0}},
		{StoryID: 2, Values: []float32{1, 0, 0}},
	})
	assert.Error(t, err)
}

func TestRemoveThenAddOrdering(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Train(sampleVectors()))

	err := idx.Update([]int64{1}, []Vector{{StoryID: 1, Values: []float32{0, 0, 1}}})
	require.NoError(t, err)

	results, err := idx.Search([]float32{1, 0, 0}, 10)
	require.NoError(t, err)

	var found Result
	for _, r := range results {
		if r.StoryID == 1 {
			found = r
		}
	}
	// story 1's vector moved to (0,0,1), so its distance to (1,0,0) should
	// no longer be zero.
	assert.Greater(t, found.Distance, 0.0)
}

func TestSearchDedupesByStoryID(t *testing.T) {
	idx := New()
	vectors := append(sampleVectors(), Vector{StoryID: 1, Values: []float32{1, 0, 0.1}})
	require.NoError(t, idx.Train(vectors))

	results, err := idx.Search([]float32{1, 0, 0}, 10)
	require.NoError(t, err)

	seen := map[int64]int{}
	for _, r := range results {
		seen[r.StoryID]++
	}
	for id, count := range seen {
		assert.Equalf(t, 1, count, "story %d appeared %d times", id, count)
	}
}

func TestSearchBeforeTrainErrors(t *testing.T) {
	idx := New()
	_, err := idx.Search([]float32{1, 0, 0}, 1)
	assert.Error(t, err)
}

func TestAddBootstrapsUntrainedIndex(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Add(sampleVectors()))
	assert.Equal(t, 4, idx.Len())

	results, err := idx.Search([]float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, int64(1), results[0].StoryID)
}
