package embedstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartZeroValue(t *testing.T) {
	p := Part{Story: 42, PartIndex: 0, Embedding: []float32{0.1, 0.2}}
	require.Equal(t, int64(42), p.Story)
	require.Len(t, p.Embedding, 2)
}

// UpsertParts/DeleteStories/MaxStory/DistinctStories/LoadAll all require a
// live Postgres+pgvector connection; no test in this repository runs their
// SQL. internal/embedengine's tests exercise how the engine calls these
// methods against an in-memory fake Embeds implementation.
