package docbuilder

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hnsearch/hnsearch/internal/storage"
)

func TestCleanText(t *testing.T) {
	assert.Equal(t, "", CleanText(""))
	assert.Equal(t, "hello world", CleanText("<p>hello <b>world</b></p>"))
	assert.Equal(t, "a\nb", CleanText("a\r\nb"))
	assert.Equal(t, "a & b", CleanText("a &amp; b"))
}

func TestHeaderZeroPartsWhenEmpty(t *testing.T) {
	_, ok := Header("", "")
	assert.False(t, ok)
}

func TestHeaderWithTitleOnly(t *testing.T) {
	h, ok := Header("Show HN: thing", "")
	require.True(t, ok)
	assert.Equal(t, "Topic: Show HN: thing\nDiscussion:\n", h)
}

func TestHeaderWithTitleAndText(t *testing.T) {
	h, ok := Header("Ask HN", "body text")
	require.True(t, ok)
	assert.Equal(t, "Topic: Ask HN\nbody text\nDiscussion:\n", h)
}

func TestBuildDocumentsNoTitleOrText(t *testing.T) {
	b, err := NewBuilder(1024)
	require.NoError(t, err)

	parts := b.BuildDocuments(storage.StoryDoc{ID: 1}, nil)
	assert.Nil(t, parts)
}

func TestBuildDocumentsSinglePart(t *testing.T) {
	b, err := NewBuilder(1024)
	require.NoError(t, err)

	story := storage.StoryDoc{ID: 1, Title: "Topic title"}
	comments := []storage.CommentNode{
		{ID: 2, Parent: 1, Text: "first comment"},
		{ID: 3, Parent: 2, Text: "reply to first"},
	}
	parts := b.BuildDocuments(story, comments)
	require.Len(t, parts, 1)
	assert.Contains(t, parts[0], "Topic: Topic title")
	assert.Contains(t, parts[0], "first comment")
	assert.Contains(t, parts[0], "\treply to first")
}

func TestBuildDocumentsDropsDeadFlagged(t *testing.T) {
	b, err := NewBuilder(1024)
	require.NoError(t, err)

	story := storage.StoryDoc{ID: 1, Title: "T"}
	comments := []storage.CommentNode{
		{ID: 2, Parent: 1, Text: "[dead]"},
		{ID: 3, Parent: 1, Text: "[flagged]"},
		{ID: 4, Parent: 1, Text: "kept"},
	}
	parts := b.BuildDocuments(story, comments)
	require.Len(t, parts, 1)
	assert.NotContains(t, parts[0], "[dead]")
	assert.NotContains(t, parts[0], "[flagged]")
	assert.Contains(t, parts[0], "kept")
}

func TestBuildDocumentsFlushesOnOverflow(t *testing.T) {
	b, err := NewBuilder(20)
	require.NoError(t, err)

	story := storage.StoryDoc{ID: 1, Title: "T"}
	var comments []storage.CommentNode
	for i := int64(0); i < 10; i++ {
		comments = append(comments, storage.CommentNode{ID: i + 2, Parent: 1, Text: strings.Repeat("word ", 5)})
	}
	parts := b.BuildDocuments(story, comments)
	assert.Greater(t, len(parts), 1)
	for _, p := range parts {
		assert.Contains(t, p, "Topic: T")
	}
}
