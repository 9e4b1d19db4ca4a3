// Package answer provides optional LLM-backed answer augmentation over
// search results: given a query and its top hits, it builds a token-bounded
// prompt from titles and top comments and asks a chat backend for a short
// answer. Grounded on internal/ai's GeminiClient/OllamaClient chat-session
// idiom (StartChat, history priming) and cached the way internal/embedder
// caches vectors.
package answer

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hnsearch/hnsearch/internal/ai"
	"github.com/hnsearch/hnsearch/internal/storage"
)

// TokenBudget bounds the context block built from titles and comments. It
// is counted in bytes of that block, not in model tokens; the question line
// is not counted against it.
const TokenBudget = 3000

const cacheCapacity = 512

// Hit is the minimal shape answer needs from a ranked search result.
type Hit struct {
	StoryID     int64
	Title       string
	Text        string
	TopComments []string
}

// Augmenter answers a query against a set of search hits, caching by
// normalized query text.
type Augmenter struct {
	cache *lru.Cache[string, string]

	// generate is overridable in tests to avoid real network calls.
	generate func(ctx context.Context, prompt string) (string, error)
}

// New builds an Augmenter backed by Gemini.
func New(apiKey string) (*Augmenter, error) {
	client := ai.NewGeminiClient()
	return newAugmenter(func(ctx context.Context, prompt string) (string, error) {
		return client.GenerateChatResponse(ctx, apiKey, systemPrompt, nil, prompt)
	})
}

// NewOllama builds an Augmenter backed by a local Ollama server, used when
// no Gemini key is configured.
func NewOllama(apiURL string) (*Augmenter, error) {
	client := ai.NewOllamaClient()
	return newAugmenter(func(ctx context.Context, prompt string) (string, error) {
		return client.GenerateChatResponse(ctx, apiURL, systemPrompt, nil, prompt)
	})
}

const systemPrompt = "You answer questions about Hacker News discussions using only the context provided below. Be concise."

func newAugmenter(generate func(ctx context.Context, prompt string) (string, error)) (*Augmenter, error) {
	cache, err := lru.New[string, string](cacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("answer: create cache: %w", err)
	}
	return &Augmenter{cache: cache, generate: generate}, nil
}

func normalize(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

// BuildPrompt packs titles and top comments from hits into a single
// context block under TokenBudget bytes, truncating the final comment
// rather than dropping it outright when it would overflow.
func BuildPrompt(query string, hits []Hit) string {
	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(query)
	sb.WriteString("\n\nRelevant discussions:\n")

	budget := TokenBudget
	for _, h := range hits {
		block := fmt.Sprintf("\nStory: %s\n", h.Title)
		if budget-len(block) <= 0 {
			break
		}
		sb.WriteString(block)
		budget -= len(block)

		for _, c := range h.TopComments {
			line := fmt.Sprintf("- %s\n", c)
			if len(line) > budget {
				if budget > 4 {
					sb.WriteString(line[:budget-1] + "\n")
					budget = 0
				}
				break
			}
			sb.WriteString(line)
			budget -= len(line)
		}
		if budget <= 0 {
			break
		}
	}
	return sb.String()
}

// Answer returns a short answer to query grounded in hits, using a cached
// response when the normalized query was already answered.
func (a *Augmenter) Answer(ctx context.Context, query string, hits []Hit) (string, error) {
	key := normalize(query)
	if v, ok := a.cache.Get(key); ok {
		return v, nil
	}
	if len(hits) == 0 {
		return "", fmt.Errorf("answer: no hits to ground a response on")
	}

	prompt := BuildPrompt(query, hits)
	resp, err := a.generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	a.cache.Add(key, resp)
	return resp, nil
}

// TopComments picks up to n top-level comment texts for a story, in the
// order the comments are given (storage.CommentSubtree's display order).
func TopComments(comments []storage.CommentNode, storyID int64, n int) []string {
	var out []string
	for _, c := range comments {
		if c.Parent != storyID {
			continue
		}
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		out = append(out, text)
		if len(out) >= n {
			break
		}
	}
	return out
}
