// Package ai holds the two chat-completion backends answer augmentation
// can use: Gemini (primary) and a local Ollama server (fallback for
// deployments without a Gemini key). Grounded on the teacher's GeminiClient/
// OllamaClient pair, trimmed to the chat-session surface internal/answer
// actually calls.
package ai

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiClient drives Gemini chat completions.
type GeminiClient struct{}

func NewGeminiClient() *GeminiClient {
	return &GeminiClient{}
}

// ChatMessage is one turn in a chat history.
type ChatMessage struct {
	Role    string // "user" or "model"
	Content string
}

// GenerateChatResponse answers newMessage given contextText (primed as the
// first turn) and prior history.
func (c *GeminiClient) GenerateChatResponse(ctx context.Context, apiKey string, contextText string, history []ChatMessage, newMessage string) (string, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return "", fmt.Errorf("gemini: create client: %w", err)
	}
	defer client.Close()

	return c.generateWithRetry(ctx, func() (string, error) {
		model := client.GenerativeModel("gemini-2.5-flash")
		cs := model.StartChat()

		cs.History = []*genai.Content{
			{
				Role: "user",
				Parts: []genai.Part{
					genai.Text(fmt.Sprintf("Here is the content we will talk about:\n\n%s\n\nAnswer my future questions based on this context.", contextText)),
				},
			},
			{
				Role:  "model",
				Parts: []genai.Part{genai.Text("Understood, I will answer using only the supplied context.")},
			},
		}
		for _, msg := range history {
			role := "user"
			if msg.Role == "model" || msg.Role == "assistant" {
				role = "model"
			}
			cs.History = append(cs.History, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(msg.Content)}})
		}

		resp, err := cs.SendMessage(ctx, genai.Text(newMessage))
		if err != nil {
			return "", fmt.Errorf("gemini: chat failed: %w", err)
		}
		return extractText(resp)
	})
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini: empty response")
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("gemini: empty text response")
	}
	return sb.String(), nil
}

// generateWithRetry retries quota errors with exponential backoff.
func (c *GeminiClient) generateWithRetry(ctx context.Context, operation func() (string, error)) (string, error) {
	var lastErr error
	backoff := time.Second
	const maxRetries = 5

	for retries := 0; retries < maxRetries; retries++ {
		result, err := operation()
		if err == nil {
			return result, nil
		}
		lastErr = err

		msg := err.Error()
		if strings.Contains(msg, "429") || strings.Contains(strings.ToLower(msg), "quota") {
			log.Printf("ai: gemini quota exceeded (attempt %d/%d), retrying in %v", retries+1, maxRetries, backoff)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
				continue
			}
		}
		return "", err
	}
	return "", fmt.Errorf("ai: failed after retries: %w", lastErr)
}
