package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OllamaClient drives chat completions against a local Ollama server, used
// as answer augmentation's fallback backend when no Gemini key is set.
type OllamaClient struct {
	Model string
}

func NewOllamaClient() *OllamaClient {
	return &OllamaClient{Model: "qwen2.5-coder:latest"}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
}

// GenerateChatResponse answers newMessage given contextText and history
// against apiURL (e.g. "http://ollama:11434").
func (c *OllamaClient) GenerateChatResponse(ctx context.Context, apiURL string, contextText string, history []ChatMessage, newMessage string) (string, error) {
	messages := []ollamaMessage{
		{Role: "system", Content: fmt.Sprintf("Here is the content we will talk about:\n\n%s\n\nAnswer my future questions based on this context.", contextText)},
		{Role: "assistant", Content: "Understood, I will answer using only the supplied context."},
	}
	for _, msg := range history {
		role := "user"
		if msg.Role == "model" || msg.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, ollamaMessage{Role: role, Content: msg.Content})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: newMessage})

	body, err := json.Marshal(ollamaChatRequest{Model: c.Model, Messages: messages, Stream: false})
	if err != nil {
		return "", fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama: unexpected status %d: %s", resp.StatusCode, string(b))
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("ollama: decode response: %w", err)
	}
	if chatResp.Message.Content == "" {
		return "", fmt.Errorf("ollama: empty response")
	}
	return chatResp.Message.Content, nil
}
