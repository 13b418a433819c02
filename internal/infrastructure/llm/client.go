// Package llm fetches raw decision text from an OpenAI-compatible chat
// completion endpoint. Prompt construction lives with the caller; this
// client only carries the request and hands the text back for parsing.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type Client struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	client    *http.Client
	log       *zap.Logger

	systemPrompt string
	buildPrompt  func(ctx context.Context) (string, error)
}

func NewClient(apiKey, baseURL, model string, maxTokens int, timeout time.Duration,
	systemPrompt string, buildPrompt func(ctx context.Context) (string, error), log *zap.Logger) *Client {
	return &Client{
		apiKey:       apiKey,
		baseURL:      baseURL,
		model:        model,
		maxTokens:    maxTokens,
		client:       &http.Client{Timeout: timeout},
		log:          log,
		systemPrompt: systemPrompt,
		buildPrompt:  buildPrompt,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// FetchDecisions builds the cycle prompt, calls the completion endpoint,
// and returns the assistant text. An empty return with nil error means
// the cycle should be skipped.
func (c *Client) FetchDecisions(ctx context.Context) (string, error) {
	prompt, err := c.buildPrompt(ctx)
	if err != nil {
		return "", fmt.Errorf("build prompt: %w", err)
	}

	reqBody, _ := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: c.systemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens: c.maxTokens,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("completion response had no choices")
	}

	choice := parsed.Choices[0]
	if choice.FinishReason != "" && choice.FinishReason != "stop" {
		c.log.Warn("completion truncated",
			zap.String("finish_reason", choice.FinishReason),
			zap.String("response_id", parsed.ID))
	}
	return choice.Message.Content, nil
}
