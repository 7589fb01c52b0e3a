package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"

	"automation-hub/backend/internal/apiclient"
)

// DefaultModel is used when a configuration names none.
const DefaultModel = "gpt-4o-mini"

// ChatClient is a Summarizer over an OpenAI-compatible chat completions API.
type ChatClient struct {
	api    *apiclient.Manager
	model  string
	budget int
}

// NewChatClient creates a ChatClient. Input longer than budget tokens is
// truncated; zero disables truncation.
func NewChatClient(api *apiclient.Manager, model string, budget int) *ChatClient {
	if model == "" {
		model = DefaultModel
	}
	return &ChatClient{api: api, model: model, budget: budget}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

// Summarize sends instructions as the system prompt and text as the user
// message.
func (c *ChatClient) Summarize(ctx context.Context, instructions, text string) (string, error) {
	if c.budget > 0 {
		truncated, _, err := TruncateTokens(c.model, text, c.budget)
		if err != nil {
			return "", err
		}
		text = truncated
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: instructions},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	resp, err := c.api.Do(ctx, http.MethodPost, "chat/completions", body)
	if err != nil {
		return "", fmt.Errorf("failed to get completion: %w", err)
	}

	content := gjson.GetBytes(resp, "choices.0.message.content")
	if !content.Exists() {
		return "", fmt.Errorf("completion response has no content")
	}
	return strings.TrimSpace(content.String()), nil
}

// TruncateTokens cuts text to at most budget tokens for model and returns
// the original token count.
func TruncateTokens(model, text string, budget int) (string, int, error) {
	codec, err := codecFor(model)
	if err != nil {
		return "", 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return "", 0, fmt.Errorf("failed to tokenize: %w", err)
	}
	if len(ids) <= budget {
		return text, len(ids), nil
	}
	out, err := codec.Decode(ids[:budget])
	if err != nil {
		return "", 0, fmt.Errorf("failed to detokenize: %w", err)
	}
	return out, len(ids), nil
}

func codecFor(model string) (tokenizer.Codec, error) {
	if codec, err := tokenizer.ForModel(tokenizer.Model(model)); err == nil {
		return codec, nil
	}
	return tokenizer.Get(tokenizer.Cl100kBase)
}
