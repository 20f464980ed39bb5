package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const (
	openaiURL   = "https://api.openai.com/v1/chat/completions"
	openaiModel = "gpt-4o-mini"
)

// OpenAI calls the OpenAI chat completions API. Requires OPENAI_API_KEY.
type OpenAI struct {
	APIKey string
	Model  string
	// URL defaults to the public API endpoint. Tests point it elsewhere.
	URL  string
	HTTP *http.Client
}

func NewOpenAI() *OpenAI {
	return &OpenAI{
		APIKey: os.Getenv("OPENAI_API_KEY"),
		Model:  envOr("OPENAI_MODEL", openaiModel),
		URL:    openaiURL,
		HTTP:   &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *OpenAI) Complete(ctx context.Context, system string, history []Turn, maxTokens int) (Response, error) {
	if p.APIKey == "" {
		return Response{}, fmt.Errorf("OPENAI_API_KEY is not set")
	}

	var messages = append([]Turn{{Role: "system", Content: system}}, history...)
	var body, err = json.Marshal(map[string]any{
		"model":      p.Model,
		"max_tokens": maxTokens,
		"messages":   messages,
	})
	if err != nil {
		return Response{}, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.URL, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("calling openai: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var detail, _ = io.ReadAll(io.LimitReader(resp.Body, 512))
		return Response{}, fmt.Errorf("openai returned status %d: %s", resp.StatusCode, detail)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decoding openai response: %w", err)
	}

	var text string
	if len(out.Choices) != 0 {
		text = out.Choices[0].Message.Content
	}
	return Response{
		Text:         text,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}

func (p *OpenAI) Name() string { return "openai/" + p.Model }
