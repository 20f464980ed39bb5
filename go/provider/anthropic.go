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
	anthropicURL     = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"
	anthropicModel   = "claude-3-5-haiku-20241022"
)

// Anthropic calls the Anthropic Messages API. Requires ANTHROPIC_API_KEY.
type Anthropic struct {
	APIKey string
	Model  string
	// URL defaults to the public API endpoint. Tests point it elsewhere.
	URL  string
	HTTP *http.Client
}

func NewAnthropic() *Anthropic {
	return &Anthropic{
		APIKey: os.Getenv("ANTHROPIC_API_KEY"),
		Model:  envOr("ANTHROPIC_MODEL", anthropicModel),
		URL:    anthropicURL,
		HTTP:   &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *Anthropic) Complete(ctx context.Context, system string, history []Turn, maxTokens int) (Response, error) {
	if p.APIKey == "" {
		return Response{}, fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}

	var body, err = json.Marshal(map[string]any{
		"model":      p.Model,
		"max_tokens": maxTokens,
		"system":     system,
		"messages":   history,
	})
	if err != nil {
		return Response{}, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.URL, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("calling anthropic: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var detail, _ = io.ReadAll(io.LimitReader(resp.Body, 512))
		return Response{}, fmt.Errorf("anthropic returned status %d: %s", resp.StatusCode, detail)
	}

	var out struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decoding anthropic response: %w", err)
	}

	var text string
	if len(out.Content) != 0 {
		text = out.Content[0].Text
	}
	return Response{
		Text:         text,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
	}, nil
}

func (p *Anthropic) Name() string { return "anthropic/" + p.Model }
