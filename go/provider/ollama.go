package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	ollamaHost  = "http://localhost:11434"
	ollamaModel = "llama3.2"
)

// Ollama calls a local Ollama server. No API key; the fully offline option.
type Ollama struct {
	Host  string
	Model string
	HTTP  *http.Client
}

func NewOllama() *Ollama {
	return &Ollama{
		Host:  envOr("OLLAMA_HOST", ollamaHost),
		Model: envOr("OLLAMA_MODEL", ollamaModel),
		HTTP:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *Ollama) Complete(ctx context.Context, system string, history []Turn, maxTokens int) (Response, error) {
	var messages = append([]Turn{{Role: "system", Content: system}}, history...)
	var body, err = json.Marshal(map[string]any{
		"model":    p.Model,
		"messages": messages,
		"stream":   false,
		"options":  map[string]any{"num_predict": maxTokens},
	})
	if err != nil {
		return Response{}, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.Host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("ollama is not reachable at %s: %w", p.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var detail, _ = io.ReadAll(io.LimitReader(resp.Body, 512))
		return Response{}, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, detail)
	}

	var out struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		PromptEvalCount int `json:"prompt_eval_count"`
		EvalCount       int `json:"eval_count"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decoding ollama response: %w", err)
	}

	return Response{
		Text:         out.Message.Content,
		InputTokens:  out.PromptEvalCount,
		OutputTokens: out.EvalCount,
	}, nil
}

func (p *Ollama) Name() string { return "ollama/" + p.Model }
