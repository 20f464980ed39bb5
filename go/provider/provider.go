// Package provider abstracts the language-model backends a node can
// generate text with. Every backend reduces to a single operation:
// Complete takes a system prompt and an ordered conversation history and
// returns generated text with token accounting. Backends that do not
// report usage estimate it from text length.
package provider

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Roles used in conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message of a conversation history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is a completed generation together with the backend's token
// accounting.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Provider is a pluggable language-model backend.
type Provider interface {
	// Complete generates a reply to the conversation. The history is
	// ordered oldest first and ends with the message to answer; it does
	// not include the system prompt.
	Complete(ctx context.Context, system string, history []Turn, maxTokens int) (Response, error)
	// Name identifies the backend and model, e.g. "ollama/llama3.2".
	Name() string
}

// Detect returns the backend selected by |name|. When |name| is empty or
// "auto" it walks a fallback chain: the claude CLI if the binary is on
// PATH, the Anthropic API if a key is configured, and local Ollama as the
// last resort. OpenAI is never auto-detected; it must be asked for.
func Detect(name string) (Provider, error) {
	switch strings.ToLower(name) {
	case "anthropic":
		return NewAnthropic(), nil
	case "openai":
		return NewOpenAI(), nil
	case "ollama":
		return NewOllama(), nil
	case "claude-cli", "claude_code":
		return NewClaudeCLI(), nil
	case "", "auto":
		// Fall through to detection.
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}

	if _, err := exec.LookPath("claude"); err == nil {
		return NewClaudeCLI(), nil
	}
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return NewAnthropic(), nil
	}
	return NewOllama(), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
