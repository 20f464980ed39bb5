package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDetectExplicit(t *testing.T) {
	p, err := Detect("anthropic")
	require.NoError(t, err)
	require.IsType(t, &Anthropic{}, p)

	p, err = Detect("openai")
	require.NoError(t, err)
	require.IsType(t, &OpenAI{}, p)

	p, err = Detect("OLLAMA")
	require.NoError(t, err)
	require.IsType(t, &Ollama{}, p)

	p, err = Detect("claude-cli")
	require.NoError(t, err)
	require.IsType(t, &ClaudeCLI{}, p)

	_, err = Detect("bard")
	require.EqualError(t, err, `unknown provider "bard"`)
}

func TestAnthropicComplete(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "sk-test", r.Header.Get("x-api-key"))
		require.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var req struct {
			Model     string `json:"model"`
			MaxTokens int    `json:"max_tokens"`
			System    string `json:"system"`
			Messages  []Turn `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "test-model", req.Model)
		require.Equal(t, 64, req.MaxTokens)
		require.Equal(t, "be brief", req.System)
		require.Equal(t, []Turn{{Role: "user", Content: "hola"}}, req.Messages)

		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "hola!"}},
			"usage":   map[string]any{"input_tokens": 12, "output_tokens": 3},
		})
	}))
	defer srv.Close()

	var p = &Anthropic{APIKey: "sk-test", Model: "test-model", URL: srv.URL, HTTP: srv.Client()}
	resp, err := p.Complete(context.Background(), "be brief", []Turn{{Role: "user", Content: "hola"}}, 64)
	require.NoError(t, err)
	require.Equal(t, Response{Text: "hola!", InputTokens: 12, OutputTokens: 3}, resp)
}

func TestAnthropicErrors(t *testing.T) {
	var p = &Anthropic{Model: "m", URL: "http://unused", HTTP: http.DefaultClient}
	_, err := p.Complete(context.Background(), "", nil, 8)
	require.EqualError(t, err, "ANTHROPIC_API_KEY is not set")

	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p = &Anthropic{APIKey: "k", Model: "m", URL: srv.URL, HTTP: srv.Client()}
	_, err = p.Complete(context.Background(), "", nil, 8)
	require.ErrorContains(t, err, "status 500")
}

func TestOpenAIComplete(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sk-oa", r.Header.Get("Authorization"))

		var req struct {
			Messages []Turn `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// The system prompt rides as the leading message.
		require.Equal(t, Turn{Role: "system", Content: "sys"}, req.Messages[0])
		require.Equal(t, Turn{Role: "user", Content: "q"}, req.Messages[1])

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "a"}}},
			"usage":   map[string]any{"prompt_tokens": 7, "completion_tokens": 2},
		})
	}))
	defer srv.Close()

	var p = &OpenAI{APIKey: "sk-oa", Model: "m", URL: srv.URL, HTTP: srv.Client()}
	resp, err := p.Complete(context.Background(), "sys", []Turn{{Role: "user", Content: "q"}}, 32)
	require.NoError(t, err)
	require.Equal(t, Response{Text: "a", InputTokens: 7, OutputTokens: 2}, resp)
}

func TestOllamaComplete(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, false, req["stream"])
		require.Equal(t, map[string]any{"num_predict": float64(16)}, req["options"])

		json.NewEncoder(w).Encode(map[string]any{
			"message":           map[string]any{"role": "assistant", "content": "ok"},
			"prompt_eval_count": 5,
			"eval_count":        1,
		})
	}))
	defer srv.Close()

	var p = &Ollama{Host: srv.URL, Model: "m", HTTP: srv.Client()}
	resp, err := p.Complete(context.Background(), "sys", []Turn{{Role: "user", Content: "q"}}, 16)
	require.NoError(t, err)
	require.Equal(t, Response{Text: "ok", InputTokens: 5, OutputTokens: 1}, resp)
}

func TestOllamaUnreachable(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	var host = srv.URL
	srv.Close()

	var p = &Ollama{Host: host, Model: "m", HTTP: &http.Client{Timeout: time.Second}}
	_, err := p.Complete(context.Background(), "", nil, 8)
	require.ErrorContains(t, err, "not reachable")
}

func TestCLIPrompt(t *testing.T) {
	var got = cliPrompt("sys", []Turn{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleUser, Content: "bye"},
	})
	require.Equal(t,
		"<system>\nsys\n</system>\n\n"+
			"<human>\nhi\n</human>\n\n"+
			"<assistant>\nhello\n</assistant>\n\n"+
			"<human>\nbye\n</human>", got)
}
