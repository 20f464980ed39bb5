package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ClaudeCLI shells out to the `claude` command-line tool. It reuses the
// active CLI session on the machine, so no separate API key is needed.
// The CLI reports no usage, so tokens are estimated at four characters
// per token.
type ClaudeCLI struct {
	Path    string
	Timeout time.Duration
}

func NewClaudeCLI() *ClaudeCLI {
	var path = "claude"
	if p, err := exec.LookPath("claude"); err == nil {
		path = p
	}
	return &ClaudeCLI{Path: path, Timeout: 120 * time.Second}
}

func (p *ClaudeCLI) Complete(ctx context.Context, system string, history []Turn, maxTokens int) (Response, error) {
	var prompt = cliPrompt(system, history)

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	var cmd = exec.CommandContext(ctx, p.Path, "--print", prompt, "--output-format", "text")
	// Strip CLAUDECODE so the CLI does not refuse to run under a nested
	// session.
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, "CLAUDECODE=") {
			cmd.Env = append(cmd.Env, kv)
		}
	}

	out, err := cmd.Output()
	if ctx.Err() == context.DeadlineExceeded {
		return Response{}, fmt.Errorf("claude CLI timed out after %s", p.Timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			var detail = strings.TrimSpace(string(exitErr.Stderr))
			if len(detail) > 200 {
				detail = detail[:200]
			}
			return Response{}, fmt.Errorf("claude CLI exited with %d: %s", exitErr.ExitCode(), detail)
		}
		return Response{}, fmt.Errorf("running claude CLI: %w", err)
	}

	var text = strings.TrimSpace(string(out))
	return Response{
		Text:         text,
		InputTokens:  len(prompt) / 4,
		OutputTokens: len(text) / 4,
	}, nil
}

func (p *ClaudeCLI) Name() string { return "claude-cli" }

// cliPrompt flattens the system prompt and history into the single prompt
// string the CLI accepts.
func cliPrompt(system string, history []Turn) string {
	var parts = []string{fmt.Sprintf("<system>\n%s\n</system>", system)}
	for _, t := range history {
		if t.Role == RoleAssistant {
			parts = append(parts, fmt.Sprintf("<assistant>\n%s\n</assistant>", t.Content))
		} else {
			parts = append(parts, fmt.Sprintf("<human>\n%s\n</human>", t.Content))
		}
	}
	return strings.Join(parts, "\n\n")
}
