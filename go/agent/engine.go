// Package agent generates replies on behalf of the node owner. The
// engine composes a system prompt from the essence store (identity,
// accumulated context, learned patterns, maturity) and delegates text
// generation to a provider backend, charging token usage against the
// monthly budget.
package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/animanet/anima/go/provider"
	"github.com/animanet/anima/go/store"
)

// BudgetSentinel is returned in place of a generated reply once the node
// has spent its monthly token budget. The provider is not invoked.
const BudgetSentinel = "[budget exceeded: this node reached its monthly token limit]"

const (
	replyMaxTokens = 512
	selfMaxTokens  = 1024
)

const systemPromptTemplate = `You are the digital agent of %[1]s on the Anima network.

## Your identity
DID: %[2]s
Node name: %[1]s
Domain: %[3]s
Essence maturity: %[4]s (%[5]s)

## Your essence
%[6]s

## Known reasoning patterns
%[7]s

## Principles that guide your behavior
- You represent %[1]s, not any platform or company.
- You answer in first person as %[1]s's agent.
- Before committing to anything important, you check with %[1]s.
- You are asynchronous: you do not rush, you favor thoughtful replies.
- You never invent information about %[1]s. If you do not know something, you say so.
- Everything you send carries your Ed25519 signature.
`

const selfChatInstruction = "The owner is talking to you directly. " +
	"You can be more reflective and personal. " +
	"You can ask questions to get to know them better."

// Engine turns inbound content into proposed replies.
type Engine struct {
	store    *store.Store
	provider provider.Provider
	domain   string
}

func New(st *store.Store, p provider.Provider, domain string) *Engine {
	return &Engine{store: st, provider: p, domain: domain}
}

// Provider returns the backend the engine generates with.
func (e *Engine) Provider() provider.Provider { return e.provider }

// Generate produces a reply to |content| given the prior conversation.
// The history is ordered oldest first and must not include |content|.
// A maxTokens of zero applies the default reply cap.
func (e *Engine) Generate(ctx context.Context, content string, history []provider.Turn, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = replyMaxTokens
	}
	return e.generate(ctx, "", content, history, maxTokens)
}

// GenerateSelf answers the owner speaking directly with their own agent.
func (e *Engine) GenerateSelf(ctx context.Context, content string) (string, error) {
	return e.generate(ctx, selfChatInstruction, content, nil, selfMaxTokens)
}

func (e *Engine) generate(ctx context.Context, instruction, content string, history []provider.Turn, maxTokens int) (string, error) {
	over, err := e.store.OverBudget()
	if err != nil {
		return "", fmt.Errorf("checking budget: %w", err)
	}
	if over {
		return BudgetSentinel, nil
	}

	system, err := e.systemPrompt(instruction)
	if err != nil {
		return "", err
	}

	var turns = append(append([]provider.Turn{}, history...),
		provider.Turn{Role: provider.RoleUser, Content: content})

	var started = time.Now()
	resp, err := e.provider.Complete(ctx, system, turns, maxTokens)
	completionDurations.WithLabelValues(e.provider.Name()).Observe(time.Since(started).Seconds())
	if err != nil {
		return "", fmt.Errorf("provider %s: %w", e.provider.Name(), err)
	}
	completionTokensCounter.WithLabelValues(e.provider.Name()).Add(float64(resp.InputTokens + resp.OutputTokens))

	if err = e.store.RecordUsage(int64(resp.InputTokens + resp.OutputTokens)); err != nil {
		log.WithFields(log.Fields{"err": err}).Warn("failed to record token usage")
	}
	return resp.Text, nil
}

// systemPrompt assembles the full system prompt from the store.
func (e *Engine) systemPrompt(instruction string) (string, error) {
	identity, err := e.store.ReadIdentity()
	if err != nil {
		return "", fmt.Errorf("reading identity: %w", err)
	}
	context, err := e.store.ReadContext()
	if err != nil {
		return "", err
	}
	patterns, err := e.store.ReadPatterns()
	if err != nil {
		return "", err
	}
	score, err := MaturityScore(e.store)
	if err != nil {
		return "", err
	}

	var patternLines []string
	for _, p := range patterns {
		patternLines = append(patternLines, "- "+p.Description)
	}
	var patternsText = strings.Join(patternLines, "\n")
	if patternsText == "" {
		patternsText = "(no patterns yet, the agent is still learning)"
	}
	if context == "" {
		context = "(no accumulated context yet)"
	}

	var prompt = fmt.Sprintf(systemPromptTemplate,
		identity.Name,
		identity.ID,
		e.domain,
		strconv.FormatFloat(score, 'g', -1, 64),
		MaturityLabel(score),
		context,
		patternsText,
	)
	if instruction != "" {
		prompt += "\n## Current instruction\n" + instruction + "\n"
	}
	return prompt, nil
}
