package agent

import (
	"context"
	"testing"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/stretchr/testify/require"

	"github.com/animanet/anima/go/provider"
	"github.com/animanet/anima/go/store"
)

type fakeProvider struct {
	reply provider.Response
	err   error

	calls      int
	lastSystem string
	lastTurns  []provider.Turn
	lastMax    int
}

func (f *fakeProvider) Complete(_ context.Context, system string, history []provider.Turn, maxTokens int) (provider.Response, error) {
	f.calls++
	f.lastSystem = system
	f.lastTurns = history
	f.lastMax = maxTokens
	return f.reply, f.err
}

func (f *fakeProvider) Name() string { return "fake" }

func testEngine(t *testing.T, fake *fakeProvider) (*Engine, *store.Store) {
	t.Helper()
	var st = store.New(t.TempDir())
	require.NoError(t, st.Initialize(store.IdentityRecord{
		ID:      "did:wba:example.com:nadia",
		Name:    "nadia",
		Created: "2025-01-01T00:00:00Z",
	}, 10))
	return New(st, fake, "example.com"), st
}

func TestGenerateRecordsUsage(t *testing.T) {
	var fake = &fakeProvider{reply: provider.Response{Text: "hola!", InputTokens: 10, OutputTokens: 5}}
	var e, st = testEngine(t, fake)

	got, err := e.Generate(context.Background(), "hola", nil, 0)
	require.NoError(t, err)
	require.Equal(t, "hola!", got)
	require.Equal(t, 1, fake.calls)
	require.Equal(t, 512, fake.lastMax)
	require.Equal(t, []provider.Turn{{Role: "user", Content: "hola"}}, fake.lastTurns)

	budget, err := st.ReadBudget()
	require.NoError(t, err)
	require.Equal(t, int64(15), budget.UsedTokens)
	require.Equal(t, int64(1), budget.CallsTotal)
}

func TestGenerateAppendsHistory(t *testing.T) {
	var fake = &fakeProvider{reply: provider.Response{Text: "ok"}}
	var e, _ = testEngine(t, fake)

	var history = []provider.Turn{
		{Role: provider.RoleUser, Content: "first"},
		{Role: provider.RoleAssistant, Content: "second"},
	}
	_, err := e.Generate(context.Background(), "third", history, 0)
	require.NoError(t, err)
	require.Equal(t, []provider.Turn{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "second"},
		{Role: "user", Content: "third"},
	}, fake.lastTurns)
}

func TestGenerateBudgetSentinel(t *testing.T) {
	var fake = &fakeProvider{reply: provider.Response{Text: "never"}}
	var e, st = testEngine(t, fake)
	require.NoError(t, st.RecordUsage(500_001))

	got, err := e.Generate(context.Background(), "hola", nil, 0)
	require.NoError(t, err)
	require.Equal(t, BudgetSentinel, got)
	require.Zero(t, fake.calls)

	// Self chat is gated the same way.
	got, err = e.GenerateSelf(context.Background(), "hola")
	require.NoError(t, err)
	require.Equal(t, BudgetSentinel, got)
	require.Zero(t, fake.calls)
}

func TestGenerateProviderError(t *testing.T) {
	var fake = &fakeProvider{err: context.DeadlineExceeded}
	var e, st = testEngine(t, fake)

	_, err := e.Generate(context.Background(), "hola", nil, 0)
	require.ErrorContains(t, err, "provider fake")

	budget, err := st.ReadBudget()
	require.NoError(t, err)
	require.Zero(t, budget.UsedTokens)
}

func TestGenerateSelfInstruction(t *testing.T) {
	var fake = &fakeProvider{reply: provider.Response{Text: "ok"}}
	var e, _ = testEngine(t, fake)

	_, err := e.GenerateSelf(context.Background(), "how was my day")
	require.NoError(t, err)
	require.Equal(t, 1024, fake.lastMax)
	require.Contains(t, fake.lastSystem, "## Current instruction")
	require.Contains(t, fake.lastSystem, "talking to you directly")
}

func TestSystemPromptIncludesEssence(t *testing.T) {
	var fake = &fakeProvider{reply: provider.Response{Text: "ok"}}
	var e, st = testEngine(t, fake)

	require.NoError(t, st.WriteContext("Owner prefers short, direct answers."))
	require.NoError(t, st.WritePatterns([]store.Pattern{
		{Description: "Keeps replies under two sentences", Confidence: 0.8},
		{Description: "Avoids commitments without checking first", Confidence: 0.6},
	}))

	_, err := e.Generate(context.Background(), "hola", nil, 0)
	require.NoError(t, err)
	require.Contains(t, fake.lastSystem, "Owner prefers short, direct answers.")
	require.Contains(t, fake.lastSystem, "- Keeps replies under two sentences")
	require.Contains(t, fake.lastSystem, "- Avoids commitments without checking first")
	require.NotContains(t, fake.lastSystem, "## Current instruction")
}

func TestSystemPromptSnapshot(t *testing.T) {
	var fake = &fakeProvider{}
	var e, st = testEngine(t, fake)
	require.NoError(t, st.WriteContext(""))

	prompt, err := e.systemPrompt("")
	require.NoError(t, err)
	cupaloy.SnapshotT(t, prompt)
}
