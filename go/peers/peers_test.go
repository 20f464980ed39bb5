package peers

import (
	"testing"

	"github.com/animanet/anima/go/store"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	var s = store.New(t.TempDir())
	require.NoError(t, s.Initialize(store.IdentityRecord{ID: "did:wba:localhost%3A7777:me"}, 10))
	var m = NewManager(s)
	m.OwnDID = "did:wba:localhost%3A7777:me"
	return m
}

func TestAddOrUpdateDefaults(t *testing.T) {
	var m = testManager(t)
	p, err := m.AddOrUpdate("did:wba:a:alice")
	require.NoError(t, err)
	require.Equal(t, 0.5, p.Trust)
	require.NotEmpty(t, p.FirstSeen)
	require.NotEmpty(t, p.LastUpdated)
	require.Zero(t, p.Messages)

	// A second call does not reset trust.
	_, err = m.AdjustTrust("did:wba:a:alice", 0.3)
	require.NoError(t, err)
	p, err = m.AddOrUpdate("did:wba:a:alice")
	require.NoError(t, err)
	require.Equal(t, 0.8, p.Trust)
}

func TestAddManual(t *testing.T) {
	var m = testManager(t)
	p, err := m.AddManual("did:wba:a:alice", "la jefa")
	require.NoError(t, err)
	require.Equal(t, 0.3, p.Trust)
	require.Equal(t, "la jefa", p.Alias)
}

func TestTrustClamping(t *testing.T) {
	var m = testManager(t)

	trust, err := m.AdjustTrust("did:wba:a:alice", 5.0)
	require.NoError(t, err)
	require.Equal(t, 1.0, trust)

	trust, err = m.AdjustTrust("did:wba:a:alice", -9.0)
	require.NoError(t, err)
	require.Equal(t, 0.0, trust)

	// Many successive adjustments stay inside [0, 1].
	for i := 0; i < 50; i++ {
		trust, err = m.AdjustTrust("did:wba:a:alice", 0.1)
		require.NoError(t, err)
		require.GreaterOrEqual(t, trust, 0.0)
		require.LessOrEqual(t, trust, 1.0)
	}
}

func TestRecordInteraction(t *testing.T) {
	var m = testManager(t)
	require.NoError(t, m.RecordInteraction("did:wba:a:alice", true))

	p, ok, err := m.Get("did:wba:a:alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 0.52, p.Trust, 1e-9)
	require.Equal(t, 1, p.Messages)
	require.NotEmpty(t, p.LastSeen)

	require.NoError(t, m.RecordInteraction("did:wba:a:alice", false))
	p, _, err = m.Get("did:wba:a:alice")
	require.NoError(t, err)
	require.InDelta(t, 0.47, p.Trust, 1e-9)
	require.Equal(t, 2, p.Messages)
}

func TestTrustedPeers(t *testing.T) {
	var m = testManager(t)
	var seed = map[string]float64{
		"did:wba:a:low":  0.1,
		"did:wba:b:mid":  0.45,
		"did:wba:c:high": 0.9,
	}
	for did, trust := range seed {
		var _, err = m.upsert(did, trust, nil)
		require.NoError(t, err)
	}

	trusted, err := m.TrustedPeers(0.3)
	require.NoError(t, err)
	require.Len(t, trusted, 2)

	trusted, err = m.TrustedPeers(0.5)
	require.NoError(t, err)
	require.Len(t, trusted, 1)
	require.Equal(t, "did:wba:c:high", trusted[0].DID)
}

func TestGossipPayload(t *testing.T) {
	var m = testManager(t)
	var seed = map[string]float64{
		"did:wba:a:one":   0.9,
		"did:wba:b:two":   0.5,
		"did:wba:c:three": 0.45,
		"did:wba:d:four":  0.39, // below the gossip threshold
		"did:wba:e:five":  0.2,
	}
	for did, trust := range seed {
		var _, err = m.upsert(did, trust, nil)
		require.NoError(t, err)
	}

	payload, err := m.GossipPayload(0)
	require.NoError(t, err)
	require.Equal(t, []string{"did:wba:a:one", "did:wba:b:two", "did:wba:c:three"}, payload)

	payload, err = m.GossipPayload(2)
	require.NoError(t, err)
	require.Equal(t, []string{"did:wba:a:one", "did:wba:b:two"}, payload)
}

func TestMergeGossip(t *testing.T) {
	var m = testManager(t)
	var _, err = m.upsert("did:wba:b:bob", 0.5, nil)
	require.NoError(t, err)

	added, err := m.MergeGossip(
		[]string{"did:wba:b:bob", "did:wba:c:carol", "did:wba:d:dave"},
		"did:wba:b:bob",
	)
	require.NoError(t, err)
	require.Equal(t, 2, added)

	for _, did := range []string{"did:wba:c:carol", "did:wba:d:dave"} {
		p, ok, err := m.Get(did)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 0.2, p.Trust)
		require.Equal(t, "did:wba:b:bob", p.Source)
	}

	// Existing records are untouched.
	bob, _, err := m.Get("did:wba:b:bob")
	require.NoError(t, err)
	require.Equal(t, 0.5, bob.Trust)

	// Re-merging adds nothing.
	added, err = m.MergeGossip([]string{"did:wba:c:carol"}, "did:wba:b:bob")
	require.NoError(t, err)
	require.Zero(t, added)
}

func TestMergeGossipSkipsSelf(t *testing.T) {
	var m = testManager(t)
	added, err := m.MergeGossip(
		[]string{"did:wba:localhost%3A7777:me", "did:wba:c:carol"},
		"did:wba:b:bob",
	)
	require.NoError(t, err)
	require.Equal(t, 1, added)

	_, ok, err := m.Get("did:wba:localhost%3A7777:me")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDisplayName(t *testing.T) {
	var m = testManager(t)
	var _, err = m.AddManual("did:wba:a:alice", "la jefa")
	require.NoError(t, err)
	_, err = m.AddOrUpdate("did:wba:b:bob")
	require.NoError(t, err)

	require.Equal(t, "la jefa", m.DisplayName("did:wba:a:alice"))
	require.Equal(t, "@bob", m.DisplayName("did:wba:b:bob"))
	// Unknown but well-formed identifiers derive from the name segment.
	require.Equal(t, "@carol", m.DisplayName("did:wba:c:carol"))
	// Malformed identifiers pass through.
	require.Equal(t, "not-a-did", m.DisplayName("not-a-did"))
}

func TestBlockAndRemove(t *testing.T) {
	var m = testManager(t)
	require.NoError(t, m.Block("did:wba:a:alice"))

	p, ok, err := m.Get("did:wba:a:alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, p.Blocked)

	require.NoError(t, m.Remove("did:wba:a:alice"))
	_, ok, err = m.Get("did:wba:a:alice")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetAliasAndAutoApprove(t *testing.T) {
	var m = testManager(t)
	require.NoError(t, m.SetAlias("did:wba:a:alice", "ali"))
	require.NoError(t, m.SetAutoApprove("did:wba:a:alice", true))

	p, ok, err := m.Get("did:wba:a:alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ali", p.Alias)
	require.True(t, p.AutoApprove)
}
