package agent

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/animanet/anima/go/store"
)

func TestSigmoidMidpoint(t *testing.T) {
	require.Equal(t, 0.5, sigmoid(50, 50))
	require.Equal(t, 0.5, sigmoid(20, 20))
	require.Equal(t, 0.5, sigmoid(500, 500))
}

func TestMaturityFrom(t *testing.T) {
	// Every sigmoid evaluates to 1/(1+e^2) at zero, so an empty store
	// scores the same regardless of weights.
	require.InDelta(t, 0.1192, maturityFrom(0, 0, 0), 1e-9)

	// All counters at their midpoints.
	require.InDelta(t, 0.5, maturityFrom(50, 20, 500), 1e-9)

	// Saturation.
	require.Equal(t, 1.0, maturityFrom(100000, 100000, 1000000))
}

func TestMaturityMonotonic(t *testing.T) {
	var prev float64 = -1
	for _, corrections := range []int{0, 10, 50, 200, 1000} {
		var got = maturityFrom(corrections, 5, 100)
		require.Greater(t, got, prev, "corrections=%d", corrections)
		prev = got
	}
}

func TestMaturityBounds(t *testing.T) {
	for _, c := range []int{0, 1, 50, 10000} {
		for _, p := range []int{0, 20, 500} {
			var got = maturityFrom(c, p, c*10)
			require.GreaterOrEqual(t, got, 0.0)
			require.LessOrEqual(t, got, 1.0)
		}
	}
}

func TestMaturityLabel(t *testing.T) {
	var cases = []struct {
		score float64
		label string
	}{
		{0.0, "nascent"},
		{0.19, "nascent"},
		{0.2, "emerging"},
		{0.39, "emerging"},
		{0.4, "developing"},
		{0.59, "developing"},
		{0.6, "established"},
		{0.79, "established"},
		{0.8, "mature"},
		{1.0, "mature"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.label, MaturityLabel(tc.score), "score=%v", tc.score)
	}
}

func TestMaturityScoreReadsStore(t *testing.T) {
	var st = store.New(t.TempDir())
	require.NoError(t, st.Initialize(store.IdentityRecord{ID: "did:wba:example.com:n"}, 0))
	require.NoError(t, st.WriteContext(""))

	score, err := MaturityScore(st)
	require.NoError(t, err)
	require.InDelta(t, 0.1192, score, 1e-9)

	for i := 0; i < 10; i++ {
		require.NoError(t, st.AppendCorrection(store.Correction{
			Original: fmt.Sprintf("orig-%d", i),
			Edited:   fmt.Sprintf("edit-%d", i),
		}))
	}
	grown, err := MaturityScore(st)
	require.NoError(t, err)
	require.Greater(t, grown, score)
}
