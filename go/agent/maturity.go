package agent

import (
	"math"
	"strings"

	"github.com/animanet/anima/go/store"
)

// Maturity blends three store counters into a scalar in [0, 1]: how many
// corrections the owner has logged, how many reasoning patterns have been
// extracted, and how many words of context have accumulated. Each counter
// passes through a sigmoid centered on its midpoint so early growth is
// steep and late growth saturates.
const (
	correctionsMidpoint  = 50
	patternsMidpoint     = 20
	contextWordsMidpoint = 500

	correctionsWeight = 0.40
	patternsWeight    = 0.35
	contextWeight     = 0.25
)

// MaturityScore computes the node's maturity from the store's current
// counters, rounded to four decimals.
func MaturityScore(st *store.Store) (float64, error) {
	corrections, err := st.ReadCorrections()
	if err != nil {
		return 0, err
	}
	patterns, err := st.ReadPatterns()
	if err != nil {
		return 0, err
	}
	context, err := st.ReadContext()
	if err != nil {
		return 0, err
	}
	return maturityFrom(len(corrections), len(patterns), len(strings.Fields(context))), nil
}

func maturityFrom(corrections, patterns, contextWords int) float64 {
	var score = correctionsWeight*sigmoid(float64(corrections), correctionsMidpoint) +
		patternsWeight*sigmoid(float64(patterns), patternsMidpoint) +
		contextWeight*sigmoid(float64(contextWords), contextWordsMidpoint)

	score = math.Max(0, math.Min(1, score))
	return math.Round(score*10000) / 10000
}

// sigmoid maps x onto (0, 1) with value 0.5 at the midpoint. The slope is
// tied to the midpoint so every counter saturates over a comparable span.
func sigmoid(x, midpoint float64) float64 {
	return 1 / (1 + math.Exp(-(x-midpoint)/(midpoint/2)))
}

// MaturityLabel names the band a score falls in.
func MaturityLabel(score float64) string {
	switch {
	case score < 0.2:
		return "nascent"
	case score < 0.4:
		return "emerging"
	case score < 0.6:
		return "developing"
	case score < 0.8:
		return "established"
	default:
		return "mature"
	}
}
