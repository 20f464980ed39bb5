package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/animanet/anima/go/store"
)

const (
	recentCorrections = 5
	extractMaxTokens  = 1024
)

const extractionPromptTemplate = `Analyze the following corrections the node owner made to the agent's proposed replies.
Each correction has 'original' (what the agent proposed) and 'edited' (what the owner approved).

Corrections:
%s

Extract concrete reasoning patterns. A pattern captures ONE consistent way the owner adjusts replies: preferred tone, level of detail, values they emphasize, topics they avoid, and so on.

Respond ONLY with a JSON array of objects with this exact structure:
[
  {
    "description": "short description of the pattern (one sentence)",
    "examples": ["example of original -> edited", ...],
    "confidence": 0.0-1.0
  }
]

If no clear patterns emerge, respond with [].
Do not include any explanation outside the JSON.`

// ExtractPatterns analyzes the most recent corrections and distills new
// reasoning patterns into the store. Corrections where the owner approved
// the proposal untouched carry no signal and are skipped. Returns the
// number of patterns added. Garbage model output logs a warning and adds
// nothing.
func (e *Engine) ExtractPatterns(ctx context.Context) (int, error) {
	corrections, err := e.store.ReadCorrections()
	if err != nil {
		return 0, err
	}
	if len(corrections) == 0 {
		return 0, nil
	}

	var recent = corrections
	if len(recent) > recentCorrections {
		recent = recent[len(recent)-recentCorrections:]
	}

	type pair struct {
		Original string `json:"original"`
		Edited   string `json:"edited"`
	}
	var meaningful []pair
	for _, c := range recent {
		if c.Original != "" && c.Edited != "" && c.Original != c.Edited {
			meaningful = append(meaningful, pair{c.Original, c.Edited})
		}
	}
	if len(meaningful) == 0 {
		return 0, nil
	}

	encoded, err := json.MarshalIndent(meaningful, "", "  ")
	if err != nil {
		panic(err) // Marshal of string pairs cannot fail.
	}

	raw, err := e.Generate(ctx, fmt.Sprintf(extractionPromptTemplate, encoded), nil, extractMaxTokens)
	if err != nil {
		log.WithFields(log.Fields{"err": err}).Warn("pattern extraction call failed")
		return 0, nil
	}

	var incoming []struct {
		Description string   `json:"description"`
		Examples    []string `json:"examples"`
		Confidence  *float64 `json:"confidence"`
	}
	if err = json.Unmarshal([]byte(stripFences(strings.TrimSpace(raw))), &incoming); err != nil {
		log.WithFields(log.Fields{"err": err}).Warn("pattern extraction returned unparseable output")
		return 0, nil
	}
	if len(incoming) == 0 {
		return 0, nil
	}

	existing, err := e.store.ReadPatterns()
	if err != nil {
		return 0, err
	}
	var seen = make(map[string]bool, len(existing))
	for _, p := range existing {
		seen[strings.ToLower(p.Description)] = true
	}

	var now = time.Now().UTC().Format(time.RFC3339)
	var added int
	for _, in := range incoming {
		var key = strings.ToLower(in.Description)
		if key == "" || seen[key] {
			continue
		}
		var confidence = 0.5
		if in.Confidence != nil {
			confidence = *in.Confidence
		}
		var examples = in.Examples
		if examples == nil {
			examples = []string{}
		}
		existing = append(existing, store.Pattern{
			Description: in.Description,
			Examples:    examples,
			Confidence:  confidence,
			ExtractedAt: now,
		})
		seen[key] = true
		added++
	}
	if added == 0 {
		return 0, nil
	}
	if err = e.store.WritePatterns(existing); err != nil {
		return 0, err
	}

	log.WithFields(log.Fields{"added": added, "total": len(existing)}).
		Info("extracted new reasoning patterns")
	return added, nil
}

// stripFences removes a wrapping markdown code fence, which models love
// to add despite instructions.
func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	var lines = strings.Split(text, "\n")
	if len(lines) > 1 && lines[len(lines)-1] == "```" {
		lines = lines[1 : len(lines)-1]
	} else {
		lines = lines[1:]
	}
	return strings.Join(lines, "\n")
}
