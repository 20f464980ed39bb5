package store

import (
	"fmt"
	"time"
)

// Presence moods, controlling the admission policy.
const (
	MoodAvailable = "available"
	MoodModerate  = "moderate"
	MoodAbsent    = "absent"
	MoodDND       = "dnd"
)

// ValidMood reports membership in the closed mood set.
func ValidMood(mood string) bool {
	switch mood {
	case MoodAvailable, MoodModerate, MoodAbsent, MoodDND:
		return true
	}
	return false
}

const (
	defaultMonthlyLimit = 500_000
	defaultAutonomy     = 0.6
)

// Budget is the node's token accounting plus the owner settings that ride
// along in budget.json (mood and the global auto-approve flag).
type Budget struct {
	MonthlyLimitTokens int64   `json:"monthly_limit_tokens"`
	UsedTokens         int64   `json:"used_tokens"`
	DonationPct        int     `json:"donation_pct"`
	CallsTotal         int64   `json:"calls_total"`
	AutonomyThreshold  float64 `json:"autonomy_threshold"`
	LastReset          string  `json:"last_reset"`
	Mood               string  `json:"mood,omitempty"`
	AutoApprove        bool    `json:"auto_approve,omitempty"`
}

// Limit is the monthly token limit, falling back to the default when the
// stored value is unset.
func (b Budget) Limit() int64 {
	if b.MonthlyLimitTokens <= 0 {
		return defaultMonthlyLimit
	}
	return b.MonthlyLimitTokens
}

// Autonomy is the maturity threshold for unattended approval in moderate
// mood, falling back to the default when unset.
func (b Budget) Autonomy() float64 {
	if b.AutonomyThreshold <= 0 {
		return defaultAutonomy
	}
	return b.AutonomyThreshold
}

// Remaining is the token balance left this month, never negative.
func (b Budget) Remaining() int64 {
	if r := b.Limit() - b.UsedTokens; r > 0 {
		return r
	}
	return 0
}

func defaultBudget(donationPct int) Budget {
	return Budget{
		MonthlyLimitTokens: defaultMonthlyLimit,
		DonationPct:        donationPct,
		AutonomyThreshold:  defaultAutonomy,
		LastReset:          time.Now().UTC().Format(time.RFC3339),
		Mood:               MoodAvailable,
	}
}

// ReadBudget returns the budget after applying the monthly-reset rule: when
// last_reset falls in an earlier UTC month, counters zero and the reset
// stamp moves to now, and the file is rewritten before returning.
func (s *Store) ReadBudget() (Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b, err = s.loadBudget()
	if err != nil {
		return Budget{}, err
	}
	return *b, nil
}

// WriteBudget replaces budget.json.
func (s *Store) WriteBudget(b Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budget = &b
	return s.writeJSON("budget.json", &b)
}

// RecordUsage adds |tokens| to the used counter and increments the call
// counter.
func (s *Store) RecordUsage(tokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b, err = s.loadBudget()
	if err != nil {
		return err
	}
	b.UsedTokens += tokens
	b.CallsTotal++
	return s.writeJSON("budget.json", b)
}

// OverBudget reports whether monthly usage has reached the limit. The reset
// rule applies first, so a stale month never reads as exhausted.
func (s *Store) OverBudget() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b, err = s.loadBudget()
	if err != nil {
		return false, err
	}
	return b.UsedTokens >= b.Limit(), nil
}

// Mood returns the owner's presence mood, defaulting to available.
func (s *Store) Mood() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b, err = s.loadBudget()
	if err != nil {
		return "", err
	}
	if b.Mood == "" {
		return MoodAvailable, nil
	}
	return b.Mood, nil
}

// SetMood validates and persists the presence mood.
func (s *Store) SetMood(mood string) error {
	if !ValidMood(mood) {
		return fmt.Errorf("invalid mood %q", mood)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var b, err = s.loadBudget()
	if err != nil {
		return err
	}
	b.Mood = mood
	return s.writeJSON("budget.json", b)
}

// AutoApprove returns the global auto-approve flag.
func (s *Store) AutoApprove() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b, err = s.loadBudget()
	if err != nil {
		return false, err
	}
	return b.AutoApprove, nil
}

// SetAutoApprove persists the global auto-approve flag.
func (s *Store) SetAutoApprove(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b, err = s.loadBudget()
	if err != nil {
		return err
	}
	b.AutoApprove = enabled
	return s.writeJSON("budget.json", b)
}

// loadBudget returns the cached budget, reading budget.json on first use
// and applying the monthly-reset rule. Callers hold s.mu.
func (s *Store) loadBudget() (*Budget, error) {
	if s.budget == nil {
		var b Budget
		if err := s.readJSONOrEmpty("budget.json", &b); err != nil {
			return nil, err
		}
		s.budget = &b
	}

	if monthRolledOver(s.budget.LastReset) {
		s.budget.UsedTokens = 0
		s.budget.CallsTotal = 0
		s.budget.LastReset = time.Now().UTC().Format(time.RFC3339)
		if err := s.writeJSON("budget.json", s.budget); err != nil {
			return nil, err
		}
	}
	return s.budget, nil
}

// monthRolledOver reports whether |lastReset| falls in a UTC month earlier
// than the current one. Unparseable stamps never trigger a reset.
func monthRolledOver(lastReset string) bool {
	if lastReset == "" {
		return false
	}
	var t, err = time.Parse(time.RFC3339, lastReset)
	if err != nil {
		return false
	}
	t = t.UTC()
	var now = time.Now().UTC()
	return t.Year()*12+int(t.Month()) < now.Year()*12+int(now.Month())
}
