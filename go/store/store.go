// Package store persists all node state under a single root directory.
// Every other component mutates persisted bytes exclusively through a Store;
// writes are whole-file replacements and a single mutex serializes access.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Store reads and writes the node's persisted state.
type Store struct {
	dir string

	mu     sync.Mutex
	budget *Budget // write-through cache of budget.json
}

// New returns a Store rooted at |dir|. The directory is created on
// Initialize, not here.
func New(dir string) *Store { return &Store{dir: dir} }

// Dir is the store's root directory.
func (s *Store) Dir() string { return s.dir }

// IdentityRecord is the application-level identity record (identity.json).
// The cryptographic material lives under keys/ and did.json, managed by the
// identity package.
type IdentityRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Created string `json:"created,omitempty"`
}

// Pattern is one learned reply pattern.
type Pattern struct {
	Description string   `json:"description"`
	Examples    []string `json:"examples"`
	Confidence  float64  `json:"confidence"`
	ExtractedAt string   `json:"extracted_at,omitempty"`
}

// Correction records one owner approval of a proposed reply.
type Correction struct {
	Original  string `json:"original"`
	Edited    string `json:"edited"`
	ThreadID  string `json:"thread_id"`
	FromDID   string `json:"from_did"`
	Timestamp string `json:"timestamp"`
}

// Peer is one entry of the peer table.
type Peer struct {
	DID         string  `json:"did"`
	Trust       float64 `json:"trust"`
	FirstSeen   string  `json:"first_seen,omitempty"`
	LastUpdated string  `json:"last_updated,omitempty"`
	LastSeen    string  `json:"last_seen,omitempty"`
	Alias       string  `json:"alias,omitempty"`
	Blocked     bool    `json:"blocked,omitempty"`
	Messages    int     `json:"messages,omitempty"`
	Source      string  `json:"source,omitempty"`
	AutoApprove bool    `json:"auto_approve,omitempty"`
}

const defaultContext = `# Node context

This file accumulates knowledge about the node's owner.
It is edited automatically by the system and manually by the owner.
`

// Initialize creates the directory layout and every missing state file.
// Existing files are left untouched.
func (s *Store) Initialize(identity IdentityRecord, donationPct int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, dir := range []string{s.dir, filepath.Join(s.dir, "threads"), filepath.Join(s.dir, "keys")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	if !s.exists("identity.json") {
		if err := s.writeJSON("identity.json", identity); err != nil {
			return err
		}
	}
	if !s.exists("patterns.json") {
		if err := s.writeJSON("patterns.json", []Pattern{}); err != nil {
			return err
		}
	}
	if !s.exists("context.md") {
		if err := s.writeFile("context.md", []byte(defaultContext)); err != nil {
			return err
		}
	}
	if !s.exists("corrections.log") {
		if err := s.writeFile("corrections.log", nil); err != nil {
			return err
		}
	}
	if !s.exists("peers.json") {
		if err := s.writeJSON("peers.json", []Peer{}); err != nil {
			return err
		}
	}
	if !s.exists("budget.json") {
		var b = defaultBudget(donationPct)
		if err := s.writeJSON("budget.json", &b); err != nil {
			return err
		}
		s.budget = &b
	}
	return nil
}

// ReadIdentity returns identity.json, or an error when it is absent.
func (s *Store) ReadIdentity() (IdentityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec IdentityRecord
	if err := s.readJSON("identity.json", &rec); err != nil {
		return rec, fmt.Errorf("reading identity record: %w", err)
	}
	return rec, nil
}

// WriteIdentity replaces identity.json.
func (s *Store) WriteIdentity(rec IdentityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON("identity.json", rec)
}

// ReadDIDDocument returns the published DID document verbatim. The document
// is written by the identity package when keys are saved or the host
// changes.
func (s *Store) ReadDIDDocument() (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw, err = os.ReadFile(filepath.Join(s.dir, "did.json"))
	if err != nil {
		return nil, fmt.Errorf("reading DID document: %w", err)
	}
	return raw, nil
}

// ReadPatterns returns all learned patterns; an absent file is empty.
func (s *Store) ReadPatterns() ([]Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readPatterns()
}

func (s *Store) readPatterns() ([]Pattern, error) {
	var patterns []Pattern
	if err := s.readJSONOrEmpty("patterns.json", &patterns); err != nil {
		return nil, err
	}
	return patterns, nil
}

// WritePatterns replaces the pattern list.
func (s *Store) WritePatterns(patterns []Pattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if patterns == nil {
		patterns = []Pattern{}
	}
	return s.writeJSON("patterns.json", patterns)
}

// AddPattern appends |p| unless a pattern with the same case-folded
// description exists. It reports whether the pattern was added.
func (s *Store) AddPattern(p Pattern) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var patterns, err = s.readPatterns()
	if err != nil {
		return false, err
	}
	for _, have := range patterns {
		if strings.EqualFold(have.Description, p.Description) {
			return false, nil
		}
	}
	patterns = append(patterns, p)
	return true, s.writeJSON("patterns.json", patterns)
}

// ReadContext returns context.md; an absent file is the empty string.
func (s *Store) ReadContext() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw, err = os.ReadFile(filepath.Join(s.dir, "context.md"))
	if os.IsNotExist(err) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("reading context: %w", err)
	}
	return string(raw), nil
}

// WriteContext replaces context.md.
func (s *Store) WriteContext(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeFile("context.md", []byte(content))
}

// AppendContext adds a titled section to context.md.
func (s *Store) AppendContext(section, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw, err = os.ReadFile(filepath.Join(s.dir, "context.md"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading context: %w", err)
	}
	var next = fmt.Sprintf("%s\n## %s\n\n%s\n", string(raw), section, content)
	return s.writeFile("context.md", []byte(next))
}

// AppendCorrection appends one NDJSON line to corrections.log, stamping the
// timestamp if the caller left it empty.
func (s *Store) AppendCorrection(c Correction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Timestamp == "" {
		c.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	var line, err = json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling correction: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(s.dir, "corrections.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening corrections log: %w", err)
	}
	defer f.Close()

	if _, err = f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending correction: %w", err)
	}
	return nil
}

// ReadCorrections returns every journal entry; an absent file is empty.
func (s *Store) ReadCorrections() ([]Correction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw, err = os.ReadFile(filepath.Join(s.dir, "corrections.log"))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading corrections log: %w", err)
	}

	var out []Correction
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var c Correction
		if err = json.Unmarshal([]byte(line), &c); err != nil {
			return nil, fmt.Errorf("decoding correction line: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// ReadPeers returns the peer table; an absent file is empty.
func (s *Store) ReadPeers() ([]Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readPeers()
}

func (s *Store) readPeers() ([]Peer, error) {
	var peers []Peer
	if err := s.readJSONOrEmpty("peers.json", &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

// WritePeers replaces the peer table.
func (s *Store) WritePeers(peers []Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writePeers(peers)
}

func (s *Store) writePeers(peers []Peer) error {
	if peers == nil {
		peers = []Peer{}
	}
	return s.writeJSON("peers.json", peers)
}

// UpsertPeer replaces the record keyed by |p.DID|, or appends it.
func (s *Store) UpsertPeer(p Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var peers, err = s.readPeers()
	if err != nil {
		return err
	}
	for i := range peers {
		if peers[i].DID == p.DID {
			peers[i] = p
			return s.writePeers(peers)
		}
	}
	return s.writePeers(append(peers, p))
}

// GetPeer returns the record for |did| and whether it exists.
func (s *Store) GetPeer(did string) (Peer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var peers, err = s.readPeers()
	if err != nil {
		return Peer{}, false, err
	}
	for _, p := range peers {
		if p.DID == did {
			return p, true, nil
		}
	}
	return Peer{}, false, nil
}

// DeletePeer removes the record for |did|, if present.
func (s *Store) DeletePeer(did string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var peers, err = s.readPeers()
	if err != nil {
		return err
	}
	var kept = peers[:0]
	for _, p := range peers {
		if p.DID != did {
			kept = append(kept, p)
		}
	}
	return s.writePeers(kept)
}

// --- file helpers (callers hold s.mu) ---

func (s *Store) exists(name string) bool {
	var _, err = os.Stat(filepath.Join(s.dir, name))
	return err == nil
}

func (s *Store) writeFile(name string, data []byte) error {
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

func (s *Store) writeJSON(name string, v any) error {
	var data, err = json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", name, err)
	}
	return s.writeFile(name, data)
}

func (s *Store) readJSON(name string, v any) error {
	var raw, err = os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return err
	}
	if err = json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding %s: %w", name, err)
	}
	return nil
}

// readJSONOrEmpty leaves |v| untouched when the file does not exist.
func (s *Store) readJSONOrEmpty(name string, v any) error {
	var err = s.readJSON(name, v)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	return nil
}
