// Package peers manages the peer table: trust scoring, interaction history,
// and the gossip exchange of known identifiers.
package peers

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animanet/anima/go/store"
)

const (
	defaultTrust = 0.5
	// Trust assigned when the owner adds a peer by hand.
	manualTrust = 0.3
	// Trust assigned to peers learned through gossip.
	gossipTrust = 0.2
	// Peers at or above this trust are shared and gossiped to.
	gossipMinTrust = 0.4
)

// Manager mutates the persisted peer table. OwnDID, when set, is excluded
// from gossip merges so a node never records itself as a peer.
type Manager struct {
	OwnDID string

	store *store.Store
	mu    sync.Mutex
}

// NewManager returns a Manager over |s|.
func NewManager(s *store.Store) *Manager { return &Manager{store: s} }

// All returns every peer record.
func (m *Manager) All() ([]store.Peer, error) { return m.store.ReadPeers() }

// Get returns the record for |did| and whether it exists.
func (m *Manager) Get(did string) (store.Peer, bool, error) { return m.store.GetPeer(did) }

// upsert atomically reads, mutates and writes one record. Absent records
// are created with |baseTrust| before |mutate| runs.
func (m *Manager) upsert(did string, baseTrust float64, mutate func(*store.Peer)) (store.Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var now = time.Now().UTC().Format(time.RFC3339)
	var p, ok, err = m.store.GetPeer(did)
	if err != nil {
		return store.Peer{}, err
	}
	if !ok {
		p = store.Peer{DID: did, Trust: baseTrust, FirstSeen: now}
	}
	if mutate != nil {
		mutate(&p)
	}
	p.LastUpdated = now
	return p, m.store.UpsertPeer(p)
}

// AddOrUpdate ensures a record exists for |did|, creating it at the default
// trust.
func (m *Manager) AddOrUpdate(did string) (store.Peer, error) {
	return m.upsert(did, defaultTrust, nil)
}

// AddManual registers a peer the owner added by hand: trust 0.3 and the
// given alias, overwriting any prior trust.
func (m *Manager) AddManual(did, alias string) (store.Peer, error) {
	return m.upsert(did, manualTrust, func(p *store.Peer) {
		p.Trust = manualTrust
		if alias != "" {
			p.Alias = alias
		}
	})
}

// Remove deletes the record for |did|.
func (m *Manager) Remove(did string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.DeletePeer(did)
}

// Block marks |did| as blocked, creating the record if needed.
func (m *Manager) Block(did string) error {
	var _, err = m.upsert(did, defaultTrust, func(p *store.Peer) { p.Blocked = true })
	return err
}

// SetAlias updates the owner-facing alias of |did|.
func (m *Manager) SetAlias(did, alias string) error {
	var _, err = m.upsert(did, defaultTrust, func(p *store.Peer) { p.Alias = alias })
	return err
}

// SetAutoApprove toggles unattended approval for one peer.
func (m *Manager) SetAutoApprove(did string, enabled bool) error {
	var _, err = m.upsert(did, defaultTrust, func(p *store.Peer) { p.AutoApprove = enabled })
	return err
}

// AdjustTrust shifts the trust of |did| by |delta|, clamped to [0, 1], and
// returns the new score. Unknown peers start from the default trust.
func (m *Manager) AdjustTrust(did string, delta float64) (float64, error) {
	var p, err = m.upsert(did, defaultTrust, func(p *store.Peer) {
		p.Trust = clampTrust(p.Trust + delta)
	})
	return p.Trust, err
}

// RecordInteraction notes one exchange with a peer: +0.02 trust on success,
// -0.05 on failure, message counter and last-seen stamped.
func (m *Manager) RecordInteraction(did string, successful bool) error {
	var delta = 0.02
	if !successful {
		delta = -0.05
	}
	var _, err = m.upsert(did, defaultTrust, func(p *store.Peer) {
		p.Trust = clampTrust(p.Trust + delta)
		p.Messages++
		p.LastSeen = time.Now().UTC().Format(time.RFC3339)
	})
	return err
}

// TrustedPeers returns peers with trust at or above |min|.
func (m *Manager) TrustedPeers(min float64) ([]store.Peer, error) {
	var all, err = m.All()
	if err != nil {
		return nil, err
	}
	var out []store.Peer
	for _, p := range all {
		if p.Trust >= min {
			out = append(out, p)
		}
	}
	return out, nil
}

// GossipPayload selects up to |max| identifiers to share: peers with trust
// >= 0.4, highest trust first. A non-positive |max| means the default 20.
func (m *Manager) GossipPayload(max int) ([]string, error) {
	if max <= 0 {
		max = 20
	}
	var trusted, err = m.TrustedPeers(gossipMinTrust)
	if err != nil {
		return nil, err
	}
	sort.Slice(trusted, func(i, j int) bool { return trusted[i].Trust > trusted[j].Trust })

	var dids []string
	for _, p := range trusted {
		if len(dids) == max {
			break
		}
		dids = append(dids, p.DID)
	}
	return dids, nil
}

// MergeGossip inserts previously-unknown identifiers from a peer's intro at
// gossip trust, recording who told us. The source itself and this node are
// skipped. Returns the count of new records.
func (m *Manager) MergeGossip(incoming []string, sourceDID string) (int, error) {
	var added = 0
	for _, did := range incoming {
		if did == sourceDID || (m.OwnDID != "" && did == m.OwnDID) {
			continue
		}
		var _, ok, err = m.Get(did)
		if err != nil {
			return added, err
		}
		if ok {
			continue
		}
		if _, err = m.upsert(did, gossipTrust, func(p *store.Peer) {
			p.Source = sourceDID
		}); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// DisplayName prefers the peer's alias, then "@<name>" from the identifier,
// then the identifier itself.
func (m *Manager) DisplayName(did string) string {
	if p, ok, err := m.Get(did); err == nil && ok && p.Alias != "" {
		return p.Alias
	}
	if parts := strings.Split(did, ":"); len(parts) >= 4 {
		return "@" + parts[len(parts)-1]
	}
	return did
}

func clampTrust(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
