// Package node assembles the store, queue, reasoning engine, and transport
// into one running agent and drives its service loops.
package node

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"
	"golang.org/x/sync/errgroup"

	"github.com/animanet/anima/go/agent"
	"github.com/animanet/anima/go/identity"
	"github.com/animanet/anima/go/message"
	"github.com/animanet/anima/go/peers"
	"github.com/animanet/anima/go/provider"
	"github.com/animanet/anima/go/queue"
	"github.com/animanet/anima/go/store"
	"github.com/animanet/anima/go/transport"
)

const (
	// Provider calls carry at most this many prior thread entries.
	historyDepth = 10

	gossipInterval    = 5 * time.Minute
	gossipMinTrust    = 0.4
	gossipConcurrency = 4

	// Pattern extraction runs once per this many journaled corrections.
	patternExtractionEvery = 5

	defaultRecentThreads = 20
	recentContentLimit   = 80
)

// Sender delivers signed envelopes to peers. *transport.Transport is the
// production implementation.
type Sender interface {
	Send(ctx context.Context, m *message.Envelope) bool
}

// Node is one running agent. Fields are populated by New and Start and
// are read-only afterwards.
type Node struct {
	Config   Config
	Store    *store.Store
	Peers    *peers.Manager
	Queue    *queue.Queue
	Engine   *agent.Engine
	Identity *identity.Identity
	Sender   Sender
}

// New builds a Node over the configured data directory. Identity, engine,
// and transport are established by Start.
func New(cfg Config) *Node {
	var st = store.New(cfg.DataDir)
	var pm = peers.NewManager(st)
	return &Node{
		Config: cfg,
		Store:  st,
		Peers:  pm,
		Queue:  queue.New(st, pm),
	}
}

// Start validates configuration, establishes the public URL, loads or
// mints the identity, initializes persistent state, and selects the
// reasoning provider. Service loops are queued separately via QueueTasks.
func (n *Node) Start(ctx context.Context) error {
	if err := n.Config.Validate(); err != nil {
		return err
	}

	if n.Config.PublicURL == "" && n.Config.AutoTunnel {
		var url = detectTunnel(ctx, ngrokAPI, n.Config.Port)
		if url == "" {
			url = startTunnel(ctx, n.Config.Port)
		}
		if url != "" {
			log.WithField("url", url).Info("tunnel established")
			n.Config.PublicURL = url
		}
	}

	var domain = n.Config.EffectiveDomain()
	var id, err = identity.LoadOrGenerate(n.Config.DataDir, n.Config.Name, domain)
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}
	host, err := identity.Host(id.DID)
	if err != nil {
		return fmt.Errorf("parsing identity %s: %w", id.DID, err)
	}
	if decoded := strings.ReplaceAll(domain, "%3A", ":"); host != decoded {
		log.WithFields(log.Fields{
			"did":  id.DID,
			"host": decoded,
		}).Info("reachable host changed; re-minting identifier")
		if err = id.UpdateHost(domain, n.Config.DataDir); err != nil {
			return fmt.Errorf("updating identity host: %w", err)
		}
	}
	n.Identity = id
	n.Peers.OwnDID = id.DID

	if err = n.Store.Initialize(store.IdentityRecord{
		ID:      id.DID,
		Name:    n.Config.Name,
		Created: time.Now().UTC().Format(time.RFC3339),
	}, n.Config.DonationPct); err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}
	// Keep the stored record in line with a re-minted identifier.
	if rec, err := n.Store.ReadIdentity(); err == nil && rec.ID != id.DID {
		rec.ID = id.DID
		if err = n.Store.WriteIdentity(rec); err != nil {
			return fmt.Errorf("updating identity record: %w", err)
		}
	}

	if n.Sender == nil {
		n.Sender = transport.New(id)
	}
	if n.Engine == nil {
		var p, err = provider.Detect(n.Config.Provider)
		if err != nil {
			return err
		}
		log.WithField("provider", p.Name()).Info("reasoning provider selected")
		n.Engine = agent.New(n.Store, p, strings.ReplaceAll(domain, "%3A", ":"))
	}

	restored, err := n.Queue.RestorePending()
	if err != nil {
		return fmt.Errorf("restoring pending reviews: %w", err)
	}
	if restored > 0 {
		log.WithField("count", restored).Info("restored pending reviews")
	}
	n.Queue.Subscribe(n.onQueueEvent)

	log.WithFields(log.Fields{
		"did":  id.DID,
		"port": n.Config.Port,
	}).Info("node started")
	return nil
}

// QueueTasks queues the inbound handler, outbound delivery, and gossip
// loops onto |tasks|, plus a one-shot introduction to any configured
// bootstrap peers.
func (n *Node) QueueTasks(tasks *task.Group) {
	tasks.Queue("node.inbound", func() error { return n.inboundLoop(tasks.Context()) })
	tasks.Queue("node.outbound", func() error { return n.outboundLoop(tasks.Context()) })
	tasks.Queue("node.gossip", func() error { return n.gossipLoop(tasks.Context()) })

	if len(n.Config.Bootstrap) != 0 {
		tasks.Queue("node.bootstrap", func() error {
			n.bootstrap(tasks.Context())
			return nil
		})
	}
}

func (n *Node) inboundLoop(ctx context.Context) error {
	for {
		var m, err = n.Queue.DequeueInbound(ctx)
		if err != nil {
			return nil
		}
		go n.HandleInbound(ctx, m)
	}
}

// HandleInbound runs the agent over one admitted message; the inbound
// loop spawns it per dequeued envelope. Failures leave the thread
// pending for the owner; they never stop the loop.
func (n *Node) HandleInbound(ctx context.Context, m *message.Envelope) {
	if m.Type == message.TypePeerIntro {
		n.handlePeerIntro(m)
		return
	}
	if m.Type == message.TypeCapacityStatus {
		// Advertised capacity is accepted but plays no role in admission.
		log.WithFields(log.Fields{
			"fromDID":      m.FromDID,
			"availablePct": m.AvailablePct,
		}).Debug("peer capacity noted")
		return
	}
	if err := n.Peers.RecordInteraction(m.FromDID, true); err != nil {
		log.WithFields(log.Fields{"fromDID": m.FromDID, "err": err}).Warn("failed to record interaction")
	}
	n.Queue.Emit(queue.EventAgentThinking, map[string]any{"thread_id": m.ThreadID})

	var history, err = n.threadHistory(m.ThreadID)
	if err != nil {
		log.WithFields(log.Fields{"threadID": m.ThreadID, "err": err}).Warn("failed to read thread history")
	}
	reply, err := n.Engine.Generate(ctx, m.Content, history, 0)
	if err != nil {
		log.WithFields(log.Fields{
			"threadID": m.ThreadID,
			"err":      err,
		}).Warn("reply generation failed; leaving thread for the owner")
		return
	}
	if err = n.Queue.SetProposedReply(m.ThreadID, reply); err != nil {
		log.WithFields(log.Fields{"threadID": m.ThreadID, "err": err}).Warn("failed to store proposed reply")
		return
	}

	if m.Status == message.StatusAutoApproved {
		if _, err = n.Queue.Approve(m.ThreadID, ""); err != nil {
			log.WithFields(log.Fields{"threadID": m.ThreadID, "err": err}).Warn("auto-approval failed")
			return
		}
		n.Queue.Emit(queue.EventAutoApproved, map[string]any{
			"thread_id":      m.ThreadID,
			"proposed_reply": reply,
		})
	} else {
		n.Queue.Emit(queue.EventReviewReady, map[string]any{
			"thread_id":      m.ThreadID,
			"proposed_reply": reply,
			"message":        m.Content,
		})
	}
}

func (n *Node) handlePeerIntro(m *message.Envelope) {
	var added, err = n.Peers.MergeGossip(m.KnownPeers, m.FromDID)
	if err != nil {
		log.WithFields(log.Fields{"fromDID": m.FromDID, "err": err}).Warn("failed to merge gossip")
		return
	}
	if err = n.Peers.RecordInteraction(m.FromDID, true); err != nil {
		log.WithFields(log.Fields{"fromDID": m.FromDID, "err": err}).Warn("failed to record interaction")
	}
	if added > 0 {
		log.WithFields(log.Fields{"fromDID": m.FromDID, "added": added}).Info("learned new peers from introduction")
	}
}

// threadHistory maps the most recent stored entries of a thread onto
// provider turns. Messages from the current identifier become assistant
// turns; entries written under a since re-minted identifier replay as
// user turns.
func (n *Node) threadHistory(threadID string) ([]provider.Turn, error) {
	var msgs, err = n.Store.ReadThread(threadID)
	if err != nil {
		return nil, err
	}
	if len(msgs) > historyDepth {
		msgs = msgs[len(msgs)-historyDepth:]
	}
	var turns []provider.Turn
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		var role = provider.RoleUser
		if m.FromDID == n.Identity.DID {
			role = provider.RoleAssistant
		}
		turns = append(turns, provider.Turn{Role: role, Content: m.Content})
	}
	return turns, nil
}

func (n *Node) outboundLoop(ctx context.Context) error {
	for {
		var m, err = n.Queue.DequeueOutbound(ctx)
		if err != nil {
			return nil
		}
		n.deliver(ctx, m)
	}
}

// deliver sends an approved reply over the wire. Queued entries are the
// original inbound envelopes annotated with the approved text, so the
// wire message is rebuilt with this node as sender.
func (n *Node) deliver(ctx context.Context, m *message.Envelope) {
	var to = m.FromDID
	if to == n.Identity.DID {
		to = m.ToDID
	}
	var out = message.New(message.TypeThreadMessage, n.Identity.DID, to, m.Content)
	out.ThreadID = m.ThreadID
	out.Status = message.StatusSent

	if !n.Sender.Send(ctx, out) {
		log.WithFields(log.Fields{
			"threadID": m.ThreadID,
			"toDID":    to,
		}).Warn("delivery failed; thread returned to review")
		if err := n.Queue.MarkStatus(m.ThreadID, message.StatusPendingHumanReview); err != nil {
			log.WithFields(log.Fields{"threadID": m.ThreadID, "err": err}).Warn("failed to mark thread pending")
		}
		if err := n.Peers.RecordInteraction(to, false); err != nil {
			log.WithFields(log.Fields{"toDID": to, "err": err}).Warn("failed to record interaction")
		}
		return
	}
	if err := n.Queue.MarkStatus(m.ThreadID, message.StatusSent); err != nil {
		log.WithFields(log.Fields{"threadID": m.ThreadID, "err": err}).Warn("failed to mark thread sent")
	}
	if err := n.Peers.RecordInteraction(to, true); err != nil {
		log.WithFields(log.Fields{"toDID": to, "err": err}).Warn("failed to record interaction")
	}
}

func (n *Node) gossipLoop(ctx context.Context) error {
	var ticker = time.NewTicker(gossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.gossipOnce(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// gossipOnce introduces this node to every sufficiently trusted peer,
// carrying a sample of known identifiers for the mesh to converge on.
func (n *Node) gossipOnce(ctx context.Context) {
	var trusted, err = n.Peers.TrustedPeers(gossipMinTrust)
	if err != nil {
		log.WithField("err", err).Warn("failed to list trusted peers")
		return
	}
	if len(trusted) == 0 {
		return
	}
	known, err := n.Peers.GossipPayload(0)
	if err != nil {
		log.WithField("err", err).Warn("failed to build gossip payload")
		return
	}

	var group = new(errgroup.Group)
	group.SetLimit(gossipConcurrency)
	for _, p := range trusted {
		var did = p.DID
		group.Go(func() error {
			if !n.Sender.Send(ctx, n.peerIntro(did, known)) {
				log.WithField("toDID", did).Debug("gossip delivery failed")
			}
			return nil
		})
	}
	_ = group.Wait()
	log.WithField("peers", len(trusted)).Debug("gossip round complete")
}

// bootstrap introduces this node to the owner-configured first peers.
func (n *Node) bootstrap(ctx context.Context) {
	var known, err = n.Peers.GossipPayload(0)
	if err != nil {
		log.WithField("err", err).Warn("failed to build gossip payload")
	}
	for _, did := range n.Config.Bootstrap {
		if did == n.Identity.DID {
			continue
		}
		if !identity.ValidDID(did) {
			log.WithField("did", did).Warn("skipping malformed bootstrap DID")
			continue
		}
		if _, err := n.Peers.AddManual(did, ""); err != nil {
			log.WithFields(log.Fields{"did": did, "err": err}).Warn("failed to record bootstrap peer")
			continue
		}
		if n.Sender.Send(ctx, n.peerIntro(did, known)) {
			log.WithField("did", did).Info("introduced this node to a bootstrap peer")
		} else {
			log.WithField("did", did).Warn("bootstrap introduction failed")
		}
	}
}

// peerIntro builds the introduction envelope for |toDID|.
func (n *Node) peerIntro(toDID string, known []string) *message.Envelope {
	var m = message.New(message.TypePeerIntro, n.Identity.DID, toDID, "")
	m.PublicKey = n.Identity.PublicKeyB64()
	m.KnownPeers = known
	return m
}

// SelfChat answers the owner directly, outside any peer thread.
func (n *Node) SelfChat(ctx context.Context, content string) (string, error) {
	return n.Engine.GenerateSelf(ctx, content)
}

// onQueueEvent watches the correction journal and periodically distills
// accumulated corrections into patterns.
func (n *Node) onQueueEvent(event string, data any) {
	if event != queue.EventCorrectionLogged {
		return
	}
	var fields, ok = data.(map[string]any)
	if !ok {
		return
	}
	count, ok := fields["count"].(int)
	if !ok || count == 0 || count%patternExtractionEvery != 0 {
		return
	}
	go n.runExtraction(context.Background())
}

func (n *Node) runExtraction(ctx context.Context) {
	var added, err = n.Engine.ExtractPatterns(ctx)
	if err != nil {
		log.WithField("err", err).Warn("pattern extraction failed")
		return
	}
	if added > 0 {
		n.Queue.Emit(queue.EventPatternsUpdated, map[string]any{"new_patterns": added})
	}
}

// BudgetStatus is the budget slice of the node snapshot.
type BudgetStatus struct {
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	Calls     int64 `json:"calls"`
}

// MaturitySnapshot pairs the maturity score with its coarse label.
type MaturitySnapshot struct {
	Score float64 `json:"score"`
	Label string  `json:"label"`
}

// Status is the owner-facing node snapshot served at /api/state.
type Status struct {
	DID         string           `json:"did"`
	DisplayName string           `json:"display_name"`
	Mood        string           `json:"mood"`
	AutoApprove bool             `json:"auto_approve"`
	Maturity    MaturitySnapshot `json:"maturity"`
	Budget      BudgetStatus     `json:"budget"`
	Peers       int              `json:"peers"`
	Pending     int              `json:"pending"`
	Patterns    int              `json:"patterns"`
	PublicURL   string           `json:"public_url"`
}

// State assembles the owner-facing snapshot.
func (n *Node) State() (*Status, error) {
	var budget, err = n.Store.ReadBudget()
	if err != nil {
		return nil, err
	}
	mood, err := n.Store.Mood()
	if err != nil {
		return nil, err
	}
	peerList, err := n.Peers.All()
	if err != nil {
		return nil, err
	}
	score, err := agent.MaturityScore(n.Store)
	if err != nil {
		return nil, err
	}
	patterns, err := n.Store.ReadPatterns()
	if err != nil {
		return nil, err
	}
	var remaining = budget.Limit() - budget.UsedTokens
	if remaining < 0 {
		remaining = 0
	}
	return &Status{
		DID:         n.Identity.DID,
		DisplayName: n.Config.Name,
		Mood:        mood,
		AutoApprove: budget.AutoApprove,
		Maturity:    MaturitySnapshot{Score: score, Label: agent.MaturityLabel(score)},
		Budget: BudgetStatus{
			Used:      budget.UsedTokens,
			Limit:     budget.Limit(),
			Remaining: remaining,
			Calls:     budget.CallsTotal,
		},
		Peers:     len(peerList),
		Pending:   n.Queue.PendingCount(),
		Patterns:  len(patterns),
		PublicURL: n.Config.PublicURL,
	}, nil
}

// ThreadSummary is one row of the recent-threads listing.
type ThreadSummary struct {
	ThreadID      string `json:"thread_id"`
	WithDID       string `json:"with_did"`
	Subject       string `json:"subject,omitempty"`
	LastMessage   string `json:"last_message"`
	LastTimestamp string `json:"last_timestamp"`
	Messages      int    `json:"messages"`
	Status        string `json:"status"`
}

// RecentThreads summarizes up to |limit| threads, most recent first.
// Empty threads are skipped.
func (n *Node) RecentThreads(limit int) ([]ThreadSummary, error) {
	if limit <= 0 {
		limit = defaultRecentThreads
	}
	var ids, err = n.Store.ListThreads()
	if err != nil {
		return nil, err
	}
	var out []ThreadSummary
	for _, id := range ids {
		msgs, err := n.Store.ReadThread(id)
		if err != nil || len(msgs) == 0 {
			continue
		}
		var first, last = msgs[0], msgs[len(msgs)-1]
		var with = first.FromDID
		if with == n.Identity.DID {
			with = first.ToDID
		}
		out = append(out, ThreadSummary{
			ThreadID:      id,
			WithDID:       with,
			Subject:       first.Subject,
			LastMessage:   truncate(last.Content, recentContentLimit),
			LastTimestamp: last.Timestamp,
			Messages:      len(msgs),
			Status:        string(last.Status),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastTimestamp > out[j].LastTimestamp })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func truncate(s string, max int) string {
	var r = []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
