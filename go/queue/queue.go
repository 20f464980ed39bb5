// Package queue routes inbound messages through the admission policy,
// holds messages awaiting the owner's review, and feeds approved replies
// to the outbound sender. It is also the node's event bus: every state
// transition is emitted to subscribers so UI connections can follow along.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/animanet/anima/go/agent"
	"github.com/animanet/anima/go/message"
	"github.com/animanet/anima/go/peers"
	"github.com/animanet/anima/go/store"
)

// Events emitted on the queue's bus. Data payloads are either a full
// *message.Envelope or a small map, depending on the event.
const (
	EventInboundMessage     = "inbound_message"
	EventAgentThinking      = "agent_thinking"
	EventReviewReady        = "review_ready"
	EventAutoApproved       = "auto_approved"
	EventApproved           = "approved"
	EventRejected           = "rejected"
	EventStatusChanged      = "status_changed"
	EventOutboundQueued     = "outbound_queued"
	EventCorrectionLogged   = "correction_logged"
	EventMoodChanged        = "mood_changed"
	EventPeerBlocked        = "peer_blocked"
	EventAutoApproveChanged = "auto_approve_changed"
	EventPatternsUpdated    = "patterns_updated"
)

// Trust floors of the admission rules.
const (
	availableMinTrust = 0.3
	moderateMinTrust  = 0.5
)

const channelDepth = 256

// Queue owns the inbound and outbound channels plus the pending map.
// The pending map holds every routed message until it is approved or
// rejected, including auto-approved ones that are still being handled.
type Queue struct {
	store *store.Store
	peers *peers.Manager

	inbound  chan *message.Envelope
	outbound chan *message.Envelope

	mu      sync.Mutex
	pending map[string]*message.Envelope
	subs    []func(event string, data any)
}

func New(st *store.Store, pm *peers.Manager) *Queue {
	return &Queue{
		store:    st,
		peers:    pm,
		inbound:  make(chan *message.Envelope, channelDepth),
		outbound: make(chan *message.Envelope, channelDepth),
		pending:  make(map[string]*message.Envelope),
	}
}

// Subscribe registers a callback invoked with every emitted event.
// Callbacks run on the emitting goroutine and must not block.
func (q *Queue) Subscribe(fn func(event string, data any)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subs = append(q.subs, fn)
}

// Emit broadcasts an event to all subscribers.
func (q *Queue) Emit(event string, data any) {
	q.mu.Lock()
	var subs = append([]func(string, any){}, q.subs...)
	q.mu.Unlock()
	for _, fn := range subs {
		fn(event, data)
	}
}

// Classify applies the admission rules in order and returns the status a
// message enters the queue with. A StatusRejected result means the
// message is persisted and dropped without queueing.
//
// The rules, first match wins: blocked sender; dnd mood; auto-approve
// (global flag or per-peer); available mood with minimum trust; moderate
// mood with maturity at or above the autonomy threshold and high trust;
// everything else waits for the owner.
func Classify(mood string, blocked, autoApprove bool, trust, maturity, threshold float64) message.Status {
	switch {
	case blocked:
		return message.StatusRejected
	case mood == store.MoodDND:
		return message.StatusRejected
	case autoApprove:
		return message.StatusAutoApproved
	case mood == store.MoodAvailable && trust >= availableMinTrust:
		return message.StatusAutoApproved
	case mood == store.MoodModerate && maturity >= threshold && trust >= moderateMinTrust:
		return message.StatusAutoApproved
	default:
		return message.StatusPendingHumanReview
	}
}

// EnqueueInbound classifies a received message, persists it to its
// thread, and queues it for processing. Rejected messages are persisted
// but never queued. Service messages (introductions, capacity reports)
// carry no conversational content; they bypass admission, are never
// persisted to a thread, and are dropped outright from blocked peers.
func (q *Queue) EnqueueInbound(m *message.Envelope) error {
	if m.ThreadID == "" {
		m.ThreadID = uuid.NewString()
	}

	if m.Type == message.TypePeerIntro || m.Type == message.TypeCapacityStatus {
		var peer, known, err = q.peers.Get(m.FromDID)
		if err != nil {
			return err
		}
		if known && peer.Blocked {
			return nil
		}
		q.inbound <- m
		return nil
	}

	mood, err := q.store.Mood()
	if err != nil {
		return err
	}
	peer, known, err := q.peers.Get(m.FromDID)
	if err != nil {
		return err
	}
	globalAuto, err := q.store.AutoApprove()
	if err != nil {
		return err
	}

	var trust float64
	if known {
		trust = peer.Trust
	}
	var blocked = known && peer.Blocked
	var auto = globalAuto || (known && peer.AutoApprove)

	// Maturity is only consulted by the moderate rule; skip the store
	// reads otherwise.
	var maturity, threshold float64
	if !blocked && !auto && mood == store.MoodModerate {
		if maturity, err = agent.MaturityScore(q.store); err != nil {
			return err
		}
		budget, err := q.store.ReadBudget()
		if err != nil {
			return err
		}
		threshold = budget.Autonomy()
	}

	m.Status = Classify(mood, blocked, auto, trust, maturity, threshold)

	if m.Status == message.StatusRejected {
		if err := q.store.AppendThread(m.ThreadID, m); err != nil {
			return err
		}
		q.Emit(EventRejected, map[string]any{"thread_id": m.ThreadID})
		return nil
	}

	if err := q.store.AppendThread(m.ThreadID, m); err != nil {
		return err
	}

	q.mu.Lock()
	q.pending[m.ThreadID] = m
	q.mu.Unlock()

	select {
	case q.inbound <- m:
	default:
		log.WithFields(log.Fields{"threadID": m.ThreadID}).
			Warn("inbound channel is full; handler backlog")
		q.inbound <- m
	}
	q.Emit(EventInboundMessage, m.Clone())
	return nil
}

// DequeueInbound blocks until the next inbound message or cancellation.
func (q *Queue) DequeueInbound(ctx context.Context) (*message.Envelope, error) {
	select {
	case m := <-q.inbound:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EnqueueOutbound persists a message to its thread and queues it for the
// sender loop.
func (q *Queue) EnqueueOutbound(m *message.Envelope) error {
	if m.ThreadID == "" {
		m.ThreadID = uuid.NewString()
	}
	if err := q.store.AppendThread(m.ThreadID, m); err != nil {
		return err
	}
	q.outbound <- m
	q.Emit(EventOutboundQueued, m.Clone())
	return nil
}

// DequeueOutbound blocks until the next outbound message or cancellation.
func (q *Queue) DequeueOutbound(ctx context.Context) (*message.Envelope, error) {
	select {
	case m := <-q.outbound:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PeekPending returns copies of the messages still awaiting the owner,
// oldest first.
func (q *Queue) PeekPending() []*message.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*message.Envelope
	for _, m := range q.pending {
		if m.Status == message.StatusPendingHumanReview {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// GetPending returns a copy of one tracked message without removing it.
func (q *Queue) GetPending(threadID string) (*message.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m, ok := q.pending[threadID]; ok {
		return m.Clone(), true
	}
	return nil, false
}

// PendingCount is the number of tracked messages, auto-approved included.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// SetProposedReply annotates the tracked message and its stored thread
// entries with the agent's proposed reply.
func (q *Queue) SetProposedReply(threadID, reply string) error {
	q.mu.Lock()
	if m, ok := q.pending[threadID]; ok {
		m.ProposedReply = reply
	}
	q.mu.Unlock()

	msgs, err := q.store.ReadThread(threadID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.ThreadID == threadID {
			m.ProposedReply = reply
		}
	}
	return q.store.WriteThread(threadID, msgs)
}

// MarkStatus updates the status of a thread's messages in memory and on
// disk and emits status_changed.
func (q *Queue) MarkStatus(threadID string, status message.Status) error {
	q.mu.Lock()
	if m, ok := q.pending[threadID]; ok {
		m.Status = status
	}
	q.mu.Unlock()

	msgs, err := q.store.ReadThread(threadID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.ThreadID == threadID {
			m.Status = status
		}
	}
	if err := q.store.WriteThread(threadID, msgs); err != nil {
		return err
	}
	q.Emit(EventStatusChanged, map[string]any{"thread_id": threadID, "status": string(status)})
	return nil
}

// Approve releases a tracked message: the proposed (or edited) reply
// becomes the outgoing content, a correction is journaled, the stored
// conversation is marked answered, and the reply is appended as an
// approved entry on its way to the outbound channel. Returns (nil, nil)
// when the thread is not tracked. An empty editedReply approves the
// proposal untouched.
func (q *Queue) Approve(threadID, editedReply string) (*message.Envelope, error) {
	q.mu.Lock()
	m, ok := q.pending[threadID]
	if !ok {
		q.mu.Unlock()
		return nil, nil
	}
	delete(q.pending, threadID)
	q.mu.Unlock()

	var proposed = m.ProposedReply
	var final = editedReply
	if final == "" {
		final = proposed
	}

	// Every approval of a proposed reply is a correction; an untouched
	// approval still counts for maturity accounting.
	if proposed != "" {
		var c = store.Correction{
			Original: proposed,
			Edited:   final,
			ThreadID: threadID,
			FromDID:  m.FromDID,
		}
		if err := q.store.AppendCorrection(c); err != nil {
			return nil, fmt.Errorf("journaling correction: %w", err)
		}
		corrections, err := q.store.ReadCorrections()
		if err != nil {
			return nil, err
		}
		q.Emit(EventCorrectionLogged, map[string]any{
			"count":     len(corrections),
			"thread_id": threadID,
		})
	}

	if final != "" {
		m.Content = final
	}
	if err := q.MarkStatus(threadID, message.StatusAnswered); err != nil {
		return nil, err
	}
	m.Status = message.StatusApproved
	if err := q.EnqueueOutbound(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Reject drops a tracked message and marks its thread rejected. Marking
// applies even when the thread is no longer tracked.
func (q *Queue) Reject(threadID string) error {
	q.mu.Lock()
	delete(q.pending, threadID)
	q.mu.Unlock()
	return q.MarkStatus(threadID, message.StatusRejected)
}

// RestorePending reloads messages awaiting review from thread files,
// called once at startup. Returns the number restored.
func (q *Queue) RestorePending() (int, error) {
	ids, err := q.store.ListThreads()
	if err != nil {
		return 0, err
	}

	var restored int
	for _, id := range ids {
		msgs, err := q.store.ReadThread(id)
		if err != nil {
			return restored, err
		}
		if len(msgs) == 0 {
			continue
		}
		var last = msgs[len(msgs)-1]
		if last.Status == message.StatusPendingHumanReview {
			q.mu.Lock()
			q.pending[id] = last
			q.mu.Unlock()
			restored++
		}
	}
	return restored, nil
}
