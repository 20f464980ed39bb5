package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/animanet/anima/go/identity"
	"github.com/animanet/anima/go/message"
	"github.com/animanet/anima/go/node"
	"github.com/animanet/anima/go/queue"
	"github.com/animanet/anima/go/store"
)

// These tests run the full wire path: envelopes signed by a remote
// identity, verified against its published DID document, then processed
// exactly as the node's inbound loop would process them.

// newWireServer serves a node behind the production transport verifier.
func newWireServer(t *testing.T) (*httptest.Server, *node.Node, *eventLog) {
	t.Helper()
	var n, _, _ = newTestNode(t)
	var ts = httptest.NewServer(New(n, nil))
	t.Cleanup(ts.Close)

	var events = &eventLog{}
	n.Queue.Subscribe(events.record)
	return ts, n, events
}

// newPeerIdentity mints a remote identity and publishes its DID document
// on a local listener, so signature verification can resolve it.
func newPeerIdentity(t *testing.T, name string) *identity.Identity {
	t.Helper()
	var id *identity.Identity
	var ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/did.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(id.Document())
	}))
	t.Cleanup(ts.Close)

	var host = strings.ReplaceAll(strings.TrimPrefix(ts.URL, "http://"), ":", "%3A")
	var err error
	id, err = identity.Generate(name, host)
	require.NoError(t, err)
	return id
}

func signedBody(t *testing.T, id *identity.Identity, m *message.Envelope) string {
	t.Helper()
	m.Signature = id.Sign(m.SignableBytes())
	var body, err = json.Marshal(m)
	require.NoError(t, err)
	return string(body)
}

func drainInbound(t *testing.T, n *node.Node) *message.Envelope {
	t.Helper()
	var ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var m, err = n.Queue.DequeueInbound(ctx)
	require.NoError(t, err)
	return m
}

func drainOutbound(t *testing.T, n *node.Node) *message.Envelope {
	t.Helper()
	var ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var m, err = n.Queue.DequeueOutbound(ctx)
	require.NoError(t, err)
	return m
}

func requireNoOutbound(t *testing.T, n *node.Node) {
	t.Helper()
	var ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var _, err = n.Queue.DequeueOutbound(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWireFirstContact(t *testing.T) {
	var ts, n, events = newWireServer(t)
	var bob = newPeerIdentity(t, "bob")

	var m = message.New(message.TypeThreadMessage, bob.DID, n.Identity.DID, "Hola, soy Bob")
	var resp = post(t, ts.URL+"/anp/message", signedBody(t, bob, m))
	require.Equal(t, 200, resp.StatusCode)

	var out struct {
		Status   string `json:"status"`
		ThreadID string `json:"thread_id"`
	}
	decodeBody(t, resp, &out)
	require.Equal(t, "received", out.Status)
	require.Equal(t, m.ThreadID, out.ThreadID)
	require.Equal(t, 1, n.Queue.PendingCount())

	n.HandleInbound(context.Background(), drainInbound(t, n))

	pending, ok := n.Queue.GetPending(m.ThreadID)
	require.True(t, ok)
	require.Equal(t, message.StatusPendingHumanReview, pending.Status)
	require.Equal(t, "a proposed reply", pending.ProposedReply)

	require.Equal(t, []string{
		queue.EventInboundMessage,
		queue.EventAgentThinking,
		queue.EventReviewReady,
	}, events.all())
}

func TestWireApproveWithEdit(t *testing.T) {
	var ts, n, events = newWireServer(t)
	var bob = newPeerIdentity(t, "bob")

	var m = message.New(message.TypeThreadMessage, bob.DID, n.Identity.DID, "Hola")
	var resp = post(t, ts.URL+"/anp/message", signedBody(t, bob, m))
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()
	n.HandleInbound(context.Background(), drainInbound(t, n))

	resp = post(t, ts.URL+"/api/approve",
		fmt.Sprintf(`{"thread_id": %q, "edited_content": "Hola Bob"}`, m.ThreadID))
	require.Equal(t, 200, resp.StatusCode)
	var released message.Envelope
	decodeBody(t, resp, &released)
	require.Equal(t, "Hola Bob", released.Content)
	require.Equal(t, message.StatusApproved, released.Status)
	require.Zero(t, n.Queue.PendingCount())

	// The conversation carries the answered inbound entry plus the
	// approved reply.
	msgs, err := n.Store.ReadThread(m.ThreadID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, message.StatusAnswered, msgs[0].Status)
	require.Equal(t, "Hola Bob", msgs[1].Content)
	require.Equal(t, message.StatusApproved, msgs[1].Status)

	corrections, err := n.Store.ReadCorrections()
	require.NoError(t, err)
	require.Len(t, corrections, 1)
	require.Equal(t, "a proposed reply", corrections[0].Original)
	require.Equal(t, "Hola Bob", corrections[0].Edited)

	require.Equal(t, "Hola Bob", drainOutbound(t, n).Content)
	require.Contains(t, events.all(), queue.EventApproved)
}

func TestWireStaleTimestampRejected(t *testing.T) {
	var ts, n, events = newWireServer(t)
	var bob = newPeerIdentity(t, "bob")

	// A replayed envelope carries a valid signature over a stale stamp.
	var m = message.New(message.TypeThreadMessage, bob.DID, n.Identity.DID, "Hola")
	m.Timestamp = time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339)
	var resp = post(t, ts.URL+"/anp/message", signedBody(t, bob, m))
	require.Equal(t, 401, resp.StatusCode)
	resp.Body.Close()

	ids, err := n.Store.ListThreads()
	require.NoError(t, err)
	require.Empty(t, ids)
	require.Zero(t, n.Queue.PendingCount())
	require.Empty(t, events.all())
}

func TestWirePeerIntroduction(t *testing.T) {
	var ts, n, events = newWireServer(t)
	var bob = newPeerIdentity(t, "bob")

	var m = message.New(message.TypePeerIntro, bob.DID, n.Identity.DID, "")
	m.PublicKey = bob.PublicKeyB64()
	m.KnownPeers = []string{"did:wba:example.com:carol", "did:wba:example.com:dave"}
	var resp = post(t, ts.URL+"/anp/message", signedBody(t, bob, m))
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	n.HandleInbound(context.Background(), drainInbound(t, n))

	carol, ok, err := n.Peers.Get("did:wba:example.com:carol")
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 0.2, carol.Trust, 1e-9)
	require.Equal(t, bob.DID, carol.Source)
	dave, ok, err := n.Peers.Get("did:wba:example.com:dave")
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 0.2, dave.Trust, 1e-9)

	bobPeer, ok, err := n.Peers.Get(bob.DID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, bobPeer.Messages)

	// Introductions never open a conversation or wake the agent.
	require.Zero(t, n.Queue.PendingCount())
	ids, err := n.Store.ListThreads()
	require.NoError(t, err)
	require.Empty(t, ids)
	require.Empty(t, events.all())
	requireNoOutbound(t, n)
}

func TestWireAutoApprovedReply(t *testing.T) {
	var ts, n, events = newWireServer(t)
	var bob = newPeerIdentity(t, "bob")

	require.NoError(t, n.Store.SetMood(store.MoodAvailable))
	_, err := n.Peers.AddOrUpdate(bob.DID)
	require.NoError(t, err)
	_, err = n.Peers.AdjustTrust(bob.DID, 0.4)
	require.NoError(t, err)

	var m = message.New(message.TypeThreadMessage, bob.DID, n.Identity.DID, "Hola")
	var resp = post(t, ts.URL+"/anp/message", signedBody(t, bob, m))
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	n.HandleInbound(context.Background(), drainInbound(t, n))

	require.Contains(t, events.all(), queue.EventAutoApproved)
	require.NotContains(t, events.all(), queue.EventReviewReady)
	require.Zero(t, n.Queue.PendingCount())

	msgs, err := n.Store.ReadThread(m.ThreadID)
	require.NoError(t, err)
	var last = msgs[len(msgs)-1]
	require.Equal(t, message.StatusApproved, last.Status)
	require.Equal(t, "a proposed reply", last.Content)

	require.Equal(t, "a proposed reply", drainOutbound(t, n).Content)
}
