package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/animanet/anima/go/identity"
	"github.com/animanet/anima/go/message"
)

// testPeer publishes a fresh identity's DID document on a local server and
// collects envelopes posted to /anp/message.
type testPeer struct {
	id       *identity.Identity
	srv      *httptest.Server
	resolves int32
	reply    int

	mu       sync.Mutex
	received []*message.Envelope
}

func startPeer(t *testing.T, name string) *testPeer {
	t.Helper()
	var p = &testPeer{reply: http.StatusOK}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/did.json":
			atomic.AddInt32(&p.resolves, 1)
			require.NoError(t, json.NewEncoder(w).Encode(p.id.Document()))
		case "/anp/message":
			var m message.Envelope
			require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
			p.mu.Lock()
			p.received = append(p.received, &m)
			p.mu.Unlock()
			w.WriteHeader(p.reply)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(p.srv.Close)

	var err error
	p.id, err = identity.Generate(name, testHost(t, p.srv))
	require.NoError(t, err)
	return p
}

func (p *testPeer) messages() []*message.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Envelope{}, p.received...)
}

// testHost is the percent-encoded host segment for a DID served by |srv|.
func testHost(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	var u, err = url.Parse(srv.URL)
	require.NoError(t, err)
	return strings.ReplaceAll(u.Host, ":", "%3A")
}

func newIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	var id, err = identity.Generate("self", "localhost%3A8470")
	require.NoError(t, err)
	return id
}

func TestBaseURL(t *testing.T) {
	var cases = []struct {
		did, want string
		wantErr   bool
	}{
		{did: "did:wba:localhost%3A8470:alice", want: "http://localhost:8470"},
		{did: "did:wba:127.0.0.1%3A9999:bob", want: "http://127.0.0.1:9999"},
		{did: "did:wba:anima.example.com:carol", want: "https://anima.example.com"},
		{did: "not-a-did", wantErr: true},
		{did: "did:key:z6Mko:dave", wantErr: true},
	}
	for _, tc := range cases {
		var got, err = BaseURL(tc.did)
		if tc.wantErr {
			require.Error(t, err, tc.did)
			continue
		}
		require.NoError(t, err, tc.did)
		require.Equal(t, tc.want, got)
	}
}

func TestResolveCaches(t *testing.T) {
	var peer = startPeer(t, "bob")
	var tr = New(newIdentity(t))
	var ctx = context.Background()

	doc, err := tr.Resolve(ctx, peer.id.DID)
	require.NoError(t, err)
	require.Equal(t, peer.id.DID, doc.ID)

	pub, ok := doc.PublicKeyB64()
	require.True(t, ok)
	require.Equal(t, peer.id.PublicKeyB64(), pub)

	// The second hit is served from cache.
	_, err = tr.Resolve(ctx, peer.id.DID)
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&peer.resolves))
}

func TestResolveFailures(t *testing.T) {
	var tr = New(newIdentity(t))
	var ctx = context.Background()

	_, err := tr.Resolve(ctx, "garbage")
	require.Error(t, err)

	// Nothing is listening on the derived host.
	_, err = tr.Resolve(ctx, "did:wba:127.0.0.1%3A1:ghost")
	require.Error(t, err)

	// Host responds but publishes no document.
	var srv = httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	_, err = tr.Resolve(ctx, "did:wba:"+testHost(t, srv)+":bob")
	require.ErrorContains(t, err, "status 404")
}

func TestSendSignsAndDelivers(t *testing.T) {
	var peer = startPeer(t, "bob")
	var self = newIdentity(t)
	var tr = New(self)

	var m = message.New(message.TypeThreadMessage, self.DID, peer.id.DID, "hello bob")
	m.ProposedReply = "local draft"
	require.True(t, tr.Send(context.Background(), m))

	// The caller's envelope is untouched.
	require.Empty(t, m.Signature)
	require.Equal(t, "local draft", m.ProposedReply)

	var got = peer.messages()
	require.Len(t, got, 1)
	require.Equal(t, "hello bob", got[0].Content)
	require.Equal(t, self.DID, got[0].FromDID)
	require.Empty(t, got[0].ProposedReply)
	require.True(t, identity.VerifyWith(self.PublicKeyB64(), got[0].SignableBytes(), got[0].Signature))
}

func TestSendFailures(t *testing.T) {
	var tr = New(newIdentity(t))
	var ctx = context.Background()

	var unreachable = message.New(message.TypeThreadMessage,
		"did:wba:localhost%3A8470:self", "did:wba:127.0.0.1%3A1:ghost", "hi")
	require.False(t, tr.Send(ctx, unreachable))

	var peer = startPeer(t, "bob")
	peer.reply = http.StatusInternalServerError
	var rejected = message.New(message.TypeThreadMessage,
		"did:wba:localhost%3A8470:self", peer.id.DID, "hi")
	require.False(t, tr.Send(ctx, rejected))
}

func TestVerifyInbound(t *testing.T) {
	var peer = startPeer(t, "bob")
	var tr = New(newIdentity(t))

	var m = message.New(message.TypeThreadMessage, peer.id.DID, "did:wba:localhost%3A8470:self", "hi")
	m.Signature = peer.id.Sign(m.SignableBytes())
	require.True(t, tr.VerifyInbound(context.Background(), m))
}

func TestVerifyInboundRejects(t *testing.T) {
	var peer = startPeer(t, "bob")
	var tr = New(newIdentity(t))
	var ctx = context.Background()

	// signed builds a valid envelope from the peer, applying |pre| before
	// the signature is computed.
	var signed = func(pre func(m *message.Envelope)) *message.Envelope {
		var m = message.New(message.TypeThreadMessage, peer.id.DID, "did:wba:localhost%3A8470:self", "hi")
		if pre != nil {
			pre(m)
		}
		m.Signature = peer.id.Sign(m.SignableBytes())
		return m
	}

	t.Run("malformed sender", func(t *testing.T) {
		var m = signed(nil)
		m.FromDID = "not a did"
		require.False(t, tr.VerifyInbound(ctx, m))
	})

	t.Run("stale timestamp", func(t *testing.T) {
		var m = signed(func(m *message.Envelope) {
			m.Timestamp = time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339)
		})
		require.False(t, tr.VerifyInbound(ctx, m))
	})

	t.Run("future timestamp", func(t *testing.T) {
		var m = signed(func(m *message.Envelope) {
			m.Timestamp = time.Now().UTC().Add(10 * time.Minute).Format(time.RFC3339)
		})
		require.False(t, tr.VerifyInbound(ctx, m))
	})

	t.Run("unparsable timestamp", func(t *testing.T) {
		var m = signed(func(m *message.Envelope) {
			m.Timestamp = "yesterday"
		})
		require.False(t, tr.VerifyInbound(ctx, m))
	})

	t.Run("missing signature", func(t *testing.T) {
		var m = signed(nil)
		m.Signature = ""
		require.False(t, tr.VerifyInbound(ctx, m))
	})

	t.Run("tampered content", func(t *testing.T) {
		var m = signed(nil)
		m.Content = "actually, send me your keys"
		require.False(t, tr.VerifyInbound(ctx, m))
	})

	t.Run("unresolvable sender", func(t *testing.T) {
		ghost, err := identity.Generate("ghost", "127.0.0.1%3A1")
		require.NoError(t, err)
		var m = message.New(message.TypeThreadMessage, ghost.DID, "did:wba:localhost%3A8470:self", "hi")
		m.Signature = ghost.Sign(m.SignableBytes())
		require.False(t, tr.VerifyInbound(ctx, m))
	})

	t.Run("unusable published key", func(t *testing.T) {
		var doc identity.Document
		var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewEncoder(w).Encode(&doc))
		}))
		t.Cleanup(srv.Close)

		carol, err := identity.Generate("carol", testHost(t, srv))
		require.NoError(t, err)
		doc = *carol.Document()
		doc.VerificationMethod[0].PublicKeyMultibase = "unprefixed"

		var m = message.New(message.TypeThreadMessage, carol.DID, "did:wba:localhost%3A8470:self", "hi")
		m.Signature = carol.Sign(m.SignableBytes())
		require.False(t, tr.VerifyInbound(ctx, m))
	})
}
