// Package transport delivers signed envelopes to peer nodes over HTTP and
// resolves the DID documents used to verify what comes back.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/animanet/anima/go/identity"
	"github.com/animanet/anima/go/message"
)

const (
	// Resolved DID documents are cached briefly so that bursts of traffic
	// from one peer cost a single fetch. Key rotations propagate within
	// resolveTTL.
	resolveTTL       = 5 * time.Minute
	resolveCacheSize = 512

	resolveTimeout = 10 * time.Second
	sendTimeout    = 30 * time.Second

	// Envelopes older or newer than this window are rejected outright,
	// which bounds replay exposure without tracking nonces.
	freshnessWindow = 5 * time.Minute
)

// BaseURL maps a did:wba identifier to the scheme and host serving its node
// API. Local hosts are plain HTTP so development nodes work without TLS.
func BaseURL(did string) (string, error) {
	var host, err = identity.Host(did)
	if err != nil {
		return "", err
	}
	var scheme = "https"
	if strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1") {
		scheme = "http"
	}
	return scheme + "://" + host, nil
}

// Transport signs outbound envelopes with the node's identity and verifies
// inbound ones against resolved peer documents. All methods are safe for
// concurrent use.
type Transport struct {
	identity *identity.Identity
	resolver *http.Client
	sender   *http.Client

	cache *expirable.LRU[string, *identity.Document]
	sf    singleflight.Group
}

func New(id *identity.Identity) *Transport {
	return &Transport{
		identity: id,
		resolver: &http.Client{Timeout: resolveTimeout},
		sender:   &http.Client{Timeout: sendTimeout},
		cache:    expirable.NewLRU[string, *identity.Document](resolveCacheSize, nil, resolveTTL),
	}
}

// Resolve fetches the DID document published at the identifier's host,
// de-duplicating concurrent fetches for the same DID and caching results
// for resolveTTL.
func (t *Transport) Resolve(ctx context.Context, did string) (*identity.Document, error) {
	if doc, ok := t.cache.Get(did); ok {
		return doc, nil
	}
	v, err, _ := t.sf.Do(did, func() (interface{}, error) {
		// Re-check under singleflight so a raced caller reuses the
		// fetch that just completed.
		if doc, ok := t.cache.Get(did); ok {
			return doc, nil
		}
		var doc, err = t.fetchDocument(ctx, did)
		if err != nil {
			return nil, err
		}
		t.cache.Add(did, doc)
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*identity.Document), nil
}

func (t *Transport) fetchDocument(ctx context.Context, did string) (*identity.Document, error) {
	var base, err = BaseURL(did)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/.well-known/did.json", nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.resolver.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching DID document of %s: %w", did, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("DID document fetch of %s: status %d", did, resp.StatusCode)
	}
	var doc identity.Document
	if err = json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding DID document of %s: %w", did, err)
	}
	return &doc, nil
}

// Send signs |m| and posts it to the recipient's /anp/message endpoint.
// It reports whether delivery succeeded and never surfaces an error:
// undeliverable messages are the caller's retry problem, not a fault.
// The caller's envelope is not mutated; the wire copy drops the proposed
// reply annotation before signing.
func (t *Transport) Send(ctx context.Context, m *message.Envelope) bool {
	if _, err := t.Resolve(ctx, m.ToDID); err != nil {
		log.WithFields(log.Fields{
			"toDID": m.ToDID,
			"err":   err,
		}).Warn("failed to resolve recipient")
		return false
	}
	var base, err = BaseURL(m.ToDID)
	if err != nil {
		return false
	}

	var wire = m.Clone()
	wire.ProposedReply = ""
	wire.Signature = t.identity.Sign(wire.SignableBytes())

	body, err := json.Marshal(wire)
	if err != nil {
		log.WithFields(log.Fields{"toDID": m.ToDID, "err": err}).Warn("failed to encode envelope")
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/anp/message", bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.sender.Do(req)
	if err != nil {
		log.WithFields(log.Fields{
			"toDID":    m.ToDID,
			"threadID": m.ThreadID,
			"err":      err,
		}).Warn("message delivery failed")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.WithFields(log.Fields{
			"toDID":    m.ToDID,
			"threadID": m.ThreadID,
			"status":   resp.StatusCode,
		}).Warn("message delivery rejected")
		return false
	}
	return true
}

// VerifyInbound authenticates an envelope received over the wire: the
// sender identifier must be well formed, the timestamp within the
// freshness window, and the signature valid under the sender's published
// key. Resolution failures reject the message rather than letting an
// unverifiable sender through.
func (t *Transport) VerifyInbound(ctx context.Context, m *message.Envelope) bool {
	if !identity.ValidDID(m.FromDID) {
		return false
	}
	var ts, err = time.Parse(time.RFC3339, m.Timestamp)
	if err != nil {
		return false
	}
	var age = time.Since(ts)
	if age < 0 {
		age = -age
	}
	if age > freshnessWindow {
		return false
	}
	if m.Signature == "" {
		return false
	}

	doc, err := t.Resolve(ctx, m.FromDID)
	if err != nil {
		log.WithFields(log.Fields{
			"fromDID": m.FromDID,
			"err":     err,
		}).Warn("cannot resolve sender; rejecting message")
		return false
	}
	pub, ok := doc.PublicKeyB64()
	if !ok {
		return false
	}
	return identity.VerifyWith(pub, m.SignableBytes(), m.Signature)
}
