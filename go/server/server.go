// Package server exposes one node over HTTP: the peer-facing wire
// endpoints, the owner's local API, the live event stream, and Prometheus
// metrics, all bound to a single listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"

	"github.com/animanet/anima/go/agent"
	"github.com/animanet/anima/go/identity"
	"github.com/animanet/anima/go/message"
	"github.com/animanet/anima/go/node"
	"github.com/animanet/anima/go/queue"
	"github.com/animanet/anima/go/store"
	"github.com/animanet/anima/go/transport"
)

// Version is reported by the health endpoint.
const Version = "0.2.0"

const shutdownTimeout = 5 * time.Second

// Verifier authenticates inbound wire envelopes. *transport.Transport is
// the production implementation.
type Verifier interface {
	VerifyInbound(ctx context.Context, m *message.Envelope) bool
}

// Server serves the wire protocol and the owner API for one node.
type Server struct {
	node     *node.Node
	verifier Verifier
	limiter  *rateLimiter
	mux      *http.ServeMux

	listener net.Listener
	httpSrv  *http.Server

	wsMu    sync.Mutex
	wsConns map[*wsConn]struct{}
}

// New builds a Server over a started node. A nil verifier selects the
// node's own transport.
func New(n *node.Node, verifier Verifier) *Server {
	if verifier == nil {
		verifier = transport.New(n.Identity)
	}
	var s = &Server{
		node:     n,
		verifier: verifier,
		limiter:  newRateLimiter(rateLimitMax, rateLimitWindow),
		mux:      http.NewServeMux(),
		wsConns:  make(map[*wsConn]struct{}),
	}
	s.routes()
	n.Queue.Subscribe(s.onQueueEvent)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /anp/message", s.anpMessage)
	s.mux.HandleFunc("GET /.well-known/did.json", s.didDocument)

	s.mux.HandleFunc("GET /api/state", s.getState)
	s.mux.HandleFunc("GET /api/pending", s.getPending)
	s.mux.HandleFunc("POST /api/approve", s.approve)
	s.mux.HandleFunc("POST /api/reject", s.reject)
	s.mux.HandleFunc("GET /api/threads", s.listThreads)
	s.mux.HandleFunc("GET /api/threads/{id}", s.getThread)
	s.mux.HandleFunc("DELETE /api/threads/{id}", s.deleteThread)
	s.mux.HandleFunc("GET /api/peers", s.listPeers)
	s.mux.HandleFunc("POST /api/peers", s.addPeer)
	s.mux.HandleFunc("PATCH /api/peers/{did}", s.patchPeer)
	s.mux.HandleFunc("DELETE /api/peers/{did}", s.removePeer)
	s.mux.HandleFunc("POST /api/peers/{did}/block", s.blockPeer)
	s.mux.HandleFunc("GET /api/context", s.getContext)
	s.mux.HandleFunc("POST /api/context", s.setContext)
	s.mux.HandleFunc("GET /api/patterns", s.getPatterns)
	s.mux.HandleFunc("GET /api/mood", s.getMood)
	s.mux.HandleFunc("POST /api/mood", s.setMood)
	s.mux.HandleFunc("GET /api/auto-approve", s.getAutoApprove)
	s.mux.HandleFunc("POST /api/auto-approve", s.setAutoApprove)
	s.mux.HandleFunc("GET /api/maturity", s.getMaturity)
	s.mux.HandleFunc("GET /api/identity", s.getIdentity)
	s.mux.HandleFunc("POST /api/send", s.sendMessage)
	s.mux.HandleFunc("GET /api/health", s.health)

	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /ws", s.serveWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Listen binds the node's configured port for both surfaces.
func (s *Server) Listen() error {
	var l, err = net.Listen("tcp", fmt.Sprintf(":%d", s.node.Config.Port))
	if err != nil {
		return fmt.Errorf("binding port %d: %w", s.node.Config.Port, err)
	}
	s.listener = l
	s.httpSrv = &http.Server{Handler: s}
	return nil
}

// Endpoint is the bound address, valid after Listen.
func (s *Server) Endpoint() string { return s.listener.Addr().String() }

// QueueTasks queues serving onto |tasks|, plus a watchdog that drains the
// listener on cancellation.
func (s *Server) QueueTasks(tasks *task.Group) {
	tasks.Queue("server.serve", func() error {
		log.WithField("addr", s.listener.Addr().String()).Info("serving HTTP")
		if err := s.httpSrv.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	tasks.Queue("server.shutdown", func() error {
		<-tasks.Context().Done()
		var ctx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpSrv.Shutdown(ctx)
	})
}

// onQueueEvent feeds delivery metrics and fans every event out to the
// connected event streams.
func (s *Server) onQueueEvent(event string, data any) {
	switch event {
	case queue.EventRejected:
		messagesRejectedCounter.WithLabelValues("admission").Inc()
	case queue.EventStatusChanged:
		if fields, ok := data.(map[string]any); ok && fields["status"] == string(message.StatusSent) {
			messagesSentCounter.Inc()
		}
	}
	s.broadcast(event, data)
}

func (s *Server) anpMessage(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(clientIP(r)) {
		messagesRejectedCounter.WithLabelValues("rate_limited").Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	m, err := message.Parse(body)
	if err != nil {
		messagesRejectedCounter.WithLabelValues("malformed").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.node.Config.DevSkipSignatures {
		log.WithField("fromDID", m.FromDID).Warn("signature verification skipped")
	} else if !s.verifier.VerifyInbound(r.Context(), m) {
		messagesRejectedCounter.WithLabelValues("unverified").Inc()
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	if err = s.node.Queue.EnqueueInbound(m); err != nil {
		log.WithFields(log.Fields{"threadID": m.ThreadID, "err": err}).Warn("failed to admit message")
		writeError(w, http.StatusInternalServerError, "failed to admit message")
		return
	}
	messagesReceivedCounter.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "received", "thread_id": m.ThreadID})
}

func (s *Server) didDocument(w http.ResponseWriter, _ *http.Request) {
	var doc, err = s.node.Store.ReadDIDDocument()
	if err != nil {
		writeError(w, http.StatusNotFound, "identity document not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(doc)
}

func (s *Server) getState(w http.ResponseWriter, _ *http.Request) {
	var state, err = s.node.State()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) getPending(w http.ResponseWriter, _ *http.Request) {
	var pending = s.node.Queue.PeekPending()
	if pending == nil {
		pending = []*message.Envelope{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ThreadID      string `json:"thread_id"`
		EditedContent string `json:"edited_content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ThreadID == "" {
		writeError(w, http.StatusBadRequest, "thread_id is required")
		return
	}
	m, err := s.node.Queue.Approve(req.ThreadID, req.EditedContent)
	if err != nil {
		log.WithFields(log.Fields{"threadID": req.ThreadID, "err": err}).Warn("approval failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "thread is not awaiting review")
		return
	}
	s.node.Queue.Emit(queue.EventApproved, map[string]any{"thread_id": req.ThreadID})
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ThreadID string `json:"thread_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ThreadID == "" {
		writeError(w, http.StatusBadRequest, "thread_id is required")
		return
	}
	if err := s.node.Queue.Reject(req.ThreadID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected", "thread_id": req.ThreadID})
}

func (s *Server) listThreads(w http.ResponseWriter, _ *http.Request) {
	var threads, err = s.node.RecentThreads(0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if threads == nil {
		threads = []node.ThreadSummary{}
	}
	writeJSON(w, http.StatusOK, threads)
}

func (s *Server) getThread(w http.ResponseWriter, r *http.Request) {
	var msgs, err = s.node.Store.ReadThread(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(msgs) == 0 {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) deleteThread(w http.ResponseWriter, r *http.Request) {
	var id = r.PathValue("id")
	if err := s.node.Store.DeleteThread(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "thread_id": id})
}

// peerView is a peer record with the resolved display name attached.
type peerView struct {
	store.Peer
	DisplayName string `json:"display_name"`
}

func (s *Server) listPeers(w http.ResponseWriter, _ *http.Request) {
	var all, err = s.node.Peers.All()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var out = make([]peerView, 0, len(all))
	for _, p := range all {
		out = append(out, peerView{Peer: p, DisplayName: s.node.Peers.DisplayName(p.DID)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) addPeer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DID   string `json:"did"`
		Alias string `json:"alias"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !identity.ValidDID(req.DID) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid identifier %q", req.DID))
		return
	}
	p, err := s.node.Peers.AddManual(req.DID, req.Alias)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// patchPeer applies an RFC 7386 merge patch over the peer's owner-editable
// fields: alias and auto_approve.
func (s *Server) patchPeer(w http.ResponseWriter, r *http.Request) {
	var did = s.peerParam(r)
	p, ok, err := s.node.Peers.Get(did)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown peer")
		return
	}

	type editable struct {
		Alias       string `json:"alias"`
		AutoApprove bool   `json:"auto_approve"`
	}
	current, err := json.Marshal(editable{p.Alias, p.AutoApprove})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	patch, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	merged, err := jsonpatch.MergePatch(current, patch)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid merge patch: "+err.Error())
		return
	}
	var next editable
	if err = json.Unmarshal(merged, &next); err != nil {
		writeError(w, http.StatusBadRequest, "invalid merge patch: "+err.Error())
		return
	}

	if next.Alias != p.Alias {
		if err = s.node.Peers.SetAlias(did, next.Alias); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if next.AutoApprove != p.AutoApprove {
		if err = s.node.Peers.SetAutoApprove(did, next.AutoApprove); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	p, _, err = s.node.Peers.Get(did)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) removePeer(w http.ResponseWriter, r *http.Request) {
	var did = s.peerParam(r)
	if _, ok, err := s.node.Peers.Get(did); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	} else if !ok {
		writeError(w, http.StatusNotFound, "unknown peer")
		return
	}
	if err := s.node.Peers.Remove(did); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "did": did})
}

func (s *Server) blockPeer(w http.ResponseWriter, r *http.Request) {
	var did = s.peerParam(r)
	if err := s.node.Peers.Block(did); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.node.Queue.Emit(queue.EventPeerBlocked, map[string]any{"did": did})
	writeJSON(w, http.StatusOK, map[string]string{"status": "blocked", "did": did})
}

func (s *Server) getContext(w http.ResponseWriter, _ *http.Request) {
	var content, err = s.node.Store.ReadContext()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content": content,
		"words":   len(strings.Fields(content)),
	})
}

func (s *Server) setContext(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
		Append  bool   `json:"append"`
		Section string `json:"section"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var err error
	if req.Append {
		var section = req.Section
		if section == "" {
			section = "Notes"
		}
		err = s.node.Store.AppendContext(section, req.Content)
	} else {
		err = s.node.Store.WriteContext(req.Content)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	content, err := s.node.Store.ReadContext()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "updated",
		"words":  len(strings.Fields(content)),
	})
}

func (s *Server) getPatterns(w http.ResponseWriter, _ *http.Request) {
	var patterns, err = s.node.Store.ReadPatterns()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if patterns == nil {
		patterns = []store.Pattern{}
	}
	writeJSON(w, http.StatusOK, patterns)
}

func (s *Server) getMood(w http.ResponseWriter, _ *http.Request) {
	var mood, err = s.node.Store.Mood()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mood": mood})
}

func (s *Server) setMood(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mood string `json:"mood"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !store.ValidMood(req.Mood) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid mood %q", req.Mood))
		return
	}
	if err := s.node.Store.SetMood(req.Mood); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.node.Queue.Emit(queue.EventMoodChanged, map[string]any{"mood": req.Mood})
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "mood": req.Mood})
}

func (s *Server) getAutoApprove(w http.ResponseWriter, _ *http.Request) {
	var enabled, err = s.node.Store.AutoApprove()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

func (s *Server) setAutoApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.node.Store.SetAutoApprove(req.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.node.Queue.Emit(queue.EventAutoApproveChanged, map[string]any{"enabled": req.Enabled})
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated", "enabled": req.Enabled})
}

func (s *Server) getMaturity(w http.ResponseWriter, _ *http.Request) {
	var score, err = agent.MaturityScore(s.node.Store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	corrections, err := s.node.Store.ReadCorrections()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	patterns, err := s.node.Store.ReadPatterns()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	content, err := s.node.Store.ReadContext()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"score":         score,
		"label":         agent.MaturityLabel(score),
		"corrections":   len(corrections),
		"patterns":      len(patterns),
		"context_words": len(strings.Fields(content)),
	})
}

func (s *Server) getIdentity(w http.ResponseWriter, _ *http.Request) {
	var rec, err = s.node.Store.ReadIdentity()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"did":        rec.ID,
		"public_key": s.node.Identity.PublicKeyB64(),
		"created":    rec.Created,
	})
}

// sendMessage opens a thread from this node directly, outside the review
// queue: the owner is the author, so nothing needs approval.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToDID   string `json:"to_did"`
		Content string `json:"content"`
		Subject string `json:"subject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ToDID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "to_did and content are required")
		return
	}

	var m = message.New(message.TypeThreadMessage, s.node.Identity.DID, req.ToDID, req.Content)
	m.Subject = req.Subject

	var status = "sent"
	var delivered = s.node.Sender.Send(r.Context(), m)
	if delivered {
		m.Status = message.StatusSent
		messagesSentCounter.Inc()
	} else {
		status = "failed"
		m.Status = message.StatusPendingHumanReview
	}
	if err := s.node.Store.AppendThread(m.ThreadID, m); err != nil {
		log.WithFields(log.Fields{"threadID": m.ThreadID, "err": err}).Warn("failed to persist sent message")
	}
	if err := s.node.Peers.RecordInteraction(req.ToDID, delivered); err != nil {
		log.WithFields(log.Fields{"toDID": req.ToDID, "err": err}).Warn("failed to record interaction")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "thread_id": m.ThreadID})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	var over, err = s.node.Store.OverBudget()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	budget, err := s.node.Store.ReadBudget()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	peerList, err := s.node.Peers.All()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	score, err := agent.MaturityScore(s.node.Store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var status = "healthy"
	if over {
		status = "degraded"
	}
	var lastActivity *string
	for _, p := range peerList {
		if p.LastSeen != "" && (lastActivity == nil || p.LastSeen > *lastActivity) {
			var seen = p.LastSeen
			lastActivity = &seen
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"did":      s.node.Identity.DID,
		"version":  Version,
		"peers":    len(peerList),
		"pending":  s.node.Queue.PendingCount(),
		"maturity": score,
		"budget": map[string]int64{
			"used":  budget.UsedTokens,
			"limit": budget.Limit(),
		},
		"public_url":         s.node.Config.PublicURL,
		"last_peer_activity": lastActivity,
	})
}

// peerParam returns the peer identifier named by the request path. URL
// decoding turns a singly-escaped %3A host marker into a bare colon, so
// a multi-colon identifier is re-encoded to its stored form when the
// literal value is unknown.
func (s *Server) peerParam(r *http.Request) string {
	var did = r.PathValue("did")
	if _, ok, err := s.node.Peers.Get(did); err == nil && ok {
		return did
	}
	var parts = strings.Split(did, ":")
	if len(parts) > 4 {
		var host = strings.Join(parts[2:len(parts)-1], "%3A")
		return parts[0] + ":" + parts[1] + ":" + host + ":" + parts[len(parts)-1]
	}
	return did
}

func clientIP(r *http.Request) string {
	var host, _, err = net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("err", err).Warn("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
