// Package message defines the wire envelope exchanged between nodes and its
// canonical signable serialization.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version stamped on every envelope.
const Version = "0.2"

// Type discriminates envelope variants.
type Type string

const (
	// TypeThreadMessage opens a conversation thread.
	TypeThreadMessage Type = "thread_message"
	// TypeThreadReply continues an existing thread.
	TypeThreadReply Type = "thread_reply"
	// TypePeerIntro exchanges identity and known peers.
	TypePeerIntro Type = "peer_intro"
	// TypeCapacityStatus advertises spare capacity to the network.
	TypeCapacityStatus Type = "capacity_status"
)

// Status is the lifecycle state of an envelope.
type Status string

const (
	StatusPendingHumanReview Status = "pending_human_review"
	StatusAutoApproved       Status = "auto_approved"
	StatusApproved           Status = "approved"
	StatusSent               Status = "sent"
	StatusAnswered           Status = "answered"
	StatusRejected           Status = "rejected"
)

// Envelope is a protocol message. Variant-specific fields apply only for the
// matching Type and are omitted from wire JSON when zero. ProposedReply is a
// local annotation attached to stored thread entries while the owner's reply
// awaits review; it never crosses the wire and is never signed.
type Envelope struct {
	Version   string         `json:"version"`
	Type      Type           `json:"type"`
	ThreadID  string         `json:"thread_id"`
	FromDID   string         `json:"from_did"`
	ToDID     string         `json:"to_did"`
	Content   string         `json:"content"`
	Status    Status         `json:"status"`
	Timestamp string         `json:"timestamp"`
	Signature string         `json:"signature,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// thread_message
	Subject string `json:"subject,omitempty"`
	// thread_reply
	InReplyTo string `json:"in_reply_to,omitempty"`
	// peer_intro
	PublicKey  string   `json:"public_key,omitempty"`
	KnownPeers []string `json:"known_peers,omitempty"`
	// capacity_status
	AvailablePct     float64 `json:"available_pct,omitempty"`
	MonthlyRemaining int64   `json:"monthly_remaining,omitempty"`

	ProposedReply string `json:"proposed_reply,omitempty"`
}

// New builds an envelope of |typ| with defaults applied: fresh thread
// identifier, current timestamp, pending status.
func New(typ Type, fromDID, toDID, content string) *Envelope {
	var m = &Envelope{
		Type:    typ,
		FromDID: fromDID,
		ToDID:   toDID,
		Content: content,
	}
	m.applyDefaults()
	return m
}

// Parse decodes raw JSON into an Envelope, dispatching on the type tag.
// Unknown or missing types are rejected, as are missing identifiers.
// Defaults are applied exactly as New applies them.
func Parse(raw []byte) (*Envelope, error) {
	var m Envelope
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return &m, m.Validate()
}

// Validate checks the type tag and identifiers, then applies defaults.
func (m *Envelope) Validate() error {
	switch m.Type {
	case TypeThreadMessage, TypeThreadReply, TypePeerIntro, TypeCapacityStatus:
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if m.FromDID == "" || m.ToDID == "" {
		return fmt.Errorf("message requires from_did and to_did")
	}
	switch m.Status {
	case "", StatusPendingHumanReview, StatusAutoApproved, StatusApproved,
		StatusSent, StatusAnswered, StatusRejected:
	default:
		return fmt.Errorf("unknown message status %q", m.Status)
	}
	m.applyDefaults()
	return nil
}

func (m *Envelope) applyDefaults() {
	if m.Version == "" {
		m.Version = Version
	}
	if m.ThreadID == "" {
		m.ThreadID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = StatusPendingHumanReview
	}
	if m.Timestamp == "" {
		m.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	if m.AvailablePct < 0 {
		m.AvailablePct = 0
	} else if m.AvailablePct > 100 {
		m.AvailablePct = 100
	}
}

// SignableBytes is the canonical serialization signatures cover: the
// envelope's fields for its variant, signature excluded, JSON-encoded with
// lexicographically sorted keys and compact output. Equal field values
// always produce equal bytes.
func (m *Envelope) SignableBytes() []byte {
	var metadata = m.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	var fields = map[string]any{
		"version":   m.Version,
		"type":      string(m.Type),
		"thread_id": m.ThreadID,
		"from_did":  m.FromDID,
		"to_did":    m.ToDID,
		"content":   m.Content,
		"status":    string(m.Status),
		"timestamp": m.Timestamp,
		"metadata":  metadata,
	}

	switch m.Type {
	case TypeThreadMessage:
		fields["subject"] = m.Subject
	case TypeThreadReply:
		fields["in_reply_to"] = m.InReplyTo
	case TypePeerIntro:
		fields["public_key"] = m.PublicKey
		var peers = m.KnownPeers
		if peers == nil {
			peers = []string{}
		}
		fields["known_peers"] = peers
	case TypeCapacityStatus:
		fields["available_pct"] = m.AvailablePct
		fields["monthly_remaining"] = m.MonthlyRemaining
	}

	var b, err = json.Marshal(fields)
	if err != nil {
		panic(err) // Marshal of plain maps and strings cannot fail.
	}
	return b
}

// Clone returns a deep-enough copy for concurrent annotation of stored
// entries (metadata and known peers are copied).
func (m *Envelope) Clone() *Envelope {
	var out = *m
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	if m.KnownPeers != nil {
		out.KnownPeers = append([]string(nil), m.KnownPeers...)
	}
	return &out
}
