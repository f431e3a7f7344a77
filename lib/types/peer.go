package types

import (
	"sort"
	"strconv"
	"time"
)

// PeerMessageType is the kind of a message exchanged between routers.
type PeerMessageType string

// Peer message types.
const (
	MsgHeartbeat            PeerMessageType = "heartbeat"
	MsgDiscovery            PeerMessageType = "discovery"
	MsgConfirmationRequest  PeerMessageType = "confirmation_request"
	MsgConfirmationResponse PeerMessageType = "confirmation_response"
)

// PeerPayload is the body of a PeerMessage.
type PeerPayload struct {
	RouterID  string            `json:"routerId"`
	Timestamp time.Time         `json:"timestamp"`
	Status    string            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// PeerMessage is the envelope routers exchange over the message broker. An empty ToRouter is a broadcast. TTL is in
// seconds, counted from Timestamp.
type PeerMessage struct {
	ID         string          `json:"id"`
	Type       PeerMessageType `json:"type"`
	FromRouter string          `json:"fromRouter"`
	ToRouter   string          `json:"toRouter,omitempty"`
	Payload    PeerPayload     `json:"payload"`
	Signature  string          `json:"signature"`
	Timestamp  time.Time       `json:"timestamp"`
	TTL        int64           `json:"ttl"`
}

// SigningFields returns the message fields covered by its signature, in a stable order.
func (m *PeerMessage) SigningFields() []string {
	f := []string{
		m.ID, string(m.Type), m.FromRouter, m.ToRouter,
		m.Payload.RouterID, m.Payload.Timestamp.UTC().Format(time.RFC3339Nano), m.Payload.Status,
	}

	keys := make([]string, 0, len(m.Payload.Metadata))
	for k := range m.Payload.Metadata {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		f = append(f, k+"="+m.Payload.Metadata[k])
	}

	return append(f, m.Timestamp.UTC().Format(time.RFC3339Nano), strconv.FormatInt(m.TTL, 10))
}

// Expired reports whether the message TTL has elapsed at now. A zero TTL never expires.
func (m *PeerMessage) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}

	return now.After(m.Timestamp.Add(time.Duration(m.TTL) * time.Second))
}
