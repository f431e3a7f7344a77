// Package memory implements the message broker interface in process. Brokers created from one Hub reach each other,
// which lets several routers run in a single process for tests or local setups.
package memory

import (
	"errors"
	"sync"

	"github.com/tarancss/xrouter/lib/msg"
	"github.com/tarancss/xrouter/lib/types"
)

// Buffer is the number of messages a subscription holds before new ones are dropped.
var Buffer = 1024

// ErrFull is reported on the error channel of a subscription that dropped a message.
var ErrFull = errors.New("subscription buffer full, message dropped")

type subscription struct {
	owner *Broker
	out   chan types.PeerMessage
	errs  chan error
}

// Hub connects the brokers created from it.
type Hub struct {
	mu   sync.RWMutex
	subs map[string][]*subscription
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string][]*subscription)}
}

// Broker returns a new broker attached to h.
func (h *Hub) Broker() *Broker {
	return &Broker{hub: h}
}

// Broker is a msg.Broker attached to a Hub.
type Broker struct {
	hub *Hub

	mu     sync.Mutex
	closed bool
}

// Setup is a no-op.
func (b *Broker) Setup() error {
	return nil
}

// Close closes the subscriptions made through b. Further publishing fails with msg.ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()

		return nil
	}

	b.closed = true
	b.mu.Unlock()

	h := b.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, subs := range h.subs {
		kept := subs[:0]

		for _, s := range subs {
			if s.owner == b {
				close(s.out)
				close(s.errs)

				continue
			}

			kept = append(kept, s)
		}

		if len(kept) == 0 {
			delete(h.subs, id)
		} else {
			h.subs[id] = kept
		}
	}

	return nil
}

// Publish delivers m without blocking. Subscriptions with a full buffer drop it and are told on their error channel.
func (b *Broker) Publish(m types.PeerMessage) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return msg.ErrClosed
	}

	h := b.hub
	h.mu.RLock()
	defer h.mu.RUnlock()

	if m.ToRouter != "" {
		for _, s := range h.subs[m.ToRouter] {
			s.deliver(m)
		}

		return nil
	}

	for _, subs := range h.subs {
		for _, s := range subs {
			s.deliver(m)
		}
	}

	return nil
}

// Subscribe returns the messages addressed to routerID.
func (b *Broker) Subscribe(routerID string) (<-chan types.PeerMessage, <-chan error, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return nil, nil, msg.ErrClosed
	}

	s := &subscription{owner: b, out: make(chan types.PeerMessage, Buffer), errs: make(chan error, 1)}

	b.hub.mu.Lock()
	b.hub.subs[routerID] = append(b.hub.subs[routerID], s)
	b.hub.mu.Unlock()

	return s.out, s.errs, nil
}

func (s *subscription) deliver(m types.PeerMessage) {
	select {
	case s.out <- m:
	default:
		select {
		case s.errs <- ErrFull:
		default:
		}
	}
}
