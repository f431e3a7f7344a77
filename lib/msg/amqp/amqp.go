// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"log/slog"
	"sync"

	"github.com/streadway/amqp"

	"github.com/tarancss/xrouter/lib/msg"
	"github.com/tarancss/xrouter/lib/types"
)

// Exchange is the topic exchange peer messages are published to. Routing keys are "peer.<routerId>" for direct
// messages and "peer.all" for broadcasts.
const Exchange = "xr"

const broadcast = "all"

// Amqp implements a connection to a broker and a channel for reuse.
type Amqp struct {
	conn *amqp.Connection
	log  *slog.Logger

	mu sync.Mutex // guards ch, amqp channels are not safe for concurrent publishing
	ch *amqp.Channel
}

// New instantiates a new amqp broker.
func New(uri string, log *slog.Logger) (*Amqp, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, err
	}

	log.Info("connected to message broker")

	return &Amqp{conn: conn, log: log}, nil
}

// Setup declares the "xr" topic exchange routers publish peer messages to.
func (r *Amqp) Setup() error {
	// obtain a one-use channel
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	return channel.ExchangeDeclare(Exchange, amqp.ExchangeTopic, true, false, false, false, nil)
}

// Close terminates gracefully the connection to the AMQP message broker
func (r *Amqp) Close() error {
	r.mu.Lock()
	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			r.log.Error("error closing amqp.Channel", "err", err)
		}

		r.ch = nil
	}
	r.mu.Unlock()

	if r.conn.IsClosed() {
		return nil
	}

	return r.conn.Close()
}

// Publish sends m to the "xr" exchange.
func (r *Amqp) Publish(m types.PeerMessage) error {
	if r.conn.IsClosed() {
		return msg.ErrClosed
	}

	body, err := msg.Encode(m)
	if err != nil {
		return err
	}

	to := m.ToRouter
	if to == "" {
		to = broadcast
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// obtain channel if not present
	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return err
		}
	}

	err = r.ch.Publish(Exchange, "peer."+to, false, false, amqp.Publishing{
		Headers:     amqp.Table{"x-peer-type": string(m.Type)},
		MessageId:   m.ID,
		Body:        body,
		ContentType: "application/json",
	})
	if err != nil {
		r.log.Error("error publishing peer message", "type", m.Type, "to", to, "err", err)
		// the channel is unusable after an error, get a new one next time
		r.ch = nil
	}

	return err
}

// Subscribe declares the queue of routerID, binds it to direct and broadcast routing keys and consumes it, pushing
// decoded messages to the returned channel. A message is acknowledged once it has been received from the channel.
func (r *Amqp) Subscribe(routerID string) (<-chan types.PeerMessage, <-chan error, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, nil, err
	}

	queue := Exchange + "." + routerID

	// declare queue
	if _, err = ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, nil, err
	}

	// bind queue to exchange
	for _, key := range []string{"peer." + routerID, "peer." + broadcast} {
		if err = ch.QueueBind(queue, key, Exchange, false, nil); err != nil {
			return nil, nil, err
		}
	}

	deliveries, err := ch.Consume(queue, "router-"+routerID, false, false, false, false, nil)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan types.PeerMessage)
	errs := make(chan error, 1)

	// start routine to consume messages from broker
	go func() {
		defer close(out)
		defer close(errs)

		for d := range deliveries {
			m, err := msg.Decode(d.Body)
			if err != nil {
				_ = d.Reject(false)

				select {
				case errs <- err:
				default:
					r.log.Warn("dropping undecodable peer message", "err", err)
				}

				continue
			}

			out <- m

			if err = d.Ack(false); err != nil {
				r.log.Warn("cannot ack peer message", "id", m.ID, "err", err)
			}
		}
	}()

	return out, errs, nil
}
