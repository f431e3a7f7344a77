// Package msg defines the interface for the message brokers routers use to talk to each other.
package msg

import (
	"encoding/json"
	"errors"

	"github.com/tarancss/xrouter/lib/types"
)

// ErrClosed is returned when publishing on a closed broker.
var ErrClosed = errors.New("broker is closed")

// Broker carries PeerMessages between routers. Publish delivers a message to its ToRouter, or to every subscribed
// router when ToRouter is empty. Subscribe consumes the messages addressed to routerID, broadcasts included. The
// returned channels are closed when the broker is closed.
type Broker interface {
	Setup() error
	Close() error

	Publish(m types.PeerMessage) error
	Subscribe(routerID string) (<-chan types.PeerMessage, <-chan error, error)
}

// Encode marshals a message for the wire.
func Encode(m types.PeerMessage) ([]byte, error) {
	return json.Marshal(m)
}

// Decode unmarshals a message read from the wire.
func Decode(b []byte) (types.PeerMessage, error) {
	var m types.PeerMessage
	err := json.Unmarshal(b, &m)

	return m, err
}
