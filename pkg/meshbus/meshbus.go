// Package meshbus implements a brokerless peer to peer message bus.
// Every process is client and server at once: it binds one stream and
// one datagram listening socket on the same port, joins other peers by
// explicit address and exchanges typed, length prefixed messages.
//
// Locally, messages travel through per type brokers. A remote peer
// that subscribed to a type becomes a listener on that broker and
// forwards everything published on it, while messages reconstructed
// from the wire are never forwarded again, so cycles in the mesh do
// not storm.
package meshbus

import (
	"github.com/jabolina/go-meshbus/pkg/meshbus/core"
	"github.com/jabolina/go-meshbus/pkg/meshbus/definition"
	"github.com/jabolina/go-meshbus/pkg/meshbus/types"
)

// Re-exports so most applications only import this package.
type (
	Network       = core.Network
	DirectNetwork = core.DirectNetwork
	Peer          = core.Peer
	Broker        = core.Broker
	Listener      = core.Listener
	ListenerFunc  = core.ListenerFunc

	Message         = types.Message
	StandardMessage = types.StandardMessage
	DataMessage     = types.DataMessage
	PeerID          = types.PeerID
	UserID          = types.UserID
	Transport       = types.Transport
)

// New joins the mesh on the given listening port under the given user
// id, with the default configuration and logger.
func New(port uint16, user types.UserID) (*core.Network, error) {
	config := types.DefaultNetworkConfiguration(port, user)
	config.Logger = definition.LoggerFor("meshbus")
	return core.NewNetwork(config)
}

// NewWithConfiguration joins the mesh with full control over the
// configuration.
func NewWithConfiguration(config *types.NetworkConfiguration) (*core.Network, error) {
	return core.NewNetwork(config)
}

// NewDirect creates the two party network. Use Connect or Listen on
// the returned value to establish the link.
func NewDirect() *core.DirectNetwork {
	return core.NewDirectNetwork(definition.LoggerFor("meshbus"))
}

// BrokerFor returns the process wide broker for one message type.
func BrokerFor(id uint16) *core.Broker {
	return core.BrokerFor(id)
}

// Shutdown drains and stops the process wide broker delivery lanes.
// Call once, after every network was disconnected.
func Shutdown() {
	core.HaltBrokers()
}

// Register binds a decoder to a message type id, see types.Register.
func Register(id uint16, decoder types.Decoder) bool {
	return types.Register(id, decoder)
}
