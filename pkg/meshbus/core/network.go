package core

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/jabolina/go-meshbus/pkg/meshbus/definition"
	"github.com/jabolina/go-meshbus/pkg/meshbus/types"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

type eventKind uint8

const (
	eventAccepted eventKind = iota
	eventDatagram
	eventChunk
	eventClosed
)

// conduit couples one stream socket with its accumulation buffer and,
// once the handshake finished, the peer it belongs to. Accepted
// sockets start without a peer.
type conduit struct {
	sock   *StreamSocket
	reader *FrameReader
	peer   *Peer
}

// event is what the reader routines feed into the loop. Readiness
// detection happens on the readers, every state mutation happens on
// the loop alone.
type event struct {
	kind    eventKind
	sock    *StreamSocket
	conduit *conduit
	data    []byte
}

// Network is the local participation in the mesh. It owns both listen
// sockets, accepts new peers, demultiplexes wire bytes to them and
// keeps the peer map.
type Network struct {
	config *types.NetworkConfiguration
	log    types.Logger

	acceptor *Acceptor
	dgramIn  *DatagramSocket

	mutex   sync.Mutex
	peers   map[types.PeerID]*Peer
	orphans []*conduit

	events  chan event
	halt    chan struct{}
	invoker Invoker
	active  *atomic.Bool
}

// NewNetwork binds the stream and datagram listen sockets on the
// configured port, registers the control catalog and starts the event
// loop.
func NewNetwork(config *types.NetworkConfiguration) (*Network, error) {
	if config == nil {
		return nil, errors.New("configuration is required")
	}
	if config.Logger == nil {
		config.Logger = definition.LoggerFor("meshbus")
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = types.DefaultPollTimeout
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = types.DefaultReadBufferSize
	}

	types.RegisterControlCatalog()

	acceptor := NewAcceptor()
	if err := acceptor.Bind(config.ListeningPort); err != nil {
		return nil, err
	}
	dgramIn := NewDatagramSocket()
	if err := dgramIn.Bind(config.ListeningPort); err != nil {
		acceptor.Close()
		return nil, err
	}

	// listeners observing a departure must see the peer map already
	// consistent, so this broker never defers to a delivery routine
	BrokerFor(types.TypeDisconnect).EnableSynchronous()

	n := &Network{
		config:   config,
		log:      config.Logger,
		acceptor: acceptor,
		dgramIn:  dgramIn,
		peers:    make(map[types.PeerID]*Peer),
		events:   make(chan event, 128),
		halt:     make(chan struct{}),
		invoker:  NewInvoker(),
		active:   atomic.NewBool(true),
	}

	n.invoker.Spawn(n.acceptLoop)
	n.invoker.Spawn(n.datagramLoop)
	n.invoker.Spawn(n.run)
	n.log.Infof("listening on port %d as user %d", config.ListeningPort, config.UserID)
	return n, nil
}

// AddPeer dials the remote, runs the outbound handshake and inserts
// the peer under a fresh id. Blocks until the handshake completes or
// fails.
func (n *Network) AddPeer(host string, port uint16) (*Peer, error) {
	if !n.active.Load() {
		return nil, errors.New("network is shut down")
	}

	peer := newPeer(host, port, n.config.UserID, n.log)
	reader, err := peer.connect(n.config.ListeningPort)
	if err != nil {
		peer.lane.Stop()
		return nil, err
	}

	c := &conduit{sock: peer.currentStream(), reader: reader, peer: peer}
	n.mutex.Lock()
	n.peers[peer.id] = peer
	n.mutex.Unlock()

	n.invoker.Spawn(func() { n.streamLoop(c) })
	if reader.Pending() > 0 {
		// frames the remote pipelined behind its connect reply
		select {
		case n.events <- event{kind: eventChunk, conduit: c}:
		case <-n.halt:
		}
	}

	BrokerFor(types.TypeNewPeer).Publish(types.NewNewPeerMessage(peer))
	n.log.Infof("connected to peer %d at %s:%d", peer.id, host, peer.ListeningPort())
	return peer, nil
}

// RemovePeer says goodbye to the remote and drops the peer.
func (n *Network) RemovePeer(id types.PeerID) bool {
	n.mutex.Lock()
	peer, ok := n.peers[id]
	delete(n.peers, id)
	n.mutex.Unlock()

	if !ok {
		return false
	}
	peer.disconnect(true)
	return true
}

// PeerByID returns the peer under the given local id, nil when absent.
func (n *Network) PeerByID(id types.PeerID) *Peer {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.peers[id]
}

// Peers snapshots the current peer list.
func (n *Network) Peers() []*Peer {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	peers := make([]*Peer, 0, len(n.peers))
	for _, peer := range n.peers {
		peers = append(peers, peer)
	}
	return peers
}

// ListeningPort both listen sockets are bound to.
func (n *Network) ListeningPort() uint16 { return n.config.ListeningPort }

// UserID this process joined the mesh with.
func (n *Network) UserID() types.UserID { return n.config.UserID }

// Disconnect says goodbye to every peer, closes the listen sockets and
// joins every routine of this network.
func (n *Network) Disconnect() {
	if !n.active.CAS(true, false) {
		return
	}

	for _, peer := range n.Peers() {
		peer.disconnect(true)
	}
	n.mutex.Lock()
	n.peers = make(map[types.PeerID]*Peer)
	orphans := n.orphans
	n.orphans = nil
	n.mutex.Unlock()
	for _, c := range orphans {
		c.sock.Close()
	}

	n.acceptor.Close()
	n.dgramIn.Close()
	close(n.halt)
	n.invoker.Stop()
	n.log.Infof("network on port %d shut down", n.config.ListeningPort)
}

func (n *Network) acceptLoop() {
	for {
		sock, err := n.acceptor.Accept()
		if err != nil {
			return
		}
		select {
		case n.events <- event{kind: eventAccepted, sock: sock}:
		case <-n.halt:
			sock.Close()
			return
		}
	}
}

func (n *Network) datagramLoop() {
	buf := make([]byte, n.config.ReadBufferSize)
	for {
		nread, _, err := n.dgramIn.RecvFrom(buf)
		if err != nil {
			return
		}
		data := make([]byte, nread)
		copy(data, buf[:nread])
		select {
		case n.events <- event{kind: eventDatagram, data: data}:
		case <-n.halt:
			return
		}
	}
}

func (n *Network) streamLoop(c *conduit) {
	buf := make([]byte, n.config.ReadBufferSize)
	for {
		nread, err := c.sock.ReadInto(buf)
		if nread > 0 {
			data := make([]byte, nread)
			copy(data, buf[:nread])
			select {
			case n.events <- event{kind: eventChunk, conduit: c, data: data}:
			case <-n.halt:
				return
			}
		}
		if err != nil {
			select {
			case n.events <- event{kind: eventClosed, conduit: c}:
			case <-n.halt:
			}
			return
		}
	}
}

// run is the event loop. It alone mutates the peer map, the orphan
// list and the per stream accumulation buffers. The tick bounds one
// iteration so destroyed peers are reaped even on a silent mesh.
func (n *Network) run() {
	ticker := time.NewTicker(n.config.PollTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-n.halt:
			return
		case ev := <-n.events:
			switch ev.kind {
			case eventAccepted:
				n.handleAccepted(ev.sock)
			case eventDatagram:
				n.handleDatagram(ev.data)
			case eventChunk:
				n.handleChunk(ev.conduit, ev.data)
			case eventClosed:
				n.handleClosed(ev.conduit)
			}
		case <-ticker.C:
			n.reap()
		}
	}
}

func (n *Network) handleAccepted(sock *StreamSocket) {
	c := &conduit{sock: sock, reader: NewFrameReader()}
	n.mutex.Lock()
	n.orphans = append(n.orphans, c)
	n.mutex.Unlock()
	n.invoker.Spawn(func() { n.streamLoop(c) })
}

// handleDatagram splits the user id trailer, decodes the single frame
// and routes it to the peer the trailer names.
func (n *Network) handleDatagram(data []byte) {
	if len(data) < types.HeaderSize+types.UserTrailerSize {
		n.log.Warnf("a datagram of %d bytes could not carry a message", len(data))
		return
	}

	split := len(data) - types.UserTrailerSize
	sender := types.UserID(binary.LittleEndian.Uint32(data[split:]))
	message := types.Decode(data[:split])
	if message == nil {
		n.log.Warnf("a datagram from user %d could not be decoded", sender)
		return
	}

	peer := n.peerByUser(sender)
	if peer == nil {
		n.log.Warnf("dropping datagram from unknown user %d", sender)
		return
	}
	peer.Receive(message)
}

func (n *Network) peerByUser(user types.UserID) *Peer {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	for _, peer := range n.peers {
		if peer.RemoteUserID() == user && peer.active.Load() {
			return peer
		}
	}
	return nil
}

func (n *Network) handleChunk(c *conduit, data []byte) {
	c.reader.Append(data)
	for {
		message := c.reader.Next()
		if message == nil {
			return
		}

		if c.peer == nil {
			connect, ok := message.(*types.ConnectMessage)
			if !ok {
				n.log.Warnf("a message from an unknown peer was received, dropping the socket")
				n.dropOrphan(c)
				c.sock.Close()
				return
			}
			if !n.adoptOrphan(c, connect) {
				return
			}
			continue
		}

		if message.TypeID() == types.TypeDisconnect {
			// remove first, the synchronous disconnect listeners
			// expect the peer map to be consistent already
			n.mutex.Lock()
			delete(n.peers, c.peer.id)
			n.mutex.Unlock()
			c.peer.Receive(message)
			return
		}
		c.peer.Receive(message)
	}
}

// adoptOrphan promotes a pre handshake socket into a full peer after
// its connect frame arrived.
func (n *Network) adoptOrphan(c *conduit, connect *types.ConnectMessage) bool {
	host := c.sock.RemoteIP().String()
	peer := newPeer(host, connect.Port, n.config.UserID, n.log)
	if err := peer.adopt(c.sock, connect, n.config.ListeningPort); err != nil {
		n.log.Errorf("failed to finish the handshake with %s: %v", host, err)
		peer.lane.Stop()
		n.dropOrphan(c)
		c.sock.Close()
		return false
	}

	c.peer = peer
	n.mutex.Lock()
	n.dropOrphanLocked(c)
	n.peers[peer.id] = peer
	n.mutex.Unlock()

	BrokerFor(types.TypeNewPeer).Publish(types.NewNewPeerMessage(peer))
	n.log.Infof("peer %d connected from %s:%d", peer.id, host, connect.Port)
	return true
}

func (n *Network) handleClosed(c *conduit) {
	if c.peer == nil {
		n.dropOrphan(c)
		c.sock.Close()
		return
	}

	current := c.peer.currentStream()
	if c.peer.active.Load() && current != nil && current != c.sock {
		// the peer replaced its stream socket in place, follow it
		nc := &conduit{sock: current, reader: NewFrameReader(), peer: c.peer}
		n.invoker.Spawn(func() { n.streamLoop(nc) })
		return
	}

	n.mutex.Lock()
	_, present := n.peers[c.peer.id]
	delete(n.peers, c.peer.id)
	n.mutex.Unlock()
	if present {
		n.log.Warnf("peer %d dropped on a socket error", c.peer.id)
	}
	c.peer.teardown()
}

// reap drops peers that marked themselves destroyed, e.g. after a
// failed write on their lane.
func (n *Network) reap() {
	n.mutex.Lock()
	var dead []*Peer
	for id, peer := range n.peers {
		if !peer.active.Load() {
			dead = append(dead, peer)
			delete(n.peers, id)
		}
	}
	n.mutex.Unlock()

	for _, peer := range dead {
		peer.teardown()
	}
}

func (n *Network) dropOrphan(c *conduit) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.dropOrphanLocked(c)
}

func (n *Network) dropOrphanLocked(c *conduit) {
	kept := n.orphans[:0]
	for _, o := range n.orphans {
		if o != c {
			kept = append(kept, o)
		}
	}
	n.orphans = kept
}
