package core

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/jabolina/go-meshbus/pkg/meshbus/types"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const (
	statusIdle uint32 = iota
	statusHalfOpen
	statusEstablished
)

// Peer ids are handed out by a process wide counter, so two networks
// inside one process never stamp the same id on a message.
var peerCounter = atomic.NewUint32(0)

// Peer is the handle for one remote participant. It owns the stream
// and datagram sockets towards the remote, runs the connect handshake
// and forwards locally published messages for every type the remote
// subscribed.
//
// Peers are created and exclusively owned by their Network.
type Peer struct {
	id   types.PeerID
	user types.UserID

	// Learned from the connect handshake, tags datagram origins.
	remoteUser types.UserID

	status *atomic.Uint32
	active *atomic.Bool
	torn   *atomic.Bool

	socketsMutex sync.Mutex
	host         string
	port         uint16
	stream       *StreamSocket
	dgramOut     *DatagramSocket

	subscribedMutex sync.Mutex
	subscribed      []uint16

	// Outbound write lane. One worker keeps the wire in publish order
	// without stalling broker delivery on a slow remote.
	lane *workerpool.WorkerPool

	log types.Logger
}

func newPeer(host string, port uint16, user types.UserID, log types.Logger) *Peer {
	return &Peer{
		id:     types.PeerID(peerCounter.Inc()),
		user:   user,
		status: atomic.NewUint32(statusIdle),
		active: atomic.NewBool(true),
		torn:   atomic.NewBool(false),
		host:   host,
		port:   port,
		lane:   workerpool.New(1),
		log:    log,
	}
}

// connect runs the outbound handshake: dial both sockets, announce our
// listening port and user id, require a connect frame back. Returns
// the frame reader used for the reply so the network can adopt frames
// the remote pipelined behind it.
func (p *Peer) connect(listeningPort uint16) (*FrameReader, error) {
	if p.status.Load() != statusIdle {
		return nil, errors.New("peer is already connected")
	}

	dgram := NewDatagramSocket()
	if err := dgram.Connect(p.host, p.port); err != nil {
		return nil, err
	}
	stream := NewStreamSocket()
	if err := stream.Connect(p.host, p.port); err != nil {
		dgram.Close()
		return nil, err
	}

	p.socketsMutex.Lock()
	defer p.socketsMutex.Unlock()
	p.stream = stream
	p.dgramOut = dgram
	p.status.Store(statusHalfOpen)

	frame := types.NewConnectMessage(listeningPort, p.user).Encode()
	// the remote is contacted twice before giving up
	if err := stream.WriteAll(frame); err != nil {
		if err = stream.WriteAll(frame); err != nil {
			p.closeSockets()
			p.status.Store(statusIdle)
			return nil, err
		}
	}

	reader := NewFrameReader()
	buf := make([]byte, types.DefaultReadBufferSize)
	var reply types.Message
	for reply == nil {
		n, err := stream.ReadInto(buf)
		if err != nil {
			p.closeSockets()
			p.status.Store(statusIdle)
			return nil, err
		}
		reader.Append(buf[:n])
		reply = reader.Next()
	}

	connect, ok := reply.(*types.ConnectMessage)
	if !ok {
		p.closeSockets()
		p.status.Store(statusIdle)
		return nil, errors.New("the first message from a peer was not a connect")
	}

	// the advertised port may differ from the initial dial target
	p.port = connect.Port
	p.remoteUser = connect.User
	p.status.Store(statusEstablished)
	return reader, nil
}

// adopt finishes the inbound handshake on an accepted stream socket:
// dial the datagram socket towards the advertised port and answer with
// our own connect frame.
func (p *Peer) adopt(stream *StreamSocket, connect *types.ConnectMessage, listeningPort uint16) error {
	if p.status.Load() != statusIdle {
		return errors.New("peer is already connected")
	}
	if !stream.IsConnected() {
		return errors.New("a peer connected but the accepted socket is not usable")
	}

	p.socketsMutex.Lock()
	defer p.socketsMutex.Unlock()

	dgram := NewDatagramSocket()
	if err := dgram.Connect(p.host, connect.Port); err != nil {
		return err
	}

	p.stream = stream
	p.dgramOut = dgram
	p.port = connect.Port
	p.remoteUser = connect.User

	frame := types.NewConnectMessage(listeningPort, p.user).Encode()
	if err := stream.WriteAll(frame); err != nil {
		if err = stream.WriteAll(frame); err != nil {
			p.closeSockets()
			return err
		}
	}

	p.status.Store(statusEstablished)
	return nil
}

// Send writes the message to the remote over the transport the message
// asks for. Messages reconstructed from the network are consumed
// silently, forwarding them again would storm any cycle in the mesh.
func (p *Peer) Send(message types.Message) bool {
	if message == nil || !p.active.Load() {
		return false
	}
	if message.Incoming() {
		return true
	}
	if p.status.Load() != statusEstablished {
		p.log.Warnf("message dropped because peer %d is not connected", p.id)
		return false
	}

	switch message.Transport() {
	case types.TransportLocal:
		return true
	case types.TransportStream:
		return p.writeStream(message.Encode())
	case types.TransportDatagram:
		frame := message.Encode()
		trailer := make([]byte, types.UserTrailerSize)
		binary.LittleEndian.PutUint32(trailer, uint32(p.user))
		return p.writeDatagram(append(frame, trailer...))
	default:
		p.log.Warnf("message of type %d has no transport", message.TypeID())
		return false
	}
}

// writeStream sends on the stream socket, reconnecting it in place
// exactly once when the write fails. A second failure marks the peer
// for destruction, the network reaps it on the next loop pass.
func (p *Peer) writeStream(frame []byte) bool {
	p.socketsMutex.Lock()
	defer p.socketsMutex.Unlock()
	if !p.active.Load() {
		return false
	}

	if err := p.stream.WriteAll(frame); err == nil {
		return true
	}

	replacement := NewStreamSocket()
	if err := replacement.Connect(p.host, p.port); err != nil {
		p.log.Errorf("failed to reconnect peer %d: %v", p.id, err)
		p.destroy()
		return false
	}
	p.stream.Close()
	p.stream = replacement

	if err := p.stream.WriteAll(frame); err != nil {
		p.log.Errorf("failed to send to peer %d: %v", p.id, err)
		p.destroy()
		return false
	}
	return true
}

func (p *Peer) writeDatagram(packet []byte) bool {
	p.socketsMutex.Lock()
	defer p.socketsMutex.Unlock()
	if !p.active.Load() {
		return false
	}
	if err := p.dgramOut.WriteAll(packet); err != nil {
		p.log.Errorf("failed to send datagram to peer %d: %v", p.id, err)
		return false
	}
	return true
}

// OnMessage makes the peer a broker listener. Local traffic on a
// subscribed type is handed to the write lane, wire reconstructed
// messages are consumed without forwarding.
func (p *Peer) OnMessage(message types.Message) bool {
	if message == nil || message.Incoming() || !p.active.Load() {
		return true
	}
	p.lane.Submit(func() {
		p.Send(message)
	})
	return true
}

// Receive is called by the network for every message that arrived from
// this peer, on either transport.
func (p *Peer) Receive(message types.Message) {
	if message == nil || !p.active.Load() {
		return
	}
	message.SetSenderID(p.id)

	switch m := message.(type) {
	case *types.SubscribeMessage:
		BrokerFor(m.Type).RegisterListener(p)
		p.subscribedMutex.Lock()
		p.subscribed = append(p.subscribed, m.Type)
		p.subscribedMutex.Unlock()
		p.log.Infof("peer %d subscribed message %d", p.id, m.Type)
	case *types.DisconnectMessage:
		// the disconnect broker runs synchronously, listeners see the
		// departure before the sockets go away
		BrokerFor(types.TypeDisconnect).Publish(message)
		p.teardown()
	default:
		BrokerFor(message.TypeID()).Publish(message)
	}
}

// Subscribe asks the remote to forward every message of the given type
// over this connection.
func (p *Peer) Subscribe(id uint16) bool {
	return p.Send(types.NewSubscribeMessage(id))
}

// destroy flags the peer unusable. Sockets stay untouched until
// teardown so a concurrent reader fails over on its own.
func (p *Peer) destroy() {
	p.active.Store(false)
	p.status.Store(statusIdle)
}

// disconnect says goodbye to the remote and tears the peer down.
func (p *Peer) disconnect(sendMessage bool) {
	if sendMessage && p.status.Load() != statusIdle {
		p.Send(types.NewDisconnectMessage())
	}
	p.teardown()
}

// teardown unregisters the peer from every broker it forwarded for,
// closes both sockets and stops the write lane. Runs at most once.
func (p *Peer) teardown() {
	if !p.torn.CAS(false, true) {
		return
	}

	p.subscribedMutex.Lock()
	subscribed := p.subscribed
	p.subscribed = nil
	p.subscribedMutex.Unlock()
	for _, id := range subscribed {
		BrokerFor(id).UnregisterListener(p)
	}

	p.socketsMutex.Lock()
	p.destroy()
	p.closeSockets()
	p.socketsMutex.Unlock()

	p.lane.Stop()
}

// closeSockets must run under socketsMutex.
func (p *Peer) closeSockets() {
	if p.stream != nil {
		p.stream.Close()
	}
	if p.dgramOut != nil {
		p.dgramOut.Close()
	}
}

// currentStream snapshots the stream socket, used by the event loop to
// tell a replaced socket from a dead peer.
func (p *Peer) currentStream() *StreamSocket {
	p.socketsMutex.Lock()
	defer p.socketsMutex.Unlock()
	return p.stream
}

func (p *Peer) PeerID() types.PeerID { return p.id }

// RemoteUserID of the process behind this peer, zero before the
// handshake finished.
func (p *Peer) RemoteUserID() types.UserID { return p.remoteUser }

// IP of the remote endpoint, nil while not connected.
func (p *Peer) IP() net.IP {
	p.socketsMutex.Lock()
	defer p.socketsMutex.Unlock()
	if p.stream == nil {
		return nil
	}
	return p.stream.RemoteIP()
}

// ListeningPort the remote advertised in its connect frame.
func (p *Peer) ListeningPort() uint16 {
	p.socketsMutex.Lock()
	defer p.socketsMutex.Unlock()
	return p.port
}

// IsConnected probes both sockets. A failed probe degrades the peer
// out of established.
func (p *Peer) IsConnected() bool {
	if p.status.Load() != statusEstablished {
		return false
	}

	p.socketsMutex.Lock()
	stream, dgram := p.stream, p.dgramOut
	p.socketsMutex.Unlock()

	if stream != nil && stream.IsConnected() && dgram != nil && dgram.IsConnected() {
		return true
	}
	p.status.Store(statusHalfOpen)
	return false
}
