package core

import (
	"sync"

	"github.com/jabolina/go-meshbus/pkg/meshbus/definition"
	"github.com/jabolina/go-meshbus/pkg/meshbus/types"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// DirectNetwork is the two party sibling of the mesh: one stream and
// one datagram connection to exactly one remote process, no peer map
// and no forwarding subscriptions. Everything received is published on
// the broker of its type, everything sent goes out unconditionally.
//
// One side calls Connect, the other Listen.
type DirectNetwork struct {
	log       types.Logger
	connected *atomic.Bool
	torn      *atomic.Bool

	socketsMutex  sync.Mutex
	stream        *StreamSocket
	dgramIn       *DatagramSocket
	dgramOut      *DatagramSocket
	acceptor      *Acceptor
	hostPort      uint16
	listeningPort uint16

	halt    chan struct{}
	invoker Invoker
}

func NewDirectNetwork(log types.Logger) *DirectNetwork {
	if log == nil {
		log = definition.LoggerFor("meshbus")
	}
	types.RegisterControlCatalog()
	return &DirectNetwork{
		log:       log,
		connected: atomic.NewBool(false),
		torn:      atomic.NewBool(false),
		halt:      make(chan struct{}),
		invoker:   NewInvoker(),
	}
}

// Connect actively dials the remote at host:hostPort and announces
// listeningPort as the local datagram receive port.
func (d *DirectNetwork) Connect(host string, hostPort uint16, listeningPort uint16) error {
	if d.connected.Load() {
		return errors.New("direct network is already connected")
	}

	d.socketsMutex.Lock()
	defer d.socketsMutex.Unlock()
	d.hostPort = hostPort
	d.listeningPort = listeningPort

	d.dgramIn = NewDatagramSocket()
	if err := d.dgramIn.Bind(listeningPort); err != nil {
		return err
	}
	d.dgramOut = NewDatagramSocket()
	if err := d.dgramOut.Connect(host, hostPort); err != nil {
		d.closeSockets()
		return err
	}
	d.stream = NewStreamSocket()
	if err := d.stream.Connect(host, hostPort); err != nil {
		d.closeSockets()
		return err
	}

	if err := d.stream.WriteAll(types.NewConnectMessage(listeningPort, 0).Encode()); err != nil {
		d.closeSockets()
		return err
	}

	d.connected.Store(true)
	d.start()
	return nil
}

// Listen blocks until a remote connects, finishes the mirrored connect
// exchange and starts receiving.
func (d *DirectNetwork) Listen(listeningPort uint16) error {
	if d.connected.Load() {
		return errors.New("direct network is already connected")
	}

	d.socketsMutex.Lock()
	d.listeningPort = listeningPort
	d.acceptor = NewAcceptor()
	if err := d.acceptor.Bind(listeningPort); err != nil {
		d.socketsMutex.Unlock()
		return err
	}
	d.dgramIn = NewDatagramSocket()
	if err := d.dgramIn.Bind(listeningPort); err != nil {
		d.closeSockets()
		d.socketsMutex.Unlock()
		return err
	}
	acceptor := d.acceptor
	d.socketsMutex.Unlock()

	stream, err := acceptor.Accept()
	if err != nil {
		return err
	}

	// the first frame must introduce the remote
	reader := NewFrameReader()
	buf := make([]byte, types.DefaultReadBufferSize)
	var first types.Message
	for first == nil {
		n, err := stream.ReadInto(buf)
		if err != nil {
			stream.Close()
			return err
		}
		reader.Append(buf[:n])
		first = reader.Next()
	}
	connect, ok := first.(*types.ConnectMessage)
	if !ok {
		stream.Close()
		return errors.New("the first received message was not a connect")
	}

	d.socketsMutex.Lock()
	defer d.socketsMutex.Unlock()
	d.hostPort = connect.Port
	d.stream = stream
	d.dgramOut = NewDatagramSocket()
	if err := d.dgramOut.Connect(stream.RemoteIP().String(), connect.Port); err != nil {
		d.closeSockets()
		return err
	}
	if err := d.stream.WriteAll(types.NewConnectMessage(listeningPort, 0).Encode()); err != nil {
		d.closeSockets()
		return err
	}

	d.connected.Store(true)
	d.start(reader)
	return nil
}

// start spawns both receive loops. An optional reader carries frames
// that arrived behind the connect exchange.
func (d *DirectNetwork) start(readers ...*FrameReader) {
	reader := NewFrameReader()
	if len(readers) > 0 {
		reader = readers[0]
	}
	d.invoker.Spawn(func() { d.streamLoop(reader) })
	d.invoker.Spawn(d.datagramLoop)
}

func (d *DirectNetwork) streamLoop(reader *FrameReader) {
	for message := reader.Next(); message != nil; message = reader.Next() {
		if !d.handle(message) {
			return
		}
	}

	buf := make([]byte, types.DefaultReadBufferSize)
	for {
		select {
		case <-d.halt:
			return
		default:
		}

		n, err := d.stream.ReadInto(buf)
		if err != nil {
			return
		}
		reader.Append(buf[:n])
		for message := reader.Next(); message != nil; message = reader.Next() {
			if !d.handle(message) {
				return
			}
		}
	}
}

func (d *DirectNetwork) datagramLoop() {
	buf := make([]byte, types.DefaultReadBufferSize)
	for {
		n, err := d.dgramIn.ReadInto(buf)
		if err != nil {
			return
		}
		if message := types.Decode(buf[:n]); message != nil {
			d.handle(message)
		}
	}
}

// handle consumes one inbound message, false stops the receive loop.
func (d *DirectNetwork) handle(message types.Message) bool {
	switch m := message.(type) {
	case *types.ConnectMessage:
		d.socketsMutex.Lock()
		d.hostPort = m.Port
		d.socketsMutex.Unlock()
		return true
	case *types.DisconnectMessage:
		BrokerFor(types.TypeDisconnect).Publish(message)
		d.teardown()
		return false
	default:
		BrokerFor(message.TypeID()).Publish(message)
		return true
	}
}

// SendMessage writes the message over the transport it asks for.
func (d *DirectNetwork) SendMessage(message types.Message) bool {
	if message == nil || !d.connected.Load() {
		return false
	}

	d.socketsMutex.Lock()
	defer d.socketsMutex.Unlock()
	switch message.Transport() {
	case types.TransportLocal:
		return true
	case types.TransportStream:
		if err := d.stream.WriteAll(message.Encode()); err != nil {
			d.log.Errorf("failed to send on the direct connection: %v", err)
			return false
		}
		return true
	case types.TransportDatagram:
		if err := d.dgramOut.WriteAll(message.Encode()); err != nil {
			d.log.Errorf("failed to send datagram on the direct connection: %v", err)
			return false
		}
		return true
	default:
		return false
	}
}

// IsConnected reports whether the exchange finished and the stream
// still probes healthy.
func (d *DirectNetwork) IsConnected() bool {
	if !d.connected.Load() {
		return false
	}
	d.socketsMutex.Lock()
	defer d.socketsMutex.Unlock()
	return d.stream != nil && d.stream.IsConnected()
}

// HostPort the remote advertised for its datagram receive socket.
func (d *DirectNetwork) HostPort() uint16 {
	d.socketsMutex.Lock()
	defer d.socketsMutex.Unlock()
	return d.hostPort
}

// Disconnect says goodbye and joins the receive loops.
func (d *DirectNetwork) Disconnect() {
	if d.connected.Load() {
		d.SendMessage(types.NewDisconnectMessage())
	}
	d.teardown()
	d.invoker.Stop()
}

func (d *DirectNetwork) teardown() {
	if !d.torn.CAS(false, true) {
		return
	}
	d.connected.Store(false)
	close(d.halt)

	d.socketsMutex.Lock()
	d.closeSockets()
	d.socketsMutex.Unlock()
}

// closeSockets must run under socketsMutex.
func (d *DirectNetwork) closeSockets() {
	if d.stream != nil {
		d.stream.Close()
	}
	if d.dgramIn != nil {
		d.dgramIn.Close()
	}
	if d.dgramOut != nil {
		d.dgramOut.Close()
	}
	if d.acceptor != nil {
		d.acceptor.Close()
	}
}
