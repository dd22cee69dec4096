package core

import (
	"io"
	"net"
	"syscall"
	"time"

	"github.com/jabolina/go-meshbus/pkg/meshbus/helper"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

var (
	ErrBindFailed    = errors.New("bind failed")
	ErrConnectFailed = errors.New("connect failed")
	ErrReadFailed    = errors.New("read failed")
	ErrWriteFailed   = errors.New("write failed")
	ErrPeerClosed    = errors.New("peer closed the connection")
)

// How long a dial may take before the handshake gives up.
const dialTimeout = 5 * time.Second

// StreamSocket wraps one TCP connection behind the read/write/connect
// contract the event loop expects. Any failure leaves the socket
// unusable, there is no partial recovery at this layer.
type StreamSocket struct {
	conn      net.Conn
	connected *atomic.Bool
}

func NewStreamSocket() *StreamSocket {
	return &StreamSocket{connected: atomic.NewBool(false)}
}

// adoptStreamSocket wraps an already connected conn, used by the
// acceptor.
func adoptStreamSocket(conn net.Conn) *StreamSocket {
	return &StreamSocket{conn: conn, connected: atomic.NewBool(true)}
}

func (s *StreamSocket) Connect(host string, port uint16) error {
	if s.conn != nil {
		return errors.Wrap(ErrConnectFailed, "socket is already connected")
	}

	conn, err := net.DialTimeout("tcp", helper.HostPort(host, port), dialTimeout)
	if err != nil {
		return errors.Wrapf(ErrConnectFailed, "dial %s:%d: %v", host, port, err)
	}

	s.conn = conn
	s.connected.Store(true)
	return nil
}

// ReadInto reads the available bytes into buf. Short reads are fine,
// the caller accumulates.
func (s *StreamSocket) ReadInto(buf []byte) (int, error) {
	if s.conn == nil || !s.connected.Load() {
		return 0, errors.Wrap(ErrReadFailed, "socket is not connected")
	}

	n, err := s.conn.Read(buf)
	if err != nil {
		s.connected.Store(false)
		if err == io.EOF {
			return n, ErrPeerClosed
		}
		return n, errors.Wrapf(ErrReadFailed, "%v", err)
	}
	return n, nil
}

// WriteAll loops until the whole buffer left the socket or an
// unrecoverable error occurred.
func (s *StreamSocket) WriteAll(b []byte) error {
	if s.conn == nil || !s.connected.Load() {
		return errors.Wrap(ErrWriteFailed, "socket is not connected")
	}

	for off := 0; off < len(b); {
		n, err := s.conn.Write(b[off:])
		if err != nil {
			s.connected.Store(false)
			return errors.Wrapf(ErrWriteFailed, "%v", err)
		}
		off += n
	}
	return nil
}

// IsConnected consults the OS error state of the connection, not just
// the remembered flag, so a half closed stream is detected even before
// the next read.
func (s *StreamSocket) IsConnected() bool {
	if s.conn == nil || !s.connected.Load() {
		return false
	}

	tcp, ok := s.conn.(*net.TCPConn)
	if !ok {
		return true
	}
	raw, err := tcp.SyscallConn()
	if err != nil {
		return false
	}

	// Control does not take the read lock, so the probe never waits on
	// a reader routine blocked in ReadInto on the same socket.
	alive := true
	probe := raw.Control(func(fd uintptr) {
		var one [1]byte
		n, _, err := syscall.Recvfrom(int(fd), one[:], syscall.MSG_PEEK|syscall.MSG_DONTWAIT)
		switch {
		case err == syscall.EAGAIN || err == syscall.EWOULDBLOCK:
			alive = true
		case err != nil:
			alive = false
		case n == 0:
			// orderly shutdown from the remote
			alive = false
		}
	})
	if probe != nil {
		return false
	}

	if !alive {
		s.connected.Store(false)
	}
	return alive
}

// RemoteIP of the connected endpoint, nil when not connected.
func (s *StreamSocket) RemoteIP() net.IP {
	if s.conn == nil {
		return nil
	}
	if addr, ok := s.conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP
	}
	return nil
}

func (s *StreamSocket) Close() error {
	s.connected.Store(false)
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// DatagramSocket wraps one UDP socket. Connect fixes the default
// destination, Bind turns it into the receiving socket of the process.
type DatagramSocket struct {
	conn      *net.UDPConn
	connected *atomic.Bool
}

func NewDatagramSocket() *DatagramSocket {
	return &DatagramSocket{connected: atomic.NewBool(false)}
}

func (s *DatagramSocket) Connect(host string, port uint16) error {
	if s.conn != nil {
		return errors.Wrap(ErrConnectFailed, "socket is already in use")
	}

	addr, err := net.ResolveUDPAddr("udp", helper.HostPort(host, port))
	if err != nil {
		return errors.Wrapf(ErrConnectFailed, "resolve %s:%d: %v", host, port, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return errors.Wrapf(ErrConnectFailed, "dial %s:%d: %v", host, port, err)
	}

	s.conn = conn
	s.connected.Store(true)
	return nil
}

func (s *DatagramSocket) Bind(port uint16) error {
	if s.conn != nil {
		return errors.Wrap(ErrBindFailed, "socket is already in use")
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return errors.Wrapf(ErrBindFailed, "port %d: %v", port, err)
	}

	s.conn = conn
	s.connected.Store(true)
	return nil
}

// ReadInto reads one datagram. A connected socket only hears its fixed
// destination, a bound socket hears anyone.
func (s *DatagramSocket) ReadInto(buf []byte) (int, error) {
	if s.conn == nil {
		return 0, errors.Wrap(ErrReadFailed, "socket is not in use")
	}
	n, err := s.conn.Read(buf)
	if err != nil {
		return n, errors.Wrapf(ErrReadFailed, "%v", err)
	}
	return n, nil
}

// RecvFrom reads one datagram from anyone, reporting the remote ip.
// A datagram larger than buf is truncated by the OS.
func (s *DatagramSocket) RecvFrom(buf []byte) (int, net.IP, error) {
	if s.conn == nil {
		return 0, nil, errors.Wrap(ErrReadFailed, "socket is not in use")
	}
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return n, nil, errors.Wrapf(ErrReadFailed, "%v", err)
	}
	return n, addr.IP, nil
}

// WriteAll sends b as a single datagram.
func (s *DatagramSocket) WriteAll(b []byte) error {
	if s.conn == nil || !s.connected.Load() {
		return errors.Wrap(ErrWriteFailed, "socket is not connected")
	}
	n, err := s.conn.Write(b)
	if err != nil {
		s.connected.Store(false)
		return errors.Wrapf(ErrWriteFailed, "%v", err)
	}
	if n != len(b) {
		return errors.Wrapf(ErrWriteFailed, "short datagram write, %d of %d", n, len(b))
	}
	return nil
}

func (s *DatagramSocket) IsConnected() bool {
	return s.conn != nil && s.connected.Load()
}

func (s *DatagramSocket) Close() error {
	s.connected.Store(false)
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Acceptor owns the listening stream socket.
type Acceptor struct {
	listener *net.TCPListener
}

func NewAcceptor() *Acceptor {
	return &Acceptor{}
}

func (a *Acceptor) Bind(port uint16) error {
	if a.listener != nil {
		return errors.Wrap(ErrBindFailed, "acceptor is already bound")
	}

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{Port: int(port)})
	if err != nil {
		return errors.Wrapf(ErrBindFailed, "port %d: %v", port, err)
	}

	a.listener = listener
	return nil
}

// Accept blocks for the next inbound stream. Returns ErrPeerClosed
// after Close.
func (a *Acceptor) Accept() (*StreamSocket, error) {
	if a.listener == nil {
		return nil, errors.Wrap(ErrReadFailed, "acceptor is not bound")
	}
	conn, err := a.listener.Accept()
	if err != nil {
		return nil, ErrPeerClosed
	}
	return adoptStreamSocket(conn), nil
}

func (a *Acceptor) Close() error {
	if a.listener == nil {
		return nil
	}
	return a.listener.Close()
}
