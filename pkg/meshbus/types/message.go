package types

import (
	"encoding/binary"
	"sync"

	"github.com/prometheus/common/log"
)

// HeaderSize is the fixed wire header, two little endian uint16,
// the message type followed by the body length.
const HeaderSize = 4

// UserTrailerSize is the little endian uint32 appended after the frame
// on every peer datagram, carrying the sender user id.
const UserTrailerSize = 4

// PeerID identifies a peer handle locally. Identifiers are handed out
// by a process wide counter and are never synchronized across the mesh.
type PeerID uint32

// UserID is chosen by the application for its own process and exchanged
// in the connect handshake, so datagram origins can be tagged.
type UserID uint32

// Transport selects over which socket a message travels when it is
// sent to a remote peer.
type Transport uint8

const (
	// TransportLocal messages never traverse the wire, they only exist
	// for in-process consumption, e.g. the new peer event.
	TransportLocal Transport = iota

	// TransportStream sends over the stream socket, FIFO per peer.
	TransportStream

	// TransportDatagram sends over the datagram socket, no delivery or
	// ordering guarantee.
	TransportDatagram
)

// Message is a typed, length prefixed record. Implementations provide
// the type id and the wire encoding, everything else lives on the
// embedded Meta.
type Message interface {
	// TypeID of the message, the first header field on the wire.
	TypeID() uint16

	// BodyLength in bytes, the second header field on the wire.
	BodyLength() uint16

	// Encode the full frame, header included. Local only messages
	// return nil.
	Encode() []byte

	// Transport over which this message travels.
	Transport() Transport

	// SenderID is the local id of the peer this message was received
	// from, zero when the message originated in this process.
	SenderID() PeerID

	// SetSenderID stamps the origin peer handle.
	SetSenderID(id PeerID)

	// Incoming reports whether the message was reconstructed from the
	// network. Incoming messages are never forwarded again.
	Incoming() bool

	// MarkIncoming flags the message as reconstructed from the network.
	MarkIncoming()
}

// Meta carries the bookkeeping shared by every message implementation.
// The zero value is a locally originated, local only message.
type Meta struct {
	Proto   Transport
	Sender  PeerID
	Inbound bool
}

func (m *Meta) Transport() Transport  { return m.Proto }
func (m *Meta) SenderID() PeerID      { return m.Sender }
func (m *Meta) SetSenderID(id PeerID) { m.Sender = id }
func (m *Meta) Incoming() bool        { return m.Inbound }
func (m *Meta) MarkIncoming()         { m.Inbound = true }

// Decoder reconstructs a message from a full frame. The slice starts at
// the header, the body sits at offset HeaderSize. A decoder may return
// nil to reject the frame.
type Decoder func(frame []byte) Message

var registry = struct {
	mutex    sync.RWMutex
	decoders map[uint16]Decoder
}{decoders: make(map[uint16]Decoder)}

// Register binds a decoder to a type id. The first registration wins,
// repeating it is a no-op, so every message implementation can register
// itself unconditionally at start up. Ids can be registered sparsely
// and in any order. Returns whether the decoder was installed.
func Register(id uint16, decoder Decoder) bool {
	if decoder == nil {
		return false
	}

	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	if _, ok := registry.decoders[id]; ok {
		return false
	}
	registry.decoders[id] = decoder
	return true
}

// Registered reports whether a decoder exists for the given type id.
func Registered(id uint16) bool {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	_, ok := registry.decoders[id]
	return ok
}

// Decode reconstructs a message from a full frame using the registered
// decoder for its type id and marks it incoming. Returns nil when the
// frame is short, the id is unknown or the decoder rejects the bytes.
func Decode(frame []byte) Message {
	if len(frame) < HeaderSize {
		return nil
	}

	id, length := Header(frame)
	if len(frame) < HeaderSize+int(length) {
		log.Warnf("frame of type %d announces %d body bytes, only %d present", id, length, len(frame)-HeaderSize)
		return nil
	}

	registry.mutex.RLock()
	decoder, ok := registry.decoders[id]
	registry.mutex.RUnlock()

	if !ok {
		log.Warnf("no decoder for type %d", id)
		return nil
	}

	message := decoder(frame)
	if message == nil {
		return nil
	}
	message.MarkIncoming()
	return message
}

// Header reads the type id and body length from the frame prefix.
// The caller must hand at least HeaderSize bytes.
func Header(frame []byte) (id uint16, length uint16) {
	id = binary.LittleEndian.Uint16(frame)
	length = binary.LittleEndian.Uint16(frame[2:])
	return
}

// EncodeHeader writes the wire header for a frame of the given type and
// body length into a fresh slice with capacity for the whole frame.
func EncodeHeader(id uint16, length uint16) []byte {
	frame := make([]byte, HeaderSize, HeaderSize+int(length))
	binary.LittleEndian.PutUint16(frame, id)
	binary.LittleEndian.PutUint16(frame[2:], length)
	return frame
}
