package types

import "encoding/binary"

// The message types the bus itself needs. Everything below
// TypeApplication, except TypeStandard, is reserved.
const (
	// TypeInvalid is never valid on the wire.
	TypeInvalid uint16 = 0

	// TypeStandard is the plain string payload message.
	TypeStandard uint16 = 1

	// TypeSubscribe asks the receiver to forward a message type back.
	TypeSubscribe uint16 = 2

	// TypeConnect opens the handshake and advertises the listening
	// port and user id of the sender.
	TypeConnect uint16 = 3

	// TypeDisconnect announces that the sender is leaving.
	TypeDisconnect uint16 = 4

	// TypeNewPeer is the local only event published when a peer joins.
	TypeNewPeer uint16 = 5

	// TypeApplication is the first id free for applications.
	TypeApplication uint16 = 6
)

// RemotePeer is the read side view of a connected peer that control
// events carry, kept narrow so the message model does not depend on
// the connection machinery.
type RemotePeer interface {
	PeerID() PeerID
	ListeningPort() uint16
	IsConnected() bool
}

// SubscribeMessage asks the receiving peer to forward every message of
// the carried type over this connection.
type SubscribeMessage struct {
	Meta
	Type uint16
}

func NewSubscribeMessage(subscribe uint16) *SubscribeMessage {
	return &SubscribeMessage{Meta: Meta{Proto: TransportStream}, Type: subscribe}
}

func (m *SubscribeMessage) TypeID() uint16     { return TypeSubscribe }
func (m *SubscribeMessage) BodyLength() uint16 { return 2 }

func (m *SubscribeMessage) Encode() []byte {
	frame := EncodeHeader(TypeSubscribe, m.BodyLength())
	frame = append(frame, 0, 0)
	binary.LittleEndian.PutUint16(frame[HeaderSize:], m.Type)
	return frame
}

func decodeSubscribe(frame []byte) Message {
	if len(frame) < HeaderSize+2 {
		return nil
	}
	return NewSubscribeMessage(binary.LittleEndian.Uint16(frame[HeaderSize:]))
}

// ConnectMessage carries everything the remote needs to finish the
// handshake: the advertised listening port and the sender user id.
type ConnectMessage struct {
	Meta
	Port uint16
	User UserID
}

func NewConnectMessage(port uint16, user UserID) *ConnectMessage {
	return &ConnectMessage{Meta: Meta{Proto: TransportStream}, Port: port, User: user}
}

func (m *ConnectMessage) TypeID() uint16     { return TypeConnect }
func (m *ConnectMessage) BodyLength() uint16 { return 6 }

func (m *ConnectMessage) Encode() []byte {
	frame := EncodeHeader(TypeConnect, m.BodyLength())
	frame = append(frame, 0, 0, 0, 0, 0, 0)
	binary.LittleEndian.PutUint16(frame[HeaderSize:], m.Port)
	binary.LittleEndian.PutUint32(frame[HeaderSize+2:], uint32(m.User))
	return frame
}

func decodeConnect(frame []byte) Message {
	if len(frame) < HeaderSize+6 {
		return nil
	}
	port := binary.LittleEndian.Uint16(frame[HeaderSize:])
	user := UserID(binary.LittleEndian.Uint32(frame[HeaderSize+2:]))
	return NewConnectMessage(port, user)
}

// DisconnectMessage says goodbye. The frame has no body.
type DisconnectMessage struct {
	Meta
}

func NewDisconnectMessage() *DisconnectMessage {
	return &DisconnectMessage{Meta: Meta{Proto: TransportStream}}
}

func (m *DisconnectMessage) TypeID() uint16     { return TypeDisconnect }
func (m *DisconnectMessage) BodyLength() uint16 { return 0 }

func (m *DisconnectMessage) Encode() []byte {
	return EncodeHeader(TypeDisconnect, 0)
}

func decodeDisconnect(frame []byte) Message {
	return NewDisconnectMessage()
}

// NewPeerMessage is published on its broker whenever a peer finished
// the handshake. It never traverses the wire.
type NewPeerMessage struct {
	Meta
	Peer RemotePeer
}

func NewNewPeerMessage(peer RemotePeer) *NewPeerMessage {
	return &NewPeerMessage{Meta: Meta{Proto: TransportLocal}, Peer: peer}
}

func (m *NewPeerMessage) TypeID() uint16     { return TypeNewPeer }
func (m *NewPeerMessage) BodyLength() uint16 { return 0 }
func (m *NewPeerMessage) Encode() []byte     { return nil }

// A new peer event received from the wire can only be a stray or
// malicious frame, so the decoder rejects it.
func decodeNewPeer(frame []byte) Message {
	return nil
}

// RegisterControlCatalog installs the decoders the bus needs before any
// network I/O happens. Safe to call more than once.
func RegisterControlCatalog() {
	Register(TypeSubscribe, decodeSubscribe)
	Register(TypeConnect, decodeConnect)
	Register(TypeDisconnect, decodeDisconnect)
	Register(TypeNewPeer, decodeNewPeer)
}
