package types

import "github.com/vmihailenco/msgpack/v5"

// StandardMessage is the basic payload message, a string body under the
// reserved standard type id. Defaults to the stream transport.
type StandardMessage struct {
	Meta
	Body string
}

func NewStandardMessage(body string) *StandardMessage {
	return &StandardMessage{Meta: Meta{Proto: TransportStream}, Body: body}
}

// SetTransport switches the message between stream and datagram.
func (m *StandardMessage) SetTransport(transport Transport) { m.Proto = transport }

func (m *StandardMessage) TypeID() uint16     { return TypeStandard }
func (m *StandardMessage) BodyLength() uint16 { return uint16(len(m.Body)) }

func (m *StandardMessage) Encode() []byte {
	frame := EncodeHeader(TypeStandard, m.BodyLength())
	return append(frame, m.Body...)
}

func decodeStandard(frame []byte) Message {
	_, length := Header(frame)
	if len(frame) < HeaderSize+int(length) {
		return nil
	}
	return NewStandardMessage(string(frame[HeaderSize : HeaderSize+int(length)]))
}

// RegisterStandardMessage installs the standard message decoder.
func RegisterStandardMessage() {
	Register(TypeStandard, decodeStandard)
}

// DataMessage ships an application struct as a msgpack body under an
// application chosen type id. Both ends must register the same id.
type DataMessage struct {
	Meta
	Type uint16
	Raw  []byte
}

// NewDataMessage serializes value with msgpack under the given type id.
func NewDataMessage(id uint16, value interface{}) (*DataMessage, error) {
	raw, err := msgpack.Marshal(value)
	if err != nil {
		return nil, err
	}
	return &DataMessage{Meta: Meta{Proto: TransportStream}, Type: id, Raw: raw}, nil
}

// SetTransport switches the message between stream and datagram.
func (m *DataMessage) SetTransport(transport Transport) { m.Proto = transport }

// Unpack deserializes the body into value.
func (m *DataMessage) Unpack(value interface{}) error {
	return msgpack.Unmarshal(m.Raw, value)
}

func (m *DataMessage) TypeID() uint16     { return m.Type }
func (m *DataMessage) BodyLength() uint16 { return uint16(len(m.Raw)) }

func (m *DataMessage) Encode() []byte {
	frame := EncodeHeader(m.Type, m.BodyLength())
	return append(frame, m.Raw...)
}

// RegisterDataMessage installs a DataMessage decoder under the given
// application type id.
func RegisterDataMessage(id uint16) {
	Register(id, func(frame []byte) Message {
		typ, length := Header(frame)
		if len(frame) < HeaderSize+int(length) {
			return nil
		}
		raw := make([]byte, length)
		copy(raw, frame[HeaderSize:])
		return &DataMessage{Meta: Meta{Proto: TransportStream}, Type: typ, Raw: raw}
	})
}
