package types

import (
	"bytes"
	"testing"
)

func TestMessage_StandardRoundTrip(t *testing.T) {
	RegisterStandardMessage()

	body := "the quick brown fox"
	frame := NewStandardMessage(body).Encode()

	id, length := Header(frame)
	if id != TypeStandard {
		t.Fatalf("expected type %d, found %d", TypeStandard, id)
	}
	if int(length) != len(body) {
		t.Fatalf("header announces %d bytes, body has %d", length, len(body))
	}

	decoded := Decode(frame)
	if decoded == nil {
		t.Fatal("failed decoding a standard frame")
	}
	standard, ok := decoded.(*StandardMessage)
	if !ok {
		t.Fatalf("decoded the wrong message kind %#v", decoded)
	}
	if standard.Body != body {
		t.Fatalf("expected body %q, found %q", body, standard.Body)
	}
	if !standard.Incoming() {
		t.Error("a decoded message must be marked incoming")
	}
	if standard.SenderID() != 0 {
		t.Errorf("no peer stamped this message, found sender %d", standard.SenderID())
	}
}

func TestMessage_ControlRoundTrip(t *testing.T) {
	RegisterControlCatalog()

	connect := Decode(NewConnectMessage(5001, 42).Encode())
	if connect == nil {
		t.Fatal("failed decoding a connect frame")
	}
	if m := connect.(*ConnectMessage); m.Port != 5001 || m.User != 42 {
		t.Fatalf("connect did not survive the wire: %#v", m)
	}

	subscribe := Decode(NewSubscribeMessage(900).Encode())
	if subscribe == nil {
		t.Fatal("failed decoding a subscribe frame")
	}
	if m := subscribe.(*SubscribeMessage); m.Type != 900 {
		t.Fatalf("subscribe did not survive the wire: %#v", m)
	}

	disconnect := NewDisconnectMessage().Encode()
	if len(disconnect) != HeaderSize {
		t.Fatalf("a disconnect frame has no body, found %d bytes", len(disconnect))
	}
	if Decode(disconnect) == nil {
		t.Fatal("failed decoding a disconnect frame")
	}
}

func TestMessage_WireIsLittleEndian(t *testing.T) {
	frame := NewSubscribeMessage(0x0102).Encode()
	expected := []byte{byte(TypeSubscribe), 0x00, 0x02, 0x00, 0x02, 0x01}
	if !bytes.Equal(frame, expected) {
		t.Fatalf("expected wire bytes %v, found %v", expected, frame)
	}
}

func TestMessage_RegistryIsIdempotent(t *testing.T) {
	first := func(frame []byte) Message { return NewStandardMessage("first") }
	second := func(frame []byte) Message { return NewStandardMessage("second") }

	if !Register(40001, first) {
		t.Fatal("first registration must win")
	}
	if Register(40001, second) {
		t.Fatal("a registered id must not be replaced")
	}

	frame := EncodeHeader(40001, 0)
	decoded := Decode(frame)
	if decoded == nil {
		t.Fatal("failed decoding after registration")
	}
	if decoded.(*StandardMessage).Body != "first" {
		t.Fatal("the second registration replaced the first decoder")
	}
}

func TestMessage_RegistrationOrderIsFree(t *testing.T) {
	// sparse and non monotonic ids are fine
	if !Register(40007, func(frame []byte) Message { return NewStandardMessage("") }) {
		t.Fatal("failed registering a sparse id")
	}
	if !Register(40005, func(frame []byte) Message { return NewStandardMessage("") }) {
		t.Fatal("failed registering below an existing id")
	}
	if !Registered(40007) || !Registered(40005) {
		t.Fatal("registrations were lost")
	}
}

func TestMessage_DecodeUnknownType(t *testing.T) {
	if Decode(EncodeHeader(39999, 0)) != nil {
		t.Fatal("an unregistered type must not decode")
	}
}

func TestMessage_DecodeTruncatedFrame(t *testing.T) {
	RegisterStandardMessage()

	frame := NewStandardMessage("truncated").Encode()
	if Decode(frame[:len(frame)-3]) != nil {
		t.Fatal("a frame shorter than its header announces must not decode")
	}
}

func TestMessage_NewPeerNeverDecodes(t *testing.T) {
	RegisterControlCatalog()
	if Decode(EncodeHeader(TypeNewPeer, 0)) != nil {
		t.Fatal("a new peer event from the wire must be rejected")
	}
}

func TestMessage_DataMessageRoundTrip(t *testing.T) {
	type record struct {
		User uint32
		Body string
	}

	RegisterDataMessage(40100)
	message, err := NewDataMessage(40100, record{User: 7, Body: "hello"})
	if err != nil {
		t.Fatalf("failed packing: %v", err)
	}

	decoded := Decode(message.Encode())
	if decoded == nil {
		t.Fatal("failed decoding a data frame")
	}

	var out record
	if err := decoded.(*DataMessage).Unpack(&out); err != nil {
		t.Fatalf("failed unpacking: %v", err)
	}
	if out.User != 7 || out.Body != "hello" {
		t.Fatalf("record did not survive the wire: %#v", out)
	}
}
