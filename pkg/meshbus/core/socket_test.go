package core

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func freePort(t *testing.T) uint16 {
	t.Helper()
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{})
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	defer listener.Close()
	return uint16(listener.Addr().(*net.TCPAddr).Port)
}

func TestStreamSocket_RoundTrip(t *testing.T) {
	port := freePort(t)
	acceptor := NewAcceptor()
	if err := acceptor.Bind(port); err != nil {
		t.Fatalf("failed binding the acceptor: %v", err)
	}
	defer acceptor.Close()

	accepted := make(chan *StreamSocket, 1)
	go func() {
		sock, err := acceptor.Accept()
		if err == nil {
			accepted <- sock
		}
	}()

	client := NewStreamSocket()
	if err := client.Connect("127.0.0.1", port); err != nil {
		t.Fatalf("failed connecting: %v", err)
	}
	defer client.Close()

	var server *StreamSocket
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("nothing was accepted")
	}
	defer server.Close()

	payload := []byte("across the wire")
	if err := client.WriteAll(payload); err != nil {
		t.Fatalf("failed writing: %v", err)
	}

	buf := make([]byte, 64)
	read := 0
	for read < len(payload) {
		n, err := server.ReadInto(buf[read:])
		if err != nil {
			t.Fatalf("failed reading: %v", err)
		}
		read += n
	}
	if !bytes.Equal(buf[:read], payload) {
		t.Fatalf("expected %q, found %q", payload, buf[:read])
	}

	if !client.IsConnected() || !server.IsConnected() {
		t.Fatal("both ends must probe connected")
	}
}

func TestStreamSocket_DetectsHalfClose(t *testing.T) {
	port := freePort(t)
	acceptor := NewAcceptor()
	if err := acceptor.Bind(port); err != nil {
		t.Fatalf("failed binding the acceptor: %v", err)
	}
	defer acceptor.Close()

	accepted := make(chan *StreamSocket, 1)
	go func() {
		sock, err := acceptor.Accept()
		if err == nil {
			accepted <- sock
		}
	}()

	client := NewStreamSocket()
	if err := client.Connect("127.0.0.1", port); err != nil {
		t.Fatalf("failed connecting: %v", err)
	}
	defer client.Close()
	server := <-accepted

	server.Close()
	if !eventually(func() bool { return !client.IsConnected() }, 2*time.Second) {
		t.Fatal("the probe never noticed the remote going away")
	}
}

func TestStreamSocket_UnconnectedReadAndWriteFail(t *testing.T) {
	sock := NewStreamSocket()
	if _, err := sock.ReadInto(make([]byte, 8)); err == nil {
		t.Fatal("reading an unconnected socket must fail")
	}
	if err := sock.WriteAll([]byte("x")); err == nil {
		t.Fatal("writing an unconnected socket must fail")
	}
}

func TestDatagramSocket_RoundTrip(t *testing.T) {
	port := freePort(t)
	receiver := NewDatagramSocket()
	if err := receiver.Bind(port); err != nil {
		t.Fatalf("failed binding: %v", err)
	}
	defer receiver.Close()

	sender := NewDatagramSocket()
	if err := sender.Connect("127.0.0.1", port); err != nil {
		t.Fatalf("failed connecting: %v", err)
	}
	defer sender.Close()

	payload := []byte("one datagram")
	if err := sender.WriteAll(payload); err != nil {
		t.Fatalf("failed sending: %v", err)
	}

	buf := make([]byte, 64)
	n, ip, err := receiver.RecvFrom(buf)
	if err != nil {
		t.Fatalf("failed receiving: %v", err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Fatalf("expected %q, found %q", payload, buf[:n])
	}
	if !ip.IsLoopback() {
		t.Fatalf("expected a loopback origin, found %v", ip)
	}
}

func TestAcceptor_DoubleBindFails(t *testing.T) {
	port := freePort(t)
	first := NewAcceptor()
	if err := first.Bind(port); err != nil {
		t.Fatalf("failed binding: %v", err)
	}
	defer first.Close()

	second := NewAcceptor()
	if err := second.Bind(port); err == nil {
		second.Close()
		t.Fatal("binding a taken port must fail")
	}
}
