package test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jabolina/go-meshbus/pkg/meshbus/core"
	"github.com/jabolina/go-meshbus/pkg/meshbus/definition"
	"github.com/jabolina/go-meshbus/pkg/meshbus/types"
)

// FreePort asks the OS for a currently unused port. The listener is
// closed again, so a tiny race with other processes remains, callers
// retry on bind failures.
func FreePort(t *testing.T) uint16 {
	t.Helper()
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{})
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	defer listener.Close()
	return uint16(listener.Addr().(*net.TCPAddr).Port)
}

// CreateNetwork joins the mesh on a free port under the given user id.
func CreateNetwork(user types.UserID, t *testing.T) *core.Network {
	t.Helper()
	for attempt := 0; attempt < 5; attempt++ {
		config := types.DefaultNetworkConfiguration(FreePort(t), user)
		config.Logger = definition.NewDefaultLogger()
		network, err := core.NewNetwork(config)
		if err == nil {
			return network
		}
		t.Logf("failed creating network, retrying: %v", err)
	}
	t.Fatal("could not bind a network after 5 attempts")
	return nil
}

// Join dials from a to b and waits until b sees the new peer, handing
// both peer handles back.
func Join(a, b *core.Network, t *testing.T) (*core.Peer, *core.Peer) {
	t.Helper()
	before := len(b.Peers())
	outbound, err := a.AddPeer("127.0.0.1", b.ListeningPort())
	if err != nil {
		t.Fatalf("failed adding peer: %v", err)
	}
	if !Eventually(func() bool { return len(b.Peers()) == before+1 }, 5*time.Second) {
		t.Fatal("the accepting side never saw the peer")
	}

	var inbound *core.Peer
	for _, peer := range b.Peers() {
		if peer.RemoteUserID() == a.UserID() {
			inbound = peer
		}
	}
	if inbound == nil {
		t.Fatal("the accepting side holds no peer for the dialer")
	}
	return outbound, inbound
}

// Eventually polls cond until it holds or the timeout expires.
func Eventually(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// WaitThisOrTimeout runs cb and reports whether it finished in time.
func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan bool)
	go func() {
		cb()
		done <- true
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}

// Collector accepts everything and keeps it for assertions.
type Collector struct {
	mutex    sync.Mutex
	messages []types.Message
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) OnMessage(message types.Message) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.messages = append(c.messages, message)
	return true
}

// Incoming returns only the messages reconstructed from the wire. In
// process tests share the brokers between all networks, so the local
// fan out of a publish lands here too and is filtered away.
func (c *Collector) Incoming() []types.Message {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var incoming []types.Message
	for _, message := range c.messages {
		if message.Incoming() {
			incoming = append(incoming, message)
		}
	}
	return incoming
}

func (c *Collector) IncomingCount() int {
	return len(c.Incoming())
}

func (c *Collector) Count() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.messages)
}
