package core

import (
	"sync"
	"testing"
	"time"

	"github.com/jabolina/go-meshbus/pkg/meshbus/types"
)

// a listener recording every message it accepted
type recording struct {
	mutex    sync.Mutex
	name     string
	order    *[]string
	deferred int
}

func (r *recording) OnMessage(message types.Message) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.deferred > 0 {
		r.deferred--
		return false
	}
	*r.order = append(*r.order, r.name)
	return true
}

func eventually(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestBroker_FanOutInRegistrationOrder(t *testing.T) {
	broker := BrokerFor(50001)
	broker.EnableSynchronous()
	defer broker.DisableSynchronous()

	var order []string
	l1 := &recording{name: "l1", order: &order}
	l2 := &recording{name: "l2", order: &order}
	l3 := &recording{name: "l3", order: &order}
	for _, l := range []Listener{l1, l2, l3} {
		broker.RegisterListener(l)
	}
	defer func() {
		for _, l := range []Listener{l1, l2, l3} {
			broker.UnregisterListener(l)
		}
	}()

	broker.Publish(types.NewStandardMessage("one"))

	if len(order) != 3 {
		t.Fatalf("expected 3 deliveries, found %d", len(order))
	}
	for i, expected := range []string{"l1", "l2", "l3"} {
		if order[i] != expected {
			t.Fatalf("expected order l1 l2 l3, found %v", order)
		}
	}
}

func TestBroker_DeferralMovesToTheTail(t *testing.T) {
	broker := BrokerFor(50002)
	broker.EnableSynchronous()
	defer broker.DisableSynchronous()

	var order []string
	l1 := &recording{name: "l1", order: &order, deferred: 1}
	l2 := &recording{name: "l2", order: &order}
	broker.RegisterListener(l1)
	broker.RegisterListener(l2)
	defer broker.UnregisterListener(l1)
	defer broker.UnregisterListener(l2)

	broker.Publish(types.NewStandardMessage("one"))

	// l1 deferred once, so l2 goes first and nobody is seen twice
	if len(order) != 2 || order[0] != "l2" || order[1] != "l1" {
		t.Fatalf("expected l2 then l1, found %v", order)
	}
}

func TestBroker_ExclusiveStarvesTheList(t *testing.T) {
	broker := BrokerFor(50003)
	broker.EnableSynchronous()
	defer broker.DisableSynchronous()

	var order []string
	exclusive := &recording{name: "x", order: &order, deferred: 3}
	l2 := &recording{name: "l2", order: &order}
	l3 := &recording{name: "l3", order: &order}
	broker.RegisterListener(exclusive)
	broker.RegisterListener(l2)
	broker.RegisterListener(l3)
	defer broker.UnregisterListener(exclusive)
	defer broker.UnregisterListener(l2)
	defer broker.UnregisterListener(l3)

	if !broker.RequestExclusive(exclusive) {
		t.Fatal("failed to request exclusivity")
	}
	if broker.RequestExclusive(l2) {
		t.Fatal("a second exclusive listener must be refused")
	}
	defer broker.DiscardExclusive(exclusive)

	broker.Publish(types.NewStandardMessage("one"))

	// retried until accepted, the others skipped
	if len(order) != 1 || order[0] != "x" {
		t.Fatalf("expected only the exclusive listener, found %v", order)
	}
	exclusive.mutex.Lock()
	remaining := exclusive.deferred
	exclusive.mutex.Unlock()
	if remaining != 0 {
		t.Fatalf("the exclusive listener was not retried, %d deferrals left", remaining)
	}

	if broker.DiscardExclusive(l2) {
		t.Fatal("only the holder may discard exclusivity")
	}
}

func TestBroker_AsynchronousKeepsPublishOrder(t *testing.T) {
	broker := BrokerFor(50004)

	var mutex sync.Mutex
	var bodies []string
	listener := &ListenerFunc{F: func(message types.Message) bool {
		mutex.Lock()
		defer mutex.Unlock()
		bodies = append(bodies, message.(*types.StandardMessage).Body)
		return true
	}}
	broker.RegisterListener(listener)
	defer broker.UnregisterListener(listener)

	expected := []string{"a", "b", "c", "d", "e"}
	for _, body := range expected {
		broker.Publish(types.NewStandardMessage(body))
	}

	if !eventually(func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(bodies) == len(expected)
	}, 2*time.Second) {
		t.Fatalf("expected %d deliveries, found %d", len(expected), len(bodies))
	}

	mutex.Lock()
	defer mutex.Unlock()
	for i, body := range expected {
		if bodies[i] != body {
			t.Fatalf("expected publish order %v, found %v", expected, bodies)
		}
	}
}

func TestBroker_ContinuousModeKeepsDelivering(t *testing.T) {
	broker := BrokerFor(50005)
	broker.EnableContinuous()
	defer broker.DisableContinuous()

	var count int
	var mutex sync.Mutex
	listener := &ListenerFunc{F: func(message types.Message) bool {
		mutex.Lock()
		defer mutex.Unlock()
		count++
		return true
	}}
	broker.RegisterListener(listener)
	defer broker.UnregisterListener(listener)

	broker.Publish(types.NewStandardMessage("one"))
	if !eventually(func() bool { mutex.Lock(); defer mutex.Unlock(); return count == 1 }, time.Second) {
		t.Fatal("first message never delivered")
	}

	// the delivery routine survived the drain
	time.Sleep(50 * time.Millisecond)
	broker.Publish(types.NewStandardMessage("two"))
	if !eventually(func() bool { mutex.Lock(); defer mutex.Unlock(); return count == 2 }, time.Second) {
		t.Fatal("second message never delivered")
	}
}

func TestBroker_PanickingListenerDropsOnlyItsMessage(t *testing.T) {
	broker := BrokerFor(50006)

	var mutex sync.Mutex
	var survived []string
	bomb := &ListenerFunc{F: func(message types.Message) bool {
		if message.(*types.StandardMessage).Body == "boom" {
			panic("listener exploded")
		}
		return true
	}}
	tail := &ListenerFunc{F: func(message types.Message) bool {
		mutex.Lock()
		defer mutex.Unlock()
		survived = append(survived, message.(*types.StandardMessage).Body)
		return true
	}}
	broker.RegisterListener(bomb)
	broker.RegisterListener(tail)
	defer broker.UnregisterListener(bomb)
	defer broker.UnregisterListener(tail)

	broker.Publish(types.NewStandardMessage("boom"))
	broker.Publish(types.NewStandardMessage("fine"))

	if !eventually(func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(survived) == 1 && survived[0] == "fine"
	}, 2*time.Second) {
		mutex.Lock()
		defer mutex.Unlock()
		t.Fatalf("expected only the second message to survive, found %v", survived)
	}
}
