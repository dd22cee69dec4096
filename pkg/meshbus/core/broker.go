package core

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/gammazero/workerpool"
	"github.com/jabolina/go-meshbus/pkg/meshbus/types"
	"github.com/prometheus/common/log"
	"go.uber.org/atomic"
)

// Listener consumes messages published on a broker. Returning true
// retires the message for this listener, returning false defers it,
// the broker retries after every other listener had its turn.
//
// Applications implement it for consumption, a Peer implements it to
// forward local traffic to its remote.
type Listener interface {
	OnMessage(message types.Message) bool
}

// ListenerFunc adapts a plain function. Register the same pointer that
// was registered to unregister it again.
type ListenerFunc struct {
	F func(message types.Message) bool
}

func (l *ListenerFunc) OnMessage(message types.Message) bool { return l.F(message) }

// Broker routes every message published for one type id to all
// registered listeners of that type.
//
// Delivery runs in one of three modes. By default the lane's worker is
// spun up on demand and reaped once the queue drains. In continuous
// mode the dispatch stays on the worker across drains. In synchronous
// mode Publish runs the whole fan out inline on the caller.
type Broker struct {
	id uint16

	listenersMutex sync.Mutex
	listeners      []Listener

	queueMutex sync.Mutex
	queue      deque.Deque

	exclusiveMutex sync.Mutex
	exclusive      Listener

	continuous  *atomic.Bool
	synchronous *atomic.Bool

	// Delivery lane. One worker keeps deliveries in publish order.
	lane *workerpool.WorkerPool
}

var (
	brokersMutex sync.Mutex
	brokers      = make(map[uint16]*Broker)
)

// BrokerFor lazily creates and returns the broker for the given
// message type. The same instance is returned for the whole process.
func BrokerFor(id uint16) *Broker {
	brokersMutex.Lock()
	defer brokersMutex.Unlock()

	if broker, ok := brokers[id]; ok {
		return broker
	}
	broker := &Broker{
		id:          id,
		continuous:  atomic.NewBool(false),
		synchronous: atomic.NewBool(false),
		lane:        workerpool.New(1),
	}
	brokers[id] = broker
	return broker
}

// HaltBrokers stops every delivery lane and forgets the brokers. Meant
// for process shutdown after all networks disconnected, pending
// deliveries are drained first. BrokerFor creates fresh brokers
// afterwards.
func HaltBrokers() {
	brokersMutex.Lock()
	halted := brokers
	brokers = make(map[uint16]*Broker)
	brokersMutex.Unlock()

	for _, broker := range halted {
		broker.continuous.Store(false)
		broker.lane.StopWait()
	}
}

// RegisterListener appends the listener to the fan out list. Messages
// are delivered in registration order.
func (b *Broker) RegisterListener(listener Listener) bool {
	if listener == nil {
		return false
	}
	b.listenersMutex.Lock()
	defer b.listenersMutex.Unlock()
	b.listeners = append(b.listeners, listener)
	return true
}

// UnregisterListener removes every registration of the listener.
func (b *Broker) UnregisterListener(listener Listener) bool {
	b.listenersMutex.Lock()
	defer b.listenersMutex.Unlock()

	kept := b.listeners[:0]
	removed := false
	for _, l := range b.listeners {
		if l == listener {
			removed = true
			continue
		}
		kept = append(kept, l)
	}
	b.listeners = kept
	return removed
}

// Listeners reports how many listeners are currently registered.
func (b *Broker) Listeners() int {
	b.listenersMutex.Lock()
	defer b.listenersMutex.Unlock()
	return len(b.listeners)
}

// RequestExclusive routes every message to this listener alone until
// discarded. Fails when another listener already holds exclusivity.
func (b *Broker) RequestExclusive(listener Listener) bool {
	if listener == nil {
		return false
	}
	b.exclusiveMutex.Lock()
	defer b.exclusiveMutex.Unlock()
	if b.exclusive != nil {
		return false
	}
	b.exclusive = listener
	return true
}

// DiscardExclusive releases exclusivity, only for the listener that
// holds it.
func (b *Broker) DiscardExclusive(listener Listener) bool {
	b.exclusiveMutex.Lock()
	defer b.exclusiveMutex.Unlock()
	if b.exclusive != listener {
		return false
	}
	b.exclusive = nil
	return true
}

func (b *Broker) EnableContinuous()  { b.continuous.Store(true); b.lane.Submit(b.dispatch) }
func (b *Broker) DisableContinuous() { b.continuous.Store(false) }

func (b *Broker) EnableSynchronous()  { b.synchronous.Store(true) }
func (b *Broker) DisableSynchronous() { b.synchronous.Store(false) }

// Publish hands the message to every listener of this broker. In the
// asynchronous modes it enqueues and returns immediately, in
// synchronous mode it blocks for the full fan out.
func (b *Broker) Publish(message types.Message) {
	if message == nil {
		log.Warnf("discarding nil message published on broker %d", b.id)
		return
	}

	if b.synchronous.Load() {
		b.deliver(message)
		return
	}

	b.queueMutex.Lock()
	b.queue.PushBack(message)
	b.queueMutex.Unlock()
	b.lane.Submit(b.dispatch)
}

func (b *Broker) pop() types.Message {
	b.queueMutex.Lock()
	defer b.queueMutex.Unlock()
	if b.queue.Len() == 0 {
		return nil
	}
	return b.queue.PopFront().(types.Message)
}

// dispatch drains the queue on the lane's single worker, so deliveries
// happen in publish order. One dispatch is submitted per publish and a
// dispatch that finds the queue already drained by a predecessor just
// returns. In continuous mode it stays on the worker across drains
// until the mode is disabled.
func (b *Broker) dispatch() {
	for {
		message := b.pop()
		if message == nil {
			if !b.continuous.Load() {
				return
			}
			time.Sleep(time.Millisecond)
			continue
		}
		b.deliver(message)
	}
}

func (b *Broker) snapshot() []Listener {
	b.listenersMutex.Lock()
	defer b.listenersMutex.Unlock()
	wait := make([]Listener, len(b.listeners))
	copy(wait, b.listeners)
	return wait
}

func (b *Broker) exclusiveListener() Listener {
	b.exclusiveMutex.Lock()
	defer b.exclusiveMutex.Unlock()
	return b.exclusive
}

// deliver fans one message out. No broker lock is held while a
// listener runs. A panicking listener drops the message instead of
// killing the delivery routine.
func (b *Broker) deliver(message types.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Warnf("listener failed on broker %d, dropping message: %v", b.id, r)
		}
	}()

	// An exclusive listener preempts the list and is retried until it
	// accepts. When exclusivity is discarded mid message the normal
	// fan out takes over.
	for {
		exclusive := b.exclusiveListener()
		if exclusive == nil {
			break
		}
		if exclusive.OnMessage(message) {
			return
		}
		time.Sleep(time.Millisecond)
	}

	// Every listener is attempted once in registration order, a
	// deferral re-queues the listener at the tail. The message is
	// retired when the wait list is empty.
	wait := b.snapshot()
	for i := 0; i < len(wait); i++ {
		if !wait[i].OnMessage(message) {
			wait = append(wait, wait[i])
		}
	}
}
