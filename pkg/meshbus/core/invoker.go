package core

import "sync"

// Invoker is used to spawn and control go routines.
type Invoker interface {
	// Spawn starts f on its own go routine.
	Spawn(f func())

	// Stop blocks until every spawned routine returned.
	Stop()
}

// GroupInvoker tracks spawned routines with a wait group so owners can
// join them on shutdown. Networks use it for their reader routines,
// which block on sockets and therefore cannot share a bounded pool.
type GroupInvoker struct {
	group *sync.WaitGroup
}

func NewInvoker() Invoker {
	return &GroupInvoker{group: &sync.WaitGroup{}}
}

func (g *GroupInvoker) Spawn(f func()) {
	g.group.Add(1)
	go func() {
		defer g.group.Done()
		f()
	}()
}

func (g *GroupInvoker) Stop() {
	g.group.Wait()
}
