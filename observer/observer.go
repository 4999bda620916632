// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package observer implements the one-way notification bus (component C5)
// used by the bucketed storage to tell the result cache about chain-switch
// boundaries, so the cache can adapt (e.g. trim, reset a decay counter) at
// the end of a similarity region.
package observer

// Kind identifies the sort of event being reported. ChainSwitch is
// currently the only event the bucketed storage raises; the type exists so
// additional event kinds can be added without changing the Observer
// interface.
type Kind int

const (
	// ChainSwitch fires when the storage's consumer has exhausted the
	// active chain and selected a new one.
	ChainSwitch Kind = iota
)

// Event describes one notification. Partition is the index of the chain
// the storage switched to (ChainSwitch) or is otherwise relevant to.
type Event struct {
	Kind      Kind
	Partition uint64
}

// Observer reacts to bus events. Implementations must not block: Notify is
// called synchronously, in event order, by the goroutine that raised the
// event (typically the pipeline's sole consumer), and must not call back
// into the Bus that invoked it.
type Observer interface {
	Notify(Event)
}

// Bus fans one event stream out to any number of observers. The observer
// list is mutated only at wiring time (via Register, before the pipeline
// starts running) and is read-only thereafter, so Notify needs no lock.
type Bus struct {
	observers []Observer
}

// Register adds o to the set of observers notified by future events.
// Register must not be called concurrently with Notify.
func (b *Bus) Register(o Observer) {
	b.observers = append(b.observers, o)
}

// Notify delivers e to every registered observer, in registration order.
// Notify does not recover panics or isolate a slow/failing observer from
// the rest: the contract in the design is that observers are fast,
// fire-and-forget reactions, not a place to do blocking work.
func (b *Bus) Notify(e Event) {
	for _, o := range b.observers {
		o.Notify(e)
	}
}
