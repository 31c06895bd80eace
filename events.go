// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quark

import (
	"sync"
)

// Event labels used by the engine and its components.
const (
	EventCall    = "call"    // *Call, generator -> channel
	EventAPI     = "api"     // *Catalog, channel -> listeners
	EventRaw     = "raw"     // string, non-JSON socket payload
	EventError   = "error"   // error
	EventOnline  = "online"  // nil
	EventOffline = "offline" // error or nil
	EventMessage = "message" // json.RawMessage, unsolicited server data
)

// Listener receives the arguments passed to Emit.
type Listener func(args ...any)

type subscriber struct {
	fn Listener
}

// Events is a small publish/subscribe bus. Listeners registered with On fire
// on every Emit, listeners registered with Once fire on the next Emit only.
// The arguments of the last Emit per label are remembered so that OnReady and
// OnceReady can replay them to late subscribers.
type Events struct {
	mu        sync.Mutex
	listeners map[string][]*subscriber
	once      map[string][]*subscriber
	last      map[string][]any
}

// NewEvents creates an empty bus.
func NewEvents() *Events {
	return &Events{
		listeners: make(map[string][]*subscriber),
		once:      make(map[string][]*subscriber),
		last:      make(map[string][]any),
	}
}

// On registers fn for every emission of label. The returned function removes
// this registration only.
func (e *Events) On(label string, fn Listener) func() {
	return e.on(label, fn, false)
}

// OnReady is On, but fn is invoked immediately with the last emitted
// arguments if label has fired before.
func (e *Events) OnReady(label string, fn Listener) func() {
	return e.on(label, fn, true)
}

func (e *Events) on(label string, fn Listener, replay bool) func() {
	s := &subscriber{fn: fn}
	e.mu.Lock()
	e.listeners[label] = append(e.listeners[label], s)
	args, fired := e.last[label]
	e.mu.Unlock()

	if replay && fired {
		fn(args...)
	}
	return func() { e.remove(label, s) }
}

// Once registers fn for the next emission of label.
func (e *Events) Once(label string, fn Listener) func() {
	return e.addOnce(label, fn, false)
}

// OnceReady fires fn right away if label has already been emitted, otherwise
// on the next emission.
func (e *Events) OnceReady(label string, fn Listener) func() {
	return e.addOnce(label, fn, true)
}

func (e *Events) addOnce(label string, fn Listener, replay bool) func() {
	s := &subscriber{fn: fn}
	e.mu.Lock()
	args, fired := e.last[label]
	if replay && fired {
		e.mu.Unlock()
		fn(args...)
		return func() {}
	}
	e.once[label] = append(e.once[label], s)
	e.mu.Unlock()
	return func() { e.remove(label, s) }
}

// Off removes every listener of label.
func (e *Events) Off(label string) {
	e.mu.Lock()
	delete(e.listeners, label)
	delete(e.once, label)
	e.mu.Unlock()
}

func (e *Events) remove(label string, s *subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[label] = without(e.listeners[label], s)
	e.once[label] = without(e.once[label], s)
}

func without(list []*subscriber, s *subscriber) []*subscriber {
	out := list[:0:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// Has reports whether label has at least one listener.
func (e *Events) Has(label string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[label])+len(e.once[label]) > 0
}

// Emit invokes the one-shot listeners of label, then the persistent ones, and
// reports whether any listener was invoked. Listeners run on the caller's
// goroutine, outside the bus lock.
func (e *Events) Emit(label string, args ...any) bool {
	e.mu.Lock()
	e.last[label] = args
	once := e.once[label]
	delete(e.once, label)
	persistent := append([]*subscriber(nil), e.listeners[label]...)
	e.mu.Unlock()

	for _, s := range once {
		s.fn(args...)
	}
	for _, s := range persistent {
		s.fn(args...)
	}
	return len(once)+len(persistent) > 0
}
