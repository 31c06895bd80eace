// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Generator turns catalogs into callable stubs. Stub calls are published on
// the bus as EventCall with a *Call argument; the active channel subscribes
// to that event and resolves the call.
type Generator struct {
	id      string
	bus     *Events
	shared  *Namespace
	timeout time.Duration
	seq     atomic.Uint64

	mu  sync.Mutex
	api *Namespace

	log     *zap.Logger
	metrics *Metrics
}

// NewGenerator creates a generator owned by the engine id. shared may be nil.
func NewGenerator(id string, bus *Events, shared *Namespace, timeout time.Duration, log *zap.Logger, m *Metrics) *Generator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{
		id:      id,
		bus:     bus,
		shared:  shared,
		timeout: timeout,
		api:     NewNamespace(),
		log:     log,
		metrics: m,
	}
}

// API returns the tree built so far.
func (g *Generator) API() *Namespace {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.api
}

// Build merges actions into the tree and returns it.
func (g *Generator) Build(actions []Action) *Namespace {
	g.mu.Lock()
	api := g.api
	g.mu.Unlock()

	for _, a := range actions {
		path := splitPath(a.Namespace)
		if a.Action != "" {
			path = append(path, a.Action)
		}
		for _, m := range reduce(a.Methods) {
			s := g.newStub(join(strings.Join(path, "."), m.Name), m)
			api.attach(path, s)
			if g.shared != nil {
				g.shared.attach(path, s)
			}
		}
	}
	g.log.Debug("api built", zap.Int("actions", len(actions)))
	return api
}

// Stop detaches the generator from the bus and removes every stub it created.
func (g *Generator) Stop() {
	g.bus.Off(EventCall)
	g.bus.Off(EventAPI)
	if g.shared != nil {
		g.shared.detach(g.id)
	}
	g.mu.Lock()
	g.api = NewNamespace()
	g.mu.Unlock()
}

// reduce merges entries of the same name into one overload group, keeping
// the order in which names first appear.
func reduce(methods []Method) []Method {
	var order []string
	groups := make(map[string]*Method)
	for _, m := range methods {
		g, ok := groups[m.Name]
		if !ok {
			c := m
			c.Len = append(arities(nil), m.Len...)
			c.Handle = append(handles(nil), m.Handle...)
			c.Async = padFlags(m.Async, len(m.Len))
			groups[m.Name] = &c
			order = append(order, m.Name)
			continue
		}
		g.Len = append(g.Len, m.Len...)
		g.Handle = append(g.Handle, m.Handle...)
		g.Async = append(g.Async, padFlags(m.Async, len(m.Len))...)
	}
	out := make([]Method, 0, len(order))
	for _, name := range order {
		out = append(out, *groups[name])
	}
	return out
}

func padFlags(f flags, n int) flags {
	out := make(flags, n)
	copy(out, f)
	return out
}

// Overload is one arity of a remote method.
type Overload struct {
	Arity  int
	Handle string
	Async  bool
}

// Stub is a generated local function for one remote method.
type Stub struct {
	Name      string
	Path      string
	Encrypt   bool
	overloads []Overload
	owner     string
	gen       *Generator
}

func (g *Generator) newStub(path string, m Method) *Stub {
	s := &Stub{
		Name:    m.Name,
		Path:    path,
		Encrypt: m.encrypted(),
		owner:   g.id,
		gen:     g,
	}
	for i, arity := range m.Len {
		ov := Overload{Arity: arity}
		if i < len(m.Handle) {
			ov.Handle = m.Handle[i]
		}
		if i < len(m.Async) {
			ov.Async = m.Async[i]
		}
		s.overloads = append(s.overloads, ov)
	}
	return s
}

// Overloads returns the arity records of the stub.
func (s *Stub) Overloads() []Overload {
	return append([]Overload(nil), s.overloads...)
}

func (s *Stub) arities() []int {
	out := make([]int, len(s.overloads))
	for i, ov := range s.overloads {
		out[i] = ov.Arity
	}
	return out
}

// Invoke validates the arguments, publishes the call and returns without
// waiting. Arity and handle errors are returned before anything is sent.
func (s *Stub) Invoke(args ...any) (*Pending, error) {
	var ov *Overload
	for i := range s.overloads {
		if s.overloads[i].Arity == len(args) {
			ov = &s.overloads[i]
			break
		}
	}
	if ov == nil {
		return nil, newError(ErrArityMismatch, fmt.Sprintf("%s: required %v, got %d", s.Path, s.arities(), len(args)), nil)
	}
	if ov.Handle == "" {
		return nil, newError(ErrHandleMissing, s.Path, nil)
	}

	g := s.gen
	if args == nil {
		args = []any{}
	}
	req := &Request{
		Handle:    ov.Handle,
		SourceID:  g.id,
		Encrypt:   s.Encrypt,
		Args:      args,
		Sequence:  g.seq.Add(1),
		Timestamp: time.Now().UnixMilli(),
	}
	call := newCall(req)
	p := &Pending{call: call, gen: g}
	if !ov.Async {
		p.timeout = g.timeout
	}
	if !g.bus.Emit(EventCall, call) {
		call.Resolve(nil, newError(ErrNotConnected, "", nil))
	}
	return p, nil
}

// Call invokes the stub and waits for the result.
func (s *Stub) Call(ctx context.Context, args ...any) (*Result, error) {
	p, err := s.Invoke(args...)
	if err != nil {
		s.gen.metrics.callFailed(err)
		return nil, err
	}
	return p.Wait(ctx)
}

// Call is an in-flight invocation handed to a channel. Resolve may be called
// any number of times; only the first takes effect.
type Call struct {
	Request *Request

	once sync.Once
	done chan struct{}
	res  json.RawMessage
	err  error

	mu       sync.Mutex
	finished bool
	cancel   func()
}

func newCall(req *Request) *Call {
	return &Call{Request: req, done: make(chan struct{})}
}

// Resolve completes the call. Its signature matches ResponseFunc.
func (c *Call) Resolve(res json.RawMessage, err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.res, c.err = res, err
		c.finished = true
		c.mu.Unlock()
		close(c.done)
	})
}

// OnCancel registers fn to run when the caller abandons the call. If the
// call has already finished fn runs immediately.
func (c *Call) OnCancel(fn func()) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		fn()
		return
	}
	c.cancel = fn
	c.mu.Unlock()
}

func (c *Call) abandon(err error) {
	c.Resolve(nil, err)
	c.mu.Lock()
	fn := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Pending is the deferred result of Stub.Invoke.
type Pending struct {
	call    *Call
	gen     *Generator
	timeout time.Duration
}

// Request returns the request sent for this call.
func (p *Pending) Request() *Request { return p.call.Request }

// Done is closed once the call has a response or error.
func (p *Pending) Done() <-chan struct{} { return p.call.done }

// Wait blocks until the call completes, ctx is done or the call timeout of a
// synchronous overload expires.
func (p *Pending) Wait(ctx context.Context) (*Result, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	select {
	case <-p.call.done:
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = newError(ErrTimeout, p.call.Request.Handle, err)
		}
		p.call.abandon(err)
		<-p.call.done
	}
	res, err := p.gen.adapt(p.call)
	if err != nil {
		p.gen.metrics.callFailed(err)
	}
	return res, err
}

// adapt turns the channel outcome into the caller's result.
func (g *Generator) adapt(c *Call) (*Result, error) {
	c.mu.Lock()
	raw, err := c.res, c.err
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	obj := bytes.TrimSpace(raw)
	var head struct {
		Success bool            `json:"success"`
		Result  json.RawMessage `json:"result"`
		Handle  json.RawMessage `json:"handle"`
		TID     json.RawMessage `json:"tid"`
	}
	if len(obj) == 0 || obj[0] != '{' || json.Unmarshal(obj, &head) != nil {
		return nil, &Error{Kind: ErrInvalidResponse, Message: "result is not an object", Result: raw}
	}
	if len(head.Result) > 0 && bytes.TrimSpace(head.Result)[0] == '{' {
		obj = head.Result
		head.Success = false
		head.Handle, head.TID = nil, nil
		if err := json.Unmarshal(obj, &head); err != nil {
			return nil, &Error{Kind: ErrInvalidResponse, Message: "decode result", Result: raw, Err: err}
		}
	}
	if !echoes(head.Handle, c.Request.Handle) || !echoes(head.TID, c.Request.TransactionID) {
		return nil, &Error{Kind: ErrInvalidResponse, Message: "response does not match call", Result: obj}
	}
	if !head.Success {
		return nil, remoteError(obj)
	}
	return &Result{Success: true, Raw: obj}, nil
}

// echoes reports whether an optional echoed identifier matches want.
func echoes(raw json.RawMessage, want string) bool {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || want == "" {
		return true
	}
	got, err := parseTID(raw)
	return err == nil && got == want
}
