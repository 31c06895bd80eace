// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quark

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config names the two server endpoints. API serves the catalog, Service
// carries the calls. When both are the same ws(s) URL the catalog arrives
// over the socket.
type Config struct {
	API     string            `json:"api" yaml:"api"`
	Service string            `json:"service" yaml:"service"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty" yaml:"query,omitempty"`
}

// Engine wires the security session, the stub generator and the channels
// for one pair of endpoints.
type Engine struct {
	cfg  Config
	opts *options
	log  *zap.Logger
	bus  *Events

	apiScheme     string
	serviceScheme string
	wsAPI         bool
	webService    bool
	socketService bool

	initMu sync.Mutex

	mu       sync.RWMutex
	id       string
	security *Security
	gen      *Generator
	web      Channel
	socket   Channel
	started  bool
}

// New validates cfg and creates an engine. Nothing is connected until Init.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.API == "" {
		return nil, fmt.Errorf("%w: api url not defined", ErrConfigInvalid)
	}
	if cfg.Service == "" {
		return nil, fmt.Errorf("%w: service url not defined", ErrConfigInvalid)
	}
	api, err := url.Parse(cfg.API)
	if err != nil {
		return nil, fmt.Errorf("%w: api url: %v", ErrConfigInvalid, err)
	}
	svc, err := url.Parse(cfg.Service)
	if err != nil {
		return nil, fmt.Errorf("%w: service url: %v", ErrConfigInvalid, err)
	}
	if !HasChannel(svc.Scheme) {
		return nil, fmt.Errorf("%w: unsupported service scheme %q", ErrConfigInvalid, svc.Scheme)
	}

	o := newOptions(opts)
	e := &Engine{
		cfg:           cfg,
		opts:          o,
		log:           o.log,
		bus:           NewEvents(),
		apiScheme:     api.Scheme,
		serviceScheme: svc.Scheme,
		webService:    isWebScheme(svc.Scheme),
		socketService: isSocketScheme(svc.Scheme),
	}
	e.wsAPI = e.socketService && cfg.API == cfg.Service
	if !e.wsAPI && !isWebScheme(api.Scheme) {
		return nil, fmt.Errorf("%w: api url must be http(s) unless it is the socket service", ErrConfigInvalid)
	}
	return e, nil
}

// Dial creates an engine and initializes it.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	e, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := e.Init(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Init fetches the catalog, performs the security handshake when the server
// offers one and opens the channels. Calling Init on an initialized engine
// does nothing.
func (e *Engine) Init(ctx context.Context) error {
	e.initMu.Lock()
	defer e.initMu.Unlock()

	e.mu.RLock()
	started := e.started
	e.mu.RUnlock()
	if started {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok && e.opts.initTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.initTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	log := e.log.With(zap.String("engine", id))
	e.mu.Lock()
	e.id = id
	e.security = NewSecurity(log.Named("security"), e.opts.plaintext)
	e.gen = NewGenerator(id, e.bus, e.opts.registry, e.opts.callTimeout, log.Named("generator"), e.opts.metrics)
	e.mu.Unlock()

	if e.webService || !e.wsAPI {
		ch, err := e.startChannel(ctx, e.apiScheme)
		if err != nil {
			return multierr.Append(err, e.stop())
		}
		e.mu.Lock()
		e.web = ch
		e.mu.Unlock()
	}
	if e.socketService {
		ch, err := e.startChannel(ctx, e.serviceScheme)
		if err != nil {
			return multierr.Append(err, e.stop())
		}
		e.mu.Lock()
		e.socket = ch
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.started = true
	e.mu.Unlock()
	log.Info("engine initialized",
		zap.String("api", e.cfg.API),
		zap.String("service", e.cfg.Service),
		zap.Stringer("security", e.security.State()),
	)
	return nil
}

func (e *Engine) startChannel(ctx context.Context, scheme string) (Channel, error) {
	fn, ok := channelFor(scheme)
	if !ok {
		return nil, fmt.Errorf("%w: no channel for scheme %q", ErrConfigInvalid, scheme)
	}
	ch := fn()
	if err := ch.Init(ctx, e); err != nil {
		_ = ch.Stop()
		return nil, err
	}
	return ch, nil
}

// registerCatalog runs the handshake for a signed catalog unless a session
// is already established, then merges the catalog into the API tree. A
// failed handshake is reported on the error event; the catalog is still
// built.
func (e *Engine) registerCatalog(cat *Catalog) {
	if cat.Signature != "" && !e.security.IsValid() {
		if err := e.security.Init(cat.Bundle()); err != nil {
			e.log.Warn("security handshake failed", zap.Error(err))
			e.bus.Emit(EventError, err)
		}
	}
	e.gen.Build(cat.API)
}

// header copies the configured custom headers into h.
func (e *Engine) header(h http.Header) {
	for k, v := range e.cfg.Headers {
		h.Set(k, v)
	}
}

// Stop closes the channels, fails pending calls and removes the generated
// API.
func (e *Engine) Stop() error {
	e.initMu.Lock()
	defer e.initMu.Unlock()
	return e.stop()
}

func (e *Engine) stop() error {
	e.mu.Lock()
	web, socket, gen, security := e.web, e.socket, e.gen, e.security
	e.web, e.socket = nil, nil
	e.started = false
	e.mu.Unlock()

	var err error
	if web != nil {
		err = multierr.Append(err, web.Stop())
	}
	if socket != nil {
		err = multierr.Append(err, socket.Stop())
	}
	if gen != nil {
		gen.Stop()
	}
	if security != nil {
		security.Clear()
	}
	return err
}

// API returns the generated namespace tree, or nil before Init.
func (e *Engine) API() *Namespace {
	e.mu.RLock()
	gen := e.gen
	e.mu.RUnlock()
	if gen == nil {
		return nil
	}
	return gen.API()
}

// Call invokes the method at the dotted path and waits for its result.
func (e *Engine) Call(ctx context.Context, path string, args ...any) (*Result, error) {
	api := e.API()
	if api == nil {
		return nil, newError(ErrNotConnected, "engine not initialized", nil)
	}
	return api.Call(ctx, path, args...)
}

// IsActive reports whether the engine is initialized and, when it uses a
// socket, the socket is open.
func (e *Engine) IsActive() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.started || e.gen == nil || e.security == nil {
		return false
	}
	if e.socket != nil && e.socket.State() != StateOpen {
		return false
	}
	return true
}

// ID returns the instance tag of the current session.
func (e *Engine) ID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.id
}

// Security returns the session of the current Init, or nil before Init.
func (e *Engine) Security() *Security {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.security
}

// Config returns the endpoint configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Events returns the lifecycle event bus.
func (e *Engine) Events() *Events {
	return e.bus
}

// On subscribes fn to an engine event and returns the unsubscribe func.
func (e *Engine) On(label string, fn Listener) func() {
	return e.bus.On(label, fn)
}
