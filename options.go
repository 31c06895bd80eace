// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quark

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// DefaultCallTimeout bounds synchronous calls.
	DefaultCallTimeout = 30 * time.Second
	// DefaultInitTimeout bounds catalog retrieval during Init.
	DefaultInitTimeout = 30 * time.Second

	defaultRetries = 3

	// Subprotocol identifies quark traffic on a websocket.
	Subprotocol = "ws4is"
)

// Option configures an Engine.
type Option func(*options)

type options struct {
	log         *zap.Logger
	codec       Codec
	httpClient  *http.Client
	dialer      *websocket.Dialer
	callTimeout time.Duration
	initTimeout time.Duration
	retries     int
	streams     *Streams
	framing     bool
	plaintext   bool
	registry    *Namespace
	metrics     *Metrics
}

func newOptions(opts []Option) *options {
	o := &options{
		log:         zap.NewNop(),
		codec:       defaultCodec,
		callTimeout: DefaultCallTimeout,
		initTimeout: DefaultInitTimeout,
		retries:     defaultRetries,
		streams:     DefaultStreams,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.httpClient == nil {
		o.httpClient = newHTTPClient()
	}
	if o.dialer == nil {
		o.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		}
	}
	return o
}

// WithLogger sets the logger. Components log through named children of it.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithCodec sets a custom message codec
func WithCodec(c Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithHTTPClient sets the client used for catalog and call requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithCallTimeout bounds synchronous calls. Zero disables the timeout.
// Async overloads never time out.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithInitTimeout bounds Init when the caller's context has no deadline.
func WithInitTimeout(d time.Duration) Option {
	return func(o *options) { o.initTimeout = d }
}

// WithRetries sets how many times an HTTP call is attempted when dialing the
// service fails. A request that was written is never resent.
func WithRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.retries = n
		}
	}
}

// WithCompression sets the stream codec used on the socket. Passing nil
// disables compression.
func WithCompression(s *Streams) Option {
	return func(o *options) {
		if s == nil {
			s = &Streams{Disabled: true}
		}
		o.streams = s
	}
}

// WithFraming sends binary frames on the socket instead of plain messages.
func WithFraming() Option {
	return func(o *options) { o.framing = true }
}

// WithoutEncryption disables the security handshake. Calls are sent in the
// clear even when the server offers keys.
func WithoutEncryption() Option {
	return func(o *options) { o.plaintext = true }
}

// WithRegistry additionally attaches generated stubs to a tree shared by
// several engines.
func WithRegistry(ns *Namespace) Option {
	return func(o *options) { o.registry = ns }
}

// WithMetrics records call and socket counters.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}
