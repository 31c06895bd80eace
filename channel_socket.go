// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quark

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// closeGrace is how long Stop waits for the server to answer a close frame.
const closeGrace = time.Second

func init() {
	registerChannel(SchemeWS, newSocketChannel)
	registerChannel(SchemeWSS, newSocketChannel)
}

// socketChannel keeps one websocket open to the service. Inbound messages
// are handled in arrival order by a single read loop.
type socketChannel struct {
	state stateBox

	mu          sync.Mutex
	engine      *Engine
	conn        *websocket.Conn
	stopping    bool
	unsubscribe func()
	cause       error

	writeMu sync.Mutex

	queue     *Queue
	challenge string
	apiReady  chan struct{}
	apiOnce   sync.Once
	done      chan struct{}
	closeOnce sync.Once
	log       *zap.Logger
}

func newSocketChannel() Channel {
	return &socketChannel{}
}

func (c *socketChannel) State() ChannelState {
	return c.state.load()
}

func (c *socketChannel) Init(ctx context.Context, e *Engine) error {
	c.mu.Lock()
	if c.engine != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: socket channel already initialized", ErrConfigInvalid)
	}
	c.engine = e
	c.log = e.log.Named("channel.socket")
	c.queue = NewQueue(c.log, e.opts.metrics)
	c.challenge = strconv.FormatInt(time.Now().UnixMilli(), 10)
	c.apiReady = make(chan struct{})
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.state.store(StateConnecting)
	target, err := c.target()
	if err != nil {
		c.state.store(StateClosed)
		return err
	}

	header := http.Header{}
	e.header(header)
	dialer := *e.opts.dialer
	dialer.Subprotocols = []string{Subprotocol}

	c.log.Debug("dial", zap.String("url", target))
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		CleanlyCloseBody(resp.Body)
	}
	if err != nil {
		c.state.store(StateClosed)
		err = newError(ErrTransport, "dial "+e.cfg.Service, err)
		e.bus.Emit(EventError, err)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.unsubscribe = e.bus.On(EventCall, c.onCall)
	c.mu.Unlock()
	c.state.store(StateOpen)
	c.log.Info("socket online", zap.String("service", e.cfg.Service))
	e.bus.Emit(EventOnline)

	go c.readLoop(conn)

	if !e.wsAPI {
		return nil
	}
	select {
	case <-c.apiReady:
		return nil
	case <-c.done:
		return newError(ErrChannelClosed, "socket closed before api", c.closeCause())
	case <-ctx.Done():
		err := ctx.Err()
		_ = c.Stop()
		return err
	}
}

// target builds the connection URL: configured query parameters plus the
// challenge (q) and the compression capability flag (c).
func (c *socketChannel) target() (string, error) {
	e := c.engine
	u, err := url.Parse(e.cfg.Service)
	if err != nil {
		return "", fmt.Errorf("%w: service url: %v", ErrConfigInvalid, err)
	}
	q := u.Query()
	for k, v := range e.cfg.Query {
		q.Set(k, v)
	}
	q.Set("q", c.challenge)
	q.Set("c", strconv.FormatBool(e.opts.streams.Available()))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *socketChannel) onCall(args ...any) {
	call, ok := callArg(args)
	if !ok {
		return
	}
	tid := c.queue.Register(call.Request, call.Resolve)
	call.OnCancel(func() { c.queue.Cancel(tid) })
	c.engine.opts.metrics.callSent(TypeSocket)

	if err := c.write(call.Request); err != nil {
		c.log.Debug("call not sent", zap.String("tid", tid), zap.Error(err))
		c.queue.Complete(tid, nil, err)
	}
}

// write sends one request. With framing the message is serialized,
// compressed, encrypted and framed in that order; without it the JSON layer
// envelope is used and the text is compressed when possible.
func (c *socketChannel) write(req *Request) error {
	e := c.engine
	if !e.opts.framing {
		wire, encrypted, err := e.seal(req)
		if err != nil {
			return err
		}
		body, err := c.encode(wire, encrypted)
		if err != nil {
			return err
		}
		if out, ok := e.opts.streams.CompressOrDefault(body); ok {
			return c.send(websocket.BinaryMessage, out)
		}
		return c.send(websocket.TextMessage, body)
	}

	encrypted, err := e.encrypts(req)
	if err != nil {
		return err
	}
	body, err := c.encode(req, false)
	if err != nil {
		return err
	}
	body, compressed := e.opts.streams.CompressOrDefault(body)
	if encrypted {
		sealed, err := e.security.Encrypt(body)
		if err != nil {
			return err
		}
		if body, err = EncodeSealed(sealed.Envelope, sealed.Ciphertext); err != nil {
			return err
		}
	}
	return c.send(websocket.BinaryMessage, EncodeFrame(body, compressed, encrypted, false))
}

func (c *socketChannel) encode(req *Request, encrypted bool) ([]byte, error) {
	msg := outbound{Command: CmdData, Type: TypeSocket, Data: []*Request{req}}
	if encrypted {
		msg.Command = CmdEnc
	}
	body, err := c.engine.opts.codec.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return body, nil
}

func (c *socketChannel) send(messageType int, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || c.state.load() != StateOpen {
		return newError(ErrNotConnected, "socket is not open", nil)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(messageType, data); err != nil {
		return newError(ErrTransport, "write", err)
	}
	c.engine.opts.metrics.message("out")
	return nil
}

func (c *socketChannel) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		c.engine.opts.metrics.message("in")
		c.handle(messageType, data)
	}
}

// handle decodes one inbound message and dispatches it. Failures are
// reported on the error event and never end the read loop.
func (c *socketChannel) handle(messageType int, data []byte) {
	e := c.engine
	text, hs, err := c.decode(messageType, data)
	if err != nil {
		c.log.Warn("decode message", zap.Error(err))
		e.bus.Emit(EventError, err)
		return
	}
	text = bytes.TrimSpace(text)
	if !IsJSON(text) {
		e.bus.Emit(EventRaw, string(text))
		return
	}
	if text[0] == '[' {
		c.deliver(text)
		return
	}

	var msg Message
	if err := e.opts.codec.Decode(text, &msg); err != nil {
		err = newError(ErrInvalidResponse, "decode message", err)
		c.log.Warn("decode message", zap.Error(err))
		e.bus.Emit(EventError, err)
		return
	}
	c.dispatch(&msg, hs)
}

// decode undoes the send path: de-frame, decrypt, decompress. Text messages
// are plain JSON. Binary messages without a frame header are compressed
// JSON from a peer that does not frame.
func (c *socketChannel) decode(messageType int, data []byte) ([]byte, *HandshakeFields, error) {
	if messageType == websocket.TextMessage {
		return data, nil, nil
	}
	streams := c.engine.opts.streams
	f, err := DecodeFrame(data)
	if err != nil {
		return nil, nil, err
	}
	if f.Legacy {
		return decompress(streams, f.Payload)
	}

	payload := f.Payload
	var hs *HandshakeFields
	if f.Handshake() {
		fields, rest, err := SplitHandshake(payload)
		if err != nil {
			return nil, nil, err
		}
		hs, payload = &fields, rest
	}
	if f.Encrypted() {
		iv, ciphertext, err := SplitSealed(payload)
		if err != nil {
			return nil, nil, err
		}
		if payload, err = c.engine.security.Decrypt(iv, ciphertext); err != nil {
			return nil, nil, err
		}
	}
	if f.Compressed() {
		out, _, err := decompress(streams, payload)
		return out, hs, err
	}
	return payload, hs, nil
}

func decompress(s *Streams, data []byte) ([]byte, *HandshakeFields, error) {
	out, err := s.Decompress(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return out, nil, nil
}

func (c *socketChannel) dispatch(msg *Message, hs *HandshakeFields) {
	e := c.engine
	switch msg.Command {
	case CmdAPI:
		c.onAPI(msg, hs)
	case CmdErr:
		body := msg.errorBody()
		err := remoteError(body)
		if tid, ok := responseTID(body); ok && c.queue.Complete(tid, nil, err) {
			return
		}
		e.bus.Emit(EventError, err)
	case CmdEnc:
		payload, err := e.open(msg)
		if err != nil {
			c.log.Warn("decrypt message", zap.Error(err))
			e.bus.Emit(EventError, err)
			return
		}
		c.deliver(payload)
	default:
		c.deliver(msg.Payload())
	}
}

// deliver hands response data to the queue. Whatever the queue cannot match
// is surfaced as an unsolicited message.
func (c *socketChannel) deliver(payload json.RawMessage) {
	e := c.engine
	if len(bytes.TrimSpace(payload)) == 0 {
		e.bus.Emit(EventMessage, payload)
		return
	}
	unmatched, err := c.queue.Resolve(payload)
	if err != nil {
		e.bus.Emit(EventError, err)
		return
	}
	for _, item := range unmatched {
		e.bus.Emit(EventMessage, item)
	}
}

// onAPI registers a catalog received over the socket. Key material from a
// handshake frame replaces the JSON fields, re-encoded as base64 so the
// signed string is the same on both paths.
func (c *socketChannel) onAPI(msg *Message, hs *HandshakeFields) {
	e := c.engine
	var cat Catalog
	if err := e.opts.codec.Decode(msg.Payload(), &cat); err != nil {
		err = newError(ErrInvalidResponse, "decode api", err)
		c.log.Warn("api message", zap.Error(err))
		e.bus.Emit(EventError, err)
		return
	}
	cat.Challenge = c.challenge
	if hs != nil {
		cat.KeyEnc = base64.StdEncoding.EncodeToString(hs.KeyEnc)
		cat.KeyVer = base64.StdEncoding.EncodeToString(hs.KeyVer)
		cat.Signature = base64.StdEncoding.EncodeToString(hs.Signature)
	}
	e.registerCatalog(&cat)
	e.bus.Emit(EventAPI, &cat)
	c.apiOnce.Do(func() { close(c.apiReady) })
}

func responseTID(raw json.RawMessage) (string, bool) {
	var head struct {
		TID json.RawMessage `json:"tid"`
	}
	if json.Unmarshal(raw, &head) != nil || len(head.TID) == 0 {
		return "", false
	}
	tid, err := parseTID(head.TID)
	return tid, err == nil
}

// shutdown runs once when the read loop ends, whatever the reason.
func (c *socketChannel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		unsubscribe := c.unsubscribe
		c.unsubscribe = nil
		stopping := c.stopping
		conn := c.conn
		c.cause = cause
		c.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		clean := stopping || websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway)
		if !clean {
			c.state.store(StateErrored)
		}
		if n := c.queue.Close(newError(ErrChannelClosed, "", cause)); n > 0 {
			c.log.Debug("pending calls abandoned", zap.Int("count", n))
		}
		_ = conn.Close()
		c.state.store(StateClosed)
		close(c.done)

		e := c.engine
		if clean {
			c.log.Info("socket offline")
			e.bus.Emit(EventOffline, nil)
			return
		}
		err := newError(ErrTransport, "socket closed", cause)
		c.log.Warn("socket offline", zap.Error(cause))
		e.bus.Emit(EventError, err)
		e.bus.Emit(EventOffline, err)
	})
}

func (c *socketChannel) closeCause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Stop sends a close frame, waits briefly for the server to answer and then
// drops the connection.
func (c *socketChannel) Stop() error {
	c.mu.Lock()
	if c.conn == nil || c.stopping {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	conn := c.conn
	c.mu.Unlock()

	select {
	case <-c.done:
		return nil
	default:
	}
	c.state.store(StateClosing)

	var err error
	c.writeMu.Lock()
	werr := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGrace))
	c.writeMu.Unlock()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		err = multierr.Append(err, werr)
	}

	select {
	case <-c.done:
	case <-time.After(closeGrace):
		err = multierr.Append(err, conn.Close())
		<-c.done
	}
	return err
}
