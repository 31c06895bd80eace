// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	retryBaseWait = 500 * time.Millisecond
	stopTimeout   = 5 * time.Second

	mimeJSON = "application/json"
)

func init() {
	registerChannel(SchemeHTTP, newHTTPChannel)
	registerChannel(SchemeHTTPS, newHTTPChannel)
}

// newHTTPClient creates a fresh HTTP client with disabled connection reuse.
// This avoids EOF errors that can occur with connection pooling when the
// service restarts between calls.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError reports whether err happened while dialing, before any
// byte of the request left the client. Failures after the request was written
// are not retried since the server may already have run the call.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

// httpChannel fetches the catalog with one GET and sends every call as its
// own POST.
type httpChannel struct {
	state stateBox

	mu          sync.Mutex
	engine      *Engine
	closed      bool
	unsubscribe func()

	queue  *Queue
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.Logger
}

func newHTTPChannel() Channel {
	return &httpChannel{}
}

func (c *httpChannel) State() ChannelState {
	return c.state.load()
}

func (c *httpChannel) Init(ctx context.Context, e *Engine) error {
	c.mu.Lock()
	if c.engine != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: http channel already initialized", ErrConfigInvalid)
	}
	c.engine = e
	c.log = e.log.Named("channel.http")
	c.queue = NewQueue(c.log, e.opts.metrics)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	c.state.store(StateFetching)
	cat, err := c.fetchCatalog(ctx)
	if err != nil {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.state.store(StateStopped)
		c.cancel()
		return err
	}
	e.registerCatalog(cat)

	if !e.socketService {
		c.mu.Lock()
		c.unsubscribe = e.bus.On(EventCall, c.onCall)
		c.mu.Unlock()
	}
	c.state.store(StateActive)
	c.log.Info("http channel active", zap.String("service", e.cfg.Service))
	return nil
}

// fetchCatalog issues the catalog GET. The x-time header value becomes the
// challenge covered by the server signature.
func (c *httpChannel) fetchCatalog(ctx context.Context) (*Catalog, error) {
	e := c.engine
	challenge := strconv.FormatInt(time.Now().UnixMilli(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.API, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	e.header(req.Header)
	req.Header.Set("Accept", mimeJSON)
	req.Header.Set("x-time", challenge)

	resp, err := e.opts.httpClient.Do(req)
	if err != nil {
		return nil, newError(ErrTransport, "fetch api", err)
	}
	defer CleanlyCloseBody(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newError(ErrTransport, fmt.Sprintf("fetch api: received status code: %d", resp.StatusCode), nil)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(ErrTransport, "read api", err)
	}

	var cat Catalog
	if err := e.opts.codec.Decode(body, &cat); err != nil {
		return nil, newError(ErrInvalidResponse, "decode api", err)
	}
	cat.Challenge = challenge
	c.log.Debug("api fetched", zap.Int("actions", len(cat.API)), zap.Bool("signed", cat.Signature != ""))
	return &cat, nil
}

func (c *httpChannel) onCall(args ...any) {
	call, ok := callArg(args)
	if !ok {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		call.Resolve(nil, newError(ErrChannelClosed, "", nil))
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(c.ctx)
	tid := c.queue.Register(call.Request, call.Resolve)
	call.OnCancel(func() {
		c.queue.Cancel(tid)
		cancel()
	})
	c.engine.opts.metrics.callSent(TypeHTTP)

	go func() {
		defer c.wg.Done()
		defer cancel()
		res, err := c.send(ctx, call.Request)
		c.queue.Complete(tid, res, err)
	}()
}

func (c *httpChannel) send(ctx context.Context, req *Request) (json.RawMessage, error) {
	e := c.engine
	wire, encrypted, err := e.seal(req)
	if err != nil {
		return nil, err
	}
	msg := outbound{Command: CmdData, Type: TypeHTTP, Data: []*Request{wire}}
	if encrypted {
		msg.Command = CmdEnc
	}
	body, err := e.opts.codec.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	c.log.Debug("call",
		zap.String("handle", req.Handle),
		zap.String("tid", req.TransactionID),
		zap.Bool("encrypted", encrypted),
	)
	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	return e.open(resp)
}

// post sends body to the service, retrying transient transport failures with
// exponential backoff.
func (c *httpChannel) post(ctx context.Context, body []byte) (*Message, error) {
	e := c.engine
	var lastErr error
	for attempt := 0; attempt < e.opts.retries; attempt++ {
		if attempt > 0 {
			waitTime := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(waitTime):
			}
		}

		// Create fresh request for each attempt (body reader is consumed)
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Service, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		e.header(request.Header)
		request.Header.Set("Accept", mimeJSON)
		request.Header.Set("Content-Type", mimeJSON)

		resp, err := e.opts.httpClient.Do(request)
		if err != nil {
			lastErr = err
			retryable := isRetryableError(err)
			c.log.Debug("request attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Bool("retryable", retryable),
				zap.Error(err),
			)
			if retryable {
				continue
			}
			return nil, newError(ErrTransport, "failed to issue request", err)
		}
		if attempt > 0 {
			c.log.Debug("request succeeded", zap.Int("attempt", attempt+1))
		}
		return c.readMessage(resp)
	}
	return nil, newError(ErrTransport, fmt.Sprintf("failed to issue request after %d attempts", e.opts.retries), lastErr)
}

func (c *httpChannel) readMessage(resp *http.Response) (*Message, error) {
	defer CleanlyCloseBody(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newError(ErrTransport, fmt.Sprintf("received status code: %d", resp.StatusCode), nil)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(ErrTransport, "read response", err)
	}
	var msg Message
	if err := c.engine.opts.codec.Decode(data, &msg); err != nil {
		return nil, newError(ErrInvalidResponse, "decode response", err)
	}
	return &msg, nil
}

// Stop unsubscribes from calls, fails whatever is still pending and, unless
// the service is a socket, tells the server the client is gone.
func (c *httpChannel) Stop() error {
	c.mu.Lock()
	if c.engine == nil || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.cancel()
	if n := c.queue.Close(newError(ErrChannelClosed, "", nil)); n > 0 {
		c.log.Debug("pending calls abandoned", zap.Int("count", n))
	}
	c.wg.Wait()

	if !c.engine.socketService {
		c.notifyStop()
	}
	c.state.store(StateStopped)
	return nil
}

// notifyStop sends a best-effort DELETE to the service.
func (c *httpChannel) notifyStop() {
	e := c.engine
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, e.cfg.Service, nil)
	if err != nil {
		c.log.Warn("stop notification", zap.Error(err))
		return
	}
	e.header(req.Header)
	resp, err := e.opts.httpClient.Do(req)
	if err != nil {
		c.log.Warn("stop notification", zap.Error(err))
		return
	}
	CleanlyCloseBody(resp.Body)
}

func callArg(args []any) (*Call, bool) {
	if len(args) == 0 {
		return nil, false
	}
	call, ok := args[0].(*Call)
	return call, ok
}
