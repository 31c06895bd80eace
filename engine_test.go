// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quark

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing api", Config{Service: "http://localhost/svc"}},
		{"missing service", Config{API: "http://localhost/api"}},
		{"unknown service scheme", Config{API: "http://localhost/api", Service: "ftp://localhost/svc"}},
		{"socket api for http service", Config{API: "ws://localhost/ws", Service: "http://localhost/svc"}},
		{"socket api differs from socket service", Config{API: "ws://localhost/a", Service: "ws://localhost/b"}},
		{"bad url", Config{API: "http://[::1", Service: "http://localhost/svc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.ErrorIs(t, err, ErrConfigInvalid)
		})
	}

	for _, cfg := range []Config{
		{API: "https://localhost/api", Service: "https://localhost/svc"},
		{API: "https://localhost/api", Service: "wss://localhost/ws"},
		{API: "wss://localhost/ws", Service: "wss://localhost/ws"},
	} {
		_, err := New(cfg)
		require.NoError(t, err, cfg)
	}
}

func TestAvailableChannels(t *testing.T) {
	require.Equal(t, []string{SchemeHTTP, SchemeHTTPS, SchemeWS, SchemeWSS}, AvailableChannels())
	require.True(t, HasChannel(SchemeWSS))
	require.False(t, HasChannel("grpc"))
}

func dialHTTP(t *testing.T, s *fakeServer, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e, err := Dial(ctx, s.httpConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func TestHTTPPlainCall(t *testing.T) {
	s := newFakeServer(t)
	e := dialHTTP(t, s)

	require.True(t, e.IsActive())
	require.Equal(t, SecurityNone, e.Security().State())
	require.Equal(t, []string{
		"app.users.svc.fail",
		"app.users.svc.find",
		"app.users.svc.get",
		"app.users.svc.ping",
		"app.users.svc.wait",
	}, e.API().Methods())

	res, err := e.Call(context.Background(), "app.users.svc.get", 42)
	require.NoError(t, err)
	var v userValue
	require.NoError(t, res.Decode(&v))
	require.Equal(t, userValue{Success: true, Value: "Alice"}, v)

	calls, args, commands := s.recorded()
	require.Len(t, calls, 1)
	require.Equal(t, "h-get", calls[0].Handle)
	require.Equal(t, e.ID(), calls[0].SourceID)
	require.NotEmpty(t, calls[0].TransactionID)
	require.Equal(t, []any{float64(42)}, args[0])
	require.Equal(t, CmdData, commands[0])
}

func TestHTTPEncryptedCall(t *testing.T) {
	s := newFakeServer(t, func(s *fakeServer) {
		s.signed = true
		s.encryptReplies = true
	})
	e := dialHTTP(t, s)
	require.Equal(t, SecurityValid, e.Security().State())

	res, err := e.Call(context.Background(), "app.users.svc.get", 42)
	require.NoError(t, err)
	var v userValue
	require.NoError(t, res.Decode(&v))
	require.Equal(t, "Alice", v.Value)

	// ping opts out of encryption, calls without arguments are never sealed
	_, err = e.Call(context.Background(), "app.users.svc.ping")
	require.NoError(t, err)

	_, args, commands := s.recorded()
	require.Equal(t, []string{CmdEnc, CmdData}, commands)
	require.Equal(t, []any{float64(42)}, args[0])
}

func TestHTTPTamperedHandshake(t *testing.T) {
	s := newFakeServer(t, func(s *fakeServer) {
		s.signed = true
		s.tamper = true
	})

	var handshakeErr atomic.Value
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e, err := New(s.httpConfig(), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	e.On(EventError, func(args ...any) {
		if err, ok := args[0].(error); ok {
			handshakeErr.Store(err)
		}
	})
	require.NoError(t, e.Init(ctx))
	defer e.Stop()

	require.False(t, e.Security().IsValid())
	require.Equal(t, SecurityFailed, e.Security().State())
	require.ErrorIs(t, handshakeErr.Load().(error), ErrSignatureInvalid)

	_, err = e.Call(ctx, "app.users.svc.get", 42)
	require.ErrorIs(t, err, ErrSecurityUnavailable)

	res, err := e.Call(ctx, "app.users.svc.ping")
	require.NoError(t, err)
	require.True(t, res.Success)

	calls, _, _ := s.recorded()
	require.Len(t, calls, 1, "encrypted call must not reach the server")
}

func TestHTTPWithoutEncryption(t *testing.T) {
	s := newFakeServer(t, func(s *fakeServer) { s.signed = true })
	e := dialHTTP(t, s, WithoutEncryption())
	require.Equal(t, SecurityNone, e.Security().State())

	_, err := e.Call(context.Background(), "app.users.svc.get", 42)
	require.NoError(t, err)
	_, _, commands := s.recorded()
	require.Equal(t, []string{CmdData}, commands)
}

func TestHTTPRemoteFailure(t *testing.T) {
	s := newFakeServer(t)
	e := dialHTTP(t, s)

	_, err := e.Call(context.Background(), "app.users.svc.fail")
	require.ErrorIs(t, err, ErrRemote)
	var qe *Error
	require.True(t, errors.As(err, &qe))
	require.Equal(t, "boom", qe.Message)
	require.JSONEq(t, `{"success":false,"message":"boom"}`, string(qe.Result))
}

func TestHTTPErrorCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"api":` + usersCatalog + `}`))
		case http.MethodPost:
			_, _ = w.Write([]byte(`{"cmd":"err","result":{"msg":"denied"}}`))
		}
	}))
	defer srv.Close()

	e, err := Dial(context.Background(), Config{API: srv.URL, Service: srv.URL})
	require.NoError(t, err)
	defer e.Stop()

	_, err = e.Call(context.Background(), "app.users.svc.ping")
	require.ErrorIs(t, err, ErrRemote)
	require.Contains(t, err.Error(), "denied")
}

func TestHTTPStatusFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(usersCatalog))
			return
		}
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e, err := Dial(context.Background(), Config{API: srv.URL, Service: srv.URL})
	require.NoError(t, err)
	defer e.Stop()

	_, err = e.Call(context.Background(), "app.users.svc.ping")
	require.ErrorIs(t, err, ErrTransport)
}

func TestHTTPCatalogFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := Dial(context.Background(), Config{API: srv.URL, Service: srv.URL})
	require.ErrorIs(t, err, ErrTransport)
}

func TestHTTPDoesNotResendWrittenRequest(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(usersCatalog))
			return
		}
		_, _ = io.ReadAll(r.Body)
		if posts.Add(1) == 1 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		_, _ = w.Write([]byte(`{"cmd":"data","data":{"success":true}}`))
	}))
	defer srv.Close()

	e, err := Dial(context.Background(), Config{API: srv.URL, Service: srv.URL})
	require.NoError(t, err)
	defer e.Stop()

	_, err = e.Call(context.Background(), "app.users.svc.ping")
	require.ErrorIs(t, err, ErrTransport)
	require.Equal(t, int32(1), posts.Load())
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"dial refused", &url.Error{Op: "Post", URL: "http://x", Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}, true},
		{"dial timeout", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("i/o timeout")}, true},
		{"eof after write", &url.Error{Op: "Post", URL: "http://x", Err: io.EOF}, false},
		{"reset on read", &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}, false},
		{"broken pipe", &net.OpError{Op: "write", Net: "tcp", Err: syscall.EPIPE}, false},
		{"canceled", &url.Error{Op: "Post", URL: "http://x", Err: context.Canceled}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}

func TestHTTPHeadersAndStop(t *testing.T) {
	s := newFakeServer(t)
	cfg := s.httpConfig()
	cfg.Headers = map[string]string{"Authorization": "Bearer token"}
	e, err := Dial(context.Background(), cfg)
	require.NoError(t, err)

	_, err = e.Call(context.Background(), "app.users.svc.ping")
	require.NoError(t, err)

	require.NoError(t, e.Stop())
	require.False(t, e.IsActive())
	require.True(t, e.API().Empty())
	require.Equal(t, 1, s.deleteCount())

	s.mu.Lock()
	headers := s.headers
	s.mu.Unlock()
	require.Len(t, headers, 3)
	require.NotEmpty(t, headers[0].Get("x-time"))
	for _, h := range headers {
		assert.Equal(t, "Bearer token", h.Get("Authorization"))
	}
}

func TestHTTPStopFailsPendingCalls(t *testing.T) {
	s := newFakeServer(t)
	e := dialHTTP(t, s)

	stub, ok := e.API().Lookup("app.users.svc.wait")
	require.True(t, ok)
	p, err := stub.Invoke()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		calls, _, _ := s.recorded()
		return len(calls) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, e.Stop())
	_, err = p.Wait(context.Background())
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestCallBeforeInit(t *testing.T) {
	e, err := New(Config{API: "http://localhost/api", Service: "http://localhost/svc"})
	require.NoError(t, err)
	_, err = e.Call(context.Background(), "app.users.svc.get", 1)
	require.ErrorIs(t, err, ErrNotConnected)
	require.False(t, e.IsActive())
}

func TestCallUnknownMethod(t *testing.T) {
	s := newFakeServer(t)
	e := dialHTTP(t, s)
	_, err := e.Call(context.Background(), "app.users.svc.missing")
	require.ErrorIs(t, err, ErrHandleMissing)
}

func TestInitIsIdempotent(t *testing.T) {
	s := newFakeServer(t)
	e := dialHTTP(t, s)
	id := e.ID()
	require.NoError(t, e.Init(context.Background()))
	require.Equal(t, id, e.ID())

	s.mu.Lock()
	n := len(s.headers)
	s.mu.Unlock()
	require.Equal(t, 1, n, "second Init must not fetch the catalog again")
}

func TestSharedRegistry(t *testing.T) {
	s := newFakeServer(t)
	registry := NewNamespace()
	a := dialHTTP(t, s, WithRegistry(registry))

	other := newFakeServer(t, func(s *fakeServer) {
		s.catalog = `[{"namespace":"app.orders","action":"svc","methods":[{"name":"list","len":0,"mid":"h-list"}]}]`
	})
	b := dialHTTP(t, other, WithRegistry(registry))

	require.Equal(t, []string{
		"app.orders.svc.list",
		"app.users.svc.fail",
		"app.users.svc.find",
		"app.users.svc.get",
		"app.users.svc.ping",
		"app.users.svc.wait",
	}, registry.Methods())

	res, err := registry.Call(context.Background(), "app.users.svc.ping")
	require.NoError(t, err)
	require.True(t, res.Success)

	require.NoError(t, a.Stop())
	require.Equal(t, []string{"app.orders.svc.list"}, registry.Methods())
	require.Equal(t, []string{"app", "app.orders", "app.orders.svc"}, registry.Namespaces())

	require.NoError(t, b.Stop())
	require.True(t, registry.Empty())
}
