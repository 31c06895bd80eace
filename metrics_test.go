// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)

	_, err = NewMetrics(reg)
	require.Error(t, err, "duplicate registration")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.callSent(TypeHTTP)
		m.callFailed(ErrTimeout)
		m.message("in")
		m.addPending(3)
	})
}

func TestPendingGaugeSharedByQueues(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	a := NewQueue(zaptest.NewLogger(t), m)
	b := NewQueue(zaptest.NewLogger(t), m)
	noop := func(json.RawMessage, error) {}
	for i := 0; i < 3; i++ {
		a.Register(&Request{}, noop)
	}
	tid := b.Register(&Request{}, noop)
	b.Register(&Request{}, noop)
	require.Equal(t, float64(5), testutil.ToFloat64(m.pending))

	require.True(t, b.Complete(tid, nil, nil))
	require.Equal(t, float64(4), testutil.ToFloat64(m.pending))

	require.Equal(t, 3, a.Close(ErrChannelClosed))
	require.Equal(t, float64(1), testutil.ToFloat64(m.pending), "closing one queue keeps the other's calls")

	b.Close(ErrChannelClosed)
	require.Zero(t, testutil.ToFloat64(m.pending))
}

func TestErrorKind(t *testing.T) {
	require.Equal(t, "timeout", errorKind(newError(ErrTimeout, "", context.DeadlineExceeded)))
	require.Equal(t, "remote", errorKind(fmt.Errorf("wrapped: %w", remoteError([]byte(`{}`)))))
	require.Equal(t, "other", errorKind(errors.New("x")))
}

func TestMetricsRecordCalls(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	s := newFakeServer(t)
	e, err := New(s.httpConfig(), WithLogger(zaptest.NewLogger(t)), WithMetrics(m))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop() })
	require.NoError(t, e.Init(context.Background()))

	_, err = e.Call(context.Background(), "app.users.svc.ping")
	require.NoError(t, err)
	_, err = e.Call(context.Background(), "app.users.svc.fail")
	require.ErrorIs(t, err, ErrRemote)
	_, err = e.Call(context.Background(), "app.users.svc.find", 1, 2, 3)
	require.ErrorIs(t, err, ErrArityMismatch)

	require.Equal(t, float64(2), testutil.ToFloat64(m.calls.WithLabelValues(TypeHTTP)))
	require.Equal(t, float64(1), testutil.ToFloat64(m.failures.WithLabelValues("remote")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.failures.WithLabelValues("arity_mismatch")))
	require.Zero(t, testutil.ToFloat64(m.pending))
}

func TestMetricsRecordSocketMessages(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	s := newFakeServer(t)
	e := newSocketEngine(t, s.socketConfig(), WithMetrics(m))
	require.NoError(t, e.Init(context.Background()))

	_, err = e.Call(context.Background(), "app.users.svc.ping")
	require.NoError(t, err)

	require.Equal(t, float64(1), testutil.ToFloat64(m.calls.WithLabelValues(TypeSocket)))
	require.GreaterOrEqual(t, testutil.ToFloat64(m.frames.WithLabelValues("out")), float64(1))
	// catalog and reply
	require.GreaterOrEqual(t, testutil.ToFloat64(m.frames.WithLabelValues("in")), float64(2))
}
