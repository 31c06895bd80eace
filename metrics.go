// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quark

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports call and frame counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	calls    *prometheus.CounterVec
	failures *prometheus.CounterVec
	frames   *prometheus.CounterVec
	pending  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quark",
			Name:      "calls_total",
			Help:      "Remote calls sent, by channel.",
		}, []string{"channel"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quark",
			Name:      "call_failures_total",
			Help:      "Remote calls that failed, by error kind.",
		}, []string{"kind"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quark",
			Name:      "socket_messages_total",
			Help:      "Socket messages, by direction.",
		}, []string{"direction"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quark",
			Name:      "pending_calls",
			Help:      "Calls waiting for a response, across all engines.",
		}),
	}
	for _, c := range []prometheus.Collector{m.calls, m.failures, m.frames, m.pending} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) callSent(channel string) {
	if m != nil {
		m.calls.WithLabelValues(channel).Inc()
	}
}

func (m *Metrics) callFailed(err error) {
	if m != nil {
		m.failures.WithLabelValues(errorKind(err)).Inc()
	}
}

func (m *Metrics) message(direction string) {
	if m != nil {
		m.frames.WithLabelValues(direction).Inc()
	}
}

// addPending moves the pending gauge by delta. Each queue reports its own
// changes, so queues sharing one Metrics add up.
func (m *Metrics) addPending(delta int) {
	if m != nil && delta != 0 {
		m.pending.Add(float64(delta))
	}
}

var kindLabels = []struct {
	err   error
	label string
}{
	{ErrSignatureInvalid, "signature_invalid"},
	{ErrSecurityUnavailable, "security_unavailable"},
	{ErrMalformedFrame, "malformed_frame"},
	{ErrInvalidResponse, "invalid_response"},
	{ErrArityMismatch, "arity_mismatch"},
	{ErrHandleMissing, "handle_missing"},
	{ErrTransport, "transport"},
	{ErrRemote, "remote"},
	{ErrChannelClosed, "channel_closed"},
	{ErrNotConnected, "not_connected"},
	{ErrTimeout, "timeout"},
}

func errorKind(err error) string {
	for _, k := range kindLabels {
		if errors.Is(err, k.err) {
			return k.label
		}
	}
	return "other"
}
