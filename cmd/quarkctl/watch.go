// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/luxfi/quark"
)

type event struct {
	Label string `json:"event" yaml:"event"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// eventSink buffers events between engine listeners and the printer.
// Listeners run on the socket read loop and must not block, so an event that
// finds the buffer full is counted instead.
type eventSink struct {
	events  chan event
	dropped atomic.Uint64
}

func newEventSink(size int) *eventSink {
	return &eventSink{events: make(chan event, size)}
}

func (s *eventSink) push(ev event) {
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

// report writes the number of dropped events, if any.
func (s *eventSink) report(w io.Writer) {
	if n := s.dropped.Load(); n > 0 {
		fmt.Fprintf(w, "watch: dropped %d events, output could not keep up\n", n)
	}
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print unsolicited messages pushed over the socket until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		engine, err := dial(ctx)
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer engine.Stop()

		sink := newEventSink(64)
		defer sink.report(cmd.ErrOrStderr())
		for _, label := range []string{quark.EventMessage, quark.EventRaw, quark.EventError, quark.EventOffline} {
			label := label
			unsubscribe := engine.On(label, func(args ...any) {
				ev := event{Label: label}
				if len(args) > 0 {
					ev.Value = plain(args[0])
				}
				sink.push(ev)
			})
			defer unsubscribe()
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-sink.events:
				if err := render(cmd.OutOrStdout(), ev); err != nil {
					return err
				}
				if ev.Label == quark.EventOffline {
					return nil
				}
			}
		}
	},
}

// plain converts event arguments into values both encoders print well.
func plain(v any) any {
	switch t := v.(type) {
	case json.RawMessage:
		var decoded any
		if json.Unmarshal(t, &decoded) == nil {
			return decoded
		}
		return string(t)
	case error:
		return t.Error()
	default:
		return v
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
