// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quark

import (
	"context"
	"encoding/json"
	"sync/atomic"
)

// ChannelState is the lifecycle position of a channel.
type ChannelState int32

const (
	StateIdle ChannelState = iota
	StateFetching
	StateActive
	StateConnecting
	StateOpen
	StateClosing
	StateErrored
	StateClosed
	StateStopped
)

func (s ChannelState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetchingCatalog"
	case StateActive:
		return "active"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Channel moves calls between the generator and the server.
type Channel interface {
	// Init connects the channel to e. It returns once the channel can carry
	// calls, or with the error that prevented it.
	Init(ctx context.Context, e *Engine) error

	// Stop releases the channel. Pending calls fail with ErrChannelClosed.
	Stop() error

	// State returns the lifecycle position.
	State() ChannelState
}

type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) load() ChannelState   { return ChannelState(b.v.Load()) }
func (b *stateBox) store(s ChannelState) { b.v.Store(int32(s)) }

// encrypts reports whether req goes out encrypted. Requests with arguments
// are encrypted when the method asks for it and a session is established.
// After a rejected handshake such requests fail instead of leaking in the
// clear.
func (e *Engine) encrypts(req *Request) (bool, error) {
	if !req.Encrypt || len(req.Args) == 0 {
		return false, nil
	}
	switch e.security.State() {
	case SecurityValid:
		return true, nil
	case SecurityFailed:
		return false, newError(ErrSecurityUnavailable, req.Handle, nil)
	default:
		return false, nil
	}
}

// seal returns the request as it goes on the JSON layer, with the arguments
// replaced by a single {k, d} envelope when encrypted.
func (e *Engine) seal(req *Request) (*Request, bool, error) {
	enc, err := e.encrypts(req)
	if err != nil {
		return nil, false, err
	}
	if !enc {
		return req, false, nil
	}
	sealed, err := e.security.EncryptValue(req.Args)
	if err != nil {
		return nil, false, err
	}
	out := *req
	out.Args = []any{sealed.Hex()}
	return &out, true, nil
}

// open interprets a decoded inbound message. It returns the response
// payload for the queue, or the error the server or decryption produced.
func (e *Engine) open(m *Message) (json.RawMessage, error) {
	switch m.Command {
	case CmdErr:
		return nil, remoteError(m.errorBody())
	case CmdEnc:
		if !e.security.IsValid() {
			return nil, newError(ErrSecurityUnavailable, "", nil)
		}
		return e.security.DecryptMessage(m)
	default:
		return m.Payload(), nil
	}
}

// errorBody returns the first non-empty of Error, Result and Data.
func (m *Message) errorBody() json.RawMessage {
	for _, raw := range []json.RawMessage{m.Error, m.Result, m.Data} {
		if len(raw) > 0 {
			return raw
		}
	}
	return nil
}
