// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quark

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrConfigInvalid       = errors.New("quark: invalid configuration")
	ErrSignatureInvalid    = errors.New("quark: signature invalid")
	ErrSecurityUnavailable = errors.New("quark: security available on https/wss only")
	ErrMalformedFrame      = errors.New("quark: malformed frame")
	ErrInvalidResponse     = errors.New("quark: invalid response")
	ErrArityMismatch       = errors.New("quark: invalid arguments length")
	ErrHandleMissing       = errors.New("quark: invalid remote caller handle")
	ErrTransport           = errors.New("quark: transport failure")
	ErrRemote              = errors.New("quark: remote error")
	ErrChannelClosed       = errors.New("quark: channel closed")
	ErrNotConnected        = errors.New("quark: no active channel")
	ErrTimeout             = errors.New("quark: call timeout")
)

// Error is the structured failure delivered to callers. Kind is one of the
// Err* sentinels above, so errors.Is(err, ErrRemote) works on any *Error.
type Error struct {
	Kind    error
	Message string
	// Result is the raw server result object, when one was received.
	Result json.RawMessage
	Err    error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %s", e.Kind, msg)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// remoteError builds an ErrRemote from a server result object. The message
// is taken from the first of message, msg or error that is a string.
func remoteError(raw json.RawMessage) *Error {
	var fields struct {
		Message json.RawMessage `json:"message"`
		Msg     json.RawMessage `json:"msg"`
		Error   json.RawMessage `json:"error"`
	}
	e := &Error{Kind: ErrRemote, Result: raw}
	if err := json.Unmarshal(raw, &fields); err != nil {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			e.Message = s
		}
		return e
	}
	for _, candidate := range []json.RawMessage{fields.Message, fields.Msg, fields.Error} {
		var s string
		if len(candidate) > 0 && json.Unmarshal(candidate, &s) == nil && s != "" {
			e.Message = s
			break
		}
	}
	return e
}
