// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quark

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Wire commands.
const (
	CmdData = "data"
	CmdEnc  = "enc"
	CmdErr  = "err"
	CmdAPI  = "api"
)

// Channel type tags carried in outbound messages.
const (
	TypeSocket = "ws"
	TypeHTTP   = "http"
)

// Request is one remote method invocation. It is created by a stub and only
// its TransactionID is assigned afterwards, by the Queue.
type Request struct {
	Handle        string `json:"handle"`
	SourceID      string `json:"id"`
	Encrypt       bool   `json:"enc"`
	Args          []any  `json:"data"`
	Sequence      uint64 `json:"key"`
	TransactionID string `json:"tid"`
	Timestamp     int64  `json:"ts"`
}

// Message is the JSON envelope exchanged with the server in both directions.
// Outbound messages use Command, Type and Data. Inbound messages carry their
// payload in Data, Result or Error depending on the command; encrypted
// responses carry IV and D.
type Message struct {
	Command string          `json:"cmd"`
	Type    string          `json:"type,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	IV      string          `json:"iv,omitempty"`
	D       string          `json:"d,omitempty"`
}

// outbound is the shape of a message written by a channel.
type outbound struct {
	Command string     `json:"cmd"`
	Type    string     `json:"type"`
	Data    []*Request `json:"data"`
}

// Payload returns the first non-empty of Data and Result.
func (m *Message) Payload() json.RawMessage {
	if len(m.Data) > 0 && !bytes.Equal(m.Data, []byte("null")) {
		return m.Data
	}
	return m.Result
}

// Catalog is the server description of callable methods, optionally
// accompanied by the signed key bundle that starts the security handshake.
type Catalog struct {
	API       []Action `json:"api"`
	Signature string   `json:"signature,omitempty"`
	KeyEnc    string   `json:"keyEnc,omitempty"`
	KeyVer    string   `json:"keyVer,omitempty"`
	// Challenge is set locally by the channel that fetched the catalog.
	Challenge string `json:"-"`
}

// UnmarshalJSON accepts both the wrapped form {api: ...} and a bare action
// list or single action, as servers send either.
func (c *Catalog) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		return json.Unmarshal(b, &c.API)
	}
	type catalog Catalog
	var raw struct {
		catalog
		API       json.RawMessage `json:"api"`
		Namespace string          `json:"namespace"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*c = Catalog(raw.catalog)
	switch {
	case len(raw.API) > 0:
		actions, err := parseActions(raw.API)
		if err != nil {
			return err
		}
		c.API = actions
	case raw.Namespace != "":
		var a Action
		if err := json.Unmarshal(b, &a); err != nil {
			return err
		}
		c.API = []Action{a}
	}
	return nil
}

func parseActions(b json.RawMessage) ([]Action, error) {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		var a Action
		if err := json.Unmarshal(b, &a); err != nil {
			return nil, err
		}
		return []Action{a}, nil
	}
	var list []Action
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Bundle extracts the handshake inputs of the catalog.
func (c *Catalog) Bundle() Bundle {
	return Bundle{
		Challenge: c.Challenge,
		KeyEnc:    c.KeyEnc,
		KeyVer:    c.KeyVer,
		Signature: c.Signature,
	}
}

// Action groups the methods of one remote class under a dotted namespace.
type Action struct {
	Namespace string   `json:"namespace"`
	Action    string   `json:"action"`
	Methods   []Method `json:"methods"`
}

// Method describes one remote method. Len, Async and Handle hold a single
// value for a plain method and one value per overload once entries of the
// same name have been reduced.
type Method struct {
	Name    string  `json:"name"`
	Len     arities `json:"len"`
	Async   flags   `json:"async,omitempty"`
	Handle  handles `json:"mid"`
	Encrypt *bool   `json:"encrypt,omitempty"`
}

// encrypted reports the effective encrypt flag; methods encrypt unless the
// server explicitly disables it.
func (m *Method) encrypted() bool {
	return m.Encrypt == nil || *m.Encrypt
}

// arities, flags and handles decode from either a scalar or an array.
type (
	arities []int
	flags   []bool
	handles []string
)

func (v *arities) UnmarshalJSON(b []byte) error { return scalarOrList(b, (*[]int)(v)) }
func (v *flags) UnmarshalJSON(b []byte) error   { return scalarOrList(b, (*[]bool)(v)) }
func (v *handles) UnmarshalJSON(b []byte) error { return handleList(b, (*[]string)(v)) }

func scalarOrList[T any](b []byte, out *[]T) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*out = nil
		return nil
	}
	if len(b) > 0 && b[0] == '[' {
		return json.Unmarshal(b, out)
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*out = []T{one}
	return nil
}

// handleList accepts string or numeric handles; servers emit either.
func handleList(b []byte, out *[]string) error {
	var raw []json.RawMessage
	if err := scalarOrList(b, &raw); err != nil {
		return err
	}
	list := make([]string, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			list = append(list, s)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(r, &n); err != nil {
			return fmt.Errorf("method handle %s: %w", r, err)
		}
		list = append(list, n.String())
	}
	*out = list
	return nil
}

// Result is the value a stub call resolves to.
type Result struct {
	Success bool            `json:"success"`
	Raw     json.RawMessage `json:"-"`
}

// Decode unmarshals the full result object into v.
func (r *Result) Decode(v any) error {
	return json.Unmarshal(r.Raw, v)
}
