// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quark

import (
	"bytes"
	"encoding/json"
)

// Codec serializes the JSON layer of the wire protocol: outbound messages
// before compression and encryption, inbound messages after them.
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

// JSONCodec writes compact JSON without HTML escaping and reads JSON with an
// optional UTF-8 byte order mark.
type JSONCodec struct{}

func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func (JSONCodec) Decode(data []byte, v interface{}) error {
	return json.Unmarshal(bytes.TrimPrefix(data, utf8BOM), v)
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}
