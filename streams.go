// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quark

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// Compression encodings understood by Streams.
const (
	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate" // zlib wrapped
)

// Streams compresses and decompresses message payloads. A disabled Streams
// passes data through unchanged, which is how a peer without compression
// capability behaves.
type Streams struct {
	Encoding string
	Disabled bool
}

// DefaultStreams uses gzip.
var DefaultStreams = &Streams{Encoding: EncodingGzip}

// Available reports whether compression is enabled.
func (s *Streams) Available() bool {
	return s != nil && !s.Disabled
}

// Compress encodes data with the configured encoding. Input that already
// carries a gzip or zlib header is returned as is.
func (s *Streams) Compress(data []byte) ([]byte, error) {
	if IsCompressed(data) {
		return data, nil
	}
	var buf bytes.Buffer
	var w io.WriteCloser
	switch s.Encoding {
	case EncodingDeflate:
		w = zlib.NewWriter(&buf)
	case EncodingGzip, "":
		w = gzip.NewWriter(&buf)
	default:
		return nil, fmt.Errorf("quark: unknown encoding %q", s.Encoding)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress decodes gzip or zlib data, detected by header. Data without a
// known header is returned unchanged.
func (s *Streams) Decompress(data []byte) ([]byte, error) {
	var r io.ReadCloser
	var err error
	switch {
	case IsGzip(data):
		r, err = gzip.NewReader(bytes.NewReader(data))
	case IsZlib(data):
		r, err = zlib.NewReader(bytes.NewReader(data))
	default:
		return data, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}

// CompressOrDefault compresses when available and falls back to the input.
func (s *Streams) CompressOrDefault(data []byte) ([]byte, bool) {
	if !s.Available() {
		return data, false
	}
	out, err := s.Compress(data)
	if err != nil {
		return data, false
	}
	return out, true
}

// DecompressOrDefault decompresses when available and falls back to the input.
func (s *Streams) DecompressOrDefault(data []byte) []byte {
	if !s.Available() {
		return data
	}
	out, err := s.Decompress(data)
	if err != nil {
		return data
	}
	return out
}

// IsCompressed reports whether data starts with a gzip or zlib header.
func IsCompressed(data []byte) bool {
	return IsGzip(data) || IsZlib(data)
}

// IsGzip checks for the 1F 8B 08 gzip signature.
func IsGzip(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x1f && data[1] == 0x8b && data[2] == 0x08
}

// IsZlib checks for a 0x78 CMF byte followed by one of the standard FLG bytes.
func IsZlib(data []byte) bool {
	if len(data) < 2 || data[0] != 0x78 {
		return false
	}
	switch data[1] {
	case 0x01, 0x5e, 0x9c, 0xda:
		return true
	}
	return false
}

// IsJSON is a cheap sniff: the first and last non-space bytes are a matching
// pair of braces or brackets.
func IsJSON(data []byte) bool {
	data = bytes.TrimSpace(data)
	if len(data) < 2 {
		return false
	}
	first, last := data[0], data[len(data)-1]
	return (first == '{' && last == '}') || (first == '[' && last == ']')
}
