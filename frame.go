// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quark

import (
	"encoding/binary"
	"fmt"
)

// Frame wire constants.
//
//	[2B magic 0x514B "QK"][1B version][1B flags][4B length BE][payload...]
const (
	FrameMagic      uint16 = 0x514B
	FrameVersion    byte   = 1
	FrameHeaderSize        = 8

	FlagCompressed byte = 1 << 0
	FlagEncrypted  byte = 1 << 1
	FlagHandshake  byte = 1 << 2
)

// Frame is a decoded wire envelope. Legacy is set when the input carried no
// frame header and Payload is the input itself.
type Frame struct {
	Flags   byte
	Payload []byte
	Legacy  bool
}

func (f Frame) Compressed() bool { return f.Flags&FlagCompressed != 0 }
func (f Frame) Encrypted() bool  { return f.Flags&FlagEncrypted != 0 }
func (f Frame) Handshake() bool  { return f.Flags&FlagHandshake != 0 }

// EncodeFrame builds the header and appends payload.
func EncodeFrame(payload []byte, compressed, encrypted, handshake bool) []byte {
	var flags byte
	if compressed {
		flags |= FlagCompressed
	}
	if encrypted {
		flags |= FlagEncrypted
	}
	if handshake {
		flags |= FlagHandshake
	}
	buf := make([]byte, FrameHeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], FrameMagic)
	buf[2] = FrameVersion
	buf[3] = flags
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[FrameHeaderSize:], payload)
	return buf
}

// DecodeFrame validates magic and version. Input without them is returned as
// a legacy frame so plain JSON peers keep working.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < FrameHeaderSize || binary.BigEndian.Uint16(b[0:2]) != FrameMagic || b[2] != FrameVersion {
		return Frame{Payload: b, Legacy: true}, nil
	}
	length := binary.BigEndian.Uint32(b[4:8])
	if int64(length) != int64(len(b)-FrameHeaderSize) {
		return Frame{}, fmt.Errorf("%w: declared length %d, have %d", ErrMalformedFrame, length, len(b)-FrameHeaderSize)
	}
	return Frame{Flags: b[3], Payload: b[FrameHeaderSize:]}, nil
}

// MaxFieldSize is the largest sub-field a u16 length prefix can describe.
const MaxFieldSize = 0xFFFF

// appendField writes a u16 big-endian length prefix followed by v.
func appendField(dst, v []byte) ([]byte, error) {
	if len(v) > MaxFieldSize {
		return nil, fmt.Errorf("%w: field of %d bytes exceeds %d", ErrMalformedFrame, len(v), MaxFieldSize)
	}
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(v)))
	dst = append(dst, n[:]...)
	return append(dst, v...), nil
}

// readField splits one length-prefixed field from b.
func readField(b []byte) (field, rest []byte, err error) {
	if len(b) < 2 {
		return nil, nil, fmt.Errorf("%w: truncated field header", ErrMalformedFrame)
	}
	n := int(binary.BigEndian.Uint16(b[0:2]))
	if len(b)-2 < n {
		return nil, nil, fmt.Errorf("%w: field length %d exceeds %d", ErrMalformedFrame, n, len(b)-2)
	}
	return b[2 : 2+n], b[2+n:], nil
}

// HandshakeFields are the sub-fields leading a handshake-bearing payload.
type HandshakeFields struct {
	KeyEnc    []byte // SPKI DER
	KeyVer    []byte // SPKI DER
	Signature []byte
}

// EncodeHandshake prefixes rest with the three handshake sub-fields. A field
// longer than MaxFieldSize is rejected with ErrMalformedFrame.
func EncodeHandshake(h HandshakeFields, rest []byte) ([]byte, error) {
	out := make([]byte, 0, 6+len(h.KeyEnc)+len(h.KeyVer)+len(h.Signature)+len(rest))
	var err error
	for _, field := range [][]byte{h.KeyEnc, h.KeyVer, h.Signature} {
		if out, err = appendField(out, field); err != nil {
			return nil, err
		}
	}
	return append(out, rest...), nil
}

// SplitHandshake is the inverse of EncodeHandshake.
func SplitHandshake(payload []byte) (HandshakeFields, []byte, error) {
	var h HandshakeFields
	var err error
	if h.KeyEnc, payload, err = readField(payload); err != nil {
		return h, nil, err
	}
	if h.KeyVer, payload, err = readField(payload); err != nil {
		return h, nil, err
	}
	if h.Signature, payload, err = readField(payload); err != nil {
		return h, nil, err
	}
	return h, payload, nil
}

// EncodeSealed lays out an encrypted payload: the key envelope (outbound) or
// the clear IV (inbound) as one field, then the ciphertext. A head longer
// than MaxFieldSize is rejected with ErrMalformedFrame.
func EncodeSealed(head, ciphertext []byte) ([]byte, error) {
	out, err := appendField(make([]byte, 0, 2+len(head)+len(ciphertext)), head)
	if err != nil {
		return nil, err
	}
	return append(out, ciphertext...), nil
}

// SplitSealed is the inverse of EncodeSealed.
func SplitSealed(payload []byte) (head, ciphertext []byte, err error) {
	return readField(payload)
}
