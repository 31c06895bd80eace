// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quark

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"sync"

	"go.uber.org/zap"
)

const (
	ivSize         = 16
	sessionKeySize = 16 // AES-128
)

// SecurityState tracks the handshake outcome.
type SecurityState int

const (
	// SecurityNone means no handshake was offered; traffic is plaintext.
	SecurityNone SecurityState = iota
	// SecurityValid means the session key is established.
	SecurityValid
	// SecurityFailed means a handshake was rejected. Encrypted calls fail.
	SecurityFailed
)

func (s SecurityState) String() string {
	switch s {
	case SecurityValid:
		return "valid"
	case SecurityFailed:
		return "failed"
	default:
		return "none"
	}
}

// Bundle is the signed key material sent by the server with the catalog.
type Bundle struct {
	Challenge string
	KeyEnc    string // base64 SPKI, RSA-OAEP/SHA-256
	KeyVer    string // base64 SPKI, ECDSA P-384
	Signature string // base64, ECDSA/SHA-384 over Challenge+KeyEnc+KeyVer
}

// signedData is the byte string the server signature covers.
func (b Bundle) signedData() []byte {
	return []byte(b.Challenge + b.KeyEnc + b.KeyVer)
}

// Sealed is an encrypted outbound payload: Envelope carries iv||sessionKey
// under the server RSA key, Ciphertext the AES-CTR encrypted payload.
type Sealed struct {
	Envelope   []byte
	Ciphertext []byte
}

// Envelope is the hex JSON form of Sealed.
type Envelope struct {
	K string `json:"k"`
	D string `json:"d"`
}

// Hex returns the JSON form.
func (s *Sealed) Hex() Envelope {
	return Envelope{K: hex.EncodeToString(s.Envelope), D: hex.EncodeToString(s.Ciphertext)}
}

// Security owns one engine's encryption session.
type Security struct {
	mu         sync.RWMutex
	version    int
	state      SecurityState
	encKey     *rsa.PublicKey
	verKey     *ecdsa.PublicKey
	sessionKey []byte
	block      cipher.Block

	disabled bool
	rand     io.Reader
	log      *zap.Logger
}

// NewSecurity creates an empty session. A disabled session treats every
// handshake as a no-op and never becomes valid.
func NewSecurity(log *zap.Logger, disabled bool) *Security {
	if log == nil {
		log = zap.NewNop()
	}
	return &Security{log: log, disabled: disabled, rand: rand.Reader}
}

// Init verifies the bundle signature and, on success, imports the encryption
// key and generates a fresh session key. A bad signature clears all key
// state and returns ErrSignatureInvalid.
func (s *Security) Init(b Bundle) error {
	if s.disabled {
		s.log.Info("security disabled, TLS protocol required")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Debug("security initializing", zap.Int("version", s.version+1))

	verKey, err := importECDSA(b.KeyVer)
	if err != nil {
		s.clearLocked(SecurityFailed)
		return newError(ErrSignatureInvalid, "import verification key", err)
	}
	sig, err := base64.StdEncoding.DecodeString(b.Signature)
	if err != nil {
		s.clearLocked(SecurityFailed)
		return newError(ErrSignatureInvalid, "decode signature", err)
	}
	if !verifyP384(verKey, b.signedData(), sig) {
		s.clearLocked(SecurityFailed)
		return newError(ErrSignatureInvalid, "", nil)
	}

	encKey, err := importRSA(b.KeyEnc)
	if err != nil {
		s.clearLocked(SecurityFailed)
		return newError(ErrSignatureInvalid, "import encryption key", err)
	}
	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(s.rand, key); err != nil {
		s.clearLocked(SecurityFailed)
		return fmt.Errorf("generate session key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		s.clearLocked(SecurityFailed)
		return fmt.Errorf("session cipher: %w", err)
	}

	s.verKey = verKey
	s.encKey = encKey
	s.sessionKey = key
	s.block = block
	s.state = SecurityValid
	s.version++
	s.log.Info("security initialized", zap.Int("version", s.version))
	return nil
}

// IsValid reports whether encryption can be performed.
func (s *Security) IsValid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encKey != nil && s.block != nil
}

// State returns the handshake outcome.
func (s *Security) State() SecurityState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Version counts successful handshakes.
func (s *Security) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Clear drops all key material.
func (s *Security) Clear() {
	s.mu.Lock()
	s.clearLocked(SecurityNone)
	s.mu.Unlock()
}

func (s *Security) clearLocked(state SecurityState) {
	s.encKey = nil
	s.verKey = nil
	s.sessionKey = nil
	s.block = nil
	s.state = state
}

// Encrypt seals payload under a fresh IV. The session key is not rotated.
func (s *Security) Encrypt(payload []byte) (*Sealed, error) {
	s.mu.RLock()
	encKey, key, block := s.encKey, s.sessionKey, s.block
	s.mu.RUnlock()
	if encKey == nil || block == nil {
		return nil, newError(ErrSecurityUnavailable, "", nil)
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(s.rand, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	envelope, err := rsa.EncryptOAEP(sha256.New(), s.rand, encKey, append(iv, key...), nil)
	if err != nil {
		return nil, fmt.Errorf("encrypt key envelope: %w", err)
	}
	ciphertext := make([]byte, len(payload))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, payload)
	return &Sealed{Envelope: envelope, Ciphertext: ciphertext}, nil
}

// EncryptValue serializes v (strings are used verbatim) and seals it.
func (s *Security) EncryptValue(v any) (*Sealed, error) {
	var data []byte
	switch t := v.(type) {
	case string:
		data = []byte(t)
	case []byte:
		data = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		data = b
	}
	return s.Encrypt(data)
}

// Decrypt reverses the peer's AES-CTR encryption with the clear IV.
func (s *Security) Decrypt(iv, ciphertext []byte) ([]byte, error) {
	s.mu.RLock()
	block := s.block
	s.mu.RUnlock()
	if block == nil {
		return nil, newError(ErrSecurityUnavailable, "", nil)
	}
	if len(iv) != ivSize {
		return nil, newError(ErrInvalidResponse, fmt.Sprintf("iv length %d", len(iv)), nil)
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(out, ciphertext)
	return out, nil
}

// DecryptMessage decrypts a hex {iv, d} message and parses the plaintext as
// JSON. A decrypted socket data envelope is unwrapped one level.
func (s *Security) DecryptMessage(m *Message) (json.RawMessage, error) {
	iv, err := hex.DecodeString(m.IV)
	if err != nil {
		return nil, newError(ErrInvalidResponse, "decode iv", err)
	}
	data, err := hex.DecodeString(m.D)
	if err != nil {
		return nil, newError(ErrInvalidResponse, "decode data", err)
	}
	plain, err := s.Decrypt(iv, data)
	if err != nil {
		return nil, err
	}
	return unwrapPlain(plain)
}

// unwrapPlain validates decrypted JSON and strips a {type:"ws",cmd:"data"}
// wrapper.
func unwrapPlain(plain []byte) (json.RawMessage, error) {
	if !json.Valid(plain) {
		return nil, newError(ErrInvalidResponse, "decrypted payload is not JSON", nil)
	}
	plain = bytes.TrimSpace(plain)
	if len(plain) > 0 && plain[0] == '{' {
		var m Message
		if err := json.Unmarshal(plain, &m); err == nil && m.Type == TypeSocket && m.Command == CmdData {
			return m.Data, nil
		}
	}
	return plain, nil
}

func importRSA(encoded string) (*rsa.PublicKey, error) {
	key, err := importSPKI(encoded)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("expected RSA key, got %T", key)
	}
	return pub, nil
}

func importECDSA(encoded string) (*ecdsa.PublicKey, error) {
	key, err := importSPKI(encoded)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P384() {
		return nil, fmt.Errorf("expected ECDSA P-384 key, got %T", key)
	}
	return pub, nil
}

func importSPKI(encoded string) (any, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	return x509.ParsePKIXPublicKey(der)
}

// verifyP384 accepts the r||s signature format produced by Web Crypto as well
// as ASN.1 DER.
func verifyP384(key *ecdsa.PublicKey, data, sig []byte) bool {
	digest := sha512.Sum384(data)
	const n = 48
	if len(sig) == 2*n {
		r := new(big.Int).SetBytes(sig[:n])
		s := new(big.Int).SetBytes(sig[n:])
		return ecdsa.Verify(key, digest[:], r, s)
	}
	return ecdsa.VerifyASN1(key, digest[:], sig)
}
