// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quark

import (
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
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var (
	keysOnce  sync.Once
	serverRSA *rsa.PrivateKey
	serverEC  *ecdsa.PrivateKey
)

// testKeys returns the server key pairs shared by all tests.
func testKeys(t testing.TB) (*rsa.PrivateKey, *ecdsa.PrivateKey) {
	t.Helper()
	var err error
	keysOnce.Do(func() {
		if serverRSA, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			return
		}
		serverEC, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	})
	require.NoError(t, err)
	require.NotNil(t, serverEC)
	return serverRSA, serverEC
}

func spkiDER(pub any) []byte {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		panic(err)
	}
	return der
}

// signBundle builds the handshake material the way a server does: both keys
// as base64 SPKI and an ASN.1 ECDSA/SHA-384 signature over
// challenge+keyEnc+keyVer.
func signBundle(t testing.TB, challenge string) Bundle {
	rk, ek := testKeys(t)
	b := Bundle{
		Challenge: challenge,
		KeyEnc:    base64.StdEncoding.EncodeToString(spkiDER(&rk.PublicKey)),
		KeyVer:    base64.StdEncoding.EncodeToString(spkiDER(&ek.PublicKey)),
	}
	digest := sha512.Sum384(b.signedData())
	sig, err := ecdsa.SignASN1(rand.Reader, ek, digest[:])
	if err != nil {
		panic(err)
	}
	b.Signature = base64.StdEncoding.EncodeToString(sig)
	return b
}

// openEnvelope plays the server side of Encrypt: it recovers iv and session
// key from the RSA envelope and decrypts the ciphertext.
func openEnvelope(k, d []byte) (plain, key []byte, err error) {
	head, err := rsa.DecryptOAEP(sha256.New(), nil, serverRSA, k, nil)
	if err != nil {
		return nil, nil, err
	}
	if len(head) != ivSize+sessionKeySize {
		return nil, nil, fmt.Errorf("envelope length %d", len(head))
	}
	iv, key := head[:ivSize], head[ivSize:]
	return ctr(key, iv, d), key, nil
}

// sealReply encrypts a server reply under the client session key.
func sealReply(key, plain []byte) (iv, ciphertext []byte) {
	iv = make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		panic(err)
	}
	return iv, ctr(key, iv, plain)
}

func ctr(key, iv, in []byte) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	out := make([]byte, len(in))
	cipher.NewCTR(block, iv).XORKeyStream(out, in)
	return out
}

// usersCatalog is the catalog served by fakeServer unless a test replaces it.
const usersCatalog = `[{"namespace":"app.users","action":"svc","methods":[
	{"name":"get","len":1,"mid":"h-get","encrypt":true},
	{"name":"find","len":1,"mid":"h-find1"},
	{"name":"find","len":2,"mid":"h-find2"},
	{"name":"ping","len":0,"mid":"h-ping","encrypt":false},
	{"name":"wait","len":0,"mid":"h-wait","async":true},
	{"name":"fail","len":0,"mid":"h-fail"}
]}]`

// usersHandler answers the methods of usersCatalog. A nil result means the
// server never answers.
func usersHandler(req *Request, args []any) map[string]any {
	switch req.Handle {
	case "h-get":
		if len(args) == 1 && args[0] == float64(42) {
			return map[string]any{"success": true, "value": "Alice"}
		}
		return map[string]any{"success": false, "message": "no such user"}
	case "h-find1", "h-find2":
		return map[string]any{"success": true, "value": len(args)}
	case "h-ping":
		return map[string]any{"success": true, "value": "pong"}
	case "h-fail":
		return map[string]any{"success": false, "message": "boom"}
	default:
		return nil
	}
}

type serverConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *serverConn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.WriteMessage(messageType, data)
}

// fakeServer speaks the quark protocol over HTTP (/api, /svc) and websocket
// (/ws).
type fakeServer struct {
	*httptest.Server
	t testing.TB

	catalog        string
	signed         bool
	tamper         bool
	encryptReplies bool
	framing        bool
	handshakeFrame bool
	handle         func(req *Request, args []any) map[string]any

	mu       sync.Mutex
	calls    []*Request
	args     [][]any
	commands []string
	headers  []http.Header
	queries  []url.Values
	deletes  int
	conns    []*serverConn
	key      []byte
}

func newFakeServer(t testing.TB, configure ...func(*fakeServer)) *fakeServer {
	testKeys(t)
	s := &fakeServer{t: t, catalog: usersCatalog, handle: usersHandler}
	for _, fn := range configure {
		fn(s)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api", s.serveAPI)
	mux.HandleFunc("/svc", s.serveCall)
	mux.HandleFunc("/ws", s.serveSocket)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *fakeServer) httpConfig() Config {
	return Config{API: s.URL + "/api", Service: s.URL + "/svc"}
}

func (s *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

func (s *fakeServer) socketConfig() Config {
	return Config{API: s.wsURL(), Service: s.wsURL()}
}

// catalogBody is the catalog document for challenge, signed when configured.
func (s *fakeServer) catalogBody(challenge string) map[string]any {
	body := map[string]any{"api": json.RawMessage(s.catalog)}
	if s.signed {
		signed := challenge
		if s.tamper {
			signed = "not-" + challenge
		}
		b := signBundle(s.t, signed)
		body["keyEnc"] = b.KeyEnc
		body["keyVer"] = b.KeyVer
		body["signature"] = b.Signature
	}
	return body
}

func (s *fakeServer) record(r *http.Request) {
	s.mu.Lock()
	s.headers = append(s.headers, r.Header.Clone())
	s.mu.Unlock()
}

func (s *fakeServer) serveAPI(w http.ResponseWriter, r *http.Request) {
	s.record(r)
	w.Header().Set("Content-Type", mimeJSON)
	_ = json.NewEncoder(w).Encode(s.catalogBody(r.Header.Get("x-time")))
}

func (s *fakeServer) serveCall(w http.ResponseWriter, r *http.Request) {
	s.record(r)
	if r.Method == http.MethodDelete {
		s.mu.Lock()
		s.deletes++
		s.mu.Unlock()
		return
	}

	var msg outbound
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil || len(msg.Data) != 1 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req := msg.Data[0]
	args, err := s.arguments(msg.Command, req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result := s.handle(req, args)
	if result == nil {
		<-r.Context().Done()
		return
	}
	body, _ := json.Marshal(result)
	reply := Message{Command: CmdData, Data: body}
	if key := s.sessionKey(); s.encryptReplies && key != nil {
		iv, ct := sealReply(key, body)
		reply = Message{Command: CmdEnc, IV: hex.EncodeToString(iv), D: hex.EncodeToString(ct)}
	}
	w.Header().Set("Content-Type", mimeJSON)
	_ = json.NewEncoder(w).Encode(reply)
}

// arguments records the call and returns its arguments, decrypting a {k, d}
// envelope when the command is enc.
func (s *fakeServer) arguments(command string, req *Request) ([]any, error) {
	args := req.Args
	if command == CmdEnc {
		env, ok := args[0].(map[string]any)
		if !ok || len(args) != 1 {
			return nil, errors.New("encrypted request without envelope")
		}
		k, err := hex.DecodeString(env["k"].(string))
		if err != nil {
			return nil, err
		}
		d, err := hex.DecodeString(env["d"].(string))
		if err != nil {
			return nil, err
		}
		plain, key, err := openEnvelope(k, d)
		if err != nil {
			return nil, err
		}
		s.setSessionKey(key)
		args = nil
		if err := json.Unmarshal(plain, &args); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.args = append(s.args, args)
	s.commands = append(s.commands, command)
	s.mu.Unlock()
	return args, nil
}

func (s *fakeServer) setSessionKey(key []byte) {
	s.mu.Lock()
	s.key = key
	s.mu.Unlock()
}

func (s *fakeServer) sessionKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

var upgrader = websocket.Upgrader{
	Subprotocols: []string{Subprotocol},
	CheckOrigin:  func(_ *http.Request) bool { return true },
}

func (s *fakeServer) serveSocket(w http.ResponseWriter, r *http.Request) {
	s.record(r)
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &serverConn{Conn: ws}
	s.mu.Lock()
	s.queries = append(s.queries, r.URL.Query())
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	defer ws.Close()

	if err := s.sendCatalog(conn, r.URL.Query().Get("q")); err != nil {
		return
	}
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := s.decodeSocket(messageType, data)
		if err != nil {
			continue
		}
		var results []map[string]any
		for _, req := range msg.Data {
			args, err := s.arguments(msg.Command, req)
			if err != nil {
				continue
			}
			result := s.handle(req, args)
			if result == nil {
				continue
			}
			result["tid"] = req.TransactionID
			results = append(results, result)
		}
		if len(results) > 0 {
			_ = s.reply(conn, results)
		}
	}
}

// sendCatalog pushes the catalog when the socket also serves the api.
func (s *fakeServer) sendCatalog(conn *serverConn, challenge string) error {
	body := s.catalogBody(challenge)
	if !s.handshakeFrame {
		msg, _ := json.Marshal(map[string]any{"cmd": CmdAPI, "data": body})
		return conn.write(websocket.TextMessage, msg)
	}

	msg, _ := json.Marshal(map[string]any{"cmd": CmdAPI, "data": map[string]any{"api": body["api"]}})
	var h HandshakeFields
	if s.signed {
		h.KeyEnc, _ = base64.StdEncoding.DecodeString(body["keyEnc"].(string))
		h.KeyVer, _ = base64.StdEncoding.DecodeString(body["keyVer"].(string))
		h.Signature, _ = base64.StdEncoding.DecodeString(body["signature"].(string))
	}
	payload, err := EncodeHandshake(h, msg)
	if err != nil {
		return err
	}
	return conn.write(websocket.BinaryMessage, EncodeFrame(payload, false, false, true))
}

// decodeSocket reverses the client send path.
func (s *fakeServer) decodeSocket(messageType int, data []byte) (*outbound, error) {
	if messageType == websocket.BinaryMessage {
		f, err := DecodeFrame(data)
		if err != nil {
			return nil, err
		}
		payload := f.Payload
		if f.Encrypted() {
			k, ct, err := SplitSealed(payload)
			if err != nil {
				return nil, err
			}
			plain, key, err := openEnvelope(k, ct)
			if err != nil {
				return nil, err
			}
			s.setSessionKey(key)
			payload = plain
		}
		if f.Legacy || f.Compressed() {
			if payload, err = DefaultStreams.Decompress(payload); err != nil {
				return nil, err
			}
		}
		data = payload
	}
	var msg outbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// reply answers over the socket as plain text, a JSON-layer encrypted
// message or an encrypted compressed frame, depending on configuration.
func (s *fakeServer) reply(conn *serverConn, results []map[string]any) error {
	body, _ := json.Marshal(map[string]any{"cmd": CmdData, "type": TypeSocket, "data": results})
	key := s.sessionKey()
	switch {
	case s.encryptReplies && key != nil && s.framing:
		compressed, err := DefaultStreams.Compress(body)
		if err != nil {
			return err
		}
		iv, ct := sealReply(key, compressed)
		payload, err := EncodeSealed(iv, ct)
		if err != nil {
			return err
		}
		return conn.write(websocket.BinaryMessage, EncodeFrame(payload, true, true, false))
	case s.encryptReplies && key != nil:
		iv, ct := sealReply(key, body)
		msg, _ := json.Marshal(Message{Command: CmdEnc, IV: hex.EncodeToString(iv), D: hex.EncodeToString(ct)})
		return conn.write(websocket.TextMessage, msg)
	default:
		return conn.write(websocket.TextMessage, body)
	}
}

// push writes data to every open socket.
func (s *fakeServer) push(messageType int, data []byte) {
	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.write(messageType, data)
	}
}

// drop closes every socket without a close handshake.
func (s *fakeServer) drop() {
	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *fakeServer) waitConns(t testing.TB, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.conns) >= n
	}, 5*time.Second, 10*time.Millisecond)
}

func (s *fakeServer) recorded() (calls []*Request, args [][]any, commands []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Request(nil), s.calls...), append([][]any(nil), s.args...), append([]string(nil), s.commands...)
}

func (s *fakeServer) deleteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes
}

// userValue decodes the common {success, value} result shape.
type userValue struct {
	Success bool `json:"success"`
	Value   any  `json:"value"`
}
