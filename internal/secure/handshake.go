package secure

import (
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Handshake wire layout:
//
//	ClientHello    = 0x01 | version | random[32] | x25519 public[32]
//	ServerHello    = 0x02 | version | random[32] | x25519 public[32] | finished[48]
//	ClientFinished = 0x03 | finished[48]
//
// finished is the direction key's seal (nonce 0) of the transcript hash.
const (
	handshakeVersion = 0x01

	msgClientHello    = 0x01
	msgServerHello    = 0x02
	msgClientFinished = 0x03

	randomSize = 32
	keySize    = curve25519.PointSize

	helloSize          = 2 + randomSize + keySize
	finishedSize       = sha256.Size + chacha20poly1305.Overhead
	serverHelloSize    = helloSize + finishedSize
	clientFinishedSize = 1 + finishedSize
)

var (
	clientKeyInfo = []byte("aap client write key")
	serverKeyInfo = []byte("aap server write key")
)

var errFinishedMismatch = errors.New("finished message does not match transcript")

type handshakeStep int

const (
	stepNone handshakeStep = iota
	stepAwaitServerHello
	stepAwaitClientHello
	stepAwaitClientFinished
	stepDone
)

type sessionKeys struct {
	client cipher.AEAD
	server cipher.AEAD
}

// handshakeState is guarded by Session.hsMu.
type handshakeState struct {
	step    handshakeStep
	private [keySize]byte
	public  []byte

	clientHello []byte
	serverHello []byte // full message including finished
	keys        sessionKeys

	pending []byte
	inbound [][]byte
}

func (h *handshakeState) generateKey(r io.Reader) error {
	if _, err := io.ReadFull(r, h.private[:]); err != nil {
		return fmt.Errorf("read key material: %w", err)
	}
	pub, err := curve25519.X25519(h.private[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("derive public key: %w", err)
	}
	h.public = pub
	return nil
}

func (h *handshakeState) hello(r io.Reader, kind byte) ([]byte, error) {
	msg := make([]byte, helloSize)
	msg[0] = kind
	msg[1] = handshakeVersion
	if _, err := io.ReadFull(r, msg[2:2+randomSize]); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	copy(msg[2+randomSize:], h.public)
	return msg, nil
}

func (h *handshakeState) newClientHello(r io.Reader) ([]byte, error) {
	msg, err := h.hello(r, msgClientHello)
	if err != nil {
		return nil, err
	}
	h.clientHello = msg
	return msg, nil
}

// acceptClientHello runs on the server: it derives the keys and answers with
// ServerHello carrying the server's finished proof.
func (h *handshakeState) acceptClientHello(r io.Reader, msg []byte) ([]byte, error) {
	if err := checkHello(msg, msgClientHello, helloSize); err != nil {
		return nil, err
	}
	h.clientHello = msg

	hello, err := h.hello(r, msgServerHello)
	if err != nil {
		return nil, err
	}

	transcript := transcriptHash(h.clientHello, hello)
	keys, err := h.deriveKeys(peerPublic(msg), transcript)
	if err != nil {
		return nil, err
	}
	h.keys = keys

	var nonce [chacha20poly1305.NonceSize]byte
	out := keys.server.Seal(hello, nonce[:], transcript, nil)
	h.serverHello = out
	return out, nil
}

// acceptServerHello runs on the client: it verifies the server's proof and
// returns ClientFinished.
func (h *handshakeState) acceptServerHello(msg []byte) (sessionKeys, []byte, error) {
	if err := checkHello(msg, msgServerHello, serverHelloSize); err != nil {
		return sessionKeys{}, nil, err
	}
	if h.clientHello == nil {
		return sessionKeys{}, nil, errors.New("server hello before client hello")
	}

	hello := msg[:helloSize]
	transcript := transcriptHash(h.clientHello, hello)
	keys, err := h.deriveKeys(peerPublic(msg), transcript)
	if err != nil {
		return sessionKeys{}, nil, err
	}

	var nonce [chacha20poly1305.NonceSize]byte
	if err := verifyFinished(keys.server, nonce[:], msg[helloSize:], transcript); err != nil {
		return sessionKeys{}, nil, err
	}

	full := transcriptHash(h.clientHello, msg)
	out := make([]byte, 1, clientFinishedSize)
	out[0] = msgClientFinished
	out = keys.client.Seal(out, nonce[:], full, nil)
	return keys, out, nil
}

// acceptClientFinished runs on the server and completes the handshake.
func (h *handshakeState) acceptClientFinished(msg []byte) (sessionKeys, error) {
	if len(msg) != clientFinishedSize {
		return sessionKeys{}, fmt.Errorf("client finished is %d bytes, want %d", len(msg), clientFinishedSize)
	}
	if msg[0] != msgClientFinished {
		return sessionKeys{}, fmt.Errorf("unexpected handshake message type 0x%02x, want 0x%02x", msg[0], msgClientFinished)
	}
	if h.keys.client == nil {
		return sessionKeys{}, errors.New("client finished before client hello")
	}

	full := transcriptHash(h.clientHello, h.serverHello)
	var nonce [chacha20poly1305.NonceSize]byte
	if err := verifyFinished(h.keys.client, nonce[:], msg[1:], full); err != nil {
		return sessionKeys{}, err
	}
	return h.keys, nil
}

func (h *handshakeState) deriveKeys(peer []byte, transcript []byte) (sessionKeys, error) {
	shared, err := curve25519.X25519(h.private[:], peer)
	if err != nil {
		return sessionKeys{}, fmt.Errorf("key agreement: %w", err)
	}
	defer clear(shared)

	client, err := expandKey(shared, transcript, clientKeyInfo)
	if err != nil {
		return sessionKeys{}, err
	}
	server, err := expandKey(shared, transcript, serverKeyInfo)
	if err != nil {
		return sessionKeys{}, err
	}
	return sessionKeys{client: client, server: server}, nil
}

func (h *handshakeState) wipe() {
	clear(h.private[:])
	h.keys = sessionKeys{}
	h.clientHello = nil
	h.serverHello = nil
}

func expandKey(secret, salt, info []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	defer clear(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), key); err != nil {
		return nil, fmt.Errorf("expand %s: %w", info, err)
	}
	return chacha20poly1305.New(key)
}

func verifyFinished(aead cipher.AEAD, nonce, sealed, want []byte) error {
	got, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return fmt.Errorf("open finished: %w", err)
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return errFinishedMismatch
	}
	return nil
}

func checkHello(msg []byte, kind byte, size int) error {
	if len(msg) != size {
		return fmt.Errorf("handshake message type 0x%02x is %d bytes, want %d", kind, len(msg), size)
	}
	if msg[0] != kind {
		return fmt.Errorf("unexpected handshake message type 0x%02x, want 0x%02x", msg[0], kind)
	}
	if msg[1] != handshakeVersion {
		return fmt.Errorf("unsupported handshake version 0x%02x", msg[1])
	}
	return nil
}

func peerPublic(msg []byte) []byte {
	return msg[2+randomSize : helloSize]
}

func transcriptHash(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
