package secure

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/muurk/headunit/internal/buffer"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	seqSize = 8

	// Overhead is the number of bytes Encrypt adds to every record
	// (sequence number plus authentication tag).
	Overhead = seqSize + chacha20poly1305.Overhead

	defaultScratchSize = 64 * 1024
)

// State is the lifecycle of a Session. Transitions are monotonic:
// Uninitialized → Handshaking → Established, or → Failed from any step.
type State int32

const (
	StateUninitialized State = iota
	StateHandshaking
	StateEstablished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Role is the side of the handshake a session plays. The head unit is the
// client; the phone is the server.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Option configures a Session.
type Option func(*Session)

// WithRand replaces the entropy source (tests use a deterministic reader).
func WithRand(r io.Reader) Option {
	return func(s *Session) {
		if r != nil {
			s.rand = r
		}
	}
}

// WithScratchSize sets the initial capacity of the encrypt output buffer.
func WithScratchSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.scratch = make([]byte, n)
		}
	}
}

// Session wraps an accessory link with a handshake and per-message record
// protection. The handshake half must be driven from one goroutine; once
// established, Encrypt and Decrypt may run concurrently with each other
// (one sender, one receiver).
type Session struct {
	role  Role
	rand  io.Reader
	state atomic.Int32

	hsMu sync.Mutex
	hs   handshakeState

	sendMu       sync.Mutex
	send         cipher.AEAD
	sendSeq      uint64
	scratch      []byte
	scratchEpoch buffer.Epoch

	recvMu  sync.Mutex
	recv    cipher.AEAD
	recvSeq uint64
}

// NewSession creates an uninitialized session for the given role.
func NewSession(role Role, opts ...Option) *Session {
	s := &Session{
		role: role,
		rand: rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.scratch == nil {
		s.scratch = make([]byte, defaultScratchSize)
	}
	return s
}

// Role returns the handshake side of the session.
func (s *Session) Role() Role { return s.role }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Established reports whether records can be exchanged.
func (s *Session) Established() bool { return s.State() == StateEstablished }

// Prepare initialises the handshake. A client returns the size of the hello
// it must send first; a server returns 0 because the peer speaks first.
func (s *Session) Prepare() (int, error) {
	s.hsMu.Lock()
	defer s.hsMu.Unlock()

	if st := s.State(); st != StateUninitialized {
		return 0, &HandshakeError{Step: "prepare", Err: fmt.Errorf("session is %s", st)}
	}

	if err := s.hs.generateKey(s.rand); err != nil {
		return 0, s.fail("prepare", err)
	}
	s.state.Store(int32(StateHandshaking))

	if s.role == RoleServer {
		s.hs.step = stepAwaitClientHello
		return 0, nil
	}

	hello, err := s.hs.newClientHello(s.rand)
	if err != nil {
		return 0, s.fail("client_hello", err)
	}
	s.hs.pending = hello
	s.hs.step = stepAwaitServerHello
	return len(hello), nil
}

// HandshakeWrite feeds n raw handshake bytes from buf[off:] received from
// the peer. The bytes are copied; buf may be reused immediately.
func (s *Session) HandshakeWrite(off, n int, buf []byte) (int, error) {
	s.hsMu.Lock()
	defer s.hsMu.Unlock()

	switch st := s.State(); st {
	case StateHandshaking:
	case StateFailed:
		return 0, &HandshakeError{Step: "write", Err: ErrSessionFailed}
	default:
		return 0, &HandshakeError{Step: "write", Err: fmt.Errorf("session is %s", st)}
	}

	if off < 0 || n < 0 || off+n > len(buf) {
		return 0, s.fail("write", fmt.Errorf("range [%d:%d] out of bounds for %d-byte buffer", off, off+n, len(buf)))
	}
	if n == 0 {
		return 0, nil
	}

	blob := make([]byte, n)
	copy(blob, buf[off:off+n])
	s.hs.inbound = append(s.hs.inbound, blob)
	return n, nil
}

// HandshakeRead advances the handshake by at most one round. It returns the
// next blob to send to the peer, nil once the session is established, or
// ErrWantRead when the peer has to speak before progress can be made.
func (s *Session) HandshakeRead() ([]byte, error) {
	s.hsMu.Lock()
	defer s.hsMu.Unlock()

	switch st := s.State(); st {
	case StateEstablished:
		return nil, nil
	case StateFailed:
		return nil, &HandshakeError{Step: "read", Err: ErrSessionFailed}
	case StateUninitialized:
		return nil, &HandshakeError{Step: "read", Err: errors.New("Prepare has not been called")}
	}

	if s.hs.pending != nil {
		out := s.hs.pending
		s.hs.pending = nil
		return out, nil
	}
	if len(s.hs.inbound) == 0 {
		return nil, ErrWantRead
	}

	blob := s.hs.inbound[0]
	s.hs.inbound[0] = nil
	s.hs.inbound = s.hs.inbound[1:]

	switch s.hs.step {
	case stepAwaitServerHello:
		keys, finished, err := s.hs.acceptServerHello(blob)
		if err != nil {
			return nil, s.fail("server_hello", err)
		}
		s.establish(keys)
		return finished, nil

	case stepAwaitClientHello:
		hello, err := s.hs.acceptClientHello(s.rand, blob)
		if err != nil {
			return nil, s.fail("client_hello", err)
		}
		s.hs.step = stepAwaitClientFinished
		return hello, nil

	case stepAwaitClientFinished:
		keys, err := s.hs.acceptClientFinished(blob)
		if err != nil {
			return nil, s.fail("client_finished", err)
		}
		s.establish(keys)
		return nil, nil

	default:
		return nil, s.fail("read", fmt.Errorf("unexpected handshake step %d", s.hs.step))
	}
}

// establish installs the record keys. Sequence 0 was consumed by the
// finished messages, so data records start at 1.
func (s *Session) establish(k sessionKeys) {
	s.sendMu.Lock()
	s.recvMu.Lock()
	if s.role == RoleClient {
		s.send, s.recv = k.client, k.server
	} else {
		s.send, s.recv = k.server, k.client
	}
	s.sendSeq, s.recvSeq = 1, 1
	s.recvMu.Unlock()
	s.sendMu.Unlock()

	s.hs.wipe()
	s.hs.step = stepDone
	s.state.Store(int32(StateEstablished))
}

func (s *Session) fail(step string, err error) error {
	s.state.Store(int32(StateFailed))
	s.hs.wipe()
	return &HandshakeError{Step: step, Err: err}
}

// Encrypt seals buf[off:off+n] into the session's scratch buffer and returns
// a view of the record. The view is larger than the input by Overhead and is
// only valid until the next Encrypt call.
func (s *Session) Encrypt(off, n int, buf []byte) (buffer.View, error) {
	if st := s.State(); st != StateEstablished {
		return buffer.View{}, stateError("encrypt", st)
	}
	if off < 0 || n < 0 || off+n > len(buf) {
		return buffer.View{}, fmt.Errorf("encrypt: range [%d:%d] out of bounds for %d-byte buffer", off, off+n, len(buf))
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.send == nil {
		return buffer.View{}, stateError("encrypt", s.State())
	}

	need := Overhead + n
	if len(s.scratch) < need {
		s.scratch = make([]byte, need+need/2)
	}
	s.scratchEpoch.Advance()

	seq := s.sendSeq
	binary.BigEndian.PutUint64(s.scratch[:seqSize], seq)
	nonce := recordNonce(seq)
	sealed := s.send.Seal(s.scratch[seqSize:seqSize], nonce[:], buf[off:off+n], s.scratch[:seqSize])
	s.sendSeq++

	return buffer.NewView(s.scratch, 0, seqSize+len(sealed), &s.scratchEpoch), nil
}

// Decrypt opens the record in buf[off:off+n] in place. The returned view
// aliases buf and is exactly Overhead bytes shorter than the input. A record
// that fails authentication or arrives out of sequence yields a CryptoError
// of kind CryptoIntegrity and leaves the receive sequence untouched.
func (s *Session) Decrypt(off, n int, buf []byte) (buffer.View, error) {
	if st := s.State(); st != StateEstablished {
		return buffer.View{}, stateError("decrypt", st)
	}
	if off < 0 || n < 0 || off+n > len(buf) {
		return buffer.View{}, fmt.Errorf("decrypt: range [%d:%d] out of bounds for %d-byte buffer", off, off+n, len(buf))
	}
	if n < Overhead {
		return buffer.View{}, integrityError("decrypt", fmt.Errorf("record of %d bytes is shorter than overhead %d", n, Overhead))
	}

	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	if s.recv == nil {
		return buffer.View{}, stateError("decrypt", s.State())
	}

	header := buf[off : off+seqSize]
	seq := binary.BigEndian.Uint64(header)
	if seq != s.recvSeq {
		return buffer.View{}, integrityError("decrypt", fmt.Errorf("record sequence %d, want %d", seq, s.recvSeq))
	}

	ciphertext := buf[off+seqSize : off+n]
	nonce := recordNonce(seq)
	plain, err := s.recv.Open(ciphertext[:0], nonce[:], ciphertext, header)
	if err != nil {
		return buffer.View{}, integrityError("decrypt", err)
	}
	s.recvSeq++

	return buffer.NewView(buf, off+seqSize, len(plain), nil), nil
}

// Close tears the session down and wipes key material. A closed session
// reports StateFailed and cannot be reused.
func (s *Session) Close() error {
	s.state.Store(int32(StateFailed))

	s.hsMu.Lock()
	s.hs.wipe()
	s.hs.pending = nil
	s.hs.inbound = nil
	s.hsMu.Unlock()

	s.sendMu.Lock()
	s.send = nil
	s.scratchEpoch.Advance()
	s.sendMu.Unlock()

	s.recvMu.Lock()
	s.recv = nil
	s.recvMu.Unlock()
	return nil
}

func recordNonce(seq uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-seqSize:], seq)
	return nonce
}
