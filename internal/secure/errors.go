package secure

import (
	"errors"
	"fmt"
)

var (
	// ErrWantRead means the handshake is waiting for the peer's next blob.
	// It is not fatal and does not change the session state.
	ErrWantRead = errors.New("handshake waiting for peer data")

	// ErrSessionFailed is returned by every handshake call after a failure.
	ErrSessionFailed = errors.New("session failed")

	// ErrIntegrity matches CryptoError values of kind CryptoIntegrity.
	ErrIntegrity = errors.New("record integrity check failed")

	// ErrState matches CryptoError values of kind CryptoState.
	ErrState = errors.New("session not established")
)

// HandshakeError is fatal to the session: once returned, the session is in
// StateFailed and the caller must reconnect with a new session.
type HandshakeError struct {
	Step string // handshake step that failed (e.g. "server_hello")
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed at %s: %v", e.Step, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// CryptoErrorKind categorises per-message crypto failures.
type CryptoErrorKind int

const (
	// CryptoIntegrity: authentication tag or sequence check failed.
	CryptoIntegrity CryptoErrorKind = iota
	// CryptoState: crypto used before the handshake completed (caller bug).
	CryptoState
)

func (k CryptoErrorKind) String() string {
	switch k {
	case CryptoIntegrity:
		return "integrity"
	case CryptoState:
		return "state"
	default:
		return fmt.Sprintf("CryptoErrorKind(%d)", int(k))
	}
}

// CryptoError reports a failure to encrypt or decrypt a single message. It
// does not by itself tear the session down.
type CryptoError struct {
	Kind CryptoErrorKind
	Op   string // "encrypt" or "decrypt"
	Err  error
}

func (e *CryptoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrIntegrity) and errors.Is(err, ErrState) match by kind.
func (e *CryptoError) Is(target error) bool {
	switch target {
	case ErrIntegrity:
		return e.Kind == CryptoIntegrity
	case ErrState:
		return e.Kind == CryptoState
	}
	return false
}

func integrityError(op string, err error) error {
	return &CryptoError{Kind: CryptoIntegrity, Op: op, Err: err}
}

func stateError(op string, s State) error {
	return &CryptoError{Kind: CryptoState, Op: op, Err: fmt.Errorf("session is %s", s)}
}
