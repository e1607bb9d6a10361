package secure

import (
	"bytes"
	"errors"
	"sync"
	"testing"
)

// pump drives two sessions against each other and returns the number of
// blobs exchanged.
func pump(t *testing.T, client, server *Session) int {
	t.Helper()

	if n, err := client.Prepare(); err != nil || n != helloSize {
		t.Fatalf("client Prepare() = %d, %v; want %d, nil", n, err, helloSize)
	}
	if n, err := server.Prepare(); err != nil || n != 0 {
		t.Fatalf("server Prepare() = %d, %v; want 0, nil", n, err)
	}

	exchanged := 0
	for i := 0; i < 10 && !(client.Established() && server.Established()); i++ {
		for _, pair := range [][2]*Session{{client, server}, {server, client}} {
			from, to := pair[0], pair[1]
			out, err := from.HandshakeRead()
			if errors.Is(err, ErrWantRead) {
				continue
			}
			if err != nil {
				t.Fatalf("%s HandshakeRead() error = %v", from.Role(), err)
			}
			if out == nil {
				continue
			}
			exchanged++
			if _, err := to.HandshakeWrite(0, len(out), out); err != nil {
				t.Fatalf("%s HandshakeWrite() error = %v", to.Role(), err)
			}
		}
	}
	if !client.Established() || !server.Established() {
		t.Fatalf("handshake did not complete: client %s, server %s", client.State(), server.State())
	}
	return exchanged
}

func establishedPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	client := NewSession(RoleClient)
	server := NewSession(RoleServer)
	pump(t, client, server)
	return client, server
}

func TestHandshake_ExchangesThreeMessages(t *testing.T) {
	client := NewSession(RoleClient)
	server := NewSession(RoleServer)

	if got := pump(t, client, server); got != 3 {
		t.Errorf("exchanged %d handshake messages, want 3", got)
	}

	out, err := client.HandshakeRead()
	if out != nil || err != nil {
		t.Errorf("HandshakeRead() after completion = %v, %v; want nil, nil", out, err)
	}
}

func TestHandshake_MessageSizes(t *testing.T) {
	client := NewSession(RoleClient)
	server := NewSession(RoleServer)
	client.Prepare()
	server.Prepare()

	ch, err := client.HandshakeRead()
	if err != nil || len(ch) != helloSize {
		t.Fatalf("ClientHello = %d bytes, %v; want %d", len(ch), err, helloSize)
	}
	server.HandshakeWrite(0, len(ch), ch)

	sh, err := server.HandshakeRead()
	if err != nil || len(sh) != serverHelloSize {
		t.Fatalf("ServerHello = %d bytes, %v; want %d", len(sh), err, serverHelloSize)
	}
	client.HandshakeWrite(0, len(sh), sh)

	cf, err := client.HandshakeRead()
	if err != nil || len(cf) != clientFinishedSize {
		t.Fatalf("ClientFinished = %d bytes, %v; want %d", len(cf), err, clientFinishedSize)
	}
}

func TestHandshake_WantReadIsNotFatal(t *testing.T) {
	server := NewSession(RoleServer)
	server.Prepare()

	for i := 0; i < 3; i++ {
		if _, err := server.HandshakeRead(); !errors.Is(err, ErrWantRead) {
			t.Fatalf("HandshakeRead() error = %v, want ErrWantRead", err)
		}
	}
	if server.State() != StateHandshaking {
		t.Errorf("State() = %s, want handshaking", server.State())
	}
}

func TestHandshake_MalformedMessagesFail(t *testing.T) {
	tests := []struct {
		name   string
		role   Role
		mangle func(ch, sh []byte) []byte
	}{
		{
			name:   "truncated client hello",
			role:   RoleServer,
			mangle: func(ch, _ []byte) []byte { return ch[:helloSize-1] },
		},
		{
			name: "wrong client hello type",
			role: RoleServer,
			mangle: func(ch, _ []byte) []byte {
				ch[0] = msgServerHello
				return ch
			},
		},
		{
			name: "unsupported version",
			role: RoleServer,
			mangle: func(ch, _ []byte) []byte {
				ch[1] = 0x7f
				return ch
			},
		},
		{
			name: "low order public key",
			role: RoleServer,
			mangle: func(ch, _ []byte) []byte {
				clear(ch[2+randomSize:])
				return ch
			},
		},
		{
			name: "tampered server finished",
			role: RoleClient,
			mangle: func(_, sh []byte) []byte {
				sh[len(sh)-1] ^= 0xff
				return sh
			},
		},
		{
			name: "tampered server random",
			role: RoleClient,
			mangle: func(_, sh []byte) []byte {
				sh[5] ^= 0x01
				return sh
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewSession(RoleClient)
			server := NewSession(RoleServer)
			client.Prepare()
			server.Prepare()

			ch, _ := client.HandshakeRead()
			var victim *Session
			var blob []byte
			if tt.role == RoleServer {
				victim = server
				blob = tt.mangle(bytes.Clone(ch), nil)
			} else {
				server.HandshakeWrite(0, len(ch), ch)
				sh, err := server.HandshakeRead()
				if err != nil {
					t.Fatalf("server HandshakeRead() error = %v", err)
				}
				victim = client
				blob = tt.mangle(nil, bytes.Clone(sh))
			}

			victim.HandshakeWrite(0, len(blob), blob)
			_, err := victim.HandshakeRead()
			var hsErr *HandshakeError
			if !errors.As(err, &hsErr) {
				t.Fatalf("HandshakeRead() error = %v, want *HandshakeError", err)
			}
			if victim.State() != StateFailed {
				t.Errorf("State() = %s, want failed", victim.State())
			}
			if _, err := victim.HandshakeRead(); !errors.Is(err, ErrSessionFailed) {
				t.Errorf("HandshakeRead() after failure = %v, want ErrSessionFailed", err)
			}
		})
	}
}

func TestHandshake_TamperedClientFinished(t *testing.T) {
	client := NewSession(RoleClient)
	server := NewSession(RoleServer)
	client.Prepare()
	server.Prepare()

	ch, _ := client.HandshakeRead()
	server.HandshakeWrite(0, len(ch), ch)
	sh, _ := server.HandshakeRead()
	client.HandshakeWrite(0, len(sh), sh)
	cf, _ := client.HandshakeRead()

	cf[10] ^= 0x80
	server.HandshakeWrite(0, len(cf), cf)
	if _, err := server.HandshakeRead(); err == nil {
		t.Fatal("HandshakeRead() accepted a tampered finished message")
	}
	if server.State() != StateFailed {
		t.Errorf("State() = %s, want failed", server.State())
	}
}

func TestPrepare_Twice(t *testing.T) {
	s := NewSession(RoleClient)
	if _, err := s.Prepare(); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if _, err := s.Prepare(); err == nil {
		t.Error("second Prepare() should fail")
	}
}

func TestRecord_RoundTrip(t *testing.T) {
	client, server := establishedPair(t)

	payloads := [][]byte{
		{},
		[]byte("x"),
		bytes.Repeat([]byte{0xab}, 16384),
	}
	for _, p := range payloads {
		rec, err := client.Encrypt(0, len(p), p)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if rec.Len() != len(p)+Overhead {
			t.Errorf("record len = %d, want %d", rec.Len(), len(p)+Overhead)
		}

		wire := bytes.Clone(rec.Bytes())
		plain, err := server.Decrypt(0, len(wire), wire)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if plain.Offset() != 8 {
			t.Errorf("plaintext offset = %d, want 8 (in place)", plain.Offset())
		}
		if !bytes.Equal(plain.Bytes(), p) {
			t.Errorf("Decrypt() = %d bytes, want original %d bytes", plain.Len(), len(p))
		}
	}
}

func TestRecord_BothDirections(t *testing.T) {
	client, server := establishedPair(t)

	msg := []byte("ping")
	rec, _ := server.Encrypt(0, len(msg), msg)
	wire := bytes.Clone(rec.Bytes())
	plain, err := client.Decrypt(0, len(wire), wire)
	if err != nil {
		t.Fatalf("client Decrypt() error = %v", err)
	}
	if string(plain.Bytes()) != "ping" {
		t.Errorf("Decrypt() = %q, want ping", plain.Bytes())
	}
}

func TestRecord_OffsetWithinBuffer(t *testing.T) {
	client, server := establishedPair(t)

	src := []byte("headerPAYLOADtrailer")
	rec, err := client.Encrypt(6, 7, src)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	frame := append([]byte{0, 0, 0, 0}, rec.Bytes()...)
	plain, err := server.Decrypt(4, rec.Len(), frame)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(plain.Bytes()) != "PAYLOAD" {
		t.Errorf("Decrypt() = %q, want PAYLOAD", plain.Bytes())
	}
}

func TestRecord_TamperedIsIntegrityError(t *testing.T) {
	client, server := establishedPair(t)

	msg := []byte("video frame")
	rec, _ := client.Encrypt(0, len(msg), msg)
	wire := bytes.Clone(rec.Bytes())
	wire[len(wire)-3] ^= 0x01

	_, err := server.Decrypt(0, len(wire), wire)
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("Decrypt() error = %v, want ErrIntegrity", err)
	}
	var cErr *CryptoError
	if !errors.As(err, &cErr) || cErr.Kind != CryptoIntegrity {
		t.Errorf("error = %#v, want CryptoError of kind integrity", err)
	}
	if server.State() != StateEstablished {
		t.Errorf("State() = %s, integrity failure must not tear the session down", server.State())
	}

	// The failed record did not consume a sequence number.
	rec, _ = client.Encrypt(0, len(msg), msg)
	if _, err := server.Decrypt(0, rec.Len(), bytes.Clone(rec.Bytes())); !errors.Is(err, ErrIntegrity) {
		t.Errorf("record 2 after a dropped record 1 should fail the sequence check, got %v", err)
	}
}

func TestRecord_ReplayRejected(t *testing.T) {
	client, server := establishedPair(t)

	msg := []byte("once")
	rec, _ := client.Encrypt(0, len(msg), msg)
	wire := rec.Bytes()

	first := bytes.Clone(wire)
	if _, err := server.Decrypt(0, len(first), first); err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	replay := bytes.Clone(wire)
	if _, err := server.Decrypt(0, len(replay), replay); !errors.Is(err, ErrIntegrity) {
		t.Errorf("replayed record error = %v, want ErrIntegrity", err)
	}
}

func TestRecord_ShortRecord(t *testing.T) {
	_, server := establishedPair(t)

	short := make([]byte, Overhead-1)
	if _, err := server.Decrypt(0, len(short), short); !errors.Is(err, ErrIntegrity) {
		t.Errorf("Decrypt(short) error = %v, want ErrIntegrity", err)
	}
}

func TestRecord_BeforeHandshakeIsStateError(t *testing.T) {
	s := NewSession(RoleClient)
	buf := make([]byte, 64)

	if _, err := s.Encrypt(0, 10, buf); !errors.Is(err, ErrState) {
		t.Errorf("Encrypt() error = %v, want ErrState", err)
	}
	if _, err := s.Decrypt(0, 40, buf); !errors.Is(err, ErrState) {
		t.Errorf("Decrypt() error = %v, want ErrState", err)
	}
}

func TestEncrypt_ViewInvalidatedByNextEncrypt(t *testing.T) {
	client, _ := establishedPair(t)

	a, _ := client.Encrypt(0, 1, []byte("a"))
	if !a.Valid() {
		t.Fatal("fresh record view should be valid")
	}
	if _, err := client.Encrypt(0, 1, []byte("b")); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if a.Valid() {
		t.Error("record view should be stale after the next Encrypt")
	}
}

func TestEncrypt_GrowsScratch(t *testing.T) {
	client := NewSession(RoleClient, WithScratchSize(16))
	server := NewSession(RoleServer)
	pump(t, client, server)

	p := bytes.Repeat([]byte{1}, 1000)
	rec, err := client.Encrypt(0, len(p), p)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	wire := bytes.Clone(rec.Bytes())
	if _, err := server.Decrypt(0, len(wire), wire); err != nil {
		t.Errorf("Decrypt() error = %v", err)
	}
}

func TestClose(t *testing.T) {
	client, _ := establishedPair(t)
	client.Close()

	if client.State() != StateFailed {
		t.Errorf("State() after Close = %s, want failed", client.State())
	}
	if _, err := client.Encrypt(0, 1, []byte("x")); !errors.Is(err, ErrState) {
		t.Errorf("Encrypt() after Close error = %v, want ErrState", err)
	}
}

func TestClose_ConcurrentWithRecords(t *testing.T) {
	for i := 0; i < 50; i++ {
		client, server := establishedPair(t)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := client.Encrypt(0, 4, []byte("ping")); err != nil && !errors.Is(err, ErrState) {
					t.Errorf("Encrypt() error = %v, want nil or ErrState", err)
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			record := make([]byte, Overhead+4)
			for j := 0; j < 100; j++ {
				_, err := server.Decrypt(0, len(record), record)
				if err != nil && !errors.Is(err, ErrState) && !errors.Is(err, ErrIntegrity) {
					t.Errorf("Decrypt() error = %v, want ErrState or ErrIntegrity", err)
					return
				}
			}
		}()

		client.Close()
		server.Close()
		wg.Wait()
	}
}

func TestWithRand_Deterministic(t *testing.T) {
	seed := func() *bytes.Reader { return bytes.NewReader(bytes.Repeat([]byte{7}, 256)) }

	a := NewSession(RoleClient, WithRand(seed()))
	b := NewSession(RoleClient, WithRand(seed()))
	a.Prepare()
	b.Prepare()
	ha, _ := a.HandshakeRead()
	hb, _ := b.HandshakeRead()
	if !bytes.Equal(ha, hb) {
		t.Error("same entropy should produce the same ClientHello")
	}

	short := NewSession(RoleClient, WithRand(bytes.NewReader(nil)))
	if _, err := short.Prepare(); err == nil {
		t.Error("Prepare() with exhausted entropy should fail")
	}
	if short.State() != StateFailed {
		t.Errorf("State() = %s, want failed", short.State())
	}
}
