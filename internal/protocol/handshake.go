package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/muurk/headunit/internal/logging"
	"github.com/muurk/headunit/internal/secure"
	"github.com/muurk/headunit/internal/transport"
	"go.uber.org/zap"
)

type addresser interface {
	Addr() string
}

func remoteAddr(conn transport.Connection) string {
	if a, ok := conn.(addresser); ok {
		return a.Addr()
	}
	return "accessory"
}

// Handshake runs the head-unit side of the link start-up on the control
// channel: version exchange, secure session handshake, auth complete.
// Cancelling ctx disconnects the connection, which unblocks any read.
// On any error the session is closed and reports StateFailed.
func Handshake(ctx context.Context, r *Reader, w *Writer, s *secure.Session) (err error) {
	stop := context.AfterFunc(ctx, func() { w.conn.Disconnect() })
	defer stop()
	defer failOnError(s, &err)

	addr := remoteAddr(w.conn)
	logging.LogConnection(addr, "handshake_start")

	req := VersionRequest(VersionMajor, VersionMinor)
	if err := w.Send(ChannelControl, 0, req); err != nil {
		return ctxErr(ctx, fmt.Errorf("send version request: %w", err))
	}

	body, err := r.nextControl(ControlVersionResponse)
	if err != nil {
		return ctxErr(ctx, err)
	}
	major, minor, status, err := ParseVersionResponse(body)
	if err != nil {
		return err
	}
	logging.Info("Version negotiated",
		zap.String("remote_addr", addr),
		zap.Uint16("major", major),
		zap.Uint16("minor", minor),
		zap.Uint16("status", status),
	)
	if status != VersionAccepted {
		return fmt.Errorf("%w: peer %d.%d status %d", ErrVersionRejected, major, minor, status)
	}

	if _, err := s.Prepare(); err != nil {
		return err
	}
	if err := exchange(ctx, r, w, s, addr); err != nil {
		return err
	}

	if err := w.Send(ChannelControl, 0, AuthComplete()); err != nil {
		return ctxErr(ctx, fmt.Errorf("send auth complete: %w", err))
	}
	logging.LogConnection(addr, "handshake_complete")
	return nil
}

// ServeHandshake is the phone side of Handshake.
func ServeHandshake(ctx context.Context, r *Reader, w *Writer, s *secure.Session) (err error) {
	stop := context.AfterFunc(ctx, func() { w.conn.Disconnect() })
	defer stop()
	defer failOnError(s, &err)

	addr := remoteAddr(w.conn)

	body, err := r.nextControl(ControlVersionRequest)
	if err != nil {
		return ctxErr(ctx, err)
	}
	major, minor, err := ParseVersionRequest(body)
	if err != nil {
		return err
	}

	status := uint16(VersionAccepted)
	if major != VersionMajor {
		status = versionMismatch
	}
	if err := w.Send(ChannelControl, 0, VersionResponse(VersionMajor, VersionMinor, status)); err != nil {
		return ctxErr(ctx, fmt.Errorf("send version response: %w", err))
	}
	if status != VersionAccepted {
		return fmt.Errorf("%w: head unit speaks %d.%d", ErrVersionRejected, major, minor)
	}

	if _, err := s.Prepare(); err != nil {
		return err
	}
	if err := exchange(ctx, r, w, s, addr); err != nil {
		return err
	}

	body, err = r.nextControl(ControlAuthComplete)
	if err != nil {
		return ctxErr(ctx, err)
	}
	logging.LogHandshake(addr, "auth_complete", "recv", len(body))
	return nil
}

// failOnError closes s when the start-up ended with an error. A session left
// half way through its handshake cannot be resumed.
func failOnError(s *secure.Session, err *error) {
	if *err != nil {
		s.Close()
	}
}

// exchange shuttles handshake blobs until the session is established.
func exchange(ctx context.Context, r *Reader, w *Writer, s *secure.Session, addr string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		out, err := s.HandshakeRead()
		switch {
		case errors.Is(err, secure.ErrWantRead):
			blob, err := r.nextControl(ControlHandshake)
			if err != nil {
				return ctxErr(ctx, err)
			}
			logging.LogHandshake(addr, "blob", "recv", len(blob))
			if _, err := s.HandshakeWrite(0, len(blob), blob); err != nil {
				return err
			}
			continue
		case err != nil:
			return err
		}

		if out != nil {
			logging.LogHandshake(addr, "blob", "send", len(out))
			if err := w.Send(ChannelControl, 0, EncodeControl(ControlHandshake, out)); err != nil {
				return ctxErr(ctx, fmt.Errorf("send handshake blob: %w", err))
			}
		}
		if s.Established() {
			return nil
		}
	}
}

// nextControl reads the next message and requires it to be a control
// message of the given type. The body aliases the reader's buffer.
func (r *Reader) nextControl(want ControlType) ([]byte, error) {
	msg, err := r.Next()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", want, err)
	}
	if msg.Channel != ChannelControl {
		return nil, fmt.Errorf("%w: %s on %s while waiting for %s", ErrUnexpectedMessage, msg.Flags, msg.Channel, want)
	}
	t, body, err := ParseControl(msg.Bytes())
	if err != nil {
		return nil, err
	}
	if t != want {
		return nil, fmt.Errorf("%w: %s while waiting for %s", ErrUnexpectedMessage, t, want)
	}
	return body, nil
}

// ctxErr prefers the context's error when cancellation caused err.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}
