// Package protocol implements the Android Auto Protocol (AAP) wire framing.
//
// # Frame Format
//
// Every frame starts with a 4-byte big-endian header:
//   - Channel ID: 1 byte (0 control, 2 video, ...)
//   - Flags: 1 byte (0x01 FIRST, 0x02 LAST, 0x04 CONTROL, 0x08 ENCRYPTED)
//   - Payload length: 2 bytes
//
// A first fragment of a multi-fragment message (FIRST without LAST) is
// followed by a u32 total message length. The payload follows; when
// ENCRYPTED is set it is a secure session record.
//
// On the video channel the flags therefore read 11 (single), 9 (first),
// 8 (middle) and 10 (last).
//
// # Control Channel
//
// Control payloads start with a u16 message type:
//   - 1: version request (major, minor)
//   - 2: version response (major, minor, status)
//   - 3: secure session handshake blob
//   - 4: auth complete
//
// Handshake and ServeHandshake drive that sequence for the head unit and
// the phone respectively.
//
// # Usage Example
//
//	r := protocol.NewReader(conn, session, protocol.WithReadPool(pool))
//	defer r.Close()
//	w := protocol.NewWriter(conn, session)
//
//	if err := protocol.Handshake(ctx, r, w, session); err != nil {
//	    return err
//	}
//	for {
//	    msg, err := r.Next()
//	    if errors.Is(err, protocol.ErrFraming) {
//	        continue
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    handle(msg)
//	}
//
// # Error Handling
//
// The package distinguishes between:
//   - Framing errors: the frame was consumed and dropped, the stream is aligned
//   - Crypto errors: from the secure session, the frame was consumed
//   - Transport errors: passed through from the connection
//
// # Thread Safety
//
// A Reader belongs to one goroutine. Writer.Send may be called concurrently.
package protocol
