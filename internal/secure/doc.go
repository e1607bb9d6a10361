// Package secure implements the session layer of the accessory link: a
// three-message key agreement followed by per-record authenticated
// encryption.
//
// The handshake is driven step by step so the caller owns the socket:
//
//	s := secure.NewSession(secure.RoleClient)
//	s.Prepare()
//	for !s.Established() {
//		out, err := s.HandshakeRead()
//		switch {
//		case errors.Is(err, secure.ErrWantRead):
//			blob := readFromPeer()
//			s.HandshakeWrite(0, len(blob), blob)
//		case err != nil:
//			return err
//		case out != nil:
//			writeToPeer(out)
//		}
//	}
//
// Once established, Decrypt opens records in place and Encrypt seals into a
// session-owned scratch buffer. Records carry an explicit sequence number and
// must arrive in order.
package secure
