package history

import (
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// ComputeEventID derives the dedup key of one recorded event from the peer,
// the session it belongs to, the message sequence number within that
// session and the row index within the message. Replaying the same message
// of the same session produces the same ID. Returns a 32-byte digest
// suitable for BYTEA storage.
func ComputeEventID(peer string, session time.Time, seq uint64, index int) []byte {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], uint32(len(peer)))
	h.Write(buf[:4])
	h.Write([]byte(peer))
	binary.BigEndian.PutUint64(buf[:], uint64(session.UnixNano()))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], seq)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(index))
	h.Write(buf[:])
	return h.Sum(nil)
}
