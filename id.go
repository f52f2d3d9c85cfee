package switchboard

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}

// BoundaryMessageID derives the stable message id for a coalesced message
// emitted at the given turn boundary. Deterministic so that a message
// re-synthesized from the reconnection buffer carries the same id as the
// one delivered live: FNV-1a over the thread key and the boundary sequence.
func BoundaryMessageID(key ThreadKey, boundarySeq uint64) string {
	h := fnv.New64a()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(key.ChatID))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(key.TopicID))
	h.Write(buf[:])
	h.Write([]byte(key.AgentID))
	binary.BigEndian.PutUint64(buf[:], boundarySeq)
	h.Write(buf[:])
	return fmt.Sprintf("m-%016x", h.Sum64())
}
