package types

import (
	"slices"
	"time"
)

// AudioChunk is one encoded data segment emitted by the capture device.
// Chunks are appended in Seq order and never mutated.
type AudioChunk struct {
	// Seq is monotonically increasing within a session, starting at 1.
	Seq int64
	// Segment is the capture generation the chunk came from.
	Segment int
	// Data is the encoded payload.
	Data []byte
}

// ConcatChunks joins chunk payloads in order.
func ConcatChunks(chunks []AudioChunk) []byte {
	size := 0
	for _, c := range chunks {
		size += len(c.Data)
	}
	blob := make([]byte, 0, size)
	for _, c := range chunks {
		blob = append(blob, c.Data...)
	}
	return blob
}

// BackupSnapshot is a point-in-time copy of the chunk prefix.
type BackupSnapshot struct {
	SessionID        string    `msgpack:"session_id" json:"session_id"`
	Subject          string    `msgpack:"subject" json:"subject"`
	Format           string    `msgpack:"format" json:"format"`
	Blob             []byte    `msgpack:"blob" json:"-"`
	CapturedAtSecond int       `msgpack:"captured_at_second" json:"captured_at_second"`
	ChunkCount       int       `msgpack:"chunk_count" json:"chunk_count"`
	Forced           bool      `msgpack:"forced" json:"forced"`
	CreatedAt        time.Time `msgpack:"created_at" json:"created_at"`
}

// Size returns the blob length in bytes.
func (s *BackupSnapshot) Size() int { return len(s.Blob) }

// Clone returns a copy that shares no memory with s.
func (s *BackupSnapshot) Clone() BackupSnapshot {
	c := *s
	c.Blob = slices.Clone(s.Blob)
	return c
}

// CloneSnapshots copies a snapshot list including every blob.
func CloneSnapshots(in []BackupSnapshot) []BackupSnapshot {
	if in == nil {
		return nil
	}
	out := make([]BackupSnapshot, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}
