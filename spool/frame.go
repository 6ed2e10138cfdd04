// Package spool persists backup snapshots as length-prefixed msgpack frames.
//
// A backup file is a header frame followed by one or more blob frames:
//
//	[u32 len][msgpack header]   type=backup_header
//	[u32 len][msgpack blob]     type=backup_blob, repeated
//
// Blob frames carry at most MaxBlobChunk bytes so a 30-minute recording
// never exceeds the frame limit.
package spool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/dictum/types"
)

// Frame size constants.
const (
	// MaxFrameSize is the maximum frame size (16 MiB), including length prefix.
	MaxFrameSize = 16 * 1024 * 1024
	// MaxPayloadSize is the maximum payload size (MaxFrameSize - 4 bytes).
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// MaxBlobChunk is the maximum audio bytes per blob frame (8 MiB).
	MaxBlobChunk = 8 * 1024 * 1024
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
)

// Frame type discriminants.
const (
	HeaderType = "backup_header"
	BlobType   = "backup_blob"
)

// FormatVersion is the backup file format version.
const FormatVersion = 1

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack decoding error.
	FrameErrorDecode
	// FrameErrorCorrupt indicates frames that do not form a valid backup.
	FrameErrorCorrupt
)

// FrameError represents a backup file decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFrameError reports whether err is a backup decoding error of the given kind.
func IsFrameError(err error, kind FrameErrorKind) bool {
	var frameErr *FrameError
	return errors.As(err, &frameErr) && frameErr.Kind == kind
}

type header struct {
	Type             string    `msgpack:"type"`
	Version          int       `msgpack:"version"`
	SessionID        string    `msgpack:"session_id"`
	Subject          string    `msgpack:"subject"`
	Format           string    `msgpack:"format"`
	CapturedAtSecond int       `msgpack:"captured_at_second"`
	ChunkCount       int       `msgpack:"chunk_count"`
	Forced           bool      `msgpack:"forced"`
	CreatedAt        time.Time `msgpack:"created_at"`
	Size             int64     `msgpack:"size"`
}

type blobFrame struct {
	Type string `msgpack:"type"`
	Seq  int    `msgpack:"seq"`
	Data []byte `msgpack:"data"`
}

// Encode writes snap as a sequence of frames.
func Encode(w io.Writer, snap *types.BackupSnapshot) error {
	h := header{
		Type:             HeaderType,
		Version:          FormatVersion,
		SessionID:        snap.SessionID,
		Subject:          snap.Subject,
		Format:           snap.Format,
		CapturedAtSecond: snap.CapturedAtSecond,
		ChunkCount:       snap.ChunkCount,
		Forced:           snap.Forced,
		CreatedAt:        snap.CreatedAt,
		Size:             int64(len(snap.Blob)),
	}
	if err := writeFrame(w, &h); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	blob := snap.Blob
	for seq := 0; len(blob) > 0; seq++ {
		n := min(len(blob), MaxBlobChunk)
		if err := writeFrame(w, &blobFrame{Type: BlobType, Seq: seq, Data: blob[:n]}); err != nil {
			return fmt.Errorf("write blob frame %d: %w", seq, err)
		}
		blob = blob[n:]
	}
	return nil
}

func writeFrame(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize)
	}
	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// frameDecoder decodes length-prefixed msgpack frames from a stream.
type frameDecoder struct {
	reader io.Reader
}

// readFrame reads a single frame payload. Returns io.EOF on a clean end.
func (d *frameDecoder) readFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(d.reader, lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read length prefix", Err: err}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])
	if payloadSize > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(d.reader, payload); err != nil {
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read payload", Err: err}
	}
	return payload, nil
}

func decodeHeader(d *frameDecoder) (*header, error) {
	payload, err := d.readFrame()
	if err != nil {
		if err == io.EOF {
			return nil, &FrameError{Kind: FrameErrorPartial, Msg: "empty backup file"}
		}
		return nil, err
	}
	var h header
	if err := msgpack.Unmarshal(payload, &h); err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode header", Err: err}
	}
	if h.Type != HeaderType {
		return nil, &FrameError{Kind: FrameErrorCorrupt, Msg: fmt.Sprintf("expected %s frame, got %q", HeaderType, h.Type)}
	}
	if h.Version != FormatVersion {
		return nil, &FrameError{Kind: FrameErrorCorrupt, Msg: fmt.Sprintf("unsupported backup version %d", h.Version)}
	}
	return &h, nil
}

// Decode reads a full backup from r.
func Decode(r io.Reader) (*types.BackupSnapshot, error) {
	d := &frameDecoder{reader: r}
	h, err := decodeHeader(d)
	if err != nil {
		return nil, err
	}

	blob := make([]byte, 0, h.Size)
	for seq := 0; ; seq++ {
		payload, err := d.readFrame()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		var f blobFrame
		if err := msgpack.Unmarshal(payload, &f); err != nil {
			return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode blob frame", Err: err}
		}
		if f.Type != BlobType || f.Seq != seq {
			return nil, &FrameError{Kind: FrameErrorCorrupt, Msg: fmt.Sprintf("unexpected frame %q seq %d", f.Type, f.Seq)}
		}
		blob = append(blob, f.Data...)
	}
	if int64(len(blob)) != h.Size {
		return nil, &FrameError{Kind: FrameErrorCorrupt, Msg: fmt.Sprintf("blob size %d, header declares %d", len(blob), h.Size)}
	}

	return h.snapshot(blob), nil
}

func (h *header) snapshot(blob []byte) *types.BackupSnapshot {
	return &types.BackupSnapshot{
		SessionID:        h.SessionID,
		Subject:          h.Subject,
		Format:           h.Format,
		Blob:             blob,
		CapturedAtSecond: h.CapturedAtSecond,
		ChunkCount:       h.ChunkCount,
		Forced:           h.Forced,
		CreatedAt:        h.CreatedAt,
	}
}
