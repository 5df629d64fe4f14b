package store

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

var (
	// snapshotMagic is the 4-byte prefix for framed snapshot files.
	snapshotMagic = []byte("KRS1")

	// ErrInvalidMagic is returned when a file doesn't start with the
	// expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected KRS1")

	// ErrHeaderTooLarge is returned when the header exceeds maxHeaderSize.
	ErrHeaderTooLarge = errors.New("snapshot header exceeds maximum size")

	// ErrChecksumMismatch is returned when the snapshot body does not match
	// the digest recorded in the header.
	ErrChecksumMismatch = errors.New("snapshot checksum mismatch")

	// ErrSnapshotTooLarge is returned when the decompressed snapshot
	// exceeds maxSnapshotSize.
	ErrSnapshotTooLarge = errors.New("snapshot exceeds maximum size")
)

const (
	// maxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
	maxHeaderSize = 64 * 1024

	// compressionThreshold is the minimum body size before compression is
	// considered. zstd overhead is not worth it for smaller snapshots.
	compressionThreshold = 2048

	// maxSnapshotSize is the hard cap on a decompressed snapshot body,
	// guarding against corrupt or hostile files.
	maxSnapshotSize = 64 * 1024 * 1024

	snapshotVersion = 1

	encodingNone = "none"
	encodingZstd = "zstd"
)

// snapshotHeader describes a framed snapshot body.
// Checksum is the hex BLAKE3 digest of the uncompressed body.
type snapshotHeader struct {
	Version  int    `json:"version"`
	Encoding string `json:"encoding"`
	Checksum string `json:"checksum"`
	SavedAt  string `json:"saved_at"`
}

// snapshotCodec frames snapshot bodies with a magic prefix, a JSON header
// and optional zstd compression. Encoder and decoder are goroutine-safe and
// reused across writes.
type snapshotCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newSnapshotCodec() (*snapshotCodec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxSnapshotSize))
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &snapshotCodec{encoder: encoder, decoder: decoder}, nil
}

func (c *snapshotCodec) Close() {
	c.encoder.Close()
	c.decoder.Close()
}

// Encode writes a framed snapshot to w.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODY
func (c *snapshotCodec) Encode(w io.Writer, body []byte, now time.Time) error {
	sum := blake3.Sum256(body)

	header := snapshotHeader{
		Version:  snapshotVersion,
		Encoding: encodingNone,
		Checksum: hex.EncodeToString(sum[:]),
		SavedAt:  now.UTC().Format(time.RFC3339),
	}

	if len(body) >= compressionThreshold {
		compressed := c.encoder.EncodeAll(body, nil)
		// Only keep the compressed form when it actually saves space.
		if len(compressed) < len(body) {
			body = compressed
			header.Encoding = encodingZstd
		}
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}
	if len(headerBytes) > maxHeaderSize {
		return ErrHeaderTooLarge
	}

	if _, err := w.Write(snapshotMagic); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(headerBytes))); err != nil {
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	return nil
}

// Decode reads a framed snapshot and returns the verified, decompressed body.
func (c *snapshotCodec) Decode(r io.Reader) ([]byte, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, snapshotMagic) {
		return nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("reading header length: %w", err)
	}
	if headerLen > maxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	var header snapshotHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}

	body, err := io.ReadAll(io.LimitReader(r, maxSnapshotSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if len(body) > maxSnapshotSize {
		return nil, ErrSnapshotTooLarge
	}

	switch header.Encoding {
	case encodingNone, "":
	case encodingZstd:
		// The decoder's memory limit rejects bodies whose declared
		// decompressed size exceeds maxSnapshotSize before allocating.
		body, err = c.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing body: %w", err)
		}
		if len(body) > maxSnapshotSize {
			return nil, ErrSnapshotTooLarge
		}
	default:
		return nil, fmt.Errorf("unsupported snapshot encoding %q", header.Encoding)
	}

	if header.Checksum != "" {
		sum := blake3.Sum256(body)
		if hex.EncodeToString(sum[:]) != header.Checksum {
			return nil, ErrChecksumMismatch
		}
	}

	return body, nil
}

// isFramed reports whether data starts with the snapshot magic bytes.
// Unframed files are treated as legacy plain-JSON state.
func isFramed(data []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], snapshotMagic)
}
