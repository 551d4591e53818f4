// Package pystate handles the Python namespace state wire format: a one
// byte version header followed by the (optionally LZ4-compressed) pickle
// payload. Blobs travel base64-encoded inside REPL frames and raw in the
// state stores.
package pystate

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	// VersionRaw marks an uncompressed pickle payload.
	VersionRaw byte = 1
	// VersionLZ4 marks an LZ4-frame-compressed pickle payload.
	VersionLZ4 byte = 2

	// MaxDecodedSize caps the decompressed payload.
	MaxDecodedSize = 50 << 20
)

var (
	// ErrEmpty is returned for zero-length blobs.
	ErrEmpty = errors.New("empty state blob")
	// ErrTooLarge is returned when the decoded payload exceeds MaxDecodedSize.
	ErrTooLarge = errors.New("state payload too large")
	// ErrBadVersion is returned for unknown version bytes.
	ErrBadVersion = errors.New("unknown state version")
)

// Decode extracts the pickle payload from a versioned blob.
func Decode(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, ErrEmpty
	}
	version, payload := blob[0], blob[1:]
	switch version {
	case VersionRaw:
		if len(payload) > MaxDecodedSize {
			return nil, ErrTooLarge
		}
		return payload, nil
	case VersionLZ4:
		r := lz4.NewReader(bytes.NewReader(payload))
		// Read one byte past the cap so oversize payloads are detected
		// instead of silently clipped.
		out, err := io.ReadAll(io.LimitReader(r, MaxDecodedSize+1))
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if len(out) > MaxDecodedSize {
			return nil, ErrTooLarge
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}
}

// Encode wraps a pickle payload into a version-2 blob.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxDecodedSize {
		return nil, ErrTooLarge
	}
	var buf bytes.Buffer
	buf.WriteByte(VersionLZ4)
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 flush: %w", err)
	}
	return buf.Bytes(), nil
}

// Validate checks a blob without retaining the decoded payload. Returns
// the decoded payload size.
func Validate(blob []byte) (int, error) {
	payload, err := Decode(blob)
	if err != nil {
		return 0, err
	}
	return len(payload), nil
}

// Hash16 is the state identity: the first 16 hex characters of the
// SHA-256 of the raw (versioned, still-compressed) blob.
func Hash16(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])[:16]
}

// FromBase64 decodes the transport form into a raw blob.
func FromBase64(s string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode state base64: %w", err)
	}
	return blob, nil
}

// ToBase64 encodes a raw blob into the transport form.
func ToBase64(blob []byte) string {
	return base64.StdEncoding.EncodeToString(blob)
}
