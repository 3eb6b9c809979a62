package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// MagicBytes is the 4-byte prefix for framed entry files.
	MagicBytes = []byte("PWC1")

	// ErrInvalidMagic is returned when a file doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected PWC1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")
)

// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
const MaxHeaderSize = 64 * 1024

// WriteFramed writes a framed file to the writer. header is encoded as JSON.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODYBYTES
func WriteFramed(w io.Writer, header any, body io.Reader) error {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	headerLen := len(headerBytes)
	if headerLen > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	if _, err := w.Write(MagicBytes); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(headerLen)); err != nil { //nolint:gosec // headerLen is bounds-checked above
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}

	return nil
}

// ReadFramed reads a framed file, decoding its header into header, and
// returns a reader positioned at the body.
func ReadFramed(r io.Reader, header any) (io.Reader, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("reading header length: %w", err)
	}
	if headerLen > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if err := json.Unmarshal(headerBytes, header); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}

	return r, nil
}
