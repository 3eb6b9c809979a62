package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	// CompressionThreshold is the minimum body size before compression is considered.
	// 2KB threshold - zstd overhead not worth it for smaller bodies.
	CompressionThreshold = 2048

	// MaxDecompressedSize is the hard cap during decompression to prevent compression bombs.
	MaxDecompressedSize = 64 * 1024 * 1024 // 64MB

	// EncodingIdentity marks an uncompressed payload.
	EncodingIdentity = "identity"

	// EncodingZstd marks a zstd-compressed payload.
	EncodingZstd = "zstd"
)

// ErrDecompressionBomb is returned when decompressed size exceeds limit.
var ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

// Codec serialises entries into records for the key-value drivers, compressing
// larger bodies with zstd. Encoder and decoder are goroutine-safe and reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a codec with a shared zstd encoder/decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		_ = c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// record is the stored form of an Entry.
type record struct {
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	Status     int         `json:"status"`
	StatusText string      `json:"status_text,omitempty"`
	Header     http.Header `json:"header,omitempty"`
	Type       string      `json:"type"`
	Digest     string      `json:"digest"`
	StoredAt   time.Time   `json:"stored_at"`
	Encoding   string      `json:"encoding"`
	Size       int         `json:"size"`
	Payload    []byte      `json:"payload,omitempty"`
}

// Encode serialises e, compressing the body if beneficial.
func (c *Codec) Encode(e *Entry) ([]byte, error) {
	payload, encoding := c.Compress(e.Body)
	rec := record{
		Method:     e.Method,
		URL:        e.URL,
		Status:     e.Status,
		StatusText: e.StatusText,
		Header:     e.Header,
		Type:       e.Type,
		Digest:     e.Digest,
		StoredAt:   e.StoredAt,
		Encoding:   encoding,
		Size:       len(e.Body),
		Payload:    payload,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshaling record: %w", err)
	}
	return data, nil
}

// Decode parses a record, decompresses the body and verifies its digest.
func (c *Codec) Decode(data []byte) (*Entry, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling record: %w", err)
	}
	body, err := c.Decompress(rec.Payload, rec.Encoding, rec.Size)
	if err != nil {
		return nil, err
	}
	e := &Entry{
		Method:     rec.Method,
		URL:        rec.URL,
		Status:     rec.Status,
		StatusText: rec.StatusText,
		Header:     rec.Header,
		Type:       rec.Type,
		Body:       body,
		Digest:     rec.Digest,
		StoredAt:   rec.StoredAt,
	}
	if err := e.Verify(); err != nil {
		return nil, err
	}
	return e, nil
}

// Compress returns the stored form of body and its encoding name.
func (c *Codec) Compress(body []byte) ([]byte, string) {
	if len(body) < CompressionThreshold {
		return body, EncodingIdentity
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return body, EncodingIdentity
	}

	compressed := enc.EncodeAll(body, nil)
	if len(compressed) >= len(body) {
		return body, EncodingIdentity
	}
	return compressed, EncodingZstd
}

// Decompress reverses Compress. size is the original body length.
func (c *Codec) Decompress(payload []byte, encoding string, size int) ([]byte, error) {
	switch encoding {
	case EncodingIdentity, "":
		return payload, nil
	case EncodingZstd:
	default:
		return nil, fmt.Errorf("unsupported encoding: %q", encoding)
	}

	if size > MaxDecompressedSize {
		return nil, ErrDecompressionBomb
	}

	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()
	if dec == nil {
		return nil, errors.New("decoder not initialized")
	}

	body, err := dec.DecodeAll(payload, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	if len(body) > MaxDecompressedSize {
		return nil, ErrDecompressionBomb
	}
	return body, nil
}
