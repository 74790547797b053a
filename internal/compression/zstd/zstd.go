// Package zstd compresses resource chunks with Zstandard frames.
package zstd

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Compressor holds one encoder and one decoder; both are safe for
// concurrent EncodeAll and DecodeAll calls.
type Compressor struct {
	once   sync.Once
	err    error
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	level  zstd.EncoderLevel
	maxRaw uint64
}

// NewCompressor creates a compressor whose decoder refuses to expand beyond
// maxRaw bytes. A zero maxRaw leaves the library default in place.
func NewCompressor(level zstd.EncoderLevel, maxRaw uint64) *Compressor {
	return &Compressor{level: level, maxRaw: maxRaw}
}

func (c *Compressor) init() error {
	c.once.Do(func() {
		c.enc, c.err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(c.level),
			zstd.WithEncoderConcurrency(1),
			zstd.WithEncoderCRC(false))
		if c.err != nil {
			return
		}
		opts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
		if c.maxRaw > 0 {
			opts = append(opts, zstd.WithDecoderMaxMemory(c.maxRaw))
		}
		c.dec, c.err = zstd.NewReader(nil, opts...)
	})
	return c.err
}

// Compress returns the compressed frame and true, or src and false when
// compression would not shrink it.
func (c *Compressor) Compress(src []byte) ([]byte, bool) {
	if len(src) == 0 || c.init() != nil {
		return src, false
	}
	out := c.enc.EncodeAll(src, make([]byte, 0, len(src)))
	if len(out) >= len(src) {
		return src, false
	}
	return out, true
}

// Decompress expands a frame that decodes to exactly rawLen bytes.
func (c *Compressor) Decompress(src []byte, rawLen int) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	out, err := c.dec.DecodeAll(src, make([]byte, 0, rawLen))
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	if len(out) != rawLen {
		return nil, fmt.Errorf("zstd: got %d bytes, want %d", len(out), rawLen)
	}
	return out, nil
}

// Close releases the decoder's goroutines.
func (c *Compressor) Close() {
	if c.dec != nil {
		c.dec.Close()
	}
}
