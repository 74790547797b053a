// Package lz4 implements stateless LZ4 block compression for resource
// chunks. Blocks carry no framing; the caller records the raw length.
package lz4

import (
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Level represents compression level.
type Level int

const (
	LevelFastest Level = iota
	LevelFast
	LevelDefault
	LevelSlow
	LevelSlowest
)

var ErrCorrupt = errors.New("lz4: corrupt block")

// Compressor provides LZ4 block compression. The zero value uses the fast
// compressor.
type Compressor struct {
	level Level
}

// NewCompressor creates a new LZ4 compressor.
func NewCompressor(level Level) *Compressor {
	if level < LevelFastest || level > LevelSlowest {
		level = LevelDefault
	}
	return &Compressor{level: level}
}

func (c *Compressor) depth() lz4.CompressionLevel {
	switch c.level {
	case LevelSlow:
		return lz4.Level6
	case LevelSlowest:
		return lz4.Level9
	}
	return lz4.Fast
}

// Compress returns the compressed block and true, or src and false when
// compression would not shrink it.
func (c *Compressor) Compress(src []byte) ([]byte, bool) {
	if len(src) == 0 {
		return src, false
	}
	dst := make([]byte, lz4.CompressBlockBound(len(src)))

	var n int
	var err error
	if depth := c.depth(); depth == lz4.Fast {
		n, err = lz4.CompressBlock(src, dst, nil)
	} else {
		n, err = lz4.CompressBlockHC(src, dst, depth, nil, nil)
	}
	// n == 0 means the input was incompressible
	if err != nil || n <= 0 || n >= len(src) {
		return src, false
	}
	return dst[:n], true
}

// Decompress expands a block that decodes to exactly rawLen bytes.
func (c *Compressor) Decompress(src []byte, rawLen int) ([]byte, error) {
	dst := make([]byte, rawLen)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if n != rawLen {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrCorrupt, n, rawLen)
	}
	return dst, nil
}
