// Package compression selects the per-chunk codec used when shipping
// resource payloads across the transport.
package compression

import (
	"bytes"
	"compress/flate"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zlib"
	kzstd "github.com/klauspost/compress/zstd"

	"wlbridge/internal/compression/lz4"
	"wlbridge/internal/compression/zstd"
)

// ID identifies a codec on the wire.
type ID uint8

const (
	None ID = iota
	LZ4
	Zstd
	Zlib
)

func (id ID) String() string {
	switch id {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	case Zlib:
		return "zlib"
	}
	return fmt.Sprintf("codec(%d)", uint8(id))
}

var ErrUnknownCodec = errors.New("compression: unknown codec")

// Codec compresses one chunk at a time.
type Codec interface {
	ID() ID
	// Compress returns the encoded bytes and true, or src and false when
	// the chunk is better sent raw.
	Compress(src []byte) ([]byte, bool)
	Decompress(src []byte, rawLen int) ([]byte, error)
}

// Set holds one instance of every codec so a receiver can decode whatever
// the sender chose.
type Set struct {
	preferred Codec
	codecs    map[ID]Codec
}

// NewSet builds the codecs and selects name ("none", "lz4", "zstd" or
// "zlib") for outgoing chunks. maxRaw bounds decompressed chunk size.
func NewSet(name string, maxRaw int) (*Set, error) {
	s := &Set{codecs: map[ID]Codec{
		None: identity{},
		LZ4:  lz4Codec{lz4.NewCompressor(lz4.LevelDefault)},
		Zstd: zstdCodec{zstd.NewCompressor(kzstd.SpeedFastest, uint64(maxRaw))},
		Zlib: zlibCodec{level: flate.BestSpeed},
	}}
	for id, c := range s.codecs {
		if id.String() == name || (name == "" && id == None) {
			s.preferred = c
		}
	}
	if s.preferred == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	return s, nil
}

func (s *Set) Preferred() Codec { return s.preferred }

// Get returns the codec for id.
func (s *Set) Get(id ID) (Codec, error) {
	c, ok := s.codecs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, id)
	}
	return c, nil
}

// Compress encodes src with the preferred codec when it is worth it and
// reports which codec was applied.
func (s *Set) Compress(src []byte) ([]byte, ID) {
	if s.preferred.ID() == None || !ShouldCompress(src) {
		return src, None
	}
	out, ok := s.preferred.Compress(src)
	if !ok {
		return src, None
	}
	return out, s.preferred.ID()
}

// Decompress reverses Compress.
func (s *Set) Decompress(id ID, src []byte, rawLen int) ([]byte, error) {
	c, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return c.Decompress(src, rawLen)
}

// Close releases codec resources.
func (s *Set) Close() {
	if z, ok := s.codecs[Zstd].(zstdCodec); ok {
		z.Close()
	}
}

// ShouldCompress reports whether data looks compressible: it must not be
// tiny and its byte entropy must not suggest it is already compressed.
func ShouldCompress(data []byte) bool {
	if len(data) < 128 {
		return false
	}
	return entropy(data) <= 7.5
}

func entropy(data []byte) float64 {
	var freq [256]int
	for _, b := range data {
		freq[b]++
	}
	e := 0.0
	n := float64(len(data))
	for _, count := range freq {
		if count > 0 {
			p := float64(count) / n
			e -= p * math.Log2(p)
		}
	}
	return e
}

type identity struct{}

func (identity) ID() ID                             { return None }
func (identity) Compress(src []byte) ([]byte, bool) { return src, false }
func (identity) Decompress(src []byte, rawLen int) ([]byte, error) {
	if len(src) != rawLen {
		return nil, fmt.Errorf("compression: raw chunk is %d bytes, want %d", len(src), rawLen)
	}
	return src, nil
}

type lz4Codec struct{ *lz4.Compressor }

func (lz4Codec) ID() ID { return LZ4 }

type zstdCodec struct{ *zstd.Compressor }

func (zstdCodec) ID() ID { return Zstd }

type zlibCodec struct{ level int }

func (zlibCodec) ID() ID { return Zlib }

func (z zlibCodec) Compress(src []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, z.level)
	if err != nil {
		return src, false
	}
	if _, err := w.Write(src); err != nil {
		return src, false
	}
	if err := w.Close(); err != nil || buf.Len() >= len(src) {
		return src, false
	}
	return buf.Bytes(), true
}

func (zlibCodec) Decompress(src []byte, rawLen int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, int64(rawLen)+1))
	if err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	if len(out) != rawLen {
		return nil, fmt.Errorf("zlib: got %d bytes, want %d", len(out), rawLen)
	}
	return out, nil
}
