// Package envelope frames everything a virtual connection exchanges over
// its transport: batches of bridged protocol messages, resource payload
// chunks, and control notices. Every frame starts with one kind byte.
// Structured bodies use deterministic CBOR.
package envelope

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Kind is the first byte of every frame.
type Kind uint8

const (
	KindMessages Kind = 0x01
	KindChunk    Kind = 0x02
	KindNotice   Kind = 0x03
)

func (k Kind) String() string {
	switch k {
	case KindMessages:
		return "messages"
	case KindChunk:
		return "chunk"
	case KindNotice:
		return "notice"
	}
	return fmt.Sprintf("kind(%#x)", uint8(k))
}

var (
	ErrEmptyFrame  = errors.New("envelope: empty frame")
	ErrUnknownKind = errors.New("envelope: unknown frame kind")
	ErrBadBody     = errors.New("envelope: malformed frame body")
)

// ResourceKind says what a transferred payload materializes into.
type ResourceKind uint8

const (
	// ResourceBuffer is a shared-memory region.
	ResourceBuffer ResourceKind = iota
	// ResourceSignal is a byte stream, such as a keymap or clipboard pipe.
	ResourceSignal
)

// Chunk carries part of a resource payload.
type Chunk struct {
	Token  uint32       `cbor:"1,keyasint"`
	Kind   ResourceKind `cbor:"2,keyasint"`
	Offset uint64       `cbor:"3,keyasint"`
	Total  uint64       `cbor:"4,keyasint"`
	Final  bool         `cbor:"5,keyasint,omitempty"`
	Codec  uint8        `cbor:"6,keyasint,omitempty"`
	// RawLen is the decompressed length of Data.
	RawLen uint32 `cbor:"7,keyasint"`
	Data   []byte `cbor:"8,keyasint"`
	// Digest covers the whole payload and rides on the final chunk.
	Digest []byte `cbor:"9,keyasint,omitempty"`
}

// Notice codes.
const (
	NoticeProtocolError     = "protocol_error"
	NoticeResourceAborted   = "resource_aborted"
	NoticeXWaylandReady     = "xwayland_ready"
	NoticeXWaylandDestroyed = "xwayland_destroyed"
	NoticeXWaylandFailed    = "xwayland_failed"
)

// Notice is an out-of-band control message to the browser side.
type Notice struct {
	Code    string `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint,omitempty"`
	Object  uint32 `cbor:"3,keyasint,omitempty"`
	Display int    `cbor:"4,keyasint"`
	// Objects lists ids exposed or retracted alongside the notice.
	Objects []uint32 `cbor:"5,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("envelope: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 16,
	}.DecMode()
	if err != nil {
		panic("envelope: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeMessages wraps already-encoded bridged messages.
func EncodeMessages(msgs []byte) []byte {
	out := make([]byte, 1+len(msgs))
	out[0] = byte(KindMessages)
	copy(out[1:], msgs)
	return out
}

func EncodeChunk(c Chunk) ([]byte, error) { return encodeBody(KindChunk, c) }

func EncodeNotice(n Notice) ([]byte, error) { return encodeBody(KindNotice, n) }

func encodeBody(k Kind, v any) ([]byte, error) {
	body, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode %s: %w", k, err)
	}
	return append([]byte{byte(k)}, body...), nil
}

// Split returns the frame kind and its body.
func Split(frame []byte) (Kind, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, ErrEmptyFrame
	}
	k := Kind(frame[0])
	switch k {
	case KindMessages, KindChunk, KindNotice:
		return k, frame[1:], nil
	}
	return 0, nil, fmt.Errorf("%w: %#x", ErrUnknownKind, frame[0])
}

func DecodeChunk(body []byte) (Chunk, error) {
	var c Chunk
	if err := decMode.Unmarshal(body, &c); err != nil {
		return Chunk{}, fmt.Errorf("%w: chunk: %v", ErrBadBody, err)
	}
	return c, nil
}

func DecodeNotice(body []byte) (Notice, error) {
	var n Notice
	if err := decMode.Unmarshal(body, &n); err != nil {
		return Notice{}, fmt.Errorf("%w: notice: %v", ErrBadBody, err)
	}
	return n, nil
}
