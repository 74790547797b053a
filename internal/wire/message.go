package wire

import "encoding/binary"

// HeaderSize is the size of the fixed message header.
const HeaderSize = 8

// MaxMessageSize is the largest size the 16-bit length field can express.
const MaxMessageSize = 0xffff

// byteOrder is the host byte order; the native protocol never crosses hosts.
var byteOrder = binary.NativeEndian

// Header is the fixed record at the start of every message.
type Header struct {
	Sender ObjectID
	Opcode uint16
	Size   uint16
}

func (h Header) put(b []byte) {
	byteOrder.PutUint32(b[0:4], uint32(h.Sender))
	byteOrder.PutUint32(b[4:8], uint32(h.Size)<<16|uint32(h.Opcode))
}

// ParseHeader reads the header at the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrMalformedMessage
	}
	word := byteOrder.Uint32(b[4:8])
	return Header{
		Sender: ObjectID(byteOrder.Uint32(b[0:4])),
		Opcode: uint16(word),
		Size:   uint16(word >> 16),
	}, nil
}

// Argument is one decoded argument value. Only the fields relevant to
// Kind are meaningful.
type Argument struct {
	Kind  ArgKind
	Int   int32
	Uint  uint32
	Fixed Fixed
	Str   string
	// Null marks an absent string. Absent objects are id 0.
	Null  bool
	Array []byte
	// Interface and Version accompany an untyped new_id.
	Interface string
	Version   uint32
	// FD is the native descriptor in native form; Token replaces it in
	// bridged form.
	FD    int
	Token uint32
}

// ID returns the object id carried by an object or new_id argument.
func (a Argument) ID() ObjectID { return ObjectID(a.Uint) }

func Int(v int32) Argument      { return Argument{Kind: KindInt, Int: v} }
func Uint(v uint32) Argument    { return Argument{Kind: KindUint, Uint: v} }
func FixedArg(v Fixed) Argument { return Argument{Kind: KindFixed, Fixed: v} }
func String(s string) Argument  { return Argument{Kind: KindString, Str: s} }
func NullString() Argument      { return Argument{Kind: KindString, Null: true} }
func Object(id ObjectID) Argument {
	return Argument{Kind: KindObject, Uint: uint32(id)}
}
func NewID(id ObjectID) Argument { return Argument{Kind: KindNewID, Uint: uint32(id)} }

// UntypedNewID is the new_id form used by wl_registry.bind.
func UntypedNewID(iface string, version uint32, id ObjectID) Argument {
	return Argument{Kind: KindNewID, Uint: uint32(id), Interface: iface, Version: version}
}
func Array(b []byte) Argument { return Argument{Kind: KindArray, Array: b} }
func FD(fd int) Argument      { return Argument{Kind: KindFD, FD: fd} }

// FDToken is a descriptor argument in bridged form.
func FDToken(token uint32) Argument { return Argument{Kind: KindFD, FD: -1, Token: token} }

// Message is the transport-agnostic representation of one request or event.
type Message struct {
	Sender    ObjectID
	Opcode    uint16
	Interface string
	Args      []Argument
}

// FDs returns the native descriptors in argument order.
func (m Message) FDs() []int {
	var fds []int
	for _, a := range m.Args {
		if a.Kind == KindFD {
			fds = append(fds, a.FD)
		}
	}
	return fds
}

// Tokens returns the correlation tokens in argument order.
func (m Message) Tokens() []uint32 {
	var toks []uint32
	for _, a := range m.Args {
		if a.Kind == KindFD {
			toks = append(toks, a.Token)
		}
	}
	return toks
}

func padded(n int) int { return (n + 3) &^ 3 }
