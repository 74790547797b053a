// Package wire encodes and decodes Wayland wire-protocol messages against a
// signature table. It knows two framings of the same message: the native
// form written to a Unix socket, where descriptor arguments travel out of
// band, and the bridged form carried over a framed transport, where every
// descriptor argument is replaced inline by a 32-bit correlation token.
package wire

import "fmt"

// ObjectID identifies a protocol object within one connection's namespace.
type ObjectID uint32

// ArgKind is the wire type of a single message argument.
type ArgKind uint8

const (
	KindInt ArgKind = iota + 1
	KindUint
	KindFixed
	KindString
	KindObject
	KindNewID
	KindArray
	KindFD
)

func (k ArgKind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFixed:
		return "fixed"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	case KindNewID:
		return "new_id"
	case KindArray:
		return "array"
	case KindFD:
		return "fd"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ArgSpec describes one argument slot of a message signature.
type ArgSpec struct {
	Kind     ArgKind
	Nullable bool
	// Interface names the object type for object and new_id arguments.
	// An empty interface on a new_id argument marks it untyped: the wire
	// then carries the interface name and version ahead of the id.
	Interface string
}

// Signature is the immutable description of one request or event.
type Signature struct {
	Name       string
	Args       []ArgSpec
	Since      uint32
	Destructor bool
}

// FDCount returns the number of descriptor arguments in the signature.
func (s Signature) FDCount() int {
	n := 0
	for _, a := range s.Args {
		if a.Kind == KindFD {
			n++
		}
	}
	return n
}

// Interface is the table entry for one protocol interface.
type Interface struct {
	Name     string
	Version  uint32
	Requests []Signature
	Events   []Signature
}

// Direction selects between the request and event halves of an interface.
type Direction uint8

const (
	Request Direction = iota
	Event
)

func (d Direction) String() string {
	if d == Event {
		return "event"
	}
	return "request"
}

// Ranges declares how the id space is split between allocators.
// Bridge ids are the top part of the server range, issued by the bridge
// itself and never by the native peer.
type Ranges struct {
	ClientMin ObjectID
	ClientMax ObjectID
	ServerMin ObjectID
	ServerMax ObjectID
	BridgeMin ObjectID
}

// DefaultRanges are the id ranges of the core Wayland protocol.
var DefaultRanges = Ranges{
	ClientMin: 1,
	ClientMax: 0xfeffffff,
	ServerMin: 0xff000000,
	ServerMax: 0xffffffff,
	BridgeMin: 0xfff00000,
}

func (r Ranges) IsClient(id ObjectID) bool { return id >= r.ClientMin && id <= r.ClientMax }

// IsServer reports whether id belongs to the native server's allocation range.
func (r Ranges) IsServer(id ObjectID) bool { return id >= r.ServerMin && id < r.BridgeMin }

func (r Ranges) IsBridge(id ObjectID) bool { return id >= r.BridgeMin && id <= r.ServerMax }

// Validate checks that the ranges are ordered and disjoint.
func (r Ranges) Validate() error {
	switch {
	case r.ClientMin == 0:
		return fmt.Errorf("wire: client range must not include id 0")
	case r.ClientMin > r.ClientMax:
		return fmt.Errorf("wire: client range is empty")
	case r.ServerMin <= r.ClientMax:
		return fmt.Errorf("wire: server range overlaps client range")
	case r.BridgeMin <= r.ServerMin || r.BridgeMin > r.ServerMax:
		return fmt.Errorf("wire: bridge range must sit inside the server range")
	}
	return nil
}
