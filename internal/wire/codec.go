package wire

import "fmt"

// Form selects how descriptor arguments are framed.
type Form uint8

const (
	// Native leaves descriptor arguments out of the byte stream; they travel
	// as ancillary data beside it.
	Native Form = iota
	// Bridged carries a 32-bit correlation token inline for every descriptor
	// argument.
	Bridged
)

func (f Form) String() string {
	if f == Bridged {
		return "bridged"
	}
	return "native"
}

// Resolver maps a sender id to its interface and negotiated version.
type Resolver interface {
	InterfaceOf(id ObjectID) (iface string, version uint32, ok bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(id ObjectID) (string, uint32, bool)

func (f ResolverFunc) InterfaceOf(id ObjectID) (string, uint32, bool) { return f(id) }

// Codec decodes and encodes messages for one Form. It holds no per-call
// state and is safe for concurrent use.
type Codec struct {
	table *Table
	form  Form
}

func NewCodec(table *Table, form Form) *Codec {
	return &Codec{table: table, form: form}
}

func (c *Codec) Table() *Table { return c.table }
func (c *Codec) Form() Form    { return c.form }

// PeekSize returns the declared size of the message at the start of b, or
// 0 when fewer than HeaderSize bytes are available.
func PeekSize(b []byte) (int, error) {
	if len(b) < HeaderSize {
		return 0, nil
	}
	h, _ := ParseHeader(b)
	if h.Size < HeaderSize || h.Size%4 != 0 {
		return 0, decodeErr(h, ErrMalformedMessage, "declared size %d", h.Size)
	}
	return int(h.Size), nil
}

// Decode reads one message from the front of b. On any error it consumes
// nothing, so the caller's offset into the stream is unchanged.
func (c *Codec) Decode(b []byte, dir Direction, r Resolver) (Message, int, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return Message{}, 0, fmt.Errorf("%w: %d bytes available for header", ErrMalformedMessage, len(b))
	}
	switch {
	case h.Size < HeaderSize || h.Size%4 != 0:
		return Message{}, 0, decodeErr(h, ErrMalformedMessage, "declared size %d", h.Size)
	case int(h.Size) > len(b):
		return Message{}, 0, decodeErr(h, ErrMalformedMessage, "declared size %d, %d bytes available", h.Size, len(b))
	}

	iface, version, ok := r.InterfaceOf(h.Sender)
	if !ok {
		return Message{}, 0, decodeErr(h, ErrUnknownObject, "")
	}
	sig, err := c.table.Lookup(iface, dir, h.Opcode)
	if err != nil {
		return Message{}, 0, decodeErr(h, ErrUnknownOpcode, "%s %s", iface, dir)
	}
	if sig.Since > version {
		return Message{}, 0, decodeErr(h, ErrUnknownOpcode, "%s.%s needs version %d, object has %d", iface, sig.Name, sig.Since, version)
	}

	d := argReader{buf: b[HeaderSize:h.Size]}
	args := make([]Argument, 0, len(sig.Args))
	for i, spec := range sig.Args {
		a, err := c.decodeArg(&d, spec)
		if err != nil {
			return Message{}, 0, decodeErr(h, ErrMalformedMessage, "%s.%s arg %d (%s): %v", iface, sig.Name, i, spec.Kind, err)
		}
		args = append(args, a)
	}
	if len(d.buf) != 0 {
		return Message{}, 0, decodeErr(h, ErrMalformedMessage, "%s.%s has %d trailing bytes", iface, sig.Name, len(d.buf))
	}
	return Message{Sender: h.Sender, Opcode: h.Opcode, Interface: iface, Args: args}, int(h.Size), nil
}

func (c *Codec) decodeArg(d *argReader, spec ArgSpec) (Argument, error) {
	switch spec.Kind {
	case KindInt:
		v, err := d.uint32()
		return Argument{Kind: KindInt, Int: int32(v)}, err
	case KindUint:
		v, err := d.uint32()
		return Uint(v), err
	case KindFixed:
		v, err := d.uint32()
		return FixedArg(Fixed(int32(v))), err
	case KindString:
		s, null, err := d.string()
		if err != nil {
			return Argument{}, err
		}
		if null {
			if !spec.Nullable {
				return Argument{}, ErrNullArgument
			}
			return NullString(), nil
		}
		return String(s), nil
	case KindObject:
		v, err := d.uint32()
		if err != nil {
			return Argument{}, err
		}
		if v == 0 && !spec.Nullable {
			return Argument{}, ErrNullArgument
		}
		return Object(ObjectID(v)), nil
	case KindNewID:
		a := Argument{Kind: KindNewID}
		if spec.Interface == "" {
			iface, null, err := d.string()
			if err != nil {
				return Argument{}, err
			}
			if null {
				return Argument{}, ErrNullArgument
			}
			if a.Version, err = d.uint32(); err != nil {
				return Argument{}, err
			}
			a.Interface = iface
		}
		v, err := d.uint32()
		if err != nil {
			return Argument{}, err
		}
		if v == 0 {
			return Argument{}, ErrNullArgument
		}
		a.Uint = v
		return a, nil
	case KindArray:
		b, err := d.array()
		return Array(b), err
	case KindFD:
		if c.form == Native {
			return FD(-1), nil
		}
		v, err := d.uint32()
		if err != nil {
			return Argument{}, err
		}
		if v == 0 {
			return Argument{}, fmt.Errorf("zero correlation token")
		}
		return FDToken(v), nil
	}
	return Argument{}, fmt.Errorf("unsupported kind %s", spec.Kind)
}

// Encode produces the framing of m. m.Interface selects the signature.
func (c *Codec) Encode(m Message, dir Direction) ([]byte, error) {
	return c.Append(nil, m, dir)
}

// Append encodes m onto the end of dst.
func (c *Codec) Append(dst []byte, m Message, dir Direction) ([]byte, error) {
	sig, err := c.table.Lookup(m.Interface, dir, m.Opcode)
	if err != nil {
		return dst, err
	}
	if len(m.Args) != len(sig.Args) {
		return dst, fmt.Errorf("%w: %s.%s takes %d arguments, got %d", ErrSignatureMismatch, m.Interface, sig.Name, len(sig.Args), len(m.Args))
	}
	size := HeaderSize
	for i, a := range m.Args {
		spec := sig.Args[i]
		if a.Kind != spec.Kind {
			return dst, fmt.Errorf("%w: %s.%s arg %d is %s, got %s", ErrSignatureMismatch, m.Interface, sig.Name, i, spec.Kind, a.Kind)
		}
		n, err := c.argSize(a, spec)
		if err != nil {
			return dst, fmt.Errorf("%s.%s arg %d: %w", m.Interface, sig.Name, i, err)
		}
		size += n
	}
	if size > MaxMessageSize {
		return dst, fmt.Errorf("%w: %s.%s is %d bytes", ErrMessageTooLarge, m.Interface, sig.Name, size)
	}

	start := len(dst)
	dst = append(dst, make([]byte, size)...)
	out := dst[start:]
	Header{Sender: m.Sender, Opcode: m.Opcode, Size: uint16(size)}.put(out)
	w := argWriter{buf: out[HeaderSize:]}
	for i, a := range m.Args {
		c.encodeArg(&w, a, sig.Args[i])
	}
	return dst, nil
}

func (c *Codec) argSize(a Argument, spec ArgSpec) (int, error) {
	switch a.Kind {
	case KindString:
		if a.Null {
			if !spec.Nullable {
				return 0, ErrNullArgument
			}
			return 4, nil
		}
		return 4 + padded(len(a.Str)+1), nil
	case KindObject:
		if a.Uint == 0 && !spec.Nullable {
			return 0, ErrNullArgument
		}
		return 4, nil
	case KindNewID:
		if a.Uint == 0 {
			return 0, ErrNullArgument
		}
		if spec.Interface == "" {
			if a.Interface == "" {
				return 0, fmt.Errorf("%w: untyped new_id without interface", ErrSignatureMismatch)
			}
			return 4 + padded(len(a.Interface)+1) + 8, nil
		}
		return 4, nil
	case KindArray:
		return 4 + padded(len(a.Array)), nil
	case KindFD:
		if c.form == Native {
			return 0, nil
		}
		if a.Token == 0 {
			return 0, fmt.Errorf("%w: descriptor argument without correlation token", ErrSignatureMismatch)
		}
		return 4, nil
	}
	return 4, nil
}

func (c *Codec) encodeArg(w *argWriter, a Argument, spec ArgSpec) {
	switch a.Kind {
	case KindInt:
		w.uint32(uint32(a.Int))
	case KindUint, KindObject:
		w.uint32(a.Uint)
	case KindFixed:
		w.uint32(uint32(a.Fixed))
	case KindString:
		if a.Null {
			w.uint32(0)
		} else {
			w.string(a.Str)
		}
	case KindNewID:
		if spec.Interface == "" {
			w.string(a.Interface)
			w.uint32(a.Version)
		}
		w.uint32(a.Uint)
	case KindArray:
		w.array(a.Array)
	case KindFD:
		if c.form == Bridged {
			w.uint32(a.Token)
		}
	}
}

type argReader struct{ buf []byte }

func (d *argReader) uint32() (uint32, error) {
	if len(d.buf) < 4 {
		return 0, fmt.Errorf("need 4 bytes, have %d", len(d.buf))
	}
	v := byteOrder.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v, nil
}

func (d *argReader) string() (s string, null bool, err error) {
	n, err := d.uint32()
	if err != nil {
		return "", false, err
	}
	if n == 0 {
		return "", true, nil
	}
	p := padded(int(n))
	if int(n) > len(d.buf) || p > len(d.buf) {
		return "", false, fmt.Errorf("string of %d bytes overruns message", n)
	}
	if d.buf[n-1] != 0 {
		return "", false, fmt.Errorf("string is not NUL terminated")
	}
	s = string(d.buf[:n-1])
	d.buf = d.buf[p:]
	return s, false, nil
}

func (d *argReader) array() ([]byte, error) {
	n, err := d.uint32()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	p := padded(int(n))
	if int(n) > len(d.buf) || p > len(d.buf) {
		return nil, fmt.Errorf("array of %d bytes overruns message", n)
	}
	b := make([]byte, n)
	copy(b, d.buf)
	d.buf = d.buf[p:]
	return b, nil
}

type argWriter struct{ buf []byte }

func (w *argWriter) uint32(v uint32) {
	byteOrder.PutUint32(w.buf, v)
	w.buf = w.buf[4:]
}

func (w *argWriter) string(s string) {
	w.uint32(uint32(len(s) + 1))
	copy(w.buf, s)
	// padding bytes and the terminator are already zero
	w.buf = w.buf[padded(len(s)+1):]
}

func (w *argWriter) array(b []byte) {
	w.uint32(uint32(len(b)))
	copy(w.buf, b)
	w.buf = w.buf[padded(len(b)):]
}
