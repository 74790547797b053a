package wire

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Table is an immutable set of interfaces plus the id ranges the protocol
// declares. It is safe for concurrent use.
type Table struct {
	ranges Ranges
	ifaces map[string]*Interface
}

// NewTable validates ranges and interfaces and builds a Table. Every typed
// new_id argument must name an interface present in the table.
func NewTable(ranges Ranges, ifaces ...Interface) (*Table, error) {
	if err := ranges.Validate(); err != nil {
		return nil, err
	}
	t := &Table{ranges: ranges, ifaces: make(map[string]*Interface, len(ifaces))}
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Name == "" {
			return nil, fmt.Errorf("wire: interface %d has no name", i)
		}
		if _, dup := t.ifaces[iface.Name]; dup {
			return nil, fmt.Errorf("wire: interface %q declared twice", iface.Name)
		}
		if iface.Version == 0 {
			iface.Version = 1
		}
		t.ifaces[iface.Name] = &iface
	}
	for _, iface := range t.ifaces {
		for _, group := range [][]Signature{iface.Requests, iface.Events} {
			for _, sig := range group {
				for _, a := range sig.Args {
					if a.Kind != KindNewID || a.Interface == "" {
						continue
					}
					if _, ok := t.ifaces[a.Interface]; !ok {
						return nil, fmt.Errorf("%w: %s.%s creates %q", ErrUnknownInterface, iface.Name, sig.Name, a.Interface)
					}
				}
			}
		}
	}
	return t, nil
}

func (t *Table) Ranges() Ranges { return t.ranges }

// Interface returns the named interface.
func (t *Table) Interface(name string) (Interface, bool) {
	iface, ok := t.ifaces[name]
	if !ok {
		return Interface{}, false
	}
	return *iface, true
}

// Names lists the table's interfaces in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.ifaces))
	for n := range t.ifaces {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup finds the signature for (iface, dir, opcode).
func (t *Table) Lookup(iface string, dir Direction, opcode uint16) (Signature, error) {
	entry, ok := t.ifaces[iface]
	if !ok {
		return Signature{}, fmt.Errorf("%w: %q", ErrUnknownInterface, iface)
	}
	sigs := entry.Requests
	if dir == Event {
		sigs = entry.Events
	}
	if int(opcode) >= len(sigs) {
		return Signature{}, fmt.Errorf("%w: %s %s %d", ErrUnknownOpcode, iface, dir, opcode)
	}
	return sigs[opcode], nil
}

// ParseSignature converts a Wayland signature string such as "2?ous" into a
// Signature. Leading digits give the since-version; '?' marks the following
// argument nullable. types, when given, holds one interface name per
// argument ("" where none applies). An untyped new_id is written "n" with an
// empty type and expands on the wire to interface, version and id.
func ParseSignature(name, sig string, types []string) (Signature, error) {
	s := Signature{Name: name, Since: 1}
	i := 0
	for i < len(sig) && sig[i] >= '0' && sig[i] <= '9' {
		i++
	}
	if i > 0 {
		v, err := strconv.ParseUint(sig[:i], 10, 32)
		if err != nil || v == 0 {
			return Signature{}, fmt.Errorf("wire: %s: bad since-version in %q", name, sig)
		}
		s.Since = uint32(v)
	}
	nullable := false
	for ; i < len(sig); i++ {
		c := sig[i]
		if c == '?' {
			nullable = true
			continue
		}
		var kind ArgKind
		switch c {
		case 'i':
			kind = KindInt
		case 'u':
			kind = KindUint
		case 'f':
			kind = KindFixed
		case 's':
			kind = KindString
		case 'o':
			kind = KindObject
		case 'n':
			kind = KindNewID
		case 'a':
			kind = KindArray
		case 'h':
			kind = KindFD
		default:
			return Signature{}, fmt.Errorf("wire: %s: unknown type %q in %q", name, c, sig)
		}
		if nullable && kind != KindString && kind != KindObject {
			return Signature{}, fmt.Errorf("wire: %s: %s argument cannot be nullable", name, kind)
		}
		s.Args = append(s.Args, ArgSpec{Kind: kind, Nullable: nullable})
		nullable = false
	}
	if nullable {
		return Signature{}, fmt.Errorf("wire: %s: dangling '?' in %q", name, sig)
	}
	if len(types) != 0 {
		if len(types) != len(s.Args) {
			return Signature{}, fmt.Errorf("wire: %s: %d types for %d arguments", name, len(types), len(s.Args))
		}
		for j := range s.Args {
			s.Args[j].Interface = types[j]
		}
	}
	return s, nil
}

type tableFile struct {
	Ranges *struct {
		Client [2]uint32 `yaml:"client"`
		Server [2]uint32 `yaml:"server"`
		Bridge uint32    `yaml:"bridge"`
	} `yaml:"ranges"`
	Interfaces []struct {
		Name     string          `yaml:"name"`
		Version  uint32          `yaml:"version"`
		Requests []messageRecord `yaml:"requests"`
		Events   []messageRecord `yaml:"events"`
	} `yaml:"interfaces"`
}

type messageRecord struct {
	Name       string   `yaml:"name"`
	Signature  string   `yaml:"signature"`
	Types      []string `yaml:"types"`
	Destructor bool     `yaml:"destructor"`
}

// LoadTable reads a YAML signature table from path.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wire: read table: %w", err)
	}
	t, err := ParseTable(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ParseTable decodes a YAML signature table. Missing ranges default to
// DefaultRanges.
func ParseTable(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("wire: parse table: %w", err)
	}
	ranges := DefaultRanges
	if f.Ranges != nil {
		ranges = Ranges{
			ClientMin: ObjectID(f.Ranges.Client[0]),
			ClientMax: ObjectID(f.Ranges.Client[1]),
			ServerMin: ObjectID(f.Ranges.Server[0]),
			ServerMax: ObjectID(f.Ranges.Server[1]),
			BridgeMin: ObjectID(f.Ranges.Bridge),
		}
	}
	ifaces := make([]Interface, 0, len(f.Interfaces))
	for _, rec := range f.Interfaces {
		iface := Interface{Name: rec.Name, Version: rec.Version}
		for _, m := range rec.Requests {
			sig, err := m.signature(rec.Name)
			if err != nil {
				return nil, err
			}
			iface.Requests = append(iface.Requests, sig)
		}
		for _, m := range rec.Events {
			sig, err := m.signature(rec.Name)
			if err != nil {
				return nil, err
			}
			iface.Events = append(iface.Events, sig)
		}
		ifaces = append(ifaces, iface)
	}
	return NewTable(ranges, ifaces...)
}

func (m messageRecord) signature(iface string) (Signature, error) {
	sig, err := ParseSignature(iface+"."+m.Name, m.Signature, m.Types)
	if err != nil {
		return Signature{}, err
	}
	sig.Name = m.Name
	sig.Destructor = m.Destructor
	return sig, nil
}
