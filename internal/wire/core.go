package wire

import "sync"

type msgDef struct {
	name       string
	sig        string
	types      []string
	destructor bool
}

type ifaceDef struct {
	name     string
	version  uint32
	requests []msgDef
	events   []msgDef
}

func msg(name, sig string, types ...string) msgDef {
	return msgDef{name: name, sig: sig, types: types}
}

func dtor(name, sig string, types ...string) msgDef {
	return msgDef{name: name, sig: sig, types: types, destructor: true}
}

var coreDefs = []ifaceDef{
	{name: "wl_display", version: 1,
		requests: []msgDef{msg("sync", "n", "wl_callback"), msg("get_registry", "n", "wl_registry")},
		events:   []msgDef{msg("error", "ous"), msg("delete_id", "u")}},
	{name: "wl_registry", version: 1,
		requests: []msgDef{msg("bind", "un", "", "")},
		events:   []msgDef{msg("global", "usu"), msg("global_remove", "u")}},
	{name: "wl_callback", version: 1,
		events: []msgDef{dtor("done", "u")}},
	{name: "wl_compositor", version: 6,
		requests: []msgDef{msg("create_surface", "n", "wl_surface"), msg("create_region", "n", "wl_region")}},
	{name: "wl_shm_pool", version: 2,
		requests: []msgDef{
			msg("create_buffer", "niiiiu", "wl_buffer", "", "", "", "", ""),
			dtor("destroy", ""),
			msg("resize", "i"),
		}},
	{name: "wl_shm", version: 2,
		requests: []msgDef{msg("create_pool", "nhi", "wl_shm_pool", "", ""), dtor("release", "2")},
		events:   []msgDef{msg("format", "u")}},
	{name: "wl_buffer", version: 1,
		requests: []msgDef{dtor("destroy", "")},
		events:   []msgDef{msg("release", "")}},
	{name: "wl_surface", version: 6,
		requests: []msgDef{
			dtor("destroy", ""),
			msg("attach", "?oii", "wl_buffer", "", ""),
			msg("damage", "iiii"),
			msg("frame", "n", "wl_callback"),
			msg("set_opaque_region", "?o", "wl_region"),
			msg("set_input_region", "?o", "wl_region"),
			msg("commit", ""),
			msg("set_buffer_transform", "2i"),
			msg("set_buffer_scale", "3i"),
			msg("damage_buffer", "4iiii"),
			msg("offset", "5ii"),
		},
		events: []msgDef{
			msg("enter", "o", "wl_output"),
			msg("leave", "o", "wl_output"),
			msg("preferred_buffer_scale", "6i"),
			msg("preferred_buffer_transform", "6u"),
		}},
	{name: "wl_region", version: 1,
		requests: []msgDef{dtor("destroy", ""), msg("add", "iiii"), msg("subtract", "iiii")}},
	{name: "wl_seat", version: 9,
		requests: []msgDef{
			msg("get_pointer", "n", "wl_pointer"),
			msg("get_keyboard", "n", "wl_keyboard"),
			msg("get_touch", "n", "wl_touch"),
			dtor("release", "5"),
		},
		events: []msgDef{msg("capabilities", "u"), msg("name", "2s")}},
	{name: "wl_pointer", version: 9,
		requests: []msgDef{msg("set_cursor", "u?oii", "", "wl_surface", "", ""), dtor("release", "3")},
		events: []msgDef{
			msg("enter", "uoff", "", "wl_surface", "", ""),
			msg("leave", "uo", "", "wl_surface"),
			msg("motion", "uff"),
			msg("button", "uuuu"),
			msg("axis", "uuf"),
			msg("frame", "5"),
			msg("axis_source", "5u"),
			msg("axis_stop", "5uu"),
			msg("axis_discrete", "5ui"),
			msg("axis_value120", "8ui"),
			msg("axis_relative_direction", "9uu"),
		}},
	{name: "wl_keyboard", version: 9,
		requests: []msgDef{dtor("release", "3")},
		events: []msgDef{
			msg("keymap", "uhu"),
			msg("enter", "uoa", "", "wl_surface", ""),
			msg("leave", "uo", "", "wl_surface"),
			msg("key", "uuuu"),
			msg("modifiers", "uuuuu"),
			msg("repeat_info", "4ii"),
		}},
	{name: "wl_touch", version: 9,
		requests: []msgDef{dtor("release", "3")},
		events: []msgDef{
			msg("down", "uuoiff", "", "", "wl_surface", "", "", ""),
			msg("up", "uui"),
			msg("motion", "uiff"),
			msg("frame", ""),
			msg("cancel", ""),
			msg("shape", "6iff"),
			msg("orientation", "6if"),
		}},
	{name: "wl_output", version: 4,
		requests: []msgDef{dtor("release", "3")},
		events: []msgDef{
			msg("geometry", "iiiiissi"),
			msg("mode", "uiii"),
			msg("done", "2"),
			msg("scale", "2i"),
			msg("name", "4s"),
			msg("description", "4s"),
		}},
}

var (
	coreOnce  sync.Once
	coreTable *Table
)

// CoreTable returns the built-in table for the core Wayland interfaces.
// The result is shared and immutable.
func CoreTable() *Table {
	coreOnce.Do(func() {
		ifaces := make([]Interface, 0, len(coreDefs))
		for _, def := range coreDefs {
			iface := Interface{Name: def.name, Version: def.version}
			iface.Requests = mustSignatures(def.name, def.requests)
			iface.Events = mustSignatures(def.name, def.events)
			ifaces = append(ifaces, iface)
		}
		t, err := NewTable(DefaultRanges, ifaces...)
		if err != nil {
			panic(err)
		}
		coreTable = t
	})
	return coreTable
}

func mustSignatures(iface string, defs []msgDef) []Signature {
	sigs := make([]Signature, 0, len(defs))
	for _, def := range defs {
		sig, err := ParseSignature(def.name, def.sig, def.types)
		if err != nil {
			panic(iface + ": " + err.Error())
		}
		sig.Destructor = def.destructor
		sigs = append(sigs, sig)
	}
	return sigs
}

// Well-known opcodes used by the bridge itself.
const (
	DisplaySync        uint16 = 0
	DisplayGetRegistry uint16 = 1
	DisplayError       uint16 = 0
	DisplayDeleteID    uint16 = 1
	RegistryBind       uint16 = 0
	RegistryGlobal     uint16 = 0
	RegistryRemove     uint16 = 1
)

// DisplayID is the id of the wl_display singleton on every connection.
const DisplayID ObjectID = 1
