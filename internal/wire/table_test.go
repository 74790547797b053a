package wire

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSignature(t *testing.T) {
	sig, err := ParseSignature("attach", "2?oii", []string{"wl_buffer", "", ""})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), sig.Since)
	require.Len(t, sig.Args, 3)
	assert.Equal(t, ArgSpec{Kind: KindObject, Nullable: true, Interface: "wl_buffer"}, sig.Args[0])
	assert.Equal(t, KindInt, sig.Args[2].Kind)

	sig, err = ParseSignature("create_pool", "nhi", nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), sig.Since)
	assert.Equal(t, 1, sig.FDCount())

	sig, err = ParseSignature("frame", "12", nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(12), sig.Since)
	assert.Empty(t, sig.Args)

	for _, bad := range []string{"x", "?i", "u?", "0u"} {
		_, err := ParseSignature("bad", bad, nil)
		assert.Error(t, err, bad)
	}
	_, err = ParseSignature("bad", "uu", []string{""})
	assert.Error(t, err)
}

func TestNewTableValidation(t *testing.T) {
	_, err := NewTable(DefaultRanges,
		Interface{Name: "a", Requests: []Signature{{Name: "make", Args: []ArgSpec{{Kind: KindNewID, Interface: "b"}}}}})
	assert.ErrorIs(t, err, ErrUnknownInterface)

	_, err = NewTable(DefaultRanges, Interface{Name: "a"}, Interface{Name: "a"})
	assert.Error(t, err)

	bad := DefaultRanges
	bad.ServerMin = 5
	_, err = NewTable(bad)
	assert.Error(t, err)
}

func TestCoreTable(t *testing.T) {
	table := CoreTable()
	assert.Same(t, table, CoreTable())

	sig, err := table.Lookup("wl_registry", Request, RegistryBind)
	require.NoError(t, err)
	require.Len(t, sig.Args, 2)
	assert.Empty(t, sig.Args[1].Interface, "bind creates an untyped object")

	sig, err = table.Lookup("wl_callback", Event, 0)
	require.NoError(t, err)
	assert.True(t, sig.Destructor)

	_, err = table.Lookup("wl_callback", Request, 0)
	assert.ErrorIs(t, err, ErrUnknownOpcode)
	_, err = table.Lookup("xdg_wm_base", Request, 0)
	assert.ErrorIs(t, err, ErrUnknownInterface)

	assert.Contains(t, table.Names(), "wl_shm")
	assert.Equal(t, DefaultRanges, table.Ranges())
}

const sampleTable = `
ranges:
  client: [1, 0x00ffffff]
  server: [0xff000000, 0xffffffff]
  bridge: 0xfff00000
interfaces:
  - name: wl_display
    version: 1
    requests:
      - {name: sync, signature: "n", types: [wl_callback]}
    events:
      - {name: error, signature: "ous"}
      - {name: delete_id, signature: "u"}
  - name: wl_callback
    version: 1
    events:
      - {name: done, signature: "u", destructor: true}
`

func TestLoadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTable), 0o600))

	table, err := LoadTable(path)
	require.NoError(t, err)
	assert.Equal(t, ObjectID(0x00ffffff), table.Ranges().ClientMax)
	assert.Equal(t, ObjectID(0xfff00000), table.Ranges().BridgeMin)

	sig, err := table.Lookup("wl_display", Request, DisplaySync)
	require.NoError(t, err)
	assert.Equal(t, "wl_callback", sig.Args[0].Interface)

	sig, err = table.Lookup("wl_callback", Event, 0)
	require.NoError(t, err)
	assert.True(t, sig.Destructor)

	_, err = LoadTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseTableDefaultsRanges(t *testing.T) {
	table, err := ParseTable([]byte("interfaces:\n  - {name: wl_output, version: 4}\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultRanges, table.Ranges())
	iface, ok := table.Interface("wl_output")
	require.True(t, ok)
	assert.Equal(t, uint32(4), iface.Version)
}

func TestFixed(t *testing.T) {
	assert.Equal(t, Fixed(256), FixedFromInt(1))
	assert.Equal(t, -3, FixedFromInt(-3).Int())
	assert.InDelta(t, 1.5, FixedFromFloat(1.5).Float(), 1e-9)
	assert.Equal(t, Fixed(-128), FixedFromFloat(-0.5))
	assert.Equal(t, 0, FixedFromFloat(-0.5).Int())
}
