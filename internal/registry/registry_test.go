package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"wlbridge/internal/wire"
)

func TestRegisterResolve(t *testing.T) {
	r := New(wire.DefaultRanges)

	_, err := r.Resolve(3)
	assert.ErrorIs(t, err, ErrUnknownID, "never registered")

	require.NoError(t, r.Register(3, "wl_surface", 6))
	obj, err := r.Resolve(3)
	require.NoError(t, err)
	assert.Equal(t, Object{ID: 3, Interface: "wl_surface", Version: 6}, obj)

	assert.ErrorIs(t, r.Register(3, "wl_buffer", 1), ErrIDCollision)
	assert.ErrorIs(t, r.Register(0, "wl_buffer", 1), ErrIDOutOfRange)
	assert.ErrorIs(t, r.Register(0xfff00010, "wl_buffer", 1), ErrIDOutOfRange, "bridge id not issued")

	require.NoError(t, r.Register(0xff000001, "wl_data_offer", 3), "native server ids are accepted")

	iface, version, ok := r.InterfaceOf(3)
	assert.True(t, ok)
	assert.Equal(t, "wl_surface", iface)
	assert.Equal(t, uint32(6), version)
}

func TestDestroyClientIDStaysReserved(t *testing.T) {
	r := New(wire.DefaultRanges)
	require.NoError(t, r.Register(5, "wl_buffer", 1))
	require.NoError(t, r.Destroy(5))

	_, err := r.Resolve(5)
	assert.ErrorIs(t, err, ErrUnknownID)
	assert.ErrorIs(t, r.Destroy(5), ErrUnknownID, "second destroy is an error")
	assert.ErrorIs(t, r.Register(5, "wl_buffer", 1), ErrIDCollision, "reserved until delete_id")

	_, state, ok := r.Inspect(5)
	require.True(t, ok)
	assert.Equal(t, Zombie, state)

	_, _, ok = r.InterfaceOf(5)
	assert.False(t, ok)
	iface, _, ok := r.EventResolver().InterfaceOf(5)
	assert.True(t, ok)
	assert.Equal(t, "wl_buffer", iface)

	require.NoError(t, r.Release(5))
	assert.ErrorIs(t, r.Release(5), ErrUnknownID)
	require.NoError(t, r.Register(5, "wl_region", 1))
}

func TestDestroyServerIDFreesImmediately(t *testing.T) {
	r := New(wire.DefaultRanges)
	require.NoError(t, r.Register(0xff000002, "wl_data_offer", 1))
	require.NoError(t, r.Destroy(0xff000002))
	_, _, ok := r.Inspect(0xff000002)
	assert.False(t, ok)
}

func TestAllocateServerIDMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := New(wire.DefaultRanges)
		var last wire.ObjectID
		n := rapid.IntRange(1, 200).Draw(t, "n")
		for i := 0; i < n; i++ {
			obj, err := r.AllocateObject("wl_callback", 1)
			if err != nil {
				t.Fatalf("allocate: %v", err)
			}
			if wire.DefaultRanges.IsClient(obj.ID) {
				t.Fatalf("id %d is in the client range", obj.ID)
			}
			if obj.ID <= last {
				t.Fatalf("id %d issued after %d", obj.ID, last)
			}
			last = obj.ID
			if rapid.Bool().Draw(t, "destroy") {
				if err := r.Destroy(obj.ID); err != nil {
					t.Fatalf("destroy: %v", err)
				}
			}
		}
	})
}

func TestAllocateServerIDExhausted(t *testing.T) {
	ranges := wire.DefaultRanges
	ranges.BridgeMin = ranges.ServerMax - 1
	r := New(ranges)
	a, err := r.AllocateServerID()
	require.NoError(t, err)
	b, err := r.AllocateServerID()
	require.NoError(t, err)
	assert.Equal(t, wire.ObjectID(0xffffffff), b)
	assert.Less(t, a, b)

	_, err = r.AllocateServerID()
	assert.ErrorIs(t, err, ErrServerIDsExhausted)

	require.NoError(t, r.Register(a, "wl_callback", 1))
	assert.ErrorIs(t, r.Register(a, "wl_callback", 1), ErrIDCollision)
}

func TestExposeRetract(t *testing.T) {
	r := New(wire.DefaultRanges)
	require.NoError(t, r.Register(2, "wl_surface", 4))
	disp, err := r.Expose("xwayland_display", 1, "xwayland")
	require.NoError(t, err)
	wm, err := r.Expose("xwayland_wm", 1, "xwayland")
	require.NoError(t, err)
	assert.True(t, wire.DefaultRanges.IsBridge(disp.ID))
	assert.Equal(t, "xwayland", wm.Owner)

	assert.Len(t, r.Live(), 3)
	gone := r.Retract("xwayland")
	require.Len(t, gone, 2)
	assert.Equal(t, disp.ID, gone[0].ID)
	assert.Equal(t, wm.ID, gone[1].ID)
	assert.Empty(t, r.Retract("xwayland"))

	_, err = r.Resolve(disp.ID)
	assert.ErrorIs(t, err, ErrUnknownID)
	assert.Len(t, r.Live(), 1)
}

func TestClose(t *testing.T) {
	r := New(wire.DefaultRanges)
	require.NoError(t, r.Register(2, "wl_surface", 4))
	require.NoError(t, r.Register(3, "wl_buffer", 1))
	require.NoError(t, r.Destroy(3))

	live := r.Close()
	require.Len(t, live, 1)
	assert.Equal(t, wire.ObjectID(2), live[0].ID)
	assert.Nil(t, r.Close())

	_, err := r.Resolve(2)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, r.Register(4, "wl_region", 1), ErrClosed)
	_, err = r.AllocateServerID()
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, r.Len())
}
