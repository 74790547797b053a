// Package registry tracks the protocol objects of one connection: which
// ids are live, what interface and version each one has, and which
// destroyed client ids are still waiting for the server to acknowledge
// them. A Registry belongs to exactly one connection and is never shared.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"wlbridge/internal/wire"
)

var (
	ErrUnknownID          = errors.New("registry: unknown object id")
	ErrIDCollision        = errors.New("registry: object id already in use")
	ErrIDOutOfRange       = errors.New("registry: object id outside any allocatable range")
	ErrServerIDsExhausted = errors.New("registry: server id space exhausted")
	ErrClosed             = errors.New("registry: closed")
)

// State is the lifecycle stage of a tracked id.
type State uint8

const (
	// Live objects accept messages.
	Live State = iota + 1
	// Zombie ids were destroyed by the client and stay reserved until the
	// server acknowledges with delete_id. Messages referencing them fail.
	Zombie
)

func (s State) String() string {
	switch s {
	case Live:
		return "live"
	case Zombie:
		return "zombie"
	}
	return "unknown"
}

// Object is the record kept for one id.
type Object struct {
	ID        wire.ObjectID
	Interface string
	Version   uint32
	// Owner is set on objects exposed on behalf of a process-global
	// resource and names that resource.
	Owner string
}

type entry struct {
	obj   Object
	state State
}

// Registry is safe for concurrent use, although a connection serializes its
// own access through its processing goroutine.
type Registry struct {
	mu      sync.Mutex
	ranges  wire.Ranges
	objects map[wire.ObjectID]*entry
	// issued holds bridge ids handed out by AllocateServerID that have not
	// been registered yet.
	issued map[wire.ObjectID]struct{}
	next   uint64
	closed bool
}

func New(ranges wire.Ranges) *Registry {
	return &Registry{
		ranges:  ranges,
		objects: make(map[wire.ObjectID]*entry),
		issued:  make(map[wire.ObjectID]struct{}),
		next:    uint64(ranges.BridgeMin),
	}
}

func (r *Registry) Ranges() wire.Ranges { return r.ranges }

// Register records id as a live object. Client-range ids and ids from the
// native server's range are accepted directly; bridge ids must have been
// issued by AllocateServerID first.
func (r *Registry) Register(id wire.ObjectID, iface string, version uint32) error {
	return r.register(Object{ID: id, Interface: iface, Version: version})
}

func (r *Registry) register(obj Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if obj.Version == 0 {
		obj.Version = 1
	}
	if e, ok := r.objects[obj.ID]; ok {
		return fmt.Errorf("%w: %d is %s (%s)", ErrIDCollision, obj.ID, e.state, e.obj.Interface)
	}
	switch {
	case r.ranges.IsClient(obj.ID), r.ranges.IsServer(obj.ID):
	case r.ranges.IsBridge(obj.ID):
		if _, ok := r.issued[obj.ID]; !ok {
			return fmt.Errorf("%w: bridge id %d was not issued", ErrIDOutOfRange, obj.ID)
		}
		delete(r.issued, obj.ID)
	default:
		return fmt.Errorf("%w: %d", ErrIDOutOfRange, obj.ID)
	}
	r.objects[obj.ID] = &entry{obj: obj, state: Live}
	return nil
}

// Resolve returns the live object with the given id.
func (r *Registry) Resolve(id wire.ObjectID) (Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Object{}, ErrClosed
	}
	e, ok := r.objects[id]
	if !ok || e.state != Live {
		return Object{}, fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	return e.obj, nil
}

// Inspect reports an id in any state.
func (r *Registry) Inspect(id wire.ObjectID) (Object, State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.objects[id]
	if !ok {
		return Object{}, 0, false
	}
	return e.obj, e.state, true
}

// InterfaceOf implements wire.Resolver over live objects.
func (r *Registry) InterfaceOf(id wire.ObjectID) (string, uint32, bool) {
	obj, err := r.Resolve(id)
	if err != nil {
		return "", 0, false
	}
	return obj.Interface, obj.Version, true
}

// EventResolver resolves live and zombie ids. The server may still emit
// events for an object the client already destroyed; they must decode so
// their descriptors can be drained, and are then dropped.
func (r *Registry) EventResolver() wire.Resolver {
	return wire.ResolverFunc(func(id wire.ObjectID) (string, uint32, bool) {
		obj, _, ok := r.Inspect(id)
		return obj.Interface, obj.Version, ok
	})
}

// Destroy ends the life of a live id. Client ids become zombies until
// Release; all other ids are forgotten immediately. Destroying an id that
// is not live is an error.
func (r *Registry) Destroy(id wire.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	e, ok := r.objects[id]
	if !ok || e.state != Live {
		return fmt.Errorf("%w: destroy %d", ErrUnknownID, id)
	}
	if r.ranges.IsClient(id) {
		e.state = Zombie
		return nil
	}
	delete(r.objects, id)
	return nil
}

// Release frees a client id after the server's delete_id. A live id is
// destroyed and freed in one step.
func (r *Registry) Release(id wire.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.objects[id]; !ok {
		return fmt.Errorf("%w: release %d", ErrUnknownID, id)
	}
	delete(r.objects, id)
	return nil
}

// AllocateServerID issues the next bridge id. Ids are strictly increasing
// and never reissued, even after the object they named is gone.
func (r *Registry) AllocateServerID() (wire.ObjectID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	if r.next > uint64(r.ranges.ServerMax) {
		return 0, ErrServerIDsExhausted
	}
	id := wire.ObjectID(r.next)
	r.next++
	r.issued[id] = struct{}{}
	return id, nil
}

// AllocateObject issues a bridge id and registers it in one step.
func (r *Registry) AllocateObject(iface string, version uint32) (Object, error) {
	return r.Expose(iface, version, "")
}

// Expose registers a bridge-issued object on behalf of owner, a
// process-global resource whose objects are shared by every connection.
func (r *Registry) Expose(iface string, version uint32, owner string) (Object, error) {
	id, err := r.AllocateServerID()
	if err != nil {
		return Object{}, err
	}
	obj := Object{ID: id, Interface: iface, Version: version, Owner: owner}
	if err := r.register(obj); err != nil {
		return Object{}, err
	}
	if obj.Version == 0 {
		obj.Version = 1
	}
	return obj, nil
}

// Retract removes every object exposed for owner and returns them.
func (r *Registry) Retract(owner string) []Object {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Object
	for id, e := range r.objects {
		if owner != "" && e.obj.Owner == owner {
			out = append(out, e.obj)
			delete(r.objects, id)
		}
	}
	sortObjects(out)
	return out
}

// Live returns the live objects ordered by id.
func (r *Registry) Live() []Object {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Object, 0, len(r.objects))
	for _, e := range r.objects {
		if e.state == Live {
			out = append(out, e.obj)
		}
	}
	sortObjects(out)
	return out
}

// Len counts tracked ids, zombies included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

// Close drops every object and returns the ones that were live. Further
// calls fail with ErrClosed.
func (r *Registry) Close() []Object {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var out []Object
	for _, e := range r.objects {
		if e.state == Live {
			out = append(out, e.obj)
		}
	}
	r.objects = nil
	r.issued = nil
	sortObjects(out)
	return out
}

func sortObjects(objs []Object) {
	sort.Slice(objs, func(i, j int) bool { return objs[i].ID < objs[j].ID })
}
