// Package transfer emulates descriptor passing across a transport that can
// only carry bytes. Outbound, it reads the full payload behind a native
// descriptor and ships it as chunks under a correlation token. Inbound, it
// reassembles chunks per token and materializes a fresh native descriptor
// holding the same bytes.
package transfer

import (
	"context"
	"errors"
	"sync"

	"wlbridge/internal/envelope"
)

var (
	ErrResourceTransferAborted = errors.New("transfer: resource transfer aborted")
	ErrUnknownToken            = errors.New("transfer: unknown correlation token")
	ErrDuplicateToken          = errors.New("transfer: correlation token already in flight")
	ErrChunkOutOfOrder         = errors.New("transfer: chunk out of order")
	ErrDigestMismatch          = errors.New("transfer: payload digest mismatch")
	ErrPayloadTooLarge         = errors.New("transfer: payload exceeds limit")
	ErrIncomplete              = errors.New("transfer: payload not complete")
)

// Token correlates a descriptor argument with its shipped payload.
type Token uint32

// Direction of a transfer relative to the native side.
type Direction uint8

const (
	// Inbound payloads arrive from the transport and become native
	// descriptors.
	Inbound Direction = iota
	// Outbound payloads are read from native descriptors and shipped.
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// State of a PendingResource.
type State uint8

const (
	Receiving State = iota
	Complete
	Delivered
	Aborted
)

func (s State) String() string {
	switch s {
	case Receiving:
		return "receiving"
	case Complete:
		return "complete"
	case Delivered:
		return "delivered"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// PendingResource is one in-flight transfer.
type PendingResource struct {
	Token     Token
	Direction Direction
	Kind      envelope.ResourceKind

	mu       sync.Mutex
	state    State
	started  bool
	total    uint64
	received uint64
	data     []byte
	// fd is the materialized descriptor once an inbound transfer is
	// complete, owned by this record until taken.
	fd       int
	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func newPending(tok Token, dir Direction) *PendingResource {
	return &PendingResource{Token: tok, Direction: dir, fd: -1, done: make(chan struct{})}
}

// Done is closed when the transfer completes or aborts.
func (p *PendingResource) Done() <-chan struct{} { return p.done }

// Err reports why the transfer aborted, or nil.
func (p *PendingResource) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *PendingResource) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Received reports how many payload bytes have arrived so far.
func (p *PendingResource) Received() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received
}

// Wait blocks until the transfer completes, aborts, or ctx ends.
func (p *PendingResource) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PendingResource) signal() { p.doneOnce.Do(func() { close(p.done) }) }

// abort releases anything materialized and wakes waiters. It is a no-op on
// a delivered or already aborted transfer.
func (p *PendingResource) abort(err error) bool {
	p.mu.Lock()
	if p.state == Delivered || p.state == Aborted {
		p.mu.Unlock()
		return false
	}
	p.state = Aborted
	p.err = err
	p.data = nil
	fd := p.fd
	p.fd = -1
	p.mu.Unlock()
	if fd >= 0 {
		closeFD(fd)
	}
	p.signal()
	return true
}
