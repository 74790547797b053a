package transfer

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"wlbridge/internal/compression"
	"wlbridge/internal/envelope"
	"wlbridge/internal/metrics"
)

const DefaultChunkSize = 64 * 1024

const (
	// preallocLimit caps the buffer reserved from a chunk's declared total.
	preallocLimit = 4 << 20
	// maxInboundTokens bounds the inbound records one connection may hold.
	maxInboundTokens = 1024
)

// Config tunes an Emulator.
type Config struct {
	// ChunkSize bounds the raw bytes per outbound chunk.
	ChunkSize int
	// MaxPayload bounds one resource in either direction. Zero means no
	// limit.
	MaxPayload int64
	// MaxInflight bounds the declared size of all inbound payloads not yet
	// taken. Zero means no limit.
	MaxInflight int64
	// VerifyDigest requires a matching digest on every inbound payload.
	VerifyDigest bool
	// Codecs compresses outbound chunks and decodes inbound ones. Nil
	// ships everything raw.
	Codecs *compression.Set
}

// Emulator tracks the transfers of one connection. It is safe for
// concurrent use.
type Emulator struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	inbound  map[Token]*PendingResource
	outbound map[Token]*PendingResource
	nextOut  Token
	closed   error
	// inflight sums the declared totals of started inbound records.
	inflight uint64

	// quit ends when Abort runs, interrupting stream drains.
	quit     context.Context
	quitFunc context.CancelCauseFunc
}

func NewEmulator(cfg Config, log *zap.Logger) *Emulator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	quit, quitFunc := context.WithCancelCause(context.Background())
	return &Emulator{
		cfg:      cfg,
		log:      log,
		inbound:  make(map[Token]*PendingResource),
		outbound: make(map[Token]*PendingResource),
		quit:     quit,
		quitFunc: quitFunc,
	}
}

// record returns the inbound record for tok, creating it within the
// per-connection bound. The caller holds e.mu.
func (e *Emulator) record(tok Token) (*PendingResource, error) {
	if p, ok := e.inbound[tok]; ok {
		return p, nil
	}
	if len(e.inbound) >= maxInboundTokens {
		return nil, fmt.Errorf("%w: more than %d transfers in flight", ErrPayloadTooLarge, maxInboundTokens)
	}
	p := newPending(tok, Inbound)
	e.inbound[tok] = p
	return p, nil
}

// drop forgets an inbound record and its share of the in-flight budget.
// The caller holds e.mu.
func (e *Emulator) drop(p *PendingResource) {
	delete(e.inbound, p.Token)
	p.mu.Lock()
	if p.started {
		e.inflight -= p.total
		p.started = false
	}
	p.mu.Unlock()
}

// Expect returns the inbound record for tok, creating an empty one if no
// chunk has arrived yet. A message that references tok waits on it.
func (e *Emulator) Expect(tok Token) (*PendingResource, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed != nil {
		return nil, e.closed
	}
	if tok == 0 {
		return nil, fmt.Errorf("%w: 0", ErrUnknownToken)
	}
	return e.record(tok)
}

// Accept applies one inbound chunk. Chunks of a token must arrive in
// offset order. When the final chunk lands the payload is verified and
// materialized, and the record becomes Complete. Any violation aborts the
// transfer and drops it.
func (e *Emulator) Accept(c envelope.Chunk) (*PendingResource, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed != nil {
		return nil, e.closed
	}
	tok := Token(c.Token)
	if tok == 0 {
		return nil, fmt.Errorf("%w: 0", ErrUnknownToken)
	}
	p, err := e.record(tok)
	if err != nil {
		return nil, err
	}
	if err := e.apply(p, c); err != nil {
		e.drop(p)
		if p.abort(err) {
			metrics.IncTransferAborted()
		}
		e.log.Debug("resource transfer rejected", zap.Uint32("token", uint32(tok)), zap.Error(err))
		return p, err
	}
	return p, nil
}

func (e *Emulator) apply(p *PendingResource, c envelope.Chunk) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Receiving {
		return fmt.Errorf("%w: %d is %s", ErrDuplicateToken, p.Token, p.state)
	}
	if !p.started {
		if e.cfg.MaxPayload > 0 && c.Total > uint64(e.cfg.MaxPayload) {
			return fmt.Errorf("%w: %d bytes declared", ErrPayloadTooLarge, c.Total)
		}
		if e.cfg.MaxInflight > 0 && e.inflight+c.Total > uint64(e.cfg.MaxInflight) {
			return fmt.Errorf("%w: %d bytes already in flight", ErrPayloadTooLarge, e.inflight)
		}
		e.inflight += c.Total
		p.started = true
		p.total = c.Total
		p.Kind = c.Kind
		p.data = make([]byte, 0, min(c.Total, preallocLimit))
	} else if c.Total != p.total || c.Kind != p.Kind {
		return fmt.Errorf("%w: chunk header changed mid-transfer", ErrChunkOutOfOrder)
	}
	if c.Offset != p.received {
		return fmt.Errorf("%w: offset %d, expected %d", ErrChunkOutOfOrder, c.Offset, p.received)
	}

	if uint64(c.RawLen) > p.total-p.received {
		return fmt.Errorf("%w: chunk overruns declared %d bytes", ErrPayloadTooLarge, p.total)
	}
	raw := c.Data
	if id := compression.ID(c.Codec); id != compression.None {
		if e.cfg.Codecs == nil {
			return fmt.Errorf("%w: %s", compression.ErrUnknownCodec, id)
		}
		var err error
		if raw, err = e.cfg.Codecs.Decompress(id, c.Data, int(c.RawLen)); err != nil {
			return err
		}
	} else if len(raw) != int(c.RawLen) {
		return fmt.Errorf("%w: raw chunk is %d bytes, header says %d", ErrChunkOutOfOrder, len(raw), c.RawLen)
	}
	if p.received+uint64(len(raw)) > p.total {
		return fmt.Errorf("%w: chunk overruns declared %d bytes", ErrPayloadTooLarge, p.total)
	}
	p.data = append(p.data, raw...)
	p.received += uint64(len(raw))

	if !c.Final {
		return nil
	}
	if p.received != p.total {
		return fmt.Errorf("%w: final chunk at %d of %d bytes", ErrIncomplete, p.received, p.total)
	}
	if len(c.Digest) > 0 || e.cfg.VerifyDigest {
		sum := blake2b.Sum256(p.data)
		if subtle.ConstantTimeCompare(sum[:], c.Digest) != 1 {
			return ErrDigestMismatch
		}
	}
	fd, err := materialize(p.Kind, p.data)
	if err != nil {
		return err
	}
	metrics.AddResourceBytes(metrics.ToNative, int64(len(p.data)))
	p.fd = fd
	p.data = nil
	p.state = Complete
	p.signal()
	return nil
}

// Take hands the materialized descriptor of a complete inbound transfer to
// the caller, who then owns it. The record is dropped.
func (e *Emulator) Take(tok Token) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed != nil {
		return -1, e.closed
	}
	p, ok := e.inbound[tok]
	if !ok {
		return -1, fmt.Errorf("%w: %d", ErrUnknownToken, tok)
	}
	p.mu.Lock()
	if p.state != Complete {
		state := p.state
		p.mu.Unlock()
		return -1, fmt.Errorf("%w: %d is %s", ErrIncomplete, tok, state)
	}
	fd := p.fd
	p.fd = -1
	p.state = Delivered
	p.mu.Unlock()
	e.drop(p)
	metrics.IncTransferCompleted()
	return fd, nil
}

// Ready reports whether every token is complete. It returns the first
// token still receiving, or an error if any of them is gone or aborted.
func (e *Emulator) Ready(toks []Token) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed != nil {
		return false, e.closed
	}
	for _, tok := range toks {
		p, ok := e.inbound[tok]
		if !ok {
			return false, fmt.Errorf("%w: %d", ErrUnknownToken, tok)
		}
		if p.State() != Complete {
			return false, nil
		}
	}
	return true, nil
}

// Externalize reads the payload behind fd and splits it into chunks under
// a fresh token. The caller keeps ownership of fd. The chunks must be sent
// before the message that carries the token, and Delivered called once
// they are. Draining a pipe or socket ends with ErrResourceTransferAborted
// when ctx ends or Abort runs.
func (e *Emulator) Externalize(ctx context.Context, fd int) (*PendingResource, []envelope.Chunk, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed != nil {
		return nil, nil, closed
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(e.quit, func() { cancel(context.Cause(e.quit)) })
	defer stop()

	kind, payload, err := readPayload(ctx, fd, e.cfg.MaxPayload)
	if err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed != nil {
		return nil, nil, e.closed
	}
	e.nextOut++
	if e.nextOut == 0 {
		e.nextOut = 1
	}
	tok := e.nextOut
	if _, busy := e.outbound[tok]; busy {
		return nil, nil, fmt.Errorf("%w: %d", ErrDuplicateToken, tok)
	}
	p := newPending(tok, Outbound)
	p.Kind = kind
	p.started = true
	p.total = uint64(len(payload))
	p.received = p.total
	p.state = Complete
	e.outbound[tok] = p

	return p, e.split(tok, kind, payload), nil
}

func (e *Emulator) split(tok Token, kind envelope.ResourceKind, payload []byte) []envelope.Chunk {
	total := uint64(len(payload))
	n := (len(payload) + e.cfg.ChunkSize - 1) / e.cfg.ChunkSize
	if n == 0 {
		n = 1
	}
	chunks := make([]envelope.Chunk, 0, n)
	for off := 0; off < len(payload) || len(chunks) == 0; off += e.cfg.ChunkSize {
		end := min(off+e.cfg.ChunkSize, len(payload))
		piece := payload[off:end]
		c := envelope.Chunk{
			Token:  uint32(tok),
			Kind:   kind,
			Offset: uint64(off),
			Total:  total,
			RawLen: uint32(len(piece)),
			Data:   piece,
		}
		if e.cfg.Codecs != nil {
			data, id := e.cfg.Codecs.Compress(piece)
			c.Data, c.Codec = data, uint8(id)
		}
		chunks = append(chunks, c)
	}
	last := &chunks[len(chunks)-1]
	last.Final = true
	sum := blake2b.Sum256(payload)
	last.Digest = sum[:]
	return chunks
}

// Delivered marks an outbound transfer as shipped and drops it.
func (e *Emulator) Delivered(tok Token) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.outbound[tok]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownToken, tok)
	}
	delete(e.outbound, tok)
	p.mu.Lock()
	p.state = Delivered
	n := p.total
	p.mu.Unlock()
	p.signal()
	metrics.AddResourceBytes(metrics.ToBrowser, int64(n))
	metrics.IncTransferCompleted()
	return nil
}

// Pending counts transfers in flight in both directions.
func (e *Emulator) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inbound) + len(e.outbound)
}

// Abort ends every transfer in flight with ErrResourceTransferAborted,
// releasing materialized descriptors, and refuses further work. It returns
// the number of transfers it aborted.
func (e *Emulator) Abort(cause error) int {
	e.mu.Lock()
	if e.closed != nil {
		e.mu.Unlock()
		return 0
	}
	err := ErrResourceTransferAborted
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrResourceTransferAborted, cause)
	}
	e.closed = err
	e.inflight = 0
	pending := make([]*PendingResource, 0, len(e.inbound)+len(e.outbound))
	for _, p := range e.inbound {
		pending = append(pending, p)
	}
	for _, p := range e.outbound {
		pending = append(pending, p)
	}
	e.inbound, e.outbound = nil, nil
	e.mu.Unlock()
	e.quitFunc(err)

	n := 0
	for _, p := range pending {
		if p.abort(err) {
			n++
			metrics.IncTransferAborted()
			e.log.Debug("resource transfer aborted",
				zap.Uint32("token", uint32(p.Token)), zap.Stringer("direction", p.Direction))
		}
	}
	return n
}
