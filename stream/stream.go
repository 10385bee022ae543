// Package stream correlates requests with their responses on one
// multiplexed connection.
//
// Responses may arrive in any order relative to the order requests were
// sent, so correlation happens by stream ID, never by arrival order. The
// Allocator hands out IDs; the Pending table maps each in-flight ID to the
// goroutine waiting on it.
package stream

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"ttrpc/message"
)

// ErrExhausted is returned once the 32-bit stream ID space of a connection
// is used up. IDs must stay unique for the connection's lifetime, so the
// allocator fails fast instead of wrapping around; the caller is expected
// to close the connection and dial a fresh one.
var ErrExhausted = errors.New("stream id space exhausted")

// Allocator issues client-originated stream IDs: odd values starting at 1,
// strictly increasing. Safe for concurrent use.
type Allocator struct {
	// next is 64-bit so exhaustion of the 32-bit wire space is detected
	// by comparison instead of silent wraparound.
	next atomic.Uint64
}

// NewAllocator returns an allocator whose first issued ID is 1.
func NewAllocator() *Allocator {
	a := &Allocator{}
	a.next.Store(1)
	return a
}

// Next returns a fresh stream ID. After ErrExhausted is returned once,
// every subsequent call fails the same way.
func (a *Allocator) Next() (uint32, error) {
	id := a.next.Add(2) - 2
	if id > math.MaxUint32 {
		return 0, ErrExhausted
	}
	return uint32(id), nil
}

// Result is what a waiter receives: the peer's response, or the connection
// failure that made a response impossible. Exactly one of the two is set.
type Result struct {
	Response *message.Response
	Err      error
}

// Pending owns the stream ID → waiter table. All access to the table goes
// through its methods; nothing else holds a reference to it, which keeps
// the locking argument local to this type.
//
// It is written by call-issuing goroutines (Register, Forget) and by the
// connection's reader (Resolve, FailAll) concurrently.
type Pending struct {
	log logrus.FieldLogger

	mu      sync.Mutex
	waiters map[uint32]chan Result
	idle    []chan struct{}
	failure error // set once FailAll ran; the table accepts no new waiters after
}

// NewPending returns an empty table. log may be nil.
func NewPending(log logrus.FieldLogger) *Pending {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pending{
		log:     log,
		waiters: make(map[uint32]chan Result),
	}
}

// Register creates the completion slot for a stream ID. The returned
// channel is buffered so the resolving reader never blocks on delivery.
//
// Registering after the connection failed returns that failure; registering
// an ID that is already pending is a protocol-discipline bug on our side
// and is rejected.
func (p *Pending) Register(id uint32) (<-chan Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failure != nil {
		return nil, p.failure
	}
	if _, dup := p.waiters[id]; dup {
		return nil, errors.Errorf("stream %d already has a call in flight", id)
	}
	ch := make(chan Result, 1)
	p.waiters[id] = ch
	return ch, nil
}

// Resolve delivers a result to the waiter for id and removes the entry.
//
// An unknown ID is not an error: it legitimately happens when a response
// arrives after the local caller timed out and forgot the stream. It is
// logged and discarded.
func (p *Pending) Resolve(id uint32, res Result) {
	p.mu.Lock()
	ch, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
		p.notifyIdleLocked()
	}
	p.mu.Unlock()

	if !ok {
		p.log.WithField("stream_id", id).Debug("discarding response for unknown stream")
		return
	}
	ch <- res
}

// Forget removes a waiter without resolving it, typically because the
// caller's deadline expired. A response that arrives later takes the
// unknown-ID path in Resolve.
func (p *Pending) Forget(id uint32) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.notifyIdleLocked()
	p.mu.Unlock()
}

// FailAll resolves every still-pending waiter with err and marks the table
// closed. Called on connection teardown so no caller is left waiting for a
// response that can never arrive. Idempotent; the first failure sticks.
func (p *Pending) FailAll(err error) {
	p.mu.Lock()
	if p.failure == nil {
		p.failure = err
	}
	waiters := p.waiters
	p.waiters = make(map[uint32]chan Result)
	p.notifyIdleLocked()
	p.mu.Unlock()

	for id, ch := range waiters {
		ch <- Result{Err: err}
		p.log.WithField("stream_id", id).Debug("failed pending call on teardown")
	}
}

// Idle returns a channel that is closed once no calls are pending. A table
// that is already empty (or already failed) yields an immediately-closed
// channel. Used by the client façade to drain in-flight calls before
// closing the connection.
func (p *Pending) Idle() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan struct{})
	if len(p.waiters) == 0 || p.failure != nil {
		close(ch)
		return ch
	}
	p.idle = append(p.idle, ch)
	return ch
}

// notifyIdleLocked wakes Idle waiters when the table drains. Caller holds
// p.mu.
func (p *Pending) notifyIdleLocked() {
	if len(p.waiters) != 0 {
		return
	}
	for _, ch := range p.idle {
		close(ch)
	}
	p.idle = nil
}

// Len returns the number of in-flight streams.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
