package engine

import (
	"bufio"
	"net"
	"sync"

	"ttrpc/protocol"
)

const variantThreaded = "threaded"

// blockingReader reads one full frame at a time, parking its goroutine in
// the kernel until the bytes arrive. Buffering coalesces the header read
// and small payloads into fewer syscalls.
type blockingReader struct {
	conn       net.Conn
	maxPayload uint32

	once sync.Once
	br   *bufio.Reader
}

func (r *blockingReader) ReadFrame() (protocol.Frame, error) {
	r.once.Do(func() {
		r.br = bufio.NewReader(r.conn)
	})
	return protocol.ReadFrame(r.br, r.maxPayload)
}

// lockedWriter is the threaded write gate: a mutex around the connection so
// concurrently completing handlers never interleave frame bytes.
type lockedWriter struct {
	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func (w *lockedWriter) WriteFrame(f protocol.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return protocol.WriteFrame(w.conn, f)
}

func (w *lockedWriter) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// workerPool is the threaded executor: a fixed number of workers draining a
// bounded queue. When every worker is busy and the queue is full, Submit
// blocks — the connection's reader stops pulling frames, and backpressure
// reaches the peer through the socket instead of requests being dropped.
type workerPool struct {
	tasks chan func()
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

func newWorkerPool(workers, queueDepth int) *workerPool {
	p := &workerPool{
		tasks: make(chan func(), queueDepth),
		quit:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case fn := <-p.tasks:
			fn()
		case <-p.quit:
			// Drain what was already queued, then leave.
			for {
				select {
				case fn := <-p.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (p *workerPool) Submit(fn func()) error {
	select {
	case p.tasks <- fn:
		return nil
	case <-p.quit:
		return ErrClosed
	}
}

// Shutdown stops accepting work and waits for running handlers to return.
// Queued-but-unstarted work may be abandoned; teardown is best-effort about
// in-flight requests by design of the protocol (the caller's pending-call
// failure covers them).
func (p *workerPool) Shutdown() {
	p.once.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
}
