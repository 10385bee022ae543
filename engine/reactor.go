package engine

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"ttrpc/protocol"
)

const variantReactor = "reactor"

// readChunkSize is how much the reactor reader asks for per Read. Reads
// return with whatever is available; the decoder reassembles frames from
// the fragments.
const readChunkSize = 32 << 10

// reactorReader is the cooperative frame source. It never waits for a full
// frame: each Read takes whatever the connection has ready and feeds it to
// the incremental decoder, and the goroutine is parked by the runtime
// netpoller only while there is nothing at all to read. Closing the
// connection wakes it without any peer traffic.
type reactorReader struct {
	conn  net.Conn
	dec   *protocol.Decoder
	chunk []byte
	err   error // sticky read error, surfaced after buffered frames drain
}

func newReactorReader(conn net.Conn, maxPayload uint32) *reactorReader {
	return &reactorReader{
		conn:  conn,
		dec:   protocol.NewDecoder(maxPayload),
		chunk: make([]byte, readChunkSize),
	}
}

func (r *reactorReader) ReadFrame() (protocol.Frame, error) {
	for {
		f, ok, err := r.dec.Next()
		if err != nil {
			return protocol.Frame{}, err
		}
		if ok {
			return f, nil
		}
		// Frames already received ahead of a connection failure are
		// delivered before the failure is.
		if r.err != nil {
			return protocol.Frame{}, r.err
		}

		n, err := r.conn.Read(r.chunk)
		if n > 0 {
			r.dec.Feed(r.chunk[:n])
		}
		if err != nil {
			r.err = err
		}
	}
}

// queueWriter is the reactor write gate: concurrent producers enqueue
// fully-encoded frames, exactly one goroutine drains the queue onto the
// connection. Per-enqueue ordering is the channel's FIFO ordering; frame
// bytes cannot interleave because only the drain goroutine ever writes.
type queueWriter struct {
	conn net.Conn
	log  logrus.FieldLogger

	ops  chan writeOp
	quit chan struct{}
	done chan struct{}
	once sync.Once

	errMu sync.Mutex
	err   error
}

// writeOp is one queue entry: a frame to write, or (when flushed is
// non-nil) a marker that is acknowledged once every earlier frame reached
// the connection.
type writeOp struct {
	frame   protocol.Frame
	flushed chan struct{}
}

func newQueueWriter(conn net.Conn, depth int, log logrus.FieldLogger) *queueWriter {
	w := &queueWriter{
		conn: conn,
		log:  log,
		ops:  make(chan writeOp, depth),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.drain()
	return w
}

func (w *queueWriter) drain() {
	defer close(w.done)
	for {
		select {
		case op := <-w.ops:
			if op.flushed != nil {
				close(op.flushed)
				continue
			}
			if err := protocol.WriteFrame(w.conn, op.frame); err != nil {
				w.errMu.Lock()
				w.err = err
				w.errMu.Unlock()
				w.log.WithError(err).Debug("writer stopping on transport failure")
				// Stop accepting so producers fail fast instead of
				// filling a queue nobody drains. The reader notices
				// the dead transport and tears the engine down.
				w.once.Do(func() { close(w.quit) })
				return
			}
		case <-w.quit:
			return
		}
	}
}

func (w *queueWriter) enqueue(op writeOp) error {
	select {
	case w.ops <- op:
		return nil
	case <-w.quit:
		w.errMu.Lock()
		defer w.errMu.Unlock()
		if w.err != nil {
			return w.err
		}
		return ErrClosed
	}
}

func (w *queueWriter) WriteFrame(f protocol.Frame) error {
	return w.enqueue(writeOp{frame: f})
}

// Flush blocks until every frame enqueued before it has been written (or
// the writer died). Used by graceful teardown so the last responses are on
// the wire before the socket closes.
func (w *queueWriter) Flush() {
	op := writeOp{flushed: make(chan struct{})}
	if err := w.enqueue(op); err != nil {
		return
	}
	select {
	case <-op.flushed:
	case <-w.done:
	}
}

// Close stops the drain goroutine and waits for it to exit. Frames still
// queued are dropped; Close only runs during teardown, when the transport
// is already gone.
func (w *queueWriter) Close() {
	w.once.Do(func() { close(w.quit) })
	<-w.done
}

// spawnExecutor is the reactor executor: one goroutine per request,
// tracked so teardown can reap them. The cooperative scheduler (the Go
// runtime) multiplexes them with the reader loop.
type spawnExecutor struct {
	quit chan struct{}
	wg   sync.WaitGroup
	mu   sync.Mutex
	once sync.Once
}

func newSpawnExecutor() *spawnExecutor {
	return &spawnExecutor{quit: make(chan struct{})}
}

func (s *spawnExecutor) Submit(fn func()) error {
	// The lock makes quit-check plus wg.Add atomic against Shutdown's
	// wg.Wait, so no goroutine starts after the reap began.
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.quit:
		return ErrClosed
	default:
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return nil
}

func (s *spawnExecutor) Shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		close(s.quit)
		s.mu.Unlock()
	})
	s.wg.Wait()
}
