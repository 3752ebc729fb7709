// Package ioengine wraps a kernel completion-queue (io_uring) ring behind a
// continuation-based API: callers post an operation and a continuation, the
// engine keeps the continuation (and any buffer it references) alive until
// the kernel reports completion, and a small worker pool drains completions
// and runs the continuations inline.
package ioengine

import (
	"context"
	"sync"

	iouring "github.com/iceber/iouring-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var log = logrus.WithField("component", "ioengine")

// Continuation is invoked with the kernel's completion result: a
// non-negative byte count or file descriptor on success, -1 on failure
// (the errno itself is not passed on). Continuations must not block; they
// may submit further operations on the Engine.
type Continuation func(result int)

// Predicate inspects the bytes accumulated so far by ReadUntil and returns
// the length of a match at the start of buf, or -1 if there is no match yet.
type Predicate func(buf []byte) int

// pendingOp keeps a continuation and the buffer the kernel operation
// references alive from submission until completion. The buffer must not
// be reused or garbage collected before the kernel is done with it.
type pendingOp struct {
	cont Continuation
	buf  []byte // retained only so the GC can't reclaim it early
}

// Engine owns one io_uring instance and the table of operations in flight.
type Engine struct {
	ring *iouring.IOURing

	mu      sync.Mutex // protects submission and the pending table
	pending map[uint64]*pendingOp
	results chan iouring.Result

	closeOnce sync.Once
	closed    chan struct{}
}

// RingSize must be a power of two no larger than 4096.
func validRingSize(n int) bool {
	if n < 1 || n > 4096 {
		return false
	}
	return n&(n-1) == 0
}

// New creates an Engine backed by a ring of the given size.
func New(ringSize int) (*Engine, error) {
	if !validRingSize(ringSize) {
		return nil, errors.Errorf("ioengine: ring size %d is not a power of two in [1,4096]", ringSize)
	}
	ring, err := iouring.New(uint(ringSize))
	if err != nil {
		return nil, errors.Wrap(err, "ioengine: ring init failed")
	}
	e := &Engine{
		ring:    ring,
		pending: make(map[uint64]*pendingOp),
		results: make(chan iouring.Result, ringSize),
		closed:  make(chan struct{}),
	}
	return e, nil
}

// Run drives the completion loop with the given number of workers. It
// blocks until ctx is cancelled or Close is called.
func (e *Engine) Run(ctx context.Context, workers int) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-e.closed:
					return nil
				case res, ok := <-e.results:
					if !ok {
						return nil
					}
					e.dispatch(res)
				}
			}
		})
	}
	return g.Wait()
}

// dispatch looks up the pending continuation for a completed request and
// runs it. This is the Go rendering of check_act()/poll_one(): the pending
// entry is removed atomically with the result being claimed.
func (e *Engine) dispatch(res iouring.Result) {
	e.mu.Lock()
	op, ok := e.pending[res.RequestID()]
	if ok {
		delete(e.pending, res.RequestID())
	}
	e.mu.Unlock()
	if !ok {
		log.WithField("request_id", res.RequestID()).Warn("ioengine: completion for unknown request")
		return
	}
	n, err := res.ReturnValue0()
	if err != nil {
		op.cont(-1)
		return
	}
	op.cont(n)
}

// submit posts a prepared request, retaining buf alongside its
// continuation until completion.
func (e *Engine) submit(req iouring.PrepRequest, buf []byte, cont Continuation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.closed:
		return errors.New("ioengine: engine is closed")
	default:
	}
	reqID, err := e.ring.SubmitRequest(req, e.results)
	if err != nil {
		return errors.Wrap(err, "ioengine: submission rejected")
	}
	e.pending[reqID] = &pendingOp{cont: cont, buf: buf}
	return nil
}

// ReadSome issues one read and invokes cont with the byte count transferred
// (or a negative result on error).
func (e *Engine) ReadSome(fd int, buf []byte, offset int64, cont Continuation) error {
	return e.submit(iouring.Read(fd, buf).Offset(uint64(offset)), buf, cont)
}

// WriteSome issues one write and invokes cont with the byte count
// transferred (or a negative result on error).
func (e *Engine) WriteSome(fd int, buf []byte, offset int64, cont Continuation) error {
	return e.submit(iouring.Write(fd, buf).Offset(uint64(offset)), buf, cont)
}

// Read loops ReadSome until len(buf) bytes have been transferred or an
// error occurs. Each step is issued from inside the previous step's
// completion, so the chain is ordered even though the engine gives no
// cross-chain ordering guarantee.
func (e *Engine) Read(fd int, buf []byte, offset int64, cont Continuation) {
	e.readLoop(fd, buf, 0, offset, cont)
}

func (e *Engine) readLoop(fd int, buf []byte, done int, offset int64, cont Continuation) {
	if done >= len(buf) {
		cont(done)
		return
	}
	err := e.ReadSome(fd, buf[done:], offset+int64(done), func(n int) {
		if n < 0 {
			cont(n)
			return
		}
		if n == 0 {
			cont(done) // EOF short of len(buf)
			return
		}
		e.readLoop(fd, buf, done+n, offset, cont)
	})
	if err != nil {
		cont(-1)
	}
}

// Write is the symmetric counterpart of Read.
func (e *Engine) Write(fd int, buf []byte, offset int64, cont Continuation) {
	e.writeLoop(fd, buf, 0, offset, cont)
}

func (e *Engine) writeLoop(fd int, buf []byte, done int, offset int64, cont Continuation) {
	if done >= len(buf) {
		cont(done)
		return
	}
	err := e.WriteSome(fd, buf[done:], offset+int64(done), func(n int) {
		if n < 0 {
			cont(n)
			return
		}
		e.writeLoop(fd, buf, done+n, offset, cont)
	})
	if err != nil {
		cont(-1)
	}
}

// ReadUntil accumulates bytes into buf (growing it up to cap(buf)) until
// pred reports a non-negative match length, the capacity is exhausted, or
// an error occurs. cont receives the match length (or the accumulated
// length if capacity was exhausted, or a negative result on error).
func (e *Engine) ReadUntil(fd int, buf []byte, pred Predicate, offset int64, cont Continuation) {
	if m := pred(buf); m >= 0 {
		cont(m)
		return
	}
	if len(buf) == cap(buf) {
		cont(len(buf))
		return
	}
	grown := buf[:cap(buf)]
	step := grown[len(buf):]
	err := e.ReadSome(fd, step, offset+int64(len(buf)), func(n int) {
		if n < 0 {
			cont(n)
			return
		}
		if n == 0 {
			cont(len(buf)) // peer closed before delimiter arrived
			return
		}
		e.ReadUntil(fd, buf[:len(buf)+n], pred, offset, cont)
	})
	if err != nil {
		cont(-1)
	}
}

// Accept issues an async accept on the listening fd.
func (e *Engine) Accept(fd int, cont Continuation) error {
	return e.submit(iouring.Accept(fd), nil, cont)
}

// Connect issues an async connect. Out-of-scope for this server (it never
// initiates outbound connections) but kept for engine completeness.
func (e *Engine) Connect(fd int, addr []byte, cont Continuation) error {
	return e.submit(iouring.Connect(fd, addr), addr, cont)
}

// Close stops the completion loop and releases the ring. Any continuation
// still pending is dropped without being invoked; callers are expected to
// have already closed every fd they own, which causes the kernel to
// complete (and this engine to ignore) any in-flight op for that fd.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		err = errors.Wrap(e.ring.Close(), "ioengine: ring close failed")
	})
	return err
}
