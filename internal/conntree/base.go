// Package conntree implements the connection tree shared by every node in
// the FTP server: the listening socket, each client's control channel, and
// the data channels it spawns. It provides accept-then-act lifecycle,
// parent/child bookkeeping, and cascading shutdown.
package conntree

import (
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/rebeltheprogrammer/ftp-uring-server/internal/ioengine"
)

var log = logrus.WithField("component", "conntree")

// Node is anything that can be adopted into the tree and driven by the
// engine once accepted or adopted. Concrete types (Server, ControlConn,
// DataConn) embed *Base and implement Act themselves; Base() lets the tree
// manipulate shared lifecycle state without a type switch.
type Node interface {
	// Act runs the component-specific behavior once the node has an
	// accepted or adopted file descriptor.
	Act()
	// Base returns the embedded Base.
	Base() *Base
}

// Base is embedded by every connection node. It owns the socket fd, tracks
// children as an owned slice on the parent, and holds a non-owning pointer
// to the parent that is cleared before a cascading stop recurses into it.
type Base struct {
	Engine *ioengine.Engine

	mu       sync.Mutex
	fd       int
	children []Node
	parent   Node

	stopOnce sync.Once
}

// NewBase wraps an already-owned fd (the listening socket, or an fd adopted
// via EnqueueChild) in a Base.
func NewBase(engine *ioengine.Engine, fd int) *Base {
	return &Base{Engine: engine, fd: fd}
}

// FD returns the current file descriptor, or -1 once stopped.
func (b *Base) FD() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fd
}

func (b *Base) setFD(fd int) {
	b.mu.Lock()
	b.fd = fd
	b.mu.Unlock()
}

// SetParent records which Node owns this Base as its parent. Call it right
// after construction, before the node is reachable from another goroutine.
func (b *Base) SetParent(parent Node) {
	b.mu.Lock()
	b.parent = parent
	b.mu.Unlock()
}

func (b *Base) clearParent() {
	b.mu.Lock()
	b.parent = nil
	b.mu.Unlock()
}

func (b *Base) getParent() Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.parent
}

// Start asynchronously accepts on the owned fd (the listening socket); on
// success the accepted fd replaces it and self.Act() runs. On failure,
// self is stopped. self must be the Node that embeds this Base — Go gives
// no implicit upcast from an embedded struct to the outer interface, so
// every entry point that needs to call back into the concrete type takes
// it explicitly.
func (b *Base) Start(self Node) {
	fd := b.FD()
	if fd < 0 {
		return
	}
	err := b.Engine.Accept(fd, func(res int) {
		if res < 0 {
			b.Stop(self)
			return
		}
		b.setFD(res)
		self.Act()
	})
	if err != nil {
		log.WithError(err).Warn("conntree: accept submission failed")
		b.Stop(self)
	}
}

// Stop tears the node down: children are popped and recursively stopped one
// at a time so that no child-list mutex is held while recursing into
// another node's mutex, the owned fd is closed exactly once, and the
// parent is notified. Stop is idempotent and safe to call with a nil
// parent.
func (b *Base) Stop(self Node) {
	b.stopOnce.Do(func() {
		for {
			b.mu.Lock()
			if len(b.children) == 0 {
				b.mu.Unlock()
				break
			}
			child := b.children[len(b.children)-1]
			b.children = b.children[:len(b.children)-1]
			b.mu.Unlock()

			child.Base().clearParent()
			child.Base().Stop(child)
		}

		b.mu.Lock()
		fd := b.fd
		b.fd = -1
		parent := b.parent
		b.mu.Unlock()

		if fd >= 0 {
			if err := syscall.Close(fd); err != nil {
				log.WithError(err).WithField("fd", fd).Warn("conntree: close failed")
			}
		}
		if parent != nil {
			parent.Base().acceptChildStop(self)
		}
	})
}

// EnqueueChild adopts fd into child, links it under self (the Node owning
// this Base) and starts it by calling child.Act. The child's local address
// is not looked up or stored.
func (b *Base) EnqueueChild(self Node, fd int, child Node) {
	child.Base().setFD(fd)
	child.Base().SetParent(self)

	b.mu.Lock()
	b.children = append(b.children, child)
	b.mu.Unlock()

	child.Act()
}

// EnqueueListener adopts a not-yet-connected listening fd (a PASV data
// listener) into child, links it under self, and starts its own
// accept-then-act cycle rather than calling Act directly — unlike
// EnqueueChild, whose fd is already an established connection.
func (b *Base) EnqueueListener(self Node, listenFD int, child Node) {
	child.Base().SetParent(self)

	b.mu.Lock()
	b.children = append(b.children, child)
	b.mu.Unlock()

	child.Base().setFD(listenFD)
	child.Base().Start(child)
}

// acceptChildStop removes child from the children list under lock.
func (b *Base) acceptChildStop(child Node) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.children {
		if c == child {
			b.children = append(b.children[:i], b.children[i+1:]...)
			return
		}
	}
}

// ChildCount reports the number of live children, chiefly for tests.
func (b *Base) ChildCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.children)
}
