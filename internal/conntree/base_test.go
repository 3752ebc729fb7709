package conntree

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNode is a minimal Node for exercising tree lifecycle without a real
// socket or io_uring ring.
type fakeNode struct {
	base     *Base
	acted    int32
	stopSeen int32
}

func newFakeNode(fd int) *fakeNode {
	n := &fakeNode{}
	n.base = NewBase(nil, fd)
	return n
}

func (n *fakeNode) Act()        { atomic.AddInt32(&n.acted, 1) }
func (n *fakeNode) Base() *Base { return n.base }

func TestStopIsIdempotent(t *testing.T) {
	parent := newFakeNode(-1)
	child := newFakeNode(11)
	parent.base.EnqueueChild(parent, 11, child)
	require.Equal(t, 1, parent.base.ChildCount())

	parent.base.Stop(parent)
	assert.Equal(t, 0, parent.base.ChildCount())
	assert.Equal(t, -1, child.base.FD())

	// Second Stop must be a no-op: no panic, fd stays -1, no double close.
	parent.base.Stop(parent)
	assert.Equal(t, -1, parent.base.FD())
}

func TestCascadingStopClearsParentAndChildren(t *testing.T) {
	root := newFakeNode(-1)
	a := newFakeNode(21)
	b := newFakeNode(22)
	root.base.EnqueueChild(root, 21, a)
	root.base.EnqueueChild(root, 22, b)
	require.Equal(t, 2, root.base.ChildCount())

	root.base.Stop(root)

	assert.Equal(t, 0, root.base.ChildCount())
	assert.Equal(t, -1, a.base.FD())
	assert.Equal(t, -1, b.base.FD())
	assert.Nil(t, a.base.getParent())
	assert.Nil(t, b.base.getParent())
}

func TestAcceptChildStopRemovesOnlyThatChild(t *testing.T) {
	root := newFakeNode(-1)
	a := newFakeNode(31)
	b := newFakeNode(32)
	root.base.EnqueueChild(root, 31, a)
	root.base.EnqueueChild(root, 32, b)

	a.base.Stop(a)

	assert.Equal(t, 1, root.base.ChildCount())
}
