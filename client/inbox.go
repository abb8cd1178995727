package client

import (
	"sync"

	"github.com/gammazero/deque"

	"cim/config"
)

// inbox buffers frames between the reader and the callback workers. When it
// is full, push either waits for room or discards the oldest frame,
// depending on the policy.
type inbox struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	q       deque.Deque[Message]
	size    int
	policy  string
	closed  bool
	dropped uint64
}

func newInbox(size int, policy string) *inbox {
	if size <= 0 {
		size = 1
	}
	in := &inbox{size: size, policy: policy}
	in.notEmpty = sync.NewCond(&in.mu)
	in.notFull = sync.NewCond(&in.mu)
	return in
}

// push reports false once the inbox is closed.
func (in *inbox) push(m Message) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	for in.q.Len() >= in.size && in.policy != config.PolicyDropOldest && !in.closed {
		in.notFull.Wait()
	}
	if in.closed {
		return false
	}
	if in.q.Len() >= in.size {
		in.q.PopFront()
		in.dropped++
	}
	in.q.PushBack(m)
	in.notEmpty.Signal()
	return true
}

// pop waits for the next frame. It keeps returning buffered frames after
// close and reports false once the inbox is closed and empty.
func (in *inbox) pop() (Message, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	for in.q.Len() == 0 && !in.closed {
		in.notEmpty.Wait()
	}
	if in.q.Len() == 0 {
		return Message{}, false
	}
	m := in.q.PopFront()
	in.notFull.Signal()
	return m, true
}

func (in *inbox) close() {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
	in.notEmpty.Broadcast()
	in.notFull.Broadcast()
}

func (in *inbox) droppedCount() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.dropped
}
