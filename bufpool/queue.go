package bufpool

import "github.com/eapache/queue"

// Queue is a FIFO of independent descriptors.
// Not safe for concurrent use.
type Queue struct {
	q *queue.Queue
}

// NewQueue returns an empty queue optionally pre-filled with ds.
func NewQueue(ds ...*Desc) *Queue {
	q := &Queue{q: queue.New()}
	for _, d := range ds {
		q.PushBack(d)
	}
	return q
}

func (q *Queue) lazyInit() {
	if q.q == nil {
		q.q = queue.New()
	}
}

// PushBack appends d to the end of the queue.
func (q *Queue) PushBack(d *Desc) {
	q.lazyInit()
	q.q.Add(d)
}

// PopFront removes and returns the first descriptor.
// Returns nil if the queue is empty.
func (q *Queue) PopFront() *Desc {
	if q.Len() == 0 {
		return nil
	}
	d := q.q.Peek().(*Desc)
	q.q.Remove()
	return d
}

// Len returns the number of queued descriptors.
func (q *Queue) Len() int {
	if q.q == nil {
		return 0
	}
	return q.q.Length()
}

// Empty reports whether the queue holds no descriptors.
func (q *Queue) Empty() bool { return q.Len() == 0 }

// Drain pops every descriptor and calls fn for it in FIFO order.
func (q *Queue) Drain(fn func(*Desc)) {
	for d := q.PopFront(); d != nil; d = q.PopFront() {
		fn(d)
	}
}
