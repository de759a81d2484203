package bufpool

import "sync"

// DefaultBufSize is the frame size of descriptors allocated by the pool.
const DefaultBufSize = 2048

// Pool is the global descriptor reservoir. Descriptors whose owner is gone
// end up here. Pool is safe for concurrent use.
type Pool struct {
	lock    sync.Mutex
	bufSize int
	free    []*Desc

	returned uint64
}

// NewPool creates a pool pre-allocating n descriptors of bufSize bytes.
// bufSize <= 0 selects DefaultBufSize.
func NewPool(n, bufSize int) *Pool {
	if bufSize <= 0 {
		bufSize = DefaultBufSize
	}
	p := &Pool{bufSize: bufSize, free: make([]*Desc, 0, n)}
	for range n {
		p.free = append(p.free, &Desc{Buf: make([]byte, bufSize)})
	}
	return p
}

// Get takes up to n descriptors out of the pool and assigns them to owner.
// The returned queue may be shorter than n if the pool runs dry.
func (p *Pool) Get(owner Owner, n int) *Queue {
	p.lock.Lock()
	defer p.lock.Unlock()

	q := NewQueue()
	for ; n > 0 && len(p.free) > 0; n-- {
		d := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		d.Owner = owner
		q.PushBack(d)
	}
	return q
}

// ReturnBatch takes every descriptor off q back into the pool.
func (p *Pool) ReturnBatch(q *Queue) {
	p.lock.Lock()
	defer p.lock.Unlock()
	q.Drain(p.put)
}

// ReturnChain puts every descriptor of the chain back into the pool
// and returns how many were taken.
func (p *Pool) ReturnChain(head *Desc) int {
	p.lock.Lock()
	defer p.lock.Unlock()

	n := 0
	for head != nil {
		next := head.Next
		p.put(head)
		head = next
		n++
	}
	return n
}

func (p *Pool) put(d *Desc) {
	d.Reset()
	d.Owner = nil
	p.free = append(p.free, d)
	p.returned++
}

// Free returns the number of descriptors currently held by the pool.
func (p *Pool) Free() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.free)
}

// Returned returns the number of descriptors given back since creation.
func (p *Pool) Returned() uint64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.returned
}
