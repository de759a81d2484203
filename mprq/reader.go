package mprq

import (
	"errors"
	"fmt"
)

var ErrInvalidRange = errors.New("min must not exceed max and max must be positive")

// CompletionQueue yields the completions of a multi-packet receive queue.
type CompletionQueue interface {
	// Poll returns the next completion, false if the queue is empty.
	Poll() (Completion, bool)
}

// WorkQueue is the receive queue the cyclic buffer is posted to.
type WorkQueue interface {
	// Addr returns the address of work request wq in the cyclic buffer.
	Addr(wq uint32) uint64
	// Repost hands work request wq back to the NIC.
	Repost(wq uint32) error
}

// Batch is a run of consecutive packets of one work request.
type Batch struct {
	Addr    uint64
	Length  int
	Packets int
	// Timestamp is the raw hardware timestamp of the first packet.
	Timestamp uint64
}

type loopResult int

const (
	loopEmpty loopResult = iota
	loopDone
	loopStop
)

// Reader reads a cyclic buffer in batches.
//
// WARNING: Reader is not safe for concurrent use.
type Reader struct {
	cq     CompletionQueue
	wq     WorkQueue
	layout Layout

	currWQ  uint32
	strides uint32
	curr    Batch
	open    bool
	pending error

	badPackets uint64
}

func NewReader(cq CompletionQueue, wq WorkQueue, l Layout) *Reader {
	return &Reader{cq: cq, wq: wq, layout: l}
}

// Read returns a batch of at least min and at most max packets if
// available. Fewer than min packets are returned only when the work
// request is exhausted or a bad packet ends the run. A batch still short
// of min packets when the queue runs empty is kept and continued by the
// next Read, which then returns ok false.
//
// Errors of completions polled while extending a batch are returned by
// the following Read.
func (r *Reader) Read(min, max int) (b Batch, ok bool, err error) {
	if min > max || max <= 0 {
		return Batch{}, false, ErrInvalidRange
	}
	if err := r.pending; err != nil {
		r.pending = nil
		return Batch{}, false, err
	}

	p, ts, polled, err := r.poll()
	if err != nil || !polled {
		return Batch{}, false, err
	}

	if p.Flags&FlagBadPacket == 0 {
		if r.open {
			r.curr.Packets++
			r.curr.Length += int(p.Size)
		} else {
			r.curr = Batch{
				Addr:      r.wq.Addr(r.currWQ) + uint64(p.Offset),
				Length:    int(p.Size),
				Packets:   1,
				Timestamp: ts,
			}
			r.open = true
		}
		if r.exhausted() {
			r.reload()
		} else {
			switch r.loop(min) {
			case loopDone:
				r.loop(max)
			case loopEmpty:
				return Batch{}, false, nil
			}
		}
	} else if r.exhausted() {
		r.reload()
	}

	if !r.open {
		return Batch{}, false, nil
	}
	b, r.curr, r.open = r.curr, Batch{}, false
	return b, true, nil
}

// loop extends the open batch up to limit packets.
func (r *Reader) loop(limit int) loopResult {
	for r.curr.Packets < limit {
		p, _, ok, err := r.poll()
		switch {
		case err != nil:
			r.pending = err
			return loopStop
		case !ok:
			return loopEmpty
		case p.Flags&FlagBadPacket != 0:
			if r.exhausted() {
				r.reload()
			}
			return loopStop
		}
		r.curr.Length += int(p.Size)
		r.curr.Packets++
		if r.exhausted() {
			r.reload()
			return loopStop
		}
	}
	return loopDone
}

func (r *Reader) poll() (p Packet, timestamp uint64, ok bool, err error) {
	c, ok := r.cq.Poll()
	if !ok {
		return Packet{}, 0, false, nil
	}
	if p, err = Decode(c, r.layout.StrideSize()); err != nil {
		return p, 0, false, err
	}
	r.strides += p.Strides
	if p.Flags&FlagBadPacket != 0 {
		r.badPackets++
	}
	return p, c.Timestamp, true, nil
}

func (r *Reader) exhausted() bool { return r.strides >= r.layout.StridesPerWQ() }

// reload reposts the current work request and moves to the next one.
func (r *Reader) reload() {
	wq := r.currWQ
	r.currWQ = (r.currWQ + 1) % r.layout.WorkQueues
	r.strides = 0
	if err := r.wq.Repost(wq); err != nil && r.pending == nil {
		r.pending = fmt.Errorf("reposting work request %d: %w", wq, err)
	}
}

// Drain consumes every pending completion, reposting exhausted work
// requests, and drops the open batch. It returns the number of
// completions consumed.
func (r *Reader) Drain() (n int) {
	for {
		_, _, ok, err := r.poll()
		if err == nil && !ok {
			break
		}
		n++
		if r.exhausted() {
			r.reload()
		}
	}
	r.curr, r.open, r.pending = Batch{}, false, nil
	return n
}

// BadPackets returns the number of fillers and packets failing a
// checksum seen so far.
func (r *Reader) BadPackets() uint64 { return r.badPackets }

// WorkRequest returns the index of the work request being read.
func (r *Reader) WorkRequest() uint32 { return r.currWQ }
