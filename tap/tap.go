// Package tap implements the software ingress path of a bond group:
// a TAP device polled ahead of the member rings, receiving traffic the
// hardware queues don't get, e.g. TCP flows steered to the kernel.
package tap

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/romshark/afxdp-bond-go/bond"
	"github.com/romshark/afxdp-bond-go/bufpool"
	"github.com/romshark/afxdp-bond-go/flow"
)

var ErrClosed = errors.New("tap device closed")

// errNoData is returned by a readFn when no frame is pending.
var errNoData = errors.New("no data")

type readFn func(buf []byte) (int, error)

// Device is a TAP device. It implements bond.VirtualIngress and
// bond.FlowSteerer. Descriptors it delivers are owned by the Device and
// go back to the pool once returned.
type Device struct {
	name  string
	fd    int
	read  readFn
	close func() error
	pool  *bufpool.Pool
	log   *slog.Logger

	flows flow.Table

	steerLock sync.RWMutex
	steered   map[flow.Tuple]struct{}

	// spare is a descriptor kept across polls that found no data.
	// Only touched by PollRx which the group serializes.
	spare *bufpool.Desc

	closed    atomic.Bool
	rxPackets atomic.Uint64
	rxBytes   atomic.Uint64
	rxDropped atomic.Uint64
	rxErrors  atomic.Uint64
}

var (
	_ bond.VirtualIngress = (*Device)(nil)
	_ bond.FlowSteerer    = (*Device)(nil)
	_ bufpool.Owner       = (*Device)(nil)
)

func newDevice(name string, fd int, read readFn, closeFn func() error,
	pool *bufpool.Pool, log *slog.Logger,
) *Device {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Device{
		name:    name,
		fd:      fd,
		read:    read,
		close:   closeFn,
		pool:    pool,
		log:     log.With("component", "tap", "tap", name),
		steered: make(map[flow.Tuple]struct{}),
	}
}

// Name returns the kernel name of the device.
func (d *Device) Name() string { return d.name }

// FD returns the device file descriptor, readable when frames are pending.
func (d *Device) FD() int { return d.fd }

// AttachFlow registers sink for frames of t read from the device.
func (d *Device) AttachFlow(t flow.Tuple, sink flow.Sink) { d.flows.Attach(t, sink) }

// DetachFlow removes sink for t.
func (d *Device) DetachFlow(t flow.Tuple, sink flow.Sink) bool {
	return d.flows.Detach(t, sink)
}

// Ready reports whether the device accepts steering rules.
func (d *Device) Ready() bool { return !d.closed.Load() }

// AddFlow accepts TCP frames of t on the device.
func (d *Device) AddFlow(t flow.Tuple) error {
	if d.closed.Load() {
		return ErrClosed
	}
	d.steerLock.Lock()
	defer d.steerLock.Unlock()
	d.steered[t] = struct{}{}
	d.log.Debug("flow steered", "flow", t)
	return nil
}

// DelFlow stops accepting TCP frames of t.
func (d *Device) DelFlow(t flow.Tuple) error {
	d.steerLock.Lock()
	defer d.steerLock.Unlock()
	delete(d.steered, t)
	return nil
}

func (d *Device) isSteered(t flow.Tuple) bool {
	d.steerLock.RLock()
	defer d.steerLock.RUnlock()
	if _, ok := d.steered[t]; ok {
		return true
	}
	_, ok := d.steered[t.Dst()]
	return ok
}

// PollRx reads at most one frame and delivers it to the first sink
// accepting it. UDP frames are delivered by flow, TCP frames only when
// their flow is steered. Returns the number of bytes delivered.
func (d *Device) PollRx(ready *flow.Ready) int {
	if d.closed.Load() {
		return 0
	}
	desc := d.spare
	if desc == nil {
		q := d.pool.Get(d, 1)
		if desc = q.PopFront(); desc == nil {
			return 0
		}
	}
	d.spare = nil

	n, err := d.read(desc.Buf)
	if err != nil || n <= 0 {
		d.spare = desc
		if err != nil && !errors.Is(err, errNoData) {
			d.rxErrors.Add(1)
			d.log.Debug("reading frame failed", "err", err)
		}
		return 0
	}
	desc.Len = uint32(n)
	d.rxPackets.Add(1)
	d.rxBytes.Add(uint64(n))

	if !d.deliver(desc, ready) {
		d.rxDropped.Add(1)
		desc.Reset()
		d.spare = desc
		return 0
	}
	return n
}

func (d *Device) deliver(desc *bufpool.Desc, ready *flow.Ready) bool {
	t, ok := flow.FromFrame(desc.Payload())
	if !ok {
		return false
	}
	if t.IsTCP() && !d.isSteered(t) {
		return false
	}
	for _, s := range d.flows.Lookup(t) {
		if s.Deliver(desc) {
			ready.Add(s)
			return true
		}
	}
	return false
}

// ReturnRx gives a delivered descriptor back to the pool.
func (d *Device) ReturnRx(desc *bufpool.Desc) {
	desc.Next = nil
	d.pool.ReturnChain(desc)
}

// ReturnTx gives a descriptor back to the pool. The device never transmits.
func (d *Device) ReturnTx(desc *bufpool.Desc) { d.ReturnRx(desc) }

// Stats is a snapshot of the device counters.
type Stats struct {
	RxPackets uint64
	RxBytes   uint64
	// RxDropped counts frames no sink took.
	RxDropped uint64
	RxErrors  uint64
}

func (d *Device) Stats() Stats {
	return Stats{
		RxPackets: d.rxPackets.Load(),
		RxBytes:   d.rxBytes.Load(),
		RxDropped: d.rxDropped.Load(),
		RxErrors:  d.rxErrors.Load(),
	}
}

// Close releases the device. Closing twice is a no-op.
// Close must not run concurrently with PollRx.
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	if d.spare != nil {
		d.ReturnRx(d.spare)
		d.spare = nil
	}
	if d.close == nil {
		return nil
	}
	return d.close()
}
