package afxdp

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/romshark/afxdp-bond-go/bond"
	"github.com/romshark/afxdp-bond-go/bufpool"
	"github.com/romshark/afxdp-bond-go/flow"
	"github.com/romshark/afxdp-bond-go/ratelimit"
)

var (
	ErrModerationCount = errors.New("moderation count exceeds batch size")
	ErrTxRingStuck     = errors.New("tx ring full and nothing completing")
	ErrNotEthernet     = errors.New("AF_XDP members support Ethernet groups only")
)

// Rings is the ring level view of an AF_XDP socket driven by a Member.
// Socket implements it. Implementations need not be safe for concurrent
// use, the Member serializes RX side (Receive, Fill) and TX side
// (Transmit, FlushTx, Complete) calls separately.
type Rings interface {
	FD() int
	FrameSize() uint32
	NumFrames() uint32
	// FillSize is the number of fill ring entries.
	FillSize() uint32
	// Frame returns the FrameSize bytes of UMEM at addr.
	Frame(addr uint64) []byte

	// Receive consumes up to len(dst) RX descriptors.
	Receive(dst []RxDesc) int
	RxPending() bool
	// Fill posts addresses to the fill ring and returns how many fit.
	Fill(addrs []uint64) int

	// Transmit posts TX descriptors and returns how many fit.
	Transmit(addrs []uint64, lens []uint32) int
	FlushTx() error
	// Complete reclaims completed TX addresses.
	Complete(dst []uint64) int
}

// Registrar directs a queue's frames to a socket. Interface implements it.
type Registrar interface {
	Register(queue uint32, fd int) error
	Unregister(queue uint32) error
}

// Member is one AF_XDP queue acting as a bond member ring. Every UMEM
// frame is wrapped in a bufpool.Desc owned by the member. The first
// FillSize frames receive, the rest transmit.
type Member struct {
	log   *slog.Logger
	name  string
	queue uint32
	vlan  uint16
	conf  MemberConfig

	rings Rings
	reg   Registrar
	link  func() bool

	descs     []bufpool.Desc
	frameSize uint64

	up    atomic.Bool
	flows flow.Table

	rxLock  sync.Mutex
	rxBuf   []RxDesc
	spare   []uint64
	armedRx bool

	txLock   sync.Mutex
	txFree   []*bufpool.Desc
	inflight int
	txAddr   [1]uint64
	txLen    [1]uint32
	comp     []uint64
	throttle *ratelimit.Throttle
	limit    ratelimit.Limit

	modLock    sync.Mutex
	moderation bond.Moderation
	adaptedAt  time.Time
	adaptedRx  uint64

	stats counters
}

var _ bond.MemberRing = (*Member)(nil)

// NewMember wraps rings. reg may be nil for sockets the XDP program
// doesn't need to know about. link reports the carrier state, nil
// meaning always up. The member starts inactive.
func NewMember(
	p bond.MemberParams, queue uint32, rings Rings, reg Registrar,
	link func() bool, conf MemberConfig,
) (*Member, error) {
	if p.Kind != bond.KindEthernet {
		return nil, fmt.Errorf("%w: got %s", ErrNotEthernet, p.Kind)
	}
	if err := conf.ValidateAndSetDefaults(rings.FillSize()); err != nil {
		return nil, err
	}
	if rings.NumFrames() <= rings.FillSize() {
		return nil, ErrNumFramesTooSmall
	}
	log := conf.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	m := &Member{
		log:        log.With("member", p.Name, "queue", queue),
		name:       p.Name,
		queue:      queue,
		vlan:       p.Tag,
		conf:       conf,
		rings:      rings,
		reg:        reg,
		link:       link,
		descs:      make([]bufpool.Desc, rings.NumFrames()),
		frameSize:  uint64(rings.FrameSize()),
		rxBuf:      make([]RxDesc, conf.BatchSize),
		comp:       make([]uint64, conf.BatchSize),
		moderation: conf.Moderation,
		adaptedAt:  time.Now(),
		limit:      conf.RateLimit,
		throttle:   ratelimit.FromLimit(conf.RateLimit),
	}

	fill := rings.FillSize()
	for i := range m.descs {
		addr := uint64(i) * m.frameSize
		m.descs[i] = bufpool.Desc{Owner: m, Addr: addr, Buf: rings.Frame(addr)}
		if uint32(i) < fill {
			m.spare = append(m.spare, addr)
		} else {
			m.txFree = append(m.txFree, &m.descs[i])
		}
	}
	m.refill(nil)
	return m, nil
}

// Name returns the member name.
func (m *Member) Name() string { return m.name }

// VLAN returns the VLAN ID of the group, 0 for untagged.
func (m *Member) VLAN() uint16 { return m.vlan }

func (m *Member) desc(addr uint64) *bufpool.Desc {
	return &m.descs[addr/m.frameSize]
}

func (m *Member) mustOwn(d *bufpool.Desc) {
	if d.Owner != bufpool.Owner(m) {
		panic(fmt.Sprintf("afxdp: descriptor %p handed to %s is not owned by it", d, m.name))
	}
}

/*---- Flows ----*/

func (m *Member) AttachFlow(t flow.Tuple, sink flow.Sink) bool {
	m.flows.Attach(t, sink)
	return true
}

func (m *Member) DetachFlow(t flow.Tuple, sink flow.Sink) bool {
	return m.flows.Detach(t, sink)
}

/*---- RX ----*/

// PollRx receives up to the moderation count of frames and offers each
// to the sinks attached to its flow. The first sink accepting a frame
// owns it until it is reclaimed. Frames nobody takes are refilled right
// away. sn is advanced by the number of frames processed.
func (m *Member) PollRx(sn *uint64, ready *flow.Ready) (int, error) {
	if !m.up.Load() {
		return 0, nil
	}
	m.rxLock.Lock()
	defer m.rxLock.Unlock()

	n := m.rings.Receive(m.rxBuf[:m.rxBudget()])
	for _, rd := range m.rxBuf[:n] {
		d := m.desc(rd.Addr)
		d.Len, d.Next = rd.Len, nil
		m.stats.rxPackets.Add(1)
		m.stats.rxBytes.Add(uint64(rd.Len))
		if !m.deliver(d, ready) {
			m.spare = append(m.spare, rd.Addr)
		}
	}
	if n > 0 {
		m.refill(nil)
	}
	if sn != nil {
		*sn += uint64(n)
	}
	return n, nil
}

func (m *Member) deliver(d *bufpool.Desc, ready *flow.Ready) bool {
	t, ok := flow.FromFrame(d.Payload())
	if !ok {
		m.stats.rxUnclassified.Add(1)
		return false
	}
	for _, s := range m.flows.Lookup(t) {
		if s.Deliver(d) {
			ready.Add(s)
			return true
		}
	}
	m.stats.rxNoSink.Add(1)
	return false
}

// Drain consumes everything pending on the RX ring without delivering.
func (m *Member) Drain() (int, error) {
	m.rxLock.Lock()
	defer m.rxLock.Unlock()

	total := 0
	for {
		n := m.rings.Receive(m.rxBuf)
		if n == 0 {
			break
		}
		for _, rd := range m.rxBuf[:n] {
			m.spare = append(m.spare, rd.Addr)
		}
		m.refill(nil)
		total += n
	}
	m.stats.rxDrained.Add(uint64(total))
	return total, nil
}

// WaitAndProcess consumes an armed RX notification and polls.
func (m *Member) WaitAndProcess(sn *uint64, ready *flow.Ready) (int, error) {
	m.rxLock.Lock()
	if m.armedRx {
		m.armedRx = false
		m.stats.rxNotifications.Add(1)
	}
	m.rxLock.Unlock()
	return m.PollRx(sn, ready)
}

// ArmNotification returns 1 without arming if work is already pending:
// received frames for QueueRx, completions reclaimed for QueueTx.
// AF_XDP signals through the socket fd, arming only records interest.
func (m *Member) ArmNotification(class bond.QueueClass, sn uint64) (int, error) {
	if class == bond.QueueTx {
		m.txLock.Lock()
		defer m.txLock.Unlock()
		if m.reclaimLocked() > 0 {
			return 1, nil
		}
		return 0, nil
	}
	m.rxLock.Lock()
	defer m.rxLock.Unlock()
	if m.rings.RxPending() {
		return 1, nil
	}
	m.armedRx = true
	return 0, nil
}

func (m *Member) RxChannelFD() int { return m.rings.FD() }

// refill posts spare frames and addrs to the fill ring. Frames that
// don't fit stay spare. Expects the RX lock to be held.
func (m *Member) refill(addrs []uint64) {
	m.spare = append(m.spare, addrs...)
	if len(m.spare) == 0 {
		return
	}
	n := m.rings.Fill(m.spare)
	m.spare = m.spare[:copy(m.spare, m.spare[n:])]
}

// ReclaimRxBuffers puts the received frames of q back on the fill ring.
func (m *Member) ReclaimRxBuffers(q *bufpool.Queue) bool {
	m.rxLock.Lock()
	defer m.rxLock.Unlock()
	q.Drain(func(d *bufpool.Desc) {
		m.mustOwn(d)
		d.Next, d.Len = nil, 0
		m.spare = append(m.spare, d.Addr)
	})
	m.refill(nil)
	return true
}

// ReturnRx implements bufpool.Owner.
func (m *Member) ReturnRx(d *bufpool.Desc) {
	m.mustOwn(d)
	m.rxLock.Lock()
	defer m.rxLock.Unlock()
	d.Next, d.Len = nil, 0
	m.refill([]uint64{d.Addr})
}

/*---- TX ----*/

// TxBuffer hands out a chain of n free transmit frames. With block set
// it keeps reclaiming completions while frames are in flight.
func (m *Member) TxBuffer(slot bond.SlotID, block bool, n int) *bufpool.Desc {
	m.txLock.Lock()
	defer m.txLock.Unlock()

	for len(m.txFree) < n {
		if m.reclaimLocked() > 0 {
			continue
		}
		if !block || m.inflight == 0 {
			return nil
		}
		_ = m.rings.FlushTx()
		m.txLock.Unlock()
		runtime.Gosched()
		m.txLock.Lock()
	}

	free := m.txFree[len(m.txFree)-n:]
	m.txFree = m.txFree[:len(m.txFree)-n]
	for i, d := range free {
		d.Len = 0
		d.Next = nil
		if i > 0 {
			free[i-1].Next = d
		}
	}
	if n == 0 {
		return nil
	}
	return free[0]
}

// reclaimLocked moves completed frames to the free list.
// Expects the TX lock to be held.
func (m *Member) reclaimLocked() int {
	n := m.rings.Complete(m.comp)
	for _, addr := range m.comp[:n] {
		m.txFree = append(m.txFree, m.desc(addr))
	}
	m.inflight -= n
	return n
}

// ReleaseTxBuffers returns an unsent chain to the free list. The TX lock
// is never held while calling out of the member, so trylock needs no
// special handling.
func (m *Member) ReleaseTxBuffers(head *bufpool.Desc, accounting, trylock bool) int {
	m.txLock.Lock()
	defer m.txLock.Unlock()
	n := 0
	for d := head; d != nil; {
		m.mustOwn(d)
		next := d.Next
		d.Next, d.Len = nil, 0
		m.txFree = append(m.txFree, d)
		d = next
		n++
	}
	if accounting {
		m.stats.txReleased.Add(uint64(n))
	}
	return n
}

// ReturnTx implements bufpool.Owner.
func (m *Member) ReturnTx(d *bufpool.Desc) {
	d.Next = nil
	m.ReleaseTxBuffers(d, false, false)
}

// Send posts d on the TX ring and rings the doorbell. It blocks while
// the rate limit is exceeded or the ring is full.
func (m *Member) Send(slot bond.SlotID, d *bufpool.Desc, attr bond.SendAttr) {
	m.mustOwn(d)
	if attr&bond.TxL3Csum != 0 {
		setIPv4Checksum(d.Payload())
	}

	m.txLock.Lock()
	defer m.txLock.Unlock()
	m.throttle.ThrottleN(1)

	m.txAddr[0], m.txLen[0] = d.Addr, d.Len
	for m.rings.Transmit(m.txAddr[:], m.txLen[:]) == 0 {
		// Ring full: reclaim and wake up the NIC.
		if m.reclaimLocked() > 0 {
			continue
		}
		if err := m.rings.FlushTx(); err != nil || m.inflight == 0 {
			m.dropLocked(d, errors.Join(ErrTxRingStuck, err))
			return
		}
	}
	m.inflight++
	m.stats.txPackets.Add(1)
	m.stats.txBytes.Add(uint64(d.Len))
	if err := m.rings.FlushTx(); err != nil {
		m.log.Warn("tx doorbell failed", "err", err)
		m.stats.txErrors.Add(1)
	}
}

func (m *Member) dropLocked(d *bufpool.Desc, err error) {
	m.log.Warn("dropping tx frame", "err", err)
	m.stats.txErrors.Add(1)
	d.Next, d.Len = nil, 0
	m.txFree = append(m.txFree, d)
}

// DummySendSupported is always false, AF_XDP has no dummy descriptors.
func (m *Member) DummySendSupported(bond.SlotID, *bufpool.Desc) bool { return false }

func (m *Member) IncTxRetransmissions(bond.SlotID) { m.stats.txRetransmissions.Add(1) }

// MaxInline is 0, AF_XDP always transmits from UMEM.
func (m *Member) MaxInline() int { return 0 }

/*---- State ----*/

// IsUp reports whether the member is started and its link is up.
func (m *Member) IsUp() bool {
	return m.up.Load() && (m.link == nil || m.link())
}

// StartActive registers the socket so the XDP program redirects the
// queue's frames to it.
func (m *Member) StartActive() error {
	if m.reg != nil {
		if err := m.reg.Register(m.queue, m.rings.FD()); err != nil {
			return err
		}
	}
	m.up.Store(true)
	m.log.Debug("started")
	return nil
}

// StopActive unregisters the socket, frames of the queue pass to the
// kernel stack afterwards.
func (m *Member) StopActive() error {
	m.up.Store(false)
	if m.reg != nil {
		if err := m.reg.Unregister(m.queue); err != nil {
			return err
		}
	}
	m.log.Debug("stopped")
	return nil
}

/*---- Moderation ----*/

func (m *Member) Moderation() bond.Moderation {
	m.modLock.Lock()
	defer m.modLock.Unlock()
	return m.moderation
}

// SetModeration sets the RX batch (Count) and the wait budget (PeriodUsec).
// A zero Count selects the batch size.
func (m *Member) SetModeration(md bond.Moderation) error {
	if md.Count > m.conf.BatchSize {
		return fmt.Errorf("%w: %d > %d", ErrModerationCount, md.Count, m.conf.BatchSize)
	}
	if md.Count == 0 {
		md.Count = m.conf.BatchSize
	}
	m.modLock.Lock()
	defer m.modLock.Unlock()
	m.moderation = md
	return nil
}

// AdaptModeration sets Count to the number of frames expected per wait
// period at the packet rate observed since the last call.
func (m *Member) AdaptModeration() {
	if !m.conf.AdaptiveModeration {
		return
	}
	m.modLock.Lock()
	defer m.modLock.Unlock()
	now := time.Now()
	rx := m.stats.rxPackets.Load()
	m.moderation.Count = adaptCount(rx-m.adaptedRx, now.Sub(m.adaptedAt),
		m.moderation.PeriodUsec, m.conf.BatchSize)
	m.adaptedAt, m.adaptedRx = now, rx
}

func adaptCount(packets uint64, elapsed time.Duration, periodUsec, maxCount uint32) uint32 {
	if elapsed <= 0 {
		return maxCount
	}
	perPeriod := packets * uint64(periodUsec) * uint64(time.Microsecond) / uint64(elapsed)
	return uint32(min(max(perPeriod, 1), uint64(maxCount)))
}

func (m *Member) rxBudget() uint32 {
	m.modLock.Lock()
	defer m.modLock.Unlock()
	return m.moderation.Count
}

// WaitTimeout returns the wait budget of the current moderation.
func (m *Member) WaitTimeout() time.Duration {
	return time.Duration(m.Moderation().PeriodUsec) * time.Microsecond
}

/*---- Rate limiting ----*/

// ModifyRateLimit replaces the transmit throttle.
func (m *Member) ModifyRateLimit(l ratelimit.Limit) error {
	if err := l.Validate(); err != nil {
		return err
	}
	m.txLock.Lock()
	defer m.txLock.Unlock()
	m.limit = l
	m.throttle = ratelimit.FromLimit(l)
	return nil
}

// IsRateLimitSupported is always true, throttling happens in software.
func (m *Member) IsRateLimitSupported(ratelimit.Limit) bool { return true }

// RateLimit returns the current transmit limit.
func (m *Member) RateLimit() ratelimit.Limit {
	m.txLock.Lock()
	defer m.txLock.Unlock()
	return m.limit
}

/*---- Helpers ----*/

// setIPv4Checksum recomputes the header checksum of an untagged or
// single VLAN tagged IPv4 frame. Other frames are left untouched.
func setIPv4Checksum(frame []byte) {
	off := 14
	if len(frame) >= 18 && frame[12] == 0x81 && frame[13] == 0x00 {
		off = 18
	}
	if len(frame) < off+20 || frame[off-2] != 0x08 || frame[off-1] != 0x00 {
		return
	}
	ihl := int(frame[off]&0x0f) * 4
	if ihl < 20 || len(frame) < off+ihl {
		return
	}
	hdr := frame[off : off+ihl]
	hdr[10], hdr[11] = 0, 0
	var sum uint32
	for i := 0; i < ihl; i += 2 {
		sum += uint32(hdr[i])<<8 | uint32(hdr[i+1])
	}
	for sum > 0xffff {
		sum = sum&0xffff + sum>>16
	}
	cs := ^uint16(sum)
	hdr[10], hdr[11] = byte(cs>>8), byte(cs)
}

// parseOperState interprets /sys/class/net/<iface>/operstate. Virtual
// devices without carrier reporting say "unknown" and count as up.
func parseOperState(s string) bool {
	switch strings.TrimSpace(s) {
	case "up", "unknown":
		return true
	}
	return false
}
