package afxdp

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/afxdp-bond-go/bond"
	"github.com/romshark/afxdp-bond-go/bufpool"
	"github.com/romshark/afxdp-bond-go/flow"
	"github.com/romshark/afxdp-bond-go/ratelimit"
)

// memRings plays the kernel side of an AF_XDP socket in memory.
type memRings struct {
	fd        int
	frameSize uint32
	umem      []byte
	fillCap   int
	txCap     int

	rx     []RxDesc
	fill   []uint64
	tx     []RxDesc
	cq     []uint64
	kicks  int
	kickFn func() error
}

func newMemRings(numFrames, fillCap uint32) *memRings {
	return &memRings{
		fd:        42,
		frameSize: 256,
		umem:      make([]byte, numFrames*256),
		fillCap:   int(fillCap),
		txCap:     4,
	}
}

func (r *memRings) FD() int           { return r.fd }
func (r *memRings) FrameSize() uint32 { return r.frameSize }
func (r *memRings) NumFrames() uint32 { return uint32(len(r.umem)) / r.frameSize }
func (r *memRings) FillSize() uint32  { return uint32(r.fillCap) }
func (r *memRings) Frame(addr uint64) []byte {
	return r.umem[addr : addr+uint64(r.frameSize)]
}

func (r *memRings) Receive(dst []RxDesc) int {
	n := copy(dst, r.rx)
	r.rx = r.rx[n:]
	return n
}

func (r *memRings) RxPending() bool { return len(r.rx) > 0 }

func (r *memRings) Fill(addrs []uint64) int {
	n := min(len(addrs), r.fillCap-len(r.fill))
	r.fill = append(r.fill, addrs[:n]...)
	return n
}

func (r *memRings) Transmit(addrs []uint64, lens []uint32) int {
	n := min(len(addrs), r.txCap-len(r.tx))
	for i := range n {
		r.tx = append(r.tx, RxDesc{Addr: addrs[i], Len: lens[i]})
	}
	return n
}

func (r *memRings) FlushTx() error {
	r.kicks++
	if r.kickFn != nil {
		return r.kickFn()
	}
	return nil
}

func (r *memRings) Complete(dst []uint64) int {
	n := copy(dst, r.cq)
	r.cq = r.cq[n:]
	return n
}

// deliverFrame plays the NIC receiving frame into the oldest fill entry.
func (r *memRings) deliverFrame(t *testing.T, frame []byte) uint64 {
	t.Helper()
	require.NotEmpty(t, r.fill, "fill ring empty")
	addr := r.fill[0]
	r.fill = r.fill[1:]
	copy(r.umem[addr:], frame)
	r.rx = append(r.rx, RxDesc{Addr: addr, Len: uint32(len(frame))})
	return addr
}

// complete plays the NIC finishing every posted TX descriptor.
func (r *memRings) complete() {
	for _, d := range r.tx {
		r.cq = append(r.cq, d.Addr)
	}
	r.tx = nil
}

type fakeRegistrar struct {
	queues map[uint32]int
	err    error
}

func (r *fakeRegistrar) Register(queue uint32, fd int) error {
	if r.err != nil {
		return r.err
	}
	if r.queues == nil {
		r.queues = map[uint32]int{}
	}
	r.queues[queue] = fd
	return nil
}

func (r *fakeRegistrar) Unregister(queue uint32) error {
	delete(r.queues, queue)
	return nil
}

type keepSink struct {
	kept []*bufpool.Desc
	take bool
}

func (s *keepSink) Deliver(d *bufpool.Desc) bool {
	if !s.take {
		return false
	}
	s.kept = append(s.kept, d)
	return true
}

func udpFrame(dst string, dstPort uint16) []byte {
	f := make([]byte, 14+20+8+4)
	binary.BigEndian.PutUint16(f[12:], 0x0800)
	ip := f[14:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:], 32)
	ip[8] = 64
	ip[9] = 17
	copy(ip[12:16], []byte{10, 0, 0, 1})
	a := netip.MustParseAddr(dst).As4()
	copy(ip[16:20], a[:])
	binary.BigEndian.PutUint16(ip[20:], 4000)
	binary.BigEndian.PutUint16(ip[22:], dstPort)
	return f
}

func newTestMember(t *testing.T, conf MemberConfig) (*Member, *memRings, *fakeRegistrar) {
	t.Helper()
	rings := newMemRings(16, 8)
	reg := &fakeRegistrar{}
	m, err := NewMember(bond.MemberParams{Name: "eth0"}, 3, rings, reg, nil, conf)
	require.NoError(t, err)
	return m, rings, reg
}

func TestNewMemberSplitsFrames(t *testing.T) {
	m, rings, _ := newTestMember(t, MemberConfig{BatchSize: 4})
	require.Len(t, rings.fill, 8)
	require.Equal(t, uint64(7*256), rings.fill[7])
	require.Len(t, m.txFree, 8)
	require.Equal(t, bond.Moderation{PeriodUsec: 100_000, Count: 4}, m.Moderation())
	require.False(t, m.IsUp())
	require.Equal(t, 42, m.RxChannelFD())
}

func TestNewMemberErrors(t *testing.T) {
	rings := newMemRings(8, 8)
	_, err := NewMember(bond.MemberParams{}, 0, rings, nil, nil, MemberConfig{BatchSize: 4})
	require.ErrorIs(t, err, ErrNumFramesTooSmall)

	rings = newMemRings(16, 8)
	_, err = NewMember(bond.MemberParams{}, 0, rings, nil, nil, MemberConfig{BatchSize: 16})
	require.ErrorIs(t, err, ErrBatchTooLarge)

	_, err = NewMember(bond.MemberParams{}, 0, rings, nil, nil, MemberConfig{
		BatchSize: 4,
		RateLimit: ratelimit.Limit{BurstPackets: 4},
	})
	require.ErrorIs(t, err, ratelimit.ErrBurstWithoutRate)

	_, err = NewMember(bond.MemberParams{Kind: bond.KindInfiniBand, Tag: 0x8001},
		0, rings, nil, nil, MemberConfig{BatchSize: 4})
	require.ErrorIs(t, err, ErrNotEthernet)
}

func TestNewMemberVLAN(t *testing.T) {
	m, err := NewMember(bond.MemberParams{Kind: bond.KindEthernet, Tag: 100},
		0, newMemRings(16, 8), nil, nil, MemberConfig{BatchSize: 4})
	require.NoError(t, err)
	require.Equal(t, uint16(100), m.VLAN())
}

func TestMemberStartStop(t *testing.T) {
	m, _, reg := newTestMember(t, MemberConfig{})
	require.NoError(t, m.StartActive())
	require.True(t, m.IsUp())
	require.Equal(t, map[uint32]int{3: 42}, reg.queues)

	require.NoError(t, m.StopActive())
	require.False(t, m.IsUp())
	require.Empty(t, reg.queues)

	errMap := errors.New("map full")
	reg.err = errMap
	require.ErrorIs(t, m.StartActive(), errMap)
	require.False(t, m.IsUp())
}

func TestMemberLinkState(t *testing.T) {
	linkUp := false
	rings := newMemRings(16, 8)
	m, err := NewMember(bond.MemberParams{}, 0, rings, nil,
		func() bool { return linkUp }, MemberConfig{})
	require.NoError(t, err)
	require.NoError(t, m.StartActive())
	require.False(t, m.IsUp())
	linkUp = true
	require.True(t, m.IsUp())
}

func TestMemberPollRxDelivers(t *testing.T) {
	m, rings, _ := newTestMember(t, MemberConfig{BatchSize: 4})
	sink := &keepSink{take: true}
	require.True(t, m.AttachFlow(flow.Tuple{
		Proto:   flow.ProtoUDP,
		DstIP:   netip.MustParseAddr("10.0.0.2"),
		DstPort: 5000,
	}, sink))

	// Not started, nothing is received.
	rings.deliverFrame(t, udpFrame("10.0.0.2", 5000))
	n, err := m.PollRx(nil, nil)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, m.StartActive())
	rings.deliverFrame(t, udpFrame("10.0.0.2", 5001))
	rings.deliverFrame(t, []byte{0xff, 0xff})

	var sn uint64
	var ready flow.Ready
	n, err = m.PollRx(&sn, &ready)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, uint64(3), sn)
	require.Equal(t, []flow.Sink{sink}, ready.Sinks())

	require.Len(t, sink.kept, 1)
	d := sink.kept[0]
	require.Same(t, m, d.Owner)
	require.Equal(t, udpFrame("10.0.0.2", 5000), d.Payload())

	// The two frames nobody took went straight back to the fill ring.
	require.Len(t, rings.fill, 5+2)
	st := m.Stats()
	require.Equal(t, uint64(3), st.RxPackets)
	require.Equal(t, uint64(1), st.RxNoSink)
	require.Equal(t, uint64(1), st.RxUnclassified)

	require.True(t, m.ReclaimRxBuffers(bufpool.NewQueue(d)))
	require.Len(t, rings.fill, 8)
	require.Equal(t, d.Addr, rings.fill[7])
}

func TestMemberPollRxBudget(t *testing.T) {
	m, rings, _ := newTestMember(t, MemberConfig{BatchSize: 4})
	require.NoError(t, m.StartActive())
	require.NoError(t, m.SetModeration(bond.Moderation{PeriodUsec: 10, Count: 2}))
	for range 5 {
		rings.deliverFrame(t, []byte{1})
	}
	n, _ := m.PollRx(nil, nil)
	require.Equal(t, 2, n)

	n, err := m.Drain()
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, uint64(3), m.Stats().RxDrained)
	require.Len(t, rings.fill, 8)
}

func TestMemberArmNotification(t *testing.T) {
	m, rings, _ := newTestMember(t, MemberConfig{})
	require.NoError(t, m.StartActive())

	n, err := m.ArmNotification(bond.QueueRx, 0)
	require.NoError(t, err)
	require.Zero(t, n)

	rings.deliverFrame(t, []byte{1})
	n, err = m.ArmNotification(bond.QueueRx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = m.WaitAndProcess(nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, uint64(1), m.Stats().RxNotifications)
}

func TestMemberTransmit(t *testing.T) {
	m, rings, _ := newTestMember(t, MemberConfig{})
	require.NoError(t, m.StartActive())

	head := m.TxBuffer(0, false, 3)
	require.Equal(t, 3, bufpool.ChainLen(head))
	require.Len(t, m.txFree, 5)

	payload := udpFrame("10.0.0.9", 9)
	d := head
	rest := d.Next
	d.Next = nil
	d.Len = uint32(copy(d.Buf, payload))
	m.Send(0, d, bond.TxL3Csum)

	require.Len(t, rings.tx, 1)
	require.Equal(t, d.Addr, rings.tx[0].Addr)
	require.Equal(t, uint32(len(payload)), rings.tx[0].Len)
	require.Equal(t, 1, rings.kicks)
	// Header checksum got filled in.
	require.NotZero(t, binary.BigEndian.Uint16(d.Buf[14+10:]))

	require.Equal(t, 2, m.ReleaseTxBuffers(rest, true, false))
	require.Len(t, m.txFree, 7)
	require.Equal(t, uint64(2), m.Stats().TxReleased)

	rings.complete()
	n, err := m.ArmNotification(bond.QueueTx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, m.txFree, 8)
	require.Zero(t, m.inflight)
}

func TestMemberTxBufferExhausted(t *testing.T) {
	m, rings, _ := newTestMember(t, MemberConfig{})
	require.Nil(t, m.TxBuffer(0, false, 9))

	head := m.TxBuffer(0, false, 8)
	require.NotNil(t, head)
	require.Nil(t, m.TxBuffer(0, true, 1), "nothing in flight to wait for")

	d := head
	head = head.Next
	d.Next = nil
	m.Send(0, d, 0)

	// Block until the NIC completes the frame.
	rings.kickFn = func() error {
		rings.complete()
		return nil
	}
	got := m.TxBuffer(0, true, 1)
	require.Same(t, d, got)
	m.ReleaseTxBuffers(head, false, false)
	m.ReturnTx(got)
	require.Len(t, m.txFree, 8)
}

func TestMemberSendRingFull(t *testing.T) {
	m, rings, _ := newTestMember(t, MemberConfig{})
	rings.txCap = 1
	a := m.TxBuffer(0, false, 1)
	b := m.TxBuffer(0, false, 1)
	m.Send(0, a, 0)

	// Full ring, the next doorbell completes the first frame.
	kicked := false
	rings.kickFn = func() error {
		if !kicked {
			kicked = true
			rings.complete()
		}
		return nil
	}
	m.Send(0, b, 0)
	require.Equal(t, []RxDesc{{Addr: b.Addr}}, rings.tx)
	require.Equal(t, uint64(2), m.Stats().TxPackets)
	require.Zero(t, m.Stats().TxErrors)
}

func TestMemberRejectsForeignDescriptors(t *testing.T) {
	m, _, _ := newTestMember(t, MemberConfig{})
	other, _, _ := newTestMember(t, MemberConfig{})
	d := other.TxBuffer(0, false, 1)
	require.Panics(t, func() { m.ReleaseTxBuffers(d, false, false) })
	require.Panics(t, func() { m.ReclaimRxBuffers(bufpool.NewQueue(d)) })
	require.Panics(t, func() { m.Send(0, d, 0) })
}

func TestMemberModeration(t *testing.T) {
	m, _, _ := newTestMember(t, MemberConfig{BatchSize: 8})
	require.ErrorIs(t, m.SetModeration(bond.Moderation{Count: 9}), ErrModerationCount)
	require.NoError(t, m.SetModeration(bond.Moderation{PeriodUsec: 250}))
	require.Equal(t, bond.Moderation{PeriodUsec: 250, Count: 8}, m.Moderation())
	require.Equal(t, 250*time.Microsecond, m.WaitTimeout())

	// Disabled adaptation leaves the setting alone.
	m.AdaptModeration()
	require.Equal(t, uint32(8), m.Moderation().Count)
}

func TestAdaptCount(t *testing.T) {
	for _, tt := range []struct {
		packets uint64
		elapsed time.Duration
		period  uint32
		expect  uint32
	}{
		{0, time.Second, 1000, 1},
		{1000, time.Second, 1000, 1},
		{10_000, time.Second, 1000, 10},
		{1_000_000, time.Second, 1000, 64},
		{500, 0, 1000, 64},
	} {
		assert.Equal(t, tt.expect, adaptCount(tt.packets, tt.elapsed, tt.period, 64),
			"%d packets in %s", tt.packets, tt.elapsed)
	}
}

func TestMemberRateLimit(t *testing.T) {
	m, _, _ := newTestMember(t, MemberConfig{})
	require.True(t, m.IsRateLimitSupported(ratelimit.Limit{PPS: 1}))
	l := ratelimit.Limit{PPS: 1_000_000, BurstPackets: 64}
	require.NoError(t, m.ModifyRateLimit(l))
	require.Equal(t, l, m.RateLimit())
	require.Error(t, m.ModifyRateLimit(ratelimit.Limit{BurstPackets: 1}))
	require.Equal(t, l, m.RateLimit())
}

func TestSetIPv4Checksum(t *testing.T) {
	hdr := []byte{
		0x45, 0x00, 0x00, 0x73, 0x00, 0x00, 0x40, 0x00, 0x40, 0x11,
		0x00, 0x00, 0xc0, 0xa8, 0x00, 0x01, 0xc0, 0xa8, 0x00, 0xc7,
	}
	frame := append([]byte{
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x08, 0x00,
	}, hdr...)
	setIPv4Checksum(frame)
	require.Equal(t, uint16(0xb861), binary.BigEndian.Uint16(frame[24:]))

	tagged := append([]byte{
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x81, 0x00, 0x00, 0x05, 0x08, 0x00,
	}, hdr...)
	setIPv4Checksum(tagged)
	require.Equal(t, uint16(0xb861), binary.BigEndian.Uint16(tagged[28:]))

	arp := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x08, 0x06, 1, 2}
	setIPv4Checksum(arp)
	require.Equal(t, []byte{1, 2}, arp[14:])
}

func TestParseOperState(t *testing.T) {
	require.True(t, parseOperState("up\n"))
	require.True(t, parseOperState("unknown\n"))
	require.False(t, parseOperState("down\n"))
	require.False(t, parseOperState("lowerlayerdown"))
}

func TestMembersInGroup(t *testing.T) {
	var members []*Member
	var rings []*memRings
	g, err := bond.NewEthGroup(bond.Config{
		Mode:    bond.ModeActiveBackup,
		Pool:    bufpool.NewPool(0, 0),
		Members: []bond.MemberConfig{{Name: "eth0", Active: true}, {Name: "eth1"}},
	}, 0, func(p bond.MemberParams) (bond.MemberRing, error) {
		r := newMemRings(16, 8)
		m, err := NewMember(p, 0, r, nil, nil, MemberConfig{BatchSize: 4})
		if err != nil {
			return nil, err
		}
		if p.Active {
			if err := m.StartActive(); err != nil {
				return nil, err
			}
		}
		members = append(members, m)
		rings = append(rings, r)
		return m, nil
	})
	require.NoError(t, err)

	sink := &keepSink{take: true}
	tuple := flow.Tuple{Proto: flow.ProtoUDP, DstIP: netip.MustParseAddr("10.0.0.2"), DstPort: 5000}
	require.True(t, g.AttachFlow(tuple, sink))

	rings[0].deliverFrame(t, udpFrame("10.0.0.2", 5000))
	n, err := g.PollOnce(nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, g.Restart([]bond.Directive{{Active: false}, {Active: true}}))
	rings[1].deliverFrame(t, udpFrame("10.0.0.2", 5000))
	n, err = g.PollOnce(nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Frames from both members come back through the group.
	require.Len(t, sink.kept, 2)
	require.True(t, g.ReclaimRxBuffers(bufpool.NewQueue(sink.kept...)))
	require.Len(t, rings[0].fill, 8)
	require.Len(t, rings[1].fill, 8)

	// A TX buffer taken before the failover is released, not sent.
	d := members[1].TxBuffer(0, false, 1)
	require.NoError(t, g.Restart([]bond.Directive{{Active: true}, {Active: false}}))
	g.Send(0, d, 0)
	require.Empty(t, rings[0].tx)
	require.Empty(t, rings[1].tx)
	require.Len(t, members[1].txFree, 8)
}
