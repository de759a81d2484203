package bond_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/afxdp-bond-go/bond"
	"github.com/romshark/afxdp-bond-go/bufpool"
	"github.com/romshark/afxdp-bond-go/flow"
	"github.com/romshark/afxdp-bond-go/ratelimit"
)

// fakeMember is a scriptable bond.MemberRing recording every call.
type fakeMember struct {
	lock sync.Mutex

	name   string
	params bond.MemberParams
	up     bool
	inline int

	attachFails bool
	detachFails bool
	flows       map[flow.Tuple]flow.Sink

	pollN    int
	pollErr  error
	polls    int
	drains   int
	waits    int
	sn       uint64
	armN     int
	armErr   error
	arms     []bond.QueueClass
	armedSN  []uint64
	startErr error
	starts   int
	stops    int

	// startHook runs inside StartActive, e.g. to park a restart.
	startHook func()

	released      []*bufpool.Desc
	releaseCalls  int
	reclaimed     []*bufpool.Desc
	refuseReclaim bool
	sent          []*bufpool.Desc
	txFree        []*bufpool.Desc
	retrans       int
	dummySend     bool

	moderation bond.Moderation
	adapts     int
	rate       ratelimit.Limit
	rateErr    error
	noRate     bool
}

var _ bond.MemberRing = (*fakeMember)(nil)

func (m *fakeMember) ReturnTx(d *bufpool.Desc) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.released = append(m.released, d)
}

func (m *fakeMember) ReturnRx(d *bufpool.Desc) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.reclaimed = append(m.reclaimed, d)
}

func (m *fakeMember) AttachFlow(t flow.Tuple, s flow.Sink) bool {
	if m.attachFails {
		return false
	}
	if m.flows == nil {
		m.flows = make(map[flow.Tuple]flow.Sink)
	}
	m.flows[t] = s
	return true
}

func (m *fakeMember) DetachFlow(t flow.Tuple, s flow.Sink) bool {
	if m.detachFails {
		return false
	}
	delete(m.flows, t)
	return true
}

func (m *fakeMember) PollRx(sn *uint64, ready *flow.Ready) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.polls++
	if sn != nil && m.sn > *sn {
		*sn = m.sn
	}
	return m.pollN, m.pollErr
}

func (m *fakeMember) Drain() (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.drains++
	return m.pollN, m.pollErr
}

func (m *fakeMember) WaitAndProcess(sn *uint64, ready *flow.Ready) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.waits++
	return m.pollN, m.pollErr
}

func (m *fakeMember) ArmNotification(class bond.QueueClass, sn uint64) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.arms = append(m.arms, class)
	m.armedSN = append(m.armedSN, sn)
	return m.armN, m.armErr
}

func (m *fakeMember) RxChannelFD() int { return 100 + m.params.Index }

func (m *fakeMember) TxBuffer(slot bond.SlotID, block bool, n int) *bufpool.Desc {
	if n > len(m.txFree) {
		return nil
	}
	head := bufpool.Chain(m.txFree[:n]...)
	m.txFree = m.txFree[n:]
	return head
}

func (m *fakeMember) ReleaseTxBuffers(head *bufpool.Desc, accounting, trylock bool) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.releaseCalls++
	n := 0
	for d := head; d != nil; d = d.Next {
		m.released = append(m.released, d)
		n++
	}
	return n
}

func (m *fakeMember) ReclaimRxBuffers(q *bufpool.Queue) bool {
	if m.refuseReclaim {
		return false
	}
	q.Drain(func(d *bufpool.Desc) { m.reclaimed = append(m.reclaimed, d) })
	return true
}

func (m *fakeMember) Send(slot bond.SlotID, d *bufpool.Desc, attr bond.SendAttr) {
	m.sent = append(m.sent, d)
}

func (m *fakeMember) DummySendSupported(bond.SlotID, *bufpool.Desc) bool { return m.dummySend }

func (m *fakeMember) IncTxRetransmissions(bond.SlotID) { m.retrans++ }

func (m *fakeMember) IsUp() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.up
}

func (m *fakeMember) MaxInline() int { return m.inline }

func (m *fakeMember) StartActive() error {
	if m.startHook != nil {
		m.startHook()
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.starts++
	if m.startErr != nil {
		return m.startErr
	}
	m.up = true
	return nil
}

func (m *fakeMember) StopActive() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.stops++
	m.up = false
	return nil
}

func (m *fakeMember) Moderation() bond.Moderation { return m.moderation }

func (m *fakeMember) SetModeration(md bond.Moderation) error {
	m.moderation = md
	return nil
}

func (m *fakeMember) AdaptModeration() { m.adapts++ }

func (m *fakeMember) ModifyRateLimit(l ratelimit.Limit) error {
	if m.rateErr != nil {
		return m.rateErr
	}
	m.rate = l
	return nil
}

func (m *fakeMember) IsRateLimitSupported(ratelimit.Limit) bool { return !m.noRate }

// fakePool records what the group returns to the general pool.
type fakePool struct {
	lock   sync.Mutex
	batch  []*bufpool.Desc
	chains []*bufpool.Desc
}

func (p *fakePool) ReturnBatch(q *bufpool.Queue) {
	p.lock.Lock()
	defer p.lock.Unlock()
	q.Drain(func(d *bufpool.Desc) { p.batch = append(p.batch, d) })
}

func (p *fakePool) ReturnChain(head *bufpool.Desc) int {
	p.lock.Lock()
	defer p.lock.Unlock()
	n := 0
	for d := head; d != nil; d = d.Next {
		p.chains = append(p.chains, d)
		n++
	}
	return n
}

type fixture struct {
	group   *bond.Group
	members []*fakeMember
	pool    *fakePool
}

// newFixture builds a group of len(active) fake members. Active members
// start up, inactive ones down.
func newFixture(t *testing.T, mode bond.Mode, policy bond.HashPolicy, active ...bool) *fixture {
	t.Helper()
	f := &fixture{pool: &fakePool{}}
	conf := bond.Config{
		Mode:       mode,
		HashPolicy: policy,
		Pool:       f.pool,
		Moderation: bond.ModerationConfig{
			Enabled: true,
			Default: bond.Moderation{PeriodUsec: 50, Count: 48},
		},
	}
	for _, a := range active {
		conf.Members = append(conf.Members, bond.MemberConfig{Active: a})
	}
	g, err := bond.NewEthGroup(conf, 0, func(p bond.MemberParams) (bond.MemberRing, error) {
		m := &fakeMember{name: p.Name, params: p, up: p.Active, inline: 200 - p.Index}
		f.members = append(f.members, m)
		return m, nil
	})
	require.NoError(t, err)
	f.group = g
	return f
}

// slotIndexes returns the member index serving every slot, -1 for none.
func (f *fixture) slotIndexes() []int {
	out := make([]int, 0, f.group.Slots().Len())
	for _, m := range f.group.Slots().Snapshot() {
		idx := -1
		for i, fm := range f.members {
			if m != nil && m == bond.MemberRing(fm) {
				idx = i
			}
		}
		out = append(out, idx)
	}
	return out
}

// descs allocates one descriptor per owner index, -1 meaning foreign.
func (f *fixture) descs(owners ...int) []*bufpool.Desc {
	foreign := &fakeMember{name: "foreign"}
	out := make([]*bufpool.Desc, len(owners))
	for i, o := range owners {
		d := &bufpool.Desc{Len: uint32(i)}
		if o < 0 {
			d.Owner = foreign
		} else {
			d.Owner = f.members[o]
		}
		out[i] = d
	}
	return out
}
