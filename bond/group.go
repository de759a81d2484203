// Package bond aggregates several member rings into one logical ring.
//
// A Group owns its members and a SlotTable resolving logical slots to the
// currently active member. Control operations (flows, notifications,
// restart) fan out to every member. Buffer descriptors released to the
// group are routed back to the member that owns their memory.
//
// Two locks guard the group: the RX lock and the TX lock. Polling paths
// only ever try-lock and report ErrBusy on contention so a polling loop
// never stalls behind a restart. Whenever both locks are needed the RX lock
// is taken first.
package bond

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/romshark/afxdp-bond-go/bufpool"
)

// MaxMembers is the maximum number of member rings in a group.
const MaxMembers = 10

var (
	ErrBusy           = errors.New("bond group busy")
	ErrTooManyMembers = fmt.Errorf("bond group supports at most %d members", MaxMembers)
	ErrNoMembers      = errors.New("bond group needs at least one member")
	ErrNoPool         = errors.New("bond group needs a buffer pool")
	ErrDirectiveCount = errors.New("restart directive count does not match members")
)

// MemberConfig is the per-member part of the group configuration.
type MemberConfig struct {
	// Name identifies the member in logs and statistics.
	Name string
	// Active marks the member initially active.
	Active bool
}

// ModerationConfig controls moderation hand-off on active-backup failover.
type ModerationConfig struct {
	Enabled bool
	// Default is applied when no member was active before a failover.
	Default Moderation
}

// Config configures a Group.
type Config struct {
	Mode       Mode
	HashPolicy HashPolicy
	MTU        uint32
	Members    []MemberConfig
	Moderation ModerationConfig

	// Pool receives descriptors no member claims. Required.
	Pool Pool

	// Ingress, if set, is polled before the members.
	Ingress VirtualIngress
	// Steerer, if set, is told about TCP flows attached to the group.
	Steerer FlowSteerer

	// Logger defaults to a logger discarding everything.
	Logger *slog.Logger
}

// MemberParams is handed to a MemberFactory for every member.
type MemberParams struct {
	Index  int
	Name   string
	Active bool
	Kind   Kind
	// Tag is the VLAN ID for Ethernet and the partition key for InfiniBand.
	Tag    uint16
	MTU    uint32
	Parent *Group
}

// MemberFactory creates the member ring described by p. The factory's
// owner keeps the resources behind a member (sockets, interfaces) and
// releases them, the group only starts and stops members. If a later
// factory call fails, members built so far are stopped and abandoned.
type MemberFactory func(p MemberParams) (MemberRing, error)

// Directive is the per-member input of Restart.
type Directive struct {
	Active bool
}

// Group is a bond of member rings.
type Group struct {
	log        *slog.Logger
	pool       Pool
	kind       Kind
	mode       Mode
	policy     HashPolicy
	moderation ModerationConfig
	ingress    VirtualIngress
	steerer    FlowSteerer

	lockRx sync.Mutex
	lockTx sync.Mutex

	members   []MemberRing
	names     []string
	slots     *SlotTable
	minInline int

	lastSN atomic.Uint64
	stats  counters
}

// NewEthGroup creates a group of Ethernet members tagged with vlan.
func NewEthGroup(conf Config, vlan uint16, newMember MemberFactory) (*Group, error) {
	return newGroup(conf, KindEthernet, vlan, newMember)
}

// NewIBGroup creates a group of InfiniBand members using partition key pkey.
func NewIBGroup(conf Config, pkey uint16, newMember MemberFactory) (*Group, error) {
	return newGroup(conf, KindInfiniBand, pkey, newMember)
}

func newGroup(conf Config, kind Kind, tag uint16, newMember MemberFactory) (*Group, error) {
	switch {
	case len(conf.Members) == 0:
		return nil, ErrNoMembers
	case len(conf.Members) > MaxMembers:
		return nil, ErrTooManyMembers
	case conf.Pool == nil:
		return nil, ErrNoPool
	}

	log := conf.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	g := &Group{
		log:        log.With("component", "bond", "kind", kind.String()),
		pool:       conf.Pool,
		kind:       kind,
		mode:       conf.Mode,
		policy:     conf.HashPolicy,
		moderation: conf.Moderation,
		ingress:    conf.Ingress,
		steerer:    conf.Steerer,
		members:    make([]MemberRing, len(conf.Members)),
		names:      make([]string, len(conf.Members)),
		minInline:  -1,
	}

	for i, mc := range conf.Members {
		name := mc.Name
		if name == "" {
			name = fmt.Sprintf("member%d", i)
		}
		m, err := newMember(MemberParams{
			Index:  i,
			Name:   name,
			Active: mc.Active,
			Kind:   kind,
			Tag:    tag,
			MTU:    conf.MTU,
			Parent: g,
		})
		if err != nil {
			g.stopBuilt(i)
			return nil, fmt.Errorf("creating member %d (%s): %w", i, name, err)
		}
		g.members[i] = m
		g.names[i] = name
		if g.minInline < 0 {
			g.minInline = m.MaxInline()
		} else {
			g.minInline = min(g.minInline, m.MaxInline())
		}
	}

	g.slots = newSlotTable(g.members)
	for i, mc := range conf.Members {
		g.slots.Set(i, mc.Active)
	}
	g.slots.Repair()

	g.log.Debug("bond group created",
		"mode", g.mode, "policy", g.policy,
		"members", len(g.members), "min_inline", g.minInline)
	return g, nil
}

// stopBuilt stops the first n members after a failed construction.
func (g *Group) stopBuilt(n int) {
	for i, m := range g.members[:n] {
		if err := m.StopActive(); err != nil {
			g.log.Warn("stopping member of failed group",
				"member", g.names[i], "err", err)
		}
	}
}

// lockBoth acquires the RX lock and then the TX lock.
// The returned function releases them in reverse order.
// Every path needing both locks must go through lockBoth.
func (g *Group) lockBoth() (unlock func()) {
	g.lockRx.Lock()
	g.lockTx.Lock()
	return func() {
		g.lockTx.Unlock()
		g.lockRx.Unlock()
	}
}

// Mode returns the bond mode.
func (g *Group) Mode() Mode { return g.mode }

// Kind returns the link layer of the members.
func (g *Group) Kind() Kind { return g.kind }

// Len returns the number of members.
func (g *Group) Len() int { return len(g.members) }

// Member returns member i.
func (g *Group) Member(i int) MemberRing { return g.members[i] }

// MemberName returns the configured name of member i.
func (g *Group) MemberName(i int) string { return g.names[i] }

// Slots returns the slot table.
func (g *Group) Slots() *SlotTable { return g.slots }

// MaxInline returns the smallest maximum inline size of all members.
func (g *Group) MaxInline() int { return g.minInline }

// LastSequence returns the latest poll sequence number observed.
func (g *Group) LastSequence() uint64 { return g.lastSN.Load() }

// IsMember reports whether r is one of the group's members.
func (g *Group) IsMember(r bufpool.Owner) bool {
	return g.memberIndex(r) >= 0
}

// IsActiveMember reports whether r currently serves slot.
func (g *Group) IsActiveMember(r bufpool.Owner, slot SlotID) bool {
	m := g.slots.At(slot)
	return m != nil && r == m
}

func (g *Group) memberIndex(r bufpool.Owner) int {
	if r == nil {
		return -1
	}
	for i, m := range g.members {
		if r == m {
			return i
		}
	}
	return -1
}

// The group never allocates descriptors. Being handed one back as its
// owner means a collaborator broke the ownership model.

// ReturnTx implements bufpool.Owner and always panics.
func (g *Group) ReturnTx(d *bufpool.Desc) {
	panic(fmt.Sprintf("bond: TX descriptor %p returned to group, owner is always a member", d))
}

// ReturnRx implements bufpool.Owner and always panics.
func (g *Group) ReturnRx(d *bufpool.Desc) {
	panic(fmt.Sprintf("bond: RX descriptor %p returned to group, owner is always a member", d))
}

// CompletionErrorTx always panics, completions are resolved by members.
func (g *Group) CompletionErrorTx(d *bufpool.Desc) {
	panic(fmt.Sprintf("bond: TX completion error for descriptor %p routed to group", d))
}

// CompletionErrorRx always panics, completions are resolved by members.
func (g *Group) CompletionErrorRx(d *bufpool.Desc) {
	panic(fmt.Sprintf("bond: RX completion error for descriptor %p routed to group", d))
}
