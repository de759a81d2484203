package bond

import (
	"errors"
	"fmt"

	"github.com/romshark/afxdp-bond-go/bufpool"
	"github.com/romshark/afxdp-bond-go/ratelimit"
)

// ownMember returns the member slot belongs to, nil past the last member.
func (g *Group) ownMember(slot SlotID) MemberRing {
	if int(slot) >= len(g.members) {
		return nil
	}
	return g.members[slot]
}

// TxBuffer allocates n transmit descriptors from the member serving slot,
// or from the slot's own member if no member is active.
// Returns nil for slots the group doesn't have.
func (g *Group) TxBuffer(slot SlotID, block bool, n int) *bufpool.Desc {
	if m := g.slots.At(slot); m != nil {
		return m.TxBuffer(slot, block, n)
	}
	if own := g.ownMember(slot); own != nil {
		return own.TxBuffer(slot, block, n)
	}
	return nil
}

// Send posts d on the member serving slot. If that member doesn't own d,
// typically because a failover happened after d was allocated, the packet
// is dropped and d released to its owner unless attr has TxShared.
func (g *Group) Send(slot SlotID, d *bufpool.Desc, attr SendAttr) {
	active := g.slots.At(slot)
	if active != nil && d.Owner == active {
		active.Send(slot, d, attr)
		return
	}

	g.stats.txDrops.Add(1)
	g.log.Debug("silent packet drop, active member doesn't own buffer",
		"slot", slot, "desc", fmt.Sprintf("%p", d))
	d.Next = nil
	if attr&TxShared != 0 {
		// The caller holds a reference and frees the buffer itself.
		return
	}
	if own := g.ownMember(slot); own != nil && d.Owner == own {
		own.ReleaseTxBuffers(d, true, false)
		return
	}
	g.ReleaseTxBuffers(d, true, false)
}

// DummySendSupported reports whether the member owning d, among the
// slot's active member and the slot's own member, supports dummy sends.
func (g *Group) DummySendSupported(slot SlotID, d *bufpool.Desc) bool {
	if active := g.slots.At(slot); active != nil && d.Owner == active {
		return active.DummySendSupported(slot, d)
	}
	if own := g.ownMember(slot); own != nil && d.Owner == own {
		return own.DummySendSupported(slot, d)
	}
	return false
}

// IncTxRetransmissions accounts a retransmission on the slot's active member.
func (g *Group) IncTxRetransmissions(slot SlotID) {
	if m := g.slots.At(slot); m != nil {
		m.IncTxRetransmissions(slot)
	}
}

// ReturnSingleTx gives d back to the member owning it.
func (g *Group) ReturnSingleTx(d *bufpool.Desc) {
	if d.Owner == nil {
		panic(fmt.Sprintf("bond: TX descriptor %p has no owner", d))
	}
	d.Owner.ReturnTx(d)
}

// ModifyRateLimit applies l to every member.
func (g *Group) ModifyRateLimit(l ratelimit.Limit) error {
	if err := l.Validate(); err != nil {
		return err
	}
	g.lockTx.Lock()
	defer g.lockTx.Unlock()

	var errs []error
	for i, m := range g.members {
		if err := m.ModifyRateLimit(l); err != nil {
			errs = append(errs, fmt.Errorf("modifying rate limit on %s: %w", g.names[i], err))
		}
	}
	return errors.Join(errs...)
}

// IsRateLimitSupported reports whether every member supports l.
func (g *Group) IsRateLimitSupported(l ratelimit.Limit) bool {
	for _, m := range g.members {
		if !m.IsRateLimitSupported(l) {
			return false
		}
	}
	return true
}
