package bond

import (
	"fmt"
	"sync"

	"github.com/romshark/afxdp-bond-go/flow"
)

// PollOnce polls the virtual ingress and every up member once.
// Returns ErrBusy without blocking if the RX lock is contended.
func (g *Group) PollOnce(sn *uint64, ready *flow.Ready) (int, error) {
	if !g.lockRx.TryLock() {
		g.stats.busy.Add(1)
		return 0, ErrBusy
	}
	defer g.lockRx.Unlock()

	n, err := g.pollMembers(ready, func(m MemberRing) (int, error) {
		return m.PollRx(sn, ready)
	})
	g.observe(sn)
	return n, err
}

// Drain drains the virtual ingress and every up member.
// Returns ErrBusy without blocking if the RX lock is contended.
func (g *Group) Drain() (int, error) {
	if !g.lockRx.TryLock() {
		g.stats.busy.Add(1)
		return 0, ErrBusy
	}
	defer g.lockRx.Unlock()

	return g.pollMembers(nil, MemberRing.Drain)
}

// WaitAndProcess processes a notification on every up member.
// Returns ErrBusy without blocking if the RX lock is contended.
func (g *Group) WaitAndProcess(sn *uint64, ready *flow.Ready) (int, error) {
	if !g.lockRx.TryLock() {
		g.stats.busy.Add(1)
		return 0, ErrBusy
	}
	defer g.lockRx.Unlock()

	n, err := g.pollMembers(ready, func(m MemberRing) (int, error) {
		return m.WaitAndProcess(sn, ready)
	})
	g.observe(sn)
	return n, err
}

// pollMembers polls the ingress first, then every up member, summing
// positive results. If nothing was processed the last member's result is
// returned. Expects the RX lock to be held.
func (g *Group) pollMembers(
	ready *flow.Ready, poll func(MemberRing) (int, error),
) (int, error) {
	total := 0
	if g.ingress != nil {
		total = g.ingress.PollRx(ready)
	}

	last, lastErr := 0, error(nil)
	for _, m := range g.members {
		if !m.IsUp() {
			continue
		}
		last, lastErr = poll(m)
		if last > 0 {
			total += last
		}
	}
	if total > 0 {
		return total, nil
	}
	return max(last, 0), lastErr
}

func (g *Group) observe(sn *uint64) {
	if sn != nil {
		g.lastSN.Store(*sn)
	}
}

// RequestNotification arms notifications of class on every up member.
// It takes the RX or TX lock depending on class and returns ErrBusy
// without blocking on contention. The first member failure aborts the
// fan-out and is returned.
func (g *Group) RequestNotification(class QueueClass, sn uint64) (int, error) {
	lock := g.classLock(class)
	if !lock.TryLock() {
		g.stats.busy.Add(1)
		return 0, ErrBusy
	}
	defer lock.Unlock()
	return g.armLocked(class, sn)
}

func (g *Group) classLock(class QueueClass) *sync.Mutex {
	if class == QueueRx {
		return &g.lockRx
	}
	return &g.lockTx
}

// armLocked expects the lock of class to be held.
func (g *Group) armLocked(class QueueClass, sn uint64) (int, error) {
	total := 0
	for i, m := range g.members {
		if !m.IsUp() {
			continue
		}
		n, err := m.ArmNotification(class, sn)
		if err != nil {
			return n, fmt.Errorf("arming %s notification on %s: %w",
				class, g.names[i], err)
		}
		total += n
	}
	return total, nil
}

// AdaptModeration lets every up member re-evaluate adaptive moderation.
func (g *Group) AdaptModeration() {
	for _, m := range g.members {
		if m.IsUp() {
			m.AdaptModeration()
		}
	}
}

// RxChannelFDs returns the notification file descriptor of every member.
func (g *Group) RxChannelFDs() []int {
	fds := make([]int, len(g.members))
	for i, m := range g.members {
		fds[i] = m.RxChannelFD()
	}
	return fds
}
