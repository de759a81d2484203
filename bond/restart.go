package bond

import (
	"errors"
	"fmt"
)

// Restart applies a new active set, one directive per member, typically
// after a link state change. It holds both locks for the whole update:
// members are started or stopped, the slot table is rebuilt, RX and TX
// notifications are re-armed with the latest poll sequence number and,
// in active-backup mode, moderation is handed from the previously active
// member to the new one.
//
// A member failing to start is left inactive. Start and stop failures are
// returned joined after the update has completed.
func (g *Group) Restart(directives []Directive) error {
	if len(directives) != len(g.members) {
		return fmt.Errorf("%w: got %d, want %d",
			ErrDirectiveCount, len(directives), len(g.members))
	}

	g.log.Debug("restart")
	unlock := g.lockBoth()
	defer unlock()

	previouslyActive := g.slots.At(0)

	var errs []error
	for i, dir := range directives {
		m := g.members[i]
		if dir.Active {
			if err := m.StartActive(); err != nil {
				errs = append(errs, fmt.Errorf("starting %s: %w", g.names[i], err))
				g.slots.Set(i, false)
				continue
			}
			g.log.Debug("member active", "member", g.names[i])
			g.slots.Set(i, true)
			continue
		}
		if err := m.StopActive(); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", g.names[i], err))
		}
		g.log.Debug("member not active", "member", g.names[i])
		g.slots.Set(i, false)
	}
	g.slots.Repair()

	sn := g.lastSN.Load()
	if _, err := g.armLocked(QueueRx, sn); err != nil {
		g.log.Debug("failed arming rx notification", "err", err)
	}
	if _, err := g.armLocked(QueueTx, sn); err != nil {
		g.log.Debug("failed arming tx notification", "err", err)
	}

	if g.mode == ModeActiveBackup && g.moderation.Enabled {
		g.handOverModeration(previouslyActive)
	}

	g.stats.restarts.Add(1)
	g.log.Debug("restart done")
	return errors.Join(errs...)
}

// handOverModeration gives the member now serving slot 0 the moderation
// of prev, or the configured default if no member was active before.
// Expects both locks to be held.
func (g *Group) handOverModeration(prev MemberRing) {
	current := g.slots.At(0)
	if current == nil {
		return
	}
	m := g.moderation.Default
	if prev != nil {
		m = prev.Moderation()
	}
	if err := current.SetModeration(m); err != nil {
		g.log.Warn("setting moderation on new active member failed",
			"period_usec", m.PeriodUsec, "count", m.Count, "err", err)
	}
}

// Failover decides the active set for the link states up, one per member.
// In active-backup mode the currently active member stays active while
// its link is up, otherwise the first member with link up takes over.
// In the other modes every member with link up is active.
func (g *Group) Failover(up []bool) []Directive {
	if len(up) != len(g.members) {
		panic(fmt.Sprintf("bond: %d link states for %d members", len(up), len(g.members)))
	}
	dirs := make([]Directive, len(up))
	if g.mode != ModeActiveBackup {
		for i, u := range up {
			dirs[i].Active = u
		}
		return dirs
	}

	g.lockRx.Lock()
	current := -1
	for i := range g.members {
		if g.slots.IsActive(i) {
			current = i
			break
		}
	}
	g.lockRx.Unlock()

	if current >= 0 && up[current] {
		dirs[current].Active = true
		return dirs
	}
	for i, u := range up {
		if u {
			dirs[i].Active = true
			break
		}
	}
	return dirs
}

// ActiveSet returns the explicit active flags of the last restart.
func (g *Group) ActiveSet() []Directive {
	g.lockRx.Lock()
	defer g.lockRx.Unlock()
	dirs := make([]Directive, len(g.members))
	for i := range dirs {
		dirs[i].Active = g.slots.IsActive(i)
	}
	return dirs
}
