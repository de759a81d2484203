package bond

import "sync/atomic"

// SlotTable maps logical slots to the member currently serving them.
//
// Mutations (Set, Repair) must be serialized by the caller.
// At may be called concurrently with mutations, it observes either the
// table before or after the last Repair.
type SlotTable struct {
	members []MemberRing
	active  []bool
	slots   atomic.Pointer[[]MemberRing]
}

func newSlotTable(members []MemberRing) *SlotTable {
	t := &SlotTable{
		members: members,
		active:  make([]bool, len(members)),
	}
	empty := make([]MemberRing, len(members))
	t.slots.Store(&empty)
	return t
}

// Len returns the number of slots.
func (t *SlotTable) Len() int { return len(t.members) }

// Set marks member i explicitly active or inactive.
// The change becomes visible on the next Repair.
func (t *SlotTable) Set(i int, active bool) { t.active[i] = active }

// IsActive reports whether member i is explicitly active.
func (t *SlotTable) IsActive(i int) bool { return t.active[i] }

// Repair rebuilds the table from the explicit active set and closes gaps
// so that every slot is served whenever at least one member is active.
func (t *SlotTable) Repair() {
	slots := make([]MemberRing, len(t.members))
	for i, m := range t.members {
		if t.active[i] {
			slots[i] = m
		}
	}
	closeGaps(slots)
	t.slots.Store(&slots)
}

// At returns the member serving slot, nil if no member is active
// or slot is out of range.
func (t *SlotTable) At(slot SlotID) MemberRing {
	s := *t.slots.Load()
	if int(slot) >= len(s) {
		return nil
	}
	return s[slot]
}

// Snapshot returns a copy of the current slot assignment.
func (t *SlotTable) Snapshot() []MemberRing {
	s := *t.slots.Load()
	return append([]MemberRing(nil), s...)
}

// closeGaps fills nil slots in place. Starting at the first non-nil slot
// it walks backward circularly; a non-nil slot becomes the new anchor and
// every nil slot takes the current anchor. An all-nil table is left as is.
func closeGaps(slots []MemberRing) {
	n := len(slots)
	i := 0
	for i < n && slots[i] == nil {
		i++
	}
	if i == n {
		return
	}
	anchor := slots[i]
	for checked := 1; checked < n; checked++ {
		i = (i - 1 + n) % n
		if slots[i] != nil {
			anchor = slots[i]
		} else {
			slots[i] = anchor
		}
	}
}
