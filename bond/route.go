package bond

import "github.com/romshark/afxdp-bond-go/bufpool"

// ReclaimRxBuffers hands every descriptor of q back to the member owning
// it. Descriptors no member owns, and buckets a member refuses, go to the
// pool. q is empty afterwards. Always returns true.
func (g *Group) ReclaimRxBuffers(q *bufpool.Queue) bool {
	// Per call buckets, no state shared between callers.
	var buckets [MaxMembers + 1]bufpool.Queue
	n := len(g.members)

	orphans := g.partitionQueue(q, buckets[:n+1])
	for i := range n {
		b := &buckets[i]
		if b.Empty() {
			continue
		}
		if !g.members[i].ReclaimRxBuffers(b) {
			g.pool.ReturnBatch(b)
		}
	}
	if orphans > 0 {
		g.stats.orphans.Add(uint64(orphans))
		g.log.Debug("no member owns reclaimed buffers, returning to pool",
			"count", orphans)
		g.pool.ReturnBatch(&buckets[n])
	}
	return true
}

// partitionQueue moves every descriptor of q into out[i] of its owning
// member i, or into out[len(members)] if no member owns it. The owner
// search starts at the last match since consecutive descriptors usually
// share an owner. Returns the number of unowned descriptors.
func (g *Group) partitionQueue(q *bufpool.Queue, out []bufpool.Queue) (orphans int) {
	n := len(g.members)
	last := 0
	for d := q.PopFront(); d != nil; d = q.PopFront() {
		found := -1
		for checked, i := 0, last; checked < n; checked, i = checked+1, (i+1)%n {
			if d.Owner != nil && d.Owner == g.members[i] {
				found = i
				break
			}
		}
		if found < 0 {
			out[n].PushBack(d)
			orphans++
			continue
		}
		out[found].PushBack(d)
		last = found
	}
	return orphans
}

// ReleaseTxBuffers splits the chain by owner and releases every part to
// its owning member, returning the sum of the members' results.
// Runs owned by no member are returned to the pool.
func (g *Group) ReleaseTxBuffers(head *bufpool.Desc, accounting, trylock bool) int {
	var heads [MaxMembers]*bufpool.Desc
	orphans := g.partitionChain(head, heads[:len(g.members)])

	if orphans != nil {
		n := g.pool.ReturnChain(orphans)
		g.stats.orphans.Add(uint64(n))
		g.log.Debug("no member owns released buffers, returning to pool",
			"count", n)
	}

	ret := 0
	for i, h := range heads[:len(g.members)] {
		if h != nil {
			ret += g.members[i].ReleaseTxBuffers(h, accounting, trylock)
		}
	}
	return ret
}

// partitionChain splits the chain into maximal runs sharing an owner and
// appends each run to heads[i] of its owning member i, preserving order.
// Runs owned by no member are linked into the returned orphan chain.
func (g *Group) partitionChain(head *bufpool.Desc, heads []*bufpool.Desc) (orphans *bufpool.Desc) {
	var tails [MaxMembers]*bufpool.Desc
	var orphanTail *bufpool.Desc

	for head != nil {
		owner := head.Owner
		first, last := head, head
		for last.Next != nil && last.Next.Owner == owner {
			last = last.Next
		}
		head = last.Next
		last.Next = nil

		i := g.memberIndex(owner)
		if i < 0 {
			if orphanTail != nil {
				orphanTail.Next = first
			} else {
				orphans = first
			}
			orphanTail = last
			continue
		}
		if tails[i] != nil {
			tails[i].Next = first
		} else {
			heads[i] = first
		}
		tails[i] = last
	}
	return orphans
}
