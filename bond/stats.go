package bond

import "sync/atomic"

type counters struct {
	busy         atomic.Uint64
	orphans      atomic.Uint64
	partialFlows atomic.Uint64
	restarts     atomic.Uint64
	txDrops      atomic.Uint64
}

// Stats is a snapshot of group level counters.
type Stats struct {
	// Busy counts hot path calls rejected due to lock contention.
	Busy uint64
	// Orphans counts descriptors no member claimed.
	Orphans uint64
	// PartialFlows counts flow attach/detach calls that failed on some
	// but not all members.
	PartialFlows uint64
	Restarts     uint64
	// TxDrops counts sends dropped because the slot's active member did
	// not own the buffer.
	TxDrops uint64
}

// Stats returns the current counters.
func (g *Group) Stats() Stats {
	return Stats{
		Busy:         g.stats.busy.Load(),
		Orphans:      g.stats.orphans.Load(),
		PartialFlows: g.stats.partialFlows.Load(),
		Restarts:     g.stats.restarts.Load(),
		TxDrops:      g.stats.txDrops.Load(),
	}
}
