package afxdp

import "sync/atomic"

type counters struct {
	rxPackets       atomic.Uint64
	rxBytes         atomic.Uint64
	rxUnclassified  atomic.Uint64
	rxNoSink        atomic.Uint64
	rxDrained       atomic.Uint64
	rxNotifications atomic.Uint64

	txPackets         atomic.Uint64
	txBytes           atomic.Uint64
	txReleased        atomic.Uint64
	txErrors          atomic.Uint64
	txRetransmissions atomic.Uint64
}

// Stats is a snapshot of a member's counters.
type Stats struct {
	RxPackets uint64
	RxBytes   uint64
	// RxUnclassified counts frames that are not IPv4 UDP or TCP.
	RxUnclassified uint64
	// RxNoSink counts classified frames no attached sink accepted.
	RxNoSink        uint64
	RxDrained       uint64
	RxNotifications uint64

	TxPackets uint64
	TxBytes   uint64
	// TxReleased counts frames given back unsent.
	TxReleased        uint64
	TxErrors          uint64
	TxRetransmissions uint64
}

// Stats returns the current counters.
func (m *Member) Stats() Stats {
	c := &m.stats
	return Stats{
		RxPackets:         c.rxPackets.Load(),
		RxBytes:           c.rxBytes.Load(),
		RxUnclassified:    c.rxUnclassified.Load(),
		RxNoSink:          c.rxNoSink.Load(),
		RxDrained:         c.rxDrained.Load(),
		RxNotifications:   c.rxNotifications.Load(),
		TxPackets:         c.txPackets.Load(),
		TxBytes:           c.txBytes.Load(),
		TxReleased:        c.txReleased.Load(),
		TxErrors:          c.txErrors.Load(),
		TxRetransmissions: c.txRetransmissions.Load(),
	}
}
