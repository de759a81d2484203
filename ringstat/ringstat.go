// Package ringstat snapshots and prints the counters of a bond group,
// its member rings and the NICs behind them.
package ringstat

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/romshark/afxdp-bond-go/afxdp"
	"github.com/romshark/afxdp-bond-go/bond"
)

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	TxErrors
	TxReleased
	RxPackets
	RxBytes
	// RxDropped counts frames no sink took.
	RxDropped
	RxNotifications

	Busy
	Orphans
	PartialFlows
	Restarts
	TxDrops
)

func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case TxErrors:
		return "tx_errors"
	case TxReleased:
		return "tx_released"
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case RxDropped:
		return "rx_dropped"
	case RxNotifications:
		return "rx_notifications"
	case Busy:
		return "busy"
	case Orphans:
		return "orphans"
	case PartialFlows:
		return "partial_flows"
	case Restarts:
		return "restarts"
	case TxDrops:
		return "tx_drops"
	}
	return ""
}

// GroupKey is the key of the group level counters in Stats.
const GroupKey = "bond"

// Per-ring values.
type RingStats map[Counter]uint64

// Multi-ring stats keyed by member name, or by GroupKey.
type Stats map[string]RingStats

// StatsReader is a member ring exposing counters.
type StatsReader interface {
	Stats() afxdp.Stats
}

// Snapshot reads the counters of g and of every member implementing
// StatsReader.
func Snapshot(g *bond.Group) Stats {
	s := make(Stats, g.Len()+1)
	gs := g.Stats()
	s[GroupKey] = RingStats{
		Busy:         gs.Busy,
		Orphans:      gs.Orphans,
		PartialFlows: gs.PartialFlows,
		Restarts:     gs.Restarts,
		TxDrops:      gs.TxDrops,
	}
	for i := range g.Len() {
		r, ok := g.Member(i).(StatsReader)
		if !ok {
			continue
		}
		s[g.MemberName(i)] = FromMember(r.Stats())
	}
	return s
}

// FromMember converts member counters.
func FromMember(m afxdp.Stats) RingStats {
	return RingStats{
		TxPackets:       m.TxPackets,
		TxBytes:         m.TxBytes,
		TxErrors:        m.TxErrors,
		TxReleased:      m.TxReleased,
		RxPackets:       m.RxPackets,
		RxBytes:         m.RxBytes,
		RxDropped:       m.RxUnclassified + m.RxNoSink,
		RxNotifications: m.RxNotifications,
	}
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats, len(s))
	for ring, now := range s {
		prev := old[ring]
		diff := make(RingStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ring] = diff
	}
	return out
}

// Total sums c over all members.
func (s Stats) Total(c Counter) (sum uint64) {
	for ring, vals := range s {
		if ring != GroupKey {
			sum += vals[c]
		}
	}
	return sum
}

// Print writes one block per ring sorted by name, the group counters last.
func Print(w io.Writer, s Stats, aliases map[string]string) error {
	rings := make([]string, 0, len(s))
	for ring := range s {
		if ring != GroupKey {
			rings = append(rings, ring)
		}
	}
	slices.Sort(rings)

	for _, ring := range rings {
		stats := s[ring]

		if alias, ok := aliases[ring]; ok {
			fmt.Fprintf(w, "%s (%s):\n", ring, alias)
		} else {
			fmt.Fprintf(w, "%s :\n", ring)
		}

		txPkts, txBytes := stats[TxPackets], stats[TxBytes]
		rxPkts, rxBytes := stats[RxPackets], stats[RxBytes]
		fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)\n",
			txPkts, humanize.Bytes(txBytes), humanize.Comma(int64(txBytes)),
		)
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)\n",
			rxPkts, humanize.Bytes(rxBytes), humanize.Comma(int64(rxBytes)),
		)
		if v := stats[TxErrors]; v > 0 {
			fmt.Fprintf(w, "  TX errors   %s\n", humanize.Comma(int64(v)))
		}
		if v := stats[RxDropped]; v > 0 {
			fmt.Fprintf(w, "  RX dropped  %s\n", humanize.Comma(int64(v)))
		}
	}

	if g, ok := s[GroupKey]; ok {
		_, err := fmt.Fprintf(w, "%s : busy=%s orphans=%s partial_flows=%d restarts=%d tx_drops=%s\n",
			GroupKey,
			humanize.Comma(int64(g[Busy])),
			humanize.Comma(int64(g[Orphans])),
			g[PartialFlows], g[Restarts],
			humanize.Comma(int64(g[TxDrops])),
		)
		return err
	}
	return nil
}

// PhySnapshot runs ethtool -S on all interfaces and returns the NIC's
// physical port counters keyed by interface name.
func PhySnapshot(ifaces []string) (Stats, error) {
	s := make(Stats)
	for _, iface := range ifaces {
		out, err := exec.Command("ethtool", "-S", iface).Output()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", iface, err)
		}
		vals, err := parseEthtool(out)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", iface, err)
		}
		s[iface] = vals
	}
	return s, nil
}

var phyCounters = map[string]Counter{
	"tx_packets_phy": TxPackets,
	"tx_bytes_phy":   TxBytes,
	"rx_packets_phy": RxPackets,
	"rx_bytes_phy":   RxBytes,
}

func parseEthtool(out []byte) (RingStats, error) {
	found := RingStats{TxPackets: 0, TxBytes: 0, RxPackets: 0, RxBytes: 0}

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		parts := strings.Fields(sc.Text())
		if len(parts) != 2 {
			continue
		}
		ctr, ok := phyCounters[strings.TrimSuffix(parts[0], ":")]
		if !ok {
			continue
		}
		var v uint64
		if _, err := fmt.Sscan(parts[1], &v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		found[ctr] = v
	}
	return found, sc.Err()
}
