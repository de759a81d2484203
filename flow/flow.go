// Package flow defines the flow match keys rings steer packets by.
package flow

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/romshark/afxdp-bond-go/bufpool"
)

// Protocol is the L4 protocol of a Tuple.
type Protocol uint8

const (
	ProtoUDP Protocol = 17
	ProtoTCP Protocol = 6
)

func (p Protocol) String() string {
	switch p {
	case ProtoUDP:
		return "udp"
	case ProtoTCP:
		return "tcp"
	}
	return fmt.Sprintf("proto(%d)", uint8(p))
}

// Tuple is a 3-tuple (destination only) or 5-tuple flow match key.
// The zero source address and port make a 3-tuple.
type Tuple struct {
	Proto   Protocol
	DstIP   netip.Addr
	DstPort uint16
	SrcIP   netip.Addr
	SrcPort uint16
}

// Is3Tuple reports whether the tuple matches on destination only.
func (t Tuple) Is3Tuple() bool {
	return !t.SrcIP.IsValid() && t.SrcPort == 0
}

// IsTCP reports whether the tuple matches TCP traffic.
func (t Tuple) IsTCP() bool { return t.Proto == ProtoTCP }

// Dst returns the 3-tuple matching the destination of t.
func (t Tuple) Dst() Tuple {
	return Tuple{Proto: t.Proto, DstIP: t.DstIP, DstPort: t.DstPort}
}

func (t Tuple) String() string {
	if t.Is3Tuple() {
		return fmt.Sprintf("%s:%s:%d", t.Proto, t.DstIP, t.DstPort)
	}
	return fmt.Sprintf("%s:%s:%d<-%s:%d",
		t.Proto, t.DstIP, t.DstPort, t.SrcIP, t.SrcPort)
}

// Sink consumes packets matching a flow.
type Sink interface {
	// Deliver hands d to the sink. Returning false leaves the descriptor
	// with the caller, which must give it back to its owner.
	Deliver(d *bufpool.Desc) bool
}

// Ready collects sinks that received data during a poll pass.
// Not safe for concurrent use.
type Ready struct {
	sinks []Sink
}

// Add records s, ignoring duplicates.
func (r *Ready) Add(s Sink) {
	if r == nil {
		return
	}
	for _, x := range r.sinks {
		if x == s {
			return
		}
	}
	r.sinks = append(r.sinks, s)
}

// Sinks returns the recorded sinks in insertion order.
func (r *Ready) Sinks() []Sink {
	if r == nil {
		return nil
	}
	return r.sinks
}

// Reset forgets all recorded sinks keeping the allocation.
func (r *Ready) Reset() {
	if r == nil {
		return
	}
	clear(r.sinks)
	r.sinks = r.sinks[:0]
}

const (
	ethHdrLen     = 14
	vlanHdrLen    = 4
	ipv4HdrMin    = 20
	etherTypeIP   = 0x0800
	etherTypeVLAN = 0x8100
)

// FromFrame extracts the 5-tuple of an Ethernet IPv4 UDP/TCP frame.
// ok is false for anything else, including fragments past the first.
func FromFrame(frame []byte) (t Tuple, ok bool) {
	if len(frame) < ethHdrLen+ipv4HdrMin {
		return t, false
	}
	off := 12
	ethType := binary.BigEndian.Uint16(frame[off : off+2])
	if ethType == etherTypeVLAN {
		off += vlanHdrLen
		if len(frame) < ethHdrLen+vlanHdrLen+ipv4HdrMin {
			return t, false
		}
		ethType = binary.BigEndian.Uint16(frame[off : off+2])
	}
	if ethType != etherTypeIP {
		return t, false
	}
	ip := frame[off+2:]
	if ip[0]>>4 != 4 {
		return t, false
	}
	ihl := int(ip[0]&0x0f) * 4
	if ihl < ipv4HdrMin || len(ip) < ihl+4 {
		return t, false
	}
	if binary.BigEndian.Uint16(ip[6:8])&0x1fff != 0 {
		return t, false // Non-first fragment, no L4 header.
	}
	proto := Protocol(ip[9])
	if proto != ProtoUDP && proto != ProtoTCP {
		return t, false
	}
	l4 := ip[ihl:]
	t = Tuple{
		Proto:   proto,
		SrcIP:   netip.AddrFrom4([4]byte(ip[12:16])),
		DstIP:   netip.AddrFrom4([4]byte(ip[16:20])),
		SrcPort: binary.BigEndian.Uint16(l4[0:2]),
		DstPort: binary.BigEndian.Uint16(l4[2:4]),
	}
	return t, true
}
