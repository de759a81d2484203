package mprq

import (
	"errors"
	"math/bits"
)

const (
	MinWorkQueues = 4
	MaxWorkQueues = 20

	// headerRoom is the Ethernet, IPv4 and UDP header room of a stride.
	headerRoom = 14 + 20 + 8
)

var ErrBadLayout = errors.New("bad cyclic buffer parameters")

// Caps are the device limits of multi-packet receive queues, all in log2.
type Caps struct {
	MinStrideLog  uint8
	MaxStrideLog  uint8
	MinStridesLog uint8
	MaxStridesLog uint8
}

// Layout describes the cyclic buffer: WorkQueues work requests of
// 1<<StridesLog strides of 1<<StrideLog bytes each.
type Layout struct {
	StrideLog  uint8
	StridesLog uint8
	WorkQueues uint32
}

// NewLayout sizes a cyclic buffer for packets packets carrying
// strideBytes of payload each.
func NewLayout(strideBytes, packets uint32, caps Caps) (Layout, error) {
	if strideBytes == 0 || packets == 0 || caps.MaxStrideLog < caps.MinStrideLog ||
		caps.MaxStridesLog < caps.MinStridesLog || caps.MaxStridesLog >= 32 {
		return Layout{}, ErrBadLayout
	}
	var l Layout
	l.StrideLog = clamp(ilog2(align32pow2(strideBytes+headerRoom)),
		caps.MinStrideLog, caps.MaxStrideLog)

	maxWQE := uint32(1) << caps.MaxStridesLog
	if wanted := packets / maxWQE; wanted > 2 {
		l.WorkQueues = min(wanted, MaxWorkQueues)
		l.StridesLog = caps.MaxStridesLog
	} else {
		l.WorkQueues = MinWorkQueues
		l.StridesLog = clamp(ilog2(align32pow2(packets)/MinWorkQueues),
			caps.MinStridesLog, caps.MaxStridesLog)
	}
	if l.BufferSize() == 0 {
		return Layout{}, ErrBadLayout
	}
	return l, nil
}

func (l Layout) StrideSize() uint32 { return 1 << l.StrideLog }

func (l Layout) StridesPerWQ() uint32 { return 1 << l.StridesLog }

// WQSize is the size of one work request in bytes.
func (l Layout) WQSize() uint64 { return uint64(l.StrideSize()) * uint64(l.StridesPerWQ()) }

func (l Layout) BufferSize() uint64 { return l.WQSize() * uint64(l.WorkQueues) }

func ilog2(x uint32) uint8 {
	if x == 0 {
		return 0
	}
	return uint8(bits.Len32(x) - 1)
}

// align32pow2 rounds x up to a power of two.
func align32pow2(x uint32) uint32 {
	if x <= 1 {
		return x
	}
	return 1 << bits.Len32(x-1)
}

func clamp(v, lo, hi uint8) uint8 { return min(max(v, lo), hi) }
