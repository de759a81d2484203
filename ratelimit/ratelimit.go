// Package ratelimit provides a simple packets-per-second rate limiter
// and the rate limit requests rings are configured with.
package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var ErrBurstWithoutRate = errors.New("burst size requires a rate")

// Limit is a ring rate limit request. The zero value disables limiting.
type Limit struct {
	// PPS is the maximum average number of packets per second.
	PPS uint64 `yaml:"pps"`
	// BurstPackets is the number of packets that may be sent back to back
	// before the limiter checks the clock. 0 selects a value derived from PPS.
	BurstPackets uint64 `yaml:"burst-packets"`
}

// Validate checks the limit for internal consistency.
func (l Limit) Validate() error {
	if l.PPS == 0 && l.BurstPackets != 0 {
		return ErrBurstWithoutRate
	}
	return nil
}

func (l Limit) String() string {
	if l.PPS == 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d pps (burst %d)", l.PPS, l.burst())
}

func (l Limit) burst() uint64 {
	if l.BurstPackets != 0 {
		return l.BurstPackets
	}
	// Check time every ~10ms of packets to balance accuracy vs overhead
	// At least every 32 packets. At most every 1024 packets.
	return min(max(l.PPS/100, 32), 1024)
}

// Throttle limits to pps packets per second on average.
// Not safe for concurrent use.
type Throttle struct {
	nsPerPacket int64
	packetsSent uint64
	startTime   time.Time
	checkEvery  uint64
}

// New creates a limiter for pps packets per second.
// If pps == 0, throttling is disabled.
func New(pps uint64) *Throttle {
	return FromLimit(Limit{PPS: pps})
}

// FromLimit creates a limiter for l.
// Returns nil (no throttling) for the zero limit.
func FromLimit(l Limit) *Throttle {
	if l.PPS == 0 {
		return nil
	}
	return &Throttle{
		nsPerPacket: int64(time.Second) / int64(l.PPS),
		startTime:   time.Now(),
		checkEvery:  l.burst(),
	}
}

// ThrottleN blocks until n packets are allowed.
// It does not "catch up" by allowing faster sends after being delayed.
func (l *Throttle) ThrottleN(n uint64) {
	if d := l.delay(n, time.Now); d > 0 {
		time.Sleep(d)
	}
}

// delay accounts n packets and returns how long the caller is ahead
// of schedule. now is only consulted on check boundaries.
func (l *Throttle) delay(n uint64, now func() time.Time) time.Duration {
	if l == nil || n == 0 {
		return 0
	}

	before := l.packetsSent
	l.packetsSent += n
	if before/l.checkEvery == l.packetsSent/l.checkEvery {
		return 0 // Fast path: only check time periodically.
	}

	expected := l.startTime.Add(time.Duration(int64(l.packetsSent) * l.nsPerPacket))
	if t := now(); t.Before(expected) {
		return expected.Sub(t)
	}
	// If behind schedule, naturally catch up by not sleeping
	return 0
}
