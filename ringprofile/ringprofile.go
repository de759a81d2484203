// Package ringprofile keeps the ring profiles rings are created from.
package ringprofile

import (
	"errors"
	"fmt"
	"sync"

	"github.com/romshark/afxdp-bond-go/mprq"
)

// Type is the kind of ring a profile creates.
type Type uint8

const (
	// TypePacket rings deliver one buffer per packet.
	TypePacket Type = iota
	// TypeCyclicBuffer rings stride packets into a cyclic buffer.
	TypeCyclicBuffer
)

func (t Type) String() string {
	switch t {
	case TypePacket:
		return "VMA_PKTS_RING"
	case TypeCyclicBuffer:
		return "VMA_CB_RING"
	}
	return ""
}

var ErrNotCyclic = errors.New("ring profile is not a cyclic buffer profile")

// CyclicBuffer configures a cyclic buffer ring.
type CyclicBuffer struct {
	Packets     uint32 `yaml:"packets"`
	StrideBytes uint32 `yaml:"stride-bytes"`
	HeaderBytes uint32 `yaml:"header-bytes"`
}

type Profile struct {
	Type         Type
	CyclicBuffer CyclicBuffer
}

func (p Profile) String() string {
	if p.Type != TypeCyclicBuffer {
		return p.Type.String()
	}
	return fmt.Sprintf("%s packets_num:%d stride_bytes:%d hdr size:%d",
		p.Type, p.CyclicBuffer.Packets, p.CyclicBuffer.StrideBytes, p.CyclicBuffer.HeaderBytes)
}

// Layout sizes the cyclic buffer of p for a device with caps.
func (p Profile) Layout(caps mprq.Caps) (mprq.Layout, error) {
	if p.Type != TypeCyclicBuffer {
		return mprq.Layout{}, ErrNotCyclic
	}
	return mprq.NewLayout(p.CyclicBuffer.StrideBytes, p.CyclicBuffer.Packets, caps)
}

// Key identifies a profile in a Collection. The zero Key is invalid.
type Key uint64

// Collection is a set of profiles. It is safe for concurrent use.
// The zero value is ready to use.
type Collection struct {
	lock     sync.RWMutex
	last     Key
	profiles map[Key]Profile
}

// Add stores p and returns its key. Keys start at 1.
func (c *Collection) Add(p Profile) Key {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.profiles == nil {
		c.profiles = make(map[Key]Profile)
	}
	c.last++
	c.profiles[c.last] = p
	return c.last
}

// Get returns the profile stored under key.
func (c *Collection) Get(key Key) (Profile, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	p, ok := c.profiles[key]
	return p, ok
}

func (c *Collection) Len() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return len(c.profiles)
}
