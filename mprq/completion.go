// Package mprq decodes completions of multi-packet receive queues, where
// the NIC strides several packets into one receive work request, and
// reads the resulting cyclic buffer in batches.
package mprq

import (
	"errors"
	"fmt"
)

// OpcodeRecv is the opcode of a successful receive completion.
const OpcodeRecv = 0x2

const (
	byteCountMask = 0x0000FFFF
	stridesMask   = 0x7FFF0000
	fillerMask    = 0x80000000
	stridesShift  = 16
)

var ErrBadOpcode = errors.New("unexpected completion opcode")

// Completion is a receive completion record.
type Completion struct {
	Opcode uint8
	// ByteCount packs the packet size (bits 0-15), the number of strides
	// consumed (bits 16-30) and the filler flag (bit 31).
	ByteCount uint32
	// WQECounter is the index of the first stride of the packet.
	WQECounter uint16
	L3OK       bool
	L4OK       bool
	Timestamp  uint64
}

type Flags uint32

const (
	FlagIPCsumOK Flags = 1 << iota
	FlagL4CsumOK
	// FlagBadPacket marks fillers and packets failing a checksum.
	FlagBadPacket
)

const csumOK = FlagIPCsumOK | FlagL4CsumOK

func (f Flags) String() string {
	return fmt.Sprintf("ip_ok=%t l4_ok=%t bad=%t",
		f&FlagIPCsumOK != 0, f&FlagL4CsumOK != 0, f&FlagBadPacket != 0)
}

// Packet is a decoded completion.
type Packet struct {
	// Size is the packet length. It is 1 for bad packets so that a
	// non-zero size always means a completion was consumed.
	Size uint16
	// Strides is the number of strides the completion consumed.
	Strides uint32
	// Offset is the byte offset of the packet in its work request.
	Offset uint32
	Flags  Flags
}

// Decode decodes c for a queue with strides of strideSize bytes.
func Decode(c Completion, strideSize uint32) (Packet, error) {
	if c.Opcode != OpcodeRecv {
		return Packet{Flags: FlagBadPacket}, fmt.Errorf("%w: %#x", ErrBadOpcode, c.Opcode)
	}
	p := Packet{Strides: (c.ByteCount & stridesMask) >> stridesShift}
	if c.ByteCount&fillerMask != 0 {
		p.Size, p.Flags = 1, FlagBadPacket
		return p, nil
	}
	p.Size = uint16(c.ByteCount & byteCountMask)
	p.Offset = uint32(c.WQECounter) * strideSize
	if c.L3OK {
		p.Flags |= FlagIPCsumOK
	}
	if c.L4OK {
		p.Flags |= FlagL4CsumOK
	}
	if p.Flags != csumOK {
		p.Size = 1
		p.Flags |= FlagBadPacket
	}
	return p, nil
}
