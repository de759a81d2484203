package bond

const (
	etherTypeIPv4 = 0x0800
	etherTypeVLAN = 0x8100
)

// HashInput holds the header fields slot selection hashes over.
// Ether-types, addresses and ports are in host byte order.
type HashInput struct {
	SrcMAC, DstMAC [6]byte
	// EthType is the outer ether-type, EncapType the ether-type following
	// a VLAN tag.
	EthType, EncapType uint16
	SrcIP, DstIP       uint32
	SrcPort, DstPort   uint16
}

// GenerateID selects the slot for a packet. Groups not in 802.3ad mode
// always use slot 0. The result depends on nothing but the input and the
// group's policy and size, so a flow always maps to the same slot.
func (g *Group) GenerateID(in HashInput) SlotID {
	if g.mode != Mode8023AD {
		return 0
	}
	h, ok := xmitHash(g.policy, in)
	if !ok {
		return 0
	}
	return SlotID(h % uint32(len(g.members)))
}

// xmitHash computes the transmit hash of in under policy.
// ok is false for unknown policies.
func xmitHash(policy HashPolicy, in HashInput) (h uint32, ok bool) {
	ethType := in.EthType
	if policy.isEncap() && ethType == etherTypeVLAN {
		ethType = in.EncapType
	}

	l2 := uint32(in.DstMAC[5]^in.SrcMAC[5]) ^ uint32(ethType)
	if ethType != etherTypeIPv4 {
		return l2, true
	}

	switch policy {
	case HashLayer2:
		h = l2
	case HashLayer23, HashEncap23:
		h = fold(l2 ^ in.DstIP ^ in.SrcIP)
	case HashLayer34, HashEncap34:
		h = uint32(in.SrcPort) | uint32(in.DstPort)<<16
		h = fold(h ^ in.DstIP ^ in.SrcIP)
	default:
		return 0, false
	}
	return h, true
}

// fold mixes the upper bytes of h into the lowest byte.
func fold(h uint32) uint32 {
	h ^= h >> 16
	h ^= h >> 8
	return h
}
