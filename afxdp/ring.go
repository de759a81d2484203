package afxdp

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

var (
	ErrRegionIsEmpty   = errors.New("ring region is empty")
	ErrRingSizeNotPow2 = errors.New("ring size must be a power of two")
)

/*---- Kernel structs ----*/

// sockaddrXDP is struct sockaddr_xdp from linux/if_xdp.h.
type sockaddrXDP struct {
	Family       uint16
	Flags        uint16
	Ifindex      uint32
	QueueID      uint32
	SharedUmemFD uint32
}

// ringOffset is struct xdp_ring_offset from linux/if_xdp.h.
type ringOffset struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

// mmapOffsets is struct xdp_mmap_offsets from linux/if_xdp.h.
type mmapOffsets struct {
	Rx ringOffset
	Tx ringOffset
	Fr ringOffset
	Cr ringOffset
}

// umemReg is struct xdp_umem_reg from linux/if_xdp.h.
type umemReg struct {
	Addr      uint64
	Len       uint64
	ChunkSize uint32
	Headroom  uint32
}

// xdpDesc is struct xdp_desc from linux/if_xdp.h.
type xdpDesc struct {
	Addr uint64
	Len  uint32
	Opts uint32
}

// RxDesc is a received frame: its UMEM address and length.
type RxDesc struct {
	Addr uint64
	Len  uint32
}

/*---- Userspace views of the shared rings ----*/

// descRing is an RX or TX ring of frame descriptors. Cached indices
// reduce atomic traffic on the shared producer and consumer.
type descRing struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	descs      []xdpDesc
}

// addrRing is a fill or completion ring of raw UMEM addresses.
type addrRing struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	addrs      []uint64
}

func checkRing(region []byte, size uint32) error {
	if len(region) == 0 {
		return ErrRegionIsEmpty
	}
	if size == 0 || size&(size-1) != 0 {
		return ErrRingSizeNotPow2
	}
	return nil
}

// newDescRing builds an RX (producer is the kernel) or TX (producer is
// us) ring view over a mapped region.
func newDescRing(region []byte, off ringOffset, size uint32, isTx bool) (*descRing, error) {
	if err := checkRing(region, size); err != nil {
		return nil, err
	}
	base := unsafe.Pointer(&region[0])
	r := &descRing{
		mask:  size - 1,
		size:  size,
		prod:  (*uint32)(unsafe.Add(base, off.Producer)),
		cons:  (*uint32)(unsafe.Add(base, off.Consumer)),
		descs: unsafe.Slice((*xdpDesc)(unsafe.Add(base, off.Desc)), size),
	}
	if isTx {
		// All TX slots start free.
		r.cachedCons = size
	}
	return r, nil
}

// newAddrRing builds a fill (producer is us) or completion (producer is
// the kernel) ring view over a mapped region.
func newAddrRing(region []byte, off ringOffset, size uint32, isFill bool) (*addrRing, error) {
	if err := checkRing(region, size); err != nil {
		return nil, err
	}
	base := unsafe.Pointer(&region[0])
	r := &addrRing{
		mask:  size - 1,
		size:  size,
		prod:  (*uint32)(unsafe.Add(base, off.Producer)),
		cons:  (*uint32)(unsafe.Add(base, off.Consumer)),
		addrs: unsafe.Slice((*uint64)(unsafe.Add(base, off.Desc)), size),
	}
	if isFill {
		r.cachedCons = size
	}
	return r, nil
}

/*---- Consumer side (RX, CQ) ----*/

// available returns the number of descriptors ready to consume.
func (r *descRing) available() uint32 {
	if avail := r.cachedProd - r.cachedCons; avail > 0 {
		return avail
	}
	r.cachedProd = atomic.LoadUint32(r.prod)
	return r.cachedProd - r.cachedCons
}

// consume copies up to len(dst) received descriptors into dst and
// releases their ring slots to the kernel.
func (r *descRing) consume(dst []RxDesc) int {
	n := min(r.available(), uint32(len(dst)))
	for i := range n {
		d := r.descs[r.cachedCons&r.mask]
		dst[i] = RxDesc{Addr: d.Addr, Len: d.Len}
		r.cachedCons++
	}
	if n > 0 {
		atomic.StoreUint32(r.cons, r.cachedCons)
	}
	return int(n)
}

// available returns the number of addresses ready to consume, capped by nb.
func (r *addrRing) available(nb uint32) uint32 {
	entries := r.cachedProd - r.cachedCons
	if entries == 0 {
		r.cachedProd = atomic.LoadUint32(r.prod)
		entries = r.cachedProd - r.cachedCons
	}
	return min(entries, nb)
}

// consume copies completed addresses into dst and advances the consumer.
func (r *addrRing) consume(dst []uint64) int {
	n := r.available(uint32(len(dst)))
	for i := range n {
		dst[i] = r.addrs[r.cachedCons&r.mask]
		r.cachedCons++
	}
	if n > 0 {
		atomic.StoreUint32(r.cons, r.cachedCons)
	}
	return int(n)
}

/*---- Producer side (TX, FQ) ----*/

// free returns the number of free slots, at least nb if possible.
func (r *descRing) free(nb uint32) uint32 {
	if f := r.cachedCons - r.cachedProd; f >= nb {
		return f
	}
	r.cachedCons = atomic.LoadUint32(r.cons) + r.size
	return r.cachedCons - r.cachedProd
}

// produce posts as many of the descriptors as fit and publishes them.
// Returns the number posted.
func (r *descRing) produce(addrs []uint64, lens []uint32) int {
	n := min(r.free(uint32(len(addrs))), uint32(len(addrs)))
	for i := range n {
		d := &r.descs[r.cachedProd&r.mask]
		d.Addr, d.Len, d.Opts = addrs[i], lens[i], 0
		r.cachedProd++
	}
	if n > 0 {
		atomic.StoreUint32(r.prod, r.cachedProd)
	}
	return int(n)
}

func (r *addrRing) free(nb uint32) uint32 {
	if f := r.cachedCons - r.cachedProd; f >= nb {
		return f
	}
	r.cachedCons = atomic.LoadUint32(r.cons) + r.size
	return r.cachedCons - r.cachedProd
}

// produce posts as many of addrs as fit and returns the number posted.
func (r *addrRing) produce(addrs []uint64) int {
	n := min(r.free(uint32(len(addrs))), uint32(len(addrs)))
	for i := range n {
		r.addrs[r.cachedProd&r.mask] = addrs[i]
		r.cachedProd++
	}
	if n > 0 {
		atomic.StoreUint32(r.prod, r.cachedProd)
	}
	return int(n)
}
