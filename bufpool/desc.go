// Package bufpool provides zero-copy buffer descriptors and the shared pool
// orphaned descriptors are returned to.
//
// A Desc is always owned by the ring that allocated it. Rings hand
// descriptors to consumers and get them back either one by one, as a
// singly-linked chain (TX completions) or as a Queue (RX reclamation).
package bufpool

// Owner is the ring a descriptor belongs to.
// Owners are compared by identity, implementations must be pointers.
type Owner interface {
	// ReturnTx gives a single completed TX descriptor back to its owner.
	ReturnTx(d *Desc)
	// ReturnRx gives a single consumed RX descriptor back to its owner.
	ReturnRx(d *Desc)
}

// Desc describes a single packet buffer.
type Desc struct {
	// Owner is the ring that allocated the descriptor.
	// nil means the descriptor belongs to the pool itself.
	Owner Owner

	// Next links descriptors into chains.
	Next *Desc

	// Buf is the full backing frame.
	Buf []byte

	// Addr is the owner specific address of Buf (e.g. a UMEM offset).
	Addr uint64

	// Len is the number of valid bytes in Buf.
	Len uint32
}

// Payload returns the valid part of the buffer.
func (d *Desc) Payload() []byte { return d.Buf[:d.Len] }

// Reset clears the chain link and the payload length.
func (d *Desc) Reset() {
	d.Next = nil
	d.Len = 0
}

// ChainLen returns the number of descriptors in the chain starting at head.
func ChainLen(head *Desc) (n int) {
	for d := head; d != nil; d = d.Next {
		n++
	}
	return n
}

// Chain links ds in order and returns the head.
func Chain(ds ...*Desc) *Desc {
	if len(ds) == 0 {
		return nil
	}
	for i := 0; i < len(ds)-1; i++ {
		ds[i].Next = ds[i+1]
	}
	ds[len(ds)-1].Next = nil
	return ds[0]
}

// Tail returns the last descriptor of the chain.
func Tail(head *Desc) *Desc {
	if head == nil {
		return nil
	}
	for head.Next != nil {
		head = head.Next
	}
	return head
}
