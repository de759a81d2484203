package bond

import (
	"github.com/romshark/afxdp-bond-go/bufpool"
	"github.com/romshark/afxdp-bond-go/flow"
	"github.com/romshark/afxdp-bond-go/ratelimit"
)

// SlotID is a logical slot of a group. Upper layers address the group
// by slot, the group resolves slots to member rings.
type SlotID uint32

// QueueClass selects the completion queue a notification is armed on.
type QueueClass uint8

const (
	QueueRx QueueClass = iota
	QueueTx
)

func (c QueueClass) String() string {
	if c == QueueTx {
		return "tx"
	}
	return "rx"
}

// SendAttr carries per-packet transmit attributes.
type SendAttr uint32

const (
	// TxL3Csum requests L3 checksum offload.
	TxL3Csum SendAttr = 1 << iota
	// TxL4Csum requests L4 checksum offload.
	TxL4Csum
	// TxShared marks a buffer whose reference is held by the caller.
	// Such buffers are never released by the group when a send is dropped.
	TxShared
)

// Moderation is an interrupt coalescing setting.
type Moderation struct {
	PeriodUsec uint32 `yaml:"period-usec"`
	Count      uint32 `yaml:"count"`
}

// MemberRing is the capability set of a physical queue pair.
// Members are accessed only through this interface.
type MemberRing interface {
	bufpool.Owner

	// AttachFlow registers sink for the flow t.
	AttachFlow(t flow.Tuple, sink flow.Sink) bool
	// DetachFlow removes sink from the flow t.
	DetachFlow(t flow.Tuple, sink flow.Sink) bool

	// PollRx processes received completions and returns the number
	// of processed elements. sn is updated with the latest poll sequence.
	PollRx(sn *uint64, ready *flow.Ready) (int, error)
	// Drain processes everything pending on the receive side.
	Drain() (int, error)
	// WaitAndProcess acknowledges a notification and processes completions.
	WaitAndProcess(sn *uint64, ready *flow.Ready) (int, error)
	// ArmNotification requests a notification on the next completion of
	// class unless completions newer than sn are already pending.
	ArmNotification(class QueueClass, sn uint64) (int, error)
	// RxChannelFD returns the file descriptor receive notifications
	// are delivered on.
	RxChannelFD() int

	// TxBuffer allocates a chain of n transmit descriptors.
	// Returns nil if none are available and block is false.
	TxBuffer(slot SlotID, block bool, n int) *bufpool.Desc
	// ReleaseTxBuffers takes back a chain of transmit descriptors
	// owned by this ring and returns how many were released.
	ReleaseTxBuffers(head *bufpool.Desc, accounting, trylock bool) int
	// ReclaimRxBuffers takes back receive descriptors owned by this ring.
	// Returning false leaves the descriptors in q.
	ReclaimRxBuffers(q *bufpool.Queue) bool
	// Send posts d, which must be owned by this ring.
	Send(slot SlotID, d *bufpool.Desc, attr SendAttr)
	// DummySendSupported reports whether a dummy send can be posted for d.
	DummySendSupported(slot SlotID, d *bufpool.Desc) bool
	IncTxRetransmissions(slot SlotID)

	// IsUp reports the ring's own link state. May be called without
	// any group lock held.
	IsUp() bool
	// MaxInline returns the maximum inline send size in bytes.
	MaxInline() int
	// StartActive starts the ring's active hardware context.
	StartActive() error
	// StopActive stops the ring's active hardware context.
	StopActive() error

	Moderation() Moderation
	SetModeration(m Moderation) error
	// AdaptModeration re-evaluates adaptive coalescing.
	AdaptModeration()

	ModifyRateLimit(l ratelimit.Limit) error
	IsRateLimitSupported(l ratelimit.Limit) bool
}

// Pool is the general buffer pool descriptors are returned to when no
// member claims them. Implementations must be safe for concurrent use.
type Pool interface {
	ReturnBatch(q *bufpool.Queue)
	ReturnChain(head *bufpool.Desc) int
}

// VirtualIngress is a software ingress path polled ahead of the members,
// e.g. a TAP device receiving traffic the hardware doesn't steer.
type VirtualIngress interface {
	// PollRx processes at most one pending element and returns
	// the number of payload bytes delivered.
	PollRx(ready *flow.Ready) int
}

// FlowSteerer installs steering rules for TCP flows on the virtual
// ingress path.
type FlowSteerer interface {
	// Ready reports whether the steerer can currently accept rules.
	Ready() bool
	AddFlow(t flow.Tuple) error
	DelFlow(t flow.Tuple) error
}
