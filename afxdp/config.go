package afxdp

import (
	"errors"
	"log/slog"
	"time"

	"github.com/romshark/afxdp-bond-go/bond"
	"github.com/romshark/afxdp-bond-go/ratelimit"
)

const (
	DefaultNumFrames          = 4096
	DefaultFrameSize          = 2048
	DefaultTxQueueSize        = 2048
	DefaultRxQueueSize        = DefaultTxQueueSize
	DefaultCompletionRingSize = 2048
	DefaultBatchSize          = 64

	// DefaultWaitTimeout bounds a single wait for RX activity.
	DefaultWaitTimeout = 100 * time.Millisecond
)

var (
	ErrNumFramesTooSmall = errors.New("NumFrames must be >= TxSize + RxSize")
	ErrBatchTooLarge     = errors.New("BatchSize must not exceed RxSize")
)

type SocketConfig struct {
	// QueueID identifies the NIC RX/TX queue to bind to.
	QueueID uint32 `yaml:"queue"`
	// NumFrames is the total number of UMEM frames allocated.
	NumFrames uint32 `yaml:"num-frames"`
	// FrameSize defines the size of each UMEM frame in bytes.
	FrameSize uint32 `yaml:"frame-size"`
	// RxSize sets the number of descriptors in the RX and fill rings.
	RxSize uint32 `yaml:"rx-size"`
	// TxSize sets the number of descriptors in the TX ring.
	TxSize uint32 `yaml:"tx-size"`
	// CqSize sets the number of entries in the completion ring.
	CqSize uint32 `yaml:"cq-size"`
}

func (c *SocketConfig) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.RxSize == 0 {
		c.RxSize = DefaultRxQueueSize
	}
	if c.TxSize == 0 {
		c.TxSize = DefaultTxQueueSize
	}
	if c.CqSize == 0 {
		c.CqSize = DefaultCompletionRingSize
	}
	if c.NumFrames < c.TxSize+c.RxSize {
		return ErrNumFramesTooSmall
	}
	return nil
}

// MemberConfig configures a Member.
type MemberConfig struct {
	// BatchSize is the maximum number of frames received per poll and the
	// moderation count ceiling.
	BatchSize uint32 `yaml:"batch-size"`
	// Moderation is the initial RX moderation: Count frames per poll and
	// PeriodUsec as the wait budget.
	Moderation bond.Moderation `yaml:"moderation"`
	// AdaptiveModeration lets AdaptModeration derive Count from the
	// observed packet rate.
	AdaptiveModeration bool `yaml:"adaptive-moderation"`
	// RateLimit caps the transmit rate.
	RateLimit ratelimit.Limit `yaml:"rate-limit"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *MemberConfig) ValidateAndSetDefaults(rxSize uint32) error {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchSize > rxSize {
		return ErrBatchTooLarge
	}
	if c.Moderation.Count == 0 || c.Moderation.Count > c.BatchSize {
		c.Moderation.Count = c.BatchSize
	}
	if c.Moderation.PeriodUsec == 0 {
		c.Moderation.PeriodUsec = uint32(DefaultWaitTimeout / time.Microsecond)
	}
	return c.RateLimit.Validate()
}

// MemberSpec describes the socket of one bond member.
type MemberSpec struct {
	Interface      string
	PreferZerocopy bool
	Socket         SocketConfig
}
