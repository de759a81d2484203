// Package config loads the YAML configuration shared by the bond
// receiver and sender.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/romshark/afxdp-bond-go/afxdp"
	"github.com/romshark/afxdp-bond-go/bond"
	"github.com/romshark/afxdp-bond-go/flow"
	"github.com/romshark/afxdp-bond-go/logging"
	"github.com/romshark/afxdp-bond-go/ratelimit"
)

const (
	DefaultMTU           = 1500
	DefaultLinkPoll      = 500 * time.Millisecond
	DefaultStatsInterval = time.Second
	DefaultPacketSize    = 1360
	DefaultSrcPort       = 9000
	DefaultDstPort       = 12345
)

var (
	ErrNoInterface     = errors.New("member interface is required")
	ErrDuplicateMember = errors.New("duplicate member")
	ErrVLANOutOfRange  = errors.New("VLAN ID must be in 0..4094")
	ErrPacketTooSmall  = errors.New("packet size too small for Ethernet+IPv4+UDP")
	ErrPacketTooLarge  = errors.New("packet size exceeds frame size")
)

// Config is the root of the configuration file.
type Config struct {
	Bond    Bond     `yaml:"bond"`
	Members []Member `yaml:"members"`

	// Socket is the socket configuration shared by all members.
	// QueueID is taken from the member entry.
	Socket afxdp.SocketConfig `yaml:"socket"`
	Ring   afxdp.MemberConfig `yaml:"ring"`

	Poller  Poller         `yaml:"poller"`
	Logging logging.Config `yaml:"logging"`

	// Tap, if set, names a TAP device polled ahead of the members.
	Tap string `yaml:"tap"`

	// LinkPoll is the interval the link state of members is checked at.
	LinkPoll      time.Duration `yaml:"link-poll"`
	StatsInterval time.Duration `yaml:"stats-interval"`

	Recv Recv `yaml:"recv"`
	Send Send `yaml:"send"`
}

// Bond configures the group.
type Bond struct {
	Mode       bond.Mode       `yaml:"mode"`
	HashPolicy bond.HashPolicy `yaml:"xmit-hash-policy"`
	Kind       bond.Kind       `yaml:"kind"`
	// Tag is the VLAN ID of an Ethernet group or the partition key of an
	// InfiniBand group.
	Tag uint16 `yaml:"tag"`
	MTU uint32 `yaml:"mtu"`

	// Moderation is handed from the previously active member to the new
	// one on active-backup failover.
	Moderation struct {
		Enabled bool            `yaml:"enabled"`
		Default bond.Moderation `yaml:"default"`
	} `yaml:"moderation"`
}

// Member is one member ring: a queue of a network interface.
type Member struct {
	Name           string `yaml:"name"`
	Interface      string `yaml:"interface"`
	Queue          uint32 `yaml:"queue"`
	Active         bool   `yaml:"active"`
	PreferZerocopy bool   `yaml:"prefer-zerocopy"`
}

type Poller struct {
	IdleSpins    int  `yaml:"idle-spins"`
	LockOSThread bool `yaml:"lock-os-thread"`
}

// Recv configures the flows the receiver subscribes to.
type Recv struct {
	Flows []Flow `yaml:"flows,omitempty"`
}

// Flow is a 3-tuple, or a 5-tuple if the source is set.
type Flow struct {
	// Proto is udp (default) or tcp.
	Proto   string `yaml:"proto"`
	DstIP   string `yaml:"dst-ip"`
	DstPort uint16 `yaml:"dst-port"`
	SrcIP   string `yaml:"src-ip,omitempty"`
	SrcPort uint16 `yaml:"src-port,omitempty"`
}

// Tuple converts f into a flow match key.
func (f Flow) Tuple() (t flow.Tuple, err error) {
	switch f.Proto {
	case "", "udp":
		t.Proto = flow.ProtoUDP
	case "tcp":
		t.Proto = flow.ProtoTCP
	default:
		return t, fmt.Errorf("unsupported protocol %q", f.Proto)
	}
	if t.DstIP, err = parseIPv4(f.DstIP); err != nil {
		return t, fmt.Errorf("dst-ip: %w", err)
	}
	t.DstPort = f.DstPort
	if f.SrcIP != "" {
		if t.SrcIP, err = parseIPv4(f.SrcIP); err != nil {
			return t, fmt.Errorf("src-ip: %w", err)
		}
	}
	t.SrcPort = f.SrcPort
	return t, nil
}

func parseIPv4(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return a, err
	}
	if !a.Is4() {
		return a, fmt.Errorf("%s is not an IPv4 address", a)
	}
	return a, nil
}

// Send configures the generated UDP traffic of the sender.
type Send struct {
	DstMAC     string `yaml:"dst-mac"`
	SrcIP      string `yaml:"src-ip"`
	DstIP      string `yaml:"dst-ip"`
	SrcPort    uint16 `yaml:"src-port"`
	DstPort    uint16 `yaml:"dst-port"`
	PacketSize uint32 `yaml:"packet-size"`
	Count      uint64 `yaml:"count"`
	// Flows is the number of source ports traffic is spread over.
	Flows     uint16          `yaml:"flows"`
	RateLimit ratelimit.Limit `yaml:"rate-limit"`
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(b)
}

// Parse parses YAML. Unknown fields are an error.
// Defaults are not applied, see ValidateAndSetDefaults.
func Parse(b []byte) (*Config, error) {
	var c Config
	d := yaml.NewDecoder(bytes.NewReader(b))
	d.KnownFields(true)
	if err := d.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return &c, nil
}

// ValidateAndSetDefaults validates the configuration and fills in zero
// values. When no member is marked active, every member is activated,
// except in active-backup mode where only the first one is.
func (c *Config) ValidateAndSetDefaults() error {
	switch {
	case len(c.Members) == 0:
		return bond.ErrNoMembers
	case len(c.Members) > bond.MaxMembers:
		return bond.ErrTooManyMembers
	}
	if c.Bond.MTU == 0 {
		c.Bond.MTU = DefaultMTU
	}
	if c.Bond.Kind == bond.KindEthernet && c.Bond.Tag > 4094 {
		return ErrVLANOutOfRange
	}

	seen := make(map[string]struct{}, len(c.Members))
	anyActive := false
	for i := range c.Members {
		m := &c.Members[i]
		if m.Interface == "" {
			return fmt.Errorf("member %d: %w", i, ErrNoInterface)
		}
		key := fmt.Sprintf("%s/%d", m.Interface, m.Queue)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("member %d (%s): %w", i, key, ErrDuplicateMember)
		}
		seen[key] = struct{}{}
		if m.Name == "" {
			m.Name = key
		}
		anyActive = anyActive || m.Active
	}
	if !anyActive {
		for i := range c.Members {
			c.Members[i].Active = c.Bond.Mode != bond.ModeActiveBackup || i == 0
		}
	}

	if err := c.Socket.ValidateAndSetDefaults(); err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	if err := c.Ring.ValidateAndSetDefaults(c.Socket.RxSize); err != nil {
		return fmt.Errorf("ring: %w", err)
	}
	if err := c.Logging.ValidateAndSetDefaults(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Poller.IdleSpins <= 0 {
		c.Poller.IdleSpins = bond.DefaultIdleSpins
	}
	if c.LinkPoll <= 0 {
		c.LinkPoll = DefaultLinkPoll
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = DefaultStatsInterval
	}
	for i, f := range c.Recv.Flows {
		if _, err := f.Tuple(); err != nil {
			return fmt.Errorf("recv flow %d: %w", i, err)
		}
	}
	if err := c.Send.setDefaults(c.Socket.FrameSize); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (s *Send) setDefaults(frameSize uint32) error {
	if s.PacketSize == 0 {
		s.PacketSize = DefaultPacketSize
	}
	if s.PacketSize < MinPacketSize {
		return ErrPacketTooSmall
	}
	if s.PacketSize > frameSize {
		return ErrPacketTooLarge
	}
	if s.SrcPort == 0 {
		s.SrcPort = DefaultSrcPort
	}
	if s.DstPort == 0 {
		s.DstPort = DefaultDstPort
	}
	if s.Flows == 0 {
		s.Flows = 1
	}
	return s.RateLimit.Validate()
}

// MinPacketSize is the Ethernet, IPv4 and UDP headers plus a 4 byte
// sequence number.
const MinPacketSize = 14 + 20 + 8 + 4

// Addresses parses the sender's destination MAC and IPv4 addresses.
func (s *Send) Addresses() (dstMAC net.HardwareAddr, src, dst netip.Addr, err error) {
	if dstMAC, err = net.ParseMAC(s.DstMAC); err != nil {
		return nil, src, dst, fmt.Errorf("parsing dst-mac: %w", err)
	}
	if src, err = parseIPv4(s.SrcIP); err != nil {
		return nil, src, dst, fmt.Errorf("src-ip: %w", err)
	}
	if dst, err = parseIPv4(s.DstIP); err != nil {
		return nil, src, dst, fmt.Errorf("dst-ip: %w", err)
	}
	return dstMAC, src, dst, nil
}

// SocketFor returns the socket configuration of member i.
func (c *Config) SocketFor(i int) afxdp.SocketConfig {
	s := c.Socket
	s.QueueID = c.Members[i].Queue
	return s
}

// MemberSpecs returns the socket specs of all members in group order.
func (c *Config) MemberSpecs() []afxdp.MemberSpec {
	specs := make([]afxdp.MemberSpec, len(c.Members))
	for i, m := range c.Members {
		specs[i] = afxdp.MemberSpec{
			Interface:      m.Interface,
			PreferZerocopy: m.PreferZerocopy,
			Socket:         c.SocketFor(i),
		}
	}
	return specs
}

// GroupConfig converts the bond section and the members into a
// bond.Config using pool for unclaimed descriptors.
func (c *Config) GroupConfig(pool bond.Pool, log *slog.Logger) bond.Config {
	gc := bond.Config{
		Mode:       c.Bond.Mode,
		HashPolicy: c.Bond.HashPolicy,
		MTU:        c.Bond.MTU,
		Members:    make([]bond.MemberConfig, len(c.Members)),
		Moderation: bond.ModerationConfig{
			Enabled: c.Bond.Moderation.Enabled,
			Default: c.Bond.Moderation.Default,
		},
		Pool:   pool,
		Logger: log,
	}
	for i, m := range c.Members {
		gc.Members[i] = bond.MemberConfig{Name: m.Name, Active: m.Active}
	}
	return gc
}

// NewGroup creates the group of the configured kind.
func (c *Config) NewGroup(gc bond.Config, factory bond.MemberFactory) (*bond.Group, error) {
	if c.Bond.Kind == bond.KindInfiniBand {
		return bond.NewIBGroup(gc, c.Bond.Tag, factory)
	}
	return bond.NewEthGroup(gc, c.Bond.Tag, factory)
}
