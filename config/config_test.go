package config_test

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/romshark/afxdp-bond-go/afxdp"
	"github.com/romshark/afxdp-bond-go/bond"
	"github.com/romshark/afxdp-bond-go/config"
	"github.com/romshark/afxdp-bond-go/flow"
	"github.com/romshark/afxdp-bond-go/logging"
	"github.com/romshark/afxdp-bond-go/ratelimit"
)

const sample = `
bond:
  mode: active-backup
  xmit-hash-policy: layer3+4
  kind: ethernet
  tag: 100
  moderation:
    enabled: true
    default:
      period-usec: 50
      count: 32
members:
  - interface: eth0
    queue: 0
  - name: backup
    interface: eth1
    queue: 2
    prefer-zerocopy: true
socket:
  num-frames: 8192
ring:
  batch-size: 32
  rate-limit:
    pps: 1000
logging:
  level: DEBUG
link-poll: 250ms
send:
  dst-mac: "02:00:00:00:00:01"
  src-ip: 10.0.0.1
  dst-ip: 10.0.0.2
  flows: 8
`

func TestParseAndDefaults(t *testing.T) {
	c, err := config.Parse([]byte(sample))
	require.NoError(t, err)
	require.NoError(t, c.ValidateAndSetDefaults())

	assert.Equal(t, bond.ModeActiveBackup, c.Bond.Mode)
	assert.Equal(t, bond.HashLayer34, c.Bond.HashPolicy)
	assert.Equal(t, bond.KindEthernet, c.Bond.Kind)
	assert.Equal(t, uint16(100), c.Bond.Tag)
	assert.Equal(t, uint32(config.DefaultMTU), c.Bond.MTU)
	assert.Equal(t, bond.Moderation{PeriodUsec: 50, Count: 32}, c.Bond.Moderation.Default)

	require.Len(t, c.Members, 2)
	assert.Equal(t, "eth0/0", c.Members[0].Name)
	assert.Equal(t, "backup", c.Members[1].Name)
	assert.True(t, c.Members[1].PreferZerocopy)
	// Active-backup without explicit actives starts on the first member.
	assert.True(t, c.Members[0].Active)
	assert.False(t, c.Members[1].Active)

	assert.Equal(t, uint32(8192), c.Socket.NumFrames)
	assert.Equal(t, uint32(afxdp.DefaultFrameSize), c.Socket.FrameSize)
	assert.Equal(t, uint32(32), c.Ring.BatchSize)
	assert.Equal(t, uint32(32), c.Ring.Moderation.Count)
	assert.Equal(t, ratelimit.Limit{PPS: 1000}, c.Ring.RateLimit)

	assert.Equal(t, "debug", c.Logging.Level)
	assert.Equal(t, "text", c.Logging.Format)
	assert.Equal(t, 250*time.Millisecond, c.LinkPoll)
	assert.Equal(t, config.DefaultStatsInterval, c.StatsInterval)
	assert.Equal(t, bond.DefaultIdleSpins, c.Poller.IdleSpins)

	assert.Equal(t, uint32(config.DefaultPacketSize), c.Send.PacketSize)
	assert.Equal(t, uint16(config.DefaultSrcPort), c.Send.SrcPort)
	assert.Equal(t, uint16(config.DefaultDstPort), c.Send.DstPort)
	assert.Equal(t, uint16(8), c.Send.Flows)

	s := c.SocketFor(1)
	assert.Equal(t, uint32(2), s.QueueID)
	assert.Equal(t, uint32(8192), s.NumFrames)

	specs := c.MemberSpecs()
	require.Len(t, specs, len(c.Members))
	assert.Equal(t, c.Members[1].Interface, specs[1].Interface)
	assert.True(t, specs[1].PreferZerocopy)
	assert.Equal(t, s, specs[1].Socket)
}

func TestAllActiveOutsideActiveBackup(t *testing.T) {
	c, err := config.Parse([]byte(`
bond: {mode: 802.3ad}
members:
  - {interface: eth0}
  - {interface: eth1}
  - {interface: eth2}
`))
	require.NoError(t, err)
	require.NoError(t, c.ValidateAndSetDefaults())
	for _, m := range c.Members {
		assert.True(t, m.Active, m.Name)
	}
}

func TestExplicitActiveKept(t *testing.T) {
	c, err := config.Parse([]byte(`
bond: {mode: active-backup}
members:
  - {interface: eth0}
  - {interface: eth1, active: true}
`))
	require.NoError(t, err)
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.False(t, c.Members[0].Active)
	assert.True(t, c.Members[1].Active)
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		yaml string
	}{
		{"unknown field", "bogus: 1\n"},
		{"bad mode", "bond: {mode: balance-rr}\n"},
		{"bad policy", "bond: {xmit-hash-policy: vlan+srcmac}\n"},
		{"bad kind", "bond: {kind: fddi}\n"},
		{"bad duration", "link-poll: soon\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tc.yaml))
			require.Error(t, err)
		})
	}
}

func TestParseEmpty(t *testing.T) {
	c, err := config.Parse(nil)
	require.NoError(t, err)
	require.ErrorIs(t, c.ValidateAndSetDefaults(), bond.ErrNoMembers)
}

func TestValidateErrors(t *testing.T) {
	members := func(n int) []config.Member {
		m := make([]config.Member, n)
		for i := range m {
			m[i] = config.Member{Interface: "eth0", Queue: uint32(i)}
		}
		return m
	}
	for _, tc := range []struct {
		name   string
		modify func(c *config.Config)
		want   error
	}{
		{"too many members", func(c *config.Config) {
			c.Members = members(bond.MaxMembers + 1)
		}, bond.ErrTooManyMembers},
		{"no interface", func(c *config.Config) {
			c.Members[1].Interface = ""
		}, config.ErrNoInterface},
		{"duplicate", func(c *config.Config) {
			c.Members[1].Queue = 0
		}, config.ErrDuplicateMember},
		{"vlan", func(c *config.Config) {
			c.Bond.Tag = 4095
		}, config.ErrVLANOutOfRange},
		{"frames", func(c *config.Config) {
			c.Socket.NumFrames = 16
		}, afxdp.ErrNumFramesTooSmall},
		{"batch", func(c *config.Config) {
			c.Ring.BatchSize = afxdp.DefaultRxQueueSize + 1
		}, afxdp.ErrBatchTooLarge},
		{"packet too small", func(c *config.Config) {
			c.Send.PacketSize = 20
		}, config.ErrPacketTooSmall},
		{"packet too large", func(c *config.Config) {
			c.Send.PacketSize = afxdp.DefaultFrameSize + 1
		}, config.ErrPacketTooLarge},
		{"burst without rate", func(c *config.Config) {
			c.Send.RateLimit.BurstPackets = 10
		}, ratelimit.ErrBurstWithoutRate},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := &config.Config{Members: members(2)}
			tc.modify(c)
			require.ErrorIs(t, c.ValidateAndSetDefaults(), tc.want)
		})
	}

	c := &config.Config{Members: members(2), Logging: logging.Config{Level: "loud"}}
	require.Error(t, c.ValidateAndSetDefaults())
}

func TestInfiniBandTagUnrestricted(t *testing.T) {
	c := &config.Config{
		Bond:    config.Bond{Kind: bond.KindInfiniBand, Tag: 0xFFFF},
		Members: []config.Member{{Interface: "ib0"}},
	}
	require.NoError(t, c.ValidateAndSetDefaults())
}

func TestAddresses(t *testing.T) {
	s := config.Send{DstMAC: "02:00:00:00:00:01", SrcIP: "10.0.0.1", DstIP: "10.0.0.2"}
	mac, src, dst, err := s.Addresses()
	require.NoError(t, err)
	assert.Equal(t, "02:00:00:00:00:01", mac.String())
	assert.Equal(t, "10.0.0.1", src.String())
	assert.Equal(t, "10.0.0.2", dst.String())

	for _, bad := range []config.Send{
		{DstMAC: "nope", SrcIP: "10.0.0.1", DstIP: "10.0.0.2"},
		{DstMAC: "02:00:00:00:00:01", SrcIP: "::1", DstIP: "10.0.0.2"},
		{DstMAC: "02:00:00:00:00:01", SrcIP: "10.0.0.1"},
	} {
		_, _, _, err := bad.Addresses()
		require.Error(t, err)
	}
}

func TestGroupConfigAndNewGroup(t *testing.T) {
	c, err := config.Parse([]byte(sample))
	require.NoError(t, err)
	require.NoError(t, c.ValidateAndSetDefaults())

	gc := c.GroupConfig(nil, nil)
	assert.Equal(t, bond.ModeActiveBackup, gc.Mode)
	assert.Equal(t, bond.HashLayer34, gc.HashPolicy)
	assert.True(t, gc.Moderation.Enabled)
	assert.Equal(t, []bond.MemberConfig{
		{Name: "eth0/0", Active: true},
		{Name: "backup", Active: false},
	}, gc.Members)

	_, err = c.NewGroup(gc, nil)
	require.ErrorIs(t, err, bond.ErrNoPool)
}

func TestLoadAndRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bond.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	c, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, c.ValidateAndSetDefaults())

	b, err := yaml.Marshal(c)
	require.NoError(t, err)
	assert.Contains(t, string(b), "mode: active-backup")
	assert.Contains(t, string(b), "xmit-hash-policy: layer3+4")
	assert.Contains(t, string(b), "link-poll: 250ms")

	again, err := config.Parse(b)
	require.NoError(t, err)
	assert.Equal(t, c, again)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestFlowTuple(t *testing.T) {
	tu, err := config.Flow{DstIP: "10.0.0.2", DstPort: 5000}.Tuple()
	require.NoError(t, err)
	assert.Equal(t, flow.Tuple{
		Proto: flow.ProtoUDP, DstIP: netip.MustParseAddr("10.0.0.2"), DstPort: 5000,
	}, tu)
	assert.True(t, tu.Is3Tuple())

	tu, err = config.Flow{
		Proto: "tcp", DstIP: "10.0.0.2", DstPort: 80, SrcIP: "10.0.0.9", SrcPort: 4000,
	}.Tuple()
	require.NoError(t, err)
	assert.True(t, tu.IsTCP())
	assert.False(t, tu.Is3Tuple())

	for _, bad := range []config.Flow{
		{Proto: "sctp", DstIP: "10.0.0.2"},
		{DstIP: "fe80::1"},
		{DstIP: "10.0.0.2", SrcIP: "nope"},
	} {
		_, err := bad.Tuple()
		require.Error(t, err)
	}

	c := &config.Config{
		Members: []config.Member{{Interface: "eth0"}},
		Recv:    config.Recv{Flows: []config.Flow{{DstIP: "x"}}},
	}
	require.ErrorContains(t, c.ValidateAndSetDefaults(), "recv flow 0")
}
