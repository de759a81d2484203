//go:build linux

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/afxdp-bond-go/afxdp"
	"github.com/romshark/afxdp-bond-go/bond"
	"github.com/romshark/afxdp-bond-go/bufpool"
	"github.com/romshark/afxdp-bond-go/config"
	"github.com/romshark/afxdp-bond-go/logging"
	"github.com/romshark/afxdp-bond-go/ringstat"
)

func loadConfig() (*config.Config, error) {
	fConfig := flag.String("config", "bond.yaml", "path to config YAML file")
	fMode := flag.String("mode", "", "bond mode (overrides bond.mode)")
	fPolicy := flag.String("policy", "", "transmit hash policy (overrides bond.xmit-hash-policy)")
	fCount := flag.Uint64("n", 0, "packets to send (overrides send.count)")
	fPPS := flag.Uint64("pps", 0, "rate limit in packets per second (overrides send.rate-limit.pps)")
	flag.Parse()

	conf, err := config.Load(*fConfig)
	if err != nil {
		return nil, err
	}
	if *fMode != "" {
		if conf.Bond.Mode, err = bond.ModeByName(*fMode); err != nil {
			return nil, err
		}
	}
	if *fPolicy != "" {
		if conf.Bond.HashPolicy, err = bond.HashPolicyByName(*fPolicy); err != nil {
			return nil, err
		}
	}
	if *fCount != 0 {
		conf.Send.Count = *fCount
	}
	if *fPPS != 0 {
		conf.Send.RateLimit.PPS = *fPPS
	}
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

// buildUDPPacket writes an Ethernet/IPv4/UDP frame of pktSize bytes with
// seq as the first payload word. The IPv4 checksum is left to the member.
func buildUDPPacket(buf []byte,
	srcMAC, dstMAC net.HardwareAddr,
	srcIP, dstIP netip.Addr,
	srcPort, dstPort uint16,
	seq uint32,
	pktSize uint32,
) uint32 {
	const ethLen = 14
	const ipLen = 20
	const udpLen = 8

	payloadLen := pktSize - (ethLen + ipLen + udpLen)
	clear(buf[:ethLen+ipLen+udpLen])

	copy(buf[0:6], dstMAC)
	copy(buf[6:12], srcMAC)
	buf[12], buf[13] = 0x08, 0x00

	ip := buf[ethLen:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:], uint16(ipLen+udpLen+payloadLen))
	ip[8] = 64
	ip[9] = 17
	src, dst := srcIP.As4(), dstIP.As4()
	copy(ip[12:16], src[:])
	copy(ip[16:20], dst[:])

	udp := ip[ipLen:]
	binary.BigEndian.PutUint16(udp[0:], srcPort)
	binary.BigEndian.PutUint16(udp[2:], dstPort)
	binary.BigEndian.PutUint16(udp[4:], uint16(udpLen+payloadLen))

	payload := udp[udpLen:]
	binary.BigEndian.PutUint32(payload[:4], seq)

	return pktSize
}

// hashInput returns the slot selection fields of a frame built by
// buildUDPPacket.
func hashInput(srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP netip.Addr,
	srcPort, dstPort uint16,
) (in bond.HashInput) {
	copy(in.SrcMAC[:], srcMAC)
	copy(in.DstMAC[:], dstMAC)
	in.EthType = 0x0800
	src, dst := srcIP.As4(), dstIP.As4()
	in.SrcIP = binary.BigEndian.Uint32(src[:])
	in.DstIP = binary.BigEndian.Uint32(dst[:])
	in.SrcPort, in.DstPort = srcPort, dstPort
	return in
}

type sendStats struct {
	sent     uint64
	bytes    uint64
	noBuffer uint64
	elapsed  time.Duration
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	dstMAC, srcIP, dstIP, err := conf.Send.Addresses()
	fatalIf(err, "reading send addresses")

	log, err := logging.New(os.Stderr, conf.Logging)
	fatalIf(err, "creating logger")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	members := afxdp.NewBundle(log)
	defer func() {
		if err := members.Close(); err != nil {
			log.Error("closing members", "err", err)
		}
	}()

	ring := conf.Ring
	ring.Logger = log
	pool := bufpool.NewPool(0, int(conf.Socket.FrameSize))
	g, err := conf.NewGroup(conf.GroupConfig(pool, log),
		members.Factory(conf.MemberSpecs(), ring))
	fatalIf(err, "creating bond group")

	if conf.Send.RateLimit.PPS != 0 {
		if !g.IsRateLimitSupported(conf.Send.RateLimit) {
			fatalIf(errors.New("not supported by all members"),
				"rate limit %s", conf.Send.RateLimit)
		}
		fatalIf(g.ModifyRateLimit(conf.Send.RateLimit), "setting rate limit")
	}

	// Members of a bond share the MAC of the first one.
	srcMAC := members.Interface(conf.Members[0].Interface).HardwareAddr()

	fmt.Fprintf(os.Stderr,
		"AF_XDP bond TX: mode=%s policy=%s members=%d dst_mac=%s src_ip=%s dst_ip=%s "+
			"dst_port=%d flows=%d count=%d rate=%s\n",
		g.Mode(), conf.Bond.HashPolicy, g.Len(), dstMAC, srcIP, dstIP,
		conf.Send.DstPort, conf.Send.Flows, conf.Send.Count, conf.Send.RateLimit,
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = bond.RunLinkMonitor(ctx, g, bond.LinkMonitorConfig{
			Interval:   conf.LinkPoll,
			LinkStates: members.LinkStates,
		})
	}()
	ctxStats, cancelStats := context.WithCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		printStats(ctxStats, g, conf.StatsInterval)
	}()

	var stats sendStats
	start := time.Now()
	for seq := uint32(0); ctx.Err() == nil; {
		if conf.Send.Count != 0 && stats.sent >= conf.Send.Count {
			break
		}
		srcPort := conf.Send.SrcPort + uint16(stats.sent%uint64(conf.Send.Flows))
		slot := g.GenerateID(hashInput(srcMAC, dstMAC, srcIP, dstIP,
			srcPort, conf.Send.DstPort))

		d := g.TxBuffer(slot, true, 1)
		if d == nil {
			// No member can transmit, wait for the link monitor.
			stats.noBuffer++
			time.Sleep(time.Millisecond)
			continue
		}
		d.Len = buildUDPPacket(d.Buf, srcMAC, dstMAC, srcIP, dstIP,
			srcPort, conf.Send.DstPort, seq, conf.Send.PacketSize)
		g.Send(slot, d, bond.TxL3Csum)

		seq++
		stats.sent++
		stats.bytes += uint64(d.Len)
	}
	stats.elapsed = time.Since(start)

	{
		d := 300 * time.Millisecond
		fmt.Fprintf(os.Stderr, "waiting %s for completions...\n", d)
		time.Sleep(d)
	}
	cancelStats()
	stop()
	wg.Wait()

	printFinalReport(g, &stats)
}

func printStats(ctx context.Context, g *bond.Group, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	last := ringstat.Snapshot(g)
	lastTime := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		now := time.Now()
		dt := now.Sub(lastTime).Seconds()
		lastTime = now

		cur := ringstat.Snapshot(g)
		diff := cur.Since(last)
		last = cur

		fmt.Printf("TX=%d TX-PPS=%d TX-Mbps=%.1f drops=%d\n",
			cur.Total(ringstat.TxPackets),
			uint64(float64(diff.Total(ringstat.TxPackets))/dt),
			float64(diff.Total(ringstat.TxBytes)*8)/1e6/dt,
			cur[ringstat.GroupKey][ringstat.TxDrops],
		)
	}
}

func printFinalReport(g *bond.Group, stats *sendStats) {
	snap := ringstat.Snapshot(g)
	txPackets := snap.Total(ringstat.TxPackets)
	txErrors := snap.Total(ringstat.TxErrors)
	drops := snap[ringstat.GroupKey][ringstat.TxDrops]

	elapsed := stats.elapsed.Seconds()
	avgPPS := uint64(float64(stats.sent) / elapsed)
	avgMbps := float64(stats.bytes*8) / 1e6 / elapsed

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" Generated:         %d packets\n", stats.sent)
	p.Printf(" TX:                %d packets\n", txPackets)
	p.Printf(" TX Avg PPS:        %d\n", avgPPS)
	p.Printf(" TX Avg rate:       %.1f Mbps\n", avgMbps)
	p.Printf(" TX errors:         %d\n", txErrors)
	p.Printf(" Failover drops:    %d\n", drops)
	p.Printf(" No buffer:         %d\n", stats.noBuffer)
	p.Print("\n")

	aliases := make(map[string]string, g.Len())
	for i, d := range g.ActiveSet() {
		if d.Active {
			aliases[g.MemberName(i)] = "active"
		}
	}
	_ = ringstat.Print(os.Stdout, snap, aliases)
}
