//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/romshark/afxdp-bond-go/afxdp"
	"github.com/romshark/afxdp-bond-go/bond"
	"github.com/romshark/afxdp-bond-go/bufpool"
	"github.com/romshark/afxdp-bond-go/config"
	"github.com/romshark/afxdp-bond-go/flow"
	"github.com/romshark/afxdp-bond-go/logging"
	"github.com/romshark/afxdp-bond-go/ringstat"
	"github.com/romshark/afxdp-bond-go/tap"
)

// tapBuffers is the number of pool descriptors the TAP device reads into.
const tapBuffers = 256

func loadConfig() (*config.Config, error) {
	fConfig := flag.String("config", "bond.yaml", "path to config YAML file")
	fMode := flag.String("mode", "", "bond mode (overrides bond.mode)")
	fTap := flag.String("tap", "", "TAP device polled ahead of the members (overrides tap)")
	fLevel := flag.String("log", "", "log level (overrides logging.level)")
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
	if *fTap != "" {
		conf.Tap = *fTap
	}
	if *fLevel != "" {
		conf.Logging.Level = *fLevel
	}
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if len(conf.Recv.Flows) == 0 {
		return nil, errors.New("recv.flows is empty")
	}
	return conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

// counter is the sink of one configured flow. Delivered frames are
// counted and queued until the poller hands them back to the group.
type counter struct {
	flow    flow.Tuple
	packets atomic.Uint64
	bytes   atomic.Uint64
	pending bufpool.Queue
}

func (c *counter) Deliver(d *bufpool.Desc) bool {
	c.packets.Add(1)
	c.bytes.Add(uint64(d.Len))
	c.pending.PushBack(d)
	return true
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	{
		fmt.Fprintln(os.Stderr, "FINAL CONFIG:")
		b, err := yaml.Marshal(conf)
		fatalIf(err, "encoding config")
		fmt.Fprintln(os.Stderr, string(b))
	}

	log, err := logging.New(os.Stderr, conf.Logging)
	fatalIf(err, "creating logger")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *bufpool.Pool
	if conf.Tap != "" {
		pool = bufpool.NewPool(tapBuffers, int(conf.Socket.FrameSize))
	} else {
		pool = bufpool.NewPool(0, int(conf.Socket.FrameSize))
	}

	gc := conf.GroupConfig(pool, log)
	var dev *tap.Device
	if conf.Tap != "" {
		dev, err = tap.Open(conf.Tap, pool, log)
		fatalIf(err, "opening TAP device %s", conf.Tap)
		defer func() { _ = dev.Close() }()
		gc.Ingress, gc.Steerer = dev, dev
	}

	members := afxdp.NewBundle(log)
	defer func() {
		if err := members.Close(); err != nil {
			log.Error("closing members", "err", err)
		}
	}()

	ring := conf.Ring
	ring.Logger = log
	g, err := conf.NewGroup(gc, members.Factory(conf.MemberSpecs(), ring))
	fatalIf(err, "creating bond group")

	counters := make([]*counter, len(conf.Recv.Flows))
	for i, f := range conf.Recv.Flows {
		t, err := f.Tuple()
		fatalIf(err, "recv flow %d", i)
		c := &counter{flow: t}
		if !g.AttachFlow(t, c) {
			fatalIf(errors.New("no member accepted the flow"), "attaching %s", t)
		}
		if dev != nil {
			dev.AttachFlow(t, c)
		}
		counters[i] = c
	}

	fmt.Fprintf(os.Stderr, "AF_XDP bond RX: mode=%s members=%d flows=%d tap=%q\n",
		g.Mode(), g.Len(), len(counters), conf.Tap)

	phyBefore, phyErr := ringstat.PhySnapshot(members.InterfaceNames())
	if phyErr != nil {
		log.Warn("reading NIC counters", "err", phyErr)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = bond.RunLinkMonitor(ctx, g, bond.LinkMonitorConfig{
			Interval:   conf.LinkPoll,
			LinkStates: members.LinkStates,
		})
	}()
	start := time.Now()
	go func() {
		defer wg.Done()
		printStats(ctx, g, conf)
	}()

	fds := g.RxChannelFDs()
	if dev != nil {
		fds = append(fds, dev.FD())
	}
	waitTimeoutMS := max(1, int(time.Duration(conf.Ring.Moderation.PeriodUsec)*
		time.Microsecond/time.Millisecond))

	err = bond.RunPoller(ctx, g, bond.PollerConfig{
		IdleSpins:    conf.Poller.IdleSpins,
		LockOSThread: conf.Poller.LockOSThread,
		Wait: func(context.Context) error {
			return afxdp.WaitFDs(fds, waitTimeoutMS)
		},
		OnReady: func(ready *flow.Ready) error {
			for _, s := range ready.Sinks() {
				g.ReclaimRxBuffers(&s.(*counter).pending)
			}
			return nil
		},
	})
	stop()
	wg.Wait()
	if !errors.Is(err, context.Canceled) {
		log.Error("polling stopped", "err", err)
	}

	printFinalReport(log, g, members, counters, time.Since(start), phyBefore, phyErr)
}

// printStats prints the received packet rate every stats interval.
func printStats(ctx context.Context, g *bond.Group, conf *config.Config) {
	ticker := time.NewTicker(conf.StatsInterval)
	defer ticker.Stop()

	var (
		last     = ringstat.Snapshot(g)
		lastTime = time.Now()
		maxPPS   float64
		maxMbps  float64
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if conf.Ring.AdaptiveModeration {
			g.AdaptModeration()
		}

		now := time.Now()
		elapsed := now.Sub(lastTime).Seconds()
		cur := ringstat.Snapshot(g)
		diff := cur.Since(last)

		pps := float64(diff.Total(ringstat.RxPackets)) / elapsed
		mbps := float64(diff.Total(ringstat.RxBytes)*8) / elapsed / 1e6
		maxPPS = max(maxPPS, pps)
		maxMbps = max(maxMbps, mbps)

		fmt.Printf(
			"total=%d | cur=%.0f pps %.2f Mbit/s | max=%.0f pps %.2f Mbit/s\n",
			cur.Total(ringstat.RxPackets),
			pps,
			mbps,
			maxPPS,
			maxMbps,
		)

		last = cur
		lastTime = now
	}
}

func printFinalReport(
	log *slog.Logger,
	g *bond.Group,
	members *afxdp.Bundle,
	counters []*counter,
	elapsed time.Duration,
	phyBefore ringstat.Stats,
	phyErr error,
) {
	fmt.Fprintf(os.Stderr, "\nFINAL REPORT (%s)\n", elapsed.Round(time.Millisecond))
	for _, c := range counters {
		fmt.Fprintf(os.Stderr, " %-40s packets=%d bytes=%d\n",
			c.flow, c.packets.Load(), c.bytes.Load())
	}

	aliases := make(map[string]string, g.Len())
	for i, d := range g.ActiveSet() {
		if d.Active {
			aliases[g.MemberName(i)] = "active"
		} else {
			aliases[g.MemberName(i)] = "inactive"
		}
	}
	if err := ringstat.Print(os.Stderr, ringstat.Snapshot(g), aliases); err != nil {
		log.Error("printing ring stats", "err", err)
	}

	if phyErr != nil {
		return
	}
	phyAfter, err := ringstat.PhySnapshot(members.InterfaceNames())
	if err != nil {
		log.Warn("reading NIC counters", "err", err)
		return
	}
	fmt.Fprintln(os.Stderr, "\nNIC counters:")
	if err := ringstat.Print(os.Stderr, phyAfter.Since(phyBefore), nil); err != nil {
		log.Error("printing NIC stats", "err", err)
	}
}
