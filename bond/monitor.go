package bond

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// DefaultLinkInterval is the link check interval of RunLinkMonitor.
const DefaultLinkInterval = 500 * time.Millisecond

// LinkMonitorConfig configures RunLinkMonitor.
type LinkMonitorConfig struct {
	Interval time.Duration
	// LinkStates returns the link state of every member in group order.
	LinkStates func() []bool
}

// CheckLinks restarts g if the link states up call for another active set
// than the current one and reports whether it did.
func (g *Group) CheckLinks(up []bool) (bool, error) {
	next := g.Failover(up)
	if slices.Equal(next, g.ActiveSet()) {
		return false, nil
	}
	active := make([]string, 0, len(next))
	for i, d := range next {
		if d.Active {
			active = append(active, g.names[i])
		}
	}
	g.log.Info("link state changed, restarting group", "up", up, "active", active)
	if err := g.Restart(next); err != nil {
		return true, fmt.Errorf("restarting: %w", err)
	}
	return true, nil
}

// RunLinkMonitor checks the member links every Interval until ctx is
// canceled and returns ctx.Err(). Failed restarts are logged and retried
// on the next check.
func RunLinkMonitor(ctx context.Context, g *Group, conf LinkMonitorConfig) error {
	if conf.Interval <= 0 {
		conf.Interval = DefaultLinkInterval
	}
	t := time.NewTicker(conf.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if _, err := g.CheckLinks(conf.LinkStates()); err != nil {
			g.log.Error("link failover failed", "err", err)
		}
	}
}
