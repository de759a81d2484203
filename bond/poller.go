package bond

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/romshark/afxdp-bond-go/flow"
)

// DefaultIdleSpins is the number of empty polls before the poller arms
// RX notifications and waits.
const DefaultIdleSpins = 64

// PollerConfig configures RunPoller.
type PollerConfig struct {
	// IdleSpins is the number of consecutive empty polls before waiting.
	IdleSpins int
	// Wait blocks until a member signals RX activity or a timeout expires.
	// nil makes the poller spin.
	Wait func(ctx context.Context) error
	// OnReady is called after every poll that processed elements with the
	// sinks that received data. Returning an error stops the poller.
	OnReady func(ready *flow.Ready) error
	// LockOSThread pins the polling goroutine to its OS thread.
	LockOSThread bool
}

// RunPoller polls g until ctx is done and returns ctx.Err().
// Contention (ErrBusy) is never an error, the poller yields and retries.
// Member errors stop the poller and are returned.
func RunPoller(ctx context.Context, g *Group, conf PollerConfig) error {
	if conf.IdleSpins <= 0 {
		conf.IdleSpins = DefaultIdleSpins
	}
	if conf.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	var (
		sn    uint64
		ready flow.Ready
		idle  int
	)

	// handle returns true if elements were processed.
	handle := func(n int, err error) (bool, error) {
		switch {
		case errors.Is(err, ErrBusy):
			runtime.Gosched()
			return false, nil
		case err != nil:
			return false, fmt.Errorf("polling: %w", err)
		case n == 0:
			return false, nil
		}
		if conf.OnReady != nil {
			if err := conf.OnReady(&ready); err != nil {
				return true, err
			}
		}
		return true, nil
	}

	for ctx.Err() == nil {
		ready.Reset()
		progressed, err := handle(g.PollOnce(&sn, &ready))
		if err != nil {
			return err
		}
		if progressed {
			idle = 0
			continue
		}

		idle++
		if idle < conf.IdleSpins || conf.Wait == nil {
			continue
		}
		idle = 0

		if _, err := g.RequestNotification(QueueRx, sn); err != nil {
			if errors.Is(err, ErrBusy) {
				continue
			}
			return fmt.Errorf("arming rx notification: %w", err)
		}
		if err := conf.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("waiting for rx notification: %w", err)
		}

		ready.Reset()
		if _, err := handle(g.WaitAndProcess(&sn, &ready)); err != nil {
			return err
		}
	}
	return ctx.Err()
}
