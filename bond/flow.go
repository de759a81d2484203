package bond

import "github.com/romshark/afxdp-bond-go/flow"

// AttachFlow registers sink for t on every member.
//
// The result is true only if every member succeeded. Members that did
// succeed stay subscribed on partial failure.
func (g *Group) AttachFlow(t flow.Tuple, sink flow.Sink) bool {
	g.lockRx.Lock()
	defer g.lockRx.Unlock()

	if g.steerer != nil && !g.steerer.Ready() {
		g.log.Warn("flow steering not ready, ignoring attach", "flow", t)
		return false
	}

	ok := g.fanOutFlow(t, "attach", func(m MemberRing) bool {
		return m.AttachFlow(t, sink)
	})
	if ok && g.steerer != nil && t.IsTCP() {
		if err := g.steerer.AddFlow(t); err != nil {
			g.log.Warn("adding steering rule failed", "flow", t, "err", err)
			return false
		}
	}
	return ok
}

// DetachFlow removes sink for t from every member.
// Same AND semantics as AttachFlow.
func (g *Group) DetachFlow(t flow.Tuple, sink flow.Sink) bool {
	g.lockRx.Lock()
	defer g.lockRx.Unlock()

	if g.steerer != nil && !g.steerer.Ready() {
		return false
	}

	ok := g.fanOutFlow(t, "detach", func(m MemberRing) bool {
		return m.DetachFlow(t, sink)
	})
	if ok && g.steerer != nil && t.IsTCP() {
		if err := g.steerer.DelFlow(t); err != nil {
			g.log.Warn("deleting steering rule failed", "flow", t, "err", err)
			return false
		}
	}
	return ok
}

// fanOutFlow calls fn on every member. Expects the RX lock to be held.
func (g *Group) fanOutFlow(t flow.Tuple, op string, fn func(MemberRing) bool) bool {
	failed := 0
	for i, m := range g.members {
		if !fn(m) {
			failed++
			g.log.Debug("member flow operation failed",
				"op", op, "flow", t, "member", g.names[i])
		}
	}
	if failed > 0 && failed < len(g.members) {
		g.stats.partialFlows.Add(1)
		g.log.Warn("flow operation partially applied",
			"op", op, "flow", t, "failed", failed, "members", len(g.members))
	}
	return failed == 0
}
