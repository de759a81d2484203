package flow

import "sync"

// Table maps flows to sinks. 5-tuple entries take precedence over
// 3-tuple entries. Table is safe for concurrent use.
type Table struct {
	lock  sync.RWMutex
	sinks map[Tuple][]Sink
}

// Attach registers s for t. Attaching the same sink twice is a no-op.
func (tb *Table) Attach(t Tuple, s Sink) {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	if tb.sinks == nil {
		tb.sinks = make(map[Tuple][]Sink)
	}
	for _, x := range tb.sinks[t] {
		if x == s {
			return
		}
	}
	tb.sinks[t] = append(tb.sinks[t], s)
}

// Detach removes s from t and reports whether it was registered.
func (tb *Table) Detach(t Tuple, s Sink) bool {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	list := tb.sinks[t]
	for i, x := range list {
		if x != s {
			continue
		}
		list = append(list[:i], list[i+1:]...)
		if len(list) == 0 {
			delete(tb.sinks, t)
		} else {
			tb.sinks[t] = list
		}
		return true
	}
	return false
}

// Lookup returns the sinks registered for the packet tuple t.
func (tb *Table) Lookup(t Tuple) []Sink {
	tb.lock.RLock()
	defer tb.lock.RUnlock()
	if s, ok := tb.sinks[t]; ok {
		return s
	}
	return tb.sinks[t.Dst()]
}

// Len returns the number of registered flows.
func (tb *Table) Len() int {
	tb.lock.RLock()
	defer tb.lock.RUnlock()
	return len(tb.sinks)
}
