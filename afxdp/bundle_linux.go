//go:build linux

package afxdp

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/romshark/afxdp-bond-go/bond"
)

// Bundle opens and owns the interfaces, sockets and members of a bond
// group. Interfaces are shared by members on the same NIC.
type Bundle struct {
	log     *slog.Logger
	ifaces  map[string]*Interface
	order   []string
	sockets []*Socket
	members []*Member
}

func NewBundle(log *slog.Logger) *Bundle {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Bundle{log: log, ifaces: make(map[string]*Interface)}
}

// Factory returns a bond.MemberFactory opening member i on specs[i].
// Members the group marks active are started right away.
func (b *Bundle) Factory(specs []MemberSpec, conf MemberConfig) bond.MemberFactory {
	return func(p bond.MemberParams) (bond.MemberRing, error) {
		if p.Index >= len(specs) {
			return nil, fmt.Errorf("no socket spec for member %d", p.Index)
		}
		spec := specs[p.Index]

		iface, err := b.iface(spec)
		if err != nil {
			return nil, err
		}
		sock, err := iface.Open(spec.Socket)
		if err != nil {
			return nil, fmt.Errorf("opening socket on %s queue %d: %w",
				spec.Interface, spec.Socket.QueueID, err)
		}
		m, err := NewMember(p, spec.Socket.QueueID, sock, iface, iface.LinkUp, conf)
		if err != nil {
			_ = sock.Close()
			return nil, err
		}
		if p.Active {
			if err := m.StartActive(); err != nil {
				_ = sock.Close()
				return nil, fmt.Errorf("starting member: %w", err)
			}
		}
		b.sockets = append(b.sockets, sock)
		b.members = append(b.members, m)
		b.log.Info("member opened",
			"member", p.Name, "iface", spec.Interface, "queue", spec.Socket.QueueID,
			"vlan", m.VLAN(), "zerocopy", sock.IsZerocopy(), "active", p.Active)
		return m, nil
	}
}

func (b *Bundle) iface(spec MemberSpec) (*Interface, error) {
	if i, ok := b.ifaces[spec.Interface]; ok {
		return i, nil
	}
	i, err := MakeInterface(spec.Interface, InterfaceConfig{
		PreferZerocopy: spec.PreferZerocopy,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing interface %s: %w", spec.Interface, err)
	}
	b.ifaces[spec.Interface] = i
	b.order = append(b.order, spec.Interface)
	return i, nil
}

// Members returns the members in group order.
func (b *Bundle) Members() []*Member { return b.members }

// InterfaceNames returns the names of the opened interfaces.
func (b *Bundle) InterfaceNames() []string { return b.order }

// Interface returns the opened interface name, nil if there is none.
func (b *Bundle) Interface(name string) *Interface { return b.ifaces[name] }

// LinkStates reports the link state of every member's interface.
func (b *Bundle) LinkStates() []bool {
	up := make([]bool, len(b.members))
	for i, m := range b.members {
		up[i] = m.link == nil || m.link()
	}
	return up
}

// Close closes all sockets and then all interfaces.
func (b *Bundle) Close() error {
	var errs []error
	for _, s := range b.sockets {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.sockets = nil
	for _, name := range b.order {
		if err := b.ifaces[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", name, err))
		}
	}
	clear(b.ifaces)
	b.order = nil
	return errors.Join(errs...)
}
