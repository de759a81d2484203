//go:build linux

// Package afxdp implements bond member rings on top of AF_XDP sockets.
// Interface owns the XDP program and the XSK map of one NIC.
// Socket is an AF_XDP socket bound to a specific RX/TX queue.
// Member drives a socket as a bond.MemberRing.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - RX ring: raw packets delivered from NIC to userspace.
//   - FQ ring: UMEM addresses userspace provides to kernel for RX.
//   - TX ring: descriptors userspace sends to NIC.
//   - CQ ring: completed TX buffers returned by kernel.
package afxdp

import (
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
)

// InterfaceConfig controls how AF_XDP is attached to a network interface.
type InterfaceConfig struct {
	PreferZerocopy bool `yaml:"prefer-zerocopy"`
	// MaxQueues sizes the XSK map. Defaults to the highest RX queue ID + 1.
	MaxQueues uint32 `yaml:"max-queues"`
}

// Interface represents a NIC with an XDP program attached for AF_XDP use.
// Frames of queues without a registered socket pass to the kernel stack.
type Interface struct {
	name           string
	index          int
	mac            net.HardwareAddr
	preferZerocopy bool

	xsks *ebpf.Map
	prog *ebpf.Program
	link link.Link
}

// MakeInterface attaches the redirect program to the named interface.
func MakeInterface(name string, conf InterfaceConfig) (*Interface, error) {
	netIf, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("getting interface: %w", err)
	}
	i := &Interface{
		name:           name,
		index:          netIf.Index,
		mac:            netIf.HardwareAddr,
		preferZerocopy: conf.PreferZerocopy,
	}

	if conf.MaxQueues == 0 {
		ids, err := i.RXQueueIDs()
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("no RX queues found for %s", name)
		}
		conf.MaxQueues = ids[len(ids)-1] + 1
	}

	if i.xsks, err = newXSKMap(conf.MaxQueues); err != nil {
		return nil, err
	}
	if i.prog, err = newRedirectProgram(i.xsks); err != nil {
		_ = i.Close()
		return nil, err
	}

	opts := link.XDPOptions{Program: i.prog, Interface: i.index}
	if conf.PreferZerocopy {
		// Zerocopy requires driver mode XDP.
		opts.Flags = link.XDPDriverMode
	}
	if i.link, err = link.AttachXDP(opts); err != nil {
		_ = i.Close()
		return nil, fmt.Errorf("attaching XDP: %w", err)
	}
	return i, nil
}

// Info returns the interface name and index.
func (i *Interface) Info() (name string, index int) { return i.name, i.index }

// HardwareAddr returns the MAC address of the interface.
func (i *Interface) HardwareAddr() net.HardwareAddr { return i.mac }

// RXQueueIDs returns the list of RX queue IDs available on the interface,
// sorted in ascending order inspecting /sys/class/net/<iface>/queues.
func (i *Interface) RXQueueIDs() (ids []uint32, err error) {
	path := "/sys/class/net/" + i.name + "/queues"
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	for _, e := range entries {
		idStr, ok := strings.CutPrefix(e.Name(), "rx-")
		if !ok {
			continue
		}
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return nil, fmt.Errorf("parsing entry %q: %w", idStr, err)
		}
		ids = append(ids, uint32(id))
	}
	slices.Sort(ids)
	return ids, nil
}

// LinkUp reports whether the kernel considers the link operational.
func (i *Interface) LinkUp() bool {
	b, err := os.ReadFile("/sys/class/net/" + i.name + "/operstate")
	if err != nil {
		return false
	}
	return parseOperState(string(b))
}

// Register directs frames of queue to the socket fd.
func (i *Interface) Register(queue uint32, fd int) error {
	if err := i.xsks.Update(queue, uint32(fd), ebpf.UpdateAny); err != nil {
		return fmt.Errorf("registering socket for queue %d: %w", queue, err)
	}
	return nil
}

// Unregister stops redirecting frames of queue. Unregistering a queue
// without a socket is not an error.
func (i *Interface) Unregister(queue uint32) error {
	err := i.xsks.Delete(queue)
	if err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("unregistering queue %d: %w", queue, err)
	}
	return nil
}

// Close detaches the XDP program from the interface and frees the underlying
// eBPF resources owned by this Interface. It does not close any Socket instances;
// those must be closed separately before closing the Interface.
func (i *Interface) Close() error {
	var errs []error
	if i.link != nil {
		if err := i.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		i.link = nil
	}
	if i.prog != nil {
		if err := i.prog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP program: %w", err))
		}
		i.prog = nil
	}
	if i.xsks != nil {
		if err := i.xsks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing xsks_map: %w", err))
		}
		i.xsks = nil
	}
	return errors.Join(errs...)
}
