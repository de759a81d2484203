//go:build linux

package afxdp

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
)

// Offset of rx_queue_index in struct xdp_md.
const xdpMDRxQueueIndex = 16

const xdpPass = 2

// newXSKMap creates the XSKMAP sockets are registered in, keyed by
// RX queue index.
func newXSKMap(maxQueues uint32) (*ebpf.Map, error) {
	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: maxQueues,
	})
	if err != nil {
		return nil, fmt.Errorf("creating xsks_map: %w", err)
	}
	return m, nil
}

// redirectInstructions redirects every frame to the socket registered
// for its RX queue. Queues without a socket pass frames to the stack:
// the lower bits of the bpf_redirect_map flags are the fallback action.
func redirectInstructions(xsks *ebpf.Map) asm.Instructions {
	return asm.Instructions{
		asm.LoadMem(asm.R2, asm.R1, xdpMDRxQueueIndex, asm.Word),
		asm.LoadMapPtr(asm.R1, xsks.FD()),
		asm.Mov.Imm(asm.R3, xdpPass),
		asm.FnRedirectMap.Call(),
		asm.Return(),
	}
}

func newRedirectProgram(xsks *ebpf.Map) (*ebpf.Program, error) {
	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "xdp_sock_prog",
		Type:         ebpf.XDP,
		License:      "GPL",
		Instructions: redirectInstructions(xsks),
	})
	if err != nil {
		return nil, fmt.Errorf("loading XDP program: %w", err)
	}
	return prog, nil
}
