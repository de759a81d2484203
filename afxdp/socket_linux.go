//go:build linux

package afxdp

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func rawBind(fd int, sa *sockaddrXDP) error {
	_, _, e := unix.Syscall(unix.SYS_BIND,
		uintptr(fd),
		uintptr(unsafe.Pointer(sa)),
		unsafe.Sizeof(*sa),
	)
	if e != 0 {
		return e
	}
	return nil
}

func setsockopt(fd, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), uintptr(unix.SOL_XDP), uintptr(name),
		uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockopt(fd, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen) // socklen_t
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd), uintptr(unix.SOL_XDP), uintptr(name),
		uintptr(val), uintptr(unsafe.Pointer(&l)), 0)
	if e != 0 {
		return e
	}
	return nil
}

func setRingSize(fd, opt int, size uint32) error {
	return setsockopt(fd, opt, unsafe.Pointer(&size), unsafe.Sizeof(size))
}

var zeroBuf []byte

// wakeup kicks the kernel to process the TX ring. AF_XDP interprets a
// zero-length sendto() as a doorbell, required with XDP_USE_NEED_WAKEUP.
func wakeup(fd int) error {
	err := unix.Sendto(fd, zeroBuf, unix.MSG_DONTWAIT, nil)
	if err == unix.EAGAIN || err == unix.EBUSY {
		// Backpressure, the kernel is still busy with the ring.
		return nil
	}
	return err
}

// Socket is an AF_XDP socket with its own UMEM. It implements Rings.
//
// WARNING: Socket is not safe for concurrent use.
type Socket struct {
	conf       SocketConfig
	isZerocopy bool

	fd   int
	umem []byte

	rx *descRing
	tx *descRing
	fq *addrRing
	cq *addrRing

	regions [][]byte
}

var _ Rings = (*Socket)(nil)

// Open creates an AF_XDP socket bound to conf.QueueID. The fill ring is
// left empty and the socket is not registered in the XSK map, both are
// the job of the Member driving it.
func (i *Interface) Open(conf SocketConfig) (s *Socket, err error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}
	s = &Socket{conf: conf, fd: fd}
	defer func() {
		if err != nil {
			_ = s.Close()
			s = nil
		}
	}()

	if s.umem, err = unix.Mmap(-1, 0, int(conf.NumFrames)*int(conf.FrameSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
	); err != nil {
		return s, fmt.Errorf("mmap UMEM: %w", err)
	}

	reg := umemReg{
		Addr:      uint64(uintptr(unsafe.Pointer(&s.umem[0]))),
		Len:       uint64(len(s.umem)),
		ChunkSize: conf.FrameSize,
	}
	if err = setsockopt(fd, unix.XDP_UMEM_REG,
		unsafe.Pointer(&reg), unsafe.Sizeof(reg)); err != nil {
		return s, fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err)
	}

	for _, r := range []struct {
		name string
		opt  int
		size uint32
	}{
		{"XDP_UMEM_FILL_RING", unix.XDP_UMEM_FILL_RING, conf.RxSize},
		{"XDP_UMEM_COMPLETION_RING", unix.XDP_UMEM_COMPLETION_RING, conf.CqSize},
		{"XDP_TX_RING", unix.XDP_TX_RING, conf.TxSize},
		{"XDP_RX_RING", unix.XDP_RX_RING, conf.RxSize},
	} {
		if err = setRingSize(fd, r.opt, r.size); err != nil {
			return s, fmt.Errorf("setsockopt %s: %w", r.name, err)
		}
	}

	var offs mmapOffsets
	if err = getsockopt(fd, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&offs), unsafe.Sizeof(offs)); err != nil {
		return s, fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}

	descSize := uint64(unsafe.Sizeof(xdpDesc{}))
	mapRing := func(name string, off ringOffset, entries uint32, entrySize uint64, pgoff int64) ([]byte, error) {
		region, err := unix.Mmap(fd, pgoff, int(off.Desc+uint64(entries)*entrySize),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			return nil, fmt.Errorf("mmap %s ring: %w", name, err)
		}
		s.regions = append(s.regions, region)
		return region, nil
	}

	var region []byte
	if region, err = mapRing("RX", offs.Rx, conf.RxSize, descSize, unix.XDP_PGOFF_RX_RING); err != nil {
		return s, err
	}
	if s.rx, err = newDescRing(region, offs.Rx, conf.RxSize, false); err != nil {
		return s, fmt.Errorf("making RX ring: %w", err)
	}
	if region, err = mapRing("TX", offs.Tx, conf.TxSize, descSize, unix.XDP_PGOFF_TX_RING); err != nil {
		return s, err
	}
	if s.tx, err = newDescRing(region, offs.Tx, conf.TxSize, true); err != nil {
		return s, fmt.Errorf("making TX ring: %w", err)
	}
	if region, err = mapRing("FQ", offs.Fr, conf.RxSize, 8, unix.XDP_UMEM_PGOFF_FILL_RING); err != nil {
		return s, err
	}
	if s.fq, err = newAddrRing(region, offs.Fr, conf.RxSize, true); err != nil {
		return s, fmt.Errorf("making FQ ring: %w", err)
	}
	if region, err = mapRing("CQ", offs.Cr, conf.CqSize, 8, unix.XDP_UMEM_PGOFF_COMPLETION_RING); err != nil {
		return s, err
	}
	if s.cq, err = newAddrRing(region, offs.Cr, conf.CqSize, false); err != nil {
		return s, fmt.Errorf("making CQ ring: %w", err)
	}

	sa := &sockaddrXDP{
		Family:  unix.AF_XDP,
		Ifindex: uint32(i.index),
		QueueID: conf.QueueID,
	}
	zerocopy := i.preferZerocopy
	if zerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
	} else {
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
	}
	err = rawBind(fd, sa)
	if err != nil && zerocopy && errors.Is(err, unix.EPROTONOSUPPORT) {
		// The queue doesn't support zerocopy, fall back to copy mode.
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
		zerocopy = false
		err = rawBind(fd, sa)
	}
	if err != nil {
		return s, fmt.Errorf("binding socket: %w", err)
	}
	s.isZerocopy = zerocopy
	return s, nil
}

// IsZerocopy reports whether the socket is operating in zero-copy mode.
// May return false even if PreferZerocopy was true because the corresponding queue
// may not support XDP_ZEROCOPY mode and the socket fall back to XDP_COPY automatically.
func (s *Socket) IsZerocopy() bool { return s.isZerocopy }

func (s *Socket) FD() int { return s.fd }

func (s *Socket) FrameSize() uint32 { return s.conf.FrameSize }

func (s *Socket) NumFrames() uint32 { return s.conf.NumFrames }

func (s *Socket) FillSize() uint32 { return s.conf.RxSize }

func (s *Socket) Frame(addr uint64) []byte {
	return s.umem[addr : addr+uint64(s.conf.FrameSize) : addr+uint64(s.conf.FrameSize)]
}

func (s *Socket) Receive(dst []RxDesc) int { return s.rx.consume(dst) }

func (s *Socket) RxPending() bool { return s.rx.available() > 0 }

func (s *Socket) Fill(addrs []uint64) int { return s.fq.produce(addrs) }

func (s *Socket) Transmit(addrs []uint64, lens []uint32) int {
	return s.tx.produce(addrs, lens)
}

// FlushTx notifies the kernel/NIC that TX descriptors are available.
func (s *Socket) FlushTx() error { return wakeup(s.fd) }

func (s *Socket) Complete(dst []uint64) int { return s.cq.consume(dst) }

// Close releases the socket, UMEM and kernel resources.
func (s *Socket) Close() error {
	var errs []error
	if s.fd > 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		s.fd = -1
	}
	for _, r := range s.regions {
		if err := unix.Munmap(r); err != nil {
			errs = append(errs, fmt.Errorf("unmapping ring: %w", err))
		}
	}
	s.regions = nil
	if s.umem != nil {
		if err := unix.Munmap(s.umem); err != nil {
			errs = append(errs, fmt.Errorf("unmapping UMEM: %w", err))
		}
		s.umem = nil
	}
	return errors.Join(errs...)
}

// WaitFDs blocks until one of fds becomes readable or timeoutMS expires.
// Returns nil on readiness and on timeout.
// Returns a non-nil error only for real system call failures.
func WaitFDs(fds []int, timeoutMS int) error {
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	for {
		_, err := unix.Poll(pfds, timeoutMS)
		if err == nil {
			return nil
		}
		// Signals (profilers, timers, SIGCHLD) are never surfaced.
		if err == unix.EINTR {
			continue
		}
		return err
	}
}
