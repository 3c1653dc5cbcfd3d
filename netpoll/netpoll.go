// Package netpoll implements the readiness multiplexer spec.md §4.7
// steps 3–4 call for: the reflect server asks, once per event-loop
// iteration, which of its session sockets are currently readable or
// writable, blocking at most until the next pulse deadline.
//
// Grounded on original source system/Socket.h's "wait for readiness"
// contract married to the teacher's own direct dependency on
// golang.org/x/sys/unix (used elsewhere in the teacher for cgroup/CPU
// accounting) for the actual epoll(7) syscalls, since the teacher itself
// has no epoll wrapper to adapt — this is the one package where the
// pack's domain dependency is wired in without an adaptable teacher file
// behind it.
/*
 * Copyright (c) 2018-2022, NVIDIA CORPORATION. All rights reserved.
 */
package netpoll

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/muscleserver/muscle/cmn/merr"
)

// Event reports one fd's readiness after Wait returns.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Err      bool
}

// Poller wraps one epoll instance. Not safe for concurrent use from more
// than one goroutine; the reflect server drives it from its single event
// loop goroutine, per spec.md §5.
type Poller struct {
	mu   sync.Mutex
	epfd int
}

// New creates an epoll instance.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, merr.Wrap(err, merr.KindTransportFailed, "epoll_create1")
	}
	return &Poller{epfd: epfd}, nil
}

// Close releases the epoll instance.
func (p *Poller) Close() error { return unix.Close(p.epfd) }

func eventsFor(wantWrite bool) uint32 {
	ev := uint32(unix.EPOLLIN)
	if wantWrite {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Add registers fd for readability (and, if wantWrite, writability too).
func (p *Poller) Add(fd int, wantWrite bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev := &unix.EpollEvent{Events: eventsFor(wantWrite), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return merr.Wrap(err, merr.KindTransportFailed, "epoll_ctl add")
	}
	return nil
}

// Modify updates fd's interest set (typically to add/drop EPOLLOUT once
// a gateway's outgoing buffer empties or fills).
func (p *Poller) Modify(fd int, wantWrite bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev := &unix.EpollEvent{Events: eventsFor(wantWrite), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return merr.Wrap(err, merr.KindTransportFailed, "epoll_ctl mod")
	}
	return nil
}

// Remove deregisters fd.
func (p *Poller) Remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return merr.Wrap(err, merr.KindTransportFailed, "epoll_ctl del")
	}
	return nil
}

// Wait blocks until at least one registered fd is ready or timeoutMillis
// elapses (-1 blocks indefinitely, matching spec.md §4.7's "block until
// the earliest pulse deadline").
func (p *Poller) Wait(timeoutMillis int, buf []unix.EpollEvent) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, buf, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, merr.Wrap(err, merr.KindTransportFailed, "epoll_wait")
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		e := buf[i]
		out = append(out, Event{
			Fd:       int(e.Fd),
			Readable: e.Events&unix.EPOLLIN != 0,
			Writable: e.Events&unix.EPOLLOUT != 0,
			Err:      e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return out, nil
}

// FD extracts the raw file descriptor backing conn, for registering it
// with a Poller. conn must implement syscall.Conn (true of *net.TCPConn
// and *net.UDPConn).
func FD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, merr.New(merr.KindInvalidState, "connection type %T does not expose a raw fd", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, merr.Wrap(err, merr.KindTransportFailed, "SyscallConn")
	}
	var fd int
	var ctrlErr error
	err = raw.Control(func(p uintptr) { fd = int(p) })
	if err != nil {
		ctrlErr = err
	}
	if ctrlErr != nil {
		return 0, merr.Wrap(ctrlErr, merr.KindTransportFailed, "raw fd Control")
	}
	return fd, nil
}
