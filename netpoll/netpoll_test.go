//go:build linux

package netpoll_test

import (
	"net"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/muscleserver/muscle/netpoll"
)

func TestPollerReportsReadability(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			return
		}
		defer c.Close()
		c.Write([]byte("hi"))
	}()

	serverConn, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer serverConn.Close()

	p, err := netpoll.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	fd, err := netpoll.FD(serverConn.(*net.TCPConn))
	if err != nil {
		t.Fatalf("FD: %v", err)
	}
	if err := p.Add(fd, false); err != nil {
		t.Fatalf("Add: %v", err)
	}

	buf := make([]unix.EpollEvent, 8)
	events, err := p.Wait(2000, buf)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(events) != 1 || !events[0].Readable {
		t.Fatalf("expected one readable event, got %v", events)
	}
	<-clientDone
}
