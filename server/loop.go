package server

import (
	"context"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/muscleserver/muscle/cmn/merr"
	"github.com/muscleserver/muscle/cmn/mono"
	"github.com/muscleserver/muscle/cmn/nlog"
	"github.com/muscleserver/muscle/message"
	"github.com/muscleserver/muscle/netpoll"
	"github.com/muscleserver/muscle/session"
	"github.com/muscleserver/muscle/storagereflect"
)

// fdOf extracts the raw descriptor backing conn so it can be registered
// with the server's epoll instance.
func fdOf(conn net.Conn) (int, error) { return netpoll.FD(conn) }

// Run drives the event loop until ctx is cancelled or EndServer is
// called, implementing the iteration of spec.md §4.7. Exactly one
// goroutine (the caller) executes this method; accept goroutines run
// alongside it via errgroup, coordinated only through s.accepted and
// the wakeup pipe.
func (s *Server) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for _, bf := range s.factories {
		bf := bf
		eg.Go(func() error { return s.acceptLoop(egCtx, bf) })
	}

	s.nextDeadline = mono.Never
	evbuf := make([]unix.EpollEvent, 256)
	for !s.endRequested.Load() && egCtx.Err() == nil {
		s.iterate(evbuf)
	}

	s.endRequested.Store(true)
	s.Close() // unblocks any accept goroutines still parked in Accept
	ioErr := eg.Wait()

	s.teardownAll()
	if ioErr != nil {
		return ioErr
	}
	return ctx.Err()
}

// iterate runs one pass of the event loop: refresh write interest,
// block for readiness up to the next pulse deadline, accept, service
// ready sessions, run one pulse round, then sweep removals.
func (s *Server) iterate(evbuf []unix.EpollEvent) {
	s.mu.Lock()
	tracked := make([]*trackedSession, 0, len(s.sessions))
	for _, t := range s.sessions {
		tracked = append(tracked, t)
	}
	s.mu.Unlock()

	for _, t := range tracked {
		wantWrite := t.sess.Gateway().HasBytesToOutput()
		if wantWrite != t.wantsWrite {
			if err := s.poller.Modify(t.fd, wantWrite); err == nil {
				t.wantsWrite = wantWrite
			}
		}
	}

	now := mono.Micros()
	events, err := s.poller.Wait(timeoutMillis(now, s.nextDeadline), evbuf)
	if err != nil {
		nlog.Errorf("netpoll wait: %v", err)
		return
	}

	s.drainAccepted()

	byFD := make(map[int]*trackedSession, len(tracked))
	for _, t := range tracked {
		byFD[t.fd] = t
	}
	for _, ev := range events {
		if ev.Fd == s.wakeupFD {
			s.drainWakeup()
			continue
		}
		t, ok := byFD[ev.Fd]
		if !ok {
			continue
		}
		if ev.Readable {
			n, ioErr := t.sess.Gateway().DoInput()
			s.accountBytes(true, n)
			if sessionIOFatal(ioErr) {
				s.requestRemoval(t.sess.ID())
			}
		}
		if ev.Writable && t.sess.IsConnected() {
			n, ioErr := t.sess.Gateway().DoOutput()
			s.accountBytes(false, n)
			if sessionIOFatal(ioErr) {
				s.requestRemoval(t.sess.ID())
			}
		}
		if ev.Err {
			s.requestRemoval(t.sess.ID())
		}
	}

	tickStart := time.Now()
	s.nextDeadline = s.scheduler.Tick(mono.Micros())
	if s.stats != nil {
		s.stats.PulseDispatches.Inc()
		s.stats.PulseLatency.Observe(time.Since(tickStart).Seconds())
	}

	s.flushPending(tracked)
	s.reap()

	if s.stats != nil {
		s.stats.DataNodes.Set(float64(s.tree.NodeCount()))
	}
}

// flushPending hands every session implementing session.Flusher its
// queued notifications, once per iteration, after every ready session
// has had a chance to run PR_COMMAND_JETTISON against that queue.
func (s *Server) flushPending(tracked []*trackedSession) {
	for _, t := range tracked {
		if fl, ok := t.sess.(session.Flusher); ok {
			fl.FlushPending()
		}
	}
}

// sessionIOFatal reports whether err should tear the session down, per
// spec.md §7's propagation rules: only a transport failure (or an
// unrecognized raw error, i.e. a genuine socket I/O error) is fatal.
// Malformed input, exhausted resources, denied permissions, missing
// paths, and invalid-state errors are reported upstream but leave the
// session attached.
func sessionIOFatal(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case merr.Is(err, merr.KindMalformedInput),
		merr.Is(err, merr.KindResourceExhausted),
		merr.Is(err, merr.KindPermissionDenied),
		merr.Is(err, merr.KindNotFound),
		merr.Is(err, merr.KindInvalidState):
		return false
	default:
		return true
	}
}

func (s *Server) accountBytes(in bool, n int64) {
	if s.stats == nil || n <= 0 {
		return
	}
	if in {
		s.stats.BytesIn.Add(float64(n))
	} else {
		s.stats.BytesOut.Add(float64(n))
	}
}

func (s *Server) drainWakeup() {
	var buf [64]byte
	for {
		n, err := s.wakeupR.Read(buf[:])
		if n == 0 || err != nil {
			return
		}
	}
}

func (s *Server) requestRemoval(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.sessions[id]; ok {
		t.sess.EndSession()
	}
	s.removeRequested[id] = struct{}{}
}

// reap tears down every session flagged for removal: sessions whose
// gateway I/O failed fatally, sessions that called EndSession, and
// sessions no longer connected, per spec.md §4.7's deferred-removal
// step.
func (s *Server) reap() {
	s.mu.Lock()
	for id, t := range s.sessions {
		if !t.sess.IsConnected() {
			s.removeRequested[id] = struct{}{}
		}
	}
	ids := make([]uint32, 0, len(s.removeRequested))
	for id := range s.removeRequested {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.detach(id)
	}
}

func (s *Server) detach(id uint32) {
	s.mu.Lock()
	t, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	delete(s.removeRequested, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	t.sess.AboutToDetach()
	s.unwirePolicy(id)
	s.poller.Remove(t.fd)
	t.sess.TreeNode().Detach()
	t.sess.Connection().Close()
	if s.filter != nil {
		s.filter.Release(t.ip)
	}

	if t.home != "" {
		ids := s.tree.SubscribersAt(t.home)
		if s.tree.RemoveData(t.home) {
			removed := message.New(storagereflect.ResultDataItems)
			removed.AddString(storagereflect.FieldRemovedItems, t.home)
			s.PublishToIDs(ids, removed)
		}
	}

	if s.stats != nil {
		s.stats.SessionsDetached.Inc()
		s.stats.SessionsActive.Dec()
	}
}

func (s *Server) teardownAll() {
	s.mu.Lock()
	ids := make([]uint32, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.detach(id)
	}
}

// timeoutMillis converts an absolute pulse deadline into a relative
// epoll_wait timeout in milliseconds (-1 blocks indefinitely).
func timeoutMillis(now, deadline int64) int {
	if deadline == mono.Never {
		return -1
	}
	if deadline <= now {
		return 0
	}
	remainingMicros := deadline - now
	ms := remainingMicros / 1000
	if ms <= 0 {
		return 1
	}
	if ms > 1<<30 {
		return 1 << 30
	}
	return int(ms)
}
