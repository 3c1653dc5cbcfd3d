// Package server implements the reflect server event loop of spec.md
// §4.7: one goroutine owns the session table, the data-node tree, and
// the pulse tree, driven by a single epoll readiness wait per
// iteration. Accept goroutines (one per listening factory) are the only
// other concurrency, handing off accepted connections through a channel
// plus an internal wakeup pipe registered in the same epoll set.
//
// Grounded on original source reflector/ServerComponent.cpp (the
// "central, narrowly-scoped accessor" pattern already cited for
// session.Server/Subscriber) and system/AcceptSocketsThread.cpp (one
// dedicated accept thread per listening socket, handing connections to
// the main loop rather than servicing them itself).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package server

import (
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/muscleserver/muscle/bwpolicy"
	"github.com/muscleserver/muscle/cmn/merr"
	"github.com/muscleserver/muscle/config"
	"github.com/muscleserver/muscle/datatree"
	"github.com/muscleserver/muscle/message"
	"github.com/muscleserver/muscle/netpoll"
	"github.com/muscleserver/muscle/pulse"
	"github.com/muscleserver/muscle/session"
	"github.com/muscleserver/muscle/stats"
)

type boundFactory struct {
	ln      net.Listener
	factory session.Factory
}

type acceptResult struct {
	conn    net.Conn
	ip      net.IP
	factory session.Factory
}

// trackedSession pairs a live session with the bookkeeping the event
// loop needs: its registered fd, its current write-interest state, its
// remote address (for filter-factory release accounting), and its
// data-tree home node path (for per-session subtree cleanup at detach).
type trackedSession struct {
	sess       session.Session
	fd         int
	wantsWrite bool
	ip         net.IP
	home       string
}

// Server owns every piece of central state spec.md §4.7 names: the
// data-node tree, the pulse scheduler, the session table, and the
// bandwidth policies. Exactly one goroutine (the caller of Run) mutates
// the tree, scheduler, and per-session I/O state; the session table
// itself is guarded by mu because Publish/RemoveSession may be called
// from a session's own handler while iterating it.
type Server struct {
	cfg   *config.Config
	tree  *datatree.Tree
	stats *stats.Collector

	scheduler    *pulse.Scheduler
	poller       *netpoll.Poller
	nextDeadline int64

	inputPolicy  bwpolicy.Policy
	outputPolicy bwpolicy.Policy

	factories []*boundFactory
	filter    *session.FilterFactory

	mu       sync.Mutex
	sessions map[uint32]*trackedSession
	nextID   uint32

	accepted chan acceptResult
	wakeupR  *os.File
	wakeupW  *os.File
	wakeupFD int

	removeRequested map[uint32]struct{}

	endRequested atomic.Bool
}

// New builds a Server listening on every address in cfg.Listeners, using
// factory to turn accepted connections into Sessions over tree, the one
// data-node tree every session and every command shares. Bans, require
// patterns, and session caps from cfg are applied via a
// session.FilterFactory wrapper; combined/send/receive rate limits become
// bwpolicy.Policy instances participating in the pulse tree per spec.md
// §4.8.
func New(cfg *config.Config, factory session.Factory, collector *stats.Collector, tree *datatree.Tree) (*Server, error) {
	filtered := session.NewFilterFactory(factory)
	for _, pattern := range cfg.Bans {
		if err := filtered.DenyPattern(pattern); err != nil {
			return nil, merr.Wrap(err, merr.KindMalformedInput, "ban pattern")
		}
	}
	for _, pattern := range cfg.Requires {
		if err := filtered.AllowPattern(pattern); err != nil {
			return nil, merr.Wrap(err, merr.KindMalformedInput, "require pattern")
		}
	}
	if cfg.MaxSessions != config.NoLimit {
		filtered.SetMaxSessions(cfg.MaxSessions)
	}
	if cfg.MaxSessionsPerHost != config.NoLimit {
		filtered.SetMaxSessionsPerHost(cfg.MaxSessionsPerHost)
	}

	poller, err := netpoll.New()
	if err != nil {
		return nil, err
	}
	wakeupR, wakeupW, err := os.Pipe()
	if err != nil {
		poller.Close()
		return nil, merr.Wrap(err, merr.KindTransportFailed, "wakeup pipe")
	}

	s := &Server{
		cfg:             cfg,
		tree:            tree,
		stats:           collector,
		filter:          filtered,
		scheduler:       pulse.NewScheduler(nil),
		poller:          poller,
		sessions:        make(map[uint32]*trackedSession),
		accepted:        make(chan acceptResult, 64),
		wakeupR:         wakeupR,
		wakeupW:         wakeupW,
		wakeupFD:        int(wakeupR.Fd()),
		removeRequested: make(map[uint32]struct{}),
	}

	s.inputPolicy, s.outputPolicy = buildPolicies(cfg)
	s.attachPolicyNode(s.inputPolicy)
	if s.outputPolicy != s.inputPolicy {
		s.attachPolicyNode(s.outputPolicy)
	}

	for _, l := range cfg.Listeners {
		ln, err := net.Listen("tcp", l.String())
		if err != nil {
			s.Close()
			return nil, merr.Wrap(err, merr.KindTransportFailed, fmt.Sprintf("listen on %s", l))
		}
		s.factories = append(s.factories, &boundFactory{ln: ln, factory: filtered})
	}

	if err := s.poller.Add(s.wakeupFD, false); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// attachPolicyNode gives a non-Unlimited bandwidth policy a slot in the
// pulse tree, per spec.md §4.8's "Optional GetPulseTime/Pulse
// participation to schedule re-enable wakeups".
func (s *Server) attachPolicyNode(p bwpolicy.Policy) {
	if p == bwpolicy.Unlimited {
		return
	}
	s.scheduler.Root.AddChild(pulse.NewNode(p))
}

// buildPolicies derives the input/output bwpolicy.Policy pair from
// cfg's rate knobs, per spec.md §4.8: a combined-rate limit takes
// precedence over separate send/receive limits, mirroring
// muscled.cpp's own if/else between maxCombinedRate and the two others.
func buildPolicies(cfg *config.Config) (input, output bwpolicy.Policy) {
	if cfg.MaxCombinedRate != config.NoLimit {
		p := bwpolicy.NewRateLimiter(int64(cfg.MaxCombinedRate))
		return p, p
	}
	input, output = bwpolicy.Unlimited, bwpolicy.Unlimited
	if cfg.MaxReceiveRate != config.NoLimit {
		input = bwpolicy.NewRateLimiter(int64(cfg.MaxReceiveRate))
	}
	if cfg.MaxSendRate != config.NoLimit {
		output = bwpolicy.NewRateLimiter(int64(cfg.MaxSendRate))
	}
	return input, output
}

// Config returns the server's central state, per spec.md §4.7's "stable
// accessor" requirement.
func (s *Server) Config() *config.Config { return s.cfg }

// Tree returns the shared data-node tree.
func (s *Server) Tree() *datatree.Tree { return s.tree }

// ListenerAddr returns the actual bound address of the i'th listener
// (its OS-assigned port when cfg requested port=0), or "" if out of
// range. Primarily useful to tests that bind an ephemeral port.
func (s *Server) ListenerAddr(i int) string {
	if i < 0 || i >= len(s.factories) {
		return ""
	}
	return s.factories[i].ln.Addr().String()
}

// Stats returns the metrics collector, or nil if none was supplied.
func (s *Server) Stats() *stats.Collector { return s.stats }

// EndServer requests cooperative shutdown; Run returns once the current
// iteration finishes, per spec.md §5's "EndSession sets a flag only"
// pattern applied at the server level.
func (s *Server) EndServer() {
	s.endRequested.Store(true)
	s.wake()
}

func (s *Server) wake() {
	_, _ = s.wakeupW.Write([]byte{0})
}

// Publish implements session.Server: every session ID the data-node tree
// has recorded as subscribed at path gets result Notify'd, per spec.md
// §4.6's pub/sub model. The tree, not the session, is the source of
// truth for subscription membership.
func (s *Server) Publish(path string, result *message.Message) {
	s.PublishToIDs(s.tree.SubscribersAt(path), result)
}

// PublishToIDs delivers result directly to the given session IDs,
// bypassing the tree. Needed wherever the node has already been removed
// before the notification goes out (e.g. REMOVEDATA, or a departing
// session's home-node cleanup): the caller must capture the subscriber
// IDs before the node disappears.
func (s *Server) PublishToIDs(ids []uint32, result *message.Message) {
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	targets := make([]session.Subscriber, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.sessions[id]; ok {
			if sub, ok := t.sess.(session.Subscriber); ok {
				targets = append(targets, sub)
			}
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.Notify(result)
	}
}

// RemoveSession implements session.Server: marks id for teardown at the
// next deferred-removal pass (spec.md §4.7 step 9), rather than
// destroying it immediately out from under the caller.
func (s *Server) RemoveSession(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.sessions[id]; ok {
		t.sess.EndSession()
		s.removeRequested[id] = struct{}{}
	}
}

// Close releases the poller, wakeup pipe, and listeners. Safe to call
// more than once; errors from individual resources are coalesced.
func (s *Server) Close() error {
	var errs merr.Errs
	for _, bf := range s.factories {
		if err := bf.ln.Close(); err != nil {
			errs.Add(err)
		}
	}
	if err := s.poller.Close(); err != nil {
		errs.Add(err)
	}
	if err := s.wakeupR.Close(); err != nil {
		errs.Add(err)
	}
	if err := s.wakeupW.Close(); err != nil {
		errs.Add(err)
	}
	if errs.Cnt() > 0 {
		return &errs
	}
	return nil
}
