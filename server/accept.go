package server

import (
	"context"
	"net"
	"strconv"

	"github.com/muscleserver/muscle/bwpolicy"
	"github.com/muscleserver/muscle/gateway"
	"github.com/muscleserver/muscle/message"
	"github.com/muscleserver/muscle/session"
)

// policySettable is implemented by gateways that support distinct
// input/output bandwidth policies (currently *gateway.FramedGateway).
type policySettable interface {
	SetInputPolicy(bwpolicy.Policy)
	SetOutputPolicy(bwpolicy.Policy)
}

// wirePolicy installs the server's input/output bandwidth policies on
// gw and registers id as a participant of each RateLimiter so
// GetMaxTransferChunkSize divides budget across every attached session,
// per spec.md §4.8.
func (s *Server) wirePolicy(gw gateway.Gateway, id uint32) {
	if ps, ok := gw.(policySettable); ok {
		ps.SetInputPolicy(s.inputPolicy)
		ps.SetOutputPolicy(s.outputPolicy)
	}
	if rl, ok := s.inputPolicy.(*bwpolicy.RateLimiter); ok {
		rl.AddParticipant(id)
	}
	if s.outputPolicy != s.inputPolicy {
		if rl, ok := s.outputPolicy.(*bwpolicy.RateLimiter); ok {
			rl.AddParticipant(id)
		}
	}
}

// unwirePolicy reverses wirePolicy at session teardown.
func (s *Server) unwirePolicy(id uint32) {
	if rl, ok := s.inputPolicy.(*bwpolicy.RateLimiter); ok {
		rl.RemoveParticipant(id)
	}
	if s.outputPolicy != s.inputPolicy {
		if rl, ok := s.outputPolicy.(*bwpolicy.RateLimiter); ok {
			rl.RemoveParticipant(id)
		}
	}
}

// acceptLoop runs one factory's blocking Accept loop, handing each
// connection to the event loop over s.accepted and nudging the wakeup
// pipe so a blocked epoll_wait returns promptly, mirroring the
// dedicated per-socket accept thread of original source
// system/AcceptSocketsThread.cpp.
func (s *Server) acceptLoop(ctx context.Context, bf *boundFactory) error {
	for {
		conn, err := bf.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		ip := session.IPFromAddr(conn.RemoteAddr())
		select {
		case s.accepted <- acceptResult{conn: conn, ip: ip, factory: bf.factory}:
			s.wake()
		case <-ctx.Done():
			conn.Close()
			return nil
		}
	}
}

// drainAccepted converts every connection queued by the accept
// goroutines into an attached Session, per spec.md §4.7 step 5. Each
// queued connection carries the Factory of the listener that accepted it
// (FilterFactory wraps the caller's factory once), and CreateSession gets
// the connection and its remote IP.
func (s *Server) drainAccepted() {
	for {
		var ar acceptResult
		select {
		case ar = <-s.accepted:
		default:
			return
		}
		s.attach(ar.conn, ar.ip, ar.factory)
	}
}

func (s *Server) attach(conn net.Conn, ip net.IP, factory session.Factory) {
	sess, err := factory.CreateSession(conn, ip)
	if err != nil || sess == nil {
		conn.Close()
		return
	}

	fd, err := fdOf(conn)
	if err != nil {
		conn.Close()
		return
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	if idable, ok := sess.(session.Identifiable); ok {
		idable.SetID(id)
	}

	// Every session gets a home node at "/<remote-ip>/<session-id>/",
	// created before AttachedToServer so a session's first bookkeeping
	// call already has somewhere to resolve relative paths under, per
	// spec.md §3/§4.7.
	home := homePath(ip, id)
	s.tree.SetData(home, message.New(0))
	if hs, ok := sess.(session.HomeSettable); ok {
		hs.SetHome(home)
	}

	s.wirePolicy(sess.Gateway(), id)
	if err := sess.AttachedToServer(s); err != nil {
		conn.Close()
		return
	}

	s.scheduler.Root.AddChild(sess.TreeNode())
	if err := s.poller.Add(fd, false); err != nil {
		sess.TreeNode().Detach()
		conn.Close()
		return
	}

	s.mu.Lock()
	s.sessions[id] = &trackedSession{sess: sess, fd: fd, ip: ip, home: home}
	s.mu.Unlock()

	if s.stats != nil {
		s.stats.SessionsAttached.Inc()
		s.stats.SessionsActive.Inc()
	}
}

// homePath builds a session's data-tree home node path from its remote
// address and server-scoped ID, per spec.md §3's "/<hostname>/<sessionid>/"
// convention. This server never does DNS resolution, so the dotted-decimal
// address stands in for hostname.
func homePath(ip net.IP, id uint32) string {
	host := "0.0.0.0"
	if ip != nil {
		host = ip.String()
	}
	return host + "/" + strconv.FormatUint(uint64(id), 10)
}
