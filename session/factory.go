package session

import (
	"net"
	"strings"
	"sync"

	"github.com/muscleserver/muscle/pmatch"
)

// Factory creates a new Session for a freshly accepted connection.
// Grounded on original source reflector/AbstractReflectSession.h (kept
// file): the ReflectSessionFactory base class it declares inline is a
// bare function-object contract, no further state required.
type Factory interface {
	CreateSession(conn net.Conn, remoteIP net.IP) (Session, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(conn net.Conn, remoteIP net.IP) (Session, error)

func (f FactoryFunc) CreateSession(conn net.Conn, remoteIP net.IP) (Session, error) {
	return f(conn, remoteIP)
}

// ProxyFactory wraps a slave Factory and delegates to it unchanged. It
// exists to give wrappers like FilterFactory a common embeddable base
// rather than each reimplementing "hold a Factory, call through to it".
//
// Grounded on original source reflector/AbstractReflectSession.h (kept
// file)'s ProxySessionFactory: "_slaveRef" held privately, GetSlave()
// the only accessor, CreateSession delegated verbatim.
type ProxyFactory struct {
	slave Factory
}

// NewProxyFactory wraps slave.
func NewProxyFactory(slave Factory) *ProxyFactory {
	return &ProxyFactory{slave: slave}
}

// Slave returns the wrapped factory, mirroring ProxySessionFactory::GetSlave.
func (p *ProxyFactory) Slave() Factory { return p.slave }

// CreateSession delegates to the slave factory unchanged.
func (p *ProxyFactory) CreateSession(conn net.Conn, remoteIP net.IP) (Session, error) {
	return p.slave.CreateSession(conn, remoteIP)
}

var _ Factory = (*ProxyFactory)(nil)

// FilterFactory wraps an inner Factory with IP allow/deny glob patterns
// and session-count caps, per spec.md §1's "authenticated identity beyond
// IP allow/deny patterns" non-goal boundary: this is the whole of this
// server's access control.
//
// Grounded on original source reflector/FilterSessionFactory.h (kept
// file): FilterSessionFactory : public ProxySessionFactory, constructed
// with (slaveRef, maxSessionsPerHost, totalMaxSessions). Patterns reuse
// pmatch's glob clause compiler (the same "?*[...]" grammar spec.md §4.2
// defines for data-tree paths) matched against the dotted-decimal IP
// string, rather than inventing a second pattern language for addresses.
type FilterFactory struct {
	*ProxyFactory

	mu                 sync.RWMutex
	allow              []pmatch.ClauseMatcher
	deny               []pmatch.ClauseMatcher
	maxSessions        uint32 // 0 == unlimited
	maxSessionsPerHost uint32 // 0 == unlimited
	total              uint32
	perHost            map[string]uint32
}

// NewFilterFactory wraps inner; with no patterns or caps registered,
// every connection is accepted (spec.md's default-allow posture).
func NewFilterFactory(inner Factory) *FilterFactory {
	return &FilterFactory{
		ProxyFactory: NewProxyFactory(inner),
		perHost:      make(map[string]uint32),
	}
}

// SetMaxSessions caps the total number of sessions this factory will
// create at once; 0 means unlimited.
func (f *FilterFactory) SetMaxSessions(n uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxSessions = n
}

// SetMaxSessionsPerHost caps sessions from a single remote address; 0
// means unlimited.
func (f *FilterFactory) SetMaxSessionsPerHost(n uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxSessionsPerHost = n
}

// Release decrements the accounting for remoteIP, called once a session
// from that address detaches. Safe to call even if remoteIP was never
// admitted.
func (f *FilterFactory) Release(remoteIP net.IP) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.total > 0 {
		f.total--
	}
	addr := remoteIP.String()
	if n := f.perHost[addr]; n > 0 {
		if n == 1 {
			delete(f.perHost, addr)
		} else {
			f.perHost[addr] = n - 1
		}
	}
}

// AllowPattern adds a glob pattern (e.g. "192.168.*") to the allow list.
// Once any allow pattern is registered, only matching addresses pass.
func (f *FilterFactory) AllowPattern(pattern string) error {
	m, err := pmatch.CompileClause(pattern)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allow = append(f.allow, m)
	return nil
}

// DenyPattern adds a glob pattern to the deny list; deny always wins over
// allow.
func (f *FilterFactory) DenyPattern(pattern string) error {
	m, err := pmatch.CompileClause(pattern)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deny = append(f.deny, m)
	return nil
}

// Permits reports whether remoteIP is allowed to connect.
func (f *FilterFactory) Permits(remoteIP net.IP) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	addr := remoteIP.String()
	for _, m := range f.deny {
		if m.Match(addr) {
			return false
		}
	}
	if len(f.allow) == 0 {
		return true
	}
	for _, m := range f.allow {
		if m.Match(addr) {
			return true
		}
	}
	return false
}

// CreateSession rejects banned/non-allow-listed addresses and addresses
// that would exceed the configured session caps before delegating to the
// wrapped slave factory.
func (f *FilterFactory) CreateSession(conn net.Conn, remoteIP net.IP) (Session, error) {
	if !f.Permits(remoteIP) {
		return nil, nil // nil, nil means "silently refuse", per spec.md §1
	}
	if !f.admit(remoteIP) {
		return nil, nil
	}
	return f.ProxyFactory.CreateSession(conn, remoteIP)
}

// admit applies maxSessions/maxSessionsPerHost, reserving the slot on
// success. A caller that gets false back must not count on Release being
// needed (nothing was reserved).
func (f *FilterFactory) admit(remoteIP net.IP) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.maxSessions > 0 && f.total >= f.maxSessions {
		return false
	}
	addr := remoteIP.String()
	if f.maxSessionsPerHost > 0 && f.perHost[addr] >= f.maxSessionsPerHost {
		return false
	}
	f.total++
	f.perHost[addr]++
	return true
}

// IPFromAddr extracts the dotted-decimal host from a net.Addr such as
// *net.TCPAddr, for callers that only have the raw Addr from Accept.
func IPFromAddr(addr net.Addr) net.IP {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = strings.TrimSuffix(addr.String(), "/")
	}
	return net.ParseIP(host)
}

var _ Factory = (*FilterFactory)(nil)
