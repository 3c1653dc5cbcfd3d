// Package session implements the Session/Factory pairing of spec.md
// §4.5: a Session owns one accepted connection's gateway, pulse
// participation, and bandwidth policy; a Factory turns a freshly
// accepted net.Conn into a Session.
//
// Grounded on original source reflector/AbstractReflectSession.h/.cpp
// (kept files): same attach/message/detach lifecycle, same per-session
// bandwidth-policy slot. IDs are server-instance-scoped counters (spec.md
// DESIGN NOTES §9, "scoped ID counters instead of module-globals")
// instead of the original's process-global counter.
/*
 * Copyright (c) 2018-2022, NVIDIA CORPORATION. All rights reserved.
 */
package session

import (
	"net"

	"github.com/muscleserver/muscle/bwpolicy"
	"github.com/muscleserver/muscle/gateway"
	"github.com/muscleserver/muscle/message"
	"github.com/muscleserver/muscle/pulse"
)

// Server is the narrow set of host services a Session may call back
// into, satisfied by the server package without session importing it
// (which would cycle).
type Server interface {
	// Publish delivers result to every session currently subscribed at
	// path, per the shared data-node tree's subscriber table.
	Publish(path string, result *message.Message)
	// PublishToIDs delivers result directly to the given session IDs,
	// bypassing the tree (the node at path may already be gone, e.g. a
	// REMOVEDATA or a departing session's home-node cleanup).
	PublishToIDs(ids []uint32, result *message.Message)
	// RemoveSession detaches and closes the session with the given ID.
	RemoveSession(id uint32)
}

// Subscriber is optionally implemented by a Session that participates in
// the data-tree pub/sub model of spec.md §4.6. Membership (which paths a
// session is subscribed to) is tracked by the tree itself, not by the
// Subscriber; this interface only names how a matched session receives
// its notification.
type Subscriber interface {
	Session
	Notify(result *message.Message)
}

// HomeSettable is implemented by a Session whose data-tree operations are
// scoped under a per-connection home node (spec.md §3/§4.7: relative
// paths resolve under "/<remote-ip>/<session-id>/"). The server calls
// SetHome once, right after assigning the session's ID and before
// AttachedToServer, so the home path is available for the session's
// first AttachedToServer-driven bookkeeping.
type HomeSettable interface {
	SetHome(homePath string)
}

// Flusher is implemented by a Session that batches outgoing Messages
// instead of handing them straight to its gateway, so a later command in
// the same event-loop iteration (PR_COMMAND_JETTISON) can still drop or
// edit them before they're sent. The server calls FlushPending once per
// iteration, after every ready session has been serviced.
type Flusher interface {
	FlushPending()
}

// Session is one accepted connection's behavior, driven entirely by the
// reflect server's event loop (spec.md §5: single-threaded cooperative).
type Session interface {
	pulse.Node

	ID() uint32

	// AttachedToServer is called exactly once, after the session's ID and
	// home node are assigned and before it joins the server's session table.
	AttachedToServer(srv Server) error
	// MessageReceived handles one fully-decoded incoming Message.
	MessageReceived(msg *message.Message) error
	// AboutToDetach is called right after the session is removed from
	// the table and before its home subtree is deleted (explicit
	// EndSession, I/O error, or server shutdown).
	AboutToDetach()

	Gateway() gateway.Gateway
	Connection() net.Conn
	Policy() bwpolicy.Policy

	// EndSession marks the session for removal at the end of the current
	// event-loop iteration; output still queued on its gateway is not sent.
	EndSession()
	// IsConnected reports whether the session still wants service.
	IsConnected() bool

	// TreeNode exposes the session's slot in the pulse tree so the
	// server can AddChild/Detach it under its Scheduler root.
	TreeNode() *pulse.PulseNode
}

// Base provides the common scaffolding every concrete Session embeds:
// connection, ID, gateway, bandwidth policy, and pulse-tree membership.
// Embedders override MessageReceived (and optionally AttachedToServer /
// AboutToDetach / GetPulseTime / Pulse) to get domain behavior.
type Base struct {
	*pulse.PulseNode

	id        uint32
	conn      net.Conn
	gw        gateway.Gateway
	policy    bwpolicy.Policy
	connected bool
	srv       Server
}

// NewBase wraps conn and gw as session scaffolding. impl is the concrete
// Session embedding this Base, used as the pulse.Node callback target.
func NewBase(conn net.Conn, gw gateway.Gateway, impl pulse.Node) *Base {
	return &Base{
		PulseNode: pulse.NewNode(impl),
		conn:      conn,
		gw:        gw,
		policy:    bwpolicy.Unlimited,
		connected: true,
	}
}

// GetPulseTime/Pulse give Base a default no-op pulse.Node so embedders
// that don't need periodic work satisfy Session without writing their
// own; a session that does need pulses defines its own GetPulseTime/
// Pulse methods, which shadow these via normal Go method promotion.
func (b *Base) GetPulseTime(_ int64, _ int64) int64 { return pulse.Never }
func (b *Base) Pulse(int64, int64)                  {}

func (b *Base) ID() uint32 { return b.id }

// TreeNode returns the tree slot the server attaches/detaches this
// session under, per spec.md §4.4's pulse tree and §4.7 step 9's
// deferred-removal teardown. Named distinctly from the embedded
// *pulse.PulseNode field (itself promoted as "PulseNode") to avoid an
// ambiguous selector.
func (b *Base) TreeNode() *pulse.PulseNode { return b.PulseNode }

// SetID assigns the server-scoped session ID; called exactly once by the
// server/factory at attach time.
func (b *Base) SetID(id uint32)                { b.id = id }
func (b *Base) Gateway() gateway.Gateway       { return b.gw }
func (b *Base) Connection() net.Conn           { return b.conn }
func (b *Base) Policy() bwpolicy.Policy        { return b.policy }
func (b *Base) SetPolicy(p bwpolicy.Policy)    { b.policy = p }
func (b *Base) IsConnected() bool              { return b.connected }
func (b *Base) EndSession()                    { b.connected = false }
func (b *Base) AboutToDetach()                 {}

// AttachedToServer records the host server reference; embedders that
// override this should call Base.AttachedToServer first.
func (b *Base) AttachedToServer(srv Server) error {
	b.srv = srv
	return nil
}

// ServerHost returns the server this session is attached to, or nil.
func (b *Base) ServerHost() Server { return b.srv }

// Identifiable is implemented by any Session embedding Base, letting a
// server/factory assign the server-scoped ID without depending on the
// concrete session type.
type Identifiable interface {
	SetID(id uint32)
}

var _ Session = (*namedBaseProbe)(nil)

// namedBaseProbe exists only so the compiler checks Base satisfies the
// parts of Session it's meant to provide; real sessions embed Base and
// implement MessageReceived themselves.
type namedBaseProbe struct{ *Base }

func (namedBaseProbe) MessageReceived(*message.Message) error { return nil }
