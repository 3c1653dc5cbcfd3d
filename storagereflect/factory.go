package storagereflect

import (
	"net"

	"github.com/muscleserver/muscle/config"
	"github.com/muscleserver/muscle/datatree"
	"github.com/muscleserver/muscle/gateway"
	"github.com/muscleserver/muscle/message"
	"github.com/muscleserver/muscle/session"
)

// Factory builds storage-reflect Sessions over a shared datatree.Tree,
// per spec.md §4.5's Factory contract.
//
// Grounded on original source reflector/StorageReflectSession.h (kept
// file): the factory class it declares inline is a bare tree-bound
// constructor, no further per-connection state beyond what Session
// itself carries.
type Factory struct {
	tree               *datatree.Tree
	maxMessageSize     uint32
	maxNodesPerSession uint32
}

// NewFactory returns a Factory that binds every created Session to tree.
// maxMessageSize/maxNodesPerSession of 0 means unlimited, per spec.md §9.
func NewFactory(tree *datatree.Tree, maxMessageSize, maxNodesPerSession uint32) *Factory {
	return &Factory{tree: tree, maxMessageSize: maxMessageSize, maxNodesPerSession: maxNodesPerSession}
}

// CreateSession wires a FramedGateway to a fresh Session: the gateway's
// receive callback is a closure over sess, assigned before DoInput can
// ever invoke it, resolving the gateway/session construction cycle
// without a mutable field on either type.
func (f *Factory) CreateSession(conn net.Conn, _ net.IP) (session.Session, error) {
	var sess *Session
	gw := gateway.NewFramedGateway(conn, func(msg *message.Message) error {
		return sess.MessageReceived(msg)
	}, f.maxMessageSize)
	sess = New(conn, gw, f.tree, f.maxNodesPerSession)
	return sess, nil
}

var _ session.Factory = (*Factory)(nil)

// NewFactoryFromConfig is a convenience constructor for cmd/muscled,
// reading MaxMessageSize/MaxNodesPerSession straight off the parsed
// Config.
func NewFactoryFromConfig(tree *datatree.Tree, cfg *config.Config) *Factory {
	return NewFactory(tree, cfg.MaxMessageSize, cfg.MaxNodesPerSession)
}
