package storagereflect

import (
	"net"
	"strings"

	"github.com/muscleserver/muscle/bwpolicy"
	"github.com/muscleserver/muscle/cmn/merr"
	"github.com/muscleserver/muscle/datatree"
	"github.com/muscleserver/muscle/gateway"
	"github.com/muscleserver/muscle/message"
	"github.com/muscleserver/muscle/pmatch"
	"github.com/muscleserver/muscle/session"
)

const subscribePrefix = "subscribe:"

// Session is the concrete session.Session that speaks the storage-reflect
// command vocabulary (commands.go) against a shared datatree.Tree.
//
// Grounded on original source reflector/StorageReflectSession.h (kept
// file): SetDataNode/RemoveDataNodes/GetDataNodes/subscription-by-
// parameter-field are the direct analogs of this type's handle* methods.
type Session struct {
	*session.Base

	tree     *datatree.Tree
	home     string // "<remote-ip>/<session-id>", set by SetHome at attach time
	maxNodes uint32 // 0 == unlimited, spec.md §6 maxnodespersession=

	subs       map[string]string // raw SUBSCRIBE pattern -> resolved pattern registered with tree
	bans       *pmatch.Matcher
	parameters *message.Message

	pending []*message.Message // queued Notify results, flushed once per event-loop iteration
}

// New constructs a storage-reflect Session bound to tree, over conn/gw.
// maxNodesPerSession of 0 means unlimited.
func New(conn net.Conn, gw gateway.Gateway, tree *datatree.Tree, maxNodesPerSession uint32) *Session {
	s := &Session{
		tree:       tree,
		maxNodes:   maxNodesPerSession,
		subs:       make(map[string]string),
		bans:       pmatch.New(),
		parameters: message.New(0),
	}
	s.Base = session.NewBase(conn, gw, s)
	return s
}

var _ session.Subscriber = (*Session)(nil)
var _ session.HomeSettable = (*Session)(nil)
var _ session.Flusher = (*Session)(nil)

// SetHome records this session's per-connection home node path, per
// spec.md §3/§4.7: a relative command path resolves under
// "/<home>/<relative path>".
func (s *Session) SetHome(homePath string) { s.home = homePath }

// adjustStringPrefix resolves a client-supplied path/pattern against
// prefix: an absolute path (leading "/") has the slash stripped and is
// used as-is; a relative path has prefix literally prepended.
//
// Grounded on original source regex/PathMatcher.cpp's AdjustStringPrefix:
// plain string concatenation, no clause-aware joining.
func adjustStringPrefix(s, prefix string) string {
	if strings.HasPrefix(s, "/") {
		return s[1:]
	}
	return prefix + s
}

// Notify queues an already-built PR_RESULT_* Message for delivery at the
// end of the current event-loop iteration, so a later PR_COMMAND_JETTISON
// in the same batch can still drop it before it reaches the wire.
func (s *Session) Notify(result *message.Message) {
	s.pending = append(s.pending, result)
}

// FlushPending hands every still-queued notification to the gateway and
// clears the queue, implementing session.Flusher.
func (s *Session) FlushPending() {
	for _, m := range s.pending {
		_ = s.Gateway().QueueMessage(m)
	}
	s.pending = s.pending[:0]
}

func (s *Session) isBanned(path string) bool {
	return s.bans.MatchesPath(path, nil)
}

// checkNodeCap reports an error if creating a brand-new node at path
// would push this session's home subtree over maxNodes. A path that
// already names a live node never counts against the cap (SETDATA on an
// existing node doesn't grow the tree).
func (s *Session) checkNodeCap(path string) error {
	if s.maxNodes == 0 || s.home == "" {
		return nil
	}
	if _, exists := s.tree.GetNode(path); exists {
		return nil
	}
	if uint32(s.tree.SubtreeNodeCount(s.home)) >= s.maxNodes {
		return merr.New(merr.KindResourceExhausted, "session %d already has the maximum %d nodes", s.ID(), s.maxNodes)
	}
	return nil
}

// MessageReceived dispatches one incoming command Message, per spec.md
// §4.6's PR_COMMAND_* vocabulary.
func (s *Session) MessageReceived(msg *message.Message) error {
	switch msg.What {
	case CommandSetData:
		return s.handleSetData(msg)
	case CommandGetData:
		return s.handleGetData(msg)
	case CommandRemoveData:
		return s.handleRemoveData(msg)
	case CommandSetParameters:
		return s.handleSetParameters(msg)
	case CommandGetParameters:
		return s.handleGetParameters(msg)
	case CommandRemoveParameters:
		return s.handleRemoveParameters(msg)
	case CommandInsertOrderedData:
		return s.handleInsertOrderedData(msg)
	case CommandReorderData:
		return s.handleReorderData(msg)
	case CommandAddBans:
		return s.handleAddBans(msg)
	case CommandRemoveBans:
		return s.handleRemoveBans(msg)
	case CommandKick:
		return s.handleKick(msg)
	case CommandPing:
		return s.handlePing(msg)
	case CommandJettison:
		return s.handleJettison(msg)
	default:
		reply := message.New(ResultErrorUnimplemented)
		reply.AddInt32("what", int32(msg.What))
		return s.Gateway().QueueMessage(reply)
	}
}

func (s *Session) handleSetData(msg *message.Message) error {
	path, ok := msg.FindString(FieldPath, 0)
	if !ok {
		return merr.New(merr.KindMalformedInput, "SETDATA missing %q", FieldPath)
	}
	resolved := adjustStringPrefix(path, s.home+"/")
	if s.isBanned(resolved) {
		return merr.New(merr.KindPermissionDenied, "path %q is banned for this session", resolved)
	}
	if err := s.checkNodeCap(resolved); err != nil {
		return err
	}
	data, _ := msg.FindMessage(FieldData, 0)
	if data == nil {
		data = message.New(0)
	}
	s.tree.SetData(resolved, data)
	s.publishUpdate(resolved, data)
	return nil
}

func (s *Session) publishUpdate(path string, data *message.Message) {
	if s.ServerHost() == nil {
		return
	}
	result := message.New(ResultDataItems)
	result.AddMessage(path, data)
	s.ServerHost().Publish(path, result)
}

func (s *Session) publishRemoval(path string, ids []uint32) {
	if s.ServerHost() == nil {
		return
	}
	result := message.New(ResultDataItems)
	result.AddString(FieldRemovedItems, path)
	s.ServerHost().PublishToIDs(ids, result)
}

func (s *Session) handleGetData(msg *message.Message) error {
	f := msg.Field(FieldKeys)
	reply := message.New(ResultDataItems)
	n := 0
	if f != nil {
		n = f.Len()
	}
	for i := 0; i < n; i++ {
		pattern, ok := msg.FindString(FieldKeys, i)
		if !ok {
			continue
		}
		resolved := adjustStringPrefix(pattern, s.home+"/")
		nodes, err := s.tree.MatchNodes(resolved)
		if err != nil {
			continue
		}
		for _, node := range nodes {
			if node.Payload() != nil {
				reply.AddMessage(node.Path, node.Payload())
			}
		}
	}
	return s.Gateway().QueueMessage(reply)
}

func (s *Session) handleRemoveData(msg *message.Message) error {
	f := msg.Field(FieldKeys)
	n := 0
	if f != nil {
		n = f.Len()
	}
	for i := 0; i < n; i++ {
		pattern, ok := msg.FindString(FieldKeys, i)
		if !ok {
			continue
		}
		resolved := adjustStringPrefix(pattern, s.home+"/")
		nodes, err := s.tree.MatchNodes(resolved)
		if err != nil {
			continue
		}
		for _, node := range nodes {
			path := node.Path
			if s.isBanned(path) {
				continue
			}
			ids := s.tree.SubscribersAt(path)
			if s.tree.RemoveData(path) {
				s.publishRemoval(path, ids)
			}
		}
	}
	return nil
}

func (s *Session) handleInsertOrderedData(msg *message.Message) error {
	path, ok := msg.FindString(FieldPath, 0)
	if !ok {
		return merr.New(merr.KindMalformedInput, "INSERTORDEREDDATA missing %q", FieldPath)
	}
	resolved := adjustStringPrefix(path, s.home+"/")
	idx, _ := msg.FindInt32(FieldIndex, 0)
	data, _ := msg.FindMessage(FieldData, 0)
	if data == nil {
		data = message.New(0)
	}
	if err := s.checkNodeCap(resolved); err != nil {
		return err
	}
	parent := parentOf(resolved)
	name := leafOf(resolved)
	child, err := s.tree.InsertOrderedData(parent, name, int(idx), data)
	if err != nil {
		return err
	}
	s.publishUpdate(child.Path, data)
	return nil
}

func (s *Session) handleReorderData(msg *message.Message) error {
	path, ok := msg.FindString(FieldPath, 0)
	if !ok {
		return merr.New(merr.KindMalformedInput, "REORDERDATA missing %q", FieldPath)
	}
	resolved := adjustStringPrefix(path, s.home+"/")
	idx, _ := msg.FindInt32(FieldIndex, 0)
	parent := parentOf(resolved)
	name := leafOf(resolved)
	if err := s.tree.ReorderData(parent, name, int(idx)); err != nil {
		return err
	}
	result := message.New(ResultIndexUpdated)
	result.AddString(FieldPath, resolved)
	result.AddInt32(FieldIndex, idx)
	if s.ServerHost() != nil {
		s.ServerHost().Publish(parent, result)
	}
	return nil
}

func (s *Session) handleSetParameters(msg *message.Message) error {
	for _, name := range msg.FieldNames() {
		if strings.HasPrefix(name, subscribePrefix) {
			rawPattern := strings.TrimPrefix(name, subscribePrefix)
			on, _ := msg.FindBool(name, 0)
			if on {
				resolved := adjustStringPrefix(rawPattern, "*/*/")
				if err := s.tree.Subscribe(resolved, s.ID()); err == nil {
					s.subs[rawPattern] = resolved
				}
			} else if resolved, ok := s.subs[rawPattern]; ok {
				s.tree.Unsubscribe(resolved, s.ID())
				delete(s.subs, rawPattern)
			}
			continue
		}
		s.parameters.RemoveField(name)
		copyField(msg, s.parameters, name)
	}
	return nil
}

func (s *Session) handleGetParameters(*message.Message) error {
	reply := message.New(ResultParameters)
	for _, name := range s.parameters.FieldNames() {
		copyField(s.parameters, reply, name)
	}
	return s.Gateway().QueueMessage(reply)
}

func (s *Session) handleRemoveParameters(msg *message.Message) error {
	f := msg.Field(FieldKeys)
	n := 0
	if f != nil {
		n = f.Len()
	}
	for i := 0; i < n; i++ {
		name, ok := msg.FindString(FieldKeys, i)
		if ok {
			s.parameters.RemoveField(name)
		}
	}
	return nil
}

func (s *Session) handleAddBans(msg *message.Message) error {
	f := msg.Field(FieldBanPatterns)
	n := 0
	if f != nil {
		n = f.Len()
	}
	for i := 0; i < n; i++ {
		pattern, ok := msg.FindString(FieldBanPatterns, i)
		if ok {
			_ = s.bans.Put(pattern, nil)
		}
	}
	return nil
}

func (s *Session) handleRemoveBans(msg *message.Message) error {
	f := msg.Field(FieldBanPatterns)
	n := 0
	if f != nil {
		n = f.Len()
	}
	for i := 0; i < n; i++ {
		pattern, ok := msg.FindString(FieldBanPatterns, i)
		if ok {
			s.bans.Remove(pattern)
		}
	}
	return nil
}

func (s *Session) handleKick(msg *message.Message) error {
	targetID, ok := msg.FindUint32(FieldKickSessionID, 0)
	if !ok {
		return merr.New(merr.KindMalformedInput, "KICK missing %q", FieldKickSessionID)
	}
	if s.ServerHost() != nil {
		s.ServerHost().RemoveSession(targetID)
	}
	return nil
}

func (s *Session) handlePing(msg *message.Message) error {
	reply := message.New(ResultPong)
	for _, name := range msg.FieldNames() {
		copyField(msg, reply, name)
	}
	return s.Gateway().QueueMessage(reply)
}

// handleJettison implements PR_COMMAND_JETTISON: with no pattern field,
// drops every notification still queued for this session; with a
// pattern, drops only the entries (and, if a ResultDataItems message is
// left empty, the whole message) whose path matches it.
//
// Grounded on original source reflector/StorageReflectSession.h's
// JettisonOutgoingResults(const NodePathMatcher*): filters queued
// outgoing result Messages by pattern, it does not tear the session down.
func (s *Session) handleJettison(msg *message.Message) error {
	pattern, hasPattern := msg.FindString(FieldJettisonPattern, 0)
	if !hasPattern {
		s.pending = s.pending[:0]
		return nil
	}
	matchers, err := compileClauses(pattern)
	if err != nil {
		return merr.Wrap(err, merr.KindMalformedInput, "JETTISON pattern")
	}

	kept := s.pending[:0]
	for _, m := range s.pending {
		if m.What != ResultDataItems {
			kept = append(kept, m)
			continue
		}
		filtered, changed := filterDataItems(m, matchers)
		if !changed {
			kept = append(kept, m)
			continue
		}
		if len(filtered.FieldNames()) > 0 {
			kept = append(kept, filtered)
		}
	}
	s.pending = kept
	return nil
}

// filterDataItems returns a copy of m with every field (data item or
// FieldRemovedItems entry) whose path matches matchers dropped, and
// whether anything was actually dropped.
func filterDataItems(m *message.Message, matchers []pmatch.ClauseMatcher) (*message.Message, bool) {
	out := message.New(m.What)
	changed := false
	for _, name := range m.FieldNames() {
		if name == FieldRemovedItems {
			f := m.Field(name)
			for i := 0; i < f.Len(); i++ {
				v, ok := m.FindString(name, i)
				if !ok {
					continue
				}
				if matchesPattern(v, matchers) {
					changed = true
					continue
				}
				out.AddString(name, v)
			}
			continue
		}
		if matchesPattern(name, matchers) {
			changed = true
			continue
		}
		copyField(m, out, name)
	}
	return out, changed
}

func matchesPattern(path string, matchers []pmatch.ClauseMatcher) bool {
	clauses := pmatch.SplitClauses(path)
	if len(clauses) != len(matchers) {
		return false
	}
	for i, m := range matchers {
		if !m.Match(clauses[i]) {
			return false
		}
	}
	return true
}

func compileClauses(pattern string) ([]pmatch.ClauseMatcher, error) {
	clauses := pmatch.SplitClauses(pattern)
	matchers := make([]pmatch.ClauseMatcher, len(clauses))
	for i, c := range clauses {
		m, err := pmatch.CompileClause(c)
		if err != nil {
			return nil, err
		}
		matchers[i] = m
	}
	return matchers, nil
}

// AboutToDetach unsubscribes this session from every pattern it
// registered with the tree, so a node's subscriber table never outlives
// the session that asked to be notified about it.
func (s *Session) AboutToDetach() {
	for raw, resolved := range s.subs {
		s.tree.Unsubscribe(resolved, s.ID())
		delete(s.subs, raw)
	}
}

func parentOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	return path[:i]
}

func leafOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return path
	}
	return path[i+1:]
}

// copyField copies every element of src's named field into dst,
// preserving its concrete type. Only string, int32, int64, bool, float64,
// bytes and message fields are copied; fields of any other type (int8,
// int16, float32, points, rects, pointers, ...) are silently skipped,
// matching parameters' "best-effort mirror" semantics.
func copyField(src, dst *message.Message, name string) {
	f := src.Field(name)
	if f == nil {
		return
	}
	for i := 0; i < f.Len(); i++ {
		switch f.Type {
		case message.TypeString:
			if v, ok := src.FindString(name, i); ok {
				dst.AddString(name, v)
			}
		case message.TypeInt32:
			if v, ok := src.FindInt32(name, i); ok {
				dst.AddInt32(name, v)
			}
		case message.TypeInt64:
			if v, ok := src.FindInt64(name, i); ok {
				dst.AddInt64(name, v)
			}
		case message.TypeBool:
			if v, ok := src.FindBool(name, i); ok {
				dst.AddBool(name, v)
			}
		case message.TypeFloat64:
			if v, ok := src.FindFloat64(name, i); ok {
				dst.AddFloat64(name, v)
			}
		case message.TypeBytes:
			if v, ok := src.FindBytes(name, i); ok {
				dst.AddBytes(name, v)
			}
		case message.TypeMessage:
			if v, ok := src.FindMessage(name, i); ok {
				dst.AddMessage(name, v)
			}
		}
	}
}

// SetBandwidthPolicy installs the per-session throttle on the session and,
// for a framed gateway, on both of the gateway's directions. It does not
// add the policy to the pulse tree.
func (s *Session) SetBandwidthPolicy(p bwpolicy.Policy) {
	s.SetPolicy(p)
	if fg, ok := s.Gateway().(*gateway.FramedGateway); ok {
		fg.SetBandwidthPolicy(p)
	}
}
