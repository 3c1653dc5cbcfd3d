// Package datatree implements the hierarchical data-node tree of
// spec.md §4.6: slash-separated nodes each holding one payload Message,
// an optional ordered-index position among siblings, and a set of
// subscriber session IDs used for pub/sub fan-out.
//
// Grounded on original source reflector/DataNode.cpp/.h (kept files):
// same parent/children/order-index shape. Ordered-index children live in
// the same children map as ordinary named children; the per-node order
// slice only records the sequence of the indexed ones. Ownership
// uses slab-style handles (a flat map[uint64]*DataNode keyed by a
// server-scoped node ID) instead of the original's intrusive
// parent back-pointer ref-counting, per spec.md DESIGN NOTES §9's
// "slab/handle ownership instead of back-pointers" instruction.
/*
 * Copyright (c) 2018-2022, NVIDIA CORPORATION. All rights reserved.
 */
package datatree

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/muscleserver/muscle/cmn/merr"
	"github.com/muscleserver/muscle/message"
	"github.com/muscleserver/muscle/pmatch"
)

// maxChildrenPerNode caps the number of children a node may hold when
// InsertOrderedData adds one, per spec.md §4.6
// PR_COMMAND_INSERTORDEREDDATA's server-wide child-count limit. SetData
// and the other node-creating paths do not check it.
const maxChildrenPerNode = 1 << 16

// DataNode is one vertex of the tree: a name, a payload Message, child
// nodes (both ordinary named children and ordered-index children), and
// an interned set of subscriber session IDs.
type DataNode struct {
	id       uint64
	Name     string
	Path     string
	parent   *DataNode
	children map[string]*DataNode
	order    []string // ordered-index children, in index order

	payload *message.Message
	subs    *subscriberSet
}

// ID is the node's server-scoped handle, stable for the node's lifetime.
func (n *DataNode) ID() uint64 { return n.id }

// Payload returns the node's stored data Message, or nil.
func (n *DataNode) Payload() *message.Message { return n.payload }

// Parent returns the node's parent, or nil at the root.
func (n *DataNode) Parent() *DataNode { return n.parent }

// Subscribers returns the sorted session IDs currently subscribed to
// this node.
func (n *DataNode) Subscribers() []uint32 {
	if n.subs == nil {
		return nil
	}
	out := make([]uint32, len(n.subs.ids))
	copy(out, n.subs.ids)
	return out
}

// IndexSize returns the number of ordered-index children under n.
func (n *DataNode) IndexSize() int { return len(n.order) }

// IndexEntry returns the name of the ordered child at position idx.
func (n *DataNode) IndexEntry(idx int) (string, bool) {
	if idx < 0 || idx >= len(n.order) {
		return "", false
	}
	return n.order[idx], true
}

// subscription is one registered SUBSCRIBE pattern bucketed by path
// depth, mirroring pmatch.Matcher's own bucketing so a newly created node
// only has to test the subscriptions at its own depth.
type subscription struct {
	pattern   string
	matchers  []pmatch.ClauseMatcher
	sessionID uint32
}

func (s *subscription) matches(path string) bool {
	clauses := pmatch.SplitClauses(path)
	if len(clauses) != len(s.matchers) {
		return false
	}
	for i, m := range s.matchers {
		if !m.Match(clauses[i]) {
			return false
		}
	}
	return true
}

// Tree owns the whole node namespace rooted at "/".
type Tree struct {
	mu     sync.RWMutex
	pool   *pool
	nextID uint64
	byID   map[uint64]*DataNode
	root   *DataNode

	subsByDepth map[int][]*subscription
}

// New returns an empty tree with just the root node.
func New() *Tree {
	t := &Tree{
		pool:        newPool(),
		byID:        make(map[uint64]*DataNode),
		subsByDepth: make(map[int][]*subscription),
	}
	t.root = t.newNode(nil, "", "")
	return t
}

func (t *Tree) newNode(parent *DataNode, name, path string) *DataNode {
	t.nextID++
	n := &DataNode{
		id:       t.nextID,
		Name:     name,
		Path:     path,
		parent:   parent,
		children: make(map[string]*DataNode),
		subs:     emptySet,
	}
	t.byID[n.id] = n
	return n
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func joinPath(parent string, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// Root returns the tree's root node.
func (t *Tree) Root() *DataNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// GetNode looks up path without creating anything.
func (t *Tree) GetNode(path string) (*DataNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.walk(path, false)
}

func (t *Tree) walk(path string, create bool) (*DataNode, bool) {
	cur := t.root
	for _, clause := range splitPath(path) {
		child, ok := cur.children[clause]
		if !ok {
			if !create {
				return nil, false
			}
			child = t.newNode(cur, clause, joinPath(cur.Path, clause))
			cur.children[clause] = child
			t.registerNewNode(child)
		}
		cur = child
	}
	return cur, true
}

// registerNewNode adds every session currently subscribed to a pattern
// that matches n's path to n's subscriber table, so a node created after
// a matching SUBSCRIBE still satisfies spec.md §8's "every node matching
// s has an entry for S.id" invariant.
func (t *Tree) registerNewNode(n *DataNode) {
	depth := pmatch.GetPathDepth(n.Path)
	for _, sub := range t.subsByDepth[depth] {
		if sub.matches(n.Path) {
			t.addSubscriberLocked(n, sub.sessionID)
		}
	}
}

// SetData stores payload at path, creating intermediate nodes as
// needed, per spec.md §4.6 PR_COMMAND_SETDATA.
func (t *Tree) SetData(path string, payload *message.Message) *DataNode {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, _ := t.walk(path, true)
	n.payload = payload
	return n
}

// RemoveData deletes the node at path (and its subtree), per spec.md
// §4.6 PR_COMMAND_REMOVEDATA.
func (t *Tree) RemoveData(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.walk(path, false)
	if !ok || n == t.root {
		return false
	}
	t.detach(n)
	return true
}

func (t *Tree) detach(n *DataNode) {
	for _, child := range n.children {
		t.detach(child)
	}
	if n.parent != nil {
		delete(n.parent.children, n.Name)
		n.parent.removeIndexEntry(n.Name)
	}
	t.pool.release(n.subs)
	delete(t.byID, n.id)
}

func (n *DataNode) removeIndexEntry(name string) {
	for i, nm := range n.order {
		if nm == name {
			n.order = append(n.order[:i], n.order[i+1:]...)
			return
		}
	}
}

// InsertOrderedData inserts a new ordered-index child of parentPath at
// position idx (an idx outside [0, len] appends at the end), per spec.md §4.6
// PR_COMMAND_INSERTORDEREDDATA. A name collision does not fail the
// call: the child is given the next available "I<counter>" name
// instead, mirroring DataNode.cpp's GetUnusedNodeName. The parent is
// capped at maxChildrenPerNode children server-wide.
func (t *Tree) InsertOrderedData(parentPath, name string, idx int, payload *message.Message) (*DataNode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	parent, _ := t.walk(parentPath, true)
	if len(parent.children) >= maxChildrenPerNode {
		return nil, merr.New(merr.KindResourceExhausted, "node %q already has the maximum %d children", parentPath, maxChildrenPerNode)
	}
	if _, exists := parent.children[name]; exists {
		name = t.unusedChildName(parent)
	}
	child := t.newNode(parent, name, joinPath(parent.Path, name))
	child.payload = payload
	parent.children[name] = child
	t.registerNewNode(child)
	if idx < 0 || idx > len(parent.order) {
		idx = len(parent.order)
	}
	parent.order = append(parent.order, "")
	copy(parent.order[idx+1:], parent.order[idx:])
	parent.order[idx] = name
	return child, nil
}

// unusedChildName returns the lowest-numbered "I<n>" name not already
// used by one of parent's children.
func (t *Tree) unusedChildName(parent *DataNode) string {
	for i := 0; ; i++ {
		candidate := "I" + strconv.Itoa(i)
		if _, exists := parent.children[candidate]; !exists {
			return candidate
		}
	}
}

// ReorderData moves the ordered child named name under parentPath to
// newIndex, per spec.md §4.6 PR_COMMAND_REORDERDATA.
func (t *Tree) ReorderData(parentPath, name string, newIndex int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	parent, ok := t.walk(parentPath, false)
	if !ok {
		return merr.New(merr.KindNotFound, "no such parent %q", parentPath)
	}
	oldIndex := -1
	for i, nm := range parent.order {
		if nm == name {
			oldIndex = i
			break
		}
	}
	if oldIndex < 0 {
		return merr.New(merr.KindNotFound, "no such ordered child %q under %q", name, parentPath)
	}
	if newIndex < 0 {
		newIndex = 0
	}
	if newIndex >= len(parent.order) {
		newIndex = len(parent.order) - 1
	}
	without := make([]string, 0, len(parent.order)-1)
	without = append(without, parent.order[:oldIndex]...)
	without = append(without, parent.order[oldIndex+1:]...)
	reordered := make([]string, 0, len(without)+1)
	reordered = append(reordered, without[:newIndex]...)
	reordered = append(reordered, name)
	reordered = append(reordered, without[newIndex:]...)
	parent.order = reordered
	return nil
}

// AddSubscriber adds sessionID to node's interned subscriber set.
func (t *Tree) AddSubscriber(n *DataNode, sessionID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addSubscriberLocked(n, sessionID)
}

// RemoveSubscriber removes sessionID from node's interned subscriber set.
func (t *Tree) RemoveSubscriber(n *DataNode, sessionID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeSubscriberLocked(n, sessionID)
}

func (t *Tree) addSubscriberLocked(n *DataNode, sessionID uint32) {
	newIDs := insertSorted(n.subs.ids, sessionID)
	if len(newIDs) == len(n.subs.ids) {
		return // already subscribed
	}
	old := n.subs
	n.subs = t.pool.intern(newIDs)
	t.pool.release(old)
}

func (t *Tree) removeSubscriberLocked(n *DataNode, sessionID uint32) {
	newIDs := removeSorted(n.subs.ids, sessionID)
	if len(newIDs) == len(n.subs.ids) {
		return // wasn't subscribed
	}
	old := n.subs
	n.subs = t.pool.intern(newIDs)
	t.pool.release(old)
}

// SubscribersAt returns the sorted session IDs subscribed to path, or
// nil if path names no node (e.g. it was just removed).
func (t *Tree) SubscribersAt(path string) []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.walk(path, false)
	if !ok {
		return nil
	}
	return n.Subscribers()
}

// Subscribe registers sessionID against every node currently matching
// pattern, and against every node matching it created afterwards, per
// spec.md §4.6's subscription-dispatch model and §8's subscriber-table
// invariant. The matcher is bucketed by depth exactly like pmatch.Matcher
// (regex/PathMatcher.cpp's own per-depth buckets), since a pattern can
// only ever match paths of its own clause count.
func (t *Tree) Subscribe(pattern string, sessionID uint32) error {
	clauses := pmatch.SplitClauses(pattern)
	matchers := make([]pmatch.ClauseMatcher, len(clauses))
	for i, c := range clauses {
		m, err := pmatch.CompileClause(c)
		if err != nil {
			return err
		}
		matchers[i] = m
	}
	sub := &subscription{pattern: pattern, matchers: matchers, sessionID: sessionID}

	t.mu.Lock()
	defer t.mu.Unlock()
	depth := len(clauses)
	t.subsByDepth[depth] = append(t.subsByDepth[depth], sub)
	for _, n := range t.byID {
		if pmatch.GetPathDepth(n.Path) == depth && sub.matches(n.Path) {
			t.addSubscriberLocked(n, sessionID)
		}
	}
	return nil
}

// Unsubscribe reverses Subscribe for the exact pattern string sessionID
// registered. Membership for sessionID is recomputed from whatever
// subscriptions of sessionID's remain, so overlapping patterns on the
// same session don't clobber each other.
func (t *Tree) Unsubscribe(pattern string, sessionID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	depth := pmatch.GetPathDepth(pattern)
	list := t.subsByDepth[depth]
	for i, sub := range list {
		if sub.pattern == pattern && sub.sessionID == sessionID {
			t.subsByDepth[depth] = append(list[:i], list[i+1:]...)
			break
		}
	}
	for _, n := range t.byID {
		if pmatch.GetPathDepth(n.Path) != depth {
			continue
		}
		stillMatches := false
		for _, remaining := range t.subsByDepth[depth] {
			if remaining.sessionID == sessionID && remaining.matches(n.Path) {
				stillMatches = true
				break
			}
		}
		if !stillMatches {
			t.removeSubscriberLocked(n, sessionID)
		}
	}
}

// MatchNodes returns every live node whose path matches pattern (one
// clause matcher compiled per slash-separated segment), per spec.md
// §4.6's PR_COMMAND_GETDATA/PR_COMMAND_REMOVEDATA "every node whose path
// matches one of the supplied KEYS patterns" semantics. Nodes are
// returned sorted by path for deterministic iteration.
func (t *Tree) MatchNodes(pattern string) ([]*DataNode, error) {
	clauses := pmatch.SplitClauses(pattern)
	matchers := make([]pmatch.ClauseMatcher, len(clauses))
	for i, c := range clauses {
		m, err := pmatch.CompileClause(c)
		if err != nil {
			return nil, err
		}
		matchers[i] = m
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	cur := []*DataNode{t.root}
	for _, m := range matchers {
		var next []*DataNode
		for _, n := range cur {
			for name, child := range n.children {
				if m.Match(name) {
					next = append(next, child)
				}
			}
		}
		cur = next
	}
	sort.Slice(cur, func(i, j int) bool { return cur[i].Path < cur[j].Path })
	return cur, nil
}

// SubtreeNodeCount reports the number of live nodes at or below path,
// including path's own node, or 0 if path names no node. Used to enforce
// a per-session node quota (spec.md §6 maxnodespersession=) against a
// session's home subtree.
func (t *Tree) SubtreeNodeCount(path string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.walk(path, false)
	if !ok {
		return 0
	}
	return countSubtree(n)
}

func countSubtree(n *DataNode) int {
	count := 1
	for _, c := range n.children {
		count += countSubtree(c)
	}
	return count
}

// MoveIndexEntries relocates the count ordered-index entries under
// parentPath starting at fromIndex so that run now begins at toIndex,
// preserving the moved entries' relative order, per spec.md §4.6's
// MoveIndexEntries operation (no client command maps to it).
func (t *Tree) MoveIndexEntries(parentPath string, fromIndex, toIndex, count int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	parent, ok := t.walk(parentPath, false)
	if !ok {
		return merr.New(merr.KindNotFound, "no such parent %q", parentPath)
	}
	if count <= 0 {
		return nil
	}
	if fromIndex < 0 || fromIndex+count > len(parent.order) {
		return merr.New(merr.KindMalformedInput, "move range [%d,%d) out of bounds for %q", fromIndex, fromIndex+count, parentPath)
	}
	moving := append([]string(nil), parent.order[fromIndex:fromIndex+count]...)
	without := make([]string, 0, len(parent.order)-count)
	without = append(without, parent.order[:fromIndex]...)
	without = append(without, parent.order[fromIndex+count:]...)
	if toIndex < 0 {
		toIndex = 0
	}
	if toIndex > len(without) {
		toIndex = len(without)
	}
	moved := make([]string, 0, len(parent.order))
	moved = append(moved, without[:toIndex]...)
	moved = append(moved, moving...)
	moved = append(moved, without[toIndex:]...)
	parent.order = moved
	return nil
}

// TraversalPruner optionally restricts what SaveNodeTreeToMessage,
// RestoreNodeTreeFromMessage, and CloneDataNodeSubtree visit, per
// original source reflector/StorageReflectSession.h's ITraversalPruner:
// a nil pruner visits every node.
type TraversalPruner interface {
	MatchPath(path string, payload *message.Message) bool
}

// SaveNodeTreeToMessage serializes the subtree rooted at path into dst:
// one TypeMessage field per node holding a payload, keyed by that node's
// path relative to path (the root itself is keyed "."), per spec.md §4.6
// and §6's "Persisted state" snapshot operation.
func (t *Tree) SaveNodeTreeToMessage(dst *message.Message, path string, pruner TraversalPruner) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.walk(path, false)
	if !ok {
		return merr.New(merr.KindNotFound, "no such node %q", path)
	}
	t.saveNode(dst, n, "", pruner)
	return nil
}

func (t *Tree) saveNode(dst *message.Message, n *DataNode, rel string, pruner TraversalPruner) {
	if n.payload != nil && (pruner == nil || pruner.MatchPath(n.Path, n.payload)) {
		key := rel
		if key == "" {
			key = "."
		}
		dst.AddMessage(key, n.payload)
	}
	for name, child := range n.children {
		childRel := name
		if rel != "" {
			childRel = rel + "/" + name
		}
		t.saveNode(dst, child, childRel, pruner)
	}
}

// RestoreNodeTreeFromMessage recreates, under path, the subtree src holds
// (as produced by SaveNodeTreeToMessage), creating intermediate nodes as
// needed.
func (t *Tree) RestoreNodeTreeFromMessage(src *message.Message, path string, pruner TraversalPruner) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rel := range src.FieldNames() {
		payload, ok := src.FindMessage(rel, 0)
		if !ok {
			continue
		}
		if pruner != nil && !pruner.MatchPath(rel, payload) {
			continue
		}
		full := path
		if rel != "." {
			full = joinPath(path, rel)
		}
		n, _ := t.walk(full, true)
		n.payload = payload
	}
	return nil
}

// CloneDataNodeSubtree deep-copies the payloads of the subtree rooted at
// srcPath onto the subtree rooted at dstPath, creating dstPath's nodes as
// needed, per spec.md §4.6's clone operation.
func (t *Tree) CloneDataNodeSubtree(srcPath, dstPath string, pruner TraversalPruner) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	src, ok := t.walk(srcPath, false)
	if !ok {
		return merr.New(merr.KindNotFound, "no such node %q", srcPath)
	}
	dst, _ := t.walk(dstPath, true)
	t.cloneInto(src, dst, pruner)
	return nil
}

func (t *Tree) cloneInto(src, dst *DataNode, pruner TraversalPruner) {
	if src.payload != nil && (pruner == nil || pruner.MatchPath(src.Path, src.payload)) {
		dst.payload = src.payload.Clone()
	}
	for name, child := range src.children {
		dstChild, _ := t.walk(joinPath(dst.Path, name), true)
		t.cloneInto(child, dstChild, pruner)
	}
}

// Children returns the node's children sorted by name, for deterministic
// traversal.
func (t *Tree) Children(n *DataNode) []*DataNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*DataNode, len(names))
	for i, name := range names {
		out[i] = n.children[name]
	}
	return out
}

// NodeCount reports the total number of nodes in the tree, including the
// root.
func (t *Tree) NodeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
