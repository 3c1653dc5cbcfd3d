package datatree

import (
	"sort"
	"sync"

	"github.com/OneOfOne/xxhash"
)

// subscriberSet is a canonical, reference-counted, sorted set of session
// IDs. Many sibling nodes in a large tree tend to share identical
// subscriber sets (e.g. "every client subscribed to /sensors/*"); the
// pool interns them so those nodes share one backing slice instead of
// each allocating their own, per spec.md §9's "hash-consed subscriber
// tables" design note.
type subscriberSet struct {
	ids  []uint32
	refs int
}

func hashIDs(ids []uint32) uint64 {
	h := xxhash.New64()
	b := make([]byte, 4)
	for _, id := range ids {
		b[0] = byte(id)
		b[1] = byte(id >> 8)
		b[2] = byte(id >> 16)
		b[3] = byte(id >> 24)
		h.Write(b)
	}
	return h.Sum64()
}

func sameIDs(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// pool interns subscriberSets by content hash.
type pool struct {
	mu      sync.Mutex
	buckets map[uint64][]*subscriberSet
}

func newPool() *pool {
	return &pool{buckets: make(map[uint64][]*subscriberSet)}
}

// emptySet is the canonical zero-subscriber set, shared by every freshly
// created node.
var emptySet = &subscriberSet{}

// intern returns the canonical subscriberSet for ids (which must already
// be sorted and deduplicated), bumping its refcount.
func (p *pool) intern(ids []uint32) *subscriberSet {
	if len(ids) == 0 {
		return emptySet
	}
	h := hashIDs(ids)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.buckets[h] {
		if sameIDs(s.ids, ids) {
			s.refs++
			return s
		}
	}
	s := &subscriberSet{ids: append([]uint32(nil), ids...), refs: 1}
	p.buckets[h] = append(p.buckets[h], s)
	return s
}

// release drops one reference to s, evicting it from the pool once
// unreferenced.
func (p *pool) release(s *subscriberSet) {
	if s == emptySet || s == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s.refs--
	if s.refs > 0 {
		return
	}
	h := hashIDs(s.ids)
	bucket := p.buckets[h]
	for i, cand := range bucket {
		if cand == s {
			p.buckets[h] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
}

func insertSorted(ids []uint32, id uint32) []uint32 {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if i < len(ids) && ids[i] == id {
		return ids
	}
	out := make([]uint32, len(ids)+1)
	copy(out, ids[:i])
	out[i] = id
	copy(out[i+1:], ids[i:])
	return out
}

func removeSorted(ids []uint32, id uint32) []uint32 {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if i >= len(ids) || ids[i] != id {
		return ids
	}
	out := make([]uint32, len(ids)-1)
	copy(out, ids[:i])
	copy(out[i:], ids[i+1:])
	return out
}
