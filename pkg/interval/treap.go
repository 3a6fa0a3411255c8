// Package interval implements the interval map named in §4.7/§9/GLOSSARY:
// a randomized binary search tree (treap) ordered by interval start, each
// node annotated with the maximum end in its subtree, giving
// O((k+1) log n) point-overlap queries for k hits. No example repo in the
// corpus ships an augmented interval tree, so this is written from
// scratch in the teacher's plain-mutex, no-unsafe style rather than
// adapted from existing code (documented in DESIGN.md).
package interval

import (
	"bytes"
	"math/rand"
	"sync"
)

// Key is a half-open byte interval [Start, End).
type Key struct {
	Start []byte
	End   []byte
}

func (k Key) contains(point []byte) bool {
	return bytes.Compare(point, k.Start) >= 0 && bytes.Compare(point, k.End) < 0
}

// Subscriber is an opaque handle the caller attaches to inserted
// intervals; Query returns the set of subscribers whose intervals
// overlap a point.
type Subscriber interface{}

type node struct {
	key      Key
	sub      Subscriber
	priority uint64
	maxEnd   []byte
	left     *node
	right    *node
}

func endOf(n *node) []byte {
	if n == nil {
		return nil
	}
	return n.maxEnd
}

func maxBytes(a, b []byte) []byte {
	if bytes.Compare(a, b) >= 0 {
		return a
	}
	return b
}

func (n *node) recompute() {
	m := n.key.End
	m = maxBytes(m, endOf(n.left))
	m = maxBytes(m, endOf(n.right))
	n.maxEnd = m
}

// Tree is a treap mapping intervals to subscribers, ordered by Start with
// max-end augmentation for O((k+1) log n) point queries.
type Tree struct {
	mu    sync.RWMutex
	root  *node
	size  int
	limit int
	rng   *rand.Rand
}

// NewTree constructs an empty interval map bounded by limit entries (0
// means unbounded); Insert past limit fails with ErrTooFull.
func NewTree(limit int) *Tree {
	return &Tree{limit: limit, rng: rand.New(rand.NewSource(1))}
}

// ErrTooFull is returned by Insert when the map would exceed its configured
// capacity (§4.7 "TooFull").
var ErrTooFull = &tooFullError{}

type tooFullError struct{}

func (*tooFullError) Error() string { return "interval: map is at capacity" }

// Insert atomically adds one interval for sub.
func (t *Tree) Insert(key Key, sub Subscriber) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limit > 0 && t.size >= t.limit {
		return ErrTooFull
	}
	t.root = insert(t.root, &node{key: key, sub: sub, priority: t.rng.Uint64(), maxEnd: key.End})
	t.size++
	return nil
}

// InsertBatch atomically adds every interval for sub, or none if the map
// would overflow.
func (t *Tree) InsertBatch(keys []Key, sub Subscriber) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limit > 0 && t.size+len(keys) > t.limit {
		return ErrTooFull
	}
	for _, k := range keys {
		t.root = insert(t.root, &node{key: k, sub: sub, priority: t.rng.Uint64(), maxEnd: k.End})
		t.size++
	}
	return nil
}

func insert(root, n *node) *node {
	if root == nil {
		return n
	}
	if bytes.Compare(n.key.Start, root.key.Start) < 0 {
		root.left = insert(root.left, n)
		if root.left.priority > root.priority {
			root = rotateRight(root)
		}
	} else {
		root.right = insert(root.right, n)
		if root.right.priority > root.priority {
			root = rotateLeft(root)
		}
	}
	root.recompute()
	return root
}

func rotateRight(root *node) *node {
	l := root.left
	root.left = l.right
	l.right = root
	root.recompute()
	l.recompute()
	return l
}

func rotateLeft(root *node) *node {
	r := root.right
	root.right = r.left
	r.left = root
	root.recompute()
	r.recompute()
	return r
}

// Remove atomically deletes every interval belonging to sub.
func (t *Tree) Remove(sub Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var kept []*node
	collectExcept(t.root, sub, &kept)
	t.root = nil
	t.size = 0
	for _, n := range kept {
		t.root = insert(t.root, &node{key: n.key, sub: n.sub, priority: n.priority, maxEnd: n.key.End})
		t.size++
	}
}

func collectExcept(n *node, sub Subscriber, out *[]*node) {
	if n == nil {
		return
	}
	collectExcept(n.left, sub, out)
	if n.sub != sub {
		*out = append(*out, n)
	}
	collectExcept(n.right, sub, out)
}

// Query returns the deduplicated set of subscribers whose interval
// contains point.
func (t *Tree) Query(point []byte) []Subscriber {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[Subscriber]struct{})
	var out []Subscriber
	queryNode(t.root, point, seen, &out)
	return out
}

func queryNode(n *node, point []byte, seen map[Subscriber]struct{}, out *[]Subscriber) {
	if n == nil || bytes.Compare(point, endOf(n)) >= 0 {
		return
	}
	queryNode(n.left, point, seen, out)
	if n.key.contains(point) {
		if _, ok := seen[n.sub]; !ok {
			seen[n.sub] = struct{}{}
			*out = append(*out, n.sub)
		}
	}
	if bytes.Compare(point, n.key.Start) >= 0 {
		queryNode(n.right, point, seen, out)
	}
}

// Len returns the number of intervals currently stored.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}
