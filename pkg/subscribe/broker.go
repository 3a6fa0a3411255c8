// Package subscribe is the subscription manager (§4.7): it wraps the
// pkg/interval treap with cuemby-warren's events.Broker fan-out shape
// (subscribe/unsubscribe/publish over buffered channels), adapted from
// "cluster event broadcast" to "commit-triggered subscriber scheduling".
// The manager does not store query results, only invalidation — result
// caching is the session's (C8) responsibility.
package subscribe

import (
	"sync"

	"github.com/pulsedb/pulse/pkg/interval"
	"github.com/pulsedb/pulse/pkg/types"
)

// WrittenEntry is one index entry touched by a commit, used to query the
// interval map for affected subscribers.
type WrittenEntry struct {
	IndexID types.IndexID
	Key     []byte
}

// WriteSet is the set of index entries touched by one commit, keyed by
// index so each index's treap is queried independently.
type WriteSet struct {
	CommitTS types.Timestamp
	Entries  []WrittenEntry
}

// Invalidation is enqueued onto a session's rerun channel once per
// commit_ts, deduplicated across every query that commit touched.
type Invalidation struct {
	CommitTS types.Timestamp
	QueryIDs []string
}

// Session is the subset of pkg/session.Worker the manager needs: a
// channel to enqueue invalidations on, and an identifier for
// deduplication bookkeeping.
type Session interface {
	SessionID() string
	Notify(Invalidation)
}

type querySub struct {
	sessionID string
	session   Session
	queryID   string
}

// Manager maps intervals to subscribers per index and schedules reruns
// on commit.
type Manager struct {
	mu     sync.RWMutex
	trees  map[types.IndexID]*interval.Tree
	limit  int
	byQID  map[string]*querySub // queryID -> subscription, for Remove
}

// NewManager constructs an empty subscription manager. limit bounds the
// number of intervals any single index's treap may hold (0 = unbounded).
func NewManager(limit int) *Manager {
	return &Manager{trees: make(map[types.IndexID]*interval.Tree), limit: limit, byQID: make(map[string]*querySub)}
}

func (m *Manager) treeFor(id types.IndexID) *interval.Tree {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trees[id]
	if !ok {
		t = interval.NewTree(m.limit)
		m.trees[id] = t
	}
	return t
}

// Insert atomically registers the intervals a query subscribed to, one
// index at a time, under queryID owned by session.
func (m *Manager) Insert(session Session, queryID string, indexID types.IndexID, keys []interval.Key) error {
	t := m.treeFor(indexID)
	m.mu.Lock()
	sub, ok := m.byQID[queryID]
	if !ok || sub.sessionID != session.SessionID() {
		sub = &querySub{sessionID: session.SessionID(), session: session, queryID: queryID}
	}
	m.mu.Unlock()
	if err := t.InsertBatch(keys, sub); err != nil {
		return err
	}
	m.mu.Lock()
	m.byQID[queryID] = sub
	m.mu.Unlock()
	return nil
}

// Remove atomically unregisters every interval belonging to queryID
// across all indexes.
func (m *Manager) Remove(queryID string) {
	m.mu.Lock()
	sub, ok := m.byQID[queryID]
	delete(m.byQID, queryID)
	trees := make([]*interval.Tree, 0, len(m.trees))
	for _, t := range m.trees {
		trees = append(trees, t)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, t := range trees {
		t.Remove(sub)
	}
}

// OnCommit runs query(key) per written entry in ws and enqueues every hit
// exactly once per commit_ts onto the owning session's rerun channel
// (§4.7).
func (m *Manager) OnCommit(ws WriteSet) {
	type perSession struct {
		session  Session
		queryIDs map[string]struct{}
	}
	bySession := make(map[string]*perSession)

	for _, we := range ws.Entries {
		m.mu.RLock()
		t, ok := m.trees[we.IndexID]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		for _, rawSub := range t.Query(we.Key) {
			sub, ok := rawSub.(*querySub)
			if !ok {
				continue
			}
			ps, ok := bySession[sub.sessionID]
			if !ok {
				ps = &perSession{session: sub.session, queryIDs: make(map[string]struct{})}
				bySession[sub.sessionID] = ps
			}
			ps.queryIDs[sub.queryID] = struct{}{}
		}
	}

	for _, ps := range bySession {
		ids := make([]string, 0, len(ps.queryIDs))
		for id := range ps.queryIDs {
			ids = append(ids, id)
		}
		ps.session.Notify(Invalidation{CommitTS: ws.CommitTS, QueryIDs: ids})
	}
}
