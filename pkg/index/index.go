// Package index holds the authoritative index catalog (tablet_id <->
// index_id <-> descriptor) and, per enabled index, a range overlay of
// entries written since the last flush, layered in front of C1 (§4.2).
// The overlay is a github.com/google/btree generic tree keyed by encoded
// index-key bytes, copy-on-write per commit via its Clone method so
// concurrent readers see a stable snapshot while a commit mutates the
// live tree (§5).
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/pulsedb/pulse/pkg/apperror"
	"github.com/pulsedb/pulse/pkg/persistence"
	"github.com/pulsedb/pulse/pkg/types"
)

const overlayDegree = 32

const descriptorKeyPrefix = "index_descriptor:"

func descriptorKey(id types.IndexID) string {
	return descriptorKeyPrefix + string(id.Tablet) + "." + id.Name
}

// OverlayWrite is one entry applied to an index's overlay from a commit.
type OverlayWrite struct {
	KeyPrefix []byte
	TS        types.Timestamp
	DocID     types.DocumentID
	IsLive    bool
}

type overlayEntry struct {
	Key    []byte
	TS     types.Timestamp
	DocID  types.DocumentID
	IsLive bool
}

// lessEntry orders the overlay by key bytes ascending, then by timestamp
// descending within a key so the newest version of a key comes first.
func lessEntry(a, b *overlayEntry) bool {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c < 0
	}
	return a.TS > b.TS
}

type overlay struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*overlayEntry]
}

func newOverlay() *overlay {
	return &overlay{tree: btree.NewG[*overlayEntry](overlayDegree, lessEntry)}
}

func (o *overlay) snapshot() *btree.BTreeG[*overlayEntry] {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.tree.Clone()
}

func (o *overlay) apply(writes []OverlayWrite) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, w := range writes {
		o.tree.ReplaceOrInsert(&overlayEntry{Key: w.KeyPrefix, TS: w.TS, DocID: w.DocID, IsLive: w.IsLive})
	}
}

// entry is one per-descriptor bundle the registry tracks in memory.
type entry struct {
	descriptor types.IndexDescriptor
	overlay    *overlay
}

// Registry is the authoritative index catalog for the deployment.
type Registry struct {
	mu      sync.RWMutex
	entries map[types.IndexID]*entry
	store   persistence.Store
}

// NewRegistry constructs an empty Registry backed by store for persisted
// descriptor metadata.
func NewRegistry(store persistence.Store) *Registry {
	return &Registry{entries: make(map[types.IndexID]*entry), store: store}
}

// Load reads every persisted descriptor for the given tablets from the
// persistence-global KV into memory. Called once at startup.
func (r *Registry) Load(ctx context.Context, ids []types.IndexID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		raw, found, err := r.store.GetPersistenceGlobal(ctx, descriptorKey(id))
		if err != nil {
			return persistence.FatalErr(err)
		}
		if !found {
			continue
		}
		var desc types.IndexDescriptor
		if err := json.Unmarshal(raw, &desc); err != nil {
			return persistence.FatalErr(err)
		}
		r.entries[id] = &entry{descriptor: desc, overlay: newOverlay()}
	}
	return nil
}

// Create registers a new index descriptor with desc.State as given (its
// zero value is IndexBackfilling) and persists it to the global KV.
func (r *Registry) Create(ctx context.Context, desc types.IndexDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[desc.ID]; exists {
		return apperror.New(apperror.InvalidArgument, "index.exists", fmt.Sprintf("index %s already exists", desc.ID))
	}
	r.entries[desc.ID] = &entry{descriptor: desc, overlay: newOverlay()}
	return r.persistLocked(ctx, desc)
}

// ListForTablet returns every index descriptor registered for tablet, used
// by the commit coordinator to derive secondary index updates.
func (r *Registry) ListForTablet(tablet types.TabletID) []types.IndexDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.IndexDescriptor
	for id, e := range r.entries {
		if id.Tablet == tablet {
			out = append(out, e.descriptor)
		}
	}
	return out
}

// Get returns the current descriptor for id.
func (r *Registry) Get(id types.IndexID) (types.IndexDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return types.IndexDescriptor{}, false
	}
	return e.descriptor, true
}

// TransitionState advances an index's lifecycle state, enforcing
// Backfilling -> Backfilled -> Enabled (§3 invariant), never backwards.
func (r *Registry) TransitionState(ctx context.Context, id types.IndexID, next types.IndexState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return apperror.New(apperror.NotFound, "index.not_found", fmt.Sprintf("index %s not registered", id))
	}
	if !e.descriptor.State.CanTransitionTo(next) {
		return apperror.New(apperror.InvalidArgument, "index.bad_transition",
			fmt.Sprintf("index %s cannot move from %s to %s", id, e.descriptor.State, next))
	}
	e.descriptor.State = next
	return r.persistLocked(ctx, e.descriptor)
}

// SetBackfillCursor persists the resumable (snapshot_ts, cursor) pair for
// a Backfilling index.
func (r *Registry) SetBackfillCursor(ctx context.Context, id types.IndexID, snapshotTS types.Timestamp, cursor types.DocumentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return apperror.New(apperror.NotFound, "index.not_found", fmt.Sprintf("index %s not registered", id))
	}
	e.descriptor.SnapshotTS = snapshotTS
	e.descriptor.BackfillCursor = cursor
	e.descriptor.HasResumeCursor = true
	return r.persistLocked(ctx, e.descriptor)
}

func (r *Registry) persistLocked(ctx context.Context, desc types.IndexDescriptor) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return r.store.WritePersistenceGlobal(ctx, descriptorKey(desc.ID), raw)
}

// ApplyCommit pushes the index deltas of one commit into each affected
// index's overlay (§4.2 "on write"). by_id and by_creation_time are
// updated exactly like any other index by the caller.
func (r *Registry) ApplyCommit(writes map[types.IndexID][]OverlayWrite) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, ws := range writes {
		if e, ok := r.entries[id]; ok {
			e.overlay.apply(ws)
		}
	}
}

// Row is one resolved index row: the latest live revision for a key at or
// before a transaction's read timestamp.
type Row struct {
	Key   []byte
	DocID types.DocumentID
	TS    types.Timestamp
}

// Request describes a single range scan within a RangeBatch call.
type Request struct {
	IndexID  types.IndexID
	Interval persistence.KeyInterval
	ReadTS   types.Timestamp
	Order    persistence.Order
	Limit    int
	Cursor   []byte
}

// Response is a page of results plus a continuation cursor.
type Response struct {
	Rows   []Row
	Cursor []byte
	Done   bool
}

// RangeBatch answers a batch of scans in a single pass, consulting the
// overlay first and then C1, and records the read-set intervals consulted
// onto reads (§4.2, §4.3).
func (r *Registry) RangeBatch(ctx context.Context, reads ReadRecorder, requests []Request) (map[int]Response, error) {
	out := make(map[int]Response, len(requests))
	for i, req := range requests {
		resp, err := r.rangeOne(ctx, req)
		if err != nil {
			return nil, err
		}
		if reads != nil {
			reads.RecordInterval(req.IndexID, req.Interval)
		}
		out[i] = resp
	}
	return out, nil
}

// ReadRecorder is the subset of pkg/txn.Transaction that RangeBatch needs
// to attribute consulted intervals to the caller's read set.
type ReadRecorder interface {
	RecordInterval(id types.IndexID, interval persistence.KeyInterval)
}

func (r *Registry) rangeOne(ctx context.Context, req Request) (Response, error) {
	r.mu.RLock()
	e, ok := r.entries[req.IndexID]
	r.mu.RUnlock()
	if !ok {
		return Response{}, apperror.New(apperror.NotFound, "index.not_found", fmt.Sprintf("index %s not registered", req.IndexID))
	}
	if e.descriptor.State != types.IndexEnabled {
		return Response{}, apperror.New(apperror.IndexNotReady, "index.not_ready",
			fmt.Sprintf("index %s is %s, not enabled", req.IndexID, e.descriptor.State))
	}

	storeStream, err := r.store.IndexScan(ctx, req.IndexID, req.ReadTS, req.Interval, persistence.Ascending, 0)
	if err != nil {
		return Response{}, err
	}
	defer storeStream.Close()

	rows := make(map[string]Row)
	for {
		row, ok, err := storeStream.Next()
		if err != nil {
			return Response{}, err
		}
		if !ok {
			break
		}
		rows[string(row.Key)] = Row{Key: row.Key, DocID: row.DocID, TS: row.Revision.TS}
	}

	snap := e.overlay.snapshot()
	var lastKey []byte
	seenKey := false
	snap.Ascend(func(oe *overlayEntry) bool {
		if !req.Interval.Contains(oe.Key) || oe.TS > req.ReadTS {
			return true
		}
		if !bytes.Equal(oe.Key, lastKey) {
			lastKey = append([]byte(nil), oe.Key...)
			seenKey = false
		} else if seenKey {
			return true
		}
		seenKey = true
		if oe.IsLive {
			rows[string(oe.Key)] = Row{Key: oe.Key, DocID: oe.DocID, TS: oe.TS}
		} else {
			delete(rows, string(oe.Key))
		}
		return true
	})

	ordered := make([]Row, 0, len(rows))
	for _, row := range rows {
		ordered = append(ordered, row)
	}
	sort.Slice(ordered, func(i, j int) bool { return bytes.Compare(ordered[i].Key, ordered[j].Key) < 0 })
	if req.Order == persistence.Descending {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}

	start := 0
	if len(req.Cursor) > 0 {
		start = sort.Search(len(ordered), func(i int) bool { return bytes.Compare(ordered[i].Key, req.Cursor) > 0 })
	}
	ordered = ordered[start:]

	done := true
	if req.Limit > 0 && len(ordered) > req.Limit {
		ordered = ordered[:req.Limit]
		done = false
	}
	var cursor []byte
	if !done && len(ordered) > 0 {
		cursor = append([]byte(nil), ordered[len(ordered)-1].Key...)
	}
	return Response{Rows: ordered, Cursor: cursor, Done: done}, nil
}
