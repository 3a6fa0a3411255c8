// Package txn implements the snapshot-isolated read/write session (§4.3):
// a Transaction collects a read set (intervals plus per-document reads), a
// deferred write set, and per-table usage counters, translating the
// user-facing get/insert/replace/patch/delete/index-range operations into
// calls against pkg/index and pkg/persistence.
package txn

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pulsedb/pulse/pkg/apperror"
	"github.com/pulsedb/pulse/pkg/auth"
	"github.com/pulsedb/pulse/pkg/codec"
	"github.com/pulsedb/pulse/pkg/index"
	"github.com/pulsedb/pulse/pkg/persistence"
	"github.com/pulsedb/pulse/pkg/types"
)

// Config bounds the size of a single transaction's read set, matching
// TRANSACTION_MAX_READ_SIZE_BYTES/ROWS of §4.3.
type Config struct {
	MaxReadBytes int
	MaxReadRows  int
	MaxPageSize  int
}

// DefaultConfig mirrors the defaults implied by spec.md's size budgets.
func DefaultConfig() Config {
	return Config{
		MaxReadBytes: 16 << 20, // 16 MiB
		MaxReadRows:  16384,
		MaxPageSize:  4096,
	}
}

// Write is one deferred document-level update, applied atomically by the
// commit coordinator (C4). CreationTime is the wall-clock moment ID was
// first inserted, stamped once on insert and carried forward unchanged by
// every later replace/patch/delete of the same document (§3).
type Write struct {
	ID           types.DocumentID
	Table        string
	PrevValue    *types.Value // nil on insert
	NewValue     *types.Value // nil means delete (tombstone)
	IsInsert     bool
	CreationTime time.Time
}

// IntervalRead records one index range consulted during the transaction.
type IntervalRead struct {
	IndexID  types.IndexID
	Interval persistence.KeyInterval
}

// UsageCounters tracks per-table ingress/egress bytes, split user vs
// system, per §4.10.
type UsageCounters struct {
	mu   sync.Mutex
	rows map[string]*tableUsage
}

type tableUsage struct {
	IngressUserBytes   int64
	IngressSystemBytes int64
	EgressUserBytes    int64
	EgressSystemBytes  int64
}

func newUsageCounters() *UsageCounters { return &UsageCounters{rows: make(map[string]*tableUsage)} }

func (u *UsageCounters) record(table string, egress bool, system bool, n int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	t, ok := u.rows[table]
	if !ok {
		t = &tableUsage{}
		u.rows[table] = t
	}
	switch {
	case egress && system:
		t.EgressSystemBytes += int64(n)
	case egress && !system:
		t.EgressUserBytes += int64(n)
	case !egress && system:
		t.IngressSystemBytes += int64(n)
	default:
		t.IngressUserBytes += int64(n)
	}
}

// Snapshot returns a copy of the per-table usage counters accumulated so
// far, for C10 to flush at call completion.
func (u *UsageCounters) Snapshot() map[string]tableUsage {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]tableUsage, len(u.rows))
	for k, v := range u.rows {
		out[k] = *v
	}
	return out
}

// Transaction is a snapshot-isolated read/write session (§4.3).
type Transaction struct {
	Identity auth.Identity
	BeginTS  types.Timestamp

	store      persistence.Store
	registry   *index.Registry
	retention  persistence.RetentionValidator
	cfg        Config
	nextSuffix uint64

	mu          sync.Mutex
	docReads    map[types.DocumentID]types.Timestamp
	intervals   []IntervalRead
	writes      []Write
	writeByID   map[types.DocumentID]int
	readBytes   int
	readRows    int
	usage       *UsageCounters
	closed      bool
}

// New begins a transaction at the given snapshot timestamp.
func New(identity auth.Identity, beginTS types.Timestamp, store persistence.Store, registry *index.Registry, rv persistence.RetentionValidator, cfg Config) *Transaction {
	return &Transaction{
		Identity:  identity,
		BeginTS:   beginTS,
		store:     store,
		registry:  registry,
		retention: rv,
		cfg:       cfg,
		docReads:  make(map[types.DocumentID]types.Timestamp),
		writeByID: make(map[types.DocumentID]int),
		usage:     newUsageCounters(),
	}
}

func isSystemTable(table string) bool { return strings.HasPrefix(table, "_") }

// Usage returns the transaction's accumulated usage counters.
func (t *Transaction) Usage() *UsageCounters { return t.usage }

// Writes returns the deferred write set, in insertion order, for the
// commit coordinator.
func (t *Transaction) Writes() []Write {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Write, len(t.writes))
	copy(out, t.writes)
	return out
}

// Intervals returns the recorded index-range read set, for OCC validation.
func (t *Transaction) Intervals() []IntervalRead {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]IntervalRead, len(t.intervals))
	copy(out, t.intervals)
	return out
}

// DocumentReads returns the per-document reads recorded, each mapped to
// the timestamp of the revision observed.
func (t *Transaction) DocumentReads() map[types.DocumentID]types.Timestamp {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[types.DocumentID]types.Timestamp, len(t.docReads))
	for k, v := range t.docReads {
		out[k] = v
	}
	return out
}

// RecordInterval implements index.ReadRecorder: every index.RangeBatch
// call attributes its consulted interval back onto this transaction.
func (t *Transaction) RecordInterval(id types.IndexID, interval persistence.KeyInterval) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.intervals = append(t.intervals, IntervalRead{IndexID: id, Interval: interval})
}

func (t *Transaction) checkBudget(n int) error {
	t.readBytes += n
	t.readRows++
	if t.readBytes > t.cfg.MaxReadBytes {
		return apperror.New(apperror.UserLimitExceeded, "txn.read_bytes", "transaction read size budget exceeded")
	}
	if t.readRows > t.cfg.MaxReadRows {
		return apperror.New(apperror.UserLimitExceeded, "txn.read_rows", "transaction read row budget exceeded")
	}
	return nil
}

func valueSize(v *types.Value) int {
	if v == nil {
		return 0
	}
	return len(codec.EncodeValue(nil, *v))
}

// Get reads a single document by id, recording the read (§4.3).
func (t *Transaction) Get(ctx context.Context, id types.DocumentID) (*types.Document, error) {
	doc, _, err := t.GetWithTS(ctx, id)
	return doc, err
}

// GetWithTS reads a single document and also returns the timestamp of the
// revision observed, for callers that need to pin a read.
func (t *Transaction) GetWithTS(ctx context.Context, id types.DocumentID) (*types.Document, types.Timestamp, error) {
	if isSystemTable(string(id.Tablet)) && !t.Identity.CanAccessSystemTables() {
		return nil, 0, apperror.New(apperror.Unauthorized, "txn.system_table", "system tables require admin or system identity")
	}

	t.mu.Lock()
	if w, ok := t.writeByID[id]; ok {
		write := t.writes[w]
		t.mu.Unlock()
		if write.NewValue == nil {
			return nil, t.BeginTS, nil
		}
		return &types.Document{ID: id, Value: *write.NewValue, CreationTime: write.CreationTime}, t.BeginTS, nil
	}
	t.mu.Unlock()

	// Point lookup via the implicit by_id index: its key is exactly the
	// escaped, terminated encoding of the id, which by construction is never a
	// proper prefix of any other encoded id, so [keyBytes, keyBytes+0x00)
	// is an exact-match interval.
	byID := types.IndexID{Tablet: id.Tablet, Name: types.BuiltinByID}
	keyBytes := codec.EncodeKey([]types.Value{types.IDRef(id)})
	ivl := persistence.KeyInterval{Start: keyBytes, End: append(append([]byte(nil), keyBytes...), 0x00)}
	out, err := t.registry.RangeBatch(ctx, t, []index.Request{{IndexID: byID, Interval: ivl, ReadTS: t.BeginTS, Order: persistence.Ascending, Limit: 1}})
	if err != nil {
		return nil, 0, err
	}
	resp := out[0]
	if len(resp.Rows) == 0 {
		return nil, 0, nil
	}
	ts := resp.Rows[0].TS

	revMap, err := t.store.PreviousRevisionsOfDocuments(ctx, []persistence.ChainQuery{{ID: id, TS: ts, PrevTS: ts}})
	if err != nil {
		return nil, 0, err
	}
	rev, ok := revMap[persistence.ChainQuery{ID: id, TS: ts, PrevTS: ts}]
	if !ok || rev.Value == nil {
		return nil, ts, nil
	}

	t.mu.Lock()
	t.docReads[id] = ts
	t.mu.Unlock()
	if err := t.checkBudget(valueSize(rev.Value)); err != nil {
		return nil, 0, err
	}
	t.usage.record(string(id.Tablet), true, isSystemTable(string(id.Tablet)), valueSize(rev.Value))
	return &types.Document{ID: id, Value: *rev.Value, CreationTime: rev.CreationTime}, ts, nil
}

func (t *Transaction) stageWrite(w Write) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx, ok := t.writeByID[w.ID]; ok {
		t.writes[idx] = w
		return
	}
	t.writeByID[w.ID] = len(t.writes)
	t.writes = append(t.writes, w)
}

// Insert stages a new document in table, returning its assigned id.
func (t *Transaction) Insert(ctx context.Context, table types.TabletID, value types.Value) (types.DocumentID, error) {
	if t.Identity.Kind == auth.KindUser && isSystemTable(string(table)) {
		return types.DocumentID{}, apperror.New(apperror.Unauthorized, "txn.system_table", "writes on system tables require admin or system identity")
	}
	t.mu.Lock()
	t.nextSuffix++
	suffix := fmt.Sprintf("%016x-%d", time.Now().UnixNano(), t.nextSuffix)
	t.mu.Unlock()
	id := types.DocumentID{Tablet: table, Suffix: suffix}
	nv := value
	t.stageWrite(Write{ID: id, Table: string(table), NewValue: &nv, IsInsert: true, CreationTime: time.Now()})
	t.usage.record(string(table), false, isSystemTable(string(table)), valueSize(&nv))
	return id, nil
}

// Replace stages a full replacement of id's value.
func (t *Transaction) Replace(ctx context.Context, id types.DocumentID, value types.Value) error {
	if isSystemTable(string(id.Tablet)) && !t.Identity.CanAccessSystemTables() {
		return apperror.New(apperror.Unauthorized, "txn.system_table", "writes on system tables require admin or system identity")
	}
	prev, _, err := t.GetWithTS(ctx, id)
	if err != nil {
		return err
	}
	if prev == nil {
		return apperror.New(apperror.NotFound, "txn.not_found", fmt.Sprintf("document %s not found", id))
	}
	nv := value
	t.stageWrite(Write{ID: id, Table: string(id.Tablet), PrevValue: &prev.Value, NewValue: &nv, CreationTime: prev.CreationTime})
	t.usage.record(string(id.Tablet), false, isSystemTable(string(id.Tablet)), valueSize(&nv))
	return nil
}

// Patch shallow-merges fields into id's current value. _id and
// _creationTime may never be touched (§4.3).
func (t *Transaction) Patch(ctx context.Context, id types.DocumentID, fields map[string]types.Value) error {
	if _, reserved := fields["_id"]; reserved {
		return apperror.New(apperror.InvalidArgument, "txn.reserved_field", "patch may not modify _id")
	}
	if _, reserved := fields["_creationTime"]; reserved {
		return apperror.New(apperror.InvalidArgument, "txn.reserved_field", "patch may not modify _creationTime")
	}
	if isSystemTable(string(id.Tablet)) && !t.Identity.CanAccessSystemTables() {
		return apperror.New(apperror.Unauthorized, "txn.system_table", "writes on system tables require admin or system identity")
	}
	prev, _, err := t.GetWithTS(ctx, id)
	if err != nil {
		return err
	}
	if prev == nil {
		return apperror.New(apperror.NotFound, "txn.not_found", fmt.Sprintf("document %s not found", id))
	}
	merged := make(map[string]types.Value, len(prev.Value.Object)+len(fields))
	for k, v := range prev.Value.Object {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	nv := types.Object(merged)
	t.stageWrite(Write{ID: id, Table: string(id.Tablet), PrevValue: &prev.Value, NewValue: &nv, CreationTime: prev.CreationTime})
	t.usage.record(string(id.Tablet), false, isSystemTable(string(id.Tablet)), valueSize(&nv))
	return nil
}

// Delete stages a tombstone for id.
func (t *Transaction) Delete(ctx context.Context, id types.DocumentID) error {
	if isSystemTable(string(id.Tablet)) && !t.Identity.CanAccessSystemTables() {
		return apperror.New(apperror.Unauthorized, "txn.system_table", "writes on system tables require admin or system identity")
	}
	prev, _, err := t.GetWithTS(ctx, id)
	if err != nil {
		return err
	}
	if prev == nil {
		return apperror.New(apperror.NotFound, "txn.not_found", fmt.Sprintf("document %s not found", id))
	}
	t.stageWrite(Write{ID: id, Table: string(id.Tablet), PrevValue: &prev.Value, NewValue: nil, CreationTime: prev.CreationTime})
	return nil
}

// IndexRange streams one page of an index range scan, recording the
// consulted interval onto the transaction's read set.
func (t *Transaction) IndexRange(ctx context.Context, req index.Request) (index.Response, error) {
	if req.Limit <= 0 || req.Limit > t.cfg.MaxPageSize {
		if req.Limit > t.cfg.MaxPageSize {
			return index.Response{}, apperror.New(apperror.UserLimitExceeded, "txn.page_size",
				fmt.Sprintf("requested page size exceeds MAX_PAGE_SIZE=%d", t.cfg.MaxPageSize))
		}
		req.Limit = t.cfg.MaxPageSize
	}
	req.ReadTS = t.BeginTS
	out, err := t.registry.RangeBatch(ctx, t, []index.Request{req})
	if err != nil {
		return index.Response{}, err
	}
	resp := out[0]
	for range resp.Rows {
		if err := t.checkBudget(64); err != nil {
			return index.Response{}, err
		}
	}
	return resp, nil
}

// IndexRangeBatch answers several index ranges in a single pass.
func (t *Transaction) IndexRangeBatch(ctx context.Context, reqs []index.Request) (map[int]index.Response, error) {
	for i := range reqs {
		reqs[i].ReadTS = t.BeginTS
	}
	out, err := t.registry.RangeBatch(ctx, t, reqs)
	if err != nil {
		return nil, err
	}
	for _, resp := range out {
		for range resp.Rows {
			if err := t.checkBudget(64); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// PreloadIndexRange walks a whole index range page by page and records
// every row's timestamp in the transaction's per-document reads. Get does
// not consult those entries, so later point lookups still go through the
// by_id index.
func (t *Transaction) PreloadIndexRange(ctx context.Context, indexID types.IndexID, interval persistence.KeyInterval) error {
	req := index.Request{IndexID: indexID, Interval: interval, ReadTS: t.BeginTS, Order: persistence.Ascending, Limit: t.cfg.MaxPageSize}
	for {
		out, err := t.registry.RangeBatch(ctx, t, []index.Request{req})
		if err != nil {
			return err
		}
		resp := out[0]
		for _, row := range resp.Rows {
			t.mu.Lock()
			t.docReads[row.DocID] = row.TS
			t.mu.Unlock()
		}
		if resp.Done {
			return nil
		}
		req.Cursor = resp.Cursor
	}
}
