// Package commit implements the single-writer commit coordinator (§4.4):
// it linearizes writes from concurrent transactions, OCC-validates each
// against the transactions that committed in between, derives index
// updates, and calls persistence.Store.Write exactly once per commit.
package commit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pulsedb/pulse/pkg/apperror"
	"github.com/pulsedb/pulse/pkg/codec"
	"github.com/pulsedb/pulse/pkg/commit/lease"
	"github.com/pulsedb/pulse/pkg/index"
	"github.com/pulsedb/pulse/pkg/persistence"
	"github.com/pulsedb/pulse/pkg/subscribe"
	"github.com/pulsedb/pulse/pkg/txn"
	"github.com/pulsedb/pulse/pkg/types"
)

const lastCommitTSKey = "commit:last_ts"

// Config tunes retry and history-retention behavior.
type Config struct {
	MaxWriteRetries    int
	RetryInitialDelay  time.Duration
	LeaseStepUpTimeout time.Duration
	// HistoryWindow bounds how many past commits are kept in memory for
	// OCC validation against newer transactions' begin_ts.
	HistoryWindow int
}

// DefaultConfig mirrors the retry/windowing defaults implied by §4.4.
func DefaultConfig() Config {
	return Config{
		MaxWriteRetries:    5,
		RetryInitialDelay:  10 * time.Millisecond,
		LeaseStepUpTimeout: 5 * time.Second,
		HistoryWindow:      4096,
	}
}

// Callback runs best-effort after a commit is durable; it can never
// revoke the commit (§4.4 step 7, e.g. "schedule cron next run").
type Callback func(commitTS types.Timestamp)

type commitRecord struct {
	ts        types.Timestamp
	docIDs    map[types.DocumentID]struct{}
	indexKeys map[types.IndexID]map[string]struct{}
}

// Coordinator is the sole caller of persistence.Store.Write (§5: "its
// worker is the only task that calls C1.write").
type Coordinator struct {
	store    persistence.Store
	registry *index.Registry
	subs     *subscribe.Manager
	lease    *lease.Lease
	epoch    uint64
	cfg      Config

	mu           sync.Mutex
	lastCommitTS types.Timestamp
	history      []commitRecord
}

// New constructs a Coordinator. If l is non-nil, it steps up as the
// writer lease holder before accepting commits; a nil lease is used for
// single-process deployments with no Raft configured at all.
func New(ctx context.Context, store persistence.Store, registry *index.Registry, subs *subscribe.Manager, l *lease.Lease, cfg Config) (*Coordinator, error) {
	c := &Coordinator{store: store, registry: registry, subs: subs, lease: l, cfg: cfg}

	raw, found, err := store.GetPersistenceGlobal(ctx, lastCommitTSKey)
	if err != nil {
		return nil, err
	}
	if found && len(raw) == 8 {
		c.lastCommitTS = types.Timestamp(bytesToUint64(raw))
	}

	if l != nil {
		epoch, err := l.StepUp(cfg.LeaseStepUpTimeout)
		if err != nil {
			return nil, fmt.Errorf("commit: step up writer lease: %w", err)
		}
		c.epoch = epoch
	}
	return c, nil
}

func bytesToUint64(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

func uint64ToBytes(v uint64) []byte {
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf
}

// LastCommitTS returns the most recently assigned commit timestamp, used
// by callers (e.g. pkg/session) as a read snapshot or as the floor for
// the next begin_ts they hand to a fresh transaction.
func (c *Coordinator) LastCommitTS() types.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCommitTS
}

// Commit runs the seven-step protocol of §4.4 against tx, returning the
// assigned commit timestamp. callbacks run best-effort after the commit
// is durable.
func (c *Coordinator) Commit(ctx context.Context, tx *txn.Transaction, callbacks ...Callback) (types.Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Step 1: re-validate the writer lease every commit.
	if c.lease != nil {
		if !c.lease.IsLeader() || c.lease.CurrentEpoch() != c.epoch {
			return 0, persistence.ReadOnlyErr()
		}
	}

	// Step 2: assign commit_ts.
	commitTS := c.lastCommitTS + 1
	if tx.BeginTS+1 > commitTS {
		commitTS = tx.BeginTS + 1
	}

	// Step 3: OCC validation against transactions committed in
	// (begin_ts, commit_ts).
	if err := c.validateOCC(tx, commitTS); err != nil {
		return 0, err
	}

	// Step 4: derive index updates and prev_ts pointers.
	writes := tx.Writes()
	docReads := tx.DocumentReads()
	docWrites, indexWrites, overlayByIndex, touched := c.deriveWrites(writes, docReads, commitTS)

	// Step 5: durable write, bounded retry on Transient/Retry.
	if err := c.writeWithRetry(ctx, docWrites, indexWrites); err != nil {
		return 0, err
	}

	c.lastCommitTS = commitTS
	c.recordHistory(commitTS, writes, touched)
	if err := c.store.WritePersistenceGlobal(ctx, lastCommitTSKey, uint64ToBytes(uint64(commitTS))); err != nil {
		// The in-memory lastCommitTS is already correct; a failure here
		// only risks re-deriving the same commit_ts floor on restart,
		// which is safe since commit_ts assignment takes the max.
	}
	c.registry.ApplyCommit(overlayByIndex)

	// Step 6: publish to the subscription manager.
	if c.subs != nil {
		var entries []subscribe.WrittenEntry
		for indexID, keys := range touched {
			for k := range keys {
				entries = append(entries, subscribe.WrittenEntry{IndexID: indexID, Key: []byte(k)})
			}
		}
		c.subs.OnCommit(subscribe.WriteSet{CommitTS: commitTS, Entries: entries})
	}

	// Step 7: best-effort callbacks, never able to revoke the commit.
	for _, cb := range callbacks {
		go cb(commitTS)
	}

	return commitTS, nil
}

func (c *Coordinator) validateOCC(tx *txn.Transaction, commitTS types.Timestamp) error {
	docReads := tx.DocumentReads()
	intervals := tx.Intervals()
	for _, rec := range c.history {
		if rec.ts <= tx.BeginTS || rec.ts >= commitTS {
			continue
		}
		for id := range docReads {
			if _, ok := rec.docIDs[id]; ok {
				return apperror.New(apperror.Conflict, "commit.occ", fmt.Sprintf("document %s was written by a concurrent commit", id))
			}
		}
		for _, iv := range intervals {
			keys, ok := rec.indexKeys[iv.IndexID]
			if !ok {
				continue
			}
			for k := range keys {
				if iv.Interval.Contains([]byte(k)) {
					return apperror.New(apperror.Conflict, "commit.occ", fmt.Sprintf("index %s was written by a concurrent commit within a read interval", iv.IndexID))
				}
			}
		}
	}
	return nil
}

func (c *Coordinator) recordHistory(ts types.Timestamp, writes []txn.Write, touched map[types.IndexID]map[string]struct{}) {
	rec := commitRecord{ts: ts, docIDs: make(map[types.DocumentID]struct{}, len(writes)), indexKeys: touched}
	for _, w := range writes {
		rec.docIDs[w.ID] = struct{}{}
	}
	c.history = append(c.history, rec)
	if len(c.history) > c.cfg.HistoryWindow {
		c.history = c.history[len(c.history)-c.cfg.HistoryWindow:]
	}
}

// deriveWrites computes persistence-layer document writes, index writes,
// the per-index overlay deltas, and the full set of touched index keys
// (for OCC bookkeeping and subscription invalidation).
func (c *Coordinator) deriveWrites(writes []txn.Write, docReads map[types.DocumentID]types.Timestamp, commitTS types.Timestamp) (
	[]persistence.DocumentWrite, []persistence.IndexWrite, map[types.IndexID][]index.OverlayWrite, map[types.IndexID]map[string]struct{},
) {
	var docWrites []persistence.DocumentWrite
	var indexWrites []persistence.IndexWrite
	overlay := make(map[types.IndexID][]index.OverlayWrite)
	touched := make(map[types.IndexID]map[string]struct{})

	addIndexWrite := func(id types.IndexID, key []byte, docID types.DocumentID, isLive bool) {
		indexWrites = append(indexWrites, persistence.IndexWrite{
			IndexID: id, KeyPrefix: key, TS: commitTS,
			Value: persistence.IndexValue{DocID: docID, IsLive: isLive},
		})
		overlay[id] = append(overlay[id], index.OverlayWrite{KeyPrefix: key, TS: commitTS, DocID: docID, IsLive: isLive})
		if touched[id] == nil {
			touched[id] = make(map[string]struct{})
		}
		touched[id][string(key)] = struct{}{}
	}

	for _, w := range writes {
		prevTS, hasPrevTS := docReads[w.ID]
		docWrites = append(docWrites, persistence.DocumentWrite{
			TS: commitTS, ID: w.ID, Value: w.NewValue, PrevTS: prevTS, HasPrevTS: hasPrevTS,
			CreationTime: w.CreationTime,
		})

		byID := types.IndexID{Tablet: w.ID.Tablet, Name: types.BuiltinByID}
		idKey := codec.EncodeKey([]types.Value{types.IDRef(w.ID)})
		addIndexWrite(byID, idKey, w.ID, w.NewValue != nil)

		if w.IsInsert && w.NewValue != nil {
			byCreation := types.IndexID{Tablet: w.ID.Tablet, Name: types.BuiltinByCreationTime}
			creationKey := codec.EncodeKey([]types.Value{types.Int(int64(commitTS))})
			addIndexWrite(byCreation, creationKey, w.ID, true)
		}

		for _, desc := range c.registry.ListForTablet(w.ID.Tablet) {
			if desc.ID.Name == types.BuiltinByID || desc.ID.Name == types.BuiltinByCreationTime {
				continue
			}
			if w.PrevValue != nil {
				if oldKey, ok := fieldKey(desc, w.PrevValue); ok {
					addIndexWrite(desc.ID, oldKey, w.ID, false)
				}
			}
			if w.NewValue != nil {
				if newKey, ok := fieldKey(desc, w.NewValue); ok {
					addIndexWrite(desc.ID, newKey, w.ID, true)
				}
			}
		}
	}

	return docWrites, indexWrites, overlay, touched
}

func fieldKey(desc types.IndexDescriptor, v *types.Value) ([]byte, bool) {
	if v.Kind != types.KindObject {
		return nil, false
	}
	fields := make([]types.Value, 0, len(desc.Fields))
	for _, f := range desc.Fields {
		fv, ok := v.Object[f]
		if !ok {
			return nil, false
		}
		fields = append(fields, fv)
	}
	return codec.EncodeKey(fields), true
}

func (c *Coordinator) writeWithRetry(ctx context.Context, docs []persistence.DocumentWrite, idx []persistence.IndexWrite) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryInitialDelay
	attempts := 0
	op := func() error {
		attempts++
		err := c.store.Write(ctx, docs, idx, persistence.Fail)
		if err == nil {
			return nil
		}
		if apperror.Is(err, apperror.Conflict) {
			return backoff.Permanent(apperror.New(apperror.Conflict, "commit.occ", "storage reported a conflicting write"))
		}
		if apperror.Is(err, apperror.ReadOnly) || apperror.Is(err, apperror.Fatal) {
			return backoff.Permanent(err)
		}
		if attempts >= c.cfg.MaxWriteRetries {
			return backoff.Permanent(err)
		}
		return err // transient: retry
	}
	return backoff.Retry(op, bo)
}
