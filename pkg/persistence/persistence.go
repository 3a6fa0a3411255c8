// Package persistence defines the capability interface exposed by the
// durable backend: an append-only log of document revisions and index
// entries, snapshot reads by (index, key, ts), and a small global KV for
// coordination (§4.1). Implementations are injected at startup; the
// interface is a closed capability port, not a plugin surface, so a single
// concrete implementation (pkg/persistence/boltdb) ships with this module.
package persistence

import (
	"context"
	"time"

	"github.com/pulsedb/pulse/pkg/apperror"
	"github.com/pulsedb/pulse/pkg/types"
)

// WriteStrategy controls the uniqueness behavior of Write.
type WriteStrategy int

const (
	// Fail aborts the whole write if any (ts,id) or (index_id,key_prefix,ts)
	// already exists.
	Fail WriteStrategy = iota
	// Overwrite replaces any existing entry at the same key.
	Overwrite
)

// DocumentWrite is one row of the documents table. CreationTime is the
// wall-clock moment id was first inserted; every later revision of the
// same id carries the same CreationTime forward (§3).
type DocumentWrite struct {
	TS           types.Timestamp
	ID           types.DocumentID
	Value        *types.Value // nil means tombstone
	PrevTS       types.Timestamp
	HasPrevTS    bool
	CreationTime time.Time
}

// IndexValue is either a live document id or a tombstone (IsLive false).
type IndexValue struct {
	DocID    types.DocumentID
	IsLive   bool
}

// IndexWrite is one row of the index table.
type IndexWrite struct {
	IndexID   types.IndexID
	KeyPrefix []byte
	KeySuffix []byte
	TS        types.Timestamp
	Value     IndexValue
}

// Order controls the direction load_documents/index_scan stream in.
type Order int

const (
	Ascending Order = iota
	Descending
)

// TSRange is a half-open range of timestamps [Start, End).
type TSRange struct {
	Start types.Timestamp
	End   types.Timestamp
}

// DocumentLogEntry is one entry streamed by LoadDocuments.
type DocumentLogEntry struct {
	TS           types.Timestamp
	ID           types.DocumentID
	Value        *types.Value
	PrevTS       types.Timestamp
	CreationTime time.Time
}

// KeyInterval is a half-open byte-range [Start, End) over encoded index
// keys. An empty End means "no upper bound".
type KeyInterval struct {
	Start []byte
	End   []byte
}

// Contains reports whether key falls in the half-open interval.
func (iv KeyInterval) Contains(key []byte) bool {
	if len(iv.Start) > 0 && bytesCompare(key, iv.Start) < 0 {
		return false
	}
	if len(iv.End) > 0 && bytesCompare(key, iv.End) >= 0 {
		return false
	}
	return true
}

func bytesCompare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// IndexScanRow is one row yielded by IndexScan: the latest live revision
// at or before read_ts within the requested key, per §4.1.
type IndexScanRow struct {
	Key      []byte
	DocID    types.DocumentID
	Revision types.Revision
}

// RetentionValidator is consulted by PreviousRevisions to reject lookups
// older than the retention floor.
type RetentionValidator interface {
	// MinimumTS returns the oldest timestamp guaranteed to still be
	// retained. A query for a ts older than this fails with
	// FallingBehindRetention.
	MinimumTS() types.Timestamp
}

// DocTSKey identifies one revision lookup by (id, ts).
type DocTSKey struct {
	ID types.DocumentID
	TS types.Timestamp
}

// ChainQuery is a direct (prev_ts, id) lookup used when walking a chain,
// avoiding a scan.
type ChainQuery struct {
	ID     types.DocumentID
	TS     types.Timestamp
	PrevTS types.Timestamp
}

// IndexChunk is a page of raw index rows used by the retention compactor.
type IndexChunk struct {
	Rows   []IndexWrite
	Cursor []byte
	Done   bool
}

// Store is the full persistence port contract of §4.1.
type Store interface {
	// Write is the only mutating call. Atomic: with strategy Fail it
	// returns Conflict if any (ts,id) or (index_id,key_prefix,ts) already
	// exists.
	Write(ctx context.Context, documents []DocumentWrite, indexUpdates []IndexWrite, strategy WriteStrategy) error

	// LoadDocuments streams the log in (ts, id) order, or reverse.
	LoadDocuments(ctx context.Context, r TSRange, order Order) (DocumentStream, error)

	// PreviousRevisions returns, for each (id, ts), the newest revision of
	// id with entry.ts < ts. Fails with FallingBehindRetention if any ts is
	// older than the retention floor.
	PreviousRevisions(ctx context.Context, keys []DocTSKey, rv RetentionValidator) (map[DocTSKey]types.Revision, error)

	// PreviousRevisionsOfDocuments resolves a direct (prev_ts, id) lookup
	// without a scan.
	PreviousRevisionsOfDocuments(ctx context.Context, queries []ChainQuery) (map[ChainQuery]types.Revision, error)

	// IndexScan yields one row per distinct key whose latest entry at
	// <= readTS is live, within interval, in key order.
	IndexScan(ctx context.Context, indexID types.IndexID, readTS types.Timestamp, interval KeyInterval, order Order, sizeHint int) (IndexRowStream, error)

	// LoadIndexChunk and DeleteIndexEntries/Delete are compaction-side
	// operations for the retention worker.
	LoadIndexChunk(ctx context.Context, indexID types.IndexID, cursor []byte, size int) (IndexChunk, error)
	DeleteIndexEntries(ctx context.Context, rows []IndexWrite) error
	Delete(ctx context.Context, docs []types.DocumentID) error

	// GetPersistenceGlobal/WritePersistenceGlobal is a small KV for
	// coordination: retention floor, lease epoch, schema metadata.
	GetPersistenceGlobal(ctx context.Context, key string) ([]byte, bool, error)
	WritePersistenceGlobal(ctx context.Context, key string, value []byte) error

	// SetReadOnly fences out writes; subsequent Write calls fail with
	// ReadOnly.
	SetReadOnly(ctx context.Context, readOnly bool) error

	Close() error
}

// DocumentStream is an iterator over DocumentLogEntry values.
type DocumentStream interface {
	Next() (DocumentLogEntry, bool, error)
	Close() error
}

// IndexRowStream is an iterator over IndexScanRow values with a
// continuation cursor.
type IndexRowStream interface {
	Next() (IndexScanRow, bool, error)
	Cursor() []byte
	Close() error
}

// Retry wraps a transient persistence error so callers can apply jittered
// backoff.
func Retry(cause error) error { return apperror.Wrap(apperror.Transient, "persistence.retry", cause) }

// ConflictErr reports a unique-constraint violation under WriteStrategy Fail.
func ConflictErr(msg string) error { return apperror.New(apperror.Conflict, "persistence.conflict", msg) }

// FallingBehindRetentionErr reports a read older than the retention floor.
func FallingBehindRetentionErr(msg string) error {
	return apperror.New(apperror.FallingBehindRetention, "persistence.retention", msg)
}

// ReadOnlyErr reports a write attempted while the store is fenced.
func ReadOnlyErr() error {
	return apperror.New(apperror.ReadOnly, "persistence.read_only", "store is in read-only mode")
}

// FatalErr wraps an unrecoverable persistence error.
func FatalErr(cause error) error { return apperror.Wrap(apperror.Fatal, "persistence.fatal", cause) }
