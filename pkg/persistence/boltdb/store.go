// Package boltdb implements the persistence port (pkg/persistence) on top
// of go.etcd.io/bbolt, generalizing cuemby-warren's pkg/storage.BoltStore
// from one-bucket-per-entity-kind CRUD into the three-bucket MVCC layout of
// §6: documents keyed (ts, tablet_id, document_id), index rows keyed
// (index_id, key_prefix, ts), and an opaque global KV. bbolt buckets are
// naturally byte-ordered, so encoding keys as big-endian-prefixed tuples
// gives the (ts, tablet_id, document_id) scan order for free.
package boltdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pulsedb/pulse/pkg/persistence"
	"github.com/pulsedb/pulse/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDocuments = []byte("documents")
	bucketIndex     = []byte("index")
	bucketGlobal    = []byte("global")
)

// Store implements persistence.Store using BoltDB.
type Store struct {
	db       *bolt.DB
	readOnly bool
}

// Open creates or opens a BoltDB-backed persistence store rooted at
// dataDir/pulse.db.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "pulse.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open persistence db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDocuments, bucketIndex, bucketGlobal} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- key encoding -----------------------------------------------------

func docKey(ts types.Timestamp, id types.DocumentID) []byte {
	var buf bytes.Buffer
	var tsb [8]byte
	binary.BigEndian.PutUint64(tsb[:], uint64(ts))
	buf.Write(tsb[:])
	buf.WriteByte(0)
	buf.WriteString(string(id.Tablet))
	buf.WriteByte(0)
	buf.WriteString(id.Suffix)
	return buf.Bytes()
}

// revisionKey indexes a revision by (id, ts) with ts inverted so a cursor
// walking a document's chain sees the newest revision first, letting
// PreviousRevisions stop at the first match without a second pass.
func revisionKey(id types.DocumentID, ts types.Timestamp) []byte {
	var buf bytes.Buffer
	buf.WriteString(string(id.Tablet))
	buf.WriteByte(0)
	buf.WriteString(id.Suffix)
	buf.WriteByte(0)
	var tsb [8]byte
	binary.BigEndian.PutUint64(tsb[:], ^uint64(ts))
	buf.Write(tsb[:])
	return buf.Bytes()
}

func indexKey(indexID types.IndexID, keyPrefix []byte, ts types.Timestamp) []byte {
	var buf bytes.Buffer
	buf.WriteString(string(indexID.Tablet))
	buf.WriteByte(0)
	buf.WriteString(indexID.Name)
	buf.WriteByte(0)
	buf.Write(keyPrefix)
	buf.WriteByte(0)
	var tsb [8]byte
	binary.BigEndian.PutUint64(tsb[:], ^uint64(ts)) // newest-first within a key
	buf.Write(tsb[:])
	return buf.Bytes()
}

func indexKeyPrefix(indexID types.IndexID) []byte {
	var buf bytes.Buffer
	buf.WriteString(string(indexID.Tablet))
	buf.WriteByte(0)
	buf.WriteString(indexID.Name)
	buf.WriteByte(0)
	return buf.Bytes()
}

// --- on-disk record shapes ---------------------------------------------

type docRecord struct {
	Value        *types.Value
	PrevTS       types.Timestamp
	HasPrevTS    bool
	TS           types.Timestamp
	CreationTime time.Time
}

type indexRecord struct {
	IsLive    bool
	DocTablet string
	DocSuffix string
}

// --- writes -------------------------------------------------------------

func (s *Store) Write(ctx context.Context, documents []persistence.DocumentWrite, indexUpdates []persistence.IndexWrite, strategy persistence.WriteStrategy) error {
	if s.readOnly {
		return persistence.ReadOnlyErr()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(bucketDocuments)
		idx := tx.Bucket(bucketIndex)

		for _, d := range documents {
			k := docKey(d.TS, d.ID)
			if strategy == persistence.Fail {
				if docs.Get(k) != nil {
					return persistence.ConflictErr(fmt.Sprintf("document (%v,%v) already written", d.TS, d.ID))
				}
			}
			rec := docRecord{Value: d.Value, PrevTS: d.PrevTS, HasPrevTS: d.HasPrevTS, TS: d.TS, CreationTime: d.CreationTime}
			raw, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := docs.Put(k, raw); err != nil {
				return err
			}
			if err := docs.Put(revisionKey(d.ID, d.TS), raw); err != nil {
				return err
			}
		}

		for _, u := range indexUpdates {
			k := indexKey(u.IndexID, u.KeyPrefix, u.TS)
			if strategy == persistence.Fail {
				if idx.Get(k) != nil {
					return persistence.ConflictErr(fmt.Sprintf("index entry %v@%v already written", u.IndexID, u.TS))
				}
			}
			rec := indexRecord{IsLive: u.Value.IsLive, DocTablet: string(u.Value.DocID.Tablet), DocSuffix: u.Value.DocID.Suffix}
			raw, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := idx.Put(k, raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- document log streaming ---------------------------------------------

type docStream struct {
	entries []persistence.DocumentLogEntry
	pos     int
}

func (ds *docStream) Next() (persistence.DocumentLogEntry, bool, error) {
	if ds.pos >= len(ds.entries) {
		return persistence.DocumentLogEntry{}, false, nil
	}
	e := ds.entries[ds.pos]
	ds.pos++
	return e, true, nil
}
func (ds *docStream) Close() error { return nil }

func (s *Store) LoadDocuments(ctx context.Context, r persistence.TSRange, order persistence.Order) (persistence.DocumentStream, error) {
	var entries []persistence.DocumentLogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(k) < 8 {
				continue
			}
			ts := types.Timestamp(binary.BigEndian.Uint64(k[:8]))
			rest := k[8:]
			if len(rest) == 0 || rest[0] != 0 {
				continue // not a ts-prefixed primary entry (skip revision-chain shadow keys)
			}
			if ts < r.Start || (r.End != 0 && ts >= r.End) {
				continue
			}
			var rec docRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			id := decodeDocIDFromKey(rest[1:])
			entries = append(entries, persistence.DocumentLogEntry{TS: ts, ID: id, Value: rec.Value, PrevTS: rec.PrevTS, CreationTime: rec.CreationTime})
		}
		return nil
	})
	if err != nil {
		return nil, persistence.FatalErr(err)
	}
	if order == persistence.Descending {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	return &docStream{entries: entries}, nil
}

func decodeDocIDFromKey(rest []byte) types.DocumentID {
	parts := bytes.SplitN(rest, []byte{0}, 2)
	if len(parts) != 2 {
		return types.DocumentID{}
	}
	return types.DocumentID{Tablet: types.TabletID(parts[0]), Suffix: string(parts[1])}
}

// --- revision lookups -----------------------------------------------------

func (s *Store) PreviousRevisions(ctx context.Context, keys []persistence.DocTSKey, rv persistence.RetentionValidator) (map[persistence.DocTSKey]types.Revision, error) {
	floor := types.Timestamp(0)
	if rv != nil {
		floor = rv.MinimumTS()
	}
	out := make(map[persistence.DocTSKey]types.Revision, len(keys))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		for _, key := range keys {
			if key.TS < floor {
				return persistence.FallingBehindRetentionErr(fmt.Sprintf("ts %d predates retention floor %d", key.TS, floor))
			}
			prefix := revisionChainPrefix(key.ID)
			c := b.Cursor()
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				var rec docRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					return err
				}
				if rec.TS < key.TS {
					out[key] = types.Revision{DocID: key.ID, TS: rec.TS, Value: rec.Value, PrevTS: rec.PrevTS, HasPrevTS: rec.HasPrevTS, CreationTime: rec.CreationTime}
					break // newest-first byte order: first match under ts is latest
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func revisionChainPrefix(id types.DocumentID) []byte {
	var buf bytes.Buffer
	buf.WriteString(string(id.Tablet))
	buf.WriteByte(0)
	buf.WriteString(id.Suffix)
	buf.WriteByte(0)
	return buf.Bytes()
}

func (s *Store) PreviousRevisionsOfDocuments(ctx context.Context, queries []persistence.ChainQuery) (map[persistence.ChainQuery]types.Revision, error) {
	out := make(map[persistence.ChainQuery]types.Revision, len(queries))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		for _, q := range queries {
			k := revisionKey(q.ID, q.PrevTS)
			v := b.Get(k)
			if v == nil {
				continue
			}
			var rec docRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out[q] = types.Revision{DocID: q.ID, TS: q.PrevTS, Value: rec.Value, PrevTS: rec.PrevTS, HasPrevTS: rec.HasPrevTS, CreationTime: rec.CreationTime}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- index scan ------------------------------------------------------------

type indexRowStream struct {
	rows   []persistence.IndexScanRow
	pos    int
	cursor []byte
}

func (is *indexRowStream) Next() (persistence.IndexScanRow, bool, error) {
	if is.pos >= len(is.rows) {
		return persistence.IndexScanRow{}, false, nil
	}
	r := is.rows[is.pos]
	is.pos++
	return r, true, nil
}
func (is *indexRowStream) Cursor() []byte { return is.cursor }
func (is *indexRowStream) Close() error   { return nil }

// IndexScan yields the latest live revision per distinct key at or before
// readTS within interval. Entries for one key are stored newest-first
// (inverted ts suffix), so the first entry seen per key determines
// liveness; a tombstone there hides any older live entry underneath it,
// honoring the MVCC merge rule of §4.1/§4.2 client-side since bbolt has no
// native index-merge facility.
func (s *Store) IndexScan(ctx context.Context, indexID types.IndexID, readTS types.Timestamp, interval persistence.KeyInterval, order persistence.Order, sizeHint int) (persistence.IndexRowStream, error) {
	var rows []persistence.IndexScanRow
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIndex)
		prefix := indexKeyPrefix(indexID)
		c := b.Cursor()
		var lastKeyPrefix []byte
		seenKey := false
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			rest := k[len(prefix):]
			if len(rest) < 9 {
				continue
			}
			tsOffset := len(rest) - 8
			keyPrefix := rest[:tsOffset-1]
			ts := types.Timestamp(^binary.BigEndian.Uint64(rest[tsOffset:]))
			if ts > readTS {
				continue
			}
			if !interval.Contains(keyPrefix) {
				continue
			}
			if !bytes.Equal(keyPrefix, lastKeyPrefix) {
				lastKeyPrefix = append([]byte(nil), keyPrefix...)
				seenKey = false
			} else if seenKey {
				continue
			}
			seenKey = true

			var rec indexRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.IsLive {
				continue
			}
			docID := types.DocumentID{Tablet: types.TabletID(rec.DocTablet), Suffix: rec.DocSuffix}
			rows = append(rows, persistence.IndexScanRow{
				Key:      append([]byte(nil), keyPrefix...),
				DocID:    docID,
				Revision: types.Revision{DocID: docID, TS: ts},
			})
			if sizeHint > 0 && len(rows) >= sizeHint {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, persistence.FatalErr(err)
	}
	if order == persistence.Descending {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	return &indexRowStream{rows: rows}, nil
}

func (s *Store) LoadIndexChunk(ctx context.Context, indexID types.IndexID, cursor []byte, size int) (persistence.IndexChunk, error) {
	var chunk persistence.IndexChunk
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIndex)
		prefix := indexKeyPrefix(indexID)
		c := b.Cursor()
		var k, v []byte
		if len(cursor) > 0 {
			k, v = c.Seek(cursor)
			if k != nil && bytes.Equal(k, cursor) {
				k, v = c.Next()
			}
		} else {
			k, v = c.Seek(prefix)
		}
		count := 0
		for ; k != nil && bytes.HasPrefix(k, prefix) && count < size; k, v = c.Next() {
			var rec indexRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			row := persistence.IndexWrite{
				IndexID: indexID,
				Value: persistence.IndexValue{
					DocID:  types.DocumentID{Tablet: types.TabletID(rec.DocTablet), Suffix: rec.DocSuffix},
					IsLive: rec.IsLive,
				},
			}
			if rest := k[len(prefix):]; len(rest) >= 9 {
				row.KeyPrefix = append([]byte(nil), rest[:len(rest)-9]...)
				row.TS = types.Timestamp(^binary.BigEndian.Uint64(rest[len(rest)-8:]))
			}
			chunk.Rows = append(chunk.Rows, row)
			chunk.Cursor = append([]byte(nil), k...)
			count++
		}
		if k == nil || !bytes.HasPrefix(k, prefix) {
			chunk.Done = true
		}
		return nil
	})
	if err != nil {
		return persistence.IndexChunk{}, persistence.FatalErr(err)
	}
	return chunk, nil
}

func (s *Store) DeleteIndexEntries(ctx context.Context, rows []persistence.IndexWrite) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIndex)
		for _, r := range rows {
			if err := b.Delete(indexKey(r.IndexID, r.KeyPrefix, r.TS)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, docs []types.DocumentID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		for _, id := range docs {
			prefix := revisionChainPrefix(id)
			c := b.Cursor()
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// --- global KV --------------------------------------------------------------

func (s *Store) GetPersistenceGlobal(ctx context.Context, key string) ([]byte, bool, error) {
	var val []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGlobal)
		v := b.Get([]byte(key))
		if v != nil {
			val = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	return val, found, err
}

func (s *Store) WritePersistenceGlobal(ctx context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGlobal)
		return b.Put([]byte(key), value)
	})
}

func (s *Store) SetReadOnly(ctx context.Context, readOnly bool) error {
	s.readOnly = readOnly
	return nil
}

// --- offline snapshot ---------------------------------------------------

// SnapshotRecord is one raw key/value pair from one of the three buckets,
// the unit pulsectl's offline export/import commands move around. Keys and
// values are opaque byte strings in this store's own on-disk encoding, so a
// snapshot is only ever replayed back into a store built by this package.
type SnapshotRecord struct {
	Bucket string `json:"bucket"`
	Key    []byte `json:"key"`
	Value  []byte `json:"value"`
}

// Dump streams every record in the three MVCC buckets to fn, in bucket
// order (documents, index, global). Used by pulsectl export to take a
// consistent point-in-time copy without going through the live write path,
// the way etcdctl snapshot save reads bbolt directly rather than through
// etcd's API.
func (s *Store) Dump(fn func(SnapshotRecord) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDocuments, bucketIndex, bucketGlobal} {
			b := tx.Bucket(name)
			if err := b.ForEach(func(k, v []byte) error {
				return fn(SnapshotRecord{
					Bucket: string(name),
					Key:    append([]byte(nil), k...),
					Value:  append([]byte(nil), v...),
				})
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load writes rec directly into its bucket, overwriting whatever is there.
// Used by pulsectl import to replay a Dump snapshot into a fresh data
// directory. Callers must only ever feed it records produced by Dump
// against this same store layout.
func (s *Store) Load(rec SnapshotRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(rec.Bucket))
		if b == nil {
			return fmt.Errorf("boltdb snapshot load: unknown bucket %q", rec.Bucket)
		}
		return b.Put(rec.Key, rec.Value)
	})
}
