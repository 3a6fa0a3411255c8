// Package search implements the fragmented search segments of spec.md
// §3/§4.5/§9: immutable, content-addressed shards for text/vector
// indexes, each paired with a mutable deleted-bitset that is the only
// artifact rewritten between compactions. Deleted-bitsets use
// github.com/RoaringBitmap/roaring/v2 compressed bitmaps rather than a
// hand-rolled bitset, per SPEC_FULL.md's domain-stack wiring.
package search

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pulsedb/pulse/pkg/apperror"
	"github.com/pulsedb/pulse/pkg/persistence"
	"github.com/pulsedb/pulse/pkg/types"
)

// ContentKey is a content-addressed blob reference: sha256 of the blob's
// bytes, hex-encoded, so retries that re-derive the same segment collide
// on the same key rather than producing duplicates (§4.3 "deterministic
// at replay").
type ContentKey string

// KeyFor derives the content-addressed key for blob.
func KeyFor(blob []byte) ContentKey {
	sum := sha256.Sum256(blob)
	return ContentKey(hex.EncodeToString(sum[:]))
}

// Segment is one immutable fragmented-search shard plus its mutable
// deleted-bitset, exactly the {segment_key, id_tracker_key,
// deleted_bitset_key, num_indexed} tuple of spec.md §3.
type Segment struct {
	IndexID         types.IndexID
	SegmentKey      ContentKey
	IDTrackerKey    ContentKey
	DeletedBitset   *roaring.Bitmap
	NumIndexed      uint64
}

// Clone deep-copies a Segment's mutable bitset so concurrent readers never
// observe a half-applied deletion.
func (s *Segment) Clone() *Segment {
	return &Segment{
		IndexID:       s.IndexID,
		SegmentKey:    s.SegmentKey,
		IDTrackerKey:  s.IDTrackerKey,
		DeletedBitset: s.DeletedBitset.Clone(),
		NumIndexed:    s.NumIndexed,
	}
}

// LiveCount returns the number of entries still live (not tombstoned) in
// the segment.
func (s *Segment) LiveCount() uint64 {
	deleted := s.DeletedBitset.GetCardinality()
	if deleted >= s.NumIndexed {
		return 0
	}
	return s.NumIndexed - deleted
}

const globalKeyPrefix = "search_segment:"

func globalKey(indexID types.IndexID, key ContentKey) string {
	return fmt.Sprintf("%s%s.%s", globalKeyPrefix, indexID, key)
}

// Registry tracks every live segment per index (spec.md §9: "segments are
// content-addressed and carry no back-pointer"). It keeps no reference
// counts: ApplyCompaction drops replaced segments from the list, and
// Unreferenced reports blobs that no live segment names.
type Registry struct {
	mu       sync.RWMutex
	byIndex  map[types.IndexID][]*Segment
	store    persistence.Store
}

// NewRegistry constructs an empty segment registry.
func NewRegistry(store persistence.Store) *Registry {
	return &Registry{byIndex: make(map[types.IndexID][]*Segment), store: store}
}

// Segments returns the current segment set for an index.
func (r *Registry) Segments(indexID types.IndexID) []*Segment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Segment, len(r.byIndex[indexID]))
	copy(out, r.byIndex[indexID])
	return out
}

// AddSegment registers a newly backfilled segment, content-addressed so a
// retried backfill chunk that re-derives the same bytes is idempotent.
func (r *Registry) AddSegment(indexID types.IndexID, seg *Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byIndex[indexID] {
		if existing.SegmentKey == seg.SegmentKey {
			return
		}
	}
	seg.IndexID = indexID
	r.byIndex[indexID] = append(r.byIndex[indexID], seg)
}

// MarkDeleted flags docOrdinal as deleted in every segment of indexID that
// currently indexes it, without touching the immutable segment body.
func (r *Registry) MarkDeleted(indexID types.IndexID, docOrdinal uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, seg := range r.byIndex[indexID] {
		if docOrdinal < uint32(seg.NumIndexed) {
			seg.DeletedBitset.Add(docOrdinal)
		}
	}
}

// CompactionResult is the merged segment plus the set of input segments it
// replaces. Compact only computes it; nothing in this package commits the
// new segment metadata through C4.
type CompactionResult struct {
	Merged      *Segment
	Replaces    []ContentKey
}

// Compact merges candidates (at least two, same index) into a single new
// segment: their union minus each one's own deleted set becomes the
// merged segment's live set, and the merged deleted-bitset starts empty.
// mergeBlobs does the actual shard-format merge and is supplied by the
// caller since segment byte layout is index-type specific (text vs.
// vector); Compact only handles the bitset/reference bookkeeping.
func Compact(candidates []*Segment, mergeBlobs func([]*Segment) ([]byte, uint64, error)) (*CompactionResult, error) {
	if len(candidates) < 2 {
		return nil, apperror.New(apperror.InvalidArgument, "search.compact_too_few", "compaction requires at least two segments")
	}
	indexID := candidates[0].IndexID
	for _, c := range candidates {
		if c.IndexID != indexID {
			return nil, apperror.New(apperror.InvalidArgument, "search.compact_mixed_index", "cannot compact segments from different indexes")
		}
	}

	blob, numIndexed, err := mergeBlobs(candidates)
	if err != nil {
		return nil, err
	}

	merged := &Segment{
		IndexID:       indexID,
		SegmentKey:    KeyFor(blob),
		DeletedBitset: roaring.New(),
		NumIndexed:    numIndexed,
	}

	replaces := make([]ContentKey, 0, len(candidates))
	for _, c := range candidates {
		replaces = append(replaces, c.SegmentKey)
	}
	return &CompactionResult{Merged: merged, Replaces: replaces}, nil
}

// ApplyCompaction swaps the replaced segments for the merged one in the
// registry. Called only after the commit coordinator has durably recorded
// the new segment metadata.
func (r *Registry) ApplyCompaction(indexID types.IndexID, result *CompactionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	replaced := make(map[ContentKey]bool, len(result.Replaces))
	for _, k := range result.Replaces {
		replaced[k] = true
	}
	kept := r.byIndex[indexID][:0]
	for _, seg := range r.byIndex[indexID] {
		if !replaced[seg.SegmentKey] {
			kept = append(kept, seg)
		}
	}
	r.byIndex[indexID] = append(kept, result.Merged)
}

// Unreferenced returns segments present in candidates but absent from
// live, for C5's garbage collection of orphaned content-addressed blobs
// (spec.md §3: "unreferenced segments are garbage-collected by C5").
func Unreferenced(live []*Segment, candidates []ContentKey) []ContentKey {
	liveKeys := make(map[ContentKey]bool, len(live))
	for _, s := range live {
		liveKeys[s.SegmentKey] = true
	}
	var out []ContentKey
	for _, c := range candidates {
		if !liveKeys[c] {
			out = append(out, c)
		}
	}
	return out
}

// encodeManifest serializes a segment's metadata tuple (segment key,
// id-tracker key, indexed count, then the deleted bitset's bytes) into a
// single byte value. This package neither writes that value to the
// persistence-global KV nor decodes it.
func encodeManifest(seg *Segment) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s\n%s\n%d\n", seg.SegmentKey, seg.IDTrackerKey, seg.NumIndexed)
	bitmapBytes, _ := seg.DeletedBitset.ToBytes()
	buf.Write(bitmapBytes)
	return buf.Bytes()
}
