// Package codec implements the ordered composite index-key encoding of the
// sync protocol: each field is encoded as (type-tag, type-sorted-bytes) and
// concatenated, so that byte-lexicographic comparison of encoded keys is
// equal to structural comparison of the underlying values (§6).
package codec

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"

	"github.com/pulsedb/pulse/pkg/types"
)

// Type tags, in the sort order mandated by §6: null < false < true < int64
// < float64 < string < bytes < array < object.
const (
	tagNull byte = iota
	tagFalse
	tagTrue
	tagInt64
	tagFloat64
	tagString
	tagBytes
	tagArray
	tagObject
	tagSet
	tagMap
	tagID
)

// EncodeValue appends the ordered encoding of v to buf and returns the
// result.
func EncodeValue(buf []byte, v types.Value) []byte {
	switch v.Kind {
	case types.KindNull:
		return append(buf, tagNull)
	case types.KindBool:
		if v.Bool {
			return append(buf, tagTrue)
		}
		return append(buf, tagFalse)
	case types.KindInt64:
		buf = append(buf, tagInt64)
		return appendSignMagnitude(buf, v.Int)
	case types.KindFloat64:
		buf = append(buf, tagFloat64)
		return appendFloatSortable(buf, v.Float)
	case types.KindString:
		buf = append(buf, tagString)
		return appendDelimited(buf, []byte(v.Str))
	case types.KindBytes:
		buf = append(buf, tagBytes)
		return appendDelimited(buf, v.Bytes)
	case types.KindArray:
		buf = append(buf, tagArray)
		for _, elem := range v.Array {
			buf = append(buf, 0x01)
			buf = EncodeValue(buf, elem)
		}
		return append(buf, 0x00)
	case types.KindObject:
		buf = append(buf, tagObject)
		fields := types.SortedObjectFields(v.Object)
		for _, f := range fields {
			buf = append(buf, 0x01)
			buf = appendDelimited(buf, []byte(f))
			buf = EncodeValue(buf, v.Object[f])
		}
		return append(buf, 0x00)
	case types.KindSet:
		buf = append(buf, tagSet)
		sorted := append([]types.Value(nil), v.Set...)
		sort.Slice(sorted, func(i, j int) bool {
			return bytes.Compare(EncodeValue(nil, sorted[i]), EncodeValue(nil, sorted[j])) < 0
		})
		for _, elem := range sorted {
			buf = EncodeValue(buf, elem)
		}
		return buf
	case types.KindMap:
		buf = append(buf, tagMap)
		sorted := append([]types.MapEntry(nil), v.MapKV...)
		sort.Slice(sorted, func(i, j int) bool {
			return bytes.Compare(EncodeValue(nil, sorted[i].Key), EncodeValue(nil, sorted[j].Key)) < 0
		})
		for _, e := range sorted {
			buf = EncodeValue(buf, e.Key)
			buf = EncodeValue(buf, e.Value)
		}
		return buf
	case types.KindID:
		buf = append(buf, tagID)
		buf = appendDelimited(buf, []byte(v.ID.Tablet))
		buf = appendDelimited(buf, []byte(v.ID.Suffix))
		return buf
	default:
		return append(buf, tagNull)
	}
}

// appendSignMagnitude encodes an int64 so that unsigned byte comparison
// matches signed numeric comparison: flip the sign bit.
func appendSignMagnitude(buf []byte, i int64) []byte {
	u := uint64(i) ^ (1 << 63)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], u)
	return append(buf, b[:]...)
}

// appendFloatSortable encodes a float64 such that unsigned byte comparison
// matches numeric ordering, with NaN sorting last (already normalized by
// types.Float before it reaches here).
func appendFloatSortable(buf []byte, f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bits)
	return append(buf, b[:]...)
}

// appendDelimited writes a byte string with every 0x00 escaped as 0x00 0xFF
// and ends it with 0x00 0x01, so encoded strings compare in the same order
// as the raw bytes, a string sorts before every longer string it prefixes,
// and concatenated fields cannot be confused with a shorter-prefix match.
func appendDelimited(buf, data []byte) []byte {
	for _, b := range data {
		buf = append(buf, b)
		if b == 0x00 {
			buf = append(buf, 0xFF)
		}
	}
	return append(buf, 0x00, 0x01)
}

// EncodeKey encodes an ordered tuple of field values as a single composite
// index key, concatenating each field's encoding in order.
func EncodeKey(fields []types.Value) []byte {
	var buf []byte
	for _, f := range fields {
		buf = EncodeValue(buf, f)
	}
	return buf
}

// Compare returns -1, 0 or 1 comparing two encoded keys byte-lexicographically,
// which by construction equals structural comparison of the source tuples.
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}
