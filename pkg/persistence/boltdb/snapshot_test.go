package boltdb

import (
	"context"
	"testing"

	"github.com/pulsedb/pulse/pkg/persistence"
	"github.com/pulsedb/pulse/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDumpLoadRoundTrip(t *testing.T) {
	ctx := context.Background()

	src, err := Open(t.TempDir())
	require.NoError(t, err)
	defer src.Close()

	doc := types.DocumentID{Tablet: "users", Suffix: "alice"}
	val := types.String("hello")
	require.NoError(t, src.Write(ctx, []persistence.DocumentWrite{
		{TS: 1, ID: doc, Value: &val},
	}, nil, persistence.Fail))
	require.NoError(t, src.WritePersistenceGlobal(ctx, "schema:version", []byte("1")))

	var records []SnapshotRecord
	require.NoError(t, src.Dump(func(r SnapshotRecord) error {
		records = append(records, r)
		return nil
	}))
	assert.NotEmpty(t, records)

	dst, err := Open(t.TempDir())
	require.NoError(t, err)
	defer dst.Close()

	for _, r := range records {
		require.NoError(t, dst.Load(r))
	}

	raw, found, err := dst.GetPersistenceGlobal(ctx, "schema:version")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1", string(raw))

	stream, err := dst.LoadDocuments(ctx, persistence.TSRange{Start: 0, End: 2}, persistence.Ascending)
	require.NoError(t, err)
	defer stream.Close()

	entry, ok, err := stream.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, doc, entry.ID)
	assert.Equal(t, "hello", entry.Value.Str)
}

func TestLoadUnknownBucketFails(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	err = store.Load(SnapshotRecord{Bucket: "nonexistent", Key: []byte("k"), Value: []byte("v")})
	assert.Error(t, err)
}
