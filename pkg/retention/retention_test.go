package retention

import (
	"context"
	"testing"
	"time"

	"github.com/pulsedb/pulse/pkg/index"
	"github.com/pulsedb/pulse/pkg/persistence"
	"github.com/pulsedb/pulse/pkg/persistence/boltdb"
	"github.com/pulsedb/pulse/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fixedReader struct {
	ts types.Timestamp
	ok bool
}

func (f fixedReader) OldestActiveBeginTS() (types.Timestamp, bool) { return f.ts, f.ok }

func newTestWorker(t *testing.T, readers ReaderTracker, cfg Config) (*Worker, persistence.Store) {
	t.Helper()
	store, err := boltdb.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	registry := index.NewRegistry(store)
	return NewWorker(store, registry, readers, cfg), store
}

func TestRetentionCycle_PublishesFloorBehindGracePeriod(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GracePeriod = time.Minute // 60000ms
	w, store := newTestWorker(t, fixedReader{ts: 100000, ok: true}, cfg)

	require.NoError(t, w.retentionCycle(context.Background(), rate.NewLimiter(rate.Inf, 1)))

	assert.Equal(t, types.Timestamp(100000-60000), w.MinimumTS())

	raw, found, err := store.GetPersistenceGlobal(context.Background(), retentionFloorKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, w.MinimumTS(), decodeTS(raw))
}

func TestRetentionCycle_FloorClampsToZeroWhenGraceExceedsTS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GracePeriod = time.Hour
	w, _ := newTestWorker(t, fixedReader{ts: 10, ok: true}, cfg)

	require.NoError(t, w.retentionCycle(context.Background(), rate.NewLimiter(rate.Inf, 1)))
	assert.Equal(t, types.Timestamp(0), w.MinimumTS())
}

func TestRetentionCycle_NoActiveReadersLeavesFloorUntouched(t *testing.T) {
	w, _ := newTestWorker(t, fixedReader{ok: false}, DefaultConfig())
	w.floor = 42

	require.NoError(t, w.retentionCycle(context.Background(), rate.NewLimiter(rate.Inf, 1)))
	assert.Equal(t, types.Timestamp(42), w.MinimumTS())
}

func TestRegisterTablet_Deduplicates(t *testing.T) {
	w, _ := newTestWorker(t, fixedReader{}, DefaultConfig())
	w.RegisterTablet("users")
	w.RegisterTablet("users")
	w.RegisterTablet("posts")

	assert.Len(t, w.knownTablets, 2)
}

func TestCompactBelow_DeletesOnlyStaleIndexEntries(t *testing.T) {
	ctx := context.Background()
	w, store := newTestWorker(t, fixedReader{}, DefaultConfig())
	w.RegisterTablet("users")

	indexID := types.IndexID{Tablet: "users", Name: types.BuiltinByCreationTime}
	require.NoError(t, w.registry.Create(ctx, types.IndexDescriptor{ID: indexID, State: types.IndexEnabled}))

	oldRow := persistence.IndexWrite{
		IndexID: indexID, KeyPrefix: []byte("a"), TS: 1,
		Value: persistence.IndexValue{DocID: types.DocumentID{Tablet: "users", Suffix: "old"}, IsLive: true},
	}
	freshRow := persistence.IndexWrite{
		IndexID: indexID, KeyPrefix: []byte("b"), TS: 1000,
		Value: persistence.IndexValue{DocID: types.DocumentID{Tablet: "users", Suffix: "fresh"}, IsLive: true},
	}
	require.NoError(t, store.Write(ctx, nil, []persistence.IndexWrite{oldRow, freshRow}, persistence.Fail))

	require.NoError(t, w.compactBelow(ctx, 500, rate.NewLimiter(rate.Inf, 1)))

	chunk, err := store.LoadIndexChunk(ctx, indexID, nil, 100)
	require.NoError(t, err)
	require.Len(t, chunk.Rows, 1)
	assert.Equal(t, "fresh", chunk.Rows[0].Value.DocID.Suffix)
}

func decodeTS(raw []byte) types.Timestamp {
	var v uint64
	for _, b := range raw {
		v = v<<8 | uint64(b)
	}
	return types.Timestamp(v)
}
