package commit

import (
	"context"
	"testing"
	"time"

	"github.com/pulsedb/pulse/pkg/apperror"
	"github.com/pulsedb/pulse/pkg/auth"
	"github.com/pulsedb/pulse/pkg/index"
	"github.com/pulsedb/pulse/pkg/persistence/boltdb"
	"github.com/pulsedb/pulse/pkg/txn"
	"github.com/pulsedb/pulse/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *index.Registry) {
	t.Helper()
	store, err := boltdb.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	registry := index.NewRegistry(store)

	byID := types.IndexID{Tablet: "users", Name: types.BuiltinByID}
	require.NoError(t, registry.Create(context.Background(), types.IndexDescriptor{ID: byID, State: types.IndexBackfilling}))
	require.NoError(t, registry.TransitionState(context.Background(), byID, types.IndexBackfilled))
	require.NoError(t, registry.TransitionState(context.Background(), byID, types.IndexEnabled))

	c, err := New(context.Background(), store, registry, nil, nil, DefaultConfig())
	require.NoError(t, err)
	return c, registry
}

func TestCommit_AssignsIncreasingTimestamps(t *testing.T) {
	c, registry := newTestCoordinator(t)
	_ = registry

	tx1 := txn.New(auth.Admin(), c.LastCommitTS(), c.store, c.registry, nil, txn.DefaultConfig())
	_, err := tx1.Insert(context.Background(), "users", types.Object(map[string]types.Value{"name": types.String("alice")}))
	require.NoError(t, err)

	ts1, err := c.Commit(context.Background(), tx1)
	require.NoError(t, err)
	assert.Equal(t, types.Timestamp(1), ts1)
	assert.Equal(t, types.Timestamp(1), c.LastCommitTS())

	tx2 := txn.New(auth.Admin(), c.LastCommitTS(), c.store, c.registry, nil, txn.DefaultConfig())
	_, err = tx2.Insert(context.Background(), "users", types.Object(map[string]types.Value{"name": types.String("bob")}))
	require.NoError(t, err)

	ts2, err := c.Commit(context.Background(), tx2)
	require.NoError(t, err)
	assert.Equal(t, types.Timestamp(2), ts2)
}

func TestCommit_DetectsReadWriteConflict(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	tx1 := txn.New(auth.Admin(), c.LastCommitTS(), c.store, c.registry, nil, txn.DefaultConfig())
	id, err := tx1.Insert(ctx, "users", types.Object(map[string]types.Value{"name": types.String("alice")}))
	require.NoError(t, err)
	_, err = c.Commit(ctx, tx1)
	require.NoError(t, err)

	// tx2 and tx3 both begin at the same snapshot and both observe the
	// document; tx3 commits its write first.
	beginTS := c.LastCommitTS()
	tx2 := txn.New(auth.Admin(), beginTS, c.store, c.registry, nil, txn.DefaultConfig())
	_, err = tx2.Get(ctx, id)
	require.NoError(t, err)

	tx3 := txn.New(auth.Admin(), beginTS, c.store, c.registry, nil, txn.DefaultConfig())
	require.NoError(t, tx3.Replace(ctx, id, types.Object(map[string]types.Value{"name": types.String("alice2")})))
	_, err = c.Commit(ctx, tx3)
	require.NoError(t, err)

	_, err = c.Commit(ctx, tx2)
	require.Error(t, err)
	assert.Equal(t, apperror.Conflict, apperror.KindOf(err))
}

func TestCommit_NoConflictWhenNoInterveningWrite(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	tx1 := txn.New(auth.Admin(), c.LastCommitTS(), c.store, c.registry, nil, txn.DefaultConfig())
	id, err := tx1.Insert(ctx, "users", types.Object(map[string]types.Value{"name": types.String("alice")}))
	require.NoError(t, err)
	_, err = c.Commit(ctx, tx1)
	require.NoError(t, err)

	tx2 := txn.New(auth.Admin(), c.LastCommitTS(), c.store, c.registry, nil, txn.DefaultConfig())
	require.NoError(t, tx2.Replace(ctx, id, types.Object(map[string]types.Value{"name": types.String("alice2")})))
	_, err = c.Commit(ctx, tx2)
	assert.NoError(t, err)
}

func TestDeriveWrites_InsertProducesByIDAndByCreationTimeEntries(t *testing.T) {
	c, registry := newTestCoordinator(t)
	secondary := types.IndexID{Tablet: "users", Name: "by_name"}
	require.NoError(t, registry.Create(context.Background(), types.IndexDescriptor{ID: secondary, Fields: []string{"name"}}))

	now := time.Now()
	val := types.Object(map[string]types.Value{"name": types.String("alice")})
	id := types.DocumentID{Tablet: "users", Suffix: "alice"}
	writes := []txn.Write{{ID: id, Table: "users", NewValue: &val, IsInsert: true, CreationTime: now}}

	docWrites, indexWrites, overlay, touched := c.deriveWrites(writes, map[types.DocumentID]types.Timestamp{}, 7)

	require.Len(t, docWrites, 1)
	assert.Equal(t, now, docWrites[0].CreationTime)
	assert.False(t, docWrites[0].HasPrevTS)
	assert.Equal(t, types.Timestamp(7), docWrites[0].TS)

	// by_id, by_creation_time, and the secondary "by_name" index.
	assert.Len(t, indexWrites, 3)
	assert.Len(t, overlay, 3)
	assert.Len(t, touched, 3)
}

func TestDeriveWrites_SkipsSecondaryIndexWhenFieldMissing(t *testing.T) {
	c, registry := newTestCoordinator(t)
	secondary := types.IndexID{Tablet: "users", Name: "by_name"}
	require.NoError(t, registry.Create(context.Background(), types.IndexDescriptor{ID: secondary, Fields: []string{"name"}}))

	val := types.Object(map[string]types.Value{"other": types.String("x")})
	id := types.DocumentID{Tablet: "users", Suffix: "alice"}
	writes := []txn.Write{{ID: id, Table: "users", NewValue: &val, IsInsert: true, CreationTime: time.Now()}}

	_, indexWrites, _, touched := c.deriveWrites(writes, map[types.DocumentID]types.Timestamp{}, 1)

	// by_id and by_creation_time only, no by_name since the field is absent.
	assert.Len(t, indexWrites, 2)
	assert.NotContains(t, touched, secondary)
}

func TestValidateOCC_IgnoresHistoryOutsideBeginCommitWindow(t *testing.T) {
	c, _ := newTestCoordinator(t)
	id := types.DocumentID{Tablet: "users", Suffix: "alice"}

	// A history record at ts=1 is outside (beginTS=1, commitTS=2)'s
	// exclusive lower bound, so it must not trigger a conflict.
	c.history = []commitRecord{
		{ts: 1, docIDs: map[types.DocumentID]struct{}{id: {}}},
	}
	tx := txn.New(auth.Admin(), 1, c.store, c.registry, nil, txn.DefaultConfig())
	assert.NoError(t, c.validateOCC(tx, 2))
}
