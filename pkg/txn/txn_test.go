package txn

import (
	"context"
	"testing"

	"github.com/pulsedb/pulse/pkg/apperror"
	"github.com/pulsedb/pulse/pkg/auth"
	"github.com/pulsedb/pulse/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTxn(identity auth.Identity) *Transaction {
	return New(identity, 1, nil, nil, nil, DefaultConfig())
}

func TestInsert_StagesWriteWithCreationTime(t *testing.T) {
	tx := newTxn(auth.User("alice", nil))
	id, err := tx.Insert(context.Background(), "messages", types.Object(map[string]types.Value{"text": types.String("hi")}))
	require.NoError(t, err)

	writes := tx.Writes()
	require.Len(t, writes, 1)
	assert.True(t, writes[0].IsInsert)
	assert.Equal(t, id, writes[0].ID)
	assert.False(t, writes[0].CreationTime.IsZero())
}

func TestGet_ReflectsStagedInsertAndInjectsCreationTime(t *testing.T) {
	tx := newTxn(auth.User("alice", nil))
	id, err := tx.Insert(context.Background(), "messages", types.Object(map[string]types.Value{"text": types.String("hi")}))
	require.NoError(t, err)

	doc, err := tx.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, id, doc.ID)
	assert.False(t, doc.CreationTime.IsZero())

	withSystem := doc.WithSystemFields()
	require.Equal(t, types.KindObject, withSystem.Kind)
	assert.Contains(t, withSystem.Object, "_id")
	assert.Contains(t, withSystem.Object, "_creationTime")
}

func TestReplace_PreservesOriginalCreationTime(t *testing.T) {
	tx := newTxn(auth.User("alice", nil))
	id, err := tx.Insert(context.Background(), "messages", types.Object(map[string]types.Value{"text": types.String("hi")}))
	require.NoError(t, err)

	original := tx.Writes()[0].CreationTime

	err = tx.Replace(context.Background(), id, types.Object(map[string]types.Value{"text": types.String("updated")}))
	require.NoError(t, err)

	writes := tx.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, original, writes[0].CreationTime, "replace must not bump _creationTime")
	assert.Equal(t, "updated", writes[0].NewValue.Object["text"].Str)
}

func TestPatch_PreservesCreationTimeAndMergesFields(t *testing.T) {
	tx := newTxn(auth.User("alice", nil))
	id, err := tx.Insert(context.Background(), "messages", types.Object(map[string]types.Value{
		"text": types.String("hi"), "pinned": types.Bool(false),
	}))
	require.NoError(t, err)
	original := tx.Writes()[0].CreationTime

	err = tx.Patch(context.Background(), id, map[string]types.Value{"pinned": types.Bool(true)})
	require.NoError(t, err)

	writes := tx.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, original, writes[0].CreationTime)
	assert.Equal(t, true, writes[0].NewValue.Object["pinned"].Bool)
	assert.Equal(t, "hi", writes[0].NewValue.Object["text"].Str)
}

func TestPatch_RejectsReservedFields(t *testing.T) {
	tx := newTxn(auth.User("alice", nil))
	id, err := tx.Insert(context.Background(), "messages", types.Object(map[string]types.Value{"text": types.String("hi")}))
	require.NoError(t, err)

	err = tx.Patch(context.Background(), id, map[string]types.Value{"_id": types.String("nope")})
	require.Error(t, err)
	assert.Equal(t, apperror.InvalidArgument, apperror.KindOf(err))

	err = tx.Patch(context.Background(), id, map[string]types.Value{"_creationTime": types.Int(0)})
	require.Error(t, err)
	assert.Equal(t, apperror.InvalidArgument, apperror.KindOf(err))
}

func TestDelete_TombstonesStagedDocument(t *testing.T) {
	tx := newTxn(auth.User("alice", nil))
	id, err := tx.Insert(context.Background(), "messages", types.Object(map[string]types.Value{"text": types.String("hi")}))
	require.NoError(t, err)

	require.NoError(t, tx.Delete(context.Background(), id))

	doc, err := tx.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, doc, "a deleted document reads back as nil within the same transaction")
}

func TestInsert_RejectsSystemTableForUserIdentity(t *testing.T) {
	tx := newTxn(auth.User("alice", nil))
	_, err := tx.Insert(context.Background(), "_functions", types.Object(nil))
	require.Error(t, err)
	assert.Equal(t, apperror.Unauthorized, apperror.KindOf(err))
}

func TestInsert_AllowsSystemTableForAdminIdentity(t *testing.T) {
	tx := newTxn(auth.Admin())
	_, err := tx.Insert(context.Background(), "_functions", types.Object(nil))
	assert.NoError(t, err)
}

func TestGet_RejectsSystemTableForUserIdentity(t *testing.T) {
	tx := newTxn(auth.User("alice", nil))
	_, err := tx.Get(context.Background(), types.DocumentID{Tablet: "_functions", Suffix: "x"})
	require.Error(t, err)
	assert.Equal(t, apperror.Unauthorized, apperror.KindOf(err))
}

func TestCheckBudget_EnforcesRowLimit(t *testing.T) {
	tx := newTxn(auth.User("alice", nil))
	tx.cfg.MaxReadRows = 2
	tx.cfg.MaxReadBytes = 100

	require.NoError(t, tx.checkBudget(10))
	require.NoError(t, tx.checkBudget(10))
	err := tx.checkBudget(10)
	require.Error(t, err)
	assert.Equal(t, apperror.UserLimitExceeded, apperror.KindOf(err))
}

func TestCheckBudget_EnforcesByteLimit(t *testing.T) {
	tx := newTxn(auth.User("alice", nil))
	tx.cfg.MaxReadRows = 100
	tx.cfg.MaxReadBytes = 5

	err := tx.checkBudget(10)
	require.Error(t, err)
	assert.Equal(t, apperror.UserLimitExceeded, apperror.KindOf(err))
}

func TestUsage_TracksIngressAndEgressBytes(t *testing.T) {
	tx := newTxn(auth.User("alice", nil))
	_, err := tx.Insert(context.Background(), "messages", types.Object(map[string]types.Value{"text": types.String("hi")}))
	require.NoError(t, err)

	snap := tx.Usage().Snapshot()
	require.Contains(t, snap, "messages")
	assert.Positive(t, snap["messages"].IngressUserBytes)
}
