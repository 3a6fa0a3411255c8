package main

import (
	"context"
	"testing"

	"github.com/pulsedb/pulse/pkg/persistence/boltdb"
	"github.com/pulsedb/pulse/pkg/secretseal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnvStore(t *testing.T) *envStore {
	t.Helper()
	store, err := boltdb.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sealer, err := secretseal.NewFromPassphrase("test-passphrase")
	require.NoError(t, err)

	return newEnvStore(store, sealer)
}

func TestEnvStore_SetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEnvStore(t)

	require.NoError(t, e.Set(ctx, "API_KEY", "super-secret", true))

	value, ok, err := e.Get(ctx, "API_KEY")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "super-secret", value)
}

func TestEnvStore_GetMissingKey(t *testing.T) {
	ctx := context.Background()
	e := newTestEnvStore(t)

	_, ok, err := e.Get(ctx, "MISSING")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnvStore_Unset(t *testing.T) {
	ctx := context.Background()
	e := newTestEnvStore(t)

	require.NoError(t, e.Set(ctx, "FLAG", "on", false))
	require.NoError(t, e.Unset(ctx, "FLAG"))

	_, ok, err := e.Get(ctx, "FLAG")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnvStore_SetOverwritesExisting(t *testing.T) {
	ctx := context.Background()
	e := newTestEnvStore(t)

	require.NoError(t, e.Set(ctx, "FLAG", "v1", false))
	require.NoError(t, e.Set(ctx, "FLAG", "v2", false))

	value, ok, err := e.Get(ctx, "FLAG")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", value)
}
