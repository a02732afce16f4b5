package keychain

import (
	"context"
	"errors"
	"testing"

	"github.com/benaskins/gsecret/internal/secret"
	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Unit tests run against an in-memory vault; no session bus is needed.

func testVault(t *testing.T) (*VaultStore, *secret.MemoryTransport) {
	t.Helper()
	m := secret.NewMemoryTransport()
	svc, err := secret.Open(context.Background(), m, secret.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return NewVaultStore(svc, "", "gsecret-test"), m
}

func testStore(t *testing.T) Store {
	s, _ := testVault(t)
	return s
}

func TestSetAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "test/set-get", "hello-world"))

	val, err := s.Get(ctx, "test/set-get")
	require.NoError(t, err)
	assert.Equal(t, "hello-world", val)
}

func TestSetCreatesDefaultCollection(t *testing.T) {
	s, m := testVault(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", "1"))
	require.NoError(t, s.Set(ctx, "b", "2"))
	assert.Equal(t, 1, m.Calls("CreateCollection"))

	c, err := secret.CollectionForAlias(ctx, s.svc, secret.DefaultAlias)
	require.NoError(t, err)
	items, _ := c.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "gsecret-test: a", items[0].Label())
	assert.Equal(t, "b", items[1].Attributes()["key"])
}

func TestGetNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.Get(context.Background(), "test/nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetScopedByService(t *testing.T) {
	s, _ := testVault(t)
	ctx := context.Background()
	other := NewVaultStore(s.svc, "", "other-app")

	require.NoError(t, s.Set(ctx, "shared/key", "mine"))
	_, err := other.Get(ctx, "shared/key")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetOverwrites(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "test/overwrite", "first"))
	require.NoError(t, s.Set(ctx, "test/overwrite", "second"))

	val, err := s.Get(ctx, "test/overwrite")
	require.NoError(t, err)
	assert.Equal(t, "second", val)
	keys, _ := s.List(ctx)
	assert.Len(t, keys, 1)
}

func TestGetUnlocksCollection(t *testing.T) {
	s, m := testVault(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "test/locked", "value"))

	c, err := secret.CollectionForAlias(ctx, s.svc, secret.DefaultAlias)
	require.NoError(t, err)
	_, err = s.svc.Lock(ctx, c.Path())
	require.NoError(t, err)

	val, err := s.Get(ctx, "test/locked")
	require.NoError(t, err)
	assert.Equal(t, "value", val)
	assert.Equal(t, 1, m.Calls("Unlock"))
}

func TestSetAfterVaultLockedElsewhere(t *testing.T) {
	s, m := testVault(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "test/first", "1"))

	c, err := secret.CollectionForAlias(ctx, s.svc, secret.DefaultAlias)
	require.NoError(t, err)
	_, err = m.Lock(ctx, []dbus.ObjectPath{c.Path()})
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "test/second", "2"))
	val, err := s.Get(ctx, "test/second")
	require.NoError(t, err)
	assert.Equal(t, "2", val)
}

func TestDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "test/delete", "to-delete"))
	require.NoError(t, s.Delete(ctx, "test/delete"))

	_, err := s.Get(ctx, "test/delete")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteNonexistent(t *testing.T) {
	s := testStore(t)

	assert.NoError(t, s.Delete(context.Background(), "test/never-existed"))
}

func TestList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, k := range []string{"test/list-c", "test/list-a", "test/list-b"} {
		require.NoError(t, s.Set(ctx, k, "val"))
	}

	listed, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"test/list-a", "test/list-b", "test/list-c"}, listed)
}

func TestGetMultiple(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "test/multi-a", "val-a"))
	require.NoError(t, s.Set(ctx, "test/multi-b", "val-b"))

	result, err := s.GetMultiple(ctx, []string{"test/multi-a", "test/multi-b", "test/multi-missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"test/multi-a": "val-a", "test/multi-b": "val-b"}, result)
}

func TestVaultFailure(t *testing.T) {
	s, m := testVault(t)
	m.Fail("SearchItems", errors.New("bus gone"))

	_, err := s.Get(context.Background(), "test/any")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.True(t, secret.IsKind(err, secret.LoadError))
}
